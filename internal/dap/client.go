package dap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/ai-debugger-inc/aidb/internal/session"
	"github.com/ai-debugger-inc/aidb/pkg/container"
	"github.com/ai-debugger-inc/aidb/pkg/resiliency"
)

// resumeCommands are the requests whose successful acknowledgement means the
// debuggee is running again.
var resumeCommands = map[string]bool{
	"continue":        true,
	"next":            true,
	"stepIn":          true,
	"stepOut":         true,
	"stepBack":        true,
	"reverseContinue": true,
	"restart":         true,
	"goto":            true,
}

var (
	// ErrNotConnected is returned for protocol operations on a client
	// that has no live transport.
	ErrNotConnected = errors.New("client is not connected")

	// ErrRequestFailed is returned when the adapter answered a request
	// with success=false.
	ErrRequestFailed = errors.New("request failed")
)

const (
	defaultRequestTimeout = 10 * time.Second

	// dialRetryTimeout bounds the connect retries a TCP dialer makes while
	// an adapter finishes bringing up its accept loop.
	dialRetryTimeout = 5 * time.Second

	// eventHistorySize is how many recent adapter events a client remembers
	// for diagnostics.
	eventHistorySize = 64
)

// Client is a DAP client connection to one adapter. It owns a read loop
// that correlates responses with in-flight requests by sequence number and
// fans events out to subscribers. Client implements session.Connection.
type Client struct {
	log logr.Logger

	dial func(ctx context.Context) (Transport, error)

	seq    atomic.Int64
	nextID atomic.Int64

	mu         sync.Mutex
	transport  Transport
	inflight   map[int]chan dap.Message
	handlers   map[string]map[session.SubscriptionID]session.EventHandler
	events     *container.RingBuffer[string]
	stopped    bool
	stopNotify chan struct{}
	readDone   chan struct{}
}

var _ session.Connection = (*Client)(nil)

// NewClient creates a client that dials the adapter with the given function
// on Connect. The client is not connected until Connect is called.
func NewClient(log logr.Logger, dial func(ctx context.Context) (Transport, error)) *Client {
	return &Client{
		log:      log,
		dial:     dial,
		inflight: make(map[int]chan dap.Message),
		handlers: make(map[string]map[session.SubscriptionID]session.EventHandler),
		events:   container.NewBoundedRingBuffer[string](eventHistorySize),
	}
}

// NewTCPDialer returns a session.ConnectionDialer producing clients that
// connect to adapters over TCP.
func NewTCPDialer(log logr.Logger) session.ConnectionDialer {
	return func(ctx context.Context, host string, port int) (session.Connection, error) {
		address := fmt.Sprintf("%s:%d", host, port)
		c := NewClient(log.WithValues("adapterAddress", address), func(ctx context.Context) (Transport, error) {
			return DialTCP(ctx, address)
		})

		// An adapter may accept connections a beat after its port opens;
		// retry the connect with back-off instead of failing the session.
		dialCtx, cancel := context.WithTimeout(ctx, dialRetryTimeout)
		defer cancel()
		return resiliency.RetryGet(dialCtx, func() (session.Connection, error) {
			if connectErr := c.Connect(dialCtx); connectErr != nil {
				return nil, connectErr
			}
			return c, nil
		})
	}
}

// Connect establishes the transport and starts the read loop. Connecting
// an already connected client is an error; Disconnect first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.transport != nil {
		c.mu.Unlock()
		return errors.New("client is already connected")
	}
	c.mu.Unlock()

	transport, dialErr := c.dial(ctx)
	if dialErr != nil {
		return fmt.Errorf("failed to connect to adapter: %w", dialErr)
	}

	c.mu.Lock()
	c.transport = transport
	c.stopped = false
	c.stopNotify = nil
	c.readDone = make(chan struct{})
	done := c.readDone
	c.mu.Unlock()

	go c.readLoop(transport, done)
	return nil
}

// Disconnect closes the transport and fails all in-flight requests.
// Subscriptions survive a disconnect so a reconnect resumes delivery.
// Disconnecting an already disconnected client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	transport := c.transport
	done := c.readDone
	c.transport = nil
	c.readDone = nil
	c.mu.Unlock()

	if transport == nil {
		return nil
	}

	closeErr := transport.Close()
	if done != nil {
		<-done
	}
	return closeErr
}

// SendRequest sends one request and blocks until the matching response
// arrives, the context is done, or the request timeout elapses. A response
// with success=false is returned alongside an ErrRequestFailed error so
// callers can still inspect the body.
func (c *Client) SendRequest(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return nil, ErrNotConnected
	}

	seq := int(c.seq.Add(1))
	request := req.GetRequest()
	request.Seq = seq
	request.Type = "request"

	respChan := make(chan dap.Message, 1)
	c.mu.Lock()
	c.inflight[seq] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, seq)
		c.mu.Unlock()
	}()

	if writeErr := transport.WriteMessage(req); writeErr != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", request.Command, writeErr)
	}

	timeout := time.NewTimer(defaultRequestTimeout)
	defer timeout.Stop()

	select {
	case msg := <-respChan:
		if msg == nil {
			return nil, fmt.Errorf("connection lost before %s response arrived: %w", request.Command, ErrNotConnected)
		}
		resp, ok := msg.(dap.ResponseMessage)
		if !ok {
			return nil, fmt.Errorf("unexpected reply to %s request: %T", request.Command, msg)
		}
		response := resp.GetResponse()
		if !response.Success {
			return resp, fmt.Errorf("%s request: %w: %s", request.Command, ErrRequestFailed, response.Message)
		}
		return resp, nil
	case <-timeout.C:
		return nil, fmt.Errorf("timed out waiting for %s response", request.Command)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubscribeToEvent registers a handler for a named adapter event. Handlers
// run on the read loop goroutine and must not block.
func (c *Client) SubscribeToEvent(event string, handler session.EventHandler) (session.SubscriptionID, error) {
	if handler == nil {
		return 0, errors.New("event handler must not be nil")
	}

	id := session.SubscriptionID(c.nextID.Add(1))
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.handlers[event]
	if byID == nil {
		byID = make(map[session.SubscriptionID]session.EventHandler)
		c.handlers[event] = byID
	}
	byID[id] = handler
	return id, nil
}

// UnsubscribeFromEvent removes a previously registered handler. Unknown
// subscription ids are an error.
func (c *Client) UnsubscribeFromEvent(id session.SubscriptionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for event, byID := range c.handlers {
		if _, found := byID[id]; found {
			delete(byID, id)
			if len(byID) == 0 {
				delete(c.handlers, event)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown event subscription %d", id)
}

// WaitForStopped blocks until the debuggee reports a stopped event or the
// timeout elapses. Returns true if the debuggee is stopped. A stopped state
// observed before the call returns immediately; a continued event clears it.
func (c *Client) WaitForStopped(ctx context.Context, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return true, nil
	}
	if c.stopNotify == nil {
		c.stopNotify = make(chan struct{})
	}
	notify := c.stopNotify
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-notify:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Client) readLoop(transport Transport, done chan struct{}) {
	defer close(done)
	defer c.failInflight()
	defer resiliency.RecoverPanic(c.log)

	for {
		msg, readErr := transport.ReadMessage()
		if readErr != nil {
			if !readErrIsShutdown(readErr) {
				c.log.V(1).Info("adapter connection read failed", "error", readErr.Error())
			}
			return
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			response := m.GetResponse()

			// Adapters are not required to emit a continued event for a
			// client-requested resume; the acknowledgement itself clears
			// the stopped state. Done here, on the read loop, so the
			// clear stays ordered against stopped events.
			if response.Success && resumeCommands[response.Command] {
				c.markContinued()
			}

			c.mu.Lock()
			respChan := c.inflight[response.RequestSeq]
			c.mu.Unlock()
			if respChan != nil {
				respChan <- msg
			} else {
				c.log.V(2).Info("discarding unsolicited response", "command", response.Command)
			}
		case dap.EventMessage:
			c.dispatchEvent(m)
		default:
			c.log.V(2).Info("discarding unexpected message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (c *Client) dispatchEvent(m dap.EventMessage) {
	event := m.GetEvent().Event

	switch m.(type) {
	case *dap.StoppedEvent:
		c.markStopped()
	case *dap.ContinuedEvent:
		c.markContinued()
	}

	c.mu.Lock()
	c.events.Push(event)
	byID := c.handlers[event]
	handlers := make([]session.EventHandler, 0, len(byID))
	for _, h := range byID {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(m)
	}
}

// RecentEvents returns the names of the most recent adapter events, oldest
// first, bounded by a fixed history size. For diagnostics.
func (c *Client) RecentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events.Snapshot()
}

func (c *Client) markStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.stopNotify != nil {
		close(c.stopNotify)
		c.stopNotify = nil
	}
}

func (c *Client) markContinued() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
}

// failInflight unblocks every caller waiting on a response after the read
// loop exits. Closed channels deliver nil, which SendRequest reports as a
// lost connection.
func (c *Client) failInflight() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seq, respChan := range c.inflight {
		close(respChan)
		delete(c.inflight, seq)
	}
}

func readErrIsShutdown(err error) bool {
	return errors.Is(err, ErrTransportClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
