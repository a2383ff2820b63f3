// Package dap implements the protocol side of a debug session: a framed
// message transport, a client connection with event fan-out and
// request/response correlation, and a launcher for adapter processes.
//
// The message catalog itself comes from github.com/google/go-dap; this
// package never defines payload shapes of its own.
package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/go-dap"
)

// ErrTransportClosed is returned for I/O on a closed transport.
var ErrTransportClosed = errors.New("transport is closed")

// Transport provides DAP message I/O over one connection. Reads and writes
// may be issued from different goroutines, but individual reads (and
// individual writes) must not be concurrent with each other.
type Transport interface {
	// ReadMessage blocks until the next complete protocol message arrives.
	ReadMessage() (dap.Message, error)

	// WriteMessage writes one protocol message.
	WriteMessage(msg dap.Message) error

	// Close closes the transport. Blocked reads and writes return errors.
	Close() error
}

type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewTCPTransport creates a Transport over an established TCP connection.
func NewTCPTransport(conn net.Conn) Transport {
	return &tcpTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// DialTCP connects to an adapter endpoint and returns a Transport.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, dialErr := d.DialContext(ctx, "tcp", address)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, dialErr)
	}
	return NewTCPTransport(conn), nil
}

func (t *tcpTransport) ReadMessage() (dap.Message, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	msg, readErr := dap.ReadProtocolMessage(t.reader)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read message: %w", readErr)
	}
	return msg, nil
}

func (t *tcpTransport) WriteMessage(msg dap.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if writeErr := dap.WriteProtocolMessage(t.writer, msg); writeErr != nil {
		return fmt.Errorf("failed to write message: %w", writeErr)
	}
	if flushErr := t.writer.Flush(); flushErr != nil {
		return fmt.Errorf("failed to flush message: %w", flushErr)
	}
	return nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *tcpTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
