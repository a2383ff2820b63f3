package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-debugger-inc/aidb/internal/portreg"
	"github.com/ai-debugger-inc/aidb/internal/session"
	"github.com/ai-debugger-inc/aidb/pkg/testutil"
)

// stubConn is a minimal protocol connection for exercising the tool surface
// without a real adapter.
type stubConn struct {
	mu      sync.Mutex
	nextSub session.SubscriptionID
	sent    []string
	stopped bool
	sendErr error
}

func (c *stubConn) Connect(ctx context.Context) error { return nil }
func (c *stubConn) Disconnect() error                 { return nil }

func (c *stubConn) SubscribeToEvent(name string, handler session.EventHandler) (session.SubscriptionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	return c.nextSub, nil
}

func (c *stubConn) UnsubscribeFromEvent(id session.SubscriptionID) error { return nil }

func (c *stubConn) WaitForStopped(ctx context.Context, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped, nil
}

func (c *stubConn) SendRequest(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	request := req.GetRequest()
	c.sent = append(c.sent, request.Command)
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		RequestSeq:      request.Seq,
		Command:         request.Command,
		Success:         true,
	}, nil
}

func (c *stubConn) markStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

// stubDriver launches nothing and reports the requested port as bound.
type stubDriver struct {
	mu        sync.Mutex
	launchErr error
	launches  int
}

func (d *stubDriver) Launch(ctx context.Context, spec session.LaunchSpec) (session.StartResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.launchErr != nil {
		return session.StartResult{}, d.launchErr
	}
	d.launches++
	return session.StartResult{Process: session.ProcessHandle{PID: 4242}, Port: spec.Port}, nil
}

func (d *stubDriver) Attach(ctx context.Context, target session.Target, port int) (session.StartResult, error) {
	if target.AttachPort > 0 {
		return session.StartResult{Port: target.AttachPort}, nil
	}
	return session.StartResult{Process: session.ProcessHandle{PID: 4242}, Port: port}, nil
}

func (d *stubDriver) Stop(ctx context.Context, handle session.ProcessHandle) error { return nil }

func (d *stubDriver) InitializationSequence(target session.Target, mode session.StartMode) []session.HandshakeStep {
	return nil
}

type toolsHarness struct {
	server   *Server
	sessions *session.Registry
	driver   *stubDriver

	mu    sync.Mutex
	conns []*stubConn
}

func newToolsHarness(t *testing.T, basePort int) *toolsHarness {
	t.Helper()

	dir := t.TempDir()
	ports, portsErr := portreg.NewRegistry(portreg.Config{
		RecordPath: filepath.Join(dir, "ports.records"),
		LockPath:   filepath.Join(dir, "ports.lock"),
	})
	require.NoError(t, portsErr)
	t.Cleanup(func() { _ = ports.Close() })

	h := &toolsHarness{
		sessions: session.NewRegistry(session.MostRecentChildPolicy{}, testutil.NewLogForTesting("tools-test")),
		driver:   &stubDriver{},
	}

	manager := session.NewManager(session.ManagerConfig{
		Ports:    ports,
		Sessions: h.sessions,
		Drivers:  map[string]session.AdapterDriver{"go": h.driver},
		Dial: func(ctx context.Context, host string, port int) (session.Connection, error) {
			conn := &stubConn{}
			h.mu.Lock()
			h.conns = append(h.conns, conn)
			h.mu.Unlock()
			return conn, nil
		},
		PortProfiles: map[string]session.PortProfile{
			"go": {
				DefaultPort:    basePort,
				FallbackRanges: []portreg.PortRange{{Start: basePort + 1, End: basePort + 20}},
			},
		},
		Logger: testutil.NewLogForTesting("tools-test"),
	})

	h.server = NewServer("test", manager, h.sessions, testutil.NewLogForTesting("tools-test"))
	return h
}

func (h *toolsHarness) lastConn(t *testing.T) *stubConn {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.conns)
	return h.conns[len(h.conns)-1]
}

func newRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "content should be TextContent, got %T", result.Content[0])
	return text.Text
}

func decodeResult(t *testing.T, result *mcp.CallToolResult, into any) {
	t.Helper()
	require.False(t, result.IsError, "unexpected tool error: %s", resultText(t, result))
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), into))
}

func startSession(t *testing.T, h *toolsHarness, args map[string]any) sessionInfo {
	t.Helper()
	result, callErr := h.server.handleStartSession(context.Background(), newRequest(args))
	require.NoError(t, callErr)

	var info sessionInfo
	decodeResult(t, result, &info)
	return info
}

func TestStartSessionTool(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48500)

	info := startSession(t, h, map[string]any{
		"language": "go",
		"program":  "./cmd/app",
	})

	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, "go", info.Language)
	assert.Equal(t, "launch", info.Mode)
	assert.Equal(t, "running", info.Status)
	assert.NotZero(t, info.Port)

	registered, found := h.sessions.Get(info.SessionID)
	require.True(t, found)
	assert.Equal(t, session.StatusRunning, registered.Status())
}

func TestStartSessionToolValidation(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48530)

	for name, args := range map[string]map[string]any{
		"missing language": {"program": "./cmd/app"},
		"missing program":  {"language": "go"},
		"empty language":   {"language": "", "program": "./cmd/app"},
	} {
		result, callErr := h.server.handleStartSession(context.Background(), newRequest(args))
		require.NoError(t, callErr, name)
		assert.True(t, result.IsError, name)
	}

	assert.Empty(t, h.sessions.List())
}

func TestStartSessionToolCleansUpFailedStart(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48560)
	h.driver.launchErr = errors.New("adapter binary not found")

	result, callErr := h.server.handleStartSession(context.Background(), newRequest(map[string]any{
		"language": "go",
		"program":  "./cmd/app",
	}))
	require.NoError(t, callErr)
	require.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "adapter binary not found")

	// The half-started session was removed from the registry again.
	assert.Empty(t, h.sessions.List())
}

func TestStartSessionToolRejectsUnknownParent(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48590)

	result, callErr := h.server.handleStartSession(context.Background(), newRequest(map[string]any{
		"language":          "go",
		"program":           "./cmd/app",
		"parent_session_id": "no-such-session",
	}))
	require.NoError(t, callErr)
	require.True(t, result.IsError)
	assert.Empty(t, h.sessions.List())
}

func TestStartSessionToolChildSessions(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48620)

	root := startSession(t, h, map[string]any{
		"language": "go",
		"program":  "./cmd/app",
	})
	child := startSession(t, h, map[string]any{
		"language":          "go",
		"program":           "./cmd/worker",
		"parent_session_id": root.SessionID,
	})

	rootSess, found := h.sessions.Get(root.SessionID)
	require.True(t, found)
	assert.Equal(t, []string{child.SessionID}, rootSess.Children())

	// With no explicit session_id, tools now target the child: it is the
	// most recently created live descendant of the remembered root.
	result, callErr := h.server.handleListSessions(context.Background(), newRequest(nil))
	require.NoError(t, callErr)

	var infos []sessionInfo
	decodeResult(t, result, &infos)
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, info.SessionID == child.SessionID, info.Active, "session %s", info.SessionID)
	}
}

func TestAttachSessionTool(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48650)

	// Neither port nor pid is an error.
	result, callErr := h.server.handleAttachSession(context.Background(), newRequest(map[string]any{
		"language": "go",
	}))
	require.NoError(t, callErr)
	assert.True(t, result.IsError)

	result, callErr = h.server.handleAttachSession(context.Background(), newRequest(map[string]any{
		"language": "go",
		"port":     float64(48655),
	}))
	require.NoError(t, callErr)

	var info sessionInfo
	decodeResult(t, result, &info)
	assert.Equal(t, "attach", info.Mode)
	assert.Equal(t, "running", info.Status)

	registered, found := h.sessions.Get(info.SessionID)
	require.True(t, found)
	assert.Equal(t, "127.0.0.1", registered.Target().AttachHost)
	assert.Equal(t, 48655, registered.Target().AttachPort)
}

func TestAttachSessionToolByPID(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48830)

	result, callErr := h.server.handleAttachSession(context.Background(), newRequest(map[string]any{
		"language": "go",
		"pid":      float64(4242),
	}))
	require.NoError(t, callErr)

	var info sessionInfo
	decodeResult(t, result, &info)
	assert.Equal(t, "attach", info.Mode)
	assert.Equal(t, "running", info.Status)
	// The spawned adapter's port came from the registry.
	assert.NotZero(t, info.Port)

	registered, found := h.sessions.Get(info.SessionID)
	require.True(t, found)
	assert.Equal(t, int32(4242), registered.Target().AttachPID)
}

func TestDestroySessionTool(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48680)

	info := startSession(t, h, map[string]any{
		"language": "go",
		"program":  "./cmd/app",
	})

	result, callErr := h.server.handleDestroySession(context.Background(), newRequest(nil))
	require.NoError(t, callErr)

	var destroyed map[string]string
	decodeResult(t, result, &destroyed)
	assert.Equal(t, info.SessionID, destroyed["destroyed"])
	assert.Empty(t, h.sessions.List())

	// The active-session default is gone with the root.
	result, callErr = h.server.handleContinue(context.Background(), newRequest(nil))
	require.NoError(t, callErr)
	require.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no debug session exists")
}

func TestSetBreakpointsTool(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48710)

	startSession(t, h, map[string]any{
		"language": "go",
		"program":  "./cmd/app",
	})

	result, callErr := h.server.handleSetBreakpoints(context.Background(), newRequest(map[string]any{
		"path":        "main.go",
		"breakpoints": `[{"line":12},{"line":40,"condition":"x > 1"}]`,
	}))
	require.NoError(t, callErr)

	var set struct {
		Path  string `json:"path"`
		Lines []int  `json:"lines"`
	}
	decodeResult(t, result, &set)
	assert.Equal(t, "main.go", set.Path)
	assert.Equal(t, []int{12, 40}, set.Lines)
	assert.Contains(t, h.lastConn(t).sent, "setBreakpoints")

	// A second call for another line reports the preserved set.
	result, callErr = h.server.handleSetBreakpoints(context.Background(), newRequest(map[string]any{
		"path":        "main.go",
		"breakpoints": `[{"line":70}]`,
	}))
	require.NoError(t, callErr)
	decodeResult(t, result, &set)
	assert.ElementsMatch(t, []int{12, 40, 70}, set.Lines)
}

func TestSetBreakpointsToolValidation(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48740)

	startSession(t, h, map[string]any{
		"language": "go",
		"program":  "./cmd/app",
	})

	for name, args := range map[string]map[string]any{
		"missing path":        {"breakpoints": `[{"line":1}]`},
		"missing breakpoints": {"path": "main.go"},
		"malformed json":      {"path": "main.go", "breakpoints": `{"line":`},
	} {
		result, callErr := h.server.handleSetBreakpoints(context.Background(), newRequest(args))
		require.NoError(t, callErr, name)
		assert.True(t, result.IsError, name)
	}
}

func TestExecutionControlTools(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48770)

	startSession(t, h, map[string]any{
		"language": "go",
		"program":  "./cmd/app",
	})
	conn := h.lastConn(t)

	// The debuggee has not stopped: a short wait reports failure.
	result, callErr := h.server.handleWaitForStop(context.Background(), newRequest(map[string]any{
		"timeout_seconds": float64(0.01),
	}))
	require.NoError(t, callErr)
	assert.True(t, result.IsError)

	conn.markStopped()
	result, callErr = h.server.handleWaitForStop(context.Background(), newRequest(nil))
	require.NoError(t, callErr)

	var info sessionInfo
	decodeResult(t, result, &info)
	assert.Equal(t, "stopped", info.Status)

	result, callErr = h.server.handleContinue(context.Background(), newRequest(map[string]any{
		"thread_id": float64(7),
	}))
	require.NoError(t, callErr)
	decodeResult(t, result, &info)
	assert.Equal(t, "running", info.Status)
	assert.Contains(t, conn.sent, "continue")

	result, callErr = h.server.handlePause(context.Background(), newRequest(nil))
	require.NoError(t, callErr)
	decodeResult(t, result, &info)
	assert.Contains(t, conn.sent, "pause")
}

func TestResolveSessionExplicitID(t *testing.T) {
	t.Parallel()

	h := newToolsHarness(t, 48800)

	info := startSession(t, h, map[string]any{
		"language": "go",
		"program":  "./cmd/app",
	})

	// An explicit id targets exactly that session.
	sess, resolveErr := h.server.resolveSession(newRequest(map[string]any{
		"session_id": info.SessionID,
	}))
	require.NoError(t, resolveErr)
	assert.Equal(t, info.SessionID, sess.ID())

	_, resolveErr = h.server.resolveSession(newRequest(map[string]any{
		"session_id": "no-such-session",
	}))
	require.Error(t, resolveErr)
	assert.Equal(t, fmt.Sprintf("no session with id %s", "no-such-session"), resolveErr.Error())
}
