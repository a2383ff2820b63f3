// Package tools exposes the debugging orchestrator to coding agents as an
// MCP tool surface. Each tool resolves its target session, delegates to the
// session lifecycle manager, and reports results as JSON text.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ai-debugger-inc/aidb/internal/session"
)

// ServerName identifies this MCP server to clients.
const ServerName = "aidb"

// Server wires the MCP tool surface to the session layer.
type Server struct {
	mcpServer *server.MCPServer
	manager   *session.Manager
	sessions  *session.Registry
	log       logr.Logger

	mu     sync.Mutex
	rootID string
}

// NewServer creates the MCP server and registers all debugging tools.
func NewServer(version string, manager *session.Manager, sessions *session.Registry, log logr.Logger) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			ServerName,
			version,
			server.WithLogging(),
		),
		manager:  manager,
		sessions: sessions,
		log:      log,
	}
	s.registerTools()
	return s
}

// ServeStdio runs the MCP server over stdin/stdout until the client
// disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("StartSession",
		mcp.WithDescription("Launch a program under a debug adapter and start a debug session"),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Language of the target (go, python, node, ...)"),
		),
		mcp.WithString("program",
			mcp.Required(),
			mcp.Description("Path to the program to debug"),
		),
		mcp.WithString("cwd",
			mcp.Description("Working directory for the debuggee"),
		),
		mcp.WithString("parent_session_id",
			mcp.Description("Existing session to register this one under as a child"),
		),
	), s.handleStartSession)

	s.mcpServer.AddTool(mcp.NewTool("AttachSession",
		mcp.WithDescription("Attach to an already-running debug adapter or process"),
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Language of the target"),
		),
		mcp.WithString("host",
			mcp.Description("Adapter host to attach to (default 127.0.0.1)"),
		),
		mcp.WithNumber("port",
			mcp.Description("Adapter port to attach to"),
		),
		mcp.WithNumber("pid",
			mcp.Description("Process id to attach to, when no port is given"),
		),
	), s.handleAttachSession)

	s.mcpServer.AddTool(mcp.NewTool("DestroySession",
		mcp.WithDescription("Tear down a debug session, its children, and all resources it holds"),
		mcp.WithString("session_id",
			mcp.Description("Session to destroy (default: the active session's root)"),
		),
	), s.handleDestroySession)

	s.mcpServer.AddTool(mcp.NewTool("SetBreakpoints",
		mcp.WithDescription("Set breakpoints in a source file, preserving breakpoints set earlier in other calls"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Source file path"),
		),
		mcp.WithString("breakpoints",
			mcp.Required(),
			mcp.Description(`JSON array of breakpoints, e.g. [{"line":12},{"line":40,"condition":"x > 1"}]`),
		),
		mcp.WithString("session_id",
			mcp.Description("Target session (default: the active session)"),
		),
	), s.handleSetBreakpoints)

	s.mcpServer.AddTool(mcp.NewTool("Continue",
		mcp.WithDescription("Resume execution of a stopped debuggee"),
		mcp.WithNumber("thread_id",
			mcp.Description("Thread to resume (default 1)"),
		),
		mcp.WithString("session_id",
			mcp.Description("Target session (default: the active session)"),
		),
	), s.handleContinue)

	s.mcpServer.AddTool(mcp.NewTool("Pause",
		mcp.WithDescription("Suspend a running debuggee"),
		mcp.WithNumber("thread_id",
			mcp.Description("Thread to suspend (default 1)"),
		),
		mcp.WithString("session_id",
			mcp.Description("Target session (default: the active session)"),
		),
	), s.handlePause)

	s.mcpServer.AddTool(mcp.NewTool("WaitForStop",
		mcp.WithDescription("Block until the debuggee stops (breakpoint hit, pause, step completion)"),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("How long to wait (default 30)"),
		),
		mcp.WithString("session_id",
			mcp.Description("Target session (default: the active session)"),
		),
	), s.handleWaitForStop)

	s.mcpServer.AddTool(mcp.NewTool("ListSessions",
		mcp.WithDescription("List all debug sessions with their status, language, and port"),
	), s.handleListSessions)
}

// newToolResultError creates an error result for tool execution failures.
func newToolResultError(message string) *mcp.CallToolResult {
	result := mcp.NewToolResultText(message)
	result.IsError = true
	return result
}

// sessionInfo is the JSON shape tools report sessions in.
type sessionInfo struct {
	SessionID string `json:"session_id"`
	Language  string `json:"language"`
	Mode      string `json:"mode"`
	Status    string `json:"status"`
	Port      int    `json:"port,omitempty"`
	Active    bool   `json:"active,omitempty"`
}

func describeSession(s *session.Session, active bool) sessionInfo {
	return sessionInfo{
		SessionID: s.ID(),
		Language:  s.Target().Language,
		Mode:      s.Mode().String(),
		Status:    s.Status().String(),
		Port:      s.Port(),
		Active:    active,
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	encoded, marshalErr := json.Marshal(v)
	if marshalErr != nil {
		return newToolResultError(fmt.Sprintf("Failed to encode result: %v", marshalErr)), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}

// resolveSession picks the session a tool call targets: the explicit
// session_id when given, otherwise the active session derived from the most
// recently created root.
func (s *Server) resolveSession(request mcp.CallToolRequest) (*session.Session, error) {
	if sessionID, ok := request.Params.Arguments["session_id"].(string); ok && sessionID != "" {
		target, found := s.sessions.Get(sessionID)
		if !found {
			return nil, fmt.Errorf("no session with id %s", sessionID)
		}
		return target, nil
	}

	s.mu.Lock()
	rootID := s.rootID
	s.mu.Unlock()
	if rootID == "" {
		return nil, fmt.Errorf("no debug session exists; start one with StartSession")
	}

	root, found := s.sessions.Get(rootID)
	if !found {
		return nil, fmt.Errorf("no debug session exists; start one with StartSession")
	}
	return s.sessions.ResolveActiveSession(root), nil
}

func (s *Server) rememberRoot(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rootID = id
}

func (s *Server) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, ok := request.Params.Arguments["language"].(string)
	if !ok || language == "" {
		return newToolResultError("language is required"), nil
	}
	program, ok := request.Params.Arguments["program"].(string)
	if !ok || program == "" {
		return newToolResultError("program is required"), nil
	}
	cwd, _ := request.Params.Arguments["cwd"].(string)
	parentID, _ := request.Params.Arguments["parent_session_id"].(string)

	sess := session.New(session.Target{
		Language: language,
		Path:     program,
		Cwd:      cwd,
	}, session.ModeLaunch)

	if addErr := s.sessions.Add(sess); addErr != nil {
		return newToolResultError(fmt.Sprintf("Failed to register session: %v", addErr)), nil
	}

	if parentID != "" {
		if childErr := s.sessions.AddChild(parentID, sess.ID()); childErr != nil {
			s.sessions.Remove(sess.ID())
			return newToolResultError(fmt.Sprintf("Failed to register child session: %v", childErr)), nil
		}
	}

	if startErr := s.manager.Start(ctx, sess); startErr != nil {
		// Best effort: a half-started session must not leak resources.
		if destroyErr := s.manager.Destroy(ctx, sess); destroyErr != nil {
			s.log.V(1).Info("Cleanup of failed session start left residue", "sessionId", sess.ID(), "reason", destroyErr.Error())
		}
		return newToolResultError(fmt.Sprintf("Failed to start session: %v", startErr)), nil
	}

	if parentID == "" {
		s.rememberRoot(sess.ID())
	}
	return jsonResult(describeSession(sess, false))
}

func (s *Server) handleAttachSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, ok := request.Params.Arguments["language"].(string)
	if !ok || language == "" {
		return newToolResultError("language is required"), nil
	}
	host, _ := request.Params.Arguments["host"].(string)
	port, _ := request.Params.Arguments["port"].(float64)
	pid, _ := request.Params.Arguments["pid"].(float64)

	if port <= 0 && pid <= 0 {
		return newToolResultError("either port or pid is required"), nil
	}
	if host == "" && port > 0 {
		host = "127.0.0.1"
	}

	sess := session.New(session.Target{
		Language:   language,
		AttachHost: host,
		AttachPort: int(port),
		AttachPID:  int32(pid),
	}, session.ModeAttach)

	if addErr := s.sessions.Add(sess); addErr != nil {
		return newToolResultError(fmt.Sprintf("Failed to register session: %v", addErr)), nil
	}

	if startErr := s.manager.Start(ctx, sess); startErr != nil {
		if destroyErr := s.manager.Destroy(ctx, sess); destroyErr != nil {
			s.log.V(1).Info("Cleanup of failed attach left residue", "sessionId", sess.ID(), "reason", destroyErr.Error())
		}
		return newToolResultError(fmt.Sprintf("Failed to attach: %v", startErr)), nil
	}

	s.rememberRoot(sess.ID())
	return jsonResult(describeSession(sess, false))
}

func (s *Server) handleDestroySession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, resolveErr := s.resolveSession(request)
	if resolveErr != nil {
		return newToolResultError(resolveErr.Error()), nil
	}

	destroyErr := s.manager.Destroy(ctx, sess)

	s.mu.Lock()
	if s.rootID == sess.ID() {
		s.rootID = ""
	}
	s.mu.Unlock()

	if destroyErr != nil {
		return newToolResultError(fmt.Sprintf("Session teardown finished with errors: %v", destroyErr)), nil
	}
	return jsonResult(map[string]string{"destroyed": sess.ID()})
}

// toolBreakpoint is the JSON shape of one breakpoint argument.
type toolBreakpoint struct {
	Line         int    `json:"line"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty"`
}

func (s *Server) handleSetBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, ok := request.Params.Arguments["path"].(string)
	if !ok || path == "" {
		return newToolResultError("path is required"), nil
	}
	rawBreakpoints, ok := request.Params.Arguments["breakpoints"].(string)
	if !ok || rawBreakpoints == "" {
		return newToolResultError("breakpoints is required"), nil
	}

	var requested []toolBreakpoint
	if unmarshalErr := json.Unmarshal([]byte(rawBreakpoints), &requested); unmarshalErr != nil {
		return newToolResultError(fmt.Sprintf("Failed to parse breakpoints: %v", unmarshalErr)), nil
	}

	sess, resolveErr := s.resolveSession(request)
	if resolveErr != nil {
		return newToolResultError(resolveErr.Error()), nil
	}

	breakpoints := make([]dap.SourceBreakpoint, 0, len(requested))
	for _, bp := range requested {
		breakpoints = append(breakpoints, dap.SourceBreakpoint{
			Line:         bp.Line,
			Condition:    bp.Condition,
			HitCondition: bp.HitCondition,
			LogMessage:   bp.LogMessage,
		})
	}

	sent, setErr := s.manager.SetBreakpoints(ctx, sess, path, breakpoints)
	if setErr != nil {
		return newToolResultError(fmt.Sprintf("Failed to set breakpoints: %v", setErr)), nil
	}

	lines := make([]int, 0, len(sent))
	for _, bp := range sent {
		lines = append(lines, bp.Line)
	}
	return jsonResult(map[string]any{
		"session_id": sess.ID(),
		"path":       path,
		"lines":      lines,
	})
}

func (s *Server) handleContinue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, resolveErr := s.resolveSession(request)
	if resolveErr != nil {
		return newToolResultError(resolveErr.Error()), nil
	}

	threadID := 1
	if raw, ok := request.Params.Arguments["thread_id"].(float64); ok && raw > 0 {
		threadID = int(raw)
	}

	if continueErr := s.manager.Continue(ctx, sess, threadID); continueErr != nil {
		return newToolResultError(fmt.Sprintf("Failed to continue: %v", continueErr)), nil
	}
	return jsonResult(describeSession(sess, false))
}

func (s *Server) handlePause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, resolveErr := s.resolveSession(request)
	if resolveErr != nil {
		return newToolResultError(resolveErr.Error()), nil
	}

	threadID := 1
	if raw, ok := request.Params.Arguments["thread_id"].(float64); ok && raw > 0 {
		threadID = int(raw)
	}

	if pauseErr := s.manager.Pause(ctx, sess, threadID); pauseErr != nil {
		return newToolResultError(fmt.Sprintf("Failed to pause: %v", pauseErr)), nil
	}
	return jsonResult(describeSession(sess, false))
}

func (s *Server) handleWaitForStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, resolveErr := s.resolveSession(request)
	if resolveErr != nil {
		return newToolResultError(resolveErr.Error()), nil
	}

	timeout := 30 * time.Second
	if raw, ok := request.Params.Arguments["timeout_seconds"].(float64); ok && raw > 0 {
		timeout = time.Duration(raw * float64(time.Second))
	}

	if waitErr := s.manager.WaitForStop(ctx, sess, timeout); waitErr != nil {
		return newToolResultError(fmt.Sprintf("Debuggee did not stop: %v", waitErr)), nil
	}
	return jsonResult(describeSession(sess, false))
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var active *session.Session
	if resolved, resolveErr := s.resolveSession(request); resolveErr == nil {
		active = resolved
	}

	sessions := s.sessions.List()
	infos := make([]sessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, describeSession(sess, active != nil && active.ID() == sess.ID()))
	}
	return jsonResult(infos)
}
