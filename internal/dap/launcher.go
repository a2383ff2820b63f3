package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/ai-debugger-inc/aidb/internal/session"
	"github.com/ai-debugger-inc/aidb/pkg/process"
)

// PortPlaceholder is the placeholder in adapter args that is replaced with
// the allocated port.
const PortPlaceholder = "{{port}}"

// DefaultAdapterConnectionTimeout bounds how long a launch waits for the
// adapter to start serving its port.
const DefaultAdapterConnectionTimeout = 30 * time.Second

// ErrInvalidAdapterConfig is returned when the adapter configuration is
// unusable.
var ErrInvalidAdapterConfig = errors.New("invalid debug adapter configuration: Args must have at least one element")

// ErrAdapterConnectionTimeout is returned when the adapter does not start
// serving within the connection timeout.
var ErrAdapterConnectionTimeout = errors.New("debug adapter connection timeout")

// ErrAdapterExited is returned when the adapter process exits before its
// port became reachable.
var ErrAdapterExited = errors.New("debug adapter process exited before connection could be established")

// AdapterConfig describes how to spawn one language's debug adapter.
type AdapterConfig struct {
	// Args is the adapter command line. Occurrences of {{port}} are
	// replaced with the allocated port before spawning.
	Args []string

	// Env is extra environment for the adapter, KEY=VALUE form, appended
	// to the current process environment.
	Env []string

	// ConnectionTimeout bounds the wait for the adapter's port to come up.
	// Zero means DefaultAdapterConnectionTimeout.
	ConnectionTimeout time.Duration

	// LaunchRequest is the per-language template for the launch request
	// sent during the handshake (e.g. delve's "mode"). The session's
	// program, args, and cwd are overlaid on top of it.
	LaunchRequest map[string]any
}

// Driver spawns and stops debug adapter processes for one language and
// supplies the protocol handshake run after connecting. Driver implements
// session.AdapterDriver.
type Driver struct {
	log      logr.Logger
	language string
	config   AdapterConfig
	executor process.Executor

	mu      sync.Mutex
	exited  map[int32]exitRecord
	pending map[int32]chan struct{}
}

type exitRecord struct {
	exitCode int32
	err      error
}

var _ session.AdapterDriver = (*Driver)(nil)

// NewDriver creates a driver for one language.
func NewDriver(log logr.Logger, language string, config AdapterConfig, executor process.Executor) (*Driver, error) {
	if len(config.Args) == 0 {
		return nil, ErrInvalidAdapterConfig
	}
	return &Driver{
		log:      log.WithValues("language", language),
		language: language,
		config:   config,
		executor: executor,
		exited:   make(map[int32]exitRecord),
		pending:  make(map[int32]chan struct{}),
	}, nil
}

// Launch spawns the adapter process, asks it to serve on spec.Port, and
// waits for the port to become reachable. A process exit during the wait
// fails the launch with the exit details.
func (d *Driver) Launch(ctx context.Context, spec session.LaunchSpec) (session.StartResult, error) {
	return d.spawnAdapter(ctx, spec.Port, spec.Target.Cwd, spec.Target.Env)
}

// spawnAdapter starts the adapter process serving on port. The target's
// environment is layered over the configured adapter environment.
func (d *Driver) spawnAdapter(ctx context.Context, port int, cwd string, env map[string]string) (session.StartResult, error) {
	args := substitutePort(d.config.Args, strconv.Itoa(port))

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), d.config.Env...)
	for key, value := range env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	if cwd != "" {
		cmd.Dir = cwd
	}

	stderr, stderrErr := cmd.StderrPipe()
	if stderrErr != nil {
		return session.StartResult{}, fmt.Errorf("failed to create stderr pipe: %w", stderrErr)
	}

	exitCh := make(chan struct{})
	exitHandler := process.ExitHandlerFunc(func(pid int32, exitCode int32, err error) {
		d.recordExit(pid, exitCode, err)
		close(exitCh)

		if err != nil {
			d.log.V(1).Info("debug adapter process exited with error", "pid", pid, "error", err.Error())
		} else {
			d.log.V(1).Info("debug adapter process exited", "pid", pid, "exitCode", exitCode)
		}
	})

	pid, startWaitForExit, startErr := d.executor.StartProcess(ctx, cmd, exitHandler)
	if startErr != nil {
		stderr.Close()
		return session.StartResult{}, fmt.Errorf("failed to start debug adapter: %w", startErr)
	}
	startWaitForExit()

	go logStderr(stderr, d.log.WithValues("pid", pid))

	d.log.Info("launched debug adapter process", "command", args[0], "args", args[1:], "pid", pid, "port", port)

	if waitErr := d.waitForPort(ctx, port, pid, exitCh); waitErr != nil {
		_ = d.executor.StopProcess(pid)
		return session.StartResult{}, waitErr
	}

	return session.StartResult{
		Process: session.ProcessHandle{PID: pid},
		Port:    port,
	}, nil
}

// Attach connects to an externally managed target. For a host:port target the
// adapter is already running and is only probed for reachability. For a pid
// target this driver spawns the language's adapter on the supplied port; the
// attach request carrying the pid follows during the handshake.
func (d *Driver) Attach(ctx context.Context, target session.Target, port int) (session.StartResult, error) {
	if target.AttachPort > 0 {
		host := target.AttachHost
		if host == "" {
			host = "127.0.0.1"
		}
		address := net.JoinHostPort(host, strconv.Itoa(target.AttachPort))
		var probe net.Dialer
		conn, dialErr := probe.DialContext(ctx, "tcp", address)
		if dialErr != nil {
			return session.StartResult{}, fmt.Errorf("failed to reach debug adapter at %s: %w", address, dialErr)
		}
		conn.Close()
		return session.StartResult{Port: target.AttachPort}, nil
	}

	if target.AttachPID > 0 {
		if !process.IsRunning(target.AttachPID) {
			return session.StartResult{}, fmt.Errorf("no running process with pid %d to attach to", target.AttachPID)
		}
		if port <= 0 {
			return session.StartResult{}, errors.New("attach by pid requires an adapter port")
		}
		return d.spawnAdapter(ctx, port, "", nil)
	}

	return session.StartResult{}, errors.New("attach target must specify a port or a pid")
}

// Stop terminates an adapter process the driver launched. Stopping an
// already-exited process is not an error.
func (d *Driver) Stop(ctx context.Context, handle session.ProcessHandle) error {
	if !handle.Valid() {
		return nil
	}
	d.mu.Lock()
	_, alreadyExited := d.exited[handle.PID]
	d.mu.Unlock()
	if alreadyExited {
		return nil
	}
	return d.executor.StopProcess(handle.PID)
}

// InitializationSequence returns the handshake run after connecting: an
// initialize request announcing client capabilities, a launch or attach
// request describing the target, then configurationDone.
func (d *Driver) InitializationSequence(target session.Target, mode session.StartMode) []session.HandshakeStep {
	steps := []session.HandshakeStep{
		{
			Name: "initialize",
			Run: func(ctx context.Context, conn session.Connection) error {
				return sendOnConn(ctx, conn, &dap.InitializeRequest{
					Request: dap.Request{Command: "initialize"},
					Arguments: dap.InitializeRequestArguments{
						ClientID:        "aidb",
						ClientName:      "aidb debugging orchestrator",
						AdapterID:       d.language,
						PathFormat:      "path",
						LinesStartAt1:   true,
						ColumnsStartAt1: true,
					},
				})
			},
		},
	}

	if mode == session.ModeAttach {
		steps = append(steps, session.HandshakeStep{
			Name: "attach",
			Run: func(ctx context.Context, conn session.Connection) error {
				arguments, marshalErr := attachArguments(target)
				if marshalErr != nil {
					return fmt.Errorf("failed to marshal attach arguments: %w", marshalErr)
				}
				return sendOnConn(ctx, conn, &dap.AttachRequest{
					Request:   dap.Request{Command: "attach"},
					Arguments: arguments,
				})
			},
		})
	} else {
		steps = append(steps, session.HandshakeStep{
			Name: "launch",
			Run: func(ctx context.Context, conn session.Connection) error {
				arguments, marshalErr := d.launchArguments(target)
				if marshalErr != nil {
					return fmt.Errorf("failed to marshal launch arguments: %w", marshalErr)
				}
				return sendOnConn(ctx, conn, &dap.LaunchRequest{
					Request:   dap.Request{Command: "launch"},
					Arguments: arguments,
				})
			},
		})
	}

	return append(steps, session.HandshakeStep{
		Name: "configurationDone",
		Run: func(ctx context.Context, conn session.Connection) error {
			return sendOnConn(ctx, conn, &dap.ConfigurationDoneRequest{
				Request: dap.Request{Command: "configurationDone"},
			})
		},
	})
}

// launchArguments builds the launch request body for one session: the
// configured per-language template overlaid with the session's program,
// arguments, and working directory.
func (d *Driver) launchArguments(target session.Target) (json.RawMessage, error) {
	args := make(map[string]any, len(d.config.LaunchRequest)+4)
	args["request"] = "launch"
	for key, value := range d.config.LaunchRequest {
		args[key] = value
	}
	args["program"] = target.Path
	if len(target.Args) > 0 {
		args["args"] = target.Args
	}
	if target.Cwd != "" {
		args["cwd"] = target.Cwd
	}
	return json.Marshal(args)
}

func attachArguments(target session.Target) (json.RawMessage, error) {
	args := map[string]any{"request": "attach"}
	if target.AttachPID > 0 {
		args["processId"] = target.AttachPID
	}
	return json.Marshal(args)
}

func (d *Driver) recordExit(pid int32, exitCode int32, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exited[pid] = exitRecord{exitCode: exitCode, err: err}
}

// waitForPort polls the adapter port until it accepts a connection, the
// process exits, or the timeout elapses. The probe connection is discarded;
// the session layer dials its own.
func (d *Driver) waitForPort(ctx context.Context, port int, pid int32, exitCh <-chan struct{}) error {
	timeout := d.config.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultAdapterConnectionTimeout
	}

	address := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(timeout)

	var connectErr error = ErrAdapterConnectionTimeout
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exitCh:
			d.mu.Lock()
			record := d.exited[pid]
			d.mu.Unlock()
			if record.err != nil {
				return fmt.Errorf("%w (pid %d): %v", ErrAdapterExited, pid, record.err)
			}
			return fmt.Errorf("%w (pid %d, exit code %d)", ErrAdapterExited, pid, record.exitCode)
		default:
		}

		conn, dialErr := net.DialTimeout("tcp", address, time.Second)
		if dialErr == nil {
			conn.Close()
			return nil
		}
		connectErr = dialErr
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("%w: adapter did not serve %s: %v", ErrAdapterConnectionTimeout, address, connectErr)
}

// requestSender is the protocol capability a handshake needs beyond the
// session-level Connection contract.
type requestSender interface {
	SendRequest(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error)
}

func sendOnConn(ctx context.Context, conn session.Connection, req dap.RequestMessage) error {
	sender, ok := conn.(requestSender)
	if !ok {
		return fmt.Errorf("connection %T cannot send protocol requests", conn)
	}
	_, sendErr := sender.SendRequest(ctx, req)
	return sendErr
}

func substitutePort(args []string, port string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, PortPlaceholder, port)
	}
	return out
}

func logStderr(stderr io.Reader, log logr.Logger) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.V(2).Info("adapter stderr", "line", scanner.Text())
	}
}
