package process

import (
	"context"
	"errors"
	"os/exec"
	"sync"

	"github.com/go-logr/logr"
)

// OSExecutor runs real OS processes. The lifetime of every started process is
// bound to the context passed to StartProcess.
type OSExecutor struct {
	log logr.Logger

	mu      sync.Mutex
	running map[int32]*exec.Cmd
}

func NewOSExecutor(log logr.Logger) *OSExecutor {
	return &OSExecutor{
		log:     log,
		running: make(map[int32]*exec.Cmd),
	}
}

var _ Executor = (*OSExecutor)(nil)

func (e *OSExecutor) StartProcess(ctx context.Context, cmd *exec.Cmd, exitHandler ExitHandler) (int32, func(), error) {
	if startErr := cmd.Start(); startErr != nil {
		return UnknownPID, nil, startErr
	}

	pid := int32(cmd.Process.Pid) //nolint:gosec // PIDs fit in int32 on supported platforms

	e.mu.Lock()
	e.running[pid] = cmd
	e.mu.Unlock()

	waitDone := make(chan struct{})

	// Kill the process if the context is cancelled before it exits.
	go func() {
		select {
		case <-ctx.Done():
			e.log.V(1).Info("Context cancelled, stopping process", "pid", pid)
			_ = e.StopProcess(pid)
		case <-waitDone:
		}
	}()

	startWaitForExit := func() {
		go func() {
			defer close(waitDone)

			waitErr := cmd.Wait()

			e.mu.Lock()
			delete(e.running, pid)
			e.mu.Unlock()

			exitCode := UnknownExitCode
			if cmd.ProcessState != nil {
				exitCode = int32(cmd.ProcessState.ExitCode()) //nolint:gosec // exit codes are small
			}

			// A non-zero exit code is reported through the exit code, not the error.
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				waitErr = nil
			}

			if exitHandler != nil {
				exitHandler.OnProcessExited(pid, exitCode, waitErr)
			}
		}()
	}

	return pid, startWaitForExit, nil
}

func (e *OSExecutor) StopProcess(pid int32) error {
	e.mu.Lock()
	cmd, tracked := e.running[pid]
	e.mu.Unlock()

	if tracked {
		return stopCmd(cmd)
	}

	// Not one of ours (or already reaped); fall back to a direct signal.
	return stopPid(pid)
}
