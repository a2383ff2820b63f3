// Package process provides process lifecycle management for aidb-owned
// subprocesses (debug adapters and debuggees).
package process

import (
	"context"
	"os/exec"

	gops "github.com/shirou/gopsutil/v4/process"
)

const (
	// UnknownExitCode indicates the exit code has not been obtained yet.
	UnknownExitCode int32 = -1

	// UnknownPID is used when a process is not started or failed to start.
	UnknownPID int32 = -1
)

type Executor interface {
	// StartProcess starts the process described by cmd.
	// When the passed context is cancelled, the process is terminated.
	// Returns the PID and a function that enables exit notifications
	// delivered to the exit handler.
	StartProcess(ctx context.Context, cmd *exec.Cmd, exitHandler ExitHandler) (pid int32, startWaitForExit func(), err error)

	// StopProcess stops the process with the given PID.
	StopProcess(pid int32) error
}

type ExitHandler interface {
	// OnProcessExited indicates that the process with the given PID has
	// finished execution. If err is nil, exitCode is valid; otherwise there
	// was a problem tracking the process and exitCode must be ignored.
	OnProcessExited(pid int32, exitCode int32, err error)
}

// ExitHandlerFunc makes it easy to supply a function as an exit handler.
type ExitHandlerFunc func(pid int32, exitCode int32, err error)

func (f ExitHandlerFunc) OnProcessExited(pid int32, exitCode int32, err error) {
	f(pid, exitCode, err)
}

// IsRunning reports whether a process with the given PID currently exists
// and is not a zombie. Used to detect stale cross-process state left behind
// by owners that died without cleaning up.
func IsRunning(pid int32) bool {
	if pid <= 0 {
		return false
	}
	p, err := gops.NewProcess(pid)
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}
