//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

func stopCmd(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	// SIGTERM first so the adapter can shut down its debuggee; the context
	// cancellation path in StartProcess remains the hard-kill backstop.
	if err := cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return cmd.Process.Kill()
	}
	return nil
}

func stopPid(pid int32) error {
	err := unix.Kill(int(pid), unix.SIGTERM)
	if err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}
