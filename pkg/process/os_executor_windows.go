//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

func stopCmd(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func stopPid(pid int32) error {
	p, err := os.FindProcess(int(pid))
	if err != nil {
		return nil
	}
	if killErr := p.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return killErr
	}
	return nil
}
