//go:build windows

package server

import (
	"os/exec"
	"time"
)

func configureProcessGroup(cmd *exec.Cmd, grace time.Duration, _ <-chan struct{}) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 2 * grace
}

func killProcessGroup(int) {}
