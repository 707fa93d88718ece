//go:build !windows

package server

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

type signalFunc func(pid int, sig syscall.Signal) error

// configureProcessGroup starts the proxy in its own process group so that
// cancellation reaches the launcher and every child it spawned (npx, tsx,
// the target server). SIGTERM goes first; SIGKILL follows after grace unless
// the leader has been reaped by then.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration, reaped <-chan struct{}) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
			return unix.Kill(pgid, unix.SIGKILL)
		}
		go killAfterGrace(pgid, grace, reaped, unix.Kill)
		return nil
	}
	cmd.WaitDelay = 2 * grace
}

// killAfterGrace sends SIGKILL to pgid once grace has elapsed. Once the
// leader is reaped its id may be recycled, so a closed reaped channel
// cancels the kill.
func killAfterGrace(pgid int, grace time.Duration, reaped <-chan struct{}, kill signalFunc) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-reaped:
		return
	case <-timer.C:
	}
	// ESRCH from an already exited group is fine.
	_ = kill(pgid, unix.SIGKILL)
}

// killProcessGroup removes anything left in the group after the leader was
// reaped, e.g. a target server that ignored SIGTERM. A group id is not
// reused while any member is alive, so only an already empty group can
// have been recycled.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, 0); err != nil {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}
