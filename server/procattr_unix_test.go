//go:build !windows

package server

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

type recordedSignal struct {
	pid int
	sig syscall.Signal
}

type signalRecorder struct {
	mu   sync.Mutex
	sent []recordedSignal
}

func (r *signalRecorder) kill(pid int, sig syscall.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recordedSignal{pid: pid, sig: sig})
	return nil
}

func (r *signalRecorder) signals() []recordedSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedSignal(nil), r.sent...)
}

func TestKillAfterGrace_KillsGroupStillRunning(t *testing.T) {
	rec := &signalRecorder{}
	killAfterGrace(-4242, 10*time.Millisecond, make(chan struct{}), rec.kill)

	assert.Equal(t, []recordedSignal{{pid: -4242, sig: unix.SIGKILL}}, rec.signals())
}

func TestKillAfterGrace_SkippedOnceReaped(t *testing.T) {
	rec := &signalRecorder{}
	reaped := make(chan struct{})
	close(reaped)

	killAfterGrace(-4242, 10*time.Millisecond, reaped, rec.kill)

	assert.Empty(t, rec.signals())
}

func TestKillAfterGrace_ReapedDuringGrace(t *testing.T) {
	rec := &signalRecorder{}
	reaped := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		killAfterGrace(-4242, time.Second, reaped, rec.kill)
	}()
	close(reaped)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("killAfterGrace did not return after reap")
	}
	assert.Empty(t, rec.signals())
}

func TestKillProcessGroup_IgnoresInvalidPid(t *testing.T) {
	assert.NotPanics(t, func() {
		killProcessGroup(0)
		killProcessGroup(-1)
	})
}
