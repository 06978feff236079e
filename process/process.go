// Package process implements the host-safe process primitives the
// supervisor relies on to fork, reap, and strictly re-identify a
// hypervisor child across PID reuse.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/clickclack-bot/smolvm/utils"
)

// ErrNotOurChild is returned by TryReap/WaitBlocking when pid is not a
// child of this process.
var ErrNotOurChild = errors.New("process: not our child")

// ErrTimeout is returned by Stop when the process is still alive after the
// timeout and force is false.
var ErrTimeout = errors.New("process: stop timed out")

// ExitKind classifies how a process terminated.
type ExitKind int

const (
	StillRunning ExitKind = iota
	Exited
	Signaled
)

// ExitStatus is the result of TryReap/WaitBlocking.
type ExitStatus struct {
	Kind ExitKind
	// Code is the exit code when Kind == Exited, or 128+signal when
	// Kind == Signaled.
	Code int
}

// IsAlive sends signal 0 to pid and reports whether delivery succeeded.
// This performs no action beyond checking that the pid currently refers to
// a live process this user can signal.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// TryReap performs a non-blocking wait on pid and classifies the result.
func TryReap(pid int) (ExitStatus, error) {
	return reap(pid, syscall.WNOHANG)
}

// WaitBlocking waits for pid to exit and classifies the result.
func WaitBlocking(pid int) (ExitStatus, error) {
	return reap(pid, 0)
}

func reap(pid int, flags int) (ExitStatus, error) {
	var ws syscall.WaitStatus
	wpid, err := syscall.Wait4(pid, &ws, flags, nil)
	if err != nil {
		if errors.Is(err, syscall.ECHILD) {
			return ExitStatus{}, ErrNotOurChild
		}
		return ExitStatus{}, fmt.Errorf("wait4 %d: %w", pid, err)
	}
	if wpid == 0 {
		// WNOHANG and still running.
		return ExitStatus{Kind: StillRunning}, nil
	}
	switch {
	case ws.Exited():
		return ExitStatus{Kind: Exited, Code: ws.ExitStatus()}, nil
	case ws.Signaled():
		return ExitStatus{Kind: Signaled, Code: 128 + int(ws.Signal())}, nil
	default:
		return ExitStatus{Kind: StillRunning}, nil
	}
}

// Terminate sends the graceful termination signal (SIGTERM).
func Terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// Kill sends the forceful termination signal (SIGKILL).
func Kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

const pollInterval = 100 * time.Millisecond

// Stop sends SIGTERM, polls liveness every 100ms, and escalates to SIGKILL
// (when force) or fails with ErrTimeout once timeout elapses.
func Stop(ctx context.Context, pid int, timeout time.Duration, force bool) error {
	if !IsAlive(pid) {
		return nil
	}
	if err := Terminate(pid); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}

	waitErr := utils.WaitFor(ctx, timeout, pollInterval, func() (bool, error) {
		return !IsAlive(pid), nil
	})
	if waitErr == nil {
		return nil
	}

	if !force {
		return fmt.Errorf("%w: pid %d still alive after %s", ErrTimeout, pid, timeout)
	}

	if err := Kill(pid); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return utils.WaitFor(ctx, 5*time.Second, 50*time.Millisecond, func() (bool, error) {
		return !IsAlive(pid), nil
	})
}

// FindProcess is a thin wrapper so callers can release/signal via the
// stdlib os.Process type where convenient (e.g. after cmd.Start()).
func FindProcess(pid int) (*os.Process, error) {
	return os.FindProcess(pid)
}
