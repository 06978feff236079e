package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/clickclack-bot/smolvm/process"
	"github.com/clickclack-bot/smolvm/protocol"
	"github.com/clickclack-bot/smolvm/types"
	"github.com/clickclack-bot/smolvm/wire"
)

// Guard is an RAII-style handle on one running VM. Close runs the stop
// sequence exactly once, regardless of how many times or from how many
// goroutines it's called, and never returns an error a caller could usefully
// act on beyond logging — it is the one place a drop-time failure is
// intentionally swallowed, per the supervisor's own contract with itself.
type Guard struct {
	sup        *Supervisor
	name       string
	pid        int
	cid        uint32
	startToken process.StartTimeToken
	runtimeDir string
	mounts     []types.HostMount
	resources  types.VmResources

	closeOnce sync.Once
	closeErr  error
	done      bool
	doneMu    sync.Mutex
}

// Name returns the VM name this guard owns.
func (g *Guard) Name() string { return g.name }

// PID returns the forked hypervisor child's pid.
func (g *Guard) PID() int { return g.pid }

func (g *Guard) matches(mounts []types.HostMount, res types.VmResources) bool {
	rec := types.VmRecord{Mounts: g.mounts, Resources: g.resources}
	return rec.Matches(mounts, res)
}

func (g *Guard) closed() bool {
	g.doneMu.Lock()
	defer g.doneMu.Unlock()
	return g.done
}

// Close runs the stop sequence: best-effort Shutdown over the control
// channel so the guest can quiesce the container runtime, then strict
// graceful-then-forceful termination of the child verified by start-time
// token, then removal of the per-invocation runtime directory. Errors from
// the shutdown request are logged, not returned — only a failure to
// actually terminate the verified child is surfaced.
func (g *Guard) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.closeErr = g.stop(ctx)
		g.doneMu.Lock()
		g.done = true
		g.doneMu.Unlock()
	})
	return g.closeErr
}

func (g *Guard) stop(ctx context.Context) error {
	logger := log.WithFunc("supervisor.Guard.stop")

	if process.IsOurProcessStrict(g.pid, g.startToken) {
		g.requestShutdown(ctx)

		if err := terminateAndReap(ctx, g.pid, g.sup.cfg.stopGracePeriod()); err != nil {
			logger.Warnf(ctx, "stop pid %d for VM %s: %v", g.pid, g.name, err)
			return err
		}
	} else {
		logger.Infof(ctx, "pid %d for VM %s already gone or reused by the time Stop ran", g.pid, g.name)
	}

	if err := os.RemoveAll(g.runtimeDir); err != nil {
		logger.Warnf(ctx, "remove runtime dir %s for VM %s: %v", g.runtimeDir, g.name, err)
	}
	return nil
}

// terminateAndReap sends SIGTERM, escalating to SIGKILL, polling for exit
// with TryReap rather than IsAlive: the supervisor stays pid's parent the
// whole time (Setsid only makes it a new session leader, it never
// reparents), so until the supervisor reaps it itself the kernel reports it
// alive as a zombie — process.Stop's IsAlive-based wait would never observe
// it exit. Used both to stop a running VM and to kill a child that failed
// partway through the start sequence.
func terminateAndReap(ctx context.Context, pid int, gracePeriod time.Duration) error {
	if err := process.Terminate(pid); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	if pollReap(ctx, pid, gracePeriod) {
		return nil
	}

	if err := process.Kill(pid); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	if pollReap(ctx, pid, 5*time.Second) {
		return nil
	}
	return fmt.Errorf("pid %d did not exit after SIGKILL", pid)
}

// pollReap polls TryReap(pid) every 50ms until it reports the child exited
// (reaping it in the process) or timeout elapses.
func pollReap(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		status, err := process.TryReap(pid)
		if err == nil && status.Kind != process.StillRunning {
			return true
		}
		if errors.Is(err, process.ErrNotOurChild) {
			// Already reaped by someone else (or never our child); either
			// way there's nothing left to wait for.
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// requestShutdown best-effort asks the guest agent to quiesce before the
// harder termination below; any failure (agent already gone, connect
// timeout) is logged and ignored; the graceful-then-forceful pid kill that
// follows is authoritative regardless.
func (g *Guard) requestShutdown(ctx context.Context) {
	logger := log.WithFunc("supervisor.Guard.requestShutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	conn, err := g.sup.cfg.Transport.Dial(shutdownCtx, g.cid, g.sup.cfg.controlPort())
	if err != nil {
		logger.Infof(ctx, "shutdown dial for VM %s: %v", g.name, err)
		return
	}
	defer conn.Close() //nolint:errcheck

	req, err := protocol.NewRequest(protocol.TypeShutdown, nil)
	if err != nil {
		return
	}
	codec := wire.NewCodec(conn)
	if err := codec.WriteJSON(req); err != nil {
		logger.Infof(ctx, "shutdown write for VM %s: %v", g.name, err)
		return
	}
	var resp protocol.Response
	_ = codec.ReadJSON(&resp) // a response, or the conn closing outright, both mean "acknowledged"
}
