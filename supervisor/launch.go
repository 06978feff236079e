package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/projecteru2/core/log"

	"github.com/clickclack-bot/smolvm/process"
	"github.com/clickclack-bot/smolvm/protocol"
	"github.com/clickclack-bot/smolvm/utils"
	"github.com/clickclack-bot/smolvm/vsockconn"
	"github.com/clickclack-bot/smolvm/wire"
)

// launched is the result of a successful fork + identity capture + control
// channel handshake.
type launched struct {
	pid        int
	startToken process.StartTimeToken
}

// launch performs steps 3 through 6 of the start sequence: fork a session
// leader that execs the hypervisor binary, capture its start-time token
// before anything else can reuse its pid, and confirm the control channel is
// live with a Ping/Pong round trip.
//
// If start-time capture or the handshake fails, launch kills the child
// itself rather than letting a half-started VM linger — Start's caller
// receives a single error either way.
func (s *Supervisor) launch(ctx context.Context, spec LaunchSpec) (launched, error) {
	logger := log.WithFunc("supervisor.launch")

	consoleLog, err := os.OpenFile(spec.ConsoleLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return launched{}, fmt.Errorf("supervisor: open console log: %w", err)
	}
	defer consoleLog.Close() //nolint:errcheck

	// Deliberately not exec.CommandContext: ctx is scoped to the start
	// sequence and is canceled the moment Start returns, but the forked
	// hypervisor must keep running long after that — its lifetime is owned
	// by the returned Guard, not by this context.
	args := s.cfg.argsBuilder()(spec)
	cmd := exec.Command(s.cfg.HypervisorBinary, args...) //nolint:gosec
	cmd.Stdout = consoleLog
	cmd.Stderr = consoleLog
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return launched{}, fmt.Errorf("supervisor: start hypervisor: %w", err)
	}
	pid := cmd.Process.Pid

	// Release immediately: this process stays pid's parent (Setsid only
	// makes it a new session leader, it does not reparent), so we
	// remain responsible for reaping it, but we do so ourselves later via
	// terminateAndReap rather than through cmd.Wait — os/exec's Wait and our
	// own raw wait4 calls must never race over the same pid.
	if err := cmd.Process.Release(); err != nil {
		logger.Warnf(ctx, "release pid %d: %v", pid, err)
	}

	token, err := process.CaptureStartTime(ctx, pid)
	if err != nil {
		logger.Warnf(ctx, "capture start time for pid %d failed, killing: %v", pid, err)
		_ = terminateAndReap(context.Background(), pid, s.cfg.stopGracePeriod())
		return launched{}, fmt.Errorf("supervisor: capture start time: %w", err)
	}

	if err := utils.WritePIDFile(s.pidFilePath(spec.VMName), pid); err != nil {
		logger.Warnf(ctx, "write pid file for pid %d: %v", pid, err)
	}

	if err := s.waitForControlChannel(ctx, spec.CID); err != nil {
		_ = terminateAndReap(context.Background(), pid, s.cfg.stopGracePeriod())
		return launched{}, fmt.Errorf("supervisor: control channel handshake: %w", err)
	}

	return launched{pid: pid, startToken: token}, nil
}

func (s *Supervisor) pidFilePath(name string) string {
	return s.VMDir(name) + ".pid"
}

// waitForControlChannel dials the guest's control port with retry and
// exchanges a Ping/Pong, confirming the agent inside the VM is actually
// serving requests rather than merely that the VM has booted.
func (s *Supervisor) waitForControlChannel(ctx context.Context, cid uint32) error {
	conn, err := vsockconn.DialRetry(ctx, s.cfg.Transport, cid, s.cfg.controlPort())
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	codec := wire.NewCodec(conn)
	req, err := protocol.NewRequest(protocol.TypePing, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	if err := codec.WriteJSON(req); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}

	var resp protocol.Response
	if err := codec.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if resp.Type != protocol.RespPong {
		return fmt.Errorf("unexpected response to ping: %s", resp.Type)
	}
	return nil
}
