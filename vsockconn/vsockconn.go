// Package vsockconn implements the listen/accept/connect transport
// abstraction over AF_VSOCK, including the host-side capped-backoff
// connect retry needed because the guest listener only appears some time
// after VM boot.
package vsockconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
)

const (
	// DefaultPort is the well-known vsock port the guest agent listens on.
	DefaultPort = 6000

	// DefaultReadTimeout and DefaultWriteTimeout bound ordinary request/
	// response round trips; Run lifts the read timeout to DefaultRunReadTimeout.
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultRunReadTimeout  = time.Hour
	DefaultConnectDeadline = 30 * time.Second

	minBackoff = 50 * time.Millisecond
	maxBackoff = 2 * time.Second
)

// Transport abstracts AF_VSOCK so tests can substitute an in-memory or TCP
// stand-in without touching the kernel vsock device.
type Transport interface {
	Listen(port uint32) (net.Listener, error)
	Dial(ctx context.Context, cid, port uint32) (net.Conn, error)
}

// KernelTransport is the production Transport backed by github.com/mdlayher/vsock.
type KernelTransport struct{}

func (KernelTransport) Listen(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsockconn: listen on port %d: %w", port, err)
	}
	return l, nil
}

// Dial does not take a context itself (the vsock package has no
// context-aware dialer); DialRetry enforces the overall deadline around
// repeated calls to it instead.
func (KernelTransport) Dial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsockconn: dial cid=%d port=%d: %w", cid, port, err)
	}
	return conn, nil
}

// DialRetry connects to (cid, port) with capped exponential backoff
// starting at 50ms and capped at 2s, giving up once ctx is done or the
// overall deadline elapses (default DefaultConnectDeadline if ctx carries
// no earlier deadline).
func DialRetry(ctx context.Context, t Transport, cid, port uint32) (net.Conn, error) {
	ctx, cancel := ensureDeadline(ctx, DefaultConnectDeadline)
	defer cancel()

	backoff := minBackoff
	var lastErr error
	for {
		conn, err := t.Dial(ctx, cid, port)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("vsockconn: connect cid=%d port=%d: %w (last error: %v)", cid, port, ctx.Err(), lastErr)
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func ensureDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
