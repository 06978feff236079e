// Package server implements the guest-side control server: an accept loop
// over a wire.Codec-framed vsock listener that dispatches the tagged-union
// protocol request/response pairs to the layer store, overlay engine,
// bundle builder, and container runtime adapter.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/clickclack-bot/smolvm/agent/layerstore"
	"github.com/clickclack-bot/smolvm/agent/ociruntime"
	"github.com/clickclack-bot/smolvm/agent/overlay"
	"github.com/clickclack-bot/smolvm/vsockconn"
	"github.com/clickclack-bot/smolvm/wire"
)

// Server ties the guest-side components together behind the control
// protocol: one goroutine services each accepted connection; requests on a
// connection are handled strictly in arrival order.
type Server struct {
	layerStore *layerstore.Store
	overlays   *overlay.Manager
	runtime    *ociruntime.Adapter

	containersDir string
	registryPath  string
	registryMu    sync.Mutex

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New returns a Server. containersDir is the guest storage disk's
// "containers" subdirectory; its run/logs/exit children and registry.json
// index are created if missing.
func New(layerStore *layerstore.Store, overlays *overlay.Manager, runtime *ociruntime.Adapter, containersDir string) (*Server, error) {
	for _, sub := range []string{"run", "logs", "exit"} {
		if err := os.MkdirAll(filepath.Join(containersDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("server: create containers/%s: %w", sub, err)
		}
	}
	registryPath := filepath.Join(containersDir, "registry.json")
	if err := ensureRegistry(registryPath); err != nil {
		return nil, err
	}
	return &Server{
		layerStore:    layerStore,
		overlays:      overlays,
		runtime:       runtime,
		containersDir: containersDir,
		registryPath:  registryPath,
		shutdownCh:    make(chan struct{}),
	}, nil
}

// Serve accepts connections on l until ctx is canceled or a Shutdown
// request completes. An Accept error is logged and retried; it never
// drops the listener, per the transient-I/O error taxonomy.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	logger := log.WithFunc("server.Serve")

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	// Buffered so the accept goroutine can always deliver its terminal
	// error after the listener is closed, even though nothing is left to
	// receive it by then.
	accepted := make(chan acceptResult, 1)
	go func() {
		for {
			conn, err := l.Accept()
			accepted <- acceptResult{conn, err}
			if errors.Is(err, net.ErrClosed) {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			_ = l.Close()
			return nil
		case <-s.shutdownCh:
			_ = l.Close()
			return nil
		case r := <-accepted:
			if r.err != nil {
				if errors.Is(r.err, net.ErrClosed) {
					return nil
				}
				logger.Warnf(ctx, "accept: %v", r.err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleConn(ctx, r.conn)
			}()
		}
	}
}

// handleConn services one connection: read a frame, dispatch it, write the
// response, repeat. A short read, an oversize-frame rejection, or any other
// I/O error leaves the stream desynchronized and ends the connection; a
// frame that decodes but fails request-level parsing or validation gets an
// INVALID_REQUEST response and the loop continues, per the "one invalid
// frame does not terminate the session" rule.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck
	logger := log.WithFunc("server.handleConn")
	codec := wire.NewCodec(conn)

	for {
		if err := conn.SetReadDeadline(deadlineFrom(vsockconn.DefaultReadTimeout)); err != nil {
			logger.Warnf(ctx, "set read deadline: %v", err)
			return
		}

		payload, err := codec.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			logger.Warnf(ctx, "read frame: %v", err)
			return
		}

		resp, shutdown := s.dispatch(ctx, codec, payload)

		if err := conn.SetWriteDeadline(deadlineFrom(vsockconn.DefaultWriteTimeout)); err != nil {
			logger.Warnf(ctx, "set write deadline: %v", err)
			return
		}
		if err := codec.WriteJSON(resp); err != nil {
			logger.Warnf(ctx, "write response: %v", err)
			return
		}

		if shutdown {
			logger.Infof(ctx, "shutdown requested, closing listener")
			s.triggerShutdown()
			return
		}
	}
}

func (s *Server) triggerShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

func deadlineFrom(d time.Duration) time.Time {
	return time.Now().Add(d)
}
