package vsockconn

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// LoopbackTransport is a Transport stand-in backed by TCP on 127.0.0.1,
// letting tests exercise the listen/dial/retry paths without a real vsock
// device. It ignores the cid argument (vsock's host/guest addressing has
// no TCP analogue) and maps ports to listeners registered via Listen.
type LoopbackTransport struct {
	mu        sync.Mutex
	listeners map[uint32]string // port -> address
}

func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{listeners: make(map[uint32]string)}
}

func (l *LoopbackTransport) Listen(port uint32) (net.Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("vsockconn: loopback listen port %d: %w", port, err)
	}
	l.mu.Lock()
	l.listeners[port] = ln.Addr().String()
	l.mu.Unlock()
	return ln, nil
}

func (l *LoopbackTransport) Dial(ctx context.Context, _, port uint32) (net.Conn, error) {
	l.mu.Lock()
	addr, ok := l.listeners[port]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vsockconn: loopback dial port %d: no listener registered", port)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("vsockconn: loopback dial port %d: %w", port, err)
	}
	return conn, nil
}
