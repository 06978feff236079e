package vsockconn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopbackListenDial(t *testing.T) {
	tr := NewLoopbackTransport()
	ln, err := tr.Listen(DefaultPort)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
			accepted <- struct{}{}
		}
	}()

	conn, err := tr.Dial(context.Background(), 3, DefaultPort)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("accept did not complete")
	}
}

func TestDialRetrySucceedsOnceListenerAppears(t *testing.T) {
	tr := NewLoopbackTransport()

	go func() {
		time.Sleep(80 * time.Millisecond)
		ln, err := tr.Listen(DefaultPort)
		if err != nil {
			return
		}
		go func() {
			c, err := ln.Accept()
			if err == nil {
				c.Close()
			}
		}()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := DialRetry(ctx, tr, 3, DefaultPort)
	require.NoError(t, err)
	conn.Close()
}

func TestDialRetryGivesUpAtDeadline(t *testing.T) {
	tr := NewLoopbackTransport() // never gets a listener

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := DialRetry(ctx, tr, 3, DefaultPort)
	require.Error(t, err)
}

func TestDialRetryRespectsExistingDeadline(t *testing.T) {
	tr := NewLoopbackTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := DialRetry(ctx, tr, 3, DefaultPort)
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}
