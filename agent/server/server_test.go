package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clickclack-bot/smolvm/agent/layerstore"
	"github.com/clickclack-bot/smolvm/agent/ociruntime"
	"github.com/clickclack-bot/smolvm/agent/overlay"
	"github.com/clickclack-bot/smolvm/protocol"
	"github.com/clickclack-bot/smolvm/vsockconn"
	"github.com/clickclack-bot/smolvm/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()

	ls, err := layerstore.Open(filepath.Join(root, "storage"))
	require.NoError(t, err)

	ov, err := overlay.NewManager(layerstore.OverlaysDir(filepath.Join(root, "storage")))
	require.NoError(t, err)

	rt := ociruntime.New(ociruntime.Config{RuntimePath: buildFakeRuntime(t)})

	s, err := New(ls, ov, rt, filepath.Join(root, "containers"))
	require.NoError(t, err)
	return s
}

func TestNewCreatesContainerLayout(t *testing.T) {
	root := t.TempDir()
	ls, err := layerstore.Open(filepath.Join(root, "storage"))
	require.NoError(t, err)
	ov, err := overlay.NewManager(layerstore.OverlaysDir(filepath.Join(root, "storage")))
	require.NoError(t, err)
	rt := ociruntime.New(ociruntime.Config{RuntimePath: buildFakeRuntime(t)})

	containersDir := filepath.Join(root, "containers")
	_, err = New(ls, ov, rt, containersDir)
	require.NoError(t, err)

	for _, sub := range []string{"run", "logs", "exit"} {
		fi, statErr := os.Stat(filepath.Join(containersDir, sub))
		require.NoError(t, statErr)
		require.True(t, fi.IsDir())
	}
	_, err = os.Stat(filepath.Join(containersDir, "registry.json"))
	require.NoError(t, err)
}

func TestServeRespondsToPingOverLoopback(t *testing.T) {
	s := newTestServer(t)
	transport := vsockconn.NewLoopbackTransport()

	l, err := transport.Listen(vsockconn.DefaultPort)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	conn, err := transport.Dial(context.Background(), 3, vsockconn.DefaultPort)
	require.NoError(t, err)
	defer conn.Close()

	codec := wire.NewCodec(conn)
	req, err := protocol.NewRequest(protocol.TypePing, nil)
	require.NoError(t, err)
	require.NoError(t, codec.WriteJSON(req))

	var resp protocol.Response
	require.NoError(t, codec.ReadJSON(&resp))
	require.Equal(t, protocol.RespPong, resp.Type)

	var pong protocol.PongPayload
	require.NoError(t, resp.Decode(&pong))
	require.Equal(t, protocol.ProtocolVersion, pong.ProtocolVersion)

	cancel()
	<-done
}

func TestServeShutdownClosesListener(t *testing.T) {
	s := newTestServer(t)
	transport := vsockconn.NewLoopbackTransport()
	l, err := transport.Listen(vsockconn.DefaultPort)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), l) }()

	conn, err := transport.Dial(context.Background(), 3, vsockconn.DefaultPort)
	require.NoError(t, err)
	defer conn.Close()

	codec := wire.NewCodec(conn)
	req, err := protocol.NewRequest(protocol.TypeShutdown, nil)
	require.NoError(t, err)
	require.NoError(t, codec.WriteJSON(req))

	var resp protocol.Response
	require.NoError(t, codec.ReadJSON(&resp))
	require.Equal(t, protocol.RespOk, resp.Type)

	require.NoError(t, <-done)
}
