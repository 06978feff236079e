package client

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clickclack-bot/smolvm/progress"
	"github.com/clickclack-bot/smolvm/protocol"
	"github.com/clickclack-bot/smolvm/protocolerr"
	"github.com/clickclack-bot/smolvm/types"
	"github.com/clickclack-bot/smolvm/vsockconn"
	"github.com/clickclack-bot/smolvm/wire"
)

func fakeAgent(t *testing.T, tr vsockconn.Transport, port uint32, handle func(protocol.Request, *wire.Codec) (protocol.Response, bool)) {
	t.Helper()
	ln, err := tr.Listen(port)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close() //nolint:errcheck
				codec := wire.NewCodec(conn)
				for {
					var req protocol.Request
					if err := codec.ReadJSON(&req); err != nil {
						return
					}
					resp, stop := handle(req, codec)
					if err := codec.WriteJSON(resp); err != nil {
						return
					}
					if stop {
						return
					}
				}
			}()
		}
	}()
}

func dialTestClient(t *testing.T, tr vsockconn.Transport, port uint32) *Client {
	t.Helper()
	c, err := Dial(context.Background(), tr, 3, port)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPingReturnsProtocolVersion(t *testing.T) {
	tr := vsockconn.NewLoopbackTransport()
	fakeAgent(t, tr, 6100, func(req protocol.Request, _ *wire.Codec) (protocol.Response, bool) {
		resp, _ := protocol.NewResponse(protocol.RespPong, protocol.PongPayload{ProtocolVersion: 1})
		return resp, false
	})

	c := dialTestClient(t, tr, 6100)
	version, err := c.Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, version)
}

func TestQueryNotFoundSurfacesAsRemoteNotFound(t *testing.T) {
	tr := vsockconn.NewLoopbackTransport()
	fakeAgent(t, tr, 6101, func(req protocol.Request, _ *wire.Codec) (protocol.Response, bool) {
		return protocol.NewErrorResponse(protocol.CodeNotFound, "image %s not cached", "alpine:latest"), false
	})

	c := dialTestClient(t, tr, 6101)
	_, err := c.Query(context.Background(), "alpine:latest")
	require.Error(t, err)
	require.True(t, errors.Is(err, protocolerr.ErrNotFound))

	var remote *protocolerr.RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, protocol.CodeNotFound, remote.Code)
}

func TestListImagesDecodesSlice(t *testing.T) {
	tr := vsockconn.NewLoopbackTransport()
	want := []types.ImageInfo{
		{Reference: "alpine:latest", Digest: "sha256:aaa", LayerCount: 3},
		{Reference: "busybox:latest", Digest: "sha256:bbb", LayerCount: 1},
	}
	fakeAgent(t, tr, 6102, func(req protocol.Request, _ *wire.Codec) (protocol.Response, bool) {
		resp, _ := protocol.NewResponse(protocol.RespOk, want)
		return resp, false
	})

	c := dialTestClient(t, tr, 6102)
	got, err := c.ListImages(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPullForwardsProgressBeforeTerminalResponse(t *testing.T) {
	tr := vsockconn.NewLoopbackTransport()
	fakeAgent(t, tr, 6103, func(req protocol.Request, codec *wire.Codec) (protocol.Response, bool) {
		for _, pct := range []float64{25, 50, 75} {
			progResp, _ := protocol.NewResponse(protocol.RespProgress, protocol.ProgressPayload{Percent: pct, Total: 1000, Layer: "sha256:layer"})
			_ = codec.WriteJSON(progResp)
		}
		resp, _ := protocol.NewResponse(protocol.RespOk, types.ImageInfo{Reference: "alpine:latest", Digest: "sha256:aaa"})
		return resp, false
	})

	c := dialTestClient(t, tr, 6103)

	var events []PullProgress
	tracker := progress.NewTracker(func(p PullProgress) { events = append(events, p) })

	info, err := c.Pull(context.Background(), "alpine:latest", "", tracker)
	require.NoError(t, err)
	require.Equal(t, "alpine:latest", info.Reference)
	require.Len(t, events, 3)
	require.Equal(t, 75.0, events[2].Percent)
}

func TestRunDecodesCompletedResponse(t *testing.T) {
	tr := vsockconn.NewLoopbackTransport()
	fakeAgent(t, tr, 6104, func(req protocol.Request, _ *wire.Codec) (protocol.Response, bool) {
		resp, _ := protocol.NewResponse(protocol.RespCompleted, protocol.RunCompleted{ExitCode: 0, Stdout: "hi\n"})
		return resp, false
	})

	c := dialTestClient(t, tr, 6104)
	result, err := c.Run(context.Background(), RunArgs{Image: "alpine:latest", Command: []string{"echo", "hi"}})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, "hi\n", result.Stdout)
}

func TestShutdownClosesTheRoundTrip(t *testing.T) {
	tr := vsockconn.NewLoopbackTransport()
	fakeAgent(t, tr, 6105, func(req protocol.Request, _ *wire.Codec) (protocol.Response, bool) {
		resp, _ := protocol.NewResponse(protocol.RespOk, nil)
		return resp, true
	})

	c := dialTestClient(t, tr, 6105)
	require.NoError(t, c.Shutdown(context.Background()))
}
