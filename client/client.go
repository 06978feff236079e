// Package client implements the host agent client: a thin typed façade
// over the wire codec and control protocol, reached over the vsock
// transport. A Client is not safe for concurrent calls on one connection —
// callers that want concurrency dial multiple independent clients for the
// same VM, exactly as the protocol allows.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/clickclack-bot/smolvm/progress"
	"github.com/clickclack-bot/smolvm/protocol"
	"github.com/clickclack-bot/smolvm/protocolerr"
	"github.com/clickclack-bot/smolvm/types"
	"github.com/clickclack-bot/smolvm/vsockconn"
	"github.com/clickclack-bot/smolvm/wire"
)

// Client is a synchronous request/response façade over one vsock
// connection to a guest agent.
type Client struct {
	conn  net.Conn
	codec *wire.Codec
}

// Dial connects to the guest agent at (cid, port) with the standard
// connect-with-retry behavior and returns a ready Client.
func Dial(ctx context.Context, t vsockconn.Transport, cid, port uint32) (*Client, error) {
	conn, err := vsockconn.DialRetry(ctx, t, cid, port)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	return New(conn), nil
}

// New wraps an already-established connection.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, codec: wire.NewCodec(conn)}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// PullProgress mirrors the wire Progress frame fields, decoupled from the
// protocol package's wire-payload type so callers of this package never
// need to import protocol themselves.
type PullProgress struct {
	Percent float64
	Total   int64
	Layer   string
}

// call writes req and reads back exactly one response frame, applying the
// standard write/read deadlines (readTimeout overrides the default, used by
// Run to lift it to an hour).
func (c *Client) call(req protocol.Request, readTimeout time.Duration) (protocol.Response, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(vsockconn.DefaultWriteTimeout)); err != nil {
		return protocol.Response{}, fmt.Errorf("client: set write deadline: %w", err)
	}
	if err := c.codec.WriteJSON(req); err != nil {
		return protocol.Response{}, fmt.Errorf("client: write %s request: %w", req.Type, err)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return protocol.Response{}, fmt.Errorf("client: set read deadline: %w", err)
	}
	var resp protocol.Response
	if err := c.codec.ReadJSON(&resp); err != nil {
		return protocol.Response{}, fmt.Errorf("client: read %s response: %w", req.Type, err)
	}
	return resp, nil
}

// asTypedError converts resp's Error variant into a *protocolerr.RemoteError.
// Callers only reach this after confirming resp.Type == protocol.RespError.
func asTypedError(resp protocol.Response) error {
	payload, _ := resp.AsError()
	return protocolerr.FromPayload(payload)
}

// decodeResult expects resp to be of type want and decodes its payload into
// v (skipped when v is nil); RespError is converted to a typed error, and any
// other type is reported as unexpected.
func decodeResult(resp protocol.Response, want protocol.ResponseType, v any) error {
	if resp.Type == protocol.RespError {
		return asTypedError(resp)
	}
	if resp.Type != want {
		return fmt.Errorf("client: unexpected response type %q (want %q)", resp.Type, want)
	}
	if v == nil {
		return nil
	}
	return resp.Decode(v)
}

// Ping round-trips a Ping request and returns the agent's negotiated
// protocol version.
func (c *Client) Ping(ctx context.Context) (int, error) {
	req, err := protocol.NewRequest(protocol.TypePing, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.call(req, vsockconn.DefaultReadTimeout)
	if err != nil {
		return 0, err
	}
	var pong protocol.PongPayload
	if err := decodeResult(resp, protocol.RespPong, &pong); err != nil {
		return 0, err
	}
	return pong.ProtocolVersion, nil
}

// Pull requests the agent fetch and cache image, forwarding zero or more
// Progress frames to tracker before the terminal response. tracker may be
// progress.Nop if the caller doesn't care.
func (c *Client) Pull(ctx context.Context, image, platform string, tracker progress.Tracker) (types.ImageInfo, error) {
	if tracker == nil {
		tracker = progress.Nop
	}
	req, err := protocol.NewRequest(protocol.TypePull, protocol.PullArgs{Image: image, Platform: platform})
	if err != nil {
		return types.ImageInfo{}, err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(vsockconn.DefaultWriteTimeout)); err != nil {
		return types.ImageInfo{}, fmt.Errorf("client: set write deadline: %w", err)
	}
	if err := c.codec.WriteJSON(req); err != nil {
		return types.ImageInfo{}, fmt.Errorf("client: write pull request: %w", err)
	}

	// A Pull round trip can take arbitrarily long (layer downloads), so it
	// uses the same lifted read deadline as Run rather than the ordinary
	// request/response default.
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(vsockconn.DefaultRunReadTimeout)); err != nil {
			return types.ImageInfo{}, fmt.Errorf("client: set read deadline: %w", err)
		}
		var resp protocol.Response
		if err := c.codec.ReadJSON(&resp); err != nil {
			return types.ImageInfo{}, fmt.Errorf("client: read pull response: %w", err)
		}
		if resp.Type == protocol.RespProgress {
			var p protocol.ProgressPayload
			if err := resp.Decode(&p); err == nil {
				tracker.OnEvent(PullProgress{Percent: p.Percent, Total: p.Total, Layer: p.Layer})
			}
			continue
		}
		var info types.ImageInfo
		if err := decodeResult(resp, protocol.RespOk, &info); err != nil {
			return types.ImageInfo{}, err
		}
		return info, nil
	}
}

// Query looks up a single cached image by reference.
func (c *Client) Query(ctx context.Context, image string) (types.ImageInfo, error) {
	req, err := protocol.NewRequest(protocol.TypeQuery, protocol.QueryArgs{Image: image})
	if err != nil {
		return types.ImageInfo{}, err
	}
	resp, err := c.call(req, vsockconn.DefaultReadTimeout)
	if err != nil {
		return types.ImageInfo{}, err
	}
	var info types.ImageInfo
	if err := decodeResult(resp, protocol.RespOk, &info); err != nil {
		return types.ImageInfo{}, err
	}
	return info, nil
}

// ListImages returns every cached image.
func (c *Client) ListImages(ctx context.Context) ([]types.ImageInfo, error) {
	req, err := protocol.NewRequest(protocol.TypeListImages, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.call(req, vsockconn.DefaultReadTimeout)
	if err != nil {
		return nil, err
	}
	var infos []types.ImageInfo
	if err := decodeResult(resp, protocol.RespOk, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// GarbageCollect sweeps unreferenced layers; dryRun reports what would be
// freed without deleting anything.
func (c *Client) GarbageCollect(ctx context.Context, dryRun bool) (protocol.GarbageCollectResult, error) {
	req, err := protocol.NewRequest(protocol.TypeGarbageCollect, protocol.GarbageCollectArgs{DryRun: dryRun})
	if err != nil {
		return protocol.GarbageCollectResult{}, err
	}
	resp, err := c.call(req, vsockconn.DefaultReadTimeout)
	if err != nil {
		return protocol.GarbageCollectResult{}, err
	}
	var result protocol.GarbageCollectResult
	if err := decodeResult(resp, protocol.RespOk, &result); err != nil {
		return protocol.GarbageCollectResult{}, err
	}
	return result, nil
}

// PrepareOverlay materializes a workload rootfs from image's cached layers.
func (c *Client) PrepareOverlay(ctx context.Context, image, workloadID string) (types.OverlayInfo, error) {
	req, err := protocol.NewRequest(protocol.TypePrepareOverlay, protocol.PrepareOverlayArgs{
		Image: image, WorkloadID: workloadID,
	})
	if err != nil {
		return types.OverlayInfo{}, err
	}
	resp, err := c.call(req, vsockconn.DefaultReadTimeout)
	if err != nil {
		return types.OverlayInfo{}, err
	}
	var info types.OverlayInfo
	if err := decodeResult(resp, protocol.RespOk, &info); err != nil {
		return types.OverlayInfo{}, err
	}
	return info, nil
}

// CleanupOverlay tears down workloadID's overlay.
func (c *Client) CleanupOverlay(ctx context.Context, workloadID string) error {
	req, err := protocol.NewRequest(protocol.TypeCleanupOverlay, protocol.CleanupOverlayArgs{WorkloadID: workloadID})
	if err != nil {
		return err
	}
	resp, err := c.call(req, vsockconn.DefaultReadTimeout)
	if err != nil {
		return err
	}
	return decodeResult(resp, protocol.RespOk, nil)
}

// FormatStorage reformats the guest storage disk.
func (c *Client) FormatStorage(ctx context.Context) error {
	req, err := protocol.NewRequest(protocol.TypeFormatStorage, nil)
	if err != nil {
		return err
	}
	resp, err := c.call(req, vsockconn.DefaultReadTimeout)
	if err != nil {
		return err
	}
	return decodeResult(resp, protocol.RespOk, nil)
}

// StorageStatus summarizes the guest content store.
func (c *Client) StorageStatus(ctx context.Context) (types.StorageStatus, error) {
	req, err := protocol.NewRequest(protocol.TypeStorageStatus, nil)
	if err != nil {
		return types.StorageStatus{}, err
	}
	resp, err := c.call(req, vsockconn.DefaultReadTimeout)
	if err != nil {
		return types.StorageStatus{}, err
	}
	var status types.StorageStatus
	if err := decodeResult(resp, protocol.RespOk, &status); err != nil {
		return types.StorageStatus{}, err
	}
	return status, nil
}

// RunArgs mirrors protocol.RunArgs so callers of this package don't need to
// import protocol for the common case.
type RunArgs struct {
	Image          string
	Command        []string
	Env            map[string]string
	Workdir        string
	Mounts         []types.HostMount
	TimeoutSeconds int64
}

// Run spawns a one-shot container from image and blocks until it exits or
// the request-level timeout fires; the read deadline is lifted to
// vsockconn.DefaultRunReadTimeout regardless of args.TimeoutSeconds, since
// the latter is enforced guest-side.
func (c *Client) Run(ctx context.Context, args RunArgs) (protocol.RunCompleted, error) {
	mounts := make([]protocol.MountArg, len(args.Mounts))
	for i, m := range args.Mounts {
		mounts[i] = protocol.MountArg{HostPath: m.HostPath, GuestPath: m.GuestPath, ReadOnly: m.ReadOnly}
	}
	req, err := protocol.NewRequest(protocol.TypeRun, protocol.RunArgs{
		Image:          args.Image,
		Command:        args.Command,
		Env:            args.Env,
		Workdir:        args.Workdir,
		Mounts:         mounts,
		TimeoutSeconds: args.TimeoutSeconds,
	})
	if err != nil {
		return protocol.RunCompleted{}, err
	}
	resp, err := c.call(req, vsockconn.DefaultRunReadTimeout)
	if err != nil {
		return protocol.RunCompleted{}, err
	}
	var result protocol.RunCompleted
	if err := decodeResult(resp, protocol.RespCompleted, &result); err != nil {
		return protocol.RunCompleted{}, err
	}
	return result, nil
}

// Shutdown asks the agent to quiesce and stop serving; the connection is
// expected to close shortly after the response (or the agent's process
// exits outright, which the supervisor treats the same way).
func (c *Client) Shutdown(ctx context.Context) error {
	req, err := protocol.NewRequest(protocol.TypeShutdown, nil)
	if err != nil {
		return err
	}
	resp, err := c.call(req, vsockconn.DefaultReadTimeout)
	if err != nil {
		return err
	}
	return decodeResult(resp, protocol.RespOk, nil)
}
