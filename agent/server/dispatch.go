package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/clickclack-bot/smolvm/agent/layerstore"
	"github.com/clickclack-bot/smolvm/agent/overlay"
	ociProgress "github.com/clickclack-bot/smolvm/progress/oci"
	"github.com/clickclack-bot/smolvm/protocol"
	"github.com/clickclack-bot/smolvm/wire"
)

// dispatch decodes the request envelope and routes it to its handler.
// shutdown is true only for a successfully handled Shutdown request; the
// caller sends resp before acting on it.
func (s *Server) dispatch(ctx context.Context, codec *wire.Codec, payload []byte) (resp protocol.Response, shutdown bool) {
	var req protocol.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return protocol.NewErrorResponse(protocol.CodeInvalidRequest, "malformed request: %v", err), false
	}

	switch req.Type {
	case protocol.TypePing:
		return s.handlePing()
	case protocol.TypePull:
		return s.handlePull(ctx, codec, req)
	case protocol.TypeQuery:
		return s.handleQuery(req)
	case protocol.TypeListImages:
		return s.handleListImages()
	case protocol.TypeGarbageCollect:
		return s.handleGarbageCollect(req)
	case protocol.TypePrepareOverlay:
		return s.handlePrepareOverlay(req)
	case protocol.TypeCleanupOverlay:
		return s.handleCleanupOverlay(req)
	case protocol.TypeFormatStorage:
		return s.handleFormatStorage()
	case protocol.TypeStorageStatus:
		return s.handleStorageStatus()
	case protocol.TypeRun:
		return s.handleRun(ctx, req)
	case protocol.TypeShutdown:
		resp, err := protocol.NewResponse(protocol.RespOk, nil)
		if err != nil {
			return protocol.NewErrorResponse(protocol.CodeInvalidRequest, "%v", err), false
		}
		return resp, true
	default:
		return protocol.NewErrorResponse(protocol.CodeInvalidRequest, "unknown request type %q", req.Type), false
	}
}

func invalid(format string, args ...any) protocol.Response {
	return protocol.NewErrorResponse(protocol.CodeInvalidRequest, format, args...)
}

func failed(t protocol.RequestType, format string, args ...any) protocol.Response {
	return protocol.NewErrorResponse(protocol.FailureCode(t), format, args...)
}

func ok(payload any) protocol.Response {
	resp, err := protocol.NewResponse(protocol.RespOk, payload)
	if err != nil {
		return protocol.NewErrorResponse(protocol.CodeInvalidRequest, "marshal response: %v", err)
	}
	return resp
}

func (s *Server) handlePing() (protocol.Response, bool) {
	resp, err := protocol.NewResponse(protocol.RespPong, protocol.PongPayload{ProtocolVersion: protocol.ProtocolVersion})
	if err != nil {
		return invalid("%v", err), false
	}
	return resp, false
}

func (s *Server) handlePull(ctx context.Context, codec *wire.Codec, req protocol.Request) (protocol.Response, bool) {
	var args protocol.PullArgs
	if err := req.Decode(&args); err != nil {
		return invalid("%v", err), false
	}
	if err := protocol.ValidateImageRef(args.Image); err != nil {
		return invalid("%v", err), false
	}

	tracker := codecProgressTracker{codec: codec}
	info, err := s.layerStore.Pull(ctx, args.Image, args.Platform, tracker)
	if err != nil {
		return failed(protocol.TypePull, "%v", err), false
	}
	return ok(info), false
}

// codecProgressTracker forwards Pull progress events onto the connection as
// Progress-typed response frames, ahead of the terminal response the
// dispatch loop writes itself. Write failures are ignored here; the
// subsequent terminal-response write will surface the same broken
// connection and end the session.
type codecProgressTracker struct {
	codec *wire.Codec
}

func (t codecProgressTracker) OnEvent(e any) {
	ev, ok := e.(ociProgress.Event)
	if !ok {
		return
	}
	resp, err := protocol.NewResponse(protocol.RespProgress, protocol.ProgressPayload{
		Percent: ev.Percent,
		Total:   ev.Total,
		Layer:   ev.Layer,
	})
	if err != nil {
		return
	}
	_ = t.codec.WriteJSON(resp)
}

func (s *Server) handleQuery(req protocol.Request) (protocol.Response, bool) {
	var args protocol.QueryArgs
	if err := req.Decode(&args); err != nil {
		return invalid("%v", err), false
	}
	if err := protocol.ValidateImageRef(args.Image); err != nil {
		return invalid("%v", err), false
	}

	info, err := s.layerStore.Query(args.Image)
	if err != nil {
		if errors.Is(err, layerstore.ErrNotFound) {
			return protocol.NewErrorResponse(protocol.CodeNotFound, "image %s not cached", args.Image), false
		}
		return failed(protocol.TypeQuery, "%v", err), false
	}
	return ok(info), false
}

func (s *Server) handleListImages() (protocol.Response, bool) {
	return ok(s.layerStore.ListImages()), false
}

func (s *Server) handleGarbageCollect(req protocol.Request) (protocol.Response, bool) {
	var args protocol.GarbageCollectArgs
	if err := req.Decode(&args); err != nil {
		return invalid("%v", err), false
	}

	pinned := make([]string, 0)
	for _, baseDigest := range s.overlays.LiveBaseDigests() {
		if layers, found := s.layerStore.LayersForDigest(baseDigest); found {
			pinned = append(pinned, layers...)
		}
	}

	freed, err := s.layerStore.GarbageCollect(args.DryRun, pinned)
	if err != nil {
		return failed(protocol.TypeGarbageCollect, "%v", err), false
	}
	return ok(protocol.GarbageCollectResult{FreedBytes: freed, DryRun: args.DryRun}), false
}

func (s *Server) handlePrepareOverlay(req protocol.Request) (protocol.Response, bool) {
	var args protocol.PrepareOverlayArgs
	if err := req.Decode(&args); err != nil {
		return invalid("%v", err), false
	}
	if err := protocol.ValidateImageRef(args.Image); err != nil {
		return invalid("%v", err), false
	}
	if err := protocol.ValidateWorkloadID(args.WorkloadID); err != nil {
		return invalid("%v", err), false
	}

	// Held for the whole manifest-lookup-plus-mount span: a GarbageCollect
	// that started after the manifest read but before the overlay mount
	// must not reclaim a layer this overlay is about to pin.
	s.layerStore.RLockGC()
	defer s.layerStore.RUnlockGC()

	manifest, err := s.layerStore.Manifest(args.Image)
	if err != nil {
		// Not-cached is reported as OVERLAY_FAILED here (unlike Query's
		// NOT_FOUND) because the failure is about this operation's
		// precondition, not a lookup whose subject is the request itself.
		return failed(protocol.TypePrepareOverlay, "image %s not cached", args.Image), false
	}

	layerDirs := make([]string, len(manifest.Layers))
	for i, digest := range manifest.Layers {
		layerDirs[i] = s.layerStore.LayerPath(digest)
	}

	info, err := s.overlays.Prepare(args.WorkloadID, manifest.Digest, layerDirs)
	if err != nil {
		return failed(protocol.TypePrepareOverlay, "%v", err), false
	}
	return ok(info), false
}

func (s *Server) handleCleanupOverlay(req protocol.Request) (protocol.Response, bool) {
	var args protocol.CleanupOverlayArgs
	if err := req.Decode(&args); err != nil {
		return invalid("%v", err), false
	}
	if err := protocol.ValidateWorkloadID(args.WorkloadID); err != nil {
		return invalid("%v", err), false
	}

	if err := s.overlays.Cleanup(args.WorkloadID); err != nil {
		if errors.Is(err, overlay.ErrNotFound) {
			return protocol.NewErrorResponse(protocol.CodeNotFound, "workload %s has no live overlay", args.WorkloadID), false
		}
		return failed(protocol.TypeCleanupOverlay, "%v", err), false
	}
	return ok(nil), false
}

func (s *Server) handleFormatStorage() (protocol.Response, bool) {
	if err := s.layerStore.Format(); err != nil {
		return failed(protocol.TypeFormatStorage, "%v", err), false
	}
	return ok(nil), false
}

func (s *Server) handleStorageStatus() (protocol.Response, bool) {
	status, err := s.layerStore.Status()
	if err != nil {
		return failed(protocol.TypeStorageStatus, "%v", err), false
	}
	return ok(status), false
}
