package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/clickclack-bot/smolvm/agent/bundle"
	"github.com/clickclack-bot/smolvm/protocol"
)

// handleRun resolves args.Image's cached manifest, assembles a throwaway
// overlay + bundle for the run, spawns the runtime, and tears the overlay
// down again. The ephemeral workload id never appears on the wire: Run
// carries no workload_id of its own (unlike PrepareOverlay/CleanupOverlay),
// so each Run gets its own private rootfs independent of any overlay a
// client separately prepared for the same image.
func (s *Server) handleRun(ctx context.Context, req protocol.Request) (protocol.Response, bool) {
	var args protocol.RunArgs
	if err := req.Decode(&args); err != nil {
		return invalid("%v", err), false
	}
	if err := protocol.ValidateRunArgs(args); err != nil {
		return invalid("%v", err), false
	}

	logger := log.WithFunc("server.handleRun")

	// Held from the manifest lookup until the ephemeral overlay is mounted
	// and tracked, for the same reason as in handlePrepareOverlay.
	s.layerStore.RLockGC()
	manifest, err := s.layerStore.Manifest(args.Image)
	if err != nil {
		s.layerStore.RUnlockGC()
		return failed(protocol.TypeRun, "image %s not cached", args.Image), false
	}

	layerDirs := make([]string, len(manifest.Layers))
	for i, digest := range manifest.Layers {
		layerDirs[i] = s.layerStore.LayerPath(digest)
	}

	ephemeralID := "run-" + uuid.NewString()
	overlayInfo, err := s.overlays.Prepare(ephemeralID, manifest.Digest, layerDirs)
	s.layerStore.RUnlockGC()
	if err != nil {
		return failed(protocol.TypeRun, "prepare rootfs: %v", err), false
	}
	defer func() {
		if cleanupErr := s.overlays.Cleanup(ephemeralID); cleanupErr != nil {
			logger.Warnf(ctx, "cleanup ephemeral overlay %s: %v", ephemeralID, cleanupErr)
		}
	}()

	containerID, err := bundle.Build(overlayInfo.BundlePath, overlayInfo.MergedPath, bundle.Spec{
		Command: args.Command,
		Env:     args.Env,
		Workdir: args.Workdir,
		Mounts:  args.Mounts,
	})
	if err != nil {
		return failed(protocol.TypeRun, "build bundle: %v", err), false
	}

	startedAt := time.Now().UTC()
	if err := s.recordRunStart(containerID, args.Image, args.Command, startedAt); err != nil {
		logger.Warnf(ctx, "record run start for %s: %v", containerID, err)
	}

	var timeout time.Duration
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}

	result, err := s.runtime.Run(ctx, overlayInfo.BundlePath, containerID, timeout)
	if err != nil {
		return failed(protocol.TypeRun, "%v", err), false
	}

	finishedAt := time.Now().UTC()
	if err := s.recordRunFinish(containerID, result, startedAt, finishedAt); err != nil {
		logger.Warnf(ctx, "record run finish for %s: %v", containerID, err)
	}
	if err := s.appendRegistry(registryEntry{
		ContainerID: containerID,
		Image:       args.Image,
		ExitCode:    result.ExitCode,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
	}); err != nil {
		logger.Warnf(ctx, "append registry entry for %s: %v", containerID, err)
	}

	resp, respErr := protocol.NewResponse(protocol.RespCompleted, protocol.RunCompleted{
		ExitCode: result.ExitCode,
		Stdout:   string(result.Stdout),
		Stderr:   string(result.Stderr),
	})
	if respErr != nil {
		return invalid("%v", respErr), false
	}
	return resp, false
}
