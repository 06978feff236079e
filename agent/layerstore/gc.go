package layerstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// referencedDigests recomputes, from the in-memory manifest cache, the set
// of layer digests currently reachable from any cached manifest. Refcounts
// are never persisted (resolved as recompute-on-boot): this is the single
// source of truth, rebuilt on demand the same way on every call.
func (s *Store) referencedDigests() map[string]struct{} {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	ref := make(map[string]struct{})
	for _, m := range s.manifests {
		for _, d := range m.Layers {
			ref[d] = struct{}{}
		}
	}
	return ref
}

// liveOverlayBaseDigests reports which layer digests are pinned by a live
// OverlayInstance even if no manifest references them (e.g. a manifest was
// evicted from the cache but its overlay is still mounted).
func (s *Store) liveOverlayBaseDigests(liveOverlays []string) map[string]struct{} {
	pinned := make(map[string]struct{}, len(liveOverlays))
	for _, d := range liveOverlays {
		pinned[d] = struct{}{}
	}
	return pinned
}

// GarbageCollect deletes every layer directory whose digest is unreferenced
// by any cached manifest and unpinned by any live overlay. dryRun reports
// the bytes that would be freed without mutating anything. Deletion goes
// through a trash-rename first so a crash mid-sweep leaves no half-removed
// layer directory; sweepTrash finishes the job on next Open.
func (s *Store) GarbageCollect(dryRun bool, liveOverlayBaseDigests []string) (freedBytes int64, err error) {
	s.LockGC()
	defer s.UnlockGC()

	referenced := s.referencedDigests()
	pinned := s.liveOverlayBaseDigests(liveOverlayBaseDigests)

	entries, err := os.ReadDir(LayersDir(s.root))
	if err != nil {
		return 0, fmt.Errorf("layerstore: list layers: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".staging-") {
			continue
		}
		digest := e.Name()
		if _, ok := referenced[digest]; ok {
			continue
		}
		if _, ok := pinned[digest]; ok {
			continue
		}

		size, sizeErr := dirSize(s.layerDir(digest))
		if sizeErr != nil {
			return freedBytes, fmt.Errorf("layerstore: size layer %s: %w", digest, sizeErr)
		}
		freedBytes += size

		if dryRun {
			continue
		}
		if err := s.trashLayer(digest); err != nil {
			return freedBytes, fmt.Errorf("layerstore: trash layer %s: %w", digest, err)
		}
	}

	return freedBytes, nil
}

func (s *Store) trashLayer(digest string) error {
	trashPath := filepath.Join(TrashDir(s.root), fmt.Sprintf("%s-%d", digest, time.Now().UnixNano()))
	if err := os.Rename(s.layerDir(digest), trashPath); err != nil {
		return fmt.Errorf("rename to trash: %w", err)
	}
	return os.RemoveAll(trashPath)
}

// sweepTrash removes any entries left in the trash directory by a process
// that crashed between the rename and the recursive remove.
func sweepTrash(root string) error {
	entries, err := os.ReadDir(TrashDir(root))
	if err != nil {
		return fmt.Errorf("list trash: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(TrashDir(root), e.Name())); err != nil {
			return fmt.Errorf("remove orphan trash entry %s: %w", e.Name(), err)
		}
	}
	return nil
}

func dirSize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
