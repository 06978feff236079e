// Package layerstore implements the guest-side content-addressed layer
// store: directory layout, manifest cache, per-reference pull
// serialization, reference-counted garbage collection, and storage status
// reporting over the ext4-formatted storage disk.
package layerstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/clickclack-bot/smolvm/types"
)

// ErrNotFound is returned by Query/CleanupOverlay-adjacent lookups when the
// requested reference or workload has no cached entry.
var ErrNotFound = errors.New("layerstore: not found")

// Store is the guest-side content-addressed layer store rooted at a
// mounted storage disk.
//
// Layout:
//
//	<root>/layers/<digest>/       extracted layer contents
//	<root>/manifests/<key>.json   cached ImageManifest, one file per reference
//	<root>/configs/<digest>.json  raw image config blob
//	<root>/overlays/<id>/...      owned by the overlay package
//	<root>/trash/<id>/            pending deletions, swept on next init
type Store struct {
	root string

	pullMu sync.Mutex
	pulls  map[string]*sync.Mutex // reference -> serialization lock

	cacheMu   sync.RWMutex
	manifests map[string]types.ImageManifest // reference -> manifest

	// gcMu serializes GarbageCollect against anything that can extract a
	// layer before it is referenced or mount one into a live overlay. Pull
	// and PrepareOverlay take it for read, so they keep running concurrently
	// with each other; GarbageCollect takes it for write, so it never scans
	// "referenced" state while a layer is mid-extract or mid-mount.
	gcMu sync.RWMutex
}

// RLockGC and RUnlockGC guard an operation that adds or pins layer
// references (Pull, PrepareOverlay) against a concurrent GarbageCollect.
func (s *Store) RLockGC()   { s.gcMu.RLock() }
func (s *Store) RUnlockGC() { s.gcMu.RUnlock() }

// LockGC and UnlockGC guard GarbageCollect itself: exclusive against every
// Pull and PrepareOverlay in flight.
func (s *Store) LockGC()   { s.gcMu.Lock() }
func (s *Store) UnlockGC() { s.gcMu.Unlock() }

// Open initializes (or reopens) a Store rooted at root, loading the
// manifest cache from disk and sweeping any orphaned trash left by a prior
// crash during garbage collection.
func Open(root string) (*Store, error) {
	for _, dir := range []string{root, LayersDir(root), ManifestsDir(root), ConfigsDir(root), OverlaysDir(root), TrashDir(root)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("layerstore: create %s: %w", dir, err)
		}
	}

	s := &Store{
		root:      root,
		pulls:     make(map[string]*sync.Mutex),
		manifests: make(map[string]types.ImageManifest),
	}

	if err := s.loadManifestCache(); err != nil {
		return nil, err
	}
	if err := sweepTrash(root); err != nil {
		return nil, fmt.Errorf("layerstore: sweep trash: %w", err)
	}
	return s, nil
}

// LayersDir, ManifestsDir, ConfigsDir, OverlaysDir, TrashDir return the
// fixed subdirectories under root.
func LayersDir(root string) string    { return filepath.Join(root, "layers") }
func ManifestsDir(root string) string { return filepath.Join(root, "manifests") }
func ConfigsDir(root string) string   { return filepath.Join(root, "configs") }
func OverlaysDir(root string) string  { return filepath.Join(root, "overlays") }
func TrashDir(root string) string     { return filepath.Join(root, "trash") }

func (s *Store) layerDir(digest string) string   { return filepath.Join(LayersDir(s.root), digest) }
func (s *Store) configPath(digest string) string { return filepath.Join(ConfigsDir(s.root), digest+".json") }
func (s *Store) manifestPath(ref string) string {
	return filepath.Join(ManifestsDir(s.root), manifestKey(ref)+".json")
}

// manifestKey derives the on-disk filename for a reference's cached
// manifest: the reference itself may contain '/' and ':' so it is keyed by
// content digest rather than escaped verbatim.
func manifestKey(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])
}

func (s *Store) loadManifestCache() error {
	entries, err := os.ReadDir(ManifestsDir(s.root))
	if err != nil {
		return fmt.Errorf("layerstore: list manifests: %w", err)
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ManifestsDir(s.root), e.Name())) //nolint:gosec
		if err != nil {
			return fmt.Errorf("layerstore: read manifest %s: %w", e.Name(), err)
		}
		var m types.ImageManifest
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("layerstore: parse manifest %s: %w", e.Name(), err)
		}
		s.manifests[m.Reference] = m
	}
	return nil
}

// refLock returns the per-reference mutex used to serialize Pull calls,
// creating it on first use. Distinct references get distinct locks so
// pulls for different images proceed in parallel.
func (s *Store) refLock(ref string) *sync.Mutex {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()
	m, ok := s.pulls[ref]
	if !ok {
		m = &sync.Mutex{}
		s.pulls[ref] = m
	}
	return m
}

func toImageInfo(m types.ImageManifest) types.ImageInfo {
	return types.ImageInfo{
		Reference:    m.Reference,
		Digest:       m.Digest,
		Size:         m.TotalSize,
		Architecture: m.Architecture,
		OS:           m.OS,
		LayerCount:   len(m.Layers),
	}
}

// Query returns the cached ImageInfo for ref, or ErrNotFound if ref has
// never been pulled (or the store has since been reset by Format).
func (s *Store) Query(ref string) (types.ImageInfo, error) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	m, ok := s.manifests[ref]
	if !ok {
		return types.ImageInfo{}, ErrNotFound
	}
	return toImageInfo(m), nil
}

// Manifest returns the cached manifest for ref, or ErrNotFound.
func (s *Store) Manifest(ref string) (types.ImageManifest, error) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	m, ok := s.manifests[ref]
	if !ok {
		return types.ImageManifest{}, ErrNotFound
	}
	return m, nil
}

// LayerPath returns the on-disk directory for an extracted layer, base
// first ordering preserved by the caller via the manifest's Layers slice.
func (s *Store) LayerPath(digest string) string {
	return s.layerDir(digest)
}

// LayersForDigest returns the ordered layer digests of the cached manifest
// whose own digest is baseDigest. Used to resolve a live overlay's pinned
// base image digest (types.OverlayInstance.BaseDigest) into the full set of
// layer digests GarbageCollect must not reclaim.
func (s *Store) LayersForDigest(baseDigest string) ([]string, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	for _, m := range s.manifests {
		if m.Digest == baseDigest {
			return m.Layers, true
		}
	}
	return nil, false
}

// ListImages enumerates all cached manifests.
func (s *Store) ListImages() []types.ImageInfo {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	out := make([]types.ImageInfo, 0, len(s.manifests))
	for _, m := range s.manifests {
		out = append(out, toImageInfo(m))
	}
	return out
}
