// Package overlay assembles per-workload overlayfs mounts on top of the
// layer store's content-addressed layers and owns the lifecycle of the
// per-workload directory tree (upper, work, merged, bundle).
package overlay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/clickclack-bot/smolvm/types"
)

// ErrAlreadyExists is returned by Prepare when a workload id already has a
// live overlay; idempotency is the client's responsibility, not ours.
var ErrAlreadyExists = errors.New("overlay: workload already has a live overlay")

// ErrNotFound is returned by Cleanup when the workload id has no live overlay.
var ErrNotFound = errors.New("overlay: workload not found")

// Manager tracks live OverlayInstance records and owns their mount
// lifecycle. The set of overlays on disk is kept equal to the set tracked
// in memory; ReconcileOnStartup removes any directory-tree orphans left by
// a prior crash.
type Manager struct {
	root string // <storage-root>/overlays

	mu        sync.Mutex
	instances map[string]types.OverlayInstance
}

// NewManager returns a Manager rooted at root (typically layerstore.OverlaysDir(storageRoot)).
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("overlay: create overlays root: %w", err)
	}
	return &Manager{root: root, instances: make(map[string]types.OverlayInstance)}, nil
}

func (m *Manager) workloadDir(workloadID string) string {
	return filepath.Join(m.root, workloadID)
}

// ReconcileOnStartup removes any on-disk workload directories that have no
// corresponding in-memory instance record (the record store is volatile
// across guest reboots, so on a fresh boot every on-disk overlay is an
// orphan by definition; this also covers a clean rebuild after a crash
// mid-Prepare).
func (m *Manager) ReconcileOnStartup() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("overlay: list overlays root: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := m.instances[e.Name()]; ok {
			continue
		}
		if err := removeOrphan(m.workloadDir(e.Name())); err != nil {
			return fmt.Errorf("overlay: remove orphan %s: %w", e.Name(), err)
		}
	}
	return nil
}

func removeOrphan(dir string) error {
	mergedDir := filepath.Join(dir, "merged")
	_ = unix.Unmount(mergedDir, unix.MNT_DETACH)
	return os.RemoveAll(dir)
}

// Prepare scaffolds the per-workload directory tree and mounts a single
// combined overlayfs over layerDirs (base image's ordered layer
// directories, base layer first). baseDigest is the resolved base image's
// manifest digest, recorded on the instance so the garbage collector can
// pin every layer reachable from it.
func (m *Manager) Prepare(workloadID, baseDigest string, layerDirs []string) (types.OverlayInfo, error) {
	m.mu.Lock()
	if _, exists := m.instances[workloadID]; exists {
		m.mu.Unlock()
		return types.OverlayInfo{}, ErrAlreadyExists
	}
	m.mu.Unlock()

	dir := m.workloadDir(workloadID)
	if _, err := os.Stat(dir); err == nil {
		return types.OverlayInfo{}, ErrAlreadyExists
	}

	upper := filepath.Join(dir, "upper")
	work := filepath.Join(dir, "work")
	merged := filepath.Join(dir, "merged")
	bundle := filepath.Join(dir, "bundle")

	for _, d := range []string{upper, work, merged, bundle} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return types.OverlayInfo{}, fmt.Errorf("overlay: create %s: %w", d, err)
		}
	}

	if err := mountOverlay(layerDirs, upper, work, merged); err != nil {
		_ = os.RemoveAll(dir)
		return types.OverlayInfo{}, fmt.Errorf("overlay: mount: %w", err)
	}

	inst := types.OverlayInstance{
		WorkloadID: workloadID,
		BaseDigest: baseDigest,
		UpperDir:   upper,
		WorkDir:    work,
		MergedDir:  merged,
		BundleDir:  bundle,
	}

	m.mu.Lock()
	m.instances[workloadID] = inst
	m.mu.Unlock()

	layers := make([]string, len(layerDirs))
	for i, d := range layerDirs {
		layers[i] = filepath.Base(d)
	}
	return types.OverlayInfo{MergedPath: merged, BundlePath: bundle, Layers: layers}, nil
}

// mountOverlay performs a single combined-lowerdir overlay mount. Per the
// kernel's overlayfs convention, lowerdirs are listed lowest-precedence
// last, i.e. the base layer appears last in the colon-separated list.
func mountOverlay(layerDirsBaseFirst []string, upper, work, merged string) error {
	if len(layerDirsBaseFirst) == 0 {
		return fmt.Errorf("no layers to mount")
	}
	reversed := make([]string, len(layerDirsBaseFirst))
	for i, d := range layerDirsBaseFirst {
		reversed[len(reversed)-1-i] = d
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(reversed, ":"), upper, work)
	if err := unix.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mount(overlay, %s): %w", merged, err)
	}
	return nil
}

// Cleanup unmounts merged (retrying lazily on EBUSY) and removes the
// per-workload directory tree.
func (m *Manager) Cleanup(workloadID string) error {
	m.mu.Lock()
	inst, ok := m.instances[workloadID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := unmountWithRetry(inst.MergedDir); err != nil {
		return fmt.Errorf("overlay: unmount %s: %w", inst.MergedDir, err)
	}
	if err := os.RemoveAll(m.workloadDir(workloadID)); err != nil {
		return fmt.Errorf("overlay: remove workload dir: %w", err)
	}

	m.mu.Lock()
	delete(m.instances, workloadID)
	m.mu.Unlock()
	return nil
}

func unmountWithRetry(path string) error {
	err := unix.Unmount(path, 0)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EBUSY) {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	if err := unix.Unmount(path, 0); err == nil {
		return nil
	}
	return unix.Unmount(path, unix.MNT_DETACH)
}

// Get returns the live instance for workloadID, if any.
func (m *Manager) Get(workloadID string) (types.OverlayInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[workloadID]
	return inst, ok
}

// LiveBaseDigests returns the base image digest of every live overlay. The
// caller resolves each base digest to its full layer set via the layer
// store's manifest cache before handing the result to GarbageCollect as
// the pin set.
func (m *Manager) LiveBaseDigests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.instances))
	for _, inst := range m.instances {
		if inst.BaseDigest != "" {
			out = append(out, inst.BaseDigest)
		}
	}
	return out
}
