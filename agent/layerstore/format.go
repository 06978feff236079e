package layerstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/clickclack-bot/smolvm/types"
)

// Format truncates and re-initializes all layer store state in place,
// for use only after unrecoverable corruption has been detected. The
// caller is responsible for unmounting and reformatting the backing disk
// before calling Format; this resets the in-memory and on-disk layer
// store state to empty once the disk is remounted.
func (s *Store) Format() error {
	s.cacheMu.Lock()
	s.manifests = make(map[string]types.ImageManifest)
	s.cacheMu.Unlock()

	s.pullMu.Lock()
	s.pulls = make(map[string]*sync.Mutex)
	s.pullMu.Unlock()

	for _, dir := range []string{LayersDir(s.root), ManifestsDir(s.root), ConfigsDir(s.root), OverlaysDir(s.root), TrashDir(s.root)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("layerstore: remove %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("layerstore: recreate %s: %w", dir, err)
		}
	}
	return nil
}
