package layerstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/clickclack-bot/smolvm/types"
)

// Status reads filesystem statvfs for total/used bytes and counts cached
// layers and manifests.
func (s *Store) Status() (types.StorageStatus, error) {
	var statfs unix.Statfs_t
	if err := unix.Statfs(s.root, &statfs); err != nil {
		return types.StorageStatus{}, fmt.Errorf("layerstore: statfs %s: %w", s.root, err)
	}

	total := int64(statfs.Blocks) * int64(statfs.Bsize) //nolint:unconvert
	free := int64(statfs.Bfree) * int64(statfs.Bsize)   //nolint:unconvert
	used := total - free

	layerEntries, err := os.ReadDir(LayersDir(s.root))
	if err != nil {
		return types.StorageStatus{}, fmt.Errorf("layerstore: list layers: %w", err)
	}
	layerCount := 0
	for _, e := range layerEntries {
		if e.IsDir() {
			layerCount++
		}
	}

	s.cacheMu.RLock()
	imageCount := len(s.manifests)
	s.cacheMu.RUnlock()

	return types.StorageStatus{
		TotalBytes: total,
		UsedBytes:  used,
		LayerCount: layerCount,
		ImageCount: imageCount,
	}, nil
}
