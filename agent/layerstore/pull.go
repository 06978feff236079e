package layerstore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/clickclack-bot/smolvm/progress"
	ociProgress "github.com/clickclack-bot/smolvm/progress/oci"
	"github.com/clickclack-bot/smolvm/types"
)

// pullTool is the external OCI image tool invoked to fetch an image into a
// local OCI Image Layout directory (index.json, oci-layout, blobs/sha256/*).
var pullTool = "crane"

// ociLayoutIndex is the subset of an OCI image-layout index.json this
// package needs: the manifest digest for the fetched image.
type ociLayoutIndex struct {
	Manifests []struct {
		Digest string `json:"digest"`
	} `json:"manifests"`
}

// ociManifest is the subset of an OCI image manifest needed to drive
// layer extraction.
type ociManifest struct {
	Config struct {
		Digest string `json:"digest"`
		Size   int64  `json:"size"`
	} `json:"config"`
	Layers []struct {
		Digest    string `json:"digest"`
		Size      int64  `json:"size"`
		MediaType string `json:"mediaType"`
	} `json:"layers"`
}

// ociConfig is the subset of an OCI image config needed for ImageInfo.
type ociConfig struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
}

func digestHex(digest string) string {
	return strings.TrimPrefix(digest, "sha256:")
}

// Pull materializes ref's layers under root and caches its manifest,
// consulting the manifest cache first so a repeat Pull for an
// already-cached reference is a no-op. Pulls for the same reference are
// serialized; distinct references proceed concurrently. tracker receives
// zero or more progress.oci.Event updates as layers are extracted; a nil
// tracker is treated as progress.Nop.
func (s *Store) Pull(ctx context.Context, ref, platform string, tracker progress.Tracker) (types.ImageInfo, error) {
	if tracker == nil {
		tracker = progress.Nop
	}

	lock := s.refLock(ref)
	lock.Lock()
	defer lock.Unlock()

	if info, err := s.Query(ref); err == nil {
		return info, nil
	}

	s.RLockGC()
	defer s.RUnlockGC()

	tmpRoot := filepath.Join(s.root, "tmp")
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return types.ImageInfo{}, fmt.Errorf("layerstore: create tmp root: %w", err)
	}
	workDir, err := os.MkdirTemp(tmpRoot, "pull-*")
	if err != nil {
		return types.ImageInfo{}, fmt.Errorf("layerstore: create pull workdir: %w", err)
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	if err := fetchOCILayout(ctx, ref, platform, workDir); err != nil {
		return types.ImageInfo{}, fmt.Errorf("layerstore: fetch %s: %w", ref, err)
	}

	manifestDigest, manifest, err := readIndexAndManifest(workDir)
	if err != nil {
		return types.ImageInfo{}, fmt.Errorf("layerstore: read fetched manifest: %w", err)
	}

	cfg, err := readConfig(workDir, manifest.Config.Digest)
	if err != nil {
		return types.ImageInfo{}, fmt.Errorf("layerstore: read fetched config: %w", err)
	}

	var totalSize int64
	for _, l := range manifest.Layers {
		totalSize += l.Size
	}

	layerDigests := make([]string, 0, len(manifest.Layers))
	var extractedSize int64
	for _, l := range manifest.Layers {
		digest := digestHex(l.Digest)
		layerDigests = append(layerDigests, digest)

		if !s.layerExists(digest) {
			if err := s.extractLayer(workDir, l.Digest, l.MediaType, digest); err != nil {
				return types.ImageInfo{}, fmt.Errorf("layerstore: extract layer %s: %w", digest, err)
			}
		}

		extractedSize += l.Size
		percent := 100.0
		if totalSize > 0 {
			percent = float64(extractedSize) / float64(totalSize) * 100
		}
		tracker.OnEvent(ociProgress.Event{
			Phase:   ociProgress.PhaseLayer,
			Percent: percent,
			Total:   totalSize,
			Layer:   digest,
		})
	}

	if err := s.commitConfig(workDir, manifest.Config.Digest); err != nil {
		return types.ImageInfo{}, fmt.Errorf("layerstore: commit config: %w", err)
	}

	m := types.ImageManifest{
		Reference:    ref,
		Digest:       manifestDigest,
		OS:           cfg.OS,
		Architecture: cfg.Architecture,
		Layers:       layerDigests,
		ConfigDigest: digestHex(manifest.Config.Digest),
		TotalSize:    totalSize,
		CachedAt:     time.Now().UTC(),
	}
	if err := s.commitManifest(m); err != nil {
		return types.ImageInfo{}, fmt.Errorf("layerstore: commit manifest: %w", err)
	}

	return toImageInfo(m), nil
}

// fetchOCILayout shells out to the external OCI image tool to produce an
// OCI Image Layout directory at dir.
func fetchOCILayout(ctx context.Context, ref, platform, dir string) error {
	args := []string{"pull", "--format=oci"}
	if platform != "" {
		args = append(args, "--platform", platform)
	}
	args = append(args, ref, dir)

	cmd := exec.CommandContext(ctx, pullTool, args...) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %s: %w", pullTool, strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

func blobPath(dir, digest string) string {
	return filepath.Join(dir, "blobs", "sha256", digestHex(digest))
}

func readIndexAndManifest(dir string) (manifestDigest string, m ociManifest, err error) {
	idxData, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		return "", m, fmt.Errorf("read index.json: %w", err)
	}
	var idx ociLayoutIndex
	if err := json.Unmarshal(idxData, &idx); err != nil {
		return "", m, fmt.Errorf("parse index.json: %w", err)
	}
	if len(idx.Manifests) == 0 {
		return "", m, fmt.Errorf("index.json has no manifest entries")
	}
	manifestDigest = idx.Manifests[0].Digest

	data, err := os.ReadFile(blobPath(dir, manifestDigest))
	if err != nil {
		return "", m, fmt.Errorf("read manifest blob: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return "", m, fmt.Errorf("parse manifest blob: %w", err)
	}
	return digestHex(manifestDigest), m, nil
}

func readConfig(dir, digest string) (ociConfig, error) {
	var cfg ociConfig
	data, err := os.ReadFile(blobPath(dir, digest))
	if err != nil {
		return cfg, fmt.Errorf("read config blob: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config blob: %w", err)
	}
	return cfg, nil
}

func (s *Store) layerExists(digest string) bool {
	fi, err := os.Stat(s.layerDir(digest))
	return err == nil && fi.IsDir()
}

// extractLayer extracts one layer tarball into a temp directory inside the
// disk, then atomically renames it into place. A failed extraction leaves
// no partial /layers/<digest> directory: all work happens in the temp
// staging directory first.
func (s *Store) extractLayer(srcDir, blobDigest, mediaType, digest string) error {
	staging, err := os.MkdirTemp(LayersDir(s.root), ".staging-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging) //nolint:errcheck

	f, err := os.Open(blobPath(srcDir, blobDigest)) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open layer blob: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.Contains(mediaType, "gzip") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip layer: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	if err := extractTar(r, staging); err != nil {
		return fmt.Errorf("extract tar: %w", err)
	}

	return os.Rename(staging, s.layerDir(digest))
}

// extractTar extracts a tar stream into dest, stripping OCI whiteout
// entries (".wh." prefix) rather than writing device-node whiteout files,
// since this layer store builds overlay lowerdirs from plain directories
// rather than real overlayfs upper-layer semantics at extraction time.
func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}
		base := filepath.Base(name)

		if base == ".wh..wh..opq" {
			// Opaque-directory marker: the directory itself is recreated
			// below; no entry to write.
			continue
		}
		if strings.HasPrefix(base, ".wh.") {
			// Whiteout: the corresponding path in lower layers is masked.
			// Since this layer is itself a lower layer once extracted, we
			// simply don't materialize a node for the whiteout marker.
			continue
		}

		target := filepath.Join(dest, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777)) //nolint:gosec
			if err != nil {
				return err
			}
			if _, err := io.CopyN(out, tr, hdr.Size); err != nil && err != io.EOF {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// Device nodes, fifos, etc: not needed for rootfs assembly.
		}
	}
}

func (s *Store) commitConfig(srcDir, blobDigest string) error {
	data, err := os.ReadFile(blobPath(srcDir, blobDigest))
	if err != nil {
		return fmt.Errorf("read config blob: %w", err)
	}
	dst := s.configPath(digestHex(blobDigest))
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec
		return err
	}
	return os.Rename(tmp, dst)
}

func (s *Store) commitManifest(m types.ImageManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	dst := s.manifestPath(m.Reference)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.manifests[m.Reference] = m
	s.cacheMu.Unlock()
	return nil
}
