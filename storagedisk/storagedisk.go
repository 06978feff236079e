// Package storagedisk manages the guest's ext4-formatted sparse raw disk
// image: allocation, ext4 formatting via a template or an external
// formatter, corruption detection on re-open, and the on-disk version
// record.
package storagedisk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/docker/go-units"

	"github.com/clickclack-bot/smolvm/types"
)

// CurrentVersion is the highest DiskVersion.FormatVersion this build
// understands. A disk whose recorded version is higher is rejected as
// incompatible.
const CurrentVersion = 1

// ImplVersion identifies the storagedisk layout implementation that wrote
// a given version record, independent of FormatVersion.
const ImplVersion = "smolvm-storagedisk-1"

// MinSizeBytes is the minimum allowed storage disk size; zero is rejected.
const MinSizeBytes = 1 << 30 // 1 GiB

// ErrIncompatibleVersion is returned when the disk's recorded
// FormatVersion exceeds CurrentVersion.
var ErrIncompatibleVersion = errors.New("storagedisk: disk format version is newer than this build supports")

// ErrSizeTooSmall is returned when a requested disk size is below MinSizeBytes.
var ErrSizeTooSmall = errors.New("storagedisk: size must be at least 1 GiB")

// formatterSearchPaths mirrors the fixed prefix list mkfs-style external
// tools are searched under before falling back to PATH.
var formatterSearchPaths = []string{
	"/usr/sbin",
	"/sbin",
	"/usr/local/sbin",
	"/opt/homebrew/sbin",
	"/opt/homebrew/opt/e2fsprogs/sbin",
}

// Disk is a handle to a storage disk image at a stable path.
type Disk struct {
	Path         string
	SizeBytes    int64
	markerPath   string
	templatePath []string
}

// New returns a Disk handle for path, sized sizeBytes, with template
// search paths searched in order before falling back to formatting from
// scratch.
func New(path string, sizeBytes int64, templatePaths ...string) (*Disk, error) {
	if sizeBytes < MinSizeBytes {
		return nil, fmt.Errorf("%w: got %s", ErrSizeTooSmall, units.BytesSize(float64(sizeBytes)))
	}
	return &Disk{
		Path:         path,
		SizeBytes:    sizeBytes,
		markerPath:   path + ".formatted",
		templatePath: templatePaths,
	}, nil
}

// EnsureFormatted runs the three-path initialization the spec describes:
// discard a stale marker, detect and discard an unrecognized filesystem,
// then format via template copy or an external formatter as needed.
func (d *Disk) EnsureFormatted(baseDigest string) error {
	marked := d.markerExists()
	exists := d.fileExists()

	switch {
	case marked && !exists:
		// Stale marker: the backing file vanished. Discard and reformat.
		if err := os.Remove(d.markerPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("storagedisk: remove stale marker: %w", err)
		}
		marked = false
	case marked && exists:
		ok, err := d.looksLikeExt4()
		if err != nil {
			return fmt.Errorf("storagedisk: probe filesystem type: %w", err)
		}
		if !ok {
			if err := d.discard(); err != nil {
				return fmt.Errorf("storagedisk: discard corrupt disk: %w", err)
			}
			marked = false
		}
	}

	if marked && exists {
		return nil
	}

	if err := d.allocate(); err != nil {
		return fmt.Errorf("storagedisk: allocate: %w", err)
	}

	if tpl, ok := d.findTemplate(); ok {
		if err := d.formatFromTemplate(tpl); err != nil {
			return fmt.Errorf("storagedisk: format from template %s: %w", tpl, err)
		}
	} else {
		if err := d.formatExternal(); err != nil {
			return fmt.Errorf("storagedisk: format: %w", err)
		}
	}

	if err := d.writeVersion(baseDigest); err != nil {
		return fmt.Errorf("storagedisk: write version: %w", err)
	}

	if err := os.WriteFile(d.markerPath, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("storagedisk: write marker: %w", err)
	}
	return nil
}

func (d *Disk) fileExists() bool {
	_, err := os.Stat(d.Path)
	return err == nil
}

func (d *Disk) markerExists() bool {
	_, err := os.Stat(d.markerPath)
	return err == nil
}

func (d *Disk) discard() error {
	if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(d.markerPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// allocate creates a sparse file of SizeBytes via O_CREAT|O_EXCL, a seek
// to size-1, a single zero-byte write, and an fsync.
func (d *Disk) allocate() error {
	f, err := os.OpenFile(d.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create %s: %w", d.Path, err)
	}
	defer f.Close()

	if _, err := f.Seek(d.SizeBytes-1, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", d.Path, err)
	}
	if _, err := f.Write([]byte{0}); err != nil {
		return fmt.Errorf("write tail byte %s: %w", d.Path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", d.Path, err)
	}
	return nil
}

func (d *Disk) findTemplate() (string, bool) {
	for _, p := range d.templatePath {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// formatFromTemplate copies a pre-formatted template then extends the
// result to SizeBytes; the guest resizes the filesystem on boot.
func (d *Disk) formatFromTemplate(template string) error {
	src, err := os.Open(template) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open template: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(d.Path, os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open disk for template copy: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy template: %w", err)
	}
	if err := dst.Truncate(d.SizeBytes); err != nil {
		return fmt.Errorf("extend disk to %s: %w", units.BytesSize(float64(d.SizeBytes)), err)
	}
	return dst.Sync()
}

// formatExternal invokes mkfs.ext4, searching formatterSearchPaths then PATH.
func (d *Disk) formatExternal() error {
	bin, err := findFormatter()
	if err != nil {
		return err
	}
	out, err := exec.Command(bin, "-F", "-m", "0", "-q", //nolint:gosec
		"-E", "lazy_itable_init=1,lazy_journal_init=1,discard",
		d.Path,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("mkfs.ext4: %s: %w", bytes.TrimSpace(out), err)
	}
	return nil
}

func findFormatter() (string, error) {
	const name = "mkfs.ext4"
	for _, prefix := range formatterSearchPaths {
		candidate := filepath.Join(prefix, name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("storagedisk: %s not found in %v or PATH", name, formatterSearchPaths)
}

// looksLikeExt4 probes the file's superblock magic (0xEF53 at offset
// 1080) to decide whether it was ever ext-family formatted.
func (d *Disk) looksLikeExt4() (bool, error) {
	f, err := os.Open(d.Path) //nolint:gosec
	if err != nil {
		return false, err
	}
	defer f.Close()

	const (
		superblockOffset = 1024
		magicOffset      = 56 // within the superblock
		magicLE0         = 0x53
		magicLE1         = 0xEF
	)
	buf := make([]byte, 64)
	if _, err := f.ReadAt(buf, superblockOffset); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return buf[magicOffset] == magicLE0 && buf[magicOffset+1] == magicLE1, nil
}

func (d *Disk) writeVersion(baseDigest string) error {
	v := types.DiskVersion{
		FormatVersion: CurrentVersion,
		CreatedAt:     time.Now().UTC(),
		BaseDigest:    baseDigest,
		ImplVersion:   ImplVersion,
	}
	return d.WriteVersionRecord(v)
}

// versionRecordPath is where a DiskVersion is written: a sibling file next
// to the disk image on the host. Nothing is written inside the disk's
// filesystem.
func (d *Disk) versionRecordPath() string {
	return d.Path + ".version.json"
}

// WriteVersionRecord persists v at the fixed version-record path.
func (d *Disk) WriteVersionRecord(v types.DiskVersion) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal version record: %w", err)
	}
	tmp := d.versionRecordPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("write version record: %w", err)
	}
	return os.Rename(tmp, d.versionRecordPath())
}

// ReadVersionRecord loads the version record and verifies compatibility.
func (d *Disk) ReadVersionRecord() (types.DiskVersion, error) {
	var v types.DiskVersion
	data, err := os.ReadFile(d.versionRecordPath()) //nolint:gosec
	if err != nil {
		return v, fmt.Errorf("read version record: %w", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("parse version record: %w", err)
	}
	if v.FormatVersion > CurrentVersion {
		return v, fmt.Errorf("%w: disk=%d build=%d", ErrIncompatibleVersion, v.FormatVersion, CurrentVersion)
	}
	return v, nil
}
