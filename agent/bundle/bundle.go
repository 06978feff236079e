// Package bundle builds OCI runtime bundles: a config.json conforming to
// OCI Runtime Spec 1.0.2, plus the bundle directory scaffolding the
// container runtime adapter hands to the external runtime binary.
package bundle

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/clickclack-bot/smolvm/protocol"
)

const ociVersion = "1.0.2"

// defaultCapabilities is the fixed 14-capability allow-list granted to
// every container's bounding, effective, and permitted sets.
var defaultCapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FSETID",
	"CAP_FOWNER",
	"CAP_MKNOD",
	"CAP_NET_RAW",
	"CAP_SETGID",
	"CAP_SETUID",
	"CAP_SETFCAP",
	"CAP_SETPCAP",
	"CAP_NET_BIND_SERVICE",
	"CAP_SYS_CHROOT",
	"CAP_KILL",
	"CAP_AUDIT_WRITE",
}

var defaultMaskedPaths = []string{
	"/proc/asound",
	"/proc/acpi",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
}

var defaultReadonlyPaths = []string{
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

var defaultEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/root",
	"TERM=xterm",
}

// Spec holds the inputs needed to synthesize a container's config.json.
type Spec struct {
	Command []string
	Env     map[string]string
	Workdir string
	Mounts  []protocol.MountArg
}

// Build writes config.json into bundleDir/config.json and returns the
// generated container id. rootfsPath is the overlay's merged directory,
// recorded as the bundle's relative or absolute root.
func Build(bundleDir, rootfsPath string, spec Spec) (containerID string, err error) {
	if len(spec.Command) == 0 {
		return "", fmt.Errorf("bundle: command must be non-empty")
	}

	workdir := spec.Workdir
	if workdir == "" {
		workdir = "/"
	}

	env := append([]string{}, defaultEnv...)
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	g := &specs.Spec{
		Version: ociVersion,
		Root: &specs.Root{
			Path:     rootfsPath,
			Readonly: false,
		},
		Hostname: "container",
		Process: &specs.Process{
			Terminal: false,
			User:     specs.User{UID: 0, GID: 0},
			Args:     spec.Command,
			Env:      env,
			Cwd:      workdir,
			Capabilities: &specs.LinuxCapabilities{
				Bounding:  defaultCapabilities,
				Effective: defaultCapabilities,
				Permitted: defaultCapabilities,
			},
			Rlimits: []specs.POSIXRlimit{
				{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
			},
			NoNewPrivileges: false,
		},
		Mounts: append(defaultMounts(), bindMounts(spec.Mounts)...),
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.MountNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
			},
			MaskedPaths:   defaultMaskedPaths,
			ReadonlyPaths: defaultReadonlyPaths,
			Devices:       defaultDevices(),
		},
	}

	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return "", fmt.Errorf("bundle: create bundle dir: %w", err)
	}

	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", fmt.Errorf("bundle: marshal config.json: %w", err)
	}
	configPath := filepath.Join(bundleDir, "config.json")
	if err := os.WriteFile(configPath, data, 0o644); err != nil { //nolint:gosec
		return "", fmt.Errorf("bundle: write config.json: %w", err)
	}

	return GenerateContainerID(), nil
}

func defaultMounts() []specs.Mount {
	return []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc", Options: []string{"nosuid", "noexec", "nodev"}},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
		{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
		{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue", Options: []string{"nosuid", "noexec", "nodev"}},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
		{Destination: "/sys/fs/cgroup", Type: "cgroup2", Source: "cgroup", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
	}
}

func bindMounts(mounts []protocol.MountArg) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		opts := []string{"bind", "rprivate"}
		if m.ReadOnly {
			opts = append(opts, "ro")
		}
		out = append(out, specs.Mount{
			Destination: m.GuestPath,
			Type:        "bind",
			Source:      m.HostPath,
			Options:     opts,
		})
	}
	return out
}

// devSpec is a convenience literal for a character device default.
type devSpec struct {
	path         string
	major, minor int64
}

func defaultDevices() []specs.LinuxDevice {
	specsList := []devSpec{
		{"/dev/null", 1, 3},
		{"/dev/zero", 1, 5},
		{"/dev/full", 1, 7},
		{"/dev/random", 1, 8},
		{"/dev/urandom", 1, 9},
		{"/dev/tty", 5, 0},
	}
	mode := os.FileMode(0o666)
	out := make([]specs.LinuxDevice, 0, len(specsList))
	for _, d := range specsList {
		out = append(out, specs.LinuxDevice{
			Path:     d.path,
			Type:     "c",
			Major:    d.major,
			Minor:    d.minor,
			FileMode: &mode,
		})
	}
	return out
}

// GenerateContainerID derives a container id from a nanosecond timestamp
// XORed with 32 random bits; if reading randomness fails, it falls back to
// the process id XORed with the timestamp's upper bits.
func GenerateContainerID() string {
	ts := uint64(time.Now().UnixNano())

	var randBits uint32
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err == nil {
		randBits = binary.BigEndian.Uint32(buf[:])
	} else {
		randBits = uint32(os.Getpid()) ^ uint32(ts>>32)
	}

	id := ts ^ uint64(randBits)
	return fmt.Sprintf("smolvm-%016x", id)
}
