package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	coretypes "github.com/projecteru2/core/types"

	"github.com/clickclack-bot/smolvm/vsockconn"
)

// DefaultVMName is the well-known name for the unnamed default VM. Kept in
// sync with supervisor.DefaultVMName by convention, not by import, since
// config has no business depending on the package it configures.
const DefaultVMName = "default"

// Config holds global smolvmd configuration, bound from flags/env/config
// file by cmd/smolvmd's cobra+viper wiring (see cmd/root.go).
type Config struct {
	// DataDir is the root under which per-VM directories live:
	// <data-dir>/vms/<name>/, with the default VM directly at <data-dir>/.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	// RunDir and LogDir are bound the way the teacher binds them, for an
	// operator who wants logs split onto a different volume; the
	// supervisor itself keeps everything under a VM's own directory.
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	LogDir string `json:"log_dir" mapstructure:"log_dir"`

	// PoolSize is a goroutine pool size setting. Defaults to
	// runtime.NumCPU(); no code path in this repository reads it.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`

	// HypervisorBinary is the path to the hypervisor executable forked for
	// each VM start.
	HypervisorBinary string `json:"hypervisor_binary" mapstructure:"hypervisor_binary"`
	// ControlPort is the vsock port the guest agent listens on.
	ControlPort uint32 `json:"control_port" mapstructure:"control_port"`
	// StorageDiskSizeBytes sizes a freshly allocated storage disk.
	StorageDiskSizeBytes int64 `json:"storage_disk_size_bytes" mapstructure:"storage_disk_size_bytes"`
	// StorageTemplatePaths are searched, in order, for a pre-formatted
	// ext4 template before falling back to formatting from scratch.
	StorageTemplatePaths []string `json:"storage_template_paths" mapstructure:"storage_template_paths"`

	// StartTimeoutSeconds bounds the supervisor's whole start sequence.
	StartTimeoutSeconds int `json:"start_timeout_seconds" mapstructure:"start_timeout_seconds"`
	// StopGracePeriodSeconds bounds the SIGTERM-to-SIGKILL escalation
	// window on stop.
	StopGracePeriodSeconds int `json:"stop_grace_period_seconds" mapstructure:"stop_grace_period_seconds"`

	// DefaultCPUs, DefaultMemMiB, and DefaultDNS are the single global
	// config namespace spec.md's record store section mentions alongside
	// the VmRecord rows themselves.
	DefaultCPUs   int    `json:"default_cpus" mapstructure:"default_cpus"`
	DefaultMemMiB int64  `json:"default_mem_mib" mapstructure:"default_mem_mib"`
	DefaultDNS    string `json:"default_dns" mapstructure:"default_dns"`
}

const (
	defaultStorageDiskSizeBytes = 10 << 30 // 10 GiB
	defaultStartTimeoutSeconds  = 30
	defaultStopGraceSeconds     = 5
	defaultCPUs                 = 2
	defaultMemMiB               = 1024
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "/var/lib/smolvm",
		PoolSize: runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500, //nolint:mnd
			MaxAge:     28,  //nolint:mnd
			MaxBackups: 3,   //nolint:mnd
		},
		ControlPort:            vsockconn.DefaultPort,
		StorageDiskSizeBytes:   defaultStorageDiskSizeBytes,
		StartTimeoutSeconds:    defaultStartTimeoutSeconds,
		StopGracePeriodSeconds: defaultStopGraceSeconds,
		DefaultCPUs:            defaultCPUs,
		DefaultMemMiB:          defaultMemMiB,
	}
}

// LoadConfig loads configuration from file, falling back to defaults. Kept
// alongside the viper-based binding in cmd/root.go for callers that embed
// this package directly rather than going through the CLI.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return EnsureDirs(cfg)
}

// EnsureDirs fills in zero-valued DataDir, PoolSize, ControlPort,
// StorageDiskSizeBytes, StartTimeoutSeconds and StopGracePeriodSeconds
// with their defaults (other fields are left as they are) and creates
// DataDir and the record store's directory. Called once, from
// cmd/root.go's PersistentPreRunE, after viper has unmarshalled
// flags/env/file on top of DefaultConfig.
func EnsureDirs(conf *Config) (*Config, error) {
	if conf.DataDir == "" {
		conf.DataDir = DefaultConfig().DataDir
	}
	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	if conf.ControlPort == 0 {
		conf.ControlPort = vsockconn.DefaultPort
	}
	if conf.StorageDiskSizeBytes == 0 {
		conf.StorageDiskSizeBytes = defaultStorageDiskSizeBytes
	}
	if conf.StartTimeoutSeconds <= 0 {
		conf.StartTimeoutSeconds = defaultStartTimeoutSeconds
	}
	if conf.StopGracePeriodSeconds <= 0 {
		conf.StopGracePeriodSeconds = defaultStopGraceSeconds
	}
	if err := os.MkdirAll(conf.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", conf.DataDir, err)
	}
	if err := os.MkdirAll(conf.serverDir(), 0o750); err != nil {
		return nil, fmt.Errorf("create server dir %s: %w", conf.serverDir(), err)
	}
	return conf, nil
}

// VMDir returns the per-VM directory; the default VM lives directly at
// DataDir, named VMs live under DataDir/vms/<name> — the exact scheme
// supervisor.Supervisor.VMDir implements independently (the two must agree
// since both the supervisor and the CLI address the same files on disk).
func (c *Config) VMDir(name string) string {
	if name == "" || name == DefaultVMName {
		return c.DataDir
	}
	return filepath.Join(c.DataDir, "vms", name)
}

func (c *Config) StorageDiskPath(name string) string {
	return filepath.Join(c.VMDir(name), "storage.raw")
}

func (c *Config) StorageFormattedMarker(name string) string {
	return c.StorageDiskPath(name) + ".formatted"
}

func (c *Config) OverlayDiskPath(name string) string {
	return filepath.Join(c.VMDir(name), "overlay.raw")
}

func (c *Config) ConsoleLogPath(name string) string {
	return filepath.Join(c.VMDir(name), "console.log")
}

func (c *Config) ControlSocketPath(name string) string {
	return filepath.Join(c.VMDir(name), "control.sock")
}

func (c *Config) serverDir() string { return filepath.Join(c.DataDir, "server") }

// RecordStoreFile and RecordStoreLock are the VM record store paths (4.L).
func (c *Config) RecordStoreFile() string { return filepath.Join(c.serverDir(), "vms.json") }
func (c *Config) RecordStoreLock() string { return filepath.Join(c.serverDir(), "vms.lock") }
