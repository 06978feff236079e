// Command smolvm-agent is the guest-side init: it mounts the storage disk,
// opens the layer store, overlay manager, and OCI runtime adapter, then
// serves the control protocol over vsock (4.A-4.H).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/projecteru2/core/log"
	coretypes "github.com/projecteru2/core/types"
	"golang.org/x/sys/unix"

	"github.com/clickclack-bot/smolvm/agent/layerstore"
	"github.com/clickclack-bot/smolvm/agent/ociruntime"
	"github.com/clickclack-bot/smolvm/agent/overlay"
	"github.com/clickclack-bot/smolvm/agent/server"
	"github.com/clickclack-bot/smolvm/vsockconn"
)

// agentLogConfig is the guest's fixed logging setup: the console log is the
// only diagnostic surface available once the VM is past boot, so rotation
// settings are generous rather than tuned.
var agentLogConfig = coretypes.ServerLogConfig{
	Level:      "info",
	MaxSize:    64, //nolint:mnd
	MaxAge:     7,  //nolint:mnd
	MaxBackups: 2,  //nolint:mnd
}

// Defaults for the smolvm.* kernel cmdline keys, mirroring the teacher's
// cocoon.layers=/cocoon.cow= convention for passing storage layout down to
// the guest, but naming the keys the agent actually parses itself.
const (
	defaultDevice  = "/dev/vdb"
	defaultMount   = "/storage"
	defaultPort    = vsockconn.DefaultPort
	defaultRuntime = "/usr/bin/crun"
)

type bootConfig struct {
	device      string
	mountpoint  string
	port        uint32
	runtimePath string
}

func parseBootConfig(cmdline string) bootConfig {
	cfg := bootConfig{
		device:      defaultDevice,
		mountpoint:  defaultMount,
		port:        defaultPort,
		runtimePath: defaultRuntime,
	}
	for _, field := range strings.Fields(cmdline) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "smolvm.device":
			cfg.device = value
		case "smolvm.mount":
			cfg.mountpoint = value
		case "smolvm.port":
			if port, err := strconv.ParseUint(value, 10, 32); err == nil { //nolint:mnd
				cfg.port = uint32(port)
			}
		case "smolvm.runtime":
			cfg.runtimePath = value
		}
	}
	return cfg
}

func readCmdline() (string, error) {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return "", fmt.Errorf("read /proc/cmdline: %w", err)
	}
	return string(data), nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := log.SetupLog(ctx, agentLogConfig, ""); err != nil {
		return fmt.Errorf("setup log: %w", err)
	}
	logger := log.WithFunc("smolvm-agent.main")

	cmdline, err := readCmdline()
	if err != nil {
		return err
	}
	cfg := parseBootConfig(cmdline)

	if err := os.MkdirAll(cfg.mountpoint, 0o755); err != nil { //nolint:mnd
		return fmt.Errorf("create mountpoint %s: %w", cfg.mountpoint, err)
	}
	if err := unix.Mount(cfg.device, cfg.mountpoint, "ext4", 0, ""); err != nil {
		return fmt.Errorf("mount %s at %s: %w", cfg.device, cfg.mountpoint, err)
	}
	logger.Infof(ctx, "mounted %s at %s", cfg.device, cfg.mountpoint)

	layerStore, err := layerstore.Open(cfg.mountpoint)
	if err != nil {
		return fmt.Errorf("open layer store: %w", err)
	}
	overlays, err := overlay.NewManager(layerstore.OverlaysDir(cfg.mountpoint))
	if err != nil {
		return fmt.Errorf("open overlay manager: %w", err)
	}
	if err := overlays.ReconcileOnStartup(); err != nil {
		return fmt.Errorf("reconcile overlays: %w", err)
	}
	runtime := ociruntime.New(ociruntime.Config{RuntimePath: cfg.runtimePath})

	containersDir := filepath.Join(cfg.mountpoint, "containers")
	srv, err := server.New(layerStore, overlays, runtime, containersDir)
	if err != nil {
		return fmt.Errorf("init control server: %w", err)
	}

	listener, err := vsockconn.KernelTransport{}.Listen(cfg.port)
	if err != nil {
		return fmt.Errorf("listen on vsock port %d: %w", cfg.port, err)
	}
	logger.Infof(ctx, "listening on vsock port %d", cfg.port)

	return srv.Serve(ctx, listener)
}
