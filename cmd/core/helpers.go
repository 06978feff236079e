// Package core provides shared config/client/supervisor wiring for the
// cmd/vm, cmd/images, and cmd/others command handlers.
package core

import (
	"context"
	"fmt"
	"hash/fnv"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/clickclack-bot/smolvm/client"
	"github.com/clickclack-bot/smolvm/config"
	"github.com/clickclack-bot/smolvm/recordstore"
	"github.com/clickclack-bot/smolvm/supervisor"
	"github.com/clickclack-bot/smolvm/vsockconn"
)

// minCID is the first vsock context id handed out to a VM. 0-2 are reserved
// (hypervisor, local, host); smolvmd starts past them to stay out of the
// way of any other vsock consumer on the same host.
const minCID = 3

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// RecordStore builds the durable VM record store (4.L) rooted at conf's
// data dir.
func RecordStore(conf *config.Config) *recordstore.Store {
	return recordstore.New(conf.RecordStoreLock(), conf.RecordStoreFile())
}

// Supervisor builds a host VM supervisor (4.J) wired with conf's paths and
// the real kernel vsock transport.
func Supervisor(conf *config.Config) (*supervisor.Supervisor, error) {
	return supervisor.New(supervisor.Config{
		DataDir:              conf.DataDir,
		HypervisorBinary:     conf.HypervisorBinary,
		StorageDiskSizeBytes: conf.StorageDiskSizeBytes,
		StorageTemplatePaths: conf.StorageTemplatePaths,
		Transport:            vsockconn.KernelTransport{},
		ControlPort:          conf.ControlPort,
		Store:                RecordStore(conf),
	})
}

// CID derives a stable vsock context id from a VM name. VmRecord has no
// persisted CID field (the spec's data model doesn't carry one), so the CLI
// recomputes it deterministically on every invocation rather than storing
// it — the same name always yields the same CID, which is all the
// supervisor's launch/dial paths need.
func CID(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return minCID + h.Sum32()%(1<<20) //nolint:mnd
}

// DialClient connects to name's running agent. Callers are responsible for
// closing the returned Client.
func DialClient(ctx context.Context, conf *config.Config, name string) (*client.Client, error) {
	return client.Dial(ctx, vsockconn.KernelTransport{}, CID(name), conf.ControlPort)
}

// FormatSize renders bytes the way ps/storage-status output does.
func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}
