// Package supervisor owns the host-side lifecycle of a microVM: forking its
// hypervisor child process, verifying the child's identity strictly enough
// to survive PID reuse, and reconciling a durable VmRecord with what is
// actually running on the host.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/clickclack-bot/smolvm/process"
	"github.com/clickclack-bot/smolvm/storagedisk"
	"github.com/clickclack-bot/smolvm/types"
	"github.com/clickclack-bot/smolvm/vsockconn"
)

// DefaultVMName is the well-known name for the unnamed default VM, which
// lives directly under Config.DataDir rather than under a vms/<name> subtree.
const DefaultVMName = "default"

// ErrAlreadyRunning is returned by Start when name is already running with a
// matching configuration — Start is then a no-op rather than an error to the
// caller, but the sentinel lets callers distinguish a true no-op from a fresh
// launch when they care.
var ErrAlreadyRunning = errors.New("supervisor: VM already running")

// ErrNotRunning is returned by Stop when name has no live entry.
var ErrNotRunning = errors.New("supervisor: VM not running")

// RecordStore is the subset of the VM record store (4.L) the supervisor
// depends on: insert-fails-if-exists, get, update-by-closure, remove, list.
// recordstore.Store implements this interface; it is declared here, at the
// consumer, so the two packages don't need to import one another.
type RecordStore interface {
	Insert(ctx context.Context, rec types.VmRecord) error
	Get(ctx context.Context, name string) (types.VmRecord, error)
	Update(ctx context.Context, name string, fn func(*types.VmRecord) error) error
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) ([]types.VmRecord, error)
}

// ArgsBuilder renders a LaunchSpec into the hypervisor binary's CLI
// arguments. The exact flag shape is hypervisor-specific (spec's own open
// questions abstract the block-disk-attachment and network mechanisms away
// from this layer), so callers may supply their own; DefaultArgsBuilder
// covers the common case of a single binary taking flag/value pairs.
type ArgsBuilder func(spec LaunchSpec) []string

// LaunchSpec is everything the forked hypervisor child needs to boot the
// guest and make its control channel reachable. The control channel itself
// is plain kernel AF_VSOCK (cid, port) — no rendezvous socket path is
// involved, so nothing in LaunchSpec names one; DialRetry's own connect
// backoff is what stands in for polling.
type LaunchSpec struct {
	VMName      string
	StorageDisk string
	LayerDir    string
	ConsoleLog  string
	CID         uint32
	Mounts      []types.HostMount
	Ports       []types.PortMapping
	Resources   types.VmResources
}

// DefaultArgsBuilder produces a plain, greppable flag/value argument list.
func DefaultArgsBuilder(spec LaunchSpec) []string {
	args := []string{
		"--storage-disk", spec.StorageDisk,
		"--cid", fmt.Sprintf("%d", spec.CID),
		"--cpus", fmt.Sprintf("%d", spec.Resources.CPUs),
		"--mem-mib", fmt.Sprintf("%d", spec.Resources.MemMiB),
	}
	if spec.LayerDir != "" {
		args = append(args, "--layer-dir", spec.LayerDir)
	}
	for _, m := range spec.Mounts {
		ro := "rw"
		if m.ReadOnly {
			ro = "ro"
		}
		args = append(args, "--mount", fmt.Sprintf("%s:%s:%s", m.HostPath, m.GuestPath, ro))
	}
	for _, p := range spec.Ports {
		args = append(args, "--port", fmt.Sprintf("%d:%d", p.HostPort, p.GuestPort))
	}
	if spec.Resources.Network {
		args = append(args, "--network")
	}
	return args
}

// Config configures a Supervisor.
type Config struct {
	// DataDir is the root under which per-VM directories are created, e.g.
	// <data-dir>/smolvm. The default VM lives directly at DataDir; named VMs
	// live at DataDir/vms/<name>.
	DataDir string
	// HypervisorBinary is the path to the hypervisor executable forked for
	// each VM start.
	HypervisorBinary string
	// ArgsBuilder renders a LaunchSpec into CLI args; DefaultArgsBuilder is
	// used when nil.
	ArgsBuilder ArgsBuilder
	// StorageDiskSizeBytes sizes a freshly allocated storage disk.
	StorageDiskSizeBytes int64
	// StorageTemplatePaths are searched, in order, for a pre-formatted
	// template before falling back to formatting from scratch.
	StorageTemplatePaths []string
	// Transport is the vsock abstraction used to dial the control channel
	// for the post-launch Ping handshake; vsockconn.KernelTransport{} in
	// production.
	Transport vsockconn.Transport
	// ControlPort is the vsock port the guest agent listens on; zero uses
	// vsockconn.DefaultPort.
	ControlPort uint32
	// Store is the durable VM record backing store (4.L).
	Store RecordStore
	// StartTimeout bounds the whole start sequence (steps 1-6); zero uses
	// DefaultStartTimeout.
	StartTimeout time.Duration
	// StopGracePeriod bounds the SIGTERM-to-SIGKILL escalation window on
	// stop; zero uses DefaultStopGracePeriod.
	StopGracePeriod time.Duration
}

const (
	DefaultStartTimeout    = 30 * time.Second
	DefaultStopGracePeriod = 5 * time.Second
)

func (c Config) argsBuilder() ArgsBuilder {
	if c.ArgsBuilder != nil {
		return c.ArgsBuilder
	}
	return DefaultArgsBuilder
}

func (c Config) startTimeout() time.Duration {
	if c.StartTimeout > 0 {
		return c.StartTimeout
	}
	return DefaultStartTimeout
}

func (c Config) stopGracePeriod() time.Duration {
	if c.StopGracePeriod > 0 {
		return c.StopGracePeriod
	}
	return DefaultStopGracePeriod
}

func (c Config) controlPort() uint32 {
	if c.ControlPort > 0 {
		return c.ControlPort
	}
	return vsockconn.DefaultPort
}

// entry is the in-memory bookkeeping for one live VM: its own lock serializes
// Start/Stop against each other for that name, independent of every other
// entry, per the spec's "never hold the registry lock across a Start or
// Stop" rule.
type entry struct {
	mu    sync.Mutex
	guard *Guard
}

// Supervisor owns the registry of live VMs and the paths/process primitives
// needed to start and stop them.
type Supervisor struct {
	cfg Config

	registryMu sync.RWMutex
	entries    map[string]*entry
}

// New returns a Supervisor. cfg.Transport and cfg.Store must be set.
func New(cfg Config) (*Supervisor, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("supervisor: DataDir must be set")
	}
	if cfg.HypervisorBinary == "" {
		return nil, fmt.Errorf("supervisor: HypervisorBinary must be set")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("supervisor: Transport must be set")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("supervisor: Store must be set")
	}
	return &Supervisor{cfg: cfg, entries: make(map[string]*entry)}, nil
}

// VMDir returns the per-VM directory; the default VM lives at DataDir
// itself, matching the spec's "default VM uses <data-dir>/smolvm/" rule.
func (s *Supervisor) VMDir(name string) string {
	if name == DefaultVMName || name == "" {
		return s.cfg.DataDir
	}
	return filepath.Join(s.cfg.DataDir, "vms", name)
}

func (s *Supervisor) storageDiskPath(name string) string {
	return filepath.Join(s.VMDir(name), "storage.raw")
}

func (s *Supervisor) consoleLogPath(name string) string {
	return filepath.Join(s.VMDir(name), "console.log")
}

// invocationDir allocates a uniquely-named directory inside the VM's stable
// parent so concurrent packed invocations sharing the same checksummed
// config never collide on socket or storage paths.
func (s *Supervisor) invocationDir(name string) (string, error) {
	parent := filepath.Join(s.VMDir(name), "run")
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("supervisor: create %s: %w", parent, err)
	}
	dir := filepath.Join(parent, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("supervisor: create %s: %w", dir, err)
	}
	return dir, nil
}

// getOrCreateEntry returns the bookkeeping entry for name, registering it
// under the registry write lock only for the instant it takes to install
// the map entry — never across the Start/Stop it then guards.
func (s *Supervisor) getOrCreateEntry(name string) *entry {
	s.registryMu.RLock()
	e, ok := s.entries[name]
	s.registryMu.RUnlock()
	if ok {
		return e
	}

	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	if e, ok := s.entries[name]; ok {
		return e
	}
	e = &entry{}
	s.entries[name] = e
	return e
}

// StartSpec describes the VM configuration a caller wants running.
type StartSpec struct {
	Name       string
	CID        uint32
	LayerDir   string
	Mounts     []types.HostMount
	Ports      []types.PortMapping
	Resources  types.VmResources
	BaseDigest string // storage disk version-record tag, e.g. the pinned base image digest
}

// Start ensures spec.Name is running with exactly spec's configuration,
// following the spec's six-step start sequence. If the VM is already running
// with an identical configuration, Start is a no-op and returns
// ErrAlreadyRunning alongside the live Guard (not an error condition for
// callers that just want "make sure it's up"). If it's running with a
// different configuration, Start stops it first (reconfiguration-requires-restart).
func (s *Supervisor) Start(ctx context.Context, spec StartSpec) (*Guard, error) {
	if spec.Name == "" {
		spec.Name = DefaultVMName
	}
	e := s.getOrCreateEntry(spec.Name)
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := log.WithFunc("supervisor.Start")

	if e.guard != nil && !e.guard.closed() {
		if e.guard.matches(spec.Mounts, spec.Resources) {
			return e.guard, ErrAlreadyRunning
		}
		logger.Infof(ctx, "reconfiguring VM %s: stopping before restart", spec.Name)
		if err := s.stopLocked(ctx, e); err != nil {
			return nil, fmt.Errorf("supervisor: stop %s for reconfiguration: %w", spec.Name, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.startTimeout())
	defer cancel()

	if err := os.MkdirAll(s.VMDir(spec.Name), 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create VM directory: %w", err)
	}

	// Step 1: ensure storage disk is formatted.
	disk, err := storagedisk.New(s.storageDiskPath(spec.Name), s.cfg.StorageDiskSizeBytes, s.cfg.StorageTemplatePaths...)
	if err != nil {
		return nil, fmt.Errorf("supervisor: storage disk config: %w", err)
	}
	if err := disk.EnsureFormatted(spec.BaseDigest); err != nil {
		return nil, fmt.Errorf("supervisor: format storage disk: %w", err)
	}

	// Step 2: per-invocation runtime directory, isolating packed invocations
	// of the same VM name from one another.
	runtimeDir, err := s.invocationDir(spec.Name)
	if err != nil {
		return nil, err
	}

	launchSpec := LaunchSpec{
		VMName:      spec.Name,
		StorageDisk: disk.Path,
		LayerDir:    spec.LayerDir,
		ConsoleLog:  s.consoleLogPath(spec.Name),
		CID:         spec.CID,
		Mounts:      spec.Mounts,
		Ports:       spec.Ports,
		Resources:   spec.Resources,
	}

	// Steps 3-6: fork, capture identity, wait for control channel.
	launched, err := s.launch(ctx, launchSpec)
	if err != nil {
		_ = os.RemoveAll(runtimeDir)
		return nil, err
	}

	now := time.Now().UTC()
	rec := types.VmRecord{
		Name:       spec.Name,
		CreatedAt:  now,
		State:      types.VMStateRunning,
		PID:        &launched.pid,
		StartToken: uint64(launched.startToken),
		Resources:  spec.Resources,
		Mounts:     spec.Mounts,
		Ports:      spec.Ports,
	}
	if err := s.persistStart(ctx, rec); err != nil {
		_ = terminateAndReap(context.Background(), launched.pid, s.cfg.stopGracePeriod())
		_ = os.RemoveAll(runtimeDir)
		return nil, fmt.Errorf("supervisor: persist start: %w", err)
	}

	g := &Guard{
		sup:        s,
		name:       spec.Name,
		pid:        launched.pid,
		cid:        spec.CID,
		startToken: launched.startToken,
		runtimeDir: runtimeDir,
		mounts:     spec.Mounts,
		resources:  spec.Resources,
	}
	e.guard = g
	return g, nil
}

// persistStart inserts a fresh record, or updates an existing one in place
// (the VM name was previously stopped, so its record already exists).
func (s *Supervisor) persistStart(ctx context.Context, rec types.VmRecord) error {
	if err := s.cfg.Store.Insert(ctx, rec); err != nil {
		return s.cfg.Store.Update(ctx, rec.Name, func(r *types.VmRecord) error {
			*r = rec
			return nil
		})
	}
	return nil
}

// Stop stops name's VM if running: best-effort Shutdown over the control
// channel, then strict graceful-then-forceful termination of the child, then
// removal of the runtime directory — only after the child has exited.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	if name == "" {
		name = DefaultVMName
	}
	s.registryMu.RLock()
	e, ok := s.entries[name]
	s.registryMu.RUnlock()
	if !ok {
		return ErrNotRunning
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.guard == nil || e.guard.closed() {
		return ErrNotRunning
	}
	return s.stopLocked(ctx, e)
}

func (s *Supervisor) stopLocked(ctx context.Context, e *entry) error {
	g := e.guard
	err := g.Close(ctx)
	e.guard = nil

	if updErr := s.cfg.Store.Update(ctx, g.name, func(r *types.VmRecord) error {
		r.State = types.VMStateStopped
		r.PID = nil
		r.StartToken = 0
		return nil
	}); updErr != nil {
		log.WithFunc("supervisor.stopLocked").Warnf(ctx, "update record for %s after stop: %v", g.name, updErr)
	}
	return err
}

// IsAlive reports whether name's tracked process is still the one we
// started: record.pid set AND IsOurProcessStrict(pid, start_time). Ping
// health is a separate, on-demand concern layered on top by the caller.
func (s *Supervisor) IsAlive(ctx context.Context, name string) (bool, error) {
	rec, err := s.cfg.Store.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if rec.PID == nil {
		return false, nil
	}
	return process.IsOurProcessStrict(*rec.PID, process.StartTimeToken(rec.StartToken)), nil
}
