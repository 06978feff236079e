package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clickclack-bot/smolvm/protocol"
	"github.com/clickclack-bot/smolvm/types"
	"github.com/clickclack-bot/smolvm/vsockconn"
	"github.com/clickclack-bot/smolvm/wire"
)

// fakeStore is an in-memory RecordStore good enough to exercise Supervisor
// without depending on the recordstore package.
type fakeStore struct {
	mu   sync.Mutex
	recs map[string]types.VmRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: make(map[string]types.VmRecord)}
}

func (f *fakeStore) Insert(_ context.Context, rec types.VmRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[rec.Name]; ok {
		return fmt.Errorf("already exists")
	}
	f.recs[rec.Name] = rec
	return nil
}

func (f *fakeStore) Get(_ context.Context, name string) (types.VmRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[name]
	if !ok {
		return types.VmRecord{}, fmt.Errorf("not found")
	}
	return rec, nil
}

func (f *fakeStore) Update(_ context.Context, name string, fn func(*types.VmRecord) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[name]
	if !ok {
		return fmt.Errorf("not found")
	}
	if err := fn(&rec); err != nil {
		return err
	}
	f.recs[name] = rec
	return nil
}

func (f *fakeStore) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, name)
	return nil
}

func (f *fakeStore) List(_ context.Context) ([]types.VmRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.VmRecord, 0, len(f.recs))
	for _, rec := range f.recs {
		out = append(out, rec)
	}
	return out, nil
}

// buildFakeHypervisor returns a long-lived process stand-in: it ignores its
// arguments and sleeps until signaled, mimicking a hypervisor child that
// stays up until the supervisor stops it.
func buildFakeHypervisor(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-hypervisor.sh")
	script := "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 0.05; done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755)) //nolint:gosec
	return path
}

// runFakeAgent serves exactly one Ping/Pong handshake (and, if sent, one
// Shutdown) on the given transport/port, standing in for the guest agent
// the real hypervisor would boot.
func runFakeAgent(t *testing.T, tr vsockconn.Transport, port uint32) {
	t.Helper()
	ln, err := tr.Listen(port)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close() //nolint:errcheck
				codec := wire.NewCodec(conn)
				var req protocol.Request
				if err := codec.ReadJSON(&req); err != nil {
					return
				}
				switch req.Type {
				case protocol.TypePing:
					resp, _ := protocol.NewResponse(protocol.RespPong, nil)
					_ = codec.WriteJSON(resp)
				case protocol.TypeShutdown:
					resp, _ := protocol.NewResponse(protocol.RespOk, nil)
					_ = codec.WriteJSON(resp)
				}
			}()
		}
	}()
}

// fakeStorageTemplate writes a small stand-in template file so
// storagedisk.EnsureFormatted takes the copy-from-template path instead of
// shelling out to mkfs.ext4, which may not be installed wherever this test
// runs.
func fakeStorageTemplate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	return path
}

func newTestSupervisor(t *testing.T, tr vsockconn.Transport, store RecordStore) *Supervisor {
	t.Helper()
	cfg := Config{
		DataDir:              t.TempDir(),
		HypervisorBinary:     buildFakeHypervisor(t),
		StorageDiskSizeBytes: storagediskTestSize,
		StorageTemplatePaths: []string{fakeStorageTemplate(t)},
		Transport:            tr,
		ControlPort:          9000,
		Store:                store,
		StartTimeout:         5 * time.Second,
		StopGracePeriod:      2 * time.Second,
	}
	sup, err := New(cfg)
	require.NoError(t, err)
	return sup
}

const storagediskTestSize = 1 << 30 // 1 GiB, the minimum storagedisk accepts

func TestStartThenStopEndToEnd(t *testing.T) {
	tr := vsockconn.NewLoopbackTransport()
	runFakeAgent(t, tr, 9000)
	store := newFakeStore()
	sup := newTestSupervisor(t, tr, store)

	guard, err := sup.Start(context.Background(), StartSpec{
		Name:      "default",
		CID:       3,
		Resources: types.VmResources{CPUs: 2, MemMiB: 512},
	})
	require.NoError(t, err)
	require.NotZero(t, guard.PID())

	rec, err := store.Get(context.Background(), DefaultVMName)
	require.NoError(t, err)
	require.Equal(t, types.VMStateRunning, rec.State)
	require.NotNil(t, rec.PID)

	alive, err := sup.IsAlive(context.Background(), DefaultVMName)
	require.NoError(t, err)
	require.True(t, alive)

	require.NoError(t, sup.Stop(context.Background(), DefaultVMName))

	rec, err = store.Get(context.Background(), DefaultVMName)
	require.NoError(t, err)
	require.Equal(t, types.VMStateStopped, rec.State)
	require.Nil(t, rec.PID)

	require.ErrorIs(t, sup.Stop(context.Background(), DefaultVMName), ErrNotRunning)
}

func TestStartIsNoopWhenAlreadyRunningWithSameConfig(t *testing.T) {
	tr := vsockconn.NewLoopbackTransport()
	runFakeAgent(t, tr, 9000)
	sup := newTestSupervisor(t, tr, newFakeStore())

	spec := StartSpec{Name: "web", CID: 3, Resources: types.VmResources{CPUs: 1, MemMiB: 256}}
	g1, err := sup.Start(context.Background(), spec)
	require.NoError(t, err)

	g2, err := sup.Start(context.Background(), spec)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Same(t, g1, g2)

	require.NoError(t, sup.Stop(context.Background(), "web"))
}

func TestStartReconfiguresOnMismatchedResources(t *testing.T) {
	tr := vsockconn.NewLoopbackTransport()
	runFakeAgent(t, tr, 9000)
	sup := newTestSupervisor(t, tr, newFakeStore())

	first, err := sup.Start(context.Background(), StartSpec{
		Name: "web", CID: 3, Resources: types.VmResources{CPUs: 1, MemMiB: 256},
	})
	require.NoError(t, err)
	firstPID := first.PID()

	second, err := sup.Start(context.Background(), StartSpec{
		Name: "web", CID: 3, Resources: types.VmResources{CPUs: 2, MemMiB: 512},
	})
	require.NoError(t, err)
	require.NotEqual(t, firstPID, second.PID())

	require.NoError(t, sup.Stop(context.Background(), "web"))
}
