package server

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clickclack-bot/smolvm/progress"
	"github.com/clickclack-bot/smolvm/protocol"
	"github.com/clickclack-bot/smolvm/wire"
)

// buildFakeCrane and seedImage give agent/server tests a cached manifest
// without needing the real crane binary, mirroring agent/layerstore's own
// fake-crane test double.
func buildFakeCrane(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "fake-crane.sh")
	require.NoError(t, os.WriteFile(script, []byte(fakeCraneScript), 0o755)) //nolint:gosec
	return script
}

const fakeCraneScript = `#!/bin/sh
set -e
shift # pull
shift # --format=oci
if [ "$1" = "--platform" ]; then shift; shift; fi
dir="$2"
mkdir -p "$dir/blobs/sha256"

layer_tar="$dir/layer.tar"
srcdir=$(mktemp -d)
echo hi > "$srcdir/hello.txt"
(cd "$srcdir" && tar cf "$layer_tar" hello.txt)
layer_digest=$(sha256sum "$layer_tar" | cut -d' ' -f1)
mv "$layer_tar" "$dir/blobs/sha256/$layer_digest"
layer_size=$(stat -c%s "$dir/blobs/sha256/$layer_digest" 2>/dev/null || stat -f%z "$dir/blobs/sha256/$layer_digest")

config='{"architecture":"amd64","os":"linux"}'
printf '%s' "$config" > "$dir/blobs/sha256/configplaceholder"
config_digest=$(printf '%s' "$config" | sha256sum | cut -d' ' -f1)
mv "$dir/blobs/sha256/configplaceholder" "$dir/blobs/sha256/$config_digest"
config_size=$(printf '%s' "$config" | wc -c)

manifest='{"config":{"digest":"sha256:'"$config_digest"'","size":'"$config_size"'},"layers":[{"digest":"sha256:'"$layer_digest"'","size":'"$layer_size"',"mediaType":"application/vnd.oci.image.layer.v1.tar"}]}'
printf '%s' "$manifest" > "$dir/blobs/sha256/manifestplaceholder"
manifest_digest=$(printf '%s' "$manifest" | sha256sum | cut -d' ' -f1)
mv "$dir/blobs/sha256/manifestplaceholder" "$dir/blobs/sha256/$manifest_digest"

printf '{"manifests":[{"digest":"sha256:%s"}]}' "$manifest_digest" > "$dir/index.json"
printf '{"imageLayoutVersion":"1.0.0"}' > "$dir/oci-layout"
`

// seedImage pulls ref into s's layer store through the fake crane double so
// Query/PrepareOverlay/Run dispatch tests have a cached manifest to work
// against.
func seedImage(t *testing.T, s *Server, ref string) {
	t.Helper()
	_, err := s.layerStore.Pull(context.Background(), ref, "", progress.Nop)
	require.NoError(t, err)
}

func fakeCraneOnPath(t *testing.T) func() {
	t.Helper()
	script := buildFakeCrane(t)
	linked := filepath.Join(filepath.Dir(script), "crane")
	require.NoError(t, os.Link(script, linked))
	oldPath := os.Getenv("PATH")
	require.NoError(t, os.Setenv("PATH", filepath.Dir(script)+string(os.PathListSeparator)+oldPath))
	return func() { _ = os.Setenv("PATH", oldPath) }
}

func TestHandlePingReturnsPong(t *testing.T) {
	s := newTestServer(t)
	req, err := protocol.NewRequest(protocol.TypePing, nil)
	require.NoError(t, err)
	payload := marshalRequest(t, req)

	resp, shutdown := s.dispatch(context.Background(), wire.NewCodec(nil), payload)
	require.False(t, shutdown)
	require.Equal(t, protocol.RespPong, resp.Type)
}

func TestDispatchUnknownTypeIsInvalidRequest(t *testing.T) {
	s := newTestServer(t)
	resp, shutdown := s.dispatch(context.Background(), wire.NewCodec(nil), []byte(`{"type":"bogus"}`))
	require.False(t, shutdown)
	errPayload, ok := resp.AsError()
	require.True(t, ok)
	require.Equal(t, protocol.CodeInvalidRequest, errPayload.Code)
}

func TestDispatchMalformedFrameIsInvalidRequest(t *testing.T) {
	s := newTestServer(t)
	resp, shutdown := s.dispatch(context.Background(), wire.NewCodec(nil), []byte(`not json`))
	require.False(t, shutdown)
	errPayload, ok := resp.AsError()
	require.True(t, ok)
	require.Equal(t, protocol.CodeInvalidRequest, errPayload.Code)
}

func TestHandleQueryNotFound(t *testing.T) {
	s := newTestServer(t)
	req, err := protocol.NewRequest(protocol.TypeQuery, protocol.QueryArgs{Image: "alpine"})
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))

	errPayload, ok := resp.AsError()
	require.True(t, ok)
	require.Equal(t, protocol.CodeNotFound, errPayload.Code)
}

func TestHandleQueryRejectsInvalidImageRef(t *testing.T) {
	s := newTestServer(t)
	req, err := protocol.NewRequest(protocol.TypeQuery, protocol.QueryArgs{Image: "bad;ref"})
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))

	errPayload, ok := resp.AsError()
	require.True(t, ok)
	require.Equal(t, protocol.CodeInvalidRequest, errPayload.Code)
}

func TestHandlePullThenQuerySucceeds(t *testing.T) {
	restore := fakeCraneOnPath(t)
	defer restore()

	s := newTestServer(t)
	seedImage(t, s, "fakeimage:latest")

	req, err := protocol.NewRequest(protocol.TypeQuery, protocol.QueryArgs{Image: "fakeimage:latest"})
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))
	require.Equal(t, protocol.RespOk, resp.Type)
}

func TestHandleListImages(t *testing.T) {
	restore := fakeCraneOnPath(t)
	defer restore()

	s := newTestServer(t)
	seedImage(t, s, "fakeimage:latest")

	req, err := protocol.NewRequest(protocol.TypeListImages, nil)
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))
	require.Equal(t, protocol.RespOk, resp.Type)
}

func TestHandleGarbageCollectDryRun(t *testing.T) {
	s := newTestServer(t)
	req, err := protocol.NewRequest(protocol.TypeGarbageCollect, protocol.GarbageCollectArgs{DryRun: true})
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))

	var result protocol.GarbageCollectResult
	require.NoError(t, resp.Decode(&result))
	require.True(t, result.DryRun)
}

func TestHandlePrepareOverlayImageNotCached(t *testing.T) {
	s := newTestServer(t)
	req, err := protocol.NewRequest(protocol.TypePrepareOverlay, protocol.PrepareOverlayArgs{Image: "alpine", WorkloadID: "w1"})
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))

	errPayload, ok := resp.AsError()
	require.True(t, ok)
	require.Equal(t, protocol.CodeOverlayFailed, errPayload.Code)
}

func TestHandlePrepareOverlayRejectsInvalidWorkloadID(t *testing.T) {
	s := newTestServer(t)
	req, err := protocol.NewRequest(protocol.TypePrepareOverlay, protocol.PrepareOverlayArgs{Image: "alpine", WorkloadID: "../escape"})
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))

	errPayload, ok := resp.AsError()
	require.True(t, ok)
	require.Equal(t, protocol.CodeInvalidRequest, errPayload.Code)
}

func TestHandleCleanupOverlayNotFound(t *testing.T) {
	s := newTestServer(t)
	req, err := protocol.NewRequest(protocol.TypeCleanupOverlay, protocol.CleanupOverlayArgs{WorkloadID: "missing"})
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))

	errPayload, ok := resp.AsError()
	require.True(t, ok)
	require.Equal(t, protocol.CodeNotFound, errPayload.Code)
}

func TestHandleFormatStorage(t *testing.T) {
	restore := fakeCraneOnPath(t)
	defer restore()

	s := newTestServer(t)
	seedImage(t, s, "fakeimage:latest")

	req, err := protocol.NewRequest(protocol.TypeFormatStorage, nil)
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))
	require.Equal(t, protocol.RespOk, resp.Type)

	require.Empty(t, s.layerStore.ListImages())
}

func TestHandleStorageStatus(t *testing.T) {
	s := newTestServer(t)
	req, err := protocol.NewRequest(protocol.TypeStorageStatus, nil)
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))

	var status struct {
		TotalBytes int64 `json:"total_bytes"`
	}
	require.NoError(t, resp.Decode(&status))
	require.Greater(t, status.TotalBytes, int64(0))
}

func TestHandleRunImageNotCached(t *testing.T) {
	s := newTestServer(t)
	req, err := protocol.NewRequest(protocol.TypeRun, protocol.RunArgs{
		Image:   "alpine",
		Command: []string{"/bin/true"},
	})
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))

	errPayload, ok := resp.AsError()
	require.True(t, ok)
	require.Equal(t, protocol.CodeRunFailed, errPayload.Code)
}

func TestHandleRunRejectsEmptyCommand(t *testing.T) {
	s := newTestServer(t)
	req, err := protocol.NewRequest(protocol.TypeRun, protocol.RunArgs{Image: "alpine"})
	require.NoError(t, err)
	resp, _ := s.dispatch(context.Background(), wire.NewCodec(nil), marshalRequest(t, req))

	errPayload, ok := resp.AsError()
	require.True(t, ok)
	require.Equal(t, protocol.CodeInvalidRequest, errPayload.Code)
}

func marshalRequest(t *testing.T, req protocol.Request) []byte {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	return payload
}
