package layerstore

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clickclack-bot/smolvm/progress"
	"github.com/clickclack-bot/smolvm/types"
)

func TestOpenCreatesLayout(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)

	for _, dir := range []string{LayersDir(root), ManifestsDir(root), ConfigsDir(root), OverlaysDir(root), TrashDir(root)} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, fi.IsDir())
	}
	require.Empty(t, s.ListImages())
}

func TestQueryNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Query("alpine")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCommitManifestUpdatesCacheAndQuery(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)

	m := testManifest("alpine", "layer1")
	require.NoError(t, s.commitManifest(m))

	info, err := s.Query("alpine")
	require.NoError(t, err)
	require.Equal(t, m.Digest, info.Digest)
	require.Equal(t, 1, info.LayerCount)

	require.Len(t, s.ListImages(), 1)
}

func TestManifestCacheSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, s.commitManifest(testManifest("busybox", "layerA")))

	s2, err := Open(root)
	require.NoError(t, err)
	info, err := s2.Query("busybox")
	require.NoError(t, err)
	require.Equal(t, "busybox", info.Reference)
}

func TestSweepTrashRemovesOrphans(t *testing.T) {
	root := t.TempDir()
	_, err := Open(root)
	require.NoError(t, err)

	orphan := filepath.Join(TrashDir(root), "orphan-123")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, "f"), []byte("x"), 0o644))

	_, err = Open(root)
	require.NoError(t, err)

	_, statErr := os.Stat(orphan)
	require.True(t, os.IsNotExist(statErr))
}

func TestGarbageCollectDryRunDoesNotMutate(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(s.layerDir("orphanlayer"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.layerDir("orphanlayer"), "f"), []byte("hello"), 0o644))

	freed, err := s.GarbageCollect(true, nil)
	require.NoError(t, err)
	require.Equal(t, int64(5), freed)

	_, statErr := os.Stat(s.layerDir("orphanlayer"))
	require.NoError(t, statErr)
}

func TestGarbageCollectRemovesUnreferencedLayer(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(s.layerDir("orphanlayer"), 0o755))
	require.NoError(t, s.commitManifest(testManifest("alpine", "referencedlayer")))
	require.NoError(t, os.MkdirAll(s.layerDir("referencedlayer"), 0o755))

	freed, err := s.GarbageCollect(false, nil)
	require.NoError(t, err)
	require.Greater(t, freed, int64(-1))

	_, err = os.Stat(s.layerDir("orphanlayer"))
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(s.layerDir("referencedlayer"))
	require.NoError(t, err)
}

func TestGarbageCollectHonorsLiveOverlayPin(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(s.layerDir("pinnedlayer"), 0o755))

	freed, err := s.GarbageCollect(false, []string{"pinnedlayer"})
	require.NoError(t, err)
	require.Equal(t, int64(0), freed)

	_, err = os.Stat(s.layerDir("pinnedlayer"))
	require.NoError(t, err)
}

func TestStatusReportsLayerAndImageCounts(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(s.layerDir("layer1"), 0o755))
	require.NoError(t, s.commitManifest(testManifest("alpine", "layer1")))

	status, err := s.Status()
	require.NoError(t, err)
	require.Equal(t, 1, status.LayerCount)
	require.Equal(t, 1, status.ImageCount)
	require.Greater(t, status.TotalBytes, int64(0))
}

func TestFormatResetsState(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, s.commitManifest(testManifest("alpine", "layer1")))
	require.NoError(t, os.MkdirAll(s.layerDir("layer1"), 0o755))

	require.NoError(t, s.Format())
	require.Empty(t, s.ListImages())

	entries, err := os.ReadDir(LayersDir(root))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestExtractTarStripsWhiteouts(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	writeTarFile(t, tw, "keep.txt", "hello")
	writeTarFile(t, tw, "sub/.wh.gone.txt", "")
	require.NoError(t, tw.Close())

	dest := t.TempDir()
	require.NoError(t, extractTar(buf, dest))

	_, err := os.Stat(filepath.Join(dest, "keep.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, "sub", ".wh.gone.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestPullSkipsAlreadyCachedReference(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, s.commitManifest(testManifest("alpine", "layer1")))

	// pullTool would fail if invoked; Pull must short-circuit before that.
	oldTool := pullTool
	pullTool = "/nonexistent/binary-that-does-not-exist"
	defer func() { pullTool = oldTool }()

	info, err := s.Pull(context.Background(), "alpine", "", progress.Nop)
	require.NoError(t, err)
	require.Equal(t, "alpine", info.Reference)
}

func TestPullWithFakeCraneFetchesAndExtractsLayer(t *testing.T) {
	fake := buildFakeCrane(t)
	oldTool := pullTool
	pullTool = fake
	defer func() { pullTool = oldTool }()

	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)

	info, err := s.Pull(context.Background(), "fakeimage:latest", "", progress.Nop)
	require.NoError(t, err)
	require.Equal(t, "fakeimage:latest", info.Reference)
	require.Equal(t, 1, info.LayerCount)

	again, err := s.Query("fakeimage:latest")
	require.NoError(t, err)
	require.Equal(t, info.Digest, again.Digest)
}

func testManifest(ref string, layers ...string) types.ImageManifest {
	return types.ImageManifest{
		Reference:    ref,
		Digest:       "deadbeef",
		OS:           "linux",
		Architecture: "amd64",
		Layers:       layers,
		ConfigDigest: "cafef00d",
		TotalSize:    1024,
	}
}

func writeTarFile(t *testing.T, tw *tar.Writer, name, content string) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(content)),
	}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
}

// buildFakeCrane writes a shell script standing in for `crane pull
// --format=oci <ref> <dir>`: it fabricates a minimal one-layer OCI image
// layout so Pull can be exercised without network access.
func buildFakeCrane(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "fake-crane.sh")
	require.NoError(t, os.WriteFile(script, []byte(fakeCraneScript), 0o755)) //nolint:gosec
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return script
}

const fakeCraneScript = `#!/bin/sh
set -e
# usage: fake-crane.sh pull --format=oci [--platform p] <ref> <dir>
shift # pull
shift # --format=oci
if [ "$1" = "--platform" ]; then shift; shift; fi
dir="$2"
mkdir -p "$dir/blobs/sha256"

layer_tar="$dir/layer.tar"
mkdir -p /tmp/fake-layer-src
echo hi > /tmp/fake-layer-src/hello.txt
(cd /tmp/fake-layer-src && tar cf "$layer_tar" hello.txt)
layer_digest=$(sha256sum "$layer_tar" | cut -d' ' -f1)
mv "$layer_tar" "$dir/blobs/sha256/$layer_digest"
layer_size=$(stat -c%s "$dir/blobs/sha256/$layer_digest" 2>/dev/null || stat -f%z "$dir/blobs/sha256/$layer_digest")

config='{"architecture":"amd64","os":"linux"}'
printf '%s' "$config" > "$dir/blobs/sha256/configdigestplaceholder"
config_digest=$(printf '%s' "$config" | sha256sum | cut -d' ' -f1)
mv "$dir/blobs/sha256/configdigestplaceholder" "$dir/blobs/sha256/$config_digest"
config_size=$(printf '%s' "$config" | wc -c)

manifest='{"config":{"digest":"sha256:'"$config_digest"'","size":'"$config_size"'},"layers":[{"digest":"sha256:'"$layer_digest"'","size":'"$layer_size"',"mediaType":"application/vnd.oci.image.layer.v1.tar"}]}'
printf '%s' "$manifest" > "$dir/blobs/sha256/manifestdigestplaceholder"
manifest_digest=$(printf '%s' "$manifest" | sha256sum | cut -d' ' -f1)
mv "$dir/blobs/sha256/manifestdigestplaceholder" "$dir/blobs/sha256/$manifest_digest"

printf '{"manifests":[{"digest":"sha256:%s"}]}' "$manifest_digest" > "$dir/index.json"
printf '{"imageLayoutVersion":"1.0.0"}' > "$dir/oci-layout"
`
