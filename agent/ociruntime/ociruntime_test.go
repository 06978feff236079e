package ociruntime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// buildFakeRuntime writes a shell script standing in for crun: it
// interprets "run --bundle DIR --cgroup-manager=disabled ID" and "delete
// --force ID" by reading a control file placed in the bundle directory.
func buildFakeRuntime(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "fake-runtime.sh")
	require.NoError(t, os.WriteFile(path, []byte(fakeRuntimeScript), 0o755)) //nolint:gosec
	return path
}

const fakeRuntimeScript = `#!/bin/sh
set -e
if [ "$1" = "delete" ]; then
  exit 0
fi
# run --bundle DIR --cgroup-manager=disabled ID
bundle="$2"
if [ -f "$bundle/stdout.txt" ]; then cat "$bundle/stdout.txt"; fi
if [ -f "$bundle/stderr.txt" ]; then cat "$bundle/stderr.txt" >&2; fi
if [ -f "$bundle/sleep.txt" ]; then sleep "$(cat "$bundle/sleep.txt")"; fi
if [ -f "$bundle/exitcode.txt" ]; then exit "$(cat "$bundle/exitcode.txt")"; fi
exit 0
`

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	runtime := buildFakeRuntime(t)
	bundle := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "stdout.txt"), []byte("hello\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "exitcode.txt"), []byte("7"), 0o644))

	a := New(Config{RuntimePath: runtime})
	res, err := a.Run(context.Background(), bundle, "c1", 0)
	require.NoError(t, err)
	require.Equal(t, 7, res.ExitCode)
	require.Equal(t, "hello\n", string(res.Stdout))
	require.False(t, res.TimedOut)
}

func TestRunCapturesStderr(t *testing.T) {
	runtime := buildFakeRuntime(t)
	bundle := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "stderr.txt"), []byte("oops\n"), 0o644))

	a := New(Config{RuntimePath: runtime})
	res, err := a.Run(context.Background(), bundle, "c2", 0)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "oops\n", string(res.Stderr))
}

func TestRunEnforcesTimeout(t *testing.T) {
	runtime := buildFakeRuntime(t)
	bundle := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "sleep.txt"), []byte("30"), 0o644))

	a := New(Config{RuntimePath: runtime})
	start := time.Now()
	res, err := a.Run(context.Background(), bundle, "c3", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Equal(t, killedExitCode, res.ExitCode)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunRejectsMissingRuntimePath(t *testing.T) {
	a := New(Config{})
	_, err := a.Run(context.Background(), t.TempDir(), "c4", 0)
	require.Error(t, err)
}

func TestBoundedBufferTruncates(t *testing.T) {
	b := newBoundedBuffer(8)
	_, err := b.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	require.True(t, b.truncated)
	require.Contains(t, string(b.Bytes()), "01234567")
	require.Contains(t, string(b.Bytes()), "truncated")
}

func TestBoundedBufferUnderLimitPassesThrough(t *testing.T) {
	b := newBoundedBuffer(100)
	_, err := b.Write([]byte("short"))
	require.NoError(t, err)
	require.False(t, b.truncated)
	require.Equal(t, "short", string(b.Bytes()))
}
