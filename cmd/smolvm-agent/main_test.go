package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBootConfigDefaults(t *testing.T) {
	cfg := parseBootConfig("console=hvc0 loglevel=3")
	require.Equal(t, defaultDevice, cfg.device)
	require.Equal(t, defaultMount, cfg.mountpoint)
	require.EqualValues(t, defaultPort, cfg.port)
	require.Equal(t, defaultRuntime, cfg.runtimePath)
}

func TestParseBootConfigOverrides(t *testing.T) {
	cfg := parseBootConfig("console=hvc0 smolvm.device=/dev/vdc smolvm.mount=/data smolvm.port=7000 smolvm.runtime=/usr/local/bin/crun")
	require.Equal(t, "/dev/vdc", cfg.device)
	require.Equal(t, "/data", cfg.mountpoint)
	require.EqualValues(t, 7000, cfg.port) //nolint:mnd
	require.Equal(t, "/usr/local/bin/crun", cfg.runtimePath)
}

func TestParseBootConfigIgnoresMalformedPort(t *testing.T) {
	cfg := parseBootConfig("smolvm.port=not-a-number")
	require.EqualValues(t, defaultPort, cfg.port)
}
