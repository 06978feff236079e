package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringFallsBackToUnknown(t *testing.T) {
	GitCommit, BuildTime = "", ""
	s := String()
	require.Contains(t, s, "unknown")
	require.True(t, strings.HasSuffix(s, "\n"))
}

func TestStringUsesInjectedValues(t *testing.T) {
	GitCommit, BuildTime = "abc123", "2026-01-01T00:00:00Z"
	defer func() { GitCommit, BuildTime = "", "" }()

	s := String()
	require.Contains(t, s, "abc123")
	require.Contains(t, s, "2026-01-01T00:00:00Z")
}
