// Package version holds build-time version metadata, set via -ldflags.
package version

import "fmt"

var (
	// GitCommit is set via -ldflags during build.
	GitCommit string
	// BuildTime is set via -ldflags during build.
	BuildTime string
)

// String renders a one-line "name commit buildtime" summary for the
// version subcommand.
func String() string {
	commit := GitCommit
	if commit == "" {
		commit = "unknown"
	}
	built := BuildTime
	if built == "" {
		built = "unknown"
	}
	return fmt.Sprintf("smolvmd %s (built %s)\n", commit, built)
}
