// Package console streams a running VM's console log to a terminal. The
// spec's guest abstraction exposes only a passive console log file (there is
// no concrete hypervisor backend wired in, so no interactive PTY device
// exists to attach to) — this package adapts the teacher's interactive PTY
// relay into a one-way "follow" of that log file, ended by cancelling its
// context; there is no escape-key handling.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// pollInterval is how often Follow checks for new bytes appended to the log.
const pollInterval = 200 * time.Millisecond

// Follow copies path's existing contents to w, then polls for appended data
// (tail -f style) until ctx is cancelled. Removing the file does not end
// the loop: the open descriptor stays valid and simply yields no new data.
func Follow(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path) //nolint:gosec // operator-supplied VM name resolves this path
	if err != nil {
		return fmt.Errorf("open console log %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("read console log %s: %w", path, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := io.Copy(w, f); err != nil {
				if errors.Is(err, os.ErrClosed) {
					return nil
				}
				return fmt.Errorf("read console log %s: %w", path, err)
			}
		}
	}
}
