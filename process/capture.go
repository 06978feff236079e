package process

import (
	"context"
	"fmt"
	"time"

	"github.com/clickclack-bot/smolvm/utils"
)

const (
	captureRetryInterval = 20 * time.Millisecond
	captureRetryTimeout  = 500 * time.Millisecond
)

// CaptureStartTime retries StartTime briefly immediately after fork, since
// the kernel may not have populated /proc/<pid>/stat (or kinfo_proc) the
// instant the child is created. It gives up once pid is no longer alive
// (the caller is expected to reap) or the retry window elapses.
//
// If start time cannot be captured while the child is still alive, the
// caller must terminate the freshly-forked child immediately rather than
// risk misidentifying a later, unrelated process that reuses the pid.
func CaptureStartTime(ctx context.Context, pid int) (StartTimeToken, error) {
	var (
		token   StartTimeToken
		lastErr error
	)
	err := utils.WaitFor(ctx, captureRetryTimeout, captureRetryInterval, func() (bool, error) {
		t, err := StartTime(pid)
		if err == nil {
			token = t
			return true, nil
		}
		lastErr = err
		if !IsAlive(pid) {
			return false, fmt.Errorf("capture start time for pid %d: process exited: %w", pid, err)
		}
		return false, nil
	})
	if err != nil {
		if lastErr != nil {
			return 0, fmt.Errorf("capture start time for pid %d: %w", pid, lastErr)
		}
		return 0, err
	}
	return token, nil
}
