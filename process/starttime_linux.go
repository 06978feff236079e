package process

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StartTimeToken is an opaque, boot-monotonic value identifying a process
// instance across pid reuse.
type StartTimeToken uint64

// StartTime reads the kernel-reported start time for pid from
// /proc/<pid>/stat field 22 (in clock ticks since boot). It is opaque and
// only meaningful for equality comparison via IsOurProcessStrict.
func StartTime(pid int) (StartTimeToken, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("read /proc/%d/stat: %w", pid, err)
	}

	// The comm field (field 2) is parenthesized and may itself contain
	// spaces or parens, so locate the *last* ')' and split fields after it.
	s := string(data)
	closeIdx := strings.LastIndexByte(s, ')')
	if closeIdx < 0 || closeIdx+2 > len(s) {
		return 0, fmt.Errorf("parse /proc/%d/stat: malformed comm field", pid)
	}
	rest := strings.Fields(s[closeIdx+2:])
	// After comm, field 3 is state; start time is field 22 overall, i.e.
	// index 22-3 = 19 into `rest` (0-based).
	const startTimeIndex = 19
	if len(rest) <= startTimeIndex {
		return 0, fmt.Errorf("parse /proc/%d/stat: too few fields (%d)", pid, len(rest))
	}
	v, err := strconv.ParseUint(rest[startTimeIndex], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse /proc/%d/stat start time: %w", pid, err)
	}
	return StartTimeToken(v), nil
}

// IsOurProcessStrict returns true only if pid is alive AND its current
// start time equals token. This is the load-bearing identity check that
// makes asynchronous termination safe across pid reuse.
func IsOurProcessStrict(pid int, token StartTimeToken) bool {
	if !IsAlive(pid) {
		return false
	}
	cur, err := StartTime(pid)
	if err != nil {
		return false
	}
	return cur == token
}
