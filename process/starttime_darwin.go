package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StartTimeToken is an opaque value identifying a process instance across
// pid reuse, derived from the kernel's kinfo_proc start-time timeval.
type StartTimeToken uint64

// StartTime reads the process start time via sysctl(KERN_PROC_PID) and
// packs the timeval into a single opaque token.
func StartTime(pid int) (StartTimeToken, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return 0, fmt.Errorf("sysctl kern.proc.pid %d: %w", pid, err)
	}
	sec := uint64(kp.Proc.P_starttime.Sec) //nolint:unconvert
	usec := uint64(kp.Proc.P_starttime.Usec)
	return StartTimeToken(sec<<32 | (usec & 0xffffffff)), nil
}

// IsOurProcessStrict returns true only if pid is alive AND its current
// start time equals token.
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
