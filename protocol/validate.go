package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxImageRefLen   = 512
	maxEnvKeyLen     = 256
	maxEnvValueLen   = 32 << 10
	maxWorkloadIDLen = 256
)

var (
	imageRefCharset  = regexp.MustCompile(`^[A-Za-z0-9._/:@-]+$`)
	envKeyPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	workloadIDRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	shellMetaChars   = []byte("$`|;&<>\n\r\x00")
)

func isAlphanumeric(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// ValidateImageRef enforces the closed character set, length bound,
// alphanumeric anchoring, and shell-metacharacter / ".." path-traversal
// exclusions an image reference must satisfy before it is dispatched to
// Pull, Query, or PrepareOverlay.
func ValidateImageRef(ref string) error {
	if len(ref) == 0 || len(ref) > maxImageRefLen {
		return fmt.Errorf("%w: image reference length %d outside 1..%d", ErrInvalidRequest, len(ref), maxImageRefLen)
	}
	if !isAlphanumeric(ref[0]) || !isAlphanumeric(ref[len(ref)-1]) {
		return fmt.Errorf("%w: image reference must start and end alphanumeric", ErrInvalidRequest)
	}
	if !imageRefCharset.MatchString(ref) {
		return fmt.Errorf("%w: image reference contains disallowed characters", ErrInvalidRequest)
	}
	for _, c := range shellMetaChars {
		if strings.IndexByte(ref, c) >= 0 {
			return fmt.Errorf("%w: image reference contains a shell metacharacter", ErrInvalidRequest)
		}
	}
	if strings.Contains(ref, "..") && strings.Contains(ref, "/") {
		return fmt.Errorf("%w: image reference combines '..' with '/'", ErrInvalidRequest)
	}
	return nil
}

// ValidateEnv enforces the key pattern and value size bound for every
// entry in a Run request's environment map.
func ValidateEnv(env map[string]string) error {
	for k, v := range env {
		if len(k) == 0 || len(k) > maxEnvKeyLen || !envKeyPattern.MatchString(k) {
			return fmt.Errorf("%w: invalid env key %q", ErrInvalidRequest, k)
		}
		if len(v) > maxEnvValueLen {
			return fmt.Errorf("%w: env value for %q exceeds %d bytes", ErrInvalidRequest, k, maxEnvValueLen)
		}
	}
	return nil
}

// ValidateRunArgs applies every input-validation rule the spec requires
// before a Run request is dispatched to the bundle builder.
func ValidateRunArgs(args RunArgs) error {
	if err := ValidateImageRef(args.Image); err != nil {
		return err
	}
	if len(args.Command) == 0 {
		return fmt.Errorf("%w: command must be non-empty", ErrInvalidRequest)
	}
	return ValidateEnv(args.Env)
}

// ValidateWorkloadID rejects anything that can't safely become the final
// path component of /overlays/<workload_id>: empty, oversize, or outside a
// closed charset that excludes '/' and so can't escape its parent directory.
func ValidateWorkloadID(id string) error {
	if len(id) == 0 || len(id) > maxWorkloadIDLen {
		return fmt.Errorf("%w: workload id length %d outside 1..%d", ErrInvalidRequest, len(id), maxWorkloadIDLen)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: workload id must not be '.' or '..'", ErrInvalidRequest)
	}
	if !workloadIDRegexp.MatchString(id) {
		return fmt.Errorf("%w: workload id contains disallowed characters", ErrInvalidRequest)
	}
	return nil
}
