// Package protocolerr maps the protocol's closed error-code set onto the
// error-taxonomy kinds (Validation, NotFound, Transient I/O, Protocol,
// Resource, Runtime, Fatal) so callers can test with errors.Is against a
// small set of sentinel kinds instead of switching on protocol.ErrorCode
// directly.
package protocolerr

import (
	"errors"
	"fmt"

	"github.com/clickclack-bot/smolvm/protocol"
)

// Kind sentinels. Every RemoteError wraps exactly one of these.
var (
	ErrValidation = errors.New("protocolerr: validation")
	ErrNotFound   = errors.New("protocolerr: not found")
	ErrTransient  = errors.New("protocolerr: transient I/O")
	ErrProtocol   = errors.New("protocolerr: protocol")
	ErrResource   = errors.New("protocolerr: resource")
	ErrRuntime    = errors.New("protocolerr: runtime")
	ErrFatal      = errors.New("protocolerr: fatal")
)

// RemoteError is a client-side typed error built from a protocol.ErrorPayload:
// it preserves the original code and message while wrapping the taxonomy
// sentinel so callers can branch with errors.Is without parsing strings.
type RemoteError struct {
	Code    protocol.ErrorCode
	Message string
	kind    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.kind }

// FromPayload builds a RemoteError from a decoded Error response payload,
// classifying payload.Code into its taxonomy kind.
func FromPayload(payload protocol.ErrorPayload) *RemoteError {
	return &RemoteError{Code: payload.Code, Message: payload.Message, kind: kindOf(payload.Code)}
}

// kindOf classifies a protocol.ErrorCode into its taxonomy kind. Every
// *_Failed code is Runtime (the guest-side operation itself failed, as
// opposed to a malformed request or a missing subject); INVALID_REQUEST is
// Validation; NOT_FOUND is NotFound. The guest never emits a code that maps
// to Transient, Resource, or Fatal today — those kinds exist for host-side
// classification (connection failures, frame-size rejection, disk
// exhaustion) rather than anything carried in an ErrorPayload.
func kindOf(code protocol.ErrorCode) error {
	switch code {
	case protocol.CodeInvalidRequest:
		return ErrValidation
	case protocol.CodeNotFound:
		return ErrNotFound
	default:
		return ErrRuntime
	}
}
