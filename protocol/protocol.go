// Package protocol implements the tagged-union request/response control
// protocol spoken between the host agent client and the guest control
// server over a wire.Codec. It owns the request/response envelopes, the
// closed error-code set, and the input validation applied before dispatch.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRequest is wrapped by every input-validation failure so callers
// can test with errors.Is regardless of the specific message.
var ErrInvalidRequest = errors.New("protocol: invalid request")

// RequestType discriminates the tagged-union request envelope.
type RequestType string

const (
	TypePing           RequestType = "ping"
	TypePull           RequestType = "pull"
	TypeQuery          RequestType = "query"
	TypeListImages     RequestType = "list_images"
	TypeGarbageCollect RequestType = "garbage_collect"
	TypePrepareOverlay RequestType = "prepare_overlay"
	TypeCleanupOverlay RequestType = "cleanup_overlay"
	TypeFormatStorage  RequestType = "format_storage"
	TypeStorageStatus  RequestType = "storage_status"
	TypeRun            RequestType = "run"
	TypeShutdown       RequestType = "shutdown"
)

// ResponseType discriminates the tagged-union response envelope.
type ResponseType string

const (
	RespOk        ResponseType = "ok"
	RespPong      ResponseType = "pong"
	RespProgress  ResponseType = "progress"
	RespCompleted ResponseType = "completed"
	RespError     ResponseType = "error"
)

// ErrorCode is a member of the closed set of protocol error codes.
type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodePullFailed     ErrorCode = "PULL_FAILED"
	CodeQueryFailed    ErrorCode = "QUERY_FAILED"
	CodeListFailed     ErrorCode = "LIST_FAILED"
	CodeGCFailed       ErrorCode = "GC_FAILED"
	CodeOverlayFailed  ErrorCode = "OVERLAY_FAILED"
	CodeCleanupFailed  ErrorCode = "CLEANUP_FAILED"
	CodeFormatFailed   ErrorCode = "FORMAT_FAILED"
	CodeStatusFailed   ErrorCode = "STATUS_FAILED"
	CodeRunFailed      ErrorCode = "RUN_FAILED"
)

// Request is the wire envelope for every client-initiated message: a Type
// discriminator plus a raw JSON payload decoded into the variant-specific
// argument struct below by the dispatcher.
type Request struct {
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the wire envelope for every server-initiated message.
type Response struct {
	Type    ResponseType    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- request argument variants ---

type PullArgs struct {
	Image    string `json:"image"`
	Platform string `json:"platform,omitempty"`
}

type QueryArgs struct {
	Image string `json:"image"`
}

type GarbageCollectArgs struct {
	DryRun bool `json:"dry_run"`
}

type PrepareOverlayArgs struct {
	Image      string `json:"image"`
	WorkloadID string `json:"workload_id"`
}

type CleanupOverlayArgs struct {
	WorkloadID string `json:"workload_id"`
}

type MountArg struct {
	HostPath  string `json:"host_path"`
	GuestPath string `json:"guest_path"`
	ReadOnly  bool   `json:"read_only"`
}

type RunArgs struct {
	Image   string            `json:"image"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
	Mounts  []MountArg        `json:"mounts,omitempty"`
	// TimeoutSeconds bounds the run's wall-clock duration; zero means no
	// timeout. On expiry the container receives graceful-then-forceful
	// termination and the caller gets exit code 128+SIGKILL.
	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

// --- response payload variants ---

type PongPayload struct {
	ProtocolVersion int `json:"protocol_version"`
}

type GarbageCollectResult struct {
	FreedBytes int64 `json:"freed_bytes"`
	DryRun     bool  `json:"dry_run"`
}

type RunCompleted struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type ProgressPayload struct {
	Percent float64 `json:"percent"`
	Total   int64   `json:"total"`
	Layer   string  `json:"layer"`
}

type ErrorPayload struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code,omitempty"`
}

// ProtocolVersion is the version Ping/Pong negotiate.
const ProtocolVersion = 1

// NewRequest builds a Request envelope by marshaling args as the payload.
func NewRequest(t RequestType, args any) (Request, error) {
	if args == nil {
		return Request{Type: t}, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return Request{}, fmt.Errorf("protocol: marshal %s args: %w", t, err)
	}
	return Request{Type: t, Payload: b}, nil
}

// NewResponse builds a Response envelope by marshaling payload.
func NewResponse(t ResponseType, payload any) (Response, error) {
	if payload == nil {
		return Response{Type: t}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	return Response{Type: t, Payload: b}, nil
}

// NewErrorResponse builds the Error{message, code} response variant.
func NewErrorResponse(code ErrorCode, format string, args ...any) Response {
	msg := fmt.Sprintf(format, args...)
	resp, err := NewResponse(RespError, ErrorPayload{Message: msg, Code: code})
	if err != nil {
		// ErrorPayload always marshals; this branch is unreachable in practice.
		return Response{Type: RespError}
	}
	return resp
}

// Decode unmarshals req.Payload into v, the variant-specific argument struct.
func (r Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", r.Type, err)
	}
	return nil
}

// Decode unmarshals resp.Payload into v, the variant-specific result struct.
func (resp Response) Decode(v any) error {
	if len(resp.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", resp.Type, err)
	}
	return nil
}

// AsError reports whether resp is the Error variant and, if so, decodes it.
func (resp Response) AsError() (ErrorPayload, bool) {
	if resp.Type != RespError {
		return ErrorPayload{}, false
	}
	var e ErrorPayload
	_ = resp.Decode(&e)
	return e, true
}
