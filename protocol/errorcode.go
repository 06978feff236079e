package protocol

// FailureCode maps a request type to the error code its handler should use
// when the operation itself fails (as opposed to failing validation, which
// always reports CodeInvalidRequest).
func FailureCode(t RequestType) ErrorCode {
	switch t {
	case TypePull:
		return CodePullFailed
	case TypeQuery:
		return CodeQueryFailed
	case TypeListImages:
		return CodeListFailed
	case TypeGarbageCollect:
		return CodeGCFailed
	case TypePrepareOverlay:
		return CodeOverlayFailed
	case TypeCleanupOverlay:
		return CodeCleanupFailed
	case TypeFormatStorage:
		return CodeFormatFailed
	case TypeStorageStatus:
		return CodeStatusFailed
	case TypeRun:
		return CodeRunFailed
	default:
		return CodeInvalidRequest
	}
}
