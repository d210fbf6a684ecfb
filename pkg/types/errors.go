package types

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced at every protocol boundary.
const (
	ErrCodeSpawnRequired   = "SPAWN_REQUIRED"
	ErrCodeAlreadySpawned  = "ALREADY_SPAWNED"
	ErrCodeSpawnFailed     = "SPAWN_FAILED"
	ErrCodeNotConnected    = "NOT_CONNECTED"
	ErrCodeUnknownCommand  = "UNKNOWN_COMMAND"
	ErrCodeMissingArgument = "MISSING_ARGUMENT"
	ErrCodeInvalidParams   = "INVALID_PARAMS"
	ErrCodeUploadFailed    = "UPLOAD_FAILED"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// CodedError pairs a stable machine-readable code with a human-readable
// message. Adapters map the code to their wire format without string
// matching on messages.
type CodedError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a CodedError with a formatted message.
func Errf(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the stable code from an error chain, defaulting to
// INTERNAL_ERROR for errors that carry no code.
func CodeOf(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternalError
}
