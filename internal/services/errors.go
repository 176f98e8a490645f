package services

import (
	"errors"
)

var (
	ErrInvalidScope       = errors.New("invalid tenant scope")
	ErrEmptyMessage       = errors.New("message is required")
	ErrMessageTooLong     = errors.New("message is too long")
	ErrEmptyContent       = errors.New("diagnostic content is required")
	ErrServerNotFound     = errors.New("server not found")
	ErrNotReady           = errors.New("assistant is not ready")
	ErrTurnInProgress     = errors.New("a previous answer is still being generated for this server")
	ErrDiagnosticNotFound = errors.New("diagnostic not found")
	ErrInvalidTurnID      = errors.New("idempotency key must be at most 64 characters")
)

// NotReadyError is a configuration problem an operator can fix. It matches
// ErrNotReady with errors.Is.
type NotReadyError struct {
	Component string
	Reason    string
}

func (e *NotReadyError) Error() string {
	return e.Reason
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// Error codes carried by error frames and JSON error bodies.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotReady       = "not_ready"
	CodeTurnInProgress = "turn_in_progress"
	CodeNotFound       = "not_found"
	CodeBackend        = "backend_error"
	CodeInternal       = "internal"
)

// ErrorCode classifies an error for clients.
func ErrorCode(err error) string {
	var backendErr *BackendError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong),
		errors.Is(err, ErrEmptyContent), errors.Is(err, ErrInvalidScope),
		errors.Is(err, ErrInvalidTurnID):
		return CodeInvalidRequest
	case errors.Is(err, ErrNotReady):
		return CodeNotReady
	case errors.Is(err, ErrTurnInProgress):
		return CodeTurnInProgress
	case errors.Is(err, ErrServerNotFound), errors.Is(err, ErrDiagnosticNotFound):
		return CodeNotFound
	case errors.As(err, &backendErr):
		return CodeBackend
	default:
		return CodeInternal
	}
}
