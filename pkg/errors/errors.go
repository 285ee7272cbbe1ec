package errors

import (
	"context"
	"errors"
	"fmt"
)

type BenchError struct {
	Code    string
	Message string
	Cause   error
}

func (e *BenchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BenchError) Unwrap() error { return e.Cause }

// Is matches any *BenchError carrying the same code, so callers can compare
// against the exported sentinels with errors.Is.
func (e *BenchError) Is(target error) bool {
	var other *BenchError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

const (
	ErrCodeRunActive        = "RUN_ACTIVE"
	ErrCodeInvalidConfig    = "INVALID_CONFIG"
	ErrCodeInvalidProbe     = "INVALID_PROBE"
	ErrCodeInvalidPayload   = "INVALID_PAYLOAD"
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeNotConnected     = "NOT_CONNECTED"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
)

var (
	ErrRunActive        = &BenchError{Code: ErrCodeRunActive, Message: "a run is already active"}
	ErrNotConnected     = &BenchError{Code: ErrCodeNotConnected, Message: "not connected"}
	ErrInvalidProbe     = &BenchError{Code: ErrCodeInvalidProbe, Message: "invalid probe"}
	ErrInvalidPayload   = &BenchError{Code: ErrCodeInvalidPayload, Message: "invalid payload"}
	ErrStoreUnavailable = &BenchError{Code: ErrCodeStoreUnavailable, Message: "store unavailable"}
)

func ErrInvalidConfig(msg string, cause error) *BenchError {
	return &BenchError{
		Code:    ErrCodeInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

func ErrConnectionFailed(msg string, cause error) *BenchError {
	return &BenchError{
		Code:    ErrCodeConnectionFailed,
		Message: msg,
		Cause:   cause,
	}
}

func InvalidProbe(msg string) *BenchError {
	return &BenchError{Code: ErrCodeInvalidProbe, Message: msg}
}

func InvalidPayload(msg string) *BenchError {
	return &BenchError{Code: ErrCodeInvalidPayload, Message: msg}
}

func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
