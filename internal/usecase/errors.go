package usecase

import (
	"errors"
	"fmt"

	"memorease/internal/voice"
)

type ErrorCode string

const (
	ErrorValidation         ErrorCode = "VALIDATION_ERROR"
	ErrorPermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrorRecognitionFailure ErrorCode = "RECOGNITION_FAILURE"
	ErrorPersistence        ErrorCode = "PERSISTENCE_ERROR"
	ErrorInternal           ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CaptureError classifies a voice capture failure.
func CaptureError(err error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, voice.ErrPermissionDenied):
		return newError(ErrorPermissionDenied, "microphone_permission_denied", err)
	case errors.Is(err, voice.ErrRecognitionFailure):
		return newError(ErrorRecognitionFailure, "recognition_failed", err)
	case errors.Is(err, voice.ErrDeviceUnavailable):
		return newError(ErrorInternal, "capture_device_unavailable", err)
	default:
		return newError(ErrorInternal, "capture_error", err)
	}
}
