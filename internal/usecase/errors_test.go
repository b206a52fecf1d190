package usecase

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"memorease/internal/voice"
)

func TestCaptureError(t *testing.T) {
	require.Nil(t, CaptureError(nil))

	cases := []struct {
		err  error
		code ErrorCode
	}{
		{fmt.Errorf("voice: start: %w", voice.ErrPermissionDenied), ErrorPermissionDenied},
		{fmt.Errorf("voice: stop: %w: boom", voice.ErrRecognitionFailure), ErrorRecognitionFailure},
		{voice.ErrDeviceUnavailable, ErrorInternal},
		{errors.New("other"), ErrorInternal},
	}
	for _, tc := range cases {
		got := CaptureError(tc.err)
		require.Equal(t, tc.code, got.Code)
		require.ErrorIs(t, got, tc.err)
	}
}

func TestError_Message(t *testing.T) {
	require.Equal(t, "usecase: VALIDATION_ERROR (bad)", newError(ErrorValidation, "bad", nil).Error())
	require.Equal(t, "usecase: INTERNAL_ERROR (x): boom", newError(ErrorInternal, "x", errors.New("boom")).Error())
	var nilErr *Error
	require.Empty(t, nilErr.Error())
}
