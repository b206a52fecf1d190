// Package voice drives speech capture and speech playback for voice turns.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"memorease/internal/metrics"
)

const defaultRecognitionTimeout = 15 * time.Second

var (
	ErrPermissionDenied   = errors.New("voice: microphone permission denied")
	ErrDeviceUnavailable  = errors.New("voice: capture device unavailable")
	ErrRecognitionFailure = errors.New("voice: speech recognition failed")
	ErrNotRecording       = errors.New("voice: not recording")
	ErrCaptureCanceled    = errors.New("voice: capture canceled")
	ErrDestroyed          = errors.New("voice: capture controller destroyed")
)

// State is the capture controller lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
	StateError      State = "error"
)

// Reason explains why a controller entered StateError.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonPermissionDenied   Reason = "permission_denied"
	ReasonDeviceUnavailable  Reason = "device_unavailable"
	ReasonRecognitionFailure Reason = "recognition_failure"
)

// Device opens an audio input stream. Closing the stream releases the device.
type Device interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Recognizer turns captured audio into ranked transcript candidates.
type Recognizer interface {
	Recognize(ctx context.Context, audio []byte) ([]string, error)
}

// Result is the outcome of one capture. An empty Transcript means nothing was
// recognized.
type Result struct {
	Transcript string
	Candidates []string
}

type captureSession struct {
	stream    io.ReadCloser
	closeOnce sync.Once
	audio     bytes.Buffer
	done      chan struct{}
}

func newCaptureSession(stream io.ReadCloser) *captureSession {
	return &captureSession{stream: stream, done: make(chan struct{})}
}

func (cs *captureSession) record() {
	defer close(cs.done)
	_, _ = io.Copy(&cs.audio, cs.stream)
}

func (cs *captureSession) release() {
	cs.closeOnce.Do(func() { _ = cs.stream.Close() })
}

// CaptureController records one utterance at a time and hands the
// recognized transcript to the result handler.
type CaptureController struct {
	device     Device
	recognizer Recognizer
	timeout    time.Duration
	logger     zerolog.Logger

	mu        sync.Mutex
	state     State
	reason    Reason
	gen       uint64
	session   *captureSession
	onResult  func(Result)
	destroyed bool
}

type CaptureOption func(*CaptureController)

func WithRecognitionTimeout(d time.Duration) CaptureOption {
	return func(c *CaptureController) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithCaptureLogger(logger zerolog.Logger) CaptureOption {
	return func(c *CaptureController) { c.logger = logger }
}

func NewCaptureController(device Device, recognizer Recognizer, opts ...CaptureOption) (*CaptureController, error) {
	if device == nil {
		return nil, errors.New("voice: capture device must not be nil")
	}
	if recognizer == nil {
		return nil, errors.New("voice: recognizer must not be nil")
	}
	c := &CaptureController{
		device:     device,
		recognizer: recognizer,
		timeout:    defaultRecognitionTimeout,
		logger:     zerolog.Nop(),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OnResult sets the handler receiving every completed capture.
func (c *CaptureController) OnResult(fn func(Result)) {
	c.mu.Lock()
	c.onResult = fn
	c.mu.Unlock()
}

// State returns the current state and, in StateError, the reason.
func (c *CaptureController) State() (State, Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.reason
}

// Start opens the device and begins recording. It does nothing unless the
// controller is idle or in error.
func (c *CaptureController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.state != StateIdle && c.state != StateError {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = StateRequesting
	c.reason = ReasonNone
	c.mu.Unlock()

	stream, err := c.device.Open(ctx)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		c.logger.Debug().Msg("discarding device opened after cancel")
		return ErrCaptureCanceled
	}
	if err != nil {
		c.state = StateError
		sentinel := ErrDeviceUnavailable
		c.reason = ReasonDeviceUnavailable
		if errors.Is(err, ErrPermissionDenied) {
			sentinel = ErrPermissionDenied
			c.reason = ReasonPermissionDenied
		}
		reason := c.reason
		c.mu.Unlock()
		metrics.CaptureSessions.WithLabelValues(string(reason)).Inc()
		c.logger.Warn().Err(err).Str("reason", string(reason)).Msg("capture start failed")
		if errors.Is(err, sentinel) {
			return fmt.Errorf("voice: start: %w", err)
		}
		return fmt.Errorf("voice: start: %w: %w", sentinel, err)
	}
	sess := newCaptureSession(stream)
	c.session = sess
	c.state = StateRecording
	c.mu.Unlock()

	go sess.record()
	return nil
}

// Stop ends recording, releases the device and recognizes the captured
// audio. A recognition timeout or an empty result yields an empty transcript.
func (c *CaptureController) Stop(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	sess := c.session
	c.session = nil
	c.state = StateFinalizing
	gen := c.gen
	c.mu.Unlock()

	sess.release()
	<-sess.done
	audio := sess.audio.Bytes()

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	candidates, err := c.recognizer.Recognize(rctx, audio)
	timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		metrics.CaptureSessions.WithLabelValues("canceled").Inc()
		return Result{}, ErrCaptureCanceled
	}
	if ctx.Err() != nil {
		c.state = StateIdle
		c.mu.Unlock()
		metrics.CaptureSessions.WithLabelValues("canceled").Inc()
		return Result{}, ctx.Err()
	}
	if err != nil && !timedOut {
		c.state = StateError
		c.reason = ReasonRecognitionFailure
		c.mu.Unlock()
		metrics.CaptureSessions.WithLabelValues(string(ReasonRecognitionFailure)).Inc()
		c.logger.Warn().Err(err).Msg("recognition failed")
		return Result{}, fmt.Errorf("voice: stop: %w: %w", ErrRecognitionFailure, err)
	}

	var res Result
	if err == nil && len(candidates) > 0 {
		res = Result{Transcript: candidates[0], Candidates: candidates}
	}
	c.state = StateIdle
	handler := c.onResult
	c.mu.Unlock()

	outcome := "recognized"
	switch {
	case timedOut:
		outcome = "timeout"
		c.logger.Warn().Dur("timeout", c.timeout).Msg("recognition timed out")
	case res.Transcript == "":
		outcome = "empty"
	}
	metrics.CaptureSessions.WithLabelValues(outcome).Inc()

	if handler != nil {
		handler(res)
	}
	return res, nil
}

// Cancel abandons the current capture from any state, discarding audio and
// any late device or recognizer result.
func (c *CaptureController) Cancel() {
	c.mu.Lock()
	c.gen++
	sess := c.session
	c.session = nil
	if c.state != StateIdle {
		c.state = StateIdle
		c.reason = ReasonNone
	}
	c.mu.Unlock()

	if sess != nil {
		sess.release()
		<-sess.done
	}
}

// Destroy cancels any capture and makes the controller unusable.
func (c *CaptureController) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	c.Cancel()
}
