package voice

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pipeStream struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	closes atomic.Int32
}

func newPipeStream() *pipeStream {
	r, w := io.Pipe()
	return &pipeStream{r: r, w: w}
}

func (p *pipeStream) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipeStream) Close() error {
	p.closes.Add(1)
	return p.r.Close()
}

type bufferStream struct {
	*bytes.Reader
	closes atomic.Int32
}

func (b *bufferStream) Close() error {
	b.closes.Add(1)
	return nil
}

type fakeDevice struct {
	mu      sync.Mutex
	opens   int
	errs    []error
	stream  io.ReadCloser
	block   chan struct{}
	entered chan struct{}
}

func (d *fakeDevice) Open(ctx context.Context) (io.ReadCloser, error) {
	d.mu.Lock()
	d.opens++
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	block, entered := d.block, d.entered
	stream := d.stream
	d.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (d *fakeDevice) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

type fakeRecognizer struct {
	candidates []string
	err        error
	wait       bool
	block      chan struct{}
	got        []byte
}

func (r *fakeRecognizer) Recognize(ctx context.Context, audio []byte) ([]string, error) {
	r.got = append([]byte(nil), audio...)
	if r.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.block != nil {
		<-r.block
	}
	return r.candidates, r.err
}

func newController(t *testing.T, d Device, r Recognizer, opts ...CaptureOption) *CaptureController {
	t.Helper()
	c, err := NewCaptureController(d, r, opts...)
	require.NoError(t, err)
	return c
}

func requireState(t *testing.T, c *CaptureController, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, _ := c.State()
		return got == want
	}, time.Second, time.Millisecond)
}

func TestNewCaptureController_Validation(t *testing.T) {
	_, err := NewCaptureController(nil, &fakeRecognizer{})
	require.Error(t, err)
	_, err = NewCaptureController(&fakeDevice{}, nil)
	require.Error(t, err)
}

func TestCapture_DoubleStartOpensDeviceOnce(t *testing.T) {
	stream := newPipeStream()
	d := &fakeDevice{stream: stream}
	c := newController(t, d, &fakeRecognizer{})

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	state, _ := c.State()
	require.Equal(t, StateRecording, state)
	require.Equal(t, 1, d.openCount())

	c.Cancel()
	require.Equal(t, int32(1), stream.closes.Load())
}

func TestCapture_StopRecognizesBufferedAudio(t *testing.T) {
	stream := &bufferStream{Reader: bytes.NewReader([]byte("RIFF-audio"))}
	rec := &fakeRecognizer{candidates: []string{"where are my keys", "wear are my keys"}}
	c := newController(t, &fakeDevice{stream: stream}, rec)

	var got []Result
	c.OnResult(func(r Result) { got = append(got, r) })

	require.NoError(t, c.Start(context.Background()))
	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "where are my keys", res.Transcript)
	require.Len(t, res.Candidates, 2)
	require.Equal(t, []byte("RIFF-audio"), rec.got)
	require.Equal(t, []Result{res}, got)
	require.Equal(t, int32(1), stream.closes.Load())

	state, _ := c.State()
	require.Equal(t, StateIdle, state)
}

func TestCapture_StopWithoutRecording(t *testing.T) {
	c := newController(t, &fakeDevice{}, &fakeRecognizer{})
	_, err := c.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotRecording)
}

func TestCapture_PermissionDeniedIsRecoverable(t *testing.T) {
	d := &fakeDevice{errs: []error{ErrPermissionDenied}, stream: newPipeStream()}
	c := newController(t, d, &fakeRecognizer{})

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
	state, reason := c.State()
	require.Equal(t, StateError, state)
	require.Equal(t, ReasonPermissionDenied, reason)

	require.NoError(t, c.Start(context.Background()))
	state, reason = c.State()
	require.Equal(t, StateRecording, state)
	require.Equal(t, ReasonNone, reason)
	c.Destroy()
}

func TestCapture_DeviceFailure(t *testing.T) {
	c := newController(t, &fakeDevice{errs: []error{errors.New("busy")}}, &fakeRecognizer{})
	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	_, reason := c.State()
	require.Equal(t, ReasonDeviceUnavailable, reason)
}

func TestCapture_RecognitionFailure(t *testing.T) {
	stream := &bufferStream{Reader: bytes.NewReader(nil)}
	c := newController(t, &fakeDevice{stream: stream}, &fakeRecognizer{err: errors.New("engine crashed")})

	require.NoError(t, c.Start(context.Background()))
	_, err := c.Stop(context.Background())
	require.ErrorIs(t, err, ErrRecognitionFailure)
	state, reason := c.State()
	require.Equal(t, StateError, state)
	require.Equal(t, ReasonRecognitionFailure, reason)
}

func TestCapture_RecognitionTimeoutYieldsEmptyTranscript(t *testing.T) {
	stream := &bufferStream{Reader: bytes.NewReader([]byte("x"))}
	c := newController(t, &fakeDevice{stream: stream}, &fakeRecognizer{wait: true}, WithRecognitionTimeout(10*time.Millisecond))

	called := false
	c.OnResult(func(r Result) {
		called = true
		require.Empty(t, r.Transcript)
	})
	require.NoError(t, c.Start(context.Background()))
	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Transcript)
	require.True(t, called)
}

func TestCapture_EmptyRecognitionYieldsEmptyTranscript(t *testing.T) {
	stream := &bufferStream{Reader: bytes.NewReader([]byte("x"))}
	c := newController(t, &fakeDevice{stream: stream}, &fakeRecognizer{})
	require.NoError(t, c.Start(context.Background()))
	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Transcript)
}

func TestCapture_CancelDuringFinalizingDiscardsResult(t *testing.T) {
	stream := &bufferStream{Reader: bytes.NewReader([]byte("x"))}
	rec := &fakeRecognizer{candidates: []string{"late"}, block: make(chan struct{})}
	c := newController(t, &fakeDevice{stream: stream}, rec)

	called := false
	c.OnResult(func(Result) { called = true })

	require.NoError(t, c.Start(context.Background()))
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Stop(context.Background())
		errCh <- err
	}()
	requireState(t, c, StateFinalizing)

	c.Cancel()
	close(rec.block)
	require.ErrorIs(t, <-errCh, ErrCaptureCanceled)
	require.False(t, called)
	state, _ := c.State()
	require.Equal(t, StateIdle, state)
}

func TestCapture_CancelDuringRequestingReleasesLateDevice(t *testing.T) {
	stream := newPipeStream()
	d := &fakeDevice{stream: stream, block: make(chan struct{}), entered: make(chan struct{})}
	c := newController(t, d, &fakeRecognizer{})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()
	<-d.entered
	requireState(t, c, StateRequesting)

	c.Cancel()
	close(d.block)
	require.ErrorIs(t, <-errCh, ErrCaptureCanceled)
	require.Equal(t, int32(1), stream.closes.Load())
	state, _ := c.State()
	require.Equal(t, StateIdle, state)
}

func TestCapture_DestroyIsTerminal(t *testing.T) {
	stream := newPipeStream()
	c := newController(t, &fakeDevice{stream: stream}, &fakeRecognizer{})
	require.NoError(t, c.Start(context.Background()))

	c.Destroy()
	c.Destroy()
	c.Cancel()
	require.Equal(t, int32(1), stream.closes.Load())
	require.ErrorIs(t, c.Start(context.Background()), ErrDestroyed)
}
