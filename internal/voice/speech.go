package voice

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"memorease/internal/metrics"
)

var ErrSpeechClosed = errors.New("voice: speech output closed")

// Synthesizer renders text as playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player plays audio and returns when playback ends or ctx is done.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// SpeechOutput speaks at most one utterance at a time. A new Speak cancels
// the current utterance and starts only after it has ended.
type SpeechOutput struct {
	synth  Synthesizer
	player Player
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewSpeechOutput(synth Synthesizer, player Player, logger zerolog.Logger) (*SpeechOutput, error) {
	if synth == nil {
		return nil, errors.New("voice: synthesizer must not be nil")
	}
	if player == nil {
		return nil, errors.New("voice: player must not be nil")
	}
	return &SpeechOutput{synth: synth, player: player, logger: logger}, nil
}

// Speak replaces whatever is being spoken with text. It returns once the
// utterance is scheduled; use Wait to block until it ends.
func (o *SpeechOutput) Speak(text string) error {
	text = strings.TrimSpace(text)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrSpeechClosed
	}
	prevCancel, prevDone := o.cancel, o.done
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.cancel, o.done = cancel, done
	o.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	go o.run(ctx, text, prevDone, done)
	return nil
}

func (o *SpeechOutput) run(ctx context.Context, text string, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	if text == "" {
		return
	}
	if ctx.Err() != nil {
		metrics.Utterances.WithLabelValues("canceled").Inc()
		return
	}

	audio, err := o.synth.Synthesize(ctx, text)
	if err == nil {
		err = o.player.Play(ctx, audio)
	}
	switch {
	case ctx.Err() != nil:
		metrics.Utterances.WithLabelValues("canceled").Inc()
	case err != nil:
		metrics.Utterances.WithLabelValues("failed").Inc()
		o.logger.Warn().Err(err).Msg("utterance failed")
	default:
		metrics.Utterances.WithLabelValues("completed").Inc()
	}
}

// Stop cancels the current utterance. It is safe to call when idle.
func (o *SpeechOutput) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current utterance has ended.
func (o *SpeechOutput) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops playback, waits for it to end and rejects later calls.
func (o *SpeechOutput) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.Stop()
	o.Wait()
}
