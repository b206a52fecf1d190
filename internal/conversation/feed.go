package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"memorease/internal/domain"
	"memorease/internal/metrics"
)

const defaultPollInterval = 5 * time.Second

// SnapshotReader reads the entire durable state of a conversation.
type SnapshotReader interface {
	Snapshot(ctx context.Context, conversationID string) (domain.Snapshot, error)
}

// ChangeSource delivers a signal whenever a conversation's durable state may
// have changed. The channel is closed once ctx is done.
type ChangeSource interface {
	Changes(ctx context.Context, conversationID string) (<-chan struct{}, error)
}

// Feed turns a SnapshotReader into a lazy sequence of snapshots for one
// conversation.
type Feed struct {
	conversationID string
	reader         SnapshotReader
	changes        ChangeSource
	pollInterval   time.Duration
	logger         zerolog.Logger
}

type FeedOption func(*Feed)

// WithChangeSource re-reads the snapshot whenever src signals a change.
func WithChangeSource(src ChangeSource) FeedOption {
	return func(f *Feed) { f.changes = src }
}

// WithPollInterval sets how often the snapshot is re-read without a change
// signal. Zero or negative disables polling.
func WithPollInterval(d time.Duration) FeedOption {
	return func(f *Feed) { f.pollInterval = d }
}

func WithFeedLogger(logger zerolog.Logger) FeedOption {
	return func(f *Feed) { f.logger = logger }
}

func NewFeed(conversationID string, reader SnapshotReader, opts ...FeedOption) (*Feed, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("conversation: feed conversation id must not be empty")
	}
	if reader == nil {
		return nil, errors.New("conversation: snapshot reader must not be nil")
	}
	f := &Feed{
		conversationID: conversationID,
		reader:         reader,
		pollInterval:   defaultPollInterval,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Snapshots returns a sequence that yields the current snapshot first and
// then every snapshot that differs from the previous one. Read failures are
// yielded as errors and the sequence keeps going. Each range over the
// sequence starts from scratch; it ends when ctx is done or the consumer
// stops.
func (f *Feed) Snapshots(ctx context.Context) iter.Seq2[domain.Snapshot, error] {
	return func(yield func(domain.Snapshot, error) bool) {
		metrics.ActiveFeeds.Inc()
		defer metrics.ActiveFeeds.Dec()

		var changes <-chan struct{}
		if f.changes != nil {
			ch, err := f.changes.Changes(ctx, f.conversationID)
			if err != nil {
				f.logger.Warn().Err(err).Str("conversation_id", f.conversationID).Msg("change notifications unavailable, polling only")
			} else {
				changes = ch
			}
		}

		var tick <-chan time.Time
		if f.pollInterval > 0 {
			ticker := time.NewTicker(f.pollInterval)
			defer ticker.Stop()
			tick = ticker.C
		}

		last, seen := "", false
		first := true
		for {
			if !first {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-changes:
					if !ok {
						changes = nil
						continue
					}
				case <-tick:
				}
			}
			if ctx.Err() != nil {
				return
			}

			snap, err := f.reader.Snapshot(ctx, f.conversationID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !yield(domain.Snapshot{}, fmt.Errorf("conversation: read snapshot: %w", err)) {
					return
				}
				first = false
				continue
			}
			fp := fingerprint(snap)
			if !seen || fp != last {
				last, seen = fp, true
				if !yield(snap, nil) {
					return
				}
			}
			first = false
		}
	}
}

func fingerprint(snap domain.Snapshot) string {
	var b strings.Builder
	for _, t := range snap.Turns {
		b.WriteString(t.ID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(t.Seq, 10))
		b.WriteByte(';')
	}
	return b.String()
}
