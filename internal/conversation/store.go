// Package conversation owns the local turn cache of a conversation and its
// reconciliation against the durable ordered log.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"memorease/internal/domain"
	"memorease/internal/metrics"
)

const (
	defaultStaleAfter   = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Status describes how far a visible turn has travelled towards the durable log.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusNotSaved  Status = "not_saved"
)

// DurableLog is the write side of the durable ordered log. AppendTurn must be
// idempotent on turn id and return the order it assigned.
type DurableLog interface {
	AppendTurn(ctx context.Context, turn domain.Turn) (int64, error)
}

// Publisher announces that a conversation's durable state changed.
type Publisher interface {
	Publish(ctx context.Context, conversationID string) error
}

// PersistenceError reports a turn whose durable write failed after every attempt.
type PersistenceError struct {
	TurnID   string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("conversation: turn %s not saved after %d attempt(s): %v", e.TurnID, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// VisibleTurn is a turn as the user sees it, with its save status.
type VisibleTurn struct {
	domain.Turn
	Status Status `json:"status"`
}

// View is the externally visible ordered sequence of a conversation. Version
// increases every time the sequence changes.
type View struct {
	ConversationID string        `json:"conversationId"`
	Version        uint64        `json:"version"`
	Turns          []VisibleTurn `json:"turns"`
}

// Handle identifies a subscription.
type Handle uint64

type entry struct {
	turn      domain.Turn
	order     int64
	touchedAt time.Time
	failed    bool
}

// Store is the local cache of one conversation. Every method is safe for
// concurrent use; the cache is only mutated under mu and mu is never held
// across a durable read or write.
type Store struct {
	conversationID string
	log            DurableLog
	publisher      Publisher
	retry          RetryPolicy
	staleAfter     time.Duration
	writeTimeout   time.Duration
	now            func() time.Time
	logger         zerolog.Logger

	mu         sync.Mutex
	canonical  []domain.Turn
	local      map[string]*entry
	nextOrder  int64
	version    uint64
	last       []VisibleTurn
	subs       map[Handle]func(View)
	nextHandle Handle
}

// Option configures a Store.
type Option func(*Store)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a Store for conversationID backed by log.
func NewStore(conversationID string, log DurableLog, opts ...Option) (*Store, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("conversation: conversation id must not be empty")
	}
	if log == nil {
		return nil, errors.New("conversation: durable log must not be nil")
	}
	s := &Store{
		conversationID: conversationID,
		log:            log,
		retry:          DefaultRetryPolicy(),
		staleAfter:     defaultStaleAfter,
		writeTimeout:   defaultWriteTimeout,
		now:            time.Now,
		logger:         zerolog.Nop(),
		local:          make(map[string]*entry),
		subs:           make(map[Handle]func(View)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("conversation_id", conversationID).Logger()
	return s, nil
}

// ConversationID returns the conversation this store caches.
func (s *Store) ConversationID() string { return s.conversationID }

// Append inserts turn into the local cache and writes it to the durable log.
// The returned turn carries its id and, once acknowledged, its Seq. On a
// durable failure the turn stays visible as not_saved and a *PersistenceError
// is returned together with the turn.
func (s *Store) Append(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if turn.ID == "" {
		turn.ID = newTurnID()
	}
	turn.ConversationID = s.conversationID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now().UTC()
	}
	turn.Seq = 0
	if err := turn.Validate(); err != nil {
		return domain.Turn{}, fmt.Errorf("conversation: append: %w", err)
	}

	s.mu.Lock()
	if s.knownLocked(turn.ID) {
		s.mu.Unlock()
		return turn, fmt.Errorf("conversation: append: duplicate turn id %q", turn.ID)
	}
	s.local[turn.ID] = &entry{turn: turn, order: s.nextOrder, touchedAt: s.now()}
	s.nextOrder++
	view, changed := s.refreshLocked()
	s.mu.Unlock()
	s.deliver(view, changed)

	return s.persist(ctx, turn)
}

// Resend retries the durable write of a turn left not_saved.
func (s *Store) Resend(ctx context.Context, turnID string) (domain.Turn, error) {
	s.mu.Lock()
	e, ok := s.local[turnID]
	if !ok || !e.failed {
		s.mu.Unlock()
		return domain.Turn{}, fmt.Errorf("conversation: resend: turn %q is not awaiting a resend", turnID)
	}
	e.failed = false
	e.touchedAt = s.now()
	turn := e.turn
	view, changed := s.refreshLocked()
	s.mu.Unlock()
	s.deliver(view, changed)

	return s.persist(ctx, turn)
}

func (s *Store) persist(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	var seq int64
	attempts, err := s.retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			metrics.PersistenceRetries.Inc()
			s.logger.Warn().Str("turn_id", turn.ID).Int("attempt", attempt).Msg("retrying durable write")
		}
		wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
		var werr error
		seq, werr = s.log.AppendTurn(wctx, turn)
		return werr
	})

	s.mu.Lock()
	if e, ok := s.local[turn.ID]; ok {
		if err != nil {
			e.failed = true
		} else {
			e.turn.Seq = seq
			e.touchedAt = s.now()
		}
	}
	view, changed := s.refreshLocked()
	s.mu.Unlock()
	s.deliver(view, changed)

	if err != nil {
		metrics.PersistenceFailures.Inc()
		s.logger.Error().Err(err).Str("turn_id", turn.ID).Int("attempts", attempts).Msg("turn not saved")
		return turn, &PersistenceError{TurnID: turn.ID, Attempts: attempts, Err: err}
	}

	metrics.TurnsAppended.WithLabelValues(string(turn.Speaker)).Inc()
	if s.publisher != nil {
		if perr := s.publisher.Publish(ctx, s.conversationID); perr != nil {
			s.logger.Warn().Err(perr).Msg("change notification failed")
		}
	}
	turn.Seq = seq
	return turn, nil
}

// Apply merges a full durable snapshot into the cache. Local turns present in
// the snapshot are replaced by the canonical copy; the rest stay visible until
// confirmed or stale.
func (s *Store) Apply(snap domain.Snapshot) {
	if snap.ConversationID != "" && snap.ConversationID != s.conversationID {
		s.logger.Warn().Str("snapshot_conversation_id", snap.ConversationID).Msg("ignoring snapshot for another conversation")
		return
	}

	canonical := canonicalTurns(snap.Turns)
	seen := make(map[string]struct{}, len(canonical))
	for _, t := range canonical {
		seen[t.ID] = struct{}{}
	}

	s.mu.Lock()
	s.canonical = canonical
	now := s.now()
	for id, e := range s.local {
		if _, ok := seen[id]; ok {
			delete(s.local, id)
			continue
		}
		if s.staleLocked(e, now) {
			s.logger.Debug().Str("turn_id", id).Msg("dropping stale unconfirmed turn")
			delete(s.local, id)
		}
	}
	view, changed := s.refreshLocked()
	s.mu.Unlock()
	s.deliver(view, changed)
}

// Follow applies every snapshot yielded by snapshots until the sequence ends
// or ctx is done. Errors from the sequence are logged and skipped.
func (s *Store) Follow(ctx context.Context, snapshots iter.Seq2[domain.Snapshot, error]) error {
	for snap, err := range snapshots {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("snapshot read failed")
			continue
		}
		s.Apply(snap)
	}
	return ctx.Err()
}

// View returns the current visible sequence.
func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotViewLocked()
}

// Subscribe registers fn for every change of the visible sequence and
// delivers the current view immediately. fn runs outside the store lock and
// may observe views out of order under concurrency; compare View.Version.
func (s *Store) Subscribe(fn func(View)) Handle {
	s.mu.Lock()
	s.nextHandle++
	h := s.nextHandle
	s.subs[h] = fn
	view := s.snapshotViewLocked()
	s.mu.Unlock()
	fn(view)
	return h
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (s *Store) Unsubscribe(h Handle) {
	s.mu.Lock()
	delete(s.subs, h)
	s.mu.Unlock()
}

func (s *Store) knownLocked(id string) bool {
	if _, ok := s.local[id]; ok {
		return true
	}
	for _, t := range s.canonical {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) staleLocked(e *entry, now time.Time) bool {
	return !e.failed && now.Sub(e.touchedAt) > s.staleAfter
}

// refreshLocked recomputes the visible sequence and bumps the version when it
// changed.
func (s *Store) refreshLocked() (View, bool) {
	turns := s.visibleLocked()
	if slices.Equal(turns, s.last) && s.version > 0 {
		return View{}, false
	}
	s.last = turns
	s.version++
	return s.snapshotViewLocked(), true
}

func (s *Store) snapshotViewLocked() View {
	return View{
		ConversationID: s.conversationID,
		Version:        s.version,
		Turns:          slices.Clone(s.last),
	}
}

func (s *Store) visibleLocked() []VisibleTurn {
	now := s.now()
	out := make([]VisibleTurn, 0, len(s.canonical)+len(s.local))
	seen := make(map[string]struct{}, len(s.canonical)+len(s.local))
	for _, t := range s.canonical {
		out = append(out, VisibleTurn{Turn: t, Status: StatusConfirmed})
		seen[t.ID] = struct{}{}
	}

	var sequenced, unsequenced []*entry
	for id, e := range s.local {
		if _, dup := seen[id]; dup || s.staleLocked(e, now) {
			continue
		}
		if e.turn.Seq > 0 {
			sequenced = append(sequenced, e)
		} else {
			unsequenced = append(unsequenced, e)
		}
	}
	sort.Slice(sequenced, func(i, j int) bool {
		if sequenced[i].turn.Seq != sequenced[j].turn.Seq {
			return sequenced[i].turn.Seq < sequenced[j].turn.Seq
		}
		return sequenced[i].order < sequenced[j].order
	})
	sort.Slice(unsequenced, func(i, j int) bool { return unsequenced[i].order < unsequenced[j].order })

	for _, e := range sequenced {
		out = append(out, VisibleTurn{Turn: e.turn, Status: StatusPending})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	for _, e := range unsequenced {
		status := StatusPending
		if e.failed {
			status = StatusNotSaved
		}
		out = append(out, VisibleTurn{Turn: e.turn, Status: status})
	}
	return out
}

func (s *Store) deliver(view View, changed bool) {
	if !changed {
		return
	}
	s.mu.Lock()
	subs := make([]func(View), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(view)
	}
}

// canonicalTurns orders snapshot turns by Seq and keeps the first copy of any
// repeated id.
func canonicalTurns(turns []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, 0, len(turns))
	seen := make(map[string]struct{}, len(turns))
	sorted := slices.Clone(turns)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	for _, t := range sorted {
		if _, dup := seen[t.ID]; dup || t.ID == "" {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}

var newTurnID = func() string {
	return uuid.NewString()
}
