package usecase

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"memorease/internal/conversation"
	"memorease/internal/domain"
	"memorease/internal/metrics"
	"memorease/internal/voice"
)

const (
	defaultCompletionTimeout = 20 * time.Second
	defaultSaveTimeout       = 30 * time.Second
)

// TurnAppender writes a turn to a conversation, local-first. On a durable
// failure it returns the locally appended turn with the error.
type TurnAppender interface {
	Append(ctx context.Context, conversationID string, turn domain.Turn) (domain.Turn, error)
}

type EventLister interface {
	ListEvents(ctx context.Context, userID string) ([]domain.LoggedEvent, error)
}

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

type Speaker interface {
	Speak(text string) error
}

// ParamGetter reads an optional parameter; found is false when it does not
// exist.
type ParamGetter interface {
	GetOptionalParameter(ctx context.Context, name string) (value string, found bool, err error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Origin tells how the user produced a turn.
type Origin string

const (
	OriginText  Origin = "text"
	OriginVoice Origin = "voice"
)

type TurnInput struct {
	Session domain.Session
	Text    string
	Origin  Origin
}

// VoiceInput builds the input for a completed voice capture.
func VoiceInput(session domain.Session, res voice.Result) TurnInput {
	return TurnInput{Session: session, Text: res.Transcript, Origin: OriginVoice}
}

// TurnOutput describes what SubmitTurn appended. Accepted is false when the
// input was empty and nothing happened.
type TurnOutput struct {
	Accepted      bool
	UserTurn      domain.Turn
	AssistantTurn domain.Turn
	Fallback      bool
}

type AssistantService struct {
	turns             TurnAppender
	events            EventLister
	completer         Completer
	speaker           Speaker
	params            ParamGetter
	paramPrefix       string
	limit             ContextLimit
	completionTimeout time.Duration
	saveTimeout       time.Duration
	serialize         bool
	logger            zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*semaphore.Weighted

	cacheMu     sync.RWMutex
	cacheLoaded bool
	instruction string
}

type AssistantOption func(*AssistantService)

// WithSpeaker speaks assistant replies to voice turns.
func WithSpeaker(sp Speaker) AssistantOption {
	return func(s *AssistantService) { s.speaker = sp }
}

// WithInstructionParam loads the instruction template from
// <prefix>/instruction_template when present.
func WithInstructionParam(p ParamGetter, prefix string) AssistantOption {
	return func(s *AssistantService) {
		s.params = p
		s.paramPrefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	}
}

func WithContextLimit(l ContextLimit) AssistantOption {
	return func(s *AssistantService) { s.limit = l }
}

func WithCompletionTimeout(d time.Duration) AssistantOption {
	return func(s *AssistantService) {
		if d > 0 {
			s.completionTimeout = d
		}
	}
}

// WithSaveTimeout bounds the durable writes of one turn pair. The writes
// outlive the caller's context up to this deadline.
func WithSaveTimeout(d time.Duration) AssistantOption {
	return func(s *AssistantService) {
		if d > 0 {
			s.saveTimeout = d
		}
	}
}

// WithSerializedTurns controls whether turns of one conversation run one at
// a time in arrival order. It is on by default.
func WithSerializedTurns(on bool) AssistantOption {
	return func(s *AssistantService) { s.serialize = on }
}

func WithLogger(logger zerolog.Logger) AssistantOption {
	return func(s *AssistantService) { s.logger = logger }
}

func NewAssistantService(turns TurnAppender, events EventLister, completer Completer, opts ...AssistantOption) (*AssistantService, error) {
	if turns == nil {
		return nil, errors.New("usecase: turn appender must not be nil")
	}
	if events == nil {
		return nil, errors.New("usecase: event lister must not be nil")
	}
	if completer == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	s := &AssistantService{
		turns:             turns,
		events:            events,
		completer:         completer,
		limit:             DefaultContextLimit(),
		completionTimeout: defaultCompletionTimeout,
		serialize:         true,
		logger:            zerolog.Nop(),
		locks:             make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SubmitTurn appends the user's turn, asks the completion service for a
// reply grounded in the user's logged events and appends the assistant turn.
// Completion failures become the fallback reply. A durable write failure is
// reported as ErrorPersistence together with the locally completed output.
// Once the user turn is taken, both appends run to completion even if ctx is
// canceled, so the durable log never holds a user turn without its reply.
func (s *AssistantService) SubmitTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	if err := in.Session.Validate(); err != nil {
		return TurnOutput{}, newError(ErrorValidation, "invalid_session", err)
	}
	text := normalizeText(in.Text)
	if text == "" {
		s.logger.Debug().Str("conversation_id", in.Session.ConversationID).Msg("ignoring empty turn")
		return TurnOutput{}, nil
	}
	convID := in.Session.ConversationID
	logger := s.logger.With().Str("conversation_id", convID).Str("origin", string(in.Origin)).Logger()

	if s.serialize {
		sem := s.lockFor(convID)
		if err := sem.Acquire(ctx, 1); err != nil {
			return TurnOutput{}, newError(ErrorInternal, "turn_canceled", err)
		}
		defer sem.Release(1)
	}

	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), s.saveTimeout)
	defer cancelSave()

	userTurn, userErr := s.turns.Append(saveCtx, convID, domain.Turn{Text: text, Speaker: domain.SpeakerUser})
	if userErr != nil && !isPersistenceError(userErr) {
		return TurnOutput{}, newError(ErrorInternal, "append_user_turn", userErr)
	}

	events, err := s.events.ListEvents(ctx, in.Session.UserID)
	if err != nil {
		logger.Warn().Err(err).Msg("listing logged events failed, answering without context")
		events = nil
	}

	req := domain.CompletionRequest{
		Instruction: s.loadInstruction(ctx),
		UserText:    text,
		Context:     BuildContext(events, s.limit),
	}
	reply, fallback := s.complete(ctx, logger, req)

	out := TurnOutput{Accepted: true, UserTurn: userTurn, Fallback: fallback}
	asstTurn, asstErr := s.turns.Append(saveCtx, convID, domain.Turn{Text: reply, Speaker: domain.SpeakerAssistant})
	if asstErr != nil && !isPersistenceError(asstErr) {
		return out, newError(ErrorInternal, "append_assistant_turn", asstErr)
	}
	out.AssistantTurn = asstTurn

	if in.Origin == OriginVoice && s.speaker != nil {
		if err := s.speaker.Speak(reply); err != nil {
			logger.Warn().Err(err).Msg("speaking reply failed")
		}
	}

	if persistErr := errors.Join(userErr, asstErr); persistErr != nil {
		return out, newError(ErrorPersistence, "turn_not_saved", persistErr)
	}
	return out, nil
}

func (s *AssistantService) complete(ctx context.Context, logger zerolog.Logger, req domain.CompletionRequest) (string, bool) {
	cctx, cancel := context.WithTimeout(ctx, s.completionTimeout)
	defer cancel()

	start := time.Now()
	reply, err := s.completer.Complete(cctx, req)
	metrics.CompletionLatency.Observe(time.Since(start).Seconds())

	reply = strings.TrimSpace(reply)
	reason := ""
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case err != nil:
		reason = "service_error"
		if status, ok := upstreamStatusCode(err); ok {
			reason = "status_" + strconv.Itoa(status)
		}
	case reply == "":
		reason = "empty_reply"
	}
	if reason == "" {
		return reply, false
	}
	metrics.CompletionFallbacks.WithLabelValues(reason).Inc()
	logger.Warn().Err(err).Str("reason", reason).Msg("completion failed, using fallback reply")
	return FallbackReply, true
}

func (s *AssistantService) lockFor(conversationID string) *semaphore.Weighted {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	sem, ok := s.locks[conversationID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.locks[conversationID] = sem
	}
	return sem
}

// loadInstruction returns the configured instruction template, falling back
// to the default. A failed load is retried on the next turn.
func (s *AssistantService) loadInstruction(ctx context.Context) string {
	if s.params == nil {
		return DefaultInstruction()
	}
	s.cacheMu.RLock()
	loaded, instruction := s.cacheLoaded, s.instruction
	s.cacheMu.RUnlock()
	if loaded {
		return instruction
	}

	value, found, err := s.params.GetOptionalParameter(ctx, s.paramPrefix+"/instruction_template")
	if err != nil {
		s.logger.Warn().Err(err).Msg("loading instruction template failed, using default")
		return DefaultInstruction()
	}
	instruction = DefaultInstruction()
	if found && strings.TrimSpace(value) != "" {
		instruction = strings.TrimSpace(value)
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if !s.cacheLoaded {
		s.instruction = instruction
		s.cacheLoaded = true
	}
	return s.instruction
}

func isPersistenceError(err error) bool {
	var perr *conversation.PersistenceError
	return errors.As(err, &perr)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
