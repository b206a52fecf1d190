// Package app wires the configured backends, integrations and conversation
// components into one runnable unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"

	"memorease/internal/config"
	"memorease/internal/conversation"
	"memorease/internal/domain"
	"memorease/internal/integrations/changefeed"
	"memorease/internal/integrations/openai"
	"memorease/internal/integrations/paramstore"
	"memorease/internal/logging"
	"memorease/internal/repository"
	"memorease/internal/usecase"
	"memorease/internal/voice"
)

// Backend is the durable store behind conversations and logged events.
type Backend interface {
	conversation.DurableLog
	conversation.SnapshotReader
	usecase.EventLister
	PutEvent(ctx context.Context, userID string, e domain.LoggedEvent) error
}

// App holds every long-lived component. Close tears them down in order:
// capture controllers, store subscriptions, speech output, then connections.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Backend   Backend
	Registry  *conversation.Registry
	Assistant *usecase.AssistantService
	OpenAI    *openai.Client
	Notifier  *changefeed.Notifier
	Speech    *voice.SpeechOutput

	watchCtx    context.Context
	stopWatches context.CancelFunc

	mu       sync.Mutex
	captures []*voice.CaptureController
	unsubs   []func()
	closers  []func() error
	closed   bool
}

type Option func(*options)

type options struct {
	backend Backend
	player  voice.Player
}

// WithBackend replaces the configured storage backend.
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithPlayer enables spoken replies for voice turns through p.
func WithPlayer(p voice.Player) Option {
	return func(o *options) { o.player = p }
}

func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}
	a.watchCtx, a.stopWatches = context.WithCancel(context.Background())
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWS.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWS.Region))
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	// ---- Storage ----
	a.Backend = o.backend
	if a.Backend == nil {
		switch cfg.Storage.Backend {
		case config.BackendSQLite:
			db, err := repository.OpenSQLite(cfg.Storage.SQLitePath)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, db.Close)
			a.Backend = db
		default:
			c, err := loadAWS()
			if err != nil {
				return nil, err
			}
			db, err := repository.New(awsdynamodb.NewFromConfig(c), cfg.Storage.StateTable)
			if err != nil {
				return nil, err
			}
			a.Backend = db
		}
	}

	// ---- Secrets ----
	var params *paramstore.Client
	if cfg.UsesParamStore() {
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		params, err = paramstore.New(awsssm.NewFromConfig(c))
		if err != nil {
			return nil, err
		}
	}

	// ---- OpenAI ----
	aiOpts := []openai.Option{
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
		openai.WithChatModel(cfg.OpenAI.ChatModel),
		openai.WithTranscriptionModel(cfg.OpenAI.TranscriptionModel),
		openai.WithSpeechModel(cfg.OpenAI.SpeechModel, cfg.OpenAI.SpeechVoice),
	}
	if cfg.OpenAI.APIKey != "" {
		aiOpts = append(aiOpts, openai.WithAPIKey(cfg.OpenAI.APIKey))
	}
	var getter openai.Getter
	if params != nil {
		getter = params
	}
	ai, err := openai.NewClient(getter, cfg.AWS.ParamPrefix, aiOpts...)
	if err != nil {
		return nil, err
	}
	a.OpenAI = ai

	// ---- Change feed ----
	retry := conversation.RetryPolicy{
		Attempts: cfg.Conversation.RetryAttempts,
		Delay:    cfg.Conversation.RetryDelay,
	}
	storeOpts := []conversation.Option{
		conversation.WithRetryPolicy(retry),
		conversation.WithStaleAfter(cfg.Conversation.StaleAfter),
		conversation.WithWriteTimeout(cfg.Conversation.WriteTimeout),
		conversation.WithLogger(logging.Component(logger, "conversation")),
	}
	if cfg.Redis.Addr != "" {
		n, err := changefeed.NewNotifier(ctx, changefeed.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, logging.Component(logger, "changefeed"))
		if err != nil {
			return nil, err
		}
		a.Notifier = n
		a.closers = append(a.closers, n.Close)
		storeOpts = append(storeOpts, conversation.WithPublisher(n))
	}

	a.Registry, err = conversation.NewRegistry(a.Backend, storeOpts...)
	if err != nil {
		return nil, err
	}

	// ---- Speech ----
	assistantOpts := []usecase.AssistantOption{
		usecase.WithContextLimit(usecase.ContextLimit{
			MaxEvents: cfg.Context.MaxEvents,
			MaxBytes:  cfg.Context.MaxBytes,
		}),
		usecase.WithCompletionTimeout(cfg.OpenAI.CompletionTimeout),
		usecase.WithSerializedTurns(cfg.Conversation.SerializeTurns),
		// A turn pair is two appends.
		usecase.WithSaveTimeout(2 * retry.MaxDuration(cfg.Conversation.WriteTimeout)),
		usecase.WithLogger(logging.Component(logger, "assistant")),
	}
	if o.player != nil {
		sp, err := voice.NewSpeechOutput(ai, o.player, logging.Component(logger, "speech"))
		if err != nil {
			return nil, err
		}
		a.Speech = sp
		assistantOpts = append(assistantOpts, usecase.WithSpeaker(sp))
	}
	if params != nil {
		assistantOpts = append(assistantOpts, usecase.WithInstructionParam(params, cfg.AWS.ParamPrefix))
	}

	a.Assistant, err = usecase.NewAssistantService(a.Registry, a.Backend, ai, assistantOpts...)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// Feed builds the snapshot feed for conversationID, driven by the Redis
// change feed when one is configured and by polling otherwise.
func (a *App) Feed(conversationID string) (*conversation.Feed, error) {
	opts := []conversation.FeedOption{
		conversation.WithPollInterval(a.Config.Conversation.PollInterval),
		conversation.WithFeedLogger(logging.Component(a.Logger, "feed")),
	}
	if a.Notifier != nil {
		opts = append(opts, conversation.WithChangeSource(a.Notifier))
	}
	return conversation.NewFeed(conversationID, a.Backend, opts...)
}

// Watch starts following the durable snapshots of conversationID and
// subscribes fn to its view. The subscription ends at Close.
func (a *App) Watch(conversationID string, fn func(conversation.View)) (*conversation.Store, error) {
	store, err := a.Registry.Store(conversationID)
	if err != nil {
		return nil, err
	}
	feed, err := a.Feed(conversationID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errors.New("app: closed")
	}
	h := store.Subscribe(fn)
	a.unsubs = append(a.unsubs, func() { store.Unsubscribe(h) })

	go func() {
		if err := store.Follow(a.watchCtx, feed.Snapshots(a.watchCtx)); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("snapshot feed stopped")
		}
	}()
	return store, nil
}

// Greet seeds the greeting into an empty conversation.
func (a *App) Greet(ctx context.Context, conversationID string) error {
	store, err := a.Registry.Store(conversationID)
	if err != nil {
		return err
	}
	_, err = conversation.EnsureGreeting(ctx, store, a.Backend)
	return err
}

// Capture returns a capture controller that records from device and
// recognizes speech with the OpenAI client.
func (a *App) Capture(device voice.Device) (*voice.CaptureController, error) {
	c, err := voice.NewCaptureController(device, a.OpenAI,
		voice.WithRecognitionTimeout(a.Config.Voice.RecognitionTimeout),
		voice.WithCaptureLogger(logging.Component(a.Logger, "capture")),
	)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		c.Destroy()
		return nil, errors.New("app: closed")
	}
	a.captures = append(a.captures, c)
	return c, nil
}

func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	captures, unsubs, closers := a.captures, a.unsubs, a.closers
	a.captures, a.unsubs, a.closers = nil, nil, nil
	a.mu.Unlock()

	for _, c := range captures {
		c.Destroy()
	}
	a.stopWatches()
	for _, u := range unsubs {
		u()
	}
	if a.Speech != nil {
		a.Speech.Close()
	}

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
