// Package changefeed announces durable conversation changes over Redis
// pub/sub so other processes re-read their snapshots.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultPrefix = "memorease:conversation:"

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Notifier publishes and receives per-conversation change signals. A
// signal carries no data; receivers re-read the full snapshot.
type Notifier struct {
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewNotifier connects to Redis and verifies the connection.
func NewNotifier(ctx context.Context, cfg Config, logger zerolog.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("changefeed: redis address must not be empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("changefeed: redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Notifier{rdb: rdb, prefix: prefix, logger: logger}, nil
}

// Channel is the pub/sub channel used for conversationID.
func (n *Notifier) Channel(conversationID string) string {
	return n.prefix + conversationID
}

// Publish signals that conversationID changed.
func (n *Notifier) Publish(ctx context.Context, conversationID string) error {
	if err := n.rdb.Publish(ctx, n.Channel(conversationID), conversationID).Err(); err != nil {
		return fmt.Errorf("changefeed: publish: %w", err)
	}
	return nil
}

// Changes subscribes to conversationID. Bursts of signals collapse into one
// pending signal. The channel closes when ctx is done.
func (n *Notifier) Changes(ctx context.Context, conversationID string) (<-chan struct{}, error) {
	ps := n.rdb.Subscribe(ctx, n.Channel(conversationID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("changefeed: subscribe: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					n.logger.Warn().Str("conversation_id", conversationID).Msg("change subscription closed")
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Ping checks that Redis is reachable.
func (n *Notifier) Ping(ctx context.Context) error {
	return n.rdb.Ping(ctx).Err()
}

func (n *Notifier) Close() error {
	return n.rdb.Close()
}
