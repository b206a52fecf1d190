package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"

	"memorease/internal/domain"
)

// Registry hands out one Store per conversation over a shared durable log.
type Registry struct {
	log  DurableLog
	opts []Option

	mu     sync.Mutex
	stores map[string]*Store
}

func NewRegistry(log DurableLog, opts ...Option) (*Registry, error) {
	if log == nil {
		return nil, errors.New("conversation: durable log must not be nil")
	}
	return &Registry{log: log, opts: opts, stores: make(map[string]*Store)}, nil
}

// Store returns the store for conversationID, creating it on first use.
func (r *Registry) Store(conversationID string) (*Store, error) {
	conversationID = strings.TrimSpace(conversationID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[conversationID]; ok {
		return s, nil
	}
	s, err := NewStore(conversationID, r.log, r.opts...)
	if err != nil {
		return nil, err
	}
	r.stores[conversationID] = s
	return s, nil
}

// Append appends turn to its conversation's store.
func (r *Registry) Append(ctx context.Context, conversationID string, turn domain.Turn) (domain.Turn, error) {
	s, err := r.Store(conversationID)
	if err != nil {
		return domain.Turn{}, err
	}
	return s.Append(ctx, turn)
}
