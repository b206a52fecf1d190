package conversation

import (
	"context"
	"errors"
	"sync"

	"memorease/internal/domain"
)

type fakeLog struct {
	mu       sync.Mutex
	turns    []domain.Turn
	failNext int
	failAll  bool
	calls    int
}

func (f *fakeLog) AppendTurn(_ context.Context, turn domain.Turn) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAll {
		return 0, errors.New("log unavailable")
	}
	if f.failNext > 0 {
		f.failNext--
		return 0, errors.New("throttled")
	}
	for _, t := range f.turns {
		if t.ID == turn.ID {
			return t.Seq, nil
		}
	}
	turn.Seq = int64(len(f.turns) + 1)
	f.turns = append(f.turns, turn)
	return turn.Seq, nil
}

func (f *fakeLog) Snapshot(_ context.Context, conversationID string) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := domain.Snapshot{ConversationID: conversationID}
	for _, t := range f.turns {
		if t.ConversationID == conversationID {
			out.Turns = append(out.Turns, t)
		}
	}
	return out, nil
}

func (f *fakeLog) setFailAll(v bool) {
	f.mu.Lock()
	f.failAll = v
	f.mu.Unlock()
}
