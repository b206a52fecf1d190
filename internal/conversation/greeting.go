package conversation

import (
	"context"
	"fmt"

	"memorease/internal/domain"
)

// GreetingText opens every new conversation.
const GreetingText = "How can I help you?"

// GreetingID is deterministic so concurrent writers seeding the same
// conversation collapse onto one durable turn.
func GreetingID(conversationID string) string {
	return "greeting-" + conversationID
}

// EnsureGreeting reads the conversation and, when it has no turns yet, appends
// the assistant greeting. It reports whether a greeting was written.
func EnsureGreeting(ctx context.Context, s *Store, reader SnapshotReader) (bool, error) {
	snap, err := reader.Snapshot(ctx, s.ConversationID())
	if err != nil {
		return false, fmt.Errorf("conversation: greeting: %w", err)
	}
	s.Apply(snap)
	if len(snap.Turns) > 0 {
		return false, nil
	}
	id := GreetingID(s.ConversationID())
	for _, vt := range s.View().Turns {
		if vt.ID == id {
			return false, nil
		}
	}
	if _, err := s.Append(ctx, domain.Turn{
		ID:      id,
		Text:    GreetingText,
		Speaker: domain.SpeakerAssistant,
	}); err != nil {
		return false, fmt.Errorf("conversation: greeting: %w", err)
	}
	return true, nil
}
