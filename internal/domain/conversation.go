package domain

import (
	"errors"
	"strings"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Valid reports whether s is a known speaker.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAssistant
}

// Turn is a single message in a conversation. Turns are immutable once appended.
// Seq is the order assigned by the durable log; zero means not yet assigned.
type Turn struct {
	ID             string    `json:"id" yaml:"id"`
	ConversationID string    `json:"conversationId" yaml:"conversation_id"`
	Text           string    `json:"text" yaml:"text"`
	Speaker        Speaker   `json:"speaker" yaml:"speaker"`
	CreatedAt      time.Time `json:"createdAt" yaml:"created_at"`
	Seq            int64     `json:"seq,omitempty" yaml:"seq,omitempty"`
}

// Validate checks the fields every persisted turn must carry.
func (t Turn) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("domain: turn id is required")
	}
	if strings.TrimSpace(t.ConversationID) == "" {
		return errors.New("domain: turn conversation id is required")
	}
	if !t.Speaker.Valid() {
		return errors.New("domain: turn speaker must be user or assistant")
	}
	if strings.TrimSpace(t.Text) == "" {
		return errors.New("domain: turn text is required")
	}
	return nil
}

// Snapshot is the entire durable state of one conversation, ordered by Seq.
type Snapshot struct {
	ConversationID string `json:"conversationId" yaml:"conversation_id"`
	Turns          []Turn `json:"turns" yaml:"turns"`
}

// Session carries the identity a conversation runs under. It is created at
// sign-in and passed explicitly to every component that needs it.
type Session struct {
	UserID         string
	ConversationID string
}

func (s Session) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return errors.New("domain: session user id is required")
	}
	if strings.TrimSpace(s.ConversationID) == "" {
		return errors.New("domain: session conversation id is required")
	}
	return nil
}
