package usecase

import (
	"strings"

	"memorease/internal/domain"
)

const (
	// FallbackReply answers the user whenever the completion service fails.
	FallbackReply = "Sorry, I couldn't process that request."
	// OffTopicReply is what the model is told to say for unrelated queries.
	OffTopicReply = "Sorry, cannot help you with that."

	defaultMaxContextEvents = 50
	defaultMaxContextBytes  = 16 * 1024
)

// ContextLimit caps how much logged history goes into one completion
// request. Zero fields mean unlimited.
type ContextLimit struct {
	MaxEvents int
	MaxBytes  int
}

func DefaultContextLimit() ContextLimit {
	return ContextLimit{MaxEvents: defaultMaxContextEvents, MaxBytes: defaultMaxContextBytes}
}

// DefaultInstruction is sent with every completion unless a template
// override is configured.
func DefaultInstruction() string {
	return strings.Join([]string{
		"You are an AI assistant being used for an app called Memorease.",
		"Your primary purpose is to assist with information retrieval and memory logging for people living with memory loss.",
		"Only respond to queries that are relevant to helping the user remember or manage their daily activities and logged information.",
		"Answer using only the logged information provided with the user input.",
		"If the query is not relevant, respond with \"" + OffTopicReply + "\"",
	}, " ")
}

// BuildContext renders events one per line, oldest first, keeping the most
// recent ones that fit limit.
func BuildContext(events []domain.LoggedEvent, limit ContextLimit) string {
	if limit.MaxEvents > 0 && len(events) > limit.MaxEvents {
		events = events[len(events)-limit.MaxEvents:]
	}
	lines := make([]string, len(events))
	size := 0
	for i, e := range events {
		lines[i] = formatEvent(e)
		size += len(lines[i])
	}
	if len(lines) > 1 {
		size += len(lines) - 1
	}
	if limit.MaxBytes > 0 {
		for len(lines) > 0 && size > limit.MaxBytes {
			size -= len(lines[0])
			if len(lines) > 1 {
				size--
			}
			lines = lines[1:]
		}
	}
	return strings.Join(lines, "\n")
}

func formatEvent(e domain.LoggedEvent) string {
	var b strings.Builder
	b.WriteString(e.Text)
	b.WriteString(" (Time: ")
	b.WriteString(e.Timestamp)
	b.WriteString(", Location: ")
	b.WriteString(e.LocationLabel)
	if e.ImageRef != "" {
		b.WriteString(", Image URL: ")
		b.WriteString(e.ImageRef)
	}
	b.WriteString(")")
	return b.String()
}

func normalizeText(s string) string {
	return strings.TrimSpace(s)
}
