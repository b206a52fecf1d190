package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"memorease/internal/domain"
)

func ev(text, ts, loc string) domain.LoggedEvent {
	return domain.LoggedEvent{Text: text, Timestamp: ts, LocationLabel: loc}
}

func TestBuildContext_FormatsEventsInOrder(t *testing.T) {
	events := []domain.LoggedEvent{
		ev("Took medication", "08:00", "Bedroom"),
		{Text: "Walked the dog", Timestamp: "09:30", LocationLabel: "Park", ImageRef: "https://img.example/dog.jpg"},
	}
	got := BuildContext(events, ContextLimit{})
	require.Equal(t,
		"Took medication (Time: 08:00, Location: Bedroom)\n"+
			"Walked the dog (Time: 09:30, Location: Park, Image URL: https://img.example/dog.jpg)",
		got)
	require.Equal(t, got, BuildContext(events, ContextLimit{}))
}

func TestBuildContext_Empty(t *testing.T) {
	require.Empty(t, BuildContext(nil, DefaultContextLimit()))
}

func TestBuildContext_KeepsMostRecentEvents(t *testing.T) {
	events := []domain.LoggedEvent{ev("a", "1", "x"), ev("b", "2", "x"), ev("c", "3", "x")}
	got := BuildContext(events, ContextLimit{MaxEvents: 2})
	require.Equal(t, "b (Time: 2, Location: x)\nc (Time: 3, Location: x)", got)
	require.Len(t, events, 3)
}

func TestBuildContext_DropsOldestLinesToFitBytes(t *testing.T) {
	events := []domain.LoggedEvent{ev("a", "1", "x"), ev("b", "2", "x"), ev("c", "3", "x")}
	line := "c (Time: 3, Location: x)"
	got := BuildContext(events, ContextLimit{MaxBytes: 2*len(line) + 1})
	require.Equal(t, "b (Time: 2, Location: x)\n"+line, got)

	got = BuildContext(events, ContextLimit{MaxBytes: len(line)})
	require.Equal(t, line, got)

	require.Empty(t, BuildContext(events, ContextLimit{MaxBytes: 3}))
}

func TestDefaultInstruction_MentionsOffTopicReply(t *testing.T) {
	require.True(t, strings.Contains(DefaultInstruction(), OffTopicReply))
}
