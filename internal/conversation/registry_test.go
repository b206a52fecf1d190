package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_ReusesStorePerConversation(t *testing.T) {
	_, err := NewRegistry(nil)
	require.Error(t, err)

	log := &fakeLog{}
	r, err := NewRegistry(log)
	require.NoError(t, err)

	a, err := r.Store("c1")
	require.NoError(t, err)
	b, err := r.Store(" c1 ")
	require.NoError(t, err)
	require.Same(t, a, b)

	_, err = r.Store("")
	require.Error(t, err)

	got, err := r.Append(context.Background(), "c2", userTurn("hi"))
	require.NoError(t, err)
	require.Equal(t, "c2", got.ConversationID)

	c2, err := r.Store("c2")
	require.NoError(t, err)
	require.Len(t, c2.View().Turns, 1)
	require.Empty(t, a.View().Turns)
}
