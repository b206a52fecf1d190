package changefeed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// setupNotifier connects to the Redis named by MEMOREASE_TEST_REDIS_ADDR.
func setupNotifier(t *testing.T) *Notifier {
	t.Helper()
	addr := os.Getenv("MEMOREASE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MEMOREASE_TEST_REDIS_ADDR not set")
	}
	n, err := NewNotifier(context.Background(), Config{Addr: addr}, zerolog.Nop())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNewNotifier_RequiresAddr(t *testing.T) {
	_, err := NewNotifier(context.Background(), Config{}, zerolog.Nop())
	require.Error(t, err)
}

func TestChannel(t *testing.T) {
	n := &Notifier{prefix: defaultPrefix}
	require.Equal(t, "memorease:conversation:c1", n.Channel("c1"))
}

func TestNotifier_PublishReachesSubscriber(t *testing.T) {
	n := setupNotifier(t)
	conv := "test-" + uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := n.Changes(ctx, conv)
	require.NoError(t, err)

	require.NoError(t, n.Publish(context.Background(), conv))
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-changes:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifier_OtherConversationIsIgnored(t *testing.T) {
	n := setupNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := n.Changes(ctx, "test-"+uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, n.Publish(context.Background(), "test-"+uuid.NewString()))

	select {
	case <-changes:
		t.Fatal("unexpected change signal")
	case <-time.After(200 * time.Millisecond):
	}
}
