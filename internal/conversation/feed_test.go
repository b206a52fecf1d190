package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memorease/internal/domain"
)

type scriptedReader struct {
	mu    sync.Mutex
	reads []func() (domain.Snapshot, error)
	n     int
}

func (r *scriptedReader) Snapshot(context.Context, string) (domain.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.n
	if i >= len(r.reads) {
		i = len(r.reads) - 1
	}
	r.n++
	return r.reads[i]()
}

func snapOf(ids ...string) func() (domain.Snapshot, error) {
	return func() (domain.Snapshot, error) {
		snap := domain.Snapshot{ConversationID: "c1"}
		for i, id := range ids {
			snap.Turns = append(snap.Turns, domain.Turn{ID: id, ConversationID: "c1", Text: id, Speaker: domain.SpeakerUser, Seq: int64(i + 1)})
		}
		return snap, nil
	}
}

type chanSource struct {
	ch chan struct{}
}

func (c *chanSource) Changes(ctx context.Context, _ string) (<-chan struct{}, error) {
	out := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.ch:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type feedItem struct {
	snap domain.Snapshot
	err  error
}

func collect(ctx context.Context, f *Feed) <-chan feedItem {
	out := make(chan feedItem, 16)
	go func() {
		defer close(out)
		for snap, err := range f.Snapshots(ctx) {
			out <- feedItem{snap: snap, err: err}
		}
	}()
	return out
}

func next(t *testing.T, items <-chan feedItem) feedItem {
	t.Helper()
	select {
	case it := <-items:
		return it
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return feedItem{}
	}
}

func TestNewFeed_Validation(t *testing.T) {
	_, err := NewFeed("", &fakeLog{})
	require.Error(t, err)
	_, err = NewFeed("c1", nil)
	require.Error(t, err)
}

func TestFeed_YieldsOnlyChangedSnapshots(t *testing.T) {
	reader := &scriptedReader{reads: []func() (domain.Snapshot, error){
		snapOf(),
		snapOf("a"),
		snapOf("a"),
		snapOf("a", "b"),
	}}
	src := &chanSource{ch: make(chan struct{})}
	f, err := NewFeed("c1", reader, WithChangeSource(src), WithPollInterval(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	items := collect(ctx, f)

	require.Empty(t, next(t, items).snap.Turns)
	src.ch <- struct{}{}
	require.Len(t, next(t, items).snap.Turns, 1)
	src.ch <- struct{}{}
	src.ch <- struct{}{}
	it := next(t, items)
	require.NoError(t, it.err)
	require.Len(t, it.snap.Turns, 2)

	cancel()
	for range items {
	}
}

func TestFeed_YieldsReadErrorsAndContinues(t *testing.T) {
	reader := &scriptedReader{reads: []func() (domain.Snapshot, error){
		func() (domain.Snapshot, error) { return domain.Snapshot{}, errors.New("throttled") },
		snapOf("a"),
	}}
	f, err := NewFeed("c1", reader, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	items := collect(ctx, f)

	require.ErrorContains(t, next(t, items).err, "throttled")
	it := next(t, items)
	require.NoError(t, it.err)
	require.Len(t, it.snap.Turns, 1)
}

func TestFeed_IsRestartable(t *testing.T) {
	reader := &scriptedReader{reads: []func() (domain.Snapshot, error){snapOf("a")}}
	f, err := NewFeed("c1", reader, WithPollInterval(0))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		count := 0
		for snap, err := range f.Snapshots(context.Background()) {
			require.NoError(t, err)
			require.Len(t, snap.Turns, 1)
			count++
			break
		}
		require.Equal(t, 1, count)
	}
}

func TestFeed_DrivesStore(t *testing.T) {
	log := &fakeLog{}
	s := newTestStore(t, log)
	_, err := s.Append(context.Background(), userTurn("hello"))
	require.NoError(t, err)

	f, err := NewFeed("c1", log, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Follow(ctx, f.Snapshots(ctx)) }()

	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Turns) == 1 && v.Turns[0].Status == StatusConfirmed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
