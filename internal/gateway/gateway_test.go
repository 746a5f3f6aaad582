package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/researchview/internal/state"
	"github.com/user/researchview/internal/timeline"
	"github.com/user/researchview/internal/types"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []types.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n types.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) all() []types.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Notification(nil), r.notes...)
}

// flakyStore fails every Save while failing is set.
type flakyStore struct {
	*state.FileStore
	mu      sync.Mutex
	failing bool
	saves   int
}

func (f *flakyStore) Save(ctx context.Context, s *types.SessionRecord) error {
	f.mu.Lock()
	f.saves++
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return f.FileStore.Save(ctx, s)
}

type sliceSubscription struct {
	mu     sync.Mutex
	events []types.Event
	closed bool
}

func (s *sliceSubscription) Next(ctx context.Context) (types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return types.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newTestGateway(t *testing.T, history types.HistoryStore, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{WithRetryPolicy(fastPolicy(2))}, opts...)
	gw := New(history, opts...)
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)
	return gw
}

func waitArchived(t *testing.T, gw *Gateway, id types.SessionID) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, live := range gw.Live() {
			if live == id {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGatewaySessionLifecycle(t *testing.T) {
	history := state.NewFileStore(t.TempDir())
	gw := newTestGateway(t, history)
	ctx := context.Background()

	id, err := gw.Create(ctx, "How do tides work?")
	require.NoError(t, err)
	assert.Equal(t, []types.SessionID{id}, gw.Live())

	saved, err := history.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "How do tides work?", saved.Question)

	for _, ev := range []types.Event{
		{Header: "progress", Text: "searching"},
		{Header: types.HeaderReport, Text: "# Tides\n"},
		{Header: types.HeaderReport, Text: "The moon pulls."},
	} {
		require.NoError(t, gw.HandleEvent(ctx, id, ev))
	}

	require.NoError(t, gw.StopSession(id))
	require.NoError(t, gw.StopSession(id))
	waitArchived(t, gw, id)

	saved, err = history.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, saved.Timeline, 4)
	for i, rec := range saved.Timeline {
		assert.Equal(t, int64(i), rec.Seq)
	}
	assert.Equal(t, types.KindQuestion, saved.Timeline[0].Kind)
	assert.False(t, saved.CreatedAt.After(saved.UpdatedAt))

	tl, err := gw.Timeline(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, timeline.StateArchived, tl.State())
	assert.Equal(t, "# Tides\nThe moon pulls.", tl.Report())

	err = gw.HandleEvent(ctx, id, types.Event{Header: "late"})
	assert.ErrorIs(t, err, types.ErrArchived)
}

func TestGatewayUnknownSession(t *testing.T) {
	gw := newTestGateway(t, state.NewFileStore(t.TempDir()))
	ctx := context.Background()

	assert.ErrorIs(t, gw.HandleEvent(ctx, "missing", types.Event{}), types.ErrNotFound)
	assert.ErrorIs(t, gw.StopSession("missing"), types.ErrNotFound)
	_, err := gw.Timeline(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGatewayDuplicateID(t *testing.T) {
	history := state.NewFileStore(t.TempDir())
	gw := newTestGateway(t, history)
	ctx := context.Background()

	require.NoError(t, gw.CreateWithID(ctx, "fixed", "q"))
	assert.ErrorIs(t, gw.CreateWithID(ctx, "fixed", "q"), types.ErrSessionExists)

	require.NoError(t, gw.StopSession("fixed"))
	waitArchived(t, gw, "fixed")
	assert.ErrorIs(t, gw.CreateWithID(ctx, "fixed", "q"), types.ErrSessionExists)
}

func TestGatewayEventsKeepArrivalOrderPerSession(t *testing.T) {
	history := state.NewFileStore(t.TempDir())
	gw := newTestGateway(t, history, WithMaxConcurrent(2))
	ctx := context.Background()

	ids := make([]types.SessionID, 3)
	for i := range ids {
		id, err := gw.Create(ctx, fmt.Sprintf("q%d", i))
		require.NoError(t, err)
		ids[i] = id
	}

	const perSession = 30
	for n := 0; n < perSession; n++ {
		for _, id := range ids {
			require.NoError(t, gw.HandleEvent(ctx, id, types.Event{Header: "progress", Text: fmt.Sprint(n)}))
		}
	}
	for _, id := range ids {
		require.NoError(t, gw.StopSession(id))
	}
	for _, id := range ids {
		waitArchived(t, gw, id)
		saved, err := history.Get(ctx, id)
		require.NoError(t, err)
		require.Len(t, saved.Timeline, perSession+1)
		for n := 0; n < perSession; n++ {
			assert.Equal(t, fmt.Sprint(n), saved.Timeline[n+1].DisplayText)
		}
	}
}

func TestGatewayNotifiesOnHistoryFailure(t *testing.T) {
	history := &flakyStore{FileStore: state.NewFileStore(t.TempDir()), failing: true}
	notifier := &recordingNotifier{}
	gw := newTestGateway(t, history, WithNotifier(notifier))
	ctx := context.Background()

	id, err := gw.Create(ctx, "q")
	require.NoError(t, err, "a failed autosave does not fail the session")

	notes := notifier.all()
	require.NotEmpty(t, notes)
	assert.Equal(t, types.LevelError, notes[0].Level)
	assert.Equal(t, id, notes[0].SessionID)
	assert.Contains(t, notes[0].Message, "disk full")

	history.mu.Lock()
	assert.Equal(t, 2, history.saves, "save is retried")
	history.failing = false
	history.mu.Unlock()

	require.NoError(t, gw.Save(ctx, id))
	_, err = history.Get(ctx, id)
	assert.NoError(t, err)
}

func TestGatewayAttachArchivesWhenSourceEnds(t *testing.T) {
	dir := t.TempDir()
	history := state.NewFileStore(dir)
	events := state.NewEventLog(dir)
	gw := newTestGateway(t, history, WithEventLog(events))
	ctx := context.Background()

	id, err := gw.Create(ctx, "q")
	require.NoError(t, err)

	sub := &sliceSubscription{events: []types.Event{
		{Header: "progress", Text: "one"},
		{Header: types.HeaderChat, Text: "answer"},
	}}
	require.NoError(t, gw.Attach(ctx, id, sub))
	waitArchived(t, gw, id)

	saved, err := history.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, saved.Timeline, 3)

	count, err := events.Count(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	sub.mu.Lock()
	assert.True(t, sub.closed)
	sub.mu.Unlock()
}

func TestGatewayDelete(t *testing.T) {
	dir := t.TempDir()
	history := state.NewFileStore(dir)
	events := state.NewEventLog(dir)
	gw := newTestGateway(t, history, WithEventLog(events))
	ctx := context.Background()

	id, err := gw.Create(ctx, "q")
	require.NoError(t, err)
	assert.ErrorIs(t, gw.Delete(ctx, id), types.ErrSessionRunning)

	require.NoError(t, gw.StopSession(id))
	waitArchived(t, gw, id)

	require.NoError(t, gw.Delete(ctx, id))
	_, err = history.Get(ctx, id)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, gw.Delete(ctx, id), types.ErrNotFound)

	count, err := events.Count(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGatewayStopArchivesLiveSessions(t *testing.T) {
	history := state.NewFileStore(t.TempDir())
	gw := New(history, WithRetryPolicy(fastPolicy(1)))
	gw.Start(context.Background())
	ctx := context.Background()

	id, err := gw.Create(ctx, "q")
	require.NoError(t, err)
	require.NoError(t, gw.HandleEvent(ctx, id, types.Event{Header: types.HeaderReport, Text: "r"}))

	gw.Stop()
	assert.Empty(t, gw.Live())

	saved, err := history.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, saved.Timeline, 2)
}

func TestGatewayAutosavesAfterEveryAppend(t *testing.T) {
	history := state.NewFileStore(t.TempDir())
	gw := newTestGateway(t, history, WithAutosaveDelay(20*time.Millisecond))
	ctx := context.Background()

	id, err := gw.Create(ctx, "q")
	require.NoError(t, err)
	created, err := history.Get(ctx, id)
	require.NoError(t, err)

	require.NoError(t, gw.HandleEvent(ctx, id, types.Event{Header: "progress", Text: "searching"}))
	require.NoError(t, gw.HandleEvent(ctx, id, types.Event{Header: types.HeaderReport, Text: "partial"}))

	require.Eventually(t, func() bool {
		saved, err := history.Get(ctx, id)
		return err == nil && len(saved.Timeline) == 3
	}, 5*time.Second, 10*time.Millisecond)

	saved, err := history.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, saved.UpdatedAt.After(created.UpdatedAt), "updatedAt moves with appends")
	assert.Equal(t, []types.SessionID{id}, gw.Live(), "autosave keeps the session live")
}

func TestGatewayAutosavesAttachedSource(t *testing.T) {
	history := state.NewFileStore(t.TempDir())
	gw := newTestGateway(t, history, WithAutosaveDelay(20*time.Millisecond))
	ctx := context.Background()

	id, err := gw.Create(ctx, "q")
	require.NoError(t, err)

	events := make(chan types.Event, 1)
	events <- types.Event{Header: "progress", Text: "reading"}
	require.NoError(t, gw.Attach(ctx, id, &chanSubscription{events: events}))

	require.Eventually(t, func() bool {
		saved, err := history.Get(ctx, id)
		return err == nil && len(saved.Timeline) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []types.SessionID{id}, gw.Live())
}

func TestGatewayStopTwice(t *testing.T) {
	history := state.NewFileStore(t.TempDir())
	gw := New(history, WithRetryPolicy(fastPolicy(1)))
	gw.Start(context.Background())

	_, err := gw.Create(context.Background(), "q")
	require.NoError(t, err)
	gw.Stop()
	gw.Stop()
	assert.Empty(t, gw.Live())
}

func TestGatewayStopArchivesAfterStartContextCancelled(t *testing.T) {
	history := state.NewFileStore(t.TempDir())
	gw := New(history, WithRetryPolicy(fastPolicy(1)))
	ctx, cancel := context.WithCancel(context.Background())
	gw.Start(ctx)

	id, err := gw.Create(ctx, "q")
	require.NoError(t, err)
	require.NoError(t, gw.HandleEvent(ctx, id, types.Event{Header: types.HeaderReport, Text: "r"}))

	cancel()
	gw.Stop()
	assert.Empty(t, gw.Live())

	saved, err := history.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, saved.Timeline, 2)
}

// chanSubscription delivers events from a channel and blocks once it is
// empty, like a live backend stream.
type chanSubscription struct {
	events chan types.Event
}

func (c *chanSubscription) Next(ctx context.Context) (types.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-ctx.Done():
		return types.Event{}, ctx.Err()
	}
}

func (c *chanSubscription) Close() error { return nil }
