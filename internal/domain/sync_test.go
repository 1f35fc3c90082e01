package domain

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubStore struct {
	conns       map[string]*Connection
	checkpoints map[string]*Checkpoint
	metrics     map[string]map[string]DailyMetric
	reauthCode  map[string]string
	listErr     error
	importCalls int
	saveCalls   int
}

func newStubStore() *stubStore {
	return &stubStore{
		conns:       make(map[string]*Connection),
		checkpoints: make(map[string]*Checkpoint),
		metrics:     make(map[string]map[string]DailyMetric),
		reauthCode:  make(map[string]string),
	}
}

func (s *stubStore) GetConnection(_ context.Context, userID string) (*Connection, error) {
	return s.conns[userID], nil
}

func (s *stubStore) ListSyncTargets(context.Context) ([]Connection, error) {
	targets := make([]Connection, 0)
	for _, conn := range s.conns {
		if conn.SyncTarget() {
			targets = append(targets, *conn)
		}
	}
	return targets, nil
}

func (s *stubStore) MarkNeedsReauth(_ context.Context, userID, code, _ string) error {
	if conn, ok := s.conns[userID]; ok {
		conn.NeedsReauth = true
	}
	s.reauthCode[userID] = code
	return nil
}

func (s *stubStore) UpsertConnection(_ context.Context, conn Connection) error {
	s.conns[conn.UserID] = &conn
	return nil
}

func (s *stubStore) GetCheckpoint(_ context.Context, userID string) (*Checkpoint, error) {
	return s.checkpoints[userID], nil
}

func (s *stubStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	s.saveCalls++
	s.checkpoints[cp.UserID] = &cp
	return nil
}

func (s *stubStore) ImportWindow(_ context.Context, userID string, metrics []DailyMetric, cp Checkpoint) error {
	s.importCalls++
	byDate := s.metrics[userID]
	if byDate == nil {
		byDate = make(map[string]DailyMetric)
		s.metrics[userID] = byDate
	}
	for _, m := range metrics {
		byDate[m.Date.Format(DateLayout)] = m
	}
	s.checkpoints[userID] = &cp
	return nil
}

func (s *stubStore) ListDailyMetrics(_ context.Context, userID string, _, _ time.Time) ([]DailyMetric, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]DailyMetric, 0, len(s.metrics[userID]))
	for _, m := range s.metrics[userID] {
		out = append(out, m)
	}
	return out, nil
}

type stubProvider struct {
	buckets []Bucket
	err     error
	calls   int
	windows [][2]time.Time
}

func (p *stubProvider) AggregateDaily(_ context.Context, _ Connection, start, end time.Time) ([]Bucket, error) {
	p.calls++
	p.windows = append(p.windows, [2]time.Time{start, end})
	if p.err != nil {
		return nil, p.err
	}
	return p.buckets, nil
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

var (
	testNow      = time.Date(2025, time.April, 15, 0, 0, 0, 0, time.UTC)
	testMinStart = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	testWindow   = 90 * 24 * time.Hour
)

func newTestWorker(store *stubStore, provider *stubProvider) *Worker {
	return NewWorker(store, store, provider, WorkerConfig{
		Window:   testWindow,
		MinStart: testMinStart,
	}, WithClock(func() time.Time { return testNow }), WithWorkerLogger(discardLogger()))
}

func connect(store *stubStore, userID string) {
	store.conns[userID] = &Connection{
		UserID:       userID,
		AccessToken:  "access",
		RefreshToken: "refresh",
	}
}

func TestWorkerFirstWindow(t *testing.T) {
	store := newStubStore()
	connect(store, "user-1")

	provider := &stubProvider{buckets: []Bucket{
		{Start: time.Date(2025, time.April, 13, 23, 0, 0, 0, time.UTC), Value: 4200},
		{Start: time.Date(2025, time.April, 14, 23, 0, 0, 0, time.UTC), Value: 8100},
	}}

	worker := newTestWorker(store, provider)
	result, err := worker.Run(context.Background(), "user-1")
	require.NoError(t, err)

	require.Equal(t, SyncCompleted, result.Status)
	require.Equal(t, 2, result.ImportedDays)
	require.Equal(t, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC), result.WindowStart)
	require.Equal(t, testNow, result.WindowEnd)

	cp := store.checkpoints["user-1"]
	require.NotNil(t, cp)
	require.False(t, cp.Finished)
	require.Equal(t, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC), cp.OldestFetchedDate)
	require.Len(t, store.metrics["user-1"], 2)
}

func TestWorkerWalksBackwardToCompletion(t *testing.T) {
	store := newStubStore()
	connect(store, "user-1")
	provider := &stubProvider{}
	worker := newTestWorker(store, provider)
	ctx := context.Background()

	// First call: [2025-01-15, 2025-04-15].
	first, err := worker.Run(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, SyncCompleted, first.Status)
	require.Equal(t, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC), first.WindowStart)

	// Second call: end 2025-01-15 is still past the floor, start clamps to it.
	second, err := worker.Run(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, SyncCompleted, second.Status)
	require.Equal(t, testMinStart, second.WindowStart)
	require.Equal(t, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC), second.WindowEnd)

	// Third call: end == floor, terminal step without a provider call.
	third, err := worker.Run(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, SyncBackfillFinished, third.Status)
	require.Equal(t, 2, provider.calls)
	require.True(t, store.checkpoints["user-1"].Finished)

	// Re-invocation after finish is a no-op.
	fourth, err := worker.Run(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, SyncAlreadyComplete, fourth.Status)
	require.Equal(t, 2, provider.calls)
}

func TestWorkerTerminatesOnEmptyWindows(t *testing.T) {
	store := newStubStore()
	connect(store, "user-1")
	provider := &stubProvider{} // always zero buckets
	worker := newTestWorker(store, provider)
	ctx := context.Background()

	span := testNow.Sub(testMinStart)
	maxSteps := int(span/testWindow) + 2

	finished := false
	for i := 0; i < maxSteps; i++ {
		result, err := worker.Run(ctx, "user-1")
		require.NoError(t, err)
		if result.Status == SyncBackfillFinished {
			finished = true
			break
		}
	}
	require.True(t, finished, "backfill must terminate even when every window is empty")
}

func TestWorkerCursorIsMonotonic(t *testing.T) {
	store := newStubStore()
	connect(store, "user-1")
	provider := &stubProvider{}
	worker := newTestWorker(store, provider)
	ctx := context.Background()

	var previous time.Time
	for {
		result, err := worker.Run(ctx, "user-1")
		require.NoError(t, err)
		if result.Status != SyncCompleted {
			break
		}
		cursor := store.checkpoints["user-1"].OldestFetchedDate
		if !previous.IsZero() {
			require.False(t, cursor.After(previous), "cursor moved forward: %s > %s", cursor, previous)
		}
		previous = cursor
	}
}

func TestWorkerIdempotentReplay(t *testing.T) {
	store := newStubStore()
	connect(store, "user-1")
	provider := &stubProvider{buckets: []Bucket{
		{Start: time.Date(2025, time.April, 14, 0, 0, 0, 0, time.UTC), Value: 5000},
	}}
	worker := newTestWorker(store, provider)
	ctx := context.Background()

	_, err := worker.Run(ctx, "user-1")
	require.NoError(t, err)

	// Replay the identical window: reset the checkpoint so the same span is
	// queried again with the same provider response.
	delete(store.checkpoints, "user-1")
	_, err = worker.Run(ctx, "user-1")
	require.NoError(t, err)

	require.Len(t, store.metrics["user-1"], 1)
	require.Equal(t, int64(5000), store.metrics["user-1"]["2025-04-14"].Value)
}

func TestWorkerDegradesOnAuthError(t *testing.T) {
	store := newStubStore()
	connect(store, "user-1")
	store.metrics["user-1"] = map[string]DailyMetric{
		"2025-04-01": {UserID: "user-1", Date: time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), Value: 3000},
	}

	provider := &stubProvider{err: &AuthError{Code: "invalid_grant", Message: "token revoked"}}
	worker := newTestWorker(store, provider)

	result, err := worker.Run(context.Background(), "user-1")
	require.NoError(t, err)

	require.Equal(t, SyncDegraded, result.Status)
	require.True(t, result.ReauthRequired)
	require.Len(t, result.Snapshot, 1)
	require.True(t, store.conns["user-1"].NeedsReauth)
	require.Equal(t, "invalid_grant", store.reauthCode["user-1"])

	// The checkpoint did not advance; nothing was imported.
	require.Zero(t, store.importCalls)
	require.Nil(t, store.checkpoints["user-1"])
}

func TestWorkerPropagatesProviderError(t *testing.T) {
	store := newStubStore()
	connect(store, "user-1")
	provider := &stubProvider{err: &ProviderError{Op: "aggregate", Status: 503, Err: errors.New("unavailable")}}
	worker := newTestWorker(store, provider)

	_, err := worker.Run(context.Background(), "user-1")
	require.Error(t, err)

	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
	require.Zero(t, store.importCalls)
}

func TestWorkerPreconditions(t *testing.T) {
	store := newStubStore()
	worker := newTestWorker(store, &stubProvider{})
	ctx := context.Background()

	_, err := worker.Run(ctx, "ghost")
	require.ErrorIs(t, err, ErrUserNotFound)

	store.conns["user-2"] = &Connection{UserID: "user-2", AccessToken: "access"}
	_, err = worker.Run(ctx, "user-2")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestWorkerConvertsBucketsToLocalDays(t *testing.T) {
	store := newStubStore()
	store.conns["user-1"] = &Connection{
		UserID:       "user-1",
		RefreshToken: "refresh",
		Timezone:     "Europe/Paris",
	}

	// 23:30 UTC is already the next day in Paris (CET/CEST).
	provider := &stubProvider{buckets: []Bucket{
		{Start: time.Date(2025, time.April, 13, 23, 30, 0, 0, time.UTC), Value: 1234},
	}}
	worker := newTestWorker(store, provider)

	result, err := worker.Run(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.ImportedDays)

	if _, ok := store.metrics["user-1"]["2025-04-14"]; !ok {
		t.Fatalf("expected metric keyed by local day 2025-04-14, got %v", store.metrics["user-1"])
	}
}
