package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubStatsStore struct {
	logins      []LoginEvent
	counts      map[string]int
	activeUsers int
	activeSince time.Time
	countsFrom  time.Time
}

func (s *stubStatsStore) RecordLogin(_ context.Context, event LoginEvent) error {
	s.logins = append(s.logins, event)
	return nil
}

func (s *stubStatsStore) LoginCountsByDate(_ context.Context, from time.Time) (map[string]int, error) {
	s.countsFrom = from
	return s.counts, nil
}

func (s *stubStatsStore) ActiveMetricUsers(_ context.Context, since time.Time) (int, error) {
	s.activeSince = since
	return s.activeUsers, nil
}

func TestTractionZeroFillsEmptyDays(t *testing.T) {
	store := &stubStatsStore{
		activeUsers: 12,
		counts: map[string]int{
			"2025-04-10": 3,
			"2025-04-14": 1,
		},
	}
	svc := NewStatsService(store, time.UTC)
	svc.now = func() time.Time { return time.Date(2025, time.April, 15, 10, 0, 0, 0, time.UTC) }

	stats, err := svc.Traction(context.Background(), 7)
	require.NoError(t, err)

	require.Equal(t, 12, stats.ActiveUsers)
	require.Equal(t, 4, stats.TotalLogins)
	require.Len(t, stats.LoginsDaily, 7)
	require.Equal(t, DailyCount{Date: "2025-04-09", Count: 0}, stats.LoginsDaily[0])
	require.Equal(t, DailyCount{Date: "2025-04-10", Count: 3}, stats.LoginsDaily[1])
	require.Equal(t, DailyCount{Date: "2025-04-15", Count: 0}, stats.LoginsDaily[6])
}

func TestTractionClampsRange(t *testing.T) {
	store := &stubStatsStore{counts: map[string]int{}}
	svc := NewStatsService(store, time.UTC)
	svc.now = func() time.Time { return time.Date(2025, time.April, 15, 0, 0, 0, 0, time.UTC) }

	stats, err := svc.Traction(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, stats.LoginsDaily, 7)

	stats, err = svc.Traction(context.Background(), 5000)
	require.NoError(t, err)
	require.Len(t, stats.LoginsDaily, 365)
}

func TestTrackLoginDatesLocally(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	store := &stubStatsStore{}
	svc := NewStatsService(store, paris)
	// 23:30 UTC is 2025-04-16 in Paris.
	svc.now = func() time.Time { return time.Date(2025, time.April, 15, 23, 30, 0, 0, time.UTC) }

	require.NoError(t, svc.TrackLogin(context.Background(), "user-1", "u@example.com"))

	require.Len(t, store.logins, 1)
	event := store.logins[0]
	require.NotEmpty(t, event.ID)
	require.Equal(t, "user-1", event.UserID)
	require.Equal(t, "2025-04-16", event.Date.Format(DateLayout))
}
