package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const activeWindowDays = 30

// StatsStore captures the persistence operations behind engagement stats.
type StatsStore interface {
	RecordLogin(ctx context.Context, event LoginEvent) error
	LoginCountsByDate(ctx context.Context, from time.Time) (map[string]int, error)
	ActiveMetricUsers(ctx context.Context, since time.Time) (int, error)
}

// DailyCount pairs a calendar date with an event count.
type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// TractionStats summarises product engagement for the admin dashboard.
type TractionStats struct {
	ActiveUsers int          `json:"active_users"`
	TotalLogins int          `json:"total_logins"`
	LoginsDaily []DailyCount `json:"logins_daily"`
}

// StatsService tracks logins and computes traction summaries.
type StatsService struct {
	store StatsStore
	loc   *time.Location
	now   func() time.Time
}

// NewStatsService constructs a StatsService. Dates are computed in loc.
func NewStatsService(store StatsStore, loc *time.Location) *StatsService {
	if loc == nil {
		loc = time.UTC
	}
	return &StatsService{store: store, loc: loc, now: time.Now}
}

// TrackLogin records one login event for the subject, dated locally.
func (s *StatsService) TrackLogin(ctx context.Context, userID, email string) error {
	now := s.now()
	return s.store.RecordLogin(ctx, LoginEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Email:     email,
		Date:      DateOf(now, s.loc),
		CreatedAt: now.UTC(),
	})
}

// Traction computes engagement stats over the trailing number of days,
// clamped to [7, 365]. Days with no logins appear with a zero count.
func (s *StatsService) Traction(ctx context.Context, days int) (*TractionStats, error) {
	if days < 7 {
		days = 7
	}
	if days > 365 {
		days = 365
	}

	today := DateOf(s.now(), s.loc)
	loginStart := today.AddDate(0, 0, -(days - 1))
	activeStart := today.AddDate(0, 0, -(activeWindowDays - 1))

	activeUsers, err := s.store.ActiveMetricUsers(ctx, activeStart)
	if err != nil {
		return nil, err
	}

	counts, err := s.store.LoginCountsByDate(ctx, loginStart)
	if err != nil {
		return nil, err
	}

	stats := &TractionStats{
		ActiveUsers: activeUsers,
		LoginsDaily: make([]DailyCount, 0, days),
	}
	for cursor := loginStart; !cursor.After(today); cursor = cursor.AddDate(0, 0, 1) {
		key := cursor.Format(DateLayout)
		count := counts[key]
		stats.LoginsDaily = append(stats.LoginsDaily, DailyCount{Date: key, Count: count})
		stats.TotalLogins += count
	}
	return stats, nil
}
