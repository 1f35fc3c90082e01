package domain

import "time"

// DateLayout is the canonical wire format for calendar dates.
const DateLayout = "2006-01-02"

// DailyMetric is one user's activity aggregate for one calendar day.
// The natural key is (UserID, Date); writes are merge-upserts that never
// clobber fields owned by other processes.
type DailyMetric struct {
	UserID    string
	Date      time.Time // Calendar day at midnight UTC, computed in the user's local zone.
	Value     int64     // Non-negative aggregate, e.g. step count.
	Source    string
	UpdatedAt time.Time
}

// Bucket is a provider-side daily aggregate: the bucket's start instant and
// the summed value of all sub-points within it.
type Bucket struct {
	Start time.Time
	Value int64
}

// DateOf converts an instant to the calendar day it falls on in loc,
// normalised to midnight UTC so dates compare and sort cleanly.
func DateOf(t time.Time, loc *time.Location) time.Time {
	year, month, day := t.In(loc).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// LoginEvent records one app login, dated in the user's local zone.
type LoginEvent struct {
	ID        string
	UserID    string
	Email     string
	Date      time.Time // Calendar day at midnight UTC.
	CreatedAt time.Time
}
