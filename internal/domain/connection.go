package domain

import "time"

// Connection represents a user's delegated Google Fit credential as stored in PostgreSQL.
// A connection without a refresh token is not a valid sync target.
type Connection struct {
	UserID           string
	AccessToken      string
	RefreshToken     string
	Scopes           []string
	Timezone         string // IANA zone the user's calendar days are computed in.
	NeedsReauth      bool
	LastErrorCode    string
	LastErrorMessage string
	ConnectedAt      time.Time
	UpdatedAt        time.Time
}

// SyncTarget reports whether the connection can be used for delegated sync.
func (c *Connection) SyncTarget() bool {
	return c != nil && c.RefreshToken != ""
}
