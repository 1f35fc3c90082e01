package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const statePrefix = "healthsync:oauth-state:"

// ErrUnknownState is returned when a callback presents a state token that
// was never issued or has expired.
var ErrUnknownState = errors.New("unknown or expired oauth state")

// StateStore issues single-use OAuth state tokens bound to a user id, so the
// unauthenticated callback can be tied back to the connecting user.
type StateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStateStore constructs a StateStore.
func NewStateStore(client *redis.Client, ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateStore{client: client, ttl: ttl}
}

// Issue creates a state token for the user.
func (s *StateStore) Issue(ctx context.Context, userID string) (string, error) {
	state := uuid.NewString()
	if err := s.client.Set(ctx, statePrefix+state, userID, s.ttl).Err(); err != nil {
		return "", err
	}
	return state, nil
}

// Redeem consumes a state token and returns the bound user id.
func (s *StateStore) Redeem(ctx context.Context, state string) (string, error) {
	userID, err := s.client.GetDel(ctx, statePrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownState
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}
