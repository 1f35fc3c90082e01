//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/outbox"
)

func setupRepository(t *testing.T, ctx context.Context) (*Repository, *pgxpool.Pool) {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("fitness"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return NewRepository(pool), pool
}

func TestConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	repo, pool := setupRepository(t, ctx)

	userID := uuid.NewString()

	missing, err := repo.GetConnection(ctx, userID)
	require.NoError(t, err)
	require.Nil(t, missing)

	err = repo.UpsertConnection(ctx, domain.Connection{
		UserID:       userID,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Scopes:       []string{"https://www.googleapis.com/auth/fitness.activity.read"},
		Timezone:     "Europe/Paris",
	})
	require.NoError(t, err)

	stored, err := repo.GetConnection(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "refresh-1", stored.RefreshToken)
	require.True(t, stored.SyncTarget())

	targets, err := repo.ListSyncTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)

	// Repeat consent without a refresh token keeps the stored one.
	err = repo.UpsertConnection(ctx, domain.Connection{
		UserID:      userID,
		AccessToken: "access-2",
		Timezone:    "Europe/Paris",
	})
	require.NoError(t, err)

	stored, err = repo.GetConnection(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, "access-2", stored.AccessToken)
	require.Equal(t, "refresh-1", stored.RefreshToken)

	// A revoked grant flags the connection and emits an outbox event.
	require.NoError(t, repo.MarkNeedsReauth(ctx, userID, "invalid_grant", "revoked by user"))

	stored, err = repo.GetConnection(ctx, userID)
	require.NoError(t, err)
	require.True(t, stored.NeedsReauth)
	require.Equal(t, "invalid_grant", stored.LastErrorCode)

	var pending int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE user_id=$1 AND event_type=$2 AND published_at IS NULL`,
		userID, outbox.EventReauthRequired).Scan(&pending)
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	// Reconnecting clears the failure flags.
	err = repo.UpsertConnection(ctx, domain.Connection{
		UserID:       userID,
		AccessToken:  "access-3",
		RefreshToken: "refresh-2",
	})
	require.NoError(t, err)

	stored, err = repo.GetConnection(ctx, userID)
	require.NoError(t, err)
	require.False(t, stored.NeedsReauth)
	require.Empty(t, stored.LastErrorCode)
	require.Equal(t, "refresh-2", stored.RefreshToken)
}

func TestImportWindowCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	repo, pool := setupRepository(t, ctx)

	userID := uuid.NewString()
	day := func(d int) time.Time {
		return time.Date(2025, time.April, d, 0, 0, 0, 0, time.UTC)
	}

	metrics := []domain.DailyMetric{
		{UserID: userID, Date: day(13), Value: 4200, Source: "google_fit"},
		{UserID: userID, Date: day(14), Value: 8100, Source: "google_fit"},
	}
	cp := domain.Checkpoint{UserID: userID, OldestFetchedDate: day(13)}
	require.NoError(t, repo.ImportWindow(ctx, userID, metrics, cp))

	stored, err := repo.ListDailyMetrics(ctx, userID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, day(13), stored[0].Date)
	require.Equal(t, int64(4200), stored[0].Value)

	// Replaying the same window is a merge, not a duplicate.
	metrics[1].Value = 8200
	require.NoError(t, repo.ImportWindow(ctx, userID, metrics, cp))

	stored, err = repo.ListDailyMetrics(ctx, userID, day(14), day(14))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, int64(8200), stored[0].Value)

	// The checkpoint cursor never moves forward.
	require.NoError(t, repo.ImportWindow(ctx, userID, nil, domain.Checkpoint{UserID: userID, OldestFetchedDate: day(20)}))

	fetched, err := repo.GetCheckpoint(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, day(13), fetched.OldestFetchedDate)
	require.False(t, fetched.Finished)

	var events int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE user_id=$1 AND event_type=$2`,
		userID, outbox.EventWindowImported).Scan(&events)
	require.NoError(t, err)
	require.Equal(t, 3, events)
}

func TestSaveCheckpointFinishedEmitsEvent(t *testing.T) {
	ctx := context.Background()
	repo, pool := setupRepository(t, ctx)

	userID := uuid.NewString()
	require.NoError(t, repo.SaveCheckpoint(ctx, domain.Checkpoint{
		UserID:            userID,
		OldestFetchedDate: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		Finished:          true,
	}))

	cp, err := repo.GetCheckpoint(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, domain.BackfillFinished, cp.Phase())

	var events int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE user_id=$1 AND event_type=$2`,
		userID, outbox.EventBackfillCompleted).Scan(&events)
	require.NoError(t, err)
	require.Equal(t, 1, events)
}

func TestLoginAndTractionQueries(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t, ctx)

	day := time.Date(2025, time.April, 14, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.RecordLogin(ctx, domain.LoginEvent{
			ID:        uuid.NewString(),
			UserID:    uuid.NewString(),
			Email:     "user@example.com",
			Date:      day,
			CreatedAt: time.Now().UTC(),
		}))
	}

	counts, err := repo.LoginCountsByDate(ctx, day.AddDate(0, 0, -7))
	require.NoError(t, err)
	require.Equal(t, 3, counts["2025-04-14"])

	active, err := repo.ActiveMetricUsers(ctx, day.AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Equal(t, 0, active)

	metricUser := uuid.NewString()
	require.NoError(t, repo.ImportWindow(ctx, metricUser, []domain.DailyMetric{
		{UserID: metricUser, Date: day, Value: 100, Source: "google_fit"},
	}, domain.Checkpoint{UserID: metricUser, OldestFetchedDate: day}))

	active, err = repo.ActiveMetricUsers(ctx, day.AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Equal(t, 1, active)
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_init.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
