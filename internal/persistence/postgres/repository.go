// Package postgres provides Postgres-backed persistence for connections,
// checkpoints, daily metrics, login events, and the sync outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/outbox"
)

// Repository implements the domain store interfaces over one pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const connectionColumns = `user_id, access_token, refresh_token, scopes, timezone, needs_reauth,
        COALESCE(last_error_code, ''), COALESCE(last_error_message, ''), connected_at, updated_at`

// GetConnection fetches a user's connection record, or nil when absent.
func (r *Repository) GetConnection(ctx context.Context, userID string) (*domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM google_fit_connections WHERE user_id=$1`

	row := r.pool.QueryRow(ctx, query, userID)
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

// ListSyncTargets returns every connection holding a refresh token.
func (r *Repository) ListSyncTargets(ctx context.Context) ([]domain.Connection, error) {
	query := `SELECT ` + connectionColumns + `
        FROM google_fit_connections
        WHERE refresh_token IS NOT NULL AND refresh_token <> ''
        ORDER BY user_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := make([]domain.Connection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *conn)
	}
	return targets, rows.Err()
}

// UpsertConnection stores a token pair after a successful OAuth exchange and
// clears any prior auth-failure flags. An empty refresh token in the input
// keeps the previously stored one (Google omits it on repeat consent).
func (r *Repository) UpsertConnection(ctx context.Context, conn domain.Connection) error {
	const stmt = `INSERT INTO google_fit_connections
        (user_id, access_token, refresh_token, scopes, timezone, needs_reauth, last_error_code, last_error_message, connected_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,false,NULL,NULL,$6,$7)
        ON CONFLICT (user_id) DO UPDATE SET
            access_token = EXCLUDED.access_token,
            refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), google_fit_connections.refresh_token),
            scopes = EXCLUDED.scopes,
            timezone = EXCLUDED.timezone,
            needs_reauth = false,
            last_error_code = NULL,
            last_error_message = NULL,
            updated_at = EXCLUDED.updated_at`

	now := time.Now().UTC()
	connectedAt := conn.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = now
	}

	_, err := r.pool.Exec(ctx, stmt,
		conn.UserID,
		conn.AccessToken,
		conn.RefreshToken,
		conn.Scopes,
		conn.Timezone,
		connectedAt,
		now,
	)
	return err
}

// MarkNeedsReauth flags the connection for re-authorization and records an
// outbox event in the same transaction.
func (r *Repository) MarkNeedsReauth(ctx context.Context, userID, code, message string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `UPDATE google_fit_connections
        SET needs_reauth = true, last_error_code = $2, last_error_message = $3, updated_at = $4
        WHERE user_id = $1`

	if _, err = tx.Exec(ctx, stmt, userID, code, message, time.Now().UTC()); err != nil {
		return err
	}

	if err = r.insertOutbox(ctx, tx, userID, outbox.EventReauthRequired, outbox.SyncReauthRequired{
		UserID:     userID,
		Code:       code,
		Message:    message,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetCheckpoint reads a user's backfill checkpoint, or nil when absent.
func (r *Repository) GetCheckpoint(ctx context.Context, userID string) (*domain.Checkpoint, error) {
	const query = `SELECT user_id, oldest_fetched_date, finished, updated_at
        FROM sync_checkpoints WHERE user_id=$1`

	var (
		cp     domain.Checkpoint
		oldest *time.Time
	)
	row := r.pool.QueryRow(ctx, query, userID)
	if err := row.Scan(&cp.UserID, &oldest, &cp.Finished, &cp.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if oldest != nil {
		cp.OldestFetchedDate = oldest.UTC()
	}
	return &cp, nil
}

// SaveCheckpoint persists a checkpoint outside of a window import. Used for
// the terminal step, where no metric batch accompanies the write; a
// backfill-completed event rides the same transaction when finished flips on.
func (r *Repository) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = upsertCheckpoint(ctx, tx, cp); err != nil {
		return err
	}

	if cp.Finished {
		if err = r.insertOutbox(ctx, tx, cp.UserID, outbox.EventBackfillCompleted, outbox.SyncBackfillCompleted{
			UserID:     cp.UserID,
			OccurredAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ImportWindow commits one backfill window: the metric merge-upsert batch,
// the checkpoint advance, and the window-imported event, all in one
// transaction so a cancellation mid-step leaves no partial progress.
func (r *Repository) ImportWindow(ctx context.Context, userID string, metrics []domain.DailyMetric, cp domain.Checkpoint) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const upsert = `INSERT INTO daily_metrics (user_id, date, value, source, updated_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (user_id, date) DO UPDATE SET
            value = EXCLUDED.value,
            source = EXCLUDED.source,
            updated_at = EXCLUDED.updated_at`

	now := time.Now().UTC()
	for _, m := range metrics {
		if _, err = tx.Exec(ctx, upsert, m.UserID, m.Date, m.Value, m.Source, now); err != nil {
			return err
		}
	}

	if err = upsertCheckpoint(ctx, tx, cp); err != nil {
		return err
	}

	var windowEnd time.Time
	for _, m := range metrics {
		if m.Date.After(windowEnd) {
			windowEnd = m.Date
		}
	}

	if err = r.insertOutbox(ctx, tx, userID, outbox.EventWindowImported, outbox.SyncWindowImported{
		UserID:       userID,
		WindowStart:  cp.OldestFetchedDate,
		WindowEnd:    windowEnd,
		ImportedDays: len(metrics),
		OccurredAt:   now,
	}); err != nil {
		return err
	}

	err = tx.Commit(ctx)
	if err != nil {
		return err
	}
	observability.RecordMetricsPersisted(now)
	return nil
}

// upsertCheckpoint writes the checkpoint row. The LEAST guard keeps
// oldest_fetched_date monotonically non-increasing even under a racing
// concurrent sync.
func upsertCheckpoint(ctx context.Context, tx pgx.Tx, cp domain.Checkpoint) error {
	const stmt = `INSERT INTO sync_checkpoints (user_id, oldest_fetched_date, finished, updated_at)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (user_id) DO UPDATE SET
            oldest_fetched_date = LEAST(
                COALESCE(sync_checkpoints.oldest_fetched_date, EXCLUDED.oldest_fetched_date),
                COALESCE(EXCLUDED.oldest_fetched_date, sync_checkpoints.oldest_fetched_date)),
            finished = EXCLUDED.finished,
            updated_at = EXCLUDED.updated_at`

	_, err := tx.Exec(ctx, stmt, cp.UserID, nullIfZeroDate(cp.OldestFetchedDate), cp.Finished, time.Now().UTC())
	return err
}

// ListDailyMetrics returns a user's daily metrics ordered by date. Zero
// bounds are treated as unbounded.
func (r *Repository) ListDailyMetrics(ctx context.Context, userID string, from, to time.Time) ([]domain.DailyMetric, error) {
	args := []interface{}{userID}
	query := `SELECT user_id, date, value, source, updated_at
        FROM daily_metrics WHERE user_id=$1`

	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND date >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND date <= $%d", len(args))
	}
	query += " ORDER BY date"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metrics := make([]domain.DailyMetric, 0)
	for rows.Next() {
		var m domain.DailyMetric
		if err := rows.Scan(&m.UserID, &m.Date, &m.Value, &m.Source, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Date = m.Date.UTC()
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// RecordLogin stores one login event.
func (r *Repository) RecordLogin(ctx context.Context, event domain.LoginEvent) error {
	const stmt = `INSERT INTO login_events (event_id, user_id, user_email, date, created_at)
        VALUES ($1,$2,$3,$4,$5)`

	_, err := r.pool.Exec(ctx, stmt, event.ID, event.UserID, nullIfEmpty(event.Email), event.Date, event.CreatedAt)
	return err
}

// LoginCountsByDate returns login counts per calendar date since from.
func (r *Repository) LoginCountsByDate(ctx context.Context, from time.Time) (map[string]int, error) {
	const query = `SELECT date, COUNT(*) FROM login_events WHERE date >= $1 GROUP BY date`

	rows, err := r.pool.Query(ctx, query, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			date  time.Time
			count int
		)
		if err := rows.Scan(&date, &count); err != nil {
			return nil, err
		}
		counts[date.UTC().Format(domain.DateLayout)] = count
	}
	return counts, rows.Err()
}

// ActiveMetricUsers counts distinct users with a daily metric on or after since.
func (r *Repository) ActiveMetricUsers(ctx context.Context, since time.Time) (int, error) {
	const query = `SELECT COUNT(DISTINCT user_id) FROM daily_metrics WHERE date >= $1`

	var count int
	if err := r.pool.QueryRow(ctx, query, since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, userID, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta := eventCatalog[eventType]
	if meta.Topic == "" {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	dedupeKey := fmt.Sprintf("%s:%s:%d", userID, eventType, time.Now().UnixNano())

	const stmt = `INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, stmt,
		userID,
		"sync",
		userID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		userID,
		body,
		dedupeKey,
	)
	return err
}

func scanConnection(row pgx.Row) (*domain.Connection, error) {
	var conn domain.Connection
	if err := row.Scan(
		&conn.UserID,
		&conn.AccessToken,
		&conn.RefreshToken,
		&conn.Scopes,
		&conn.Timezone,
		&conn.NeedsReauth,
		&conn.LastErrorCode,
		&conn.LastErrorMessage,
		&conn.ConnectedAt,
		&conn.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &conn, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullIfZeroDate(value time.Time) interface{} {
	if value.IsZero() {
		return nil
	}
	return value
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	outbox.EventWindowImported:    {Topic: "sync_events", SchemaSubject: "sync_events-value"},
	outbox.EventBackfillCompleted: {Topic: "sync_events", SchemaSubject: "sync_events-value"},
	outbox.EventReauthRequired:    {Topic: "sync_events", SchemaSubject: "sync_events-value"},
}
