package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobwatch/jobwatch/internal/polling"
)

// Schema creates the polling state table.
const Schema = `
	CREATE TABLE IF NOT EXISTS polling_states (
		job_id              TEXT PRIMARY KEY,
		current_interval_ms BIGINT NOT NULL,
		retry_count         INTEGER NOT NULL DEFAULT 0,
		last_poll_at        TIMESTAMPTZ,
		last_error          TEXT NOT NULL DEFAULT '',
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL polling state repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// EnsureSchema creates the polling state table if it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create polling_states: %w", err)
	}
	return nil
}

// SaveStates replaces the stored set with states in one transaction.
func (r *PostgresRepository) SaveStates(ctx context.Context, states []polling.PollingState) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback error is not critical

	ids := make([]string, len(states))
	for i, s := range states {
		ids[i] = s.JobID
	}
	if _, err := tx.Exec(ctx, `DELETE FROM polling_states WHERE NOT (job_id = ANY($1))`, ids); err != nil {
		return fmt.Errorf("prune polling states: %w", err)
	}

	query := `
		INSERT INTO polling_states (job_id, current_interval_ms, retry_count, last_poll_at, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET
			current_interval_ms = EXCLUDED.current_interval_ms,
			retry_count = EXCLUDED.retry_count,
			last_poll_at = EXCLUDED.last_poll_at,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	batch := &pgx.Batch{}
	for _, s := range states {
		var lastPoll *time.Time
		if !s.LastPollAt.IsZero() {
			t := s.LastPollAt
			lastPoll = &t
		}
		batch.Queue(query, s.JobID, s.CurrentInterval.Milliseconds(), s.RetryCount, lastPoll, s.LastError, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert polling states: %w", err)
	}

	return tx.Commit(ctx)
}

// LoadStates returns every stored state ordered by job id.
func (r *PostgresRepository) LoadStates(ctx context.Context) ([]polling.PollingState, error) {
	query := `
		SELECT job_id, current_interval_ms, retry_count, last_poll_at, last_error
		FROM polling_states
		ORDER BY job_id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []polling.PollingState
	for rows.Next() {
		var (
			s          polling.PollingState
			intervalMS int64
			lastPoll   *time.Time
		)
		if err := rows.Scan(&s.JobID, &intervalMS, &s.RetryCount, &lastPoll, &s.LastError); err != nil {
			return nil, err
		}
		s.CurrentInterval = time.Duration(intervalMS) * time.Millisecond
		if lastPoll != nil {
			s.LastPollAt = *lastPoll
		}
		s.IsActive = true
		states = append(states, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return states, nil
}

// DeleteState removes the state of a single job.
func (r *PostgresRepository) DeleteState(ctx context.Context, jobID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM polling_states WHERE job_id = $1`, jobID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStateNotFound
	}
	return nil
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
