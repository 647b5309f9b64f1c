package jobstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobwatch/jobwatch/internal/jobstore"
	"github.com/jobwatch/jobwatch/internal/polling"
)

// newPostgresRepository connects to JOBWATCH_TEST_DATABASE_URL or skips.
func newPostgresRepository(t *testing.T) *jobstore.PostgresRepository {
	t.Helper()

	dsn := os.Getenv("JOBWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("JOBWATCH_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := jobstore.NewPostgresRepository(pool)
	require.NoError(t, repo.EnsureSchema(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE polling_states`)
	require.NoError(t, err)
	return repo
}

func TestPostgresRepository_SaveLoadDelete(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	lastPoll := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, repo.SaveStates(ctx, []polling.PollingState{
		{JobID: "job-a", CurrentInterval: 1500 * time.Millisecond, RetryCount: 2, LastPollAt: lastPoll, LastError: "timeout"},
		{JobID: "job-b", CurrentInterval: time.Second},
	}))

	states, err := repo.LoadStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "job-a", states[0].JobID)
	assert.Equal(t, 1500*time.Millisecond, states[0].CurrentInterval)
	assert.Equal(t, 2, states[0].RetryCount)
	assert.True(t, lastPoll.Equal(states[0].LastPollAt))
	assert.Equal(t, "timeout", states[0].LastError)
	assert.True(t, states[1].LastPollAt.IsZero())

	require.NoError(t, repo.SaveStates(ctx, []polling.PollingState{{JobID: "job-b", CurrentInterval: 3 * time.Second}}))
	states, err = repo.LoadStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 3*time.Second, states[0].CurrentInterval)

	require.NoError(t, repo.DeleteState(ctx, "job-b"))
	assert.ErrorIs(t, repo.DeleteState(ctx, "job-b"), jobstore.ErrStateNotFound)
}
