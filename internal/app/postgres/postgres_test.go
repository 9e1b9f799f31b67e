package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPool connects to the database named by APP_CICD_TEST_POSTGRES_DSN and skips the test without one.
func testPool(t *testing.T) *pgxpool.Pool {
	dsn := os.Getenv("APP_CICD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("APP_CICD_TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, dsn, 0)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func seed(t *testing.T, pool *pgxpool.Pool) (app.Repository, app.Branch) {
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	m, err := NewMachine(pool).Add(ctx, app.Machine{Name: "box_" + suffix, Workspace: "/srv/ws"})
	require.NoError(t, err)
	r, err := NewRepository(pool).Add(ctx, app.Repository{
		URL:           "git@example.com:acme/odoo.git",
		Short:         "odoo_" + suffix,
		MachineID:     m.ID,
		LoginType:     app.LoginTypeNone,
		DefaultBranch: "master",
	})
	require.NoError(t, err)
	b, err := NewBranch(pool).Add(ctx, app.Branch{RepositoryID: r.ID, Name: "dev", State: app.BranchStateNew, Active: true})
	require.NoError(t, err)
	return r, b
}

func TestTexts(t *testing.T) {
	assert.Equal(t, []string{}, texts(nil))
	assert.Equal(t, []string{"a"}, texts([]string{"a"}))
	assert.NotEqual(t, lockKey("repo_1"), lockKey("repo_2"))
	assert.Equal(t, lockKey("repo_1"), lockKey("repo_1"))
}

func TestPoolConfig(t *testing.T) {
	dsn := "host=localhost port=5432 user=cicd password=secret dbname=cicd sslmode=disable"
	cfg, err := poolConfig(dsn, 16)
	require.NoError(t, err)
	assert.Equal(t, int32(16), cfg.MaxConns)
	assert.Equal(t, "cicd", cfg.ConnConfig.Database)

	cfg, err = poolConfig(dsn, 0)
	require.NoError(t, err)
	assert.Positive(t, cfg.MaxConns)

	_, err = poolConfig("host=localhost port=notaport", 4)
	assert.Error(t, err)
}

func TestBranchRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	r, b := seed(t, pool)
	repo := NewBranch(pool)

	assert.False(t, b.Registered.IsZero())
	b.Containers = []app.Container{{Name: "odoo", State: "running"}}
	b.CycleDownAfter = time.Hour
	_, err := repo.Update(ctx, b)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateSizes(ctx, map[uint64]int64{b.ID: 4096}))

	stored, err := repo.FindByName(ctx, r.ID, "dev")
	require.NoError(t, err)
	assert.True(t, stored.InstanceUp())
	assert.Equal(t, time.Hour, stored.CycleDownAfter)
	assert.Equal(t, int64(4096), stored.Size)
	assert.True(t, stored.BlockUpdatesUntil.IsZero())

	_, err = repo.FindByID(ctx, b.ID+100000)
	assert.True(t, errors.Is(err, errtype.ErrNotFound))
}

func TestCommitUpsertKeepsReview(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	r, b := seed(t, pool)
	commits := NewCommit(pool)
	sha := uuid.NewString()

	_, err := commits.Upsert(ctx, app.Commit{SHA: sha, RepositoryID: r.ID, Message: "first", BranchIDs: []uint64{b.ID}})
	require.NoError(t, err)
	require.NoError(t, commits.UpdateApproval(ctx, app.Commit{SHA: sha, ApprovalState: app.ApprovalApproved}))
	c, err := commits.Upsert(ctx, app.Commit{SHA: sha, RepositoryID: r.ID, Message: "amended"})
	require.NoError(t, err)
	assert.Equal(t, app.ApprovalApproved, c.ApprovalState)
	assert.Equal(t, "amended", c.Message)
	assert.Equal(t, []uint64{b.ID}, c.BranchIDs)
}

func TestTaskIdentityAndClaim(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	_, b := seed(t, pool)
	tasks := NewTask(pool)
	key := "proj_" + uuid.NewString()
	past := time.Now().Add(-time.Hour)

	first, err := tasks.Add(ctx, app.Task{BranchID: b.ID, Operation: app.OpUpdateOdoo, IdentityKey: key,
		State: app.TaskStatePending, ETA: past})
	require.NoError(t, err)
	dup, err := tasks.Add(ctx, app.Task{BranchID: b.ID, Operation: app.OpUpdateOdoo, IdentityKey: key,
		State: app.TaskStatePending, ETA: past})
	assert.True(t, errors.Is(err, errtype.ErrTaskAlreadyQueued))
	assert.Equal(t, first.ID, dup.ID)

	claimed, err := tasks.Claim(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, app.TaskStateStarted, claimed.State)
	first.State = app.TaskStateDone
	first.FinishedAt = time.Now()
	require.NoError(t, tasks.Update(ctx, first))
	next, err := tasks.Add(ctx, app.Task{BranchID: b.ID, Operation: app.OpUpdateOdoo, IdentityKey: key,
		State: app.TaskStatePending, ETA: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	next.State = app.TaskStateFailed
	require.NoError(t, tasks.Update(ctx, next))
}

func TestReleaseLockIsExclusive(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	r, _ := seed(t, pool)
	releases := NewRelease(pool)
	rel, err := releases.Add(ctx, app.Release{RepositoryID: r.ID, Name: "production", BranchName: "master", Active: true})
	require.NoError(t, err)

	err = releases.Lock(ctx, rel.ID, func(ctx context.Context) error {
		return releases.Lock(ctx, rel.ID, func(context.Context) error { return nil })
	})
	assert.True(t, errors.Is(err, errtype.ErrLockBusy))
	assert.NoError(t, releases.Lock(ctx, rel.ID, func(context.Context) error { return nil }))
}
