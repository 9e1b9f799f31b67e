package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskAddDeduplicatesUnfinished(t *testing.T) {
	ctx := context.Background()
	repo := NewTask(NewStore())

	first, err := repo.Add(ctx, app.Task{BranchID: 1, IdentityKey: "p_build", State: app.TaskStatePending})
	require.NoError(t, err)

	dup, err := repo.Add(ctx, app.Task{BranchID: 1, IdentityKey: "p_build", State: app.TaskStatePending})
	require.True(t, errors.Is(err, errtype.ErrTaskAlreadyQueued))
	assert.Equal(t, first.ID, dup.ID)

	_, err = repo.Add(ctx, app.Task{BranchID: 1, State: app.TaskStatePending})
	require.NoError(t, err)
	_, err = repo.Add(ctx, app.Task{BranchID: 1, State: app.TaskStatePending})
	require.NoError(t, err, "tasks without identity are never deduplicated")

	first.State = app.TaskStateDone
	require.NoError(t, repo.Update(ctx, first))
	_, err = repo.Add(ctx, app.Task{BranchID: 1, IdentityKey: "p_build", State: app.TaskStatePending})
	require.NoError(t, err)

	all, err := repo.FindByBranch(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestTaskClaimOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewTask(NewStore())
	now := time.Now()

	late, err := repo.Add(ctx, app.Task{State: app.TaskStatePending, ETA: now.Add(time.Hour)})
	require.NoError(t, err)
	second, err := repo.Add(ctx, app.Task{State: app.TaskStatePending, ETA: now.Add(-time.Second)})
	require.NoError(t, err)
	first, err := repo.Add(ctx, app.Task{State: app.TaskStatePending, ETA: now.Add(-time.Minute)})
	require.NoError(t, err)

	got, err := repo.Claim(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, app.TaskStateStarted, got.State)

	got, err = repo.Claim(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = repo.Claim(ctx, now)
	assert.True(t, errors.Is(err, errtype.ErrNotFound))

	got, err = repo.Claim(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, late.ID, got.ID)
}

func TestTaskFailStaleAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewTask(NewStore())
	now := time.Now()

	_, err := repo.Add(ctx, app.Task{State: app.TaskStatePending})
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, now.Add(-time.Hour))
	require.NoError(t, err)

	n, err := repo.FailStale(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := repo.FindByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, app.TaskStateFailed, got.State)

	n, err = repo.DeleteFinishedBefore(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocker(NewStore())

	unlock, err := l.TryLock(ctx, "project")
	require.NoError(t, err)
	_, err = l.TryLock(ctx, "project")
	assert.True(t, errors.Is(err, errtype.ErrLockBusy))
	locked, _ := l.Locked(ctx, "project")
	assert.True(t, locked)

	unlock()
	unlock()
	locked, _ = l.Locked(ctx, "project")
	assert.False(t, locked)
	_, err = l.TryLock(ctx, "project")
	assert.NoError(t, err)
}

func TestReleaseLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo := NewRelease(NewStore())
	rel, err := repo.Add(ctx, app.Release{Name: "production", BranchName: "master"})
	require.NoError(t, err)

	inner := errors.New("not reached")
	err = repo.Lock(ctx, rel.ID, func(ctx context.Context) error {
		inner = repo.Lock(ctx, rel.ID, func(context.Context) error { return nil })
		return nil
	})
	require.NoError(t, err)
	assert.True(t, errors.Is(inner, errtype.ErrLockBusy))
	assert.NoError(t, repo.Lock(ctx, rel.ID, func(context.Context) error { return nil }))
}

func TestOneActiveRunPerCommit(t *testing.T) {
	ctx := context.Background()
	repo := NewTestRun(NewStore())

	run, err := repo.Add(ctx, app.TestRun{CommitSHA: "c1", State: app.TestRunStateOpen})
	require.NoError(t, err)
	_, err = repo.Add(ctx, app.TestRun{CommitSHA: "c1", State: app.TestRunStateOpen})
	assert.True(t, errors.Is(err, errtype.ErrRunAlreadyActive))
	_, err = repo.Add(ctx, app.TestRun{CommitSHA: "c1", State: app.TestRunStateOmitted})
	assert.NoError(t, err)

	run.State = app.TestRunStateSuccess
	require.NoError(t, repo.Update(ctx, run))
	_, err = repo.Add(ctx, app.TestRun{CommitSHA: "c1", State: app.TestRunStateOpen})
	assert.NoError(t, err)

	runs, err := repo.FindByCommit(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Greater(t, runs[0].ID, runs[2].ID)
}

func TestCommitUpsertKeepsStates(t *testing.T) {
	ctx := context.Background()
	repo := NewCommit(NewStore())

	_, err := repo.Upsert(ctx, app.Commit{SHA: "c1", BranchIDs: []uint64{1}})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateApproval(ctx, app.Commit{SHA: "c1", ApprovalState: app.ApprovalApproved}))
	require.NoError(t, repo.UpdateTestState(ctx, "c1", app.TestStateSuccess))

	c, err := repo.Upsert(ctx, app.Commit{SHA: "c1", Message: "again", BranchIDs: []uint64{2}})
	require.NoError(t, err)
	assert.Equal(t, app.ApprovalApproved, c.ApprovalState)
	assert.Equal(t, app.TestStateSuccess, c.TestState)
	assert.ElementsMatch(t, []uint64{1, 2}, c.BranchIDs)
}

func TestMemberships(t *testing.T) {
	ctx := context.Background()
	repo := NewReleaseItem(NewStore())
	_, err := repo.Add(ctx, app.ReleaseItem{ReleaseID: 5, State: app.ReleaseItemDone,
		Branches: []app.ReleaseItemBranch{{BranchID: 1}, {BranchID: 2}}})
	require.NoError(t, err)
	_, err = repo.Add(ctx, app.ReleaseItem{ReleaseID: 5, State: app.ReleaseItemCollecting,
		Branches: []app.ReleaseItemBranch{{BranchID: 2}}})
	require.NoError(t, err)

	m, err := repo.FindMemberships(ctx, 2)
	require.NoError(t, err)
	require.Len(t, m, 2)
	assert.Equal(t, app.ReleaseItemDone, m[0].ItemState)
	assert.Equal(t, app.ReleaseItemCollecting, m[1].ItemState)

	m, err = repo.FindMemberships(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, m, 1)
}

func TestItemUpdateUnlessAborted(t *testing.T) {
	ctx := context.Background()
	repo := NewReleaseItem(NewStore())
	i, err := repo.Add(ctx, app.ReleaseItem{ReleaseID: 5, State: app.ReleaseItemCollecting})
	require.NoError(t, err)

	i.State = app.ReleaseItemIntegrating
	_, err = repo.UpdateUnlessAborted(ctx, i)
	require.NoError(t, err)

	aborted := i
	aborted.State = app.ReleaseItemFailedUser
	aborted.DoAbort = true
	_, err = repo.Update(ctx, aborted)
	require.NoError(t, err)

	i.State = app.ReleaseItemReady
	stored, err := repo.UpdateUnlessAborted(ctx, i)
	assert.True(t, errors.Is(err, errtype.ErrAborted))
	assert.Equal(t, app.ReleaseItemFailedUser, stored.State)
	stored, err = repo.FindByID(ctx, i.ID)
	require.NoError(t, err)
	assert.Equal(t, app.ReleaseItemFailedUser, stored.State)
	assert.True(t, stored.DoAbort)

	_, err = repo.UpdateUnlessAborted(ctx, app.ReleaseItem{ID: 999})
	assert.True(t, errors.Is(err, errtype.ErrNotFound))
}
