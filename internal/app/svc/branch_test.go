package svc

import (
	"context"
	"testing"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/pkg/shell/shelltest"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerNop(s Scheduler, ops ...string) {
	for _, op := range ops {
		s.Register(op, func(context.Context, app.TaskContext) app.Result { return app.Ok() })
	}
}

func unfinishedOps(t *testing.T, f *fixture, branchID uint64) []string {
	tasks, err := f.tasks.FindUnfinishedByBranch(context.Background(), branchID)
	require.NoError(t, err)
	res := make([]string, len(tasks))
	for i, task := range tasks {
		res[i] = task.Operation
	}
	return res
}

func TestBranchRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bs := f.branchSvc(f.scheduler(SchedulerConfig{}))

	b, created, err := bs.Register(ctx, f.repo, "feature-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, app.BranchStateNew, b.State)
	assert.True(t, b.RunUnittests)
	assert.Equal(t, DefaultTestTryCount, b.TestTryCount)

	again, created, err := bs.Register(ctx, f.repo, "feature-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, b.ID, again.ID)
}

func TestBranchUpdateCommitsAppliesMarkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.scheduler(SchedulerConfig{})
	registerNop(s, app.OpResetDB, app.OpRunTests, app.OpReportTicket, app.OpCollectReleaseItems)
	bs := f.branchSvc(s)
	b := f.addBranch(t, "dev")

	b, err := bs.UpdateCommits(ctx, b, []app.Commit{
		{SHA: "ccc", RepositoryID: f.repo.ID, Message: "wip\n:RESET: :TEST:", Date: time.Now()},
		{SHA: "bbb", RepositoryID: f.repo.ID, Message: "please look :REVIEW:"},
		{SHA: "aaa", RepositoryID: f.repo.ID, Message: "done :APPROVE:"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ccc", b.LatestCommit)

	bbb, err := f.commits.FindBySHA(ctx, "bbb")
	require.NoError(t, err)
	assert.Equal(t, app.ApprovalCheck, bbb.ApprovalState)
	aaa, err := f.commits.FindBySHA(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, app.ApprovalApproved, aaa.ApprovalState)

	ops := unfinishedOps(t, f, b.ID)
	assert.Contains(t, ops, app.OpResetDB)
	assert.Contains(t, ops, app.OpRunTests)
	stored, err := f.branches.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, app.BranchStateDev, stored.State)

	// known commits are linked only, markers do not fire twice
	other := f.addBranch(t, "dev2")
	_, err = bs.UpdateCommits(ctx, other, []app.Commit{{SHA: "ccc", RepositoryID: f.repo.ID, Message: "wip\n:RESET: :TEST:"}})
	require.NoError(t, err)
	ccc, err := f.commits.FindBySHA(ctx, "ccc")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{b.ID, other.ID}, ccc.BranchIDs)
	assert.NotContains(t, unfinishedOps(t, f, other.ID), app.OpResetDB)
}

func TestBranchStateFollowsApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.scheduler(SchedulerConfig{})
	registerNop(s, app.OpReportTicket, app.OpCollectReleaseItems, app.OpRunTests)
	bs := f.branchSvc(s)
	commits := NewCommit(bs, f.commits, log.NewNopLogger())
	f.repo.TicketRegex = `^(\w+)-`
	_, err := f.repos.Update(ctx, f.repo)
	require.NoError(t, err)
	b := f.addBranch(t, "T42-dev")
	b.RunUnittests = true
	b, err = f.branches.Update(ctx, b)
	require.NoError(t, err)
	_, err = bs.UpdateCommits(ctx, b, []app.Commit{{SHA: "aaa", RepositoryID: f.repo.ID, Message: "feature"}})
	require.NoError(t, err)

	_, err = commits.SetApproval(ctx, "aaa", app.FormCommitApproval{ApprovalState: app.ApprovalApproved})
	require.NoError(t, err)
	stored, err := f.branches.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, app.BranchStateTestable, stored.State)
	assert.Contains(t, unfinishedOps(t, f, b.ID), app.OpReportTicket)

	require.NoError(t, f.commits.UpdateTestState(ctx, "aaa", app.TestStateSuccess))
	require.NoError(t, bs.RecomputeState(ctx, b.ID))
	stored, err = f.branches.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, app.BranchStateTested, stored.State)
	assert.Contains(t, unfinishedOps(t, f, b.ID), app.OpCollectReleaseItems)

	activities, err := f.activities.FindByBranch(ctx, b.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, activities)

	_, err = commits.SetApproval(ctx, "aaa", app.FormCommitApproval{ApprovalState: "maybe"})
	assert.Error(t, err)
}

func TestBranchDeactivateDestroysInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.scheduler(SchedulerConfig{})
	registerNop(s, app.OpDestroy)
	bs := f.branchSvc(s)
	b := f.addBranch(t, "dev")

	inactive := false
	res, err := bs.SetFlags(ctx, b.ID, app.FormBranchFlags{Active: &inactive})
	require.NoError(t, err)
	assert.False(t, res.Active)
	assert.Equal(t, app.BranchStateCancel, res.State)
	assert.Equal(t, []string{app.OpDestroy}, unfinishedOps(t, f, b.ID))
}

func TestBranchCycleDownJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.scheduler(SchedulerConfig{})
	registerNop(s, app.OpCycleDown)
	bs := f.branchSvc(s)
	idle := f.addBranch(t, "dev")
	idle.LastAccess = time.Now().Add(-2 * time.Hour)
	_, err := f.branches.Update(ctx, idle)
	require.NoError(t, err)
	busy := f.addBranch(t, "busy")
	busy.LastAccess = time.Now()
	_, err = f.branches.Update(ctx, busy)
	require.NoError(t, err)
	f.remote.On("docker ps", shelltest.Reply{Stdout: "cicd_odoo_dev_odoo_1\trunning\ncicd_odoo_busy_odoo_1\trunning\nother\texited"})

	require.NoError(t, bs.CycleDownJob(ctx))
	assert.Equal(t, []string{app.OpCycleDown}, unfinishedOps(t, f, idle.ID))
	assert.Empty(t, unfinishedOps(t, f, busy.ID))
	stored, err := f.branches.FindByID(ctx, idle.ID)
	require.NoError(t, err)
	require.Len(t, stored.Containers, 1)
	assert.True(t, stored.InstanceUp())
}
