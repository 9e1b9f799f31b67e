package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/app-cicd/pkg/shell/shelltest"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testedSHA = "abc1234def5678"

func (f *fixture) testRuns() (TestRun, Scheduler) {
	s := f.scheduler(SchedulerConfig{})
	bs := f.branchSvc(s)
	inst := NewInstance(f.machineSvc, f.git(), bs, f.branches, f.tasks, InstanceTemplates{}, log.NewNopLogger())
	tr := NewTestRun(s, bs, f.git(), inst, NopTicket{}, f.runs, f.commits, f.repos, f.activities, testPrefix,
		TestRunConfig{PostgresWait: 50 * time.Millisecond, PostgresPoll: time.Millisecond}, log.NewNopLogger())
	s.RegisterAll(tr)
	return tr, s
}

func (f *fixture) testedBranch(t *testing.T) app.Branch {
	ctx := context.Background()
	b := f.addBranch(t, "dev")
	b.RunUnittests = true
	b.TestTryCount = 2
	b.LatestCommit = testedSHA
	b, err := f.branches.Update(ctx, b)
	require.NoError(t, err)
	_, err = f.commits.Upsert(ctx, app.Commit{SHA: testedSHA, RepositoryID: f.repo.ID, BranchIDs: []uint64{b.ID}})
	require.NoError(t, err)
	f.remote.
		On("git rev-parse --abbrev-ref HEAD", shelltest.Reply{Stdout: "dev"}).
		On("git rev-parse HEAD", shelltest.Reply{Stdout: testedSHA})
	return b
}

func scratchCmd(runID uint64, args string) string {
	return "odoo --project-name " + ScratchProject(devProject, runID) + " " + args
}

func TestTestRunRequestCoalescesActiveRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.testedBranch(t)
	tr, _ := f.testRuns()

	first, err := tr.Request(ctx, b, testedSHA)
	require.NoError(t, err)
	assert.Equal(t, app.TestRunStateOpen, first.State)
	second, err := tr.Request(ctx, b, "")
	require.NoError(t, err)
	assert.Equal(t, app.TestRunStateOmitted, second.State)

	tasks, err := f.tasks.FindUnfinishedByBranch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, app.OpRunTests, tasks[0].Operation)
	assert.Equal(t, TestRunIdentity(devProject, first.ID), tasks[0].IdentityKey)
}

func TestTestRunExecuteRetriesFailedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.testedBranch(t)
	tr, _ := f.testRuns()
	run, err := tr.Request(ctx, b, testedSHA)
	require.NoError(t, err)
	f.remote.
		On(scratchCmd(run.ID, "list-unit-test-files"), shelltest.Reply{Stdout: "collecting\n!!!\na_test.py\nb_test.py\n"}).
		On(scratchCmd(run.ID, "unittest b_test.py"), shelltest.Reply{Exit: 1, Stderr: "AssertionError"})

	require.NoError(t, tr.Execute(ctx, f.taskContext(b, app.OpRunTests, nil), run.ID))

	stored, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, app.TestRunStateFailed, stored.State)
	assert.Equal(t, 50, stored.SuccessRate)
	assert.Equal(t, 2, f.remote.Count(scratchCmd(run.ID, "unittest b_test.py")))
	assert.Equal(t, 1, f.remote.Count(scratchCmd(run.ID, "unittest a_test.py")))
	assert.Equal(t, 1, f.remote.Count(scratchCmd(run.ID, "-f snap save "+ScratchProject(devProject, run.ID))))
	assert.Equal(t, 1, f.remote.Count(scratchCmd(run.ID, "-f down -v")))

	lines, err := tr.Lines(ctx, run.ID)
	require.NoError(t, err)
	var failed app.TestRunLine
	for _, l := range lines {
		if l.Type == app.TestLineUnit && l.State == app.TestLineFailed {
			failed = l
		}
	}
	assert.Equal(t, "(2 / 2) b_test.py", failed.Name)
	assert.Equal(t, 2, failed.Try)

	c, err := f.commits.FindBySHA(ctx, testedSHA)
	require.NoError(t, err)
	assert.Equal(t, app.TestStateFailed, c.TestState)

	require.NoError(t, tr.ForceLine(ctx, failed.ID))
	stored, err = f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, app.TestRunStateSuccess, stored.State)
	assert.Equal(t, 100, stored.SuccessRate)
	c, err = f.commits.FindBySHA(ctx, testedSHA)
	require.NoError(t, err)
	assert.Equal(t, app.TestStateSuccess, c.TestState)
}

func TestTestRunWithoutStagesSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.testedBranch(t)
	b.RunUnittests = false
	tr, _ := f.testRuns()
	run, err := tr.Request(ctx, b, testedSHA)
	require.NoError(t, err)

	require.NoError(t, tr.Execute(ctx, f.taskContext(b, app.OpRunTests, nil), run.ID))
	stored, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, app.TestRunStateSuccess, stored.State)
	assert.Equal(t, 100, stored.SuccessRate)
	assert.Empty(t, f.remote.Calls())
}

func TestTestRunAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.testedBranch(t)
	tr, _ := f.testRuns()
	run, err := tr.Request(ctx, b, testedSHA)
	require.NoError(t, err)
	require.NoError(t, tr.Abort(ctx, run.ID))

	require.NoError(t, tr.Execute(ctx, f.taskContext(b, app.OpRunTests, nil), run.ID))
	stored, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, app.TestRunStateFailed, stored.State)
	assert.Equal(t, 0, f.remote.Count("odoo"))
	assert.True(t, errors.Is(tr.Abort(ctx, run.ID), errtype.ErrBadInput))
}

func TestTestRunPreparationFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.testedBranch(t)
	tr, _ := f.testRuns()
	run, err := tr.Request(ctx, b, testedSHA)
	require.NoError(t, err)
	f.remote.On(scratchCmd(run.ID, "build"), shelltest.Reply{Exit: 2, Stderr: "pip failed"})

	require.NoError(t, tr.Execute(ctx, f.taskContext(b, app.OpRunTests, nil), run.ID))
	stored, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, app.TestRunStateFailed, stored.State)
	assert.Equal(t, 0, stored.SuccessRate)
	assert.Equal(t, 0, f.remote.Count(scratchCmd(run.ID, "list-unit-test-files")))
	assert.Equal(t, 1, f.remote.Count(scratchCmd(run.ID, "-f down -v")))
}

func TestTestRunRerunNeedsTestableBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.testedBranch(t)
	tr, _ := f.testRuns()
	run, err := f.runs.Add(ctx, app.TestRun{BranchID: b.ID, CommitSHA: testedSHA, State: app.TestRunStateFailed})
	require.NoError(t, err)

	require.NoError(t, f.branches.UpdateState(ctx, b.ID, app.BranchStateApprove))
	_, err = tr.Rerun(ctx, run.ID)
	assert.True(t, errors.Is(err, errtype.ErrBadInput))

	require.NoError(t, f.branches.UpdateState(ctx, b.ID, app.BranchStateTestable))
	again, err := tr.Rerun(ctx, run.ID)
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, again.ID)
	assert.Equal(t, app.TestRunStateOpen, again.State)
}

func TestTestFiles(t *testing.T) {
	assert.Equal(t, []string{"a.py", "b.py"}, testFiles("noise\n!!!\na.py\n\n b.py \n"))
	assert.Empty(t, testFiles("no separator"))
}
