package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/app-cicd/pkg/shell"
	"github.com/beldeveloper/app-cicd/pkg/shell/shelltest"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) scheduler(cfg SchedulerConfig) Scheduler {
	return NewScheduler(f.tasks, f.branches, f.repos, f.machines, f.activities, f.locker,
		testPrefix, cfg, NopMetrics(), log.NewNopLogger())
}

func (f *fixture) workers(s Scheduler) *Workers {
	return NewWorkers(s, f.tasks, SchedulerConfig{}, log.NewNopLogger())
}

func okOp(calls *int) app.Operation {
	return func(ctx context.Context, tc app.TaskContext) app.Result {
		*calls++
		return app.Ok()
	}
}

func TestScheduleIsIdempotentPerIdentity(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(SchedulerConfig{})
	var calls int
	s.Register(app.OpBuild, okOp(&calls))
	b := f.addBranch(t, "dev")
	ctx := context.Background()

	first, err := s.Schedule(ctx, b, app.OpBuild, app.ScheduleOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cicd_odoo_dev_build", first.IdentityKey)

	_, err = s.Schedule(ctx, b, app.OpBuild, app.ScheduleOptions{})
	assert.True(t, errors.Is(err, errtype.ErrTaskAlreadyQueued))
	dup, err := s.Schedule(ctx, b, app.OpBuild, app.ScheduleOptions{Silent: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID)

	list, err := s.ListByBranch(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	ran, err := f.workers(s).RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, 1, calls)

	third, err := s.Schedule(ctx, b, app.OpBuild, app.ScheduleOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	list, err = s.ListByBranch(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestScheduleUnknownOperation(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(SchedulerConfig{})
	_, err := s.Schedule(context.Background(), f.addBranch(t, "dev"), "format_disk", app.ScheduleOptions{})
	assert.True(t, errors.Is(err, errtype.ErrBadInput))
}

func TestScheduleReuseRequeuesFailedTask(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(SchedulerConfig{})
	s.Register(app.OpDump, func(ctx context.Context, tc app.TaskContext) app.Result {
		return app.Fatal(errors.New("disk full"))
	})
	b := f.addBranch(t, "dev")
	ctx := context.Background()

	first, err := s.Schedule(ctx, b, app.OpDump, app.ScheduleOptions{})
	require.NoError(t, err)
	_, err = f.workers(s).RunOnce(ctx)
	require.NoError(t, err)
	failed, err := f.tasks.FindByID(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, app.TaskStateFailed, failed.State)
	assert.Equal(t, "disk full", failed.Error)

	again, err := s.Schedule(ctx, b, app.OpDump, app.ScheduleOptions{Reuse: true, Kwargs: map[string]string{"filename": "x.dump"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, app.TaskStatePending, again.State)
	assert.Empty(t, again.Error)
	assert.Equal(t, "x.dump", again.Kwargs["filename"])
}

func TestExecutePostponesWhenInstanceIsBusy(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(SchedulerConfig{})
	var calls int
	s.Register(app.OpBuild, okOp(&calls))
	b := f.addBranch(t, "dev")
	ctx := context.Background()
	unlock, err := f.locker.TryLock(ctx, ProjectLockKey("cicd_odoo_dev"))
	require.NoError(t, err)
	defer unlock()

	task, err := s.Schedule(ctx, b, app.OpBuild, app.ScheduleOptions{})
	require.NoError(t, err)
	_, err = f.workers(s).RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.tasks.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Equal(t, app.TaskStatePending, got.State)
	assert.Zero(t, got.RetryCount)
	assert.True(t, got.ETA.After(time.Now()))
}

func TestExecuteRetryResult(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(SchedulerConfig{MaxRetries: 1})
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.Register(app.OpCheckoutLatest, func(ctx context.Context, tc app.TaskContext) app.Result {
		return app.RetryAfter(time.Minute, "repository busy")
	})
	ctx := context.Background()
	task, err := s.Schedule(ctx, f.addBranch(t, "dev"), app.OpCheckoutLatest, app.ScheduleOptions{})
	require.NoError(t, err)

	task, err = s.Execute(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, app.TaskStatePending, task.State)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, now.Add(time.Minute), task.ETA)
	assert.Equal(t, "repository busy", task.Error)

	task, err = s.Execute(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, app.TaskStateFailed, task.State, "retries are bounded")
}

func TestExecuteTimeoutIsRetriedThenFails(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(SchedulerConfig{TimeoutRetries: 1, TimeoutBackoff: time.Minute})
	f.remote.
		On("sleep", shelltest.Reply{Hang: true}).
		On("false", shelltest.Reply{Exit: 1, Stderr: "broken"})
	command := func(args ...string) app.Operation {
		return func(ctx context.Context, tc app.TaskContext) app.Result {
			sh, err := f.machineSvc.Shell(ctx, tc.Machine)
			if err != nil {
				return app.Fatal(err)
			}
			_, err = sh.Run(ctx, shell.Cmd{Args: args, Timeout: 50 * time.Millisecond})
			return app.ResultOf(err)
		}
	}
	s.Register(app.OpUpdateOdoo, command("sleep", "9999"))
	s.Register(app.OpUpdateAllModules, command("false"))
	b := f.addBranch(t, "dev")
	ctx := context.Background()

	task, err := s.Schedule(ctx, b, app.OpUpdateOdoo, app.ScheduleOptions{})
	require.NoError(t, err)
	task, err = s.Execute(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, app.TaskStatePending, task.State, "a timeout is not a failure")
	assert.Equal(t, 1, task.TimeoutRetries)
	assert.Contains(t, task.Error, "timed out")

	task, err = s.Execute(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, app.TaskStateFailed, task.State)

	exit, err := s.Schedule(ctx, b, app.OpUpdateAllModules, app.ScheduleOptions{})
	require.NoError(t, err)
	exit, err = s.Execute(ctx, exit)
	require.NoError(t, err)
	assert.Equal(t, app.TaskStateFailed, exit.State, "an exit code is final")
	assert.Zero(t, exit.TimeoutRetries)
}

func TestExecuteCapturesLogAndPostsFailure(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(SchedulerConfig{})
	f.remote.On("odoo --project-name cicd_odoo_dev build", shelltest.Reply{Stdout: "Step 1/9", Stderr: "no space left", Exit: 1})
	s.Register(app.OpBuild, func(ctx context.Context, tc app.TaskContext) app.Result {
		sh, err := f.machineSvc.Shell(ctx, tc.Machine, shell.WithProjectName(tc.ProjectName))
		if err != nil {
			return app.Fatal(err)
		}
		_, err = sh.Odoo(ctx, "build")
		return app.ResultOf(err)
	})
	b := f.addBranch(t, "dev")
	ctx := context.Background()

	task, err := s.Schedule(ctx, b, app.OpBuild, app.ScheduleOptions{Now: true})
	require.NoError(t, err)
	assert.Equal(t, app.TaskStateFailed, task.State)
	assert.Empty(t, task.IdentityKey, "inline tasks bypass the identity")
	assert.Contains(t, task.Log, "Step 1/9")
	assert.Contains(t, task.Log, "ERR: no space left")
	assert.False(t, task.FinishedAt.IsZero())

	activities, err := f.activities.FindByBranch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, app.ActivityError, activities[0].Level)
	assert.Contains(t, activities[0].Body, "Task build failed")

	locked, err := f.locker.Locked(ctx, ProjectLockKey("cicd_odoo_dev"))
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestExecuteRecoversPanic(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(SchedulerConfig{})
	s.Register(app.OpDestroy, func(ctx context.Context, tc app.TaskContext) app.Result {
		var m map[string]int
		m["x"]++
		return app.Ok()
	})
	task, err := s.Schedule(context.Background(), f.addBranch(t, "dev"), app.OpDestroy, app.ScheduleOptions{Now: true})
	require.NoError(t, err)
	assert.Equal(t, app.TaskStateFailed, task.State)
	assert.Contains(t, task.Error, "panic")
}

func TestRequeueOnlyFailed(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(SchedulerConfig{})
	var calls int
	s.Register(app.OpBuild, okOp(&calls))
	ctx := context.Background()
	task, err := s.Schedule(ctx, f.addBranch(t, "dev"), app.OpBuild, app.ScheduleOptions{Now: true})
	require.NoError(t, err)
	require.Equal(t, app.TaskStateDone, task.State)

	_, err = s.Requeue(ctx, task.ID)
	assert.True(t, errors.Is(err, errtype.ErrBadInput))

	task.State = app.TaskStateFailed
	require.NoError(t, f.tasks.Update(ctx, task))
	task, err = s.Requeue(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, app.TaskStatePending, task.State)
}

func TestSchedulerCleanupJob(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(SchedulerConfig{StaleAfter: time.Hour, KeepDays: 7})
	ctx := context.Background()
	b := f.addBranch(t, "dev")
	now := time.Now()
	stale, err := f.tasks.Add(ctx, app.Task{BranchID: b.ID, Operation: app.OpBuild, State: app.TaskStateStarted, HeartbeatAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	old, err := f.tasks.Add(ctx, app.Task{BranchID: b.ID, Operation: app.OpDump, State: app.TaskStateDone, FinishedAt: now.AddDate(0, 0, -8)})
	require.NoError(t, err)
	fresh, err := f.tasks.Add(ctx, app.Task{BranchID: b.ID, Operation: app.OpDump, State: app.TaskStateDone, FinishedAt: now})
	require.NoError(t, err)

	require.NoError(t, s.CleanupJob(ctx))
	got, err := f.tasks.FindByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, app.TaskStateFailed, got.State)
	_, err = f.tasks.FindByID(ctx, old.ID)
	assert.True(t, errors.Is(err, errtype.ErrNotFound))
	_, err = f.tasks.FindByID(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestWorkersStartStop(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(SchedulerConfig{})
	done := make(chan struct{})
	s.Register(app.OpBuild, func(ctx context.Context, tc app.TaskContext) app.Result {
		close(done)
		return app.Ok()
	})
	_, err := s.Schedule(context.Background(), f.addBranch(t, "dev"), app.OpBuild, app.ScheduleOptions{})
	require.NoError(t, err)

	w := NewWorkers(s, f.tasks, SchedulerConfig{Workers: 2, PollInterval: 10 * time.Millisecond}, log.NewNopLogger())
	w.Start(context.Background())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}
	require.NoError(t, w.Stop(5*time.Second))
}
