package svc

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/app-cicd/pkg/shell"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	// ProjectBusyDelay defines the backoff when another task works on the same instance.
	ProjectBusyDelay = 10 * time.Second
	// DefaultHeartbeatInterval defines how often a running task reports it is alive.
	DefaultHeartbeatInterval = 30 * time.Second
)

// ProjectPrefix is prepended to the deployment tool project names.
type ProjectPrefix string

// SchedulerConfig tunes the task execution.
type SchedulerConfig struct {
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	// MaxRetries bounds the automatic reschedules of one task, zero means unbounded.
	MaxRetries int
	// TimeoutRetries is how many times a task killed by a command deadline is requeued.
	TimeoutRetries int
	TimeoutBackoff time.Duration
	KeepDays       int
}

// ProjectLockKey returns the advisory lock guarding the instance of the project.
func ProjectLockKey(projectName string) string {
	return "project:" + projectName
}

type registry struct {
	mu  sync.RWMutex
	ops map[string]app.Operation
}

func (r *registry) get(name string) (app.Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

func (r *registry) set(name string, op app.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = op
}

// NewScheduler creates a new instance of the task scheduler.
func NewScheduler(
	taskRepo app.TaskRepo,
	branchRepo app.BranchRepo,
	repRepo app.RepositoryRepo,
	machineRepo app.MachineRepo,
	activityRepo app.ActivityRepo,
	locker app.Locker,
	prefix ProjectPrefix,
	cfg SchedulerConfig,
	metrics Metrics,
	logger log.Logger,
) Scheduler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return Scheduler{
		taskRepo:     taskRepo,
		branchRepo:   branchRepo,
		repRepo:      repRepo,
		machineRepo:  machineRepo,
		activityRepo: activityRepo,
		locker:       locker,
		prefix:       string(prefix),
		cfg:          cfg,
		metrics:      metrics,
		logger:       log.With(logger, "component", "scheduler"),
		ops:          &registry{ops: make(map[string]app.Operation)},
		now:          time.Now,
	}
}

// Scheduler is a service that queues the operations on branches and runs them.
type Scheduler struct {
	taskRepo     app.TaskRepo
	branchRepo   app.BranchRepo
	repRepo      app.RepositoryRepo
	machineRepo  app.MachineRepo
	activityRepo app.ActivityRepo
	locker       app.Locker
	prefix       string
	cfg          SchedulerConfig
	metrics      Metrics
	logger       log.Logger
	ops          *registry
	now          func() time.Time
}

// Register binds the job body to the operation name.
func (s Scheduler) Register(operation string, op app.Operation) {
	s.ops.set(operation, op)
}

// RegisterAll binds every operation of the providers.
func (s Scheduler) RegisterAll(providers ...app.OperationProvider) {
	for _, p := range providers {
		for name, op := range p.Operations() {
			s.Register(name, op)
		}
	}
}

// Schedule queues the operation, or runs it at once when requested.
func (s Scheduler) Schedule(ctx context.Context, b app.Branch, operation string, o app.ScheduleOptions) (app.Task, error) {
	if _, ok := s.ops.get(operation); !ok {
		return app.Task{}, errtype.BadInput("unknown operation %q", operation)
	}
	r, err := s.repRepo.FindByID(ctx, b.RepositoryID)
	if err != nil {
		return app.Task{}, errors.WrapContext(err, errors.Context{
			Path:   "svc.Scheduler.Schedule.FindRepository",
			Params: errors.Params{"branch": b.ID},
		})
	}
	now := s.now()
	key := o.IdentityKey
	if key == "" && !o.Now {
		key = app.TaskIdentity(b.ProjectName(s.prefix, r), operation)
	}
	if o.Reuse && key != "" {
		t, ok, err := s.requeueFailed(ctx, key, o, now)
		if err != nil {
			return t, err
		}
		if ok {
			return t, nil
		}
	}
	t := app.Task{
		BranchID:    b.ID,
		Operation:   operation,
		IdentityKey: key,
		State:       app.TaskStatePending,
		Kwargs:      o.Kwargs,
		ETA:         now,
		CreatedAt:   now,
	}
	if !o.ETA.IsZero() {
		t.ETA = o.ETA
	}
	if o.Now {
		t.State = app.TaskStateStarted
		t.StartedAt = now
		t.HeartbeatAt = now
	}
	t, err = s.taskRepo.Add(ctx, t)
	if err != nil {
		if errors.Is(err, errtype.ErrTaskAlreadyQueued) && o.Silent {
			return t, nil
		}
		return t, errors.WrapContext(err, errors.Context{
			Path:   "svc.Scheduler.Schedule.Add",
			Params: errors.Params{"branch": b.ID, "operation": operation, "identity": key},
		})
	}
	_ = level.Debug(s.logger).Log("msg", "task scheduled", "task", t.ID, "operation", operation, "identity", key)
	if o.Now {
		return s.Execute(ctx, t)
	}
	return t, nil
}

func (s Scheduler) requeueFailed(ctx context.Context, key string, o app.ScheduleOptions, now time.Time) (app.Task, bool, error) {
	t, err := s.taskRepo.FindLatestByIdentity(ctx, key)
	if err != nil {
		if errors.Is(err, errtype.ErrNotFound) {
			return t, false, nil
		}
		return t, false, errors.WrapContext(err, errors.Context{
			Path:   "svc.Scheduler.requeueFailed.FindLatestByIdentity",
			Params: errors.Params{"identity": key},
		})
	}
	if t.State != app.TaskStateFailed {
		return t, false, nil
	}
	if o.Kwargs != nil {
		t.Kwargs = o.Kwargs
	}
	t = s.reset(t, now)
	if err = s.taskRepo.Update(ctx, t); err != nil {
		if errors.Is(err, errtype.ErrTaskAlreadyQueued) && o.Silent {
			return t, true, nil
		}
		return t, false, errors.WrapContext(err, errors.Context{
			Path:   "svc.Scheduler.requeueFailed.Update",
			Params: errors.Params{"task": t.ID},
		})
	}
	return t, true, nil
}

func (s Scheduler) reset(t app.Task, now time.Time) app.Task {
	t.State = app.TaskStatePending
	t.ETA = now
	t.RetryCount = 0
	t.TimeoutRetries = 0
	t.Error = ""
	t.FinishedAt = time.Time{}
	return t
}

// Requeue puts a failed task back into the queue.
func (s Scheduler) Requeue(ctx context.Context, id uint64) (app.Task, error) {
	t, err := s.taskRepo.FindByID(ctx, id)
	if err != nil {
		return t, errors.WrapContext(err, errors.Context{
			Path:   "svc.Scheduler.Requeue.FindByID",
			Params: errors.Params{"task": id},
		})
	}
	if t.State != app.TaskStateFailed {
		return t, errtype.BadInput("task #%d is %s, only failed tasks can be requeued", t.ID, t.State)
	}
	t = s.reset(t, s.now())
	err = s.taskRepo.Update(ctx, t)
	return t, errors.WrapContext(err, errors.Context{
		Path:   "svc.Scheduler.Requeue.Update",
		Params: errors.Params{"task": id},
	})
}

// ListByBranch returns the tasks of the branch from the newest.
func (s Scheduler) ListByBranch(ctx context.Context, branchID uint64) ([]app.Task, error) {
	res, err := s.taskRepo.FindByBranch(ctx, branchID)
	return res, errors.WrapContext(err, errors.Context{
		Path:   "svc.Scheduler.ListByBranch.FindByBranch",
		Params: errors.Params{"branch": branchID},
	})
}

func (s Scheduler) taskContext(ctx context.Context, t app.Task) (app.TaskContext, error) {
	tc := app.TaskContext{Task: t}
	var err error
	if tc.Branch, err = s.branchRepo.FindByID(ctx, t.BranchID); err != nil {
		return tc, errors.WrapContext(err, errors.Context{Path: "svc.Scheduler.taskContext.branch"})
	}
	if tc.Repository, err = s.repRepo.FindByID(ctx, tc.Branch.RepositoryID); err != nil {
		return tc, errors.WrapContext(err, errors.Context{Path: "svc.Scheduler.taskContext.repository"})
	}
	if tc.Machine, err = s.machineRepo.FindByID(ctx, tc.Repository.MachineID); err != nil {
		return tc, errors.WrapContext(err, errors.Context{Path: "svc.Scheduler.taskContext.machine"})
	}
	tc.ProjectName = tc.Branch.ProjectName(s.prefix, tc.Repository)
	return tc, nil
}

// Execute runs a started task while holding the lock of its instance and records the outcome.
func (s Scheduler) Execute(ctx context.Context, t app.Task) (app.Task, error) {
	logger := log.With(s.logger, "task", t.ID, "operation", t.Operation)
	began := s.now()
	tc, err := s.taskContext(ctx, t)
	if err != nil {
		return s.finish(ctx, t, app.Fatal(err), began)
	}
	op, ok := s.ops.get(t.Operation)
	if !ok {
		return s.finish(ctx, t, app.Fatal(errtype.BadInput("unknown operation %q", t.Operation)), began)
	}
	unlock, err := s.locker.TryLock(ctx, ProjectLockKey(tc.ProjectName))
	if err != nil {
		if !errors.Is(err, errtype.ErrLockBusy) {
			return s.finish(ctx, t, app.Fatal(err), began)
		}
		// waiting for a busy instance is not a retry of the task
		_ = level.Debug(logger).Log("msg", "instance is busy", "project", tc.ProjectName)
		t.State = app.TaskStatePending
		t.ETA = began.Add(ProjectBusyDelay)
		err = s.taskRepo.Update(ctx, t)
		return t, errors.WrapContext(err, errors.Context{
			Path:   "svc.Scheduler.Execute.postpone",
			Params: errors.Params{"task": t.ID},
		})
	}
	defer unlock()

	buf := shell.NewBuffer(shell.NewLoggerSink(logger))
	runCtx := shell.ContextWithSink(ctx, buf)
	cancel, done := make(chan struct{}), make(chan struct{})
	go s.heartbeat(t.ID, cancel, done, logger)

	_ = level.Info(logger).Log("msg", "task started", "project", tc.ProjectName)
	res := s.run(runCtx, op, tc)
	close(cancel)
	<-done

	t.Log = buf.String()
	if b, err := s.branchRepo.FindByID(ctx, t.BranchID); err == nil {
		t.CommitSHA = b.LatestCommit
	}
	return s.finish(ctx, t, res, began)
}

func (s Scheduler) run(ctx context.Context, op app.Operation, tc app.TaskContext) (res app.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = app.Fatal(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return op(ctx, tc)
}

func (s Scheduler) heartbeat(id uint64, cancel <-chan struct{}, done chan<- struct{}, logger log.Logger) {
	tick := time.NewTicker(s.cfg.HeartbeatInterval)
	defer tick.Stop()
	defer close(done)
	for {
		select {
		case <-tick.C:
			if err := s.taskRepo.Heartbeat(context.Background(), id, s.now()); err != nil {
				_ = level.Warn(logger).Log("msg", "heartbeat", "err", err)
			}
		case <-cancel:
			return
		}
	}
}

func (s Scheduler) finish(ctx context.Context, t app.Task, res app.Result, began time.Time) (app.Task, error) {
	now := s.now()
	t.Duration = now.Sub(began)
	outcome := "done"
	switch res.Kind {
	case app.ResultOk:
		t.State = app.TaskStateDone
		t.Error = ""
	case app.ResultRetry:
		if s.cfg.MaxRetries > 0 && t.RetryCount >= s.cfg.MaxRetries {
			res = app.Fatal(fmt.Errorf("gave up after %d retries: %s", t.RetryCount, res.Reason))
			break
		}
		outcome = "retry"
		t.State = app.TaskStatePending
		t.ETA = now.Add(res.Delay)
		t.RetryCount++
		t.Error = res.Reason
	}
	if res.Kind == app.ResultFatal {
		if app.IsTimeout(res.Err) && t.TimeoutRetries < s.cfg.TimeoutRetries {
			outcome = "timeout"
			t.State = app.TaskStatePending
			t.ETA = now.Add(s.cfg.TimeoutBackoff)
			t.TimeoutRetries++
			t.Error = res.Err.Error()
		} else {
			outcome = "failed"
			t.State = app.TaskStateFailed
			t.Error = res.Err.Error()
		}
	}
	if t.Terminal() {
		t.FinishedAt = now
	}
	s.metrics.TaskDuration.With(LabelOperation, t.Operation, LabelOutcome, outcome).Observe(t.Duration.Seconds())
	if err := s.taskRepo.Update(ctx, t); err != nil {
		return t, errors.WrapContext(err, errors.Context{
			Path:   "svc.Scheduler.finish.Update",
			Params: errors.Params{"task": t.ID, "state": t.State},
		})
	}
	logger := log.With(s.logger, "task", t.ID, "operation", t.Operation, "duration", t.Duration)
	switch t.State {
	case app.TaskStateFailed:
		_ = level.Error(logger).Log("msg", "task failed", "err", t.Error)
		s.notifyFailure(ctx, t)
	case app.TaskStatePending:
		_ = level.Info(logger).Log("msg", "task rescheduled", "eta", t.ETA, "reason", t.Error)
	default:
		_ = level.Info(logger).Log("msg", "task done")
	}
	return t, nil
}

func (s Scheduler) notifyFailure(ctx context.Context, t app.Task) {
	_, err := s.activityRepo.Add(ctx, app.Activity{
		BranchID:  t.BranchID,
		Level:     app.ActivityError,
		Body:      fmt.Sprintf("Task %s failed: %s", t.DisplayName(), t.Error),
		CreatedAt: s.now(),
	})
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "post failure activity", "task", t.ID, "err", err)
	}
}

// CleanupJob fails the tasks of dead workers and removes the old finished tasks.
func (s Scheduler) CleanupJob(ctx context.Context) error {
	now := s.now()
	if s.cfg.StaleAfter > 0 {
		n, err := s.taskRepo.FailStale(ctx, now.Add(-s.cfg.StaleAfter))
		if err != nil {
			return errors.WrapContext(err, errors.Context{Path: "svc.Scheduler.CleanupJob.FailStale"})
		}
		if n > 0 {
			_ = level.Warn(s.logger).Log("msg", "stale tasks failed", "count", n)
		}
	}
	if s.cfg.KeepDays <= 0 {
		return nil
	}
	n, err := s.taskRepo.DeleteFinishedBefore(ctx, now.AddDate(0, 0, -s.cfg.KeepDays))
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Scheduler.CleanupJob.DeleteFinishedBefore"})
	}
	if n > 0 {
		_ = level.Info(s.logger).Log("msg", "old tasks removed", "count", n)
	}
	return nil
}

// Operations returns the registered operation names in order.
func (s Scheduler) Operations() []string {
	s.ops.mu.RLock()
	defer s.ops.mu.RUnlock()
	names := make([]string, 0, len(s.ops.ops))
	for name := range s.ops.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func kwargInt(tc app.TaskContext, name string) (uint64, error) {
	v, ok := tc.Task.Kwargs[name]
	if !ok {
		return 0, errtype.BadInput("task argument %q is missing", name)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errtype.BadInput("task argument %q is not a number: %q", name, v)
	}
	return n, nil
}
