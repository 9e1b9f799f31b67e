package svc

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"sync"
	"time"
)

// DefaultPollInterval defines how often an idle worker looks for due tasks.
const DefaultPollInterval = time.Second

// NewWorkers creates a pool of workers claiming the due tasks.
func NewWorkers(tasks app.TaskSvc, repo app.TaskRepo, cfg SchedulerConfig, logger log.Logger) *Workers {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Workers{
		tasks:    tasks,
		repo:     repo,
		cfg:      cfg,
		logger:   log.With(logger, "component", "worker"),
		stopping: make(chan struct{}),
		now:      time.Now,
	}
}

// Workers runs the queued tasks until stopped.
type Workers struct {
	tasks    app.TaskSvc
	repo     app.TaskRepo
	cfg      SchedulerConfig
	logger   log.Logger
	stopping chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	now      func() time.Time
}

// Start launches the workers, they stop when Stop is called or the context is done.
func (w *Workers) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.work(ctx, log.With(w.logger, "worker", i))
	}
	_ = level.Info(w.logger).Log("msg", "workers started", "count", w.cfg.Workers)
}

// Stop asks the workers to finish their current task and waits up to the timeout.
func (w *Workers) Stop(timeout time.Duration) error {
	w.once.Do(func() { close(w.stopping) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("workers did not stop in %s", timeout)
	}
}

func (w *Workers) work(ctx context.Context, logger log.Logger) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopping:
			return
		case <-ctx.Done():
			return
		default:
		}
		ran, err := w.RunOnce(ctx)
		if err != nil {
			_ = level.Error(logger).Log("msg", "run task", "err", err)
		}
		if ran {
			continue
		}
		select {
		case <-w.stopping:
			return
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and executes one due task, it reports false when nothing was due.
func (w *Workers) RunOnce(ctx context.Context) (bool, error) {
	t, err := w.repo.Claim(ctx, w.now())
	if err != nil {
		if errors.Is(err, errtype.ErrNotFound) {
			return false, nil
		}
		return false, errors.WrapContext(err, errors.Context{Path: "svc.Workers.RunOnce.Claim"})
	}
	_, err = w.tasks.Execute(ctx, t)
	return true, errors.WrapContext(err, errors.Context{
		Path:   "svc.Workers.RunOnce.Execute",
		Params: errors.Params{"task": t.ID},
	})
}
