package svc

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"sync"
	"time"
)

// WatchJobDelay defines the delay between two rounds over the jobs.
const WatchJobDelay = time.Second

// NewWatcher creates a new instance of the watcher service.
func NewWatcher(jobs []app.WatcherJob, delay time.Duration, logger log.Logger) *Watcher {
	if delay <= 0 {
		delay = WatchJobDelay
	}
	return &Watcher{
		jobs:     jobs,
		delay:    delay,
		last:     make(map[string]time.Time, len(jobs)),
		logger:   log.With(logger, "component", "watcher"),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Watcher is a service that runs the periodic jobs in a loop.
type Watcher struct {
	jobs     []app.WatcherJob
	delay    time.Duration
	last     map[string]time.Time
	logger   log.Logger
	stopping chan struct{}
	done     chan struct{}
	once     sync.Once
	started  sync.Once
	now      func() time.Time
}

// Start runs the loop in the background until Stop is called or the context is done.
func (s *Watcher) Start(ctx context.Context) {
	s.started.Do(func() {
		go s.watch(ctx)
		_ = level.Info(s.logger).Log("msg", "watcher started", "jobs", len(s.jobs))
	})
}

// Stop ends the loop after the running job and waits up to the timeout.
// A watcher that was never started returns at once and can not be started afterwards.
func (s *Watcher) Stop(timeout time.Duration) error {
	s.once.Do(func() { close(s.stopping) })
	s.started.Do(func() { close(s.done) })
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("watcher did not stop in %s", timeout)
	}
}

func (s *Watcher) watch(ctx context.Context) {
	defer close(s.done)
	for {
		s.Round(ctx)
		select {
		case <-s.stopping:
			return
		case <-ctx.Done():
			return
		case <-time.After(s.delay):
		}
	}
}

// Round runs every job whose interval elapsed.
func (s *Watcher) Round(ctx context.Context) {
	for _, j := range s.jobs {
		select {
		case <-s.stopping:
			return
		case <-ctx.Done():
			return
		default:
		}
		now := s.now()
		if last, ok := s.last[j.Name]; ok && now.Sub(last) < j.Every {
			continue
		}
		s.last[j.Name] = now
		if err := j.Do(ctx); err != nil {
			_ = level.Error(s.logger).Log("msg", "job failed", "err", errors.WrapContext(err, errors.Context{
				Path:   "svc.Watcher.Round",
				Params: errors.Params{"job": j.Name},
			}))
		}
	}
}
