package app

import (
	"context"
	"time"
)

// WatcherJob is a job that is run frequently by the watcher service.
type WatcherJob struct {
	Name string
	// Every is the minimal delay between two runs, zero means every round.
	Every time.Duration
	Do    func(ctx context.Context) error
}
