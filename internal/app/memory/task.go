package memory

import (
	"context"
	"sort"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
)

// NewTask creates the task records of the store.
func NewTask(s *Store) app.TaskRepo {
	return Task{s: s}
}

// Task implements a repository.
type Task struct {
	s *Store
}

func (r Task) unfinished(key string) (app.Task, bool) {
	if key == "" {
		return app.Task{}, false
	}
	for _, t := range r.s.tasks {
		if t.IdentityKey == key && !t.Terminal() {
			return t, true
		}
	}
	return app.Task{}, false
}

// Add stores the task unless an unfinished one has the same identity.
func (r Task) Add(ctx context.Context, t app.Task) (app.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if old, ok := r.unfinished(t.IdentityKey); ok {
		return cloneTask(old), errors.WrapContext(errtype.ErrTaskAlreadyQueued, errors.Context{
			Path:   "memory.Task.Add",
			Params: errors.Params{"identity": t.IdentityKey, "task": old.ID},
		})
	}
	t.ID = r.s.nextID()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	r.s.tasks[t.ID] = cloneTask(t)
	return t, nil
}

// FindByID returns the task.
func (r Task) FindByID(ctx context.Context, id uint64) (app.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return t, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Task.FindByID",
			Params: errors.Params{"task": id},
		})
	}
	return cloneTask(t), nil
}

func (r Task) list(match func(t app.Task) bool) []app.Task {
	res := make([]app.Task, 0)
	for _, t := range r.s.tasks {
		if match(t) {
			res = append(res, cloneTask(t))
		}
	}
	sortByIDDesc(res, func(t app.Task) uint64 { return t.ID })
	return res
}

// FindByBranch returns the tasks of the branch from the newest.
func (r Task) FindByBranch(ctx context.Context, branchID uint64) ([]app.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(t app.Task) bool { return t.BranchID == branchID }), nil
}

// FindUnfinishedByBranch returns the pending and started tasks of the branch.
func (r Task) FindUnfinishedByBranch(ctx context.Context, branchID uint64) ([]app.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(t app.Task) bool { return t.BranchID == branchID && !t.Terminal() }), nil
}

// FindLatestByIdentity returns the newest task with the identity key.
func (r Task) FindLatestByIdentity(ctx context.Context, key string) (app.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res := r.list(func(t app.Task) bool { return t.IdentityKey == key })
	if len(res) == 0 {
		return app.Task{}, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Task.FindLatestByIdentity",
			Params: errors.Params{"identity": key},
		})
	}
	return res[0], nil
}

// FindLatestDone returns the newest successful task of the operation on the branch.
func (r Task) FindLatestDone(ctx context.Context, branchID uint64, operation string) (app.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res := r.list(func(t app.Task) bool {
		return t.BranchID == branchID && t.Operation == operation && t.State == app.TaskStateDone
	})
	if len(res) == 0 {
		return app.Task{}, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Task.FindLatestDone",
			Params: errors.Params{"branch": branchID, "operation": operation},
		})
	}
	return res[0], nil
}

// Claim marks the pending task with the earliest due date as started.
func (r Task) Claim(ctx context.Context, now time.Time) (app.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	due := make([]app.Task, 0)
	for _, t := range r.s.tasks {
		if t.State == app.TaskStatePending && !t.ETA.After(now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return app.Task{}, errtype.ErrNotFound
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ETA.Equal(due[j].ETA) {
			return due[i].ID < due[j].ID
		}
		return due[i].ETA.Before(due[j].ETA)
	})
	t := due[0]
	t.State = app.TaskStateStarted
	t.StartedAt = now
	t.HeartbeatAt = now
	r.s.tasks[t.ID] = t
	return cloneTask(t), nil
}

// Heartbeat refreshes the liveness of a started task.
func (r Task) Heartbeat(ctx context.Context, id uint64, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Task.Heartbeat",
			Params: errors.Params{"task": id},
		})
	}
	t.HeartbeatAt = now
	r.s.tasks[id] = t
	return nil
}

// Update modifies the task.
func (r Task) Update(ctx context.Context, t app.Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tasks[t.ID]; !ok {
		return errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Task.Update",
			Params: errors.Params{"task": t.ID},
		})
	}
	if !t.Terminal() {
		if old, ok := r.unfinished(t.IdentityKey); ok && old.ID != t.ID {
			return errors.WrapContext(errtype.ErrTaskAlreadyQueued, errors.Context{
				Path:   "memory.Task.Update",
				Params: errors.Params{"identity": t.IdentityKey, "task": old.ID},
			})
		}
	}
	r.s.tasks[t.ID] = cloneTask(t)
	return nil
}

// FailStale fails the started tasks whose worker stopped sending heartbeats.
func (r Task) FailStale(ctx context.Context, before time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for id, t := range r.s.tasks {
		if t.State != app.TaskStateStarted || !t.HeartbeatAt.Before(before) {
			continue
		}
		t.State = app.TaskStateFailed
		t.Error = "worker heartbeat lost"
		t.FinishedAt = time.Now()
		r.s.tasks[id] = t
		n++
	}
	return n, nil
}

// DeleteFinishedBefore removes the old finished tasks.
func (r Task) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for id, t := range r.s.tasks {
		if t.Terminal() && t.FinishedAt.Before(before) {
			delete(r.s.tasks, id)
			n++
		}
	}
	return n, nil
}
