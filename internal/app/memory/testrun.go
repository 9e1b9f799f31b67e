package memory

import (
	"context"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
)

// NewTestRun creates the test run records of the store.
func NewTestRun(s *Store) app.TestRunRepo {
	return TestRun{s: s}
}

// TestRun implements a repository.
type TestRun struct {
	s *Store
}

func (r TestRun) activeOther(run app.TestRun) bool {
	if !run.Active() {
		return false
	}
	for _, other := range r.s.runs {
		if other.ID != run.ID && other.CommitSHA == run.CommitSHA && other.Active() {
			return true
		}
	}
	return false
}

// Add saves a new run unless the commit already has an active one.
func (r TestRun) Add(ctx context.Context, run app.TestRun) (app.TestRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.activeOther(run) {
		return run, errors.WrapContext(errtype.ErrRunAlreadyActive, errors.Context{
			Path:   "memory.TestRun.Add",
			Params: errors.Params{"commit": run.CommitSHA},
		})
	}
	run.ID = r.s.nextID()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	r.s.runs[run.ID] = run
	return run, nil
}

// FindByID returns the run.
func (r TestRun) FindByID(ctx context.Context, id uint64) (app.TestRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return run, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.TestRun.FindByID",
			Params: errors.Params{"run": id},
		})
	}
	return run, nil
}

// FindByCommit returns the runs of the commit from the newest.
func (r TestRun) FindByCommit(ctx context.Context, sha string) ([]app.TestRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res := make([]app.TestRun, 0)
	for _, run := range r.s.runs {
		if run.CommitSHA == sha {
			res = append(res, run)
		}
	}
	sortByIDDesc(res, func(run app.TestRun) uint64 { return run.ID })
	return res, nil
}

// Update modifies the run.
func (r TestRun) Update(ctx context.Context, run app.TestRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.runs[run.ID]; !ok {
		return errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.TestRun.Update",
			Params: errors.Params{"run": run.ID},
		})
	}
	if r.activeOther(run) {
		return errors.WrapContext(errtype.ErrRunAlreadyActive, errors.Context{
			Path:   "memory.TestRun.Update",
			Params: errors.Params{"commit": run.CommitSHA},
		})
	}
	r.s.runs[run.ID] = run
	return nil
}

// RequestAbort raises the abort flag of the run.
func (r TestRun) RequestAbort(ctx context.Context, id uint64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.TestRun.RequestAbort",
			Params: errors.Params{"run": id},
		})
	}
	run.DoAbort = true
	r.s.runs[id] = run
	return nil
}

// AddLine appends a line to the run log.
func (r TestRun) AddLine(ctx context.Context, l app.TestRunLine) (app.TestRunLine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l.ID = r.s.nextID()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	r.s.lines[l.ID] = l
	return l, nil
}

// FindLineByID returns the line.
func (r TestRun) FindLineByID(ctx context.Context, id uint64) (app.TestRunLine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.lines[id]
	if !ok {
		return l, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.TestRun.FindLineByID",
			Params: errors.Params{"line": id},
		})
	}
	return l, nil
}

// UpdateLine modifies the line.
func (r TestRun) UpdateLine(ctx context.Context, l app.TestRunLine) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.lines[l.ID]; !ok {
		return errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.TestRun.UpdateLine",
			Params: errors.Params{"line": l.ID},
		})
	}
	r.s.lines[l.ID] = l
	return nil
}

// Lines returns the log of the run in order.
func (r TestRun) Lines(ctx context.Context, runID uint64) ([]app.TestRunLine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res := make([]app.TestRunLine, 0)
	for _, l := range r.s.lines {
		if l.RunID == runID {
			res = append(res, l)
		}
	}
	sortByID(res, func(l app.TestRunLine) uint64 { return l.ID })
	return res, nil
}
