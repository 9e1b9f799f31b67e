package memory

import (
	"context"
	"sync"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
)

// NewStore creates an empty in-memory record store.
func NewStore() *Store {
	return &Store{
		repositories: make(map[uint64]app.Repository),
		machines:     make(map[uint64]app.Machine),
		branches:     make(map[uint64]app.Branch),
		commits:      make(map[string]app.Commit),
		tasks:        make(map[uint64]app.Task),
		runs:         make(map[uint64]app.TestRun),
		lines:        make(map[uint64]app.TestRunLine),
		releases:     make(map[uint64]app.Release),
		items:        make(map[uint64]app.ReleaseItem),
		activities:   make(map[uint64]app.Activity),
		locks:        make(map[string]bool),
		releaseLocks: make(map[uint64]bool),
	}
}

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu           sync.Mutex
	seq          uint64
	repositories map[uint64]app.Repository
	machines     map[uint64]app.Machine
	branches     map[uint64]app.Branch
	commits      map[string]app.Commit
	tasks        map[uint64]app.Task
	runs         map[uint64]app.TestRun
	lines        map[uint64]app.TestRunLine
	releases     map[uint64]app.Release
	items        map[uint64]app.ReleaseItem
	activities   map[uint64]app.Activity
	locks        map[string]bool
	releaseLocks map[uint64]bool
}

func (s *Store) nextID() uint64 {
	s.seq++
	return s.seq
}

// NewLocker creates the advisory locker of the store.
func NewLocker(s *Store) app.Locker {
	return Locker{s: s}
}

// Locker implements named locks within one process.
type Locker struct {
	s *Store
}

// TryLock acquires the lock or fails at once.
func (l Locker) TryLock(ctx context.Context, key string) (func(), error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.locks[key] {
		return nil, errors.WrapContext(errtype.ErrLockBusy, errors.Context{
			Path:   "memory.Locker.TryLock",
			Params: errors.Params{"key": key},
		})
	}
	l.s.locks[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.s.mu.Lock()
			delete(l.s.locks, key)
			l.s.mu.Unlock()
		})
	}, nil
}

// Locked reports whether somebody holds the lock.
func (l Locker) Locked(ctx context.Context, key string) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.locks[key], nil
}

// NewActivity creates the activity repository of the store.
func NewActivity(s *Store) app.ActivityRepo {
	return Activity{s: s}
}

// Activity implements a repository.
type Activity struct {
	s *Store
}

// Add saves a new message.
func (r Activity) Add(ctx context.Context, a app.Activity) (app.Activity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a.ID = r.s.nextID()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	r.s.activities[a.ID] = a
	return a, nil
}

// FindByBranch returns the messages of the branch from the oldest.
func (r Activity) FindByBranch(ctx context.Context, branchID uint64) ([]app.Activity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res := make([]app.Activity, 0)
	for _, a := range r.s.activities {
		if a.BranchID == branchID {
			res = append(res, a)
		}
	}
	sortByID(res, func(a app.Activity) uint64 { return a.ID })
	return res, nil
}
