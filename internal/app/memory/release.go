package memory

import (
	"context"
	"sort"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
)

// NewRelease creates the release records of the store.
func NewRelease(s *Store) app.ReleaseRepo {
	return Release{s: s}
}

// Release implements a repository.
type Release struct {
	s *Store
}

// FindAll returns all releases ordered by the name.
func (r Release) FindAll(ctx context.Context) ([]app.Release, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(app.Release) bool { return true }), nil
}

// FindByRepository returns the releases of the repository.
func (r Release) FindByRepository(ctx context.Context, repositoryID uint64) ([]app.Release, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(rel app.Release) bool { return rel.RepositoryID == repositoryID }), nil
}

func (r Release) list(match func(rel app.Release) bool) []app.Release {
	res := make([]app.Release, 0)
	for _, rel := range r.s.releases {
		if match(rel) {
			res = append(res, cloneRelease(rel))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// FindByID returns the release.
func (r Release) FindByID(ctx context.Context, id uint64) (app.Release, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rel, ok := r.s.releases[id]
	if !ok {
		return rel, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Release.FindByID",
			Params: errors.Params{"release": id},
		})
	}
	return cloneRelease(rel), nil
}

// Add saves a new release.
func (r Release) Add(ctx context.Context, rel app.Release) (app.Release, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.releases {
		if other.RepositoryID == rel.RepositoryID && other.Name == rel.Name {
			return rel, errtype.BadInput("release %q already exists", rel.Name)
		}
	}
	rel.ID = r.s.nextID()
	r.s.releases[rel.ID] = cloneRelease(rel)
	return rel, nil
}

// Update modifies the release.
func (r Release) Update(ctx context.Context, rel app.Release) (app.Release, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.releases[rel.ID]; !ok {
		return rel, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Release.Update",
			Params: errors.Params{"release": rel.ID},
		})
	}
	r.s.releases[rel.ID] = cloneRelease(rel)
	return rel, nil
}

// Lock runs fn while holding the release, or fails at once when somebody else does.
func (r Release) Lock(ctx context.Context, id uint64, fn func(ctx context.Context) error) error {
	r.s.mu.Lock()
	if _, ok := r.s.releases[id]; !ok {
		r.s.mu.Unlock()
		return errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Release.Lock",
			Params: errors.Params{"release": id},
		})
	}
	if r.s.releaseLocks[id] {
		r.s.mu.Unlock()
		return errors.WrapContext(errtype.ErrLockBusy, errors.Context{
			Path:   "memory.Release.Lock",
			Params: errors.Params{"release": id},
		})
	}
	r.s.releaseLocks[id] = true
	r.s.mu.Unlock()
	defer func() {
		r.s.mu.Lock()
		delete(r.s.releaseLocks, id)
		r.s.mu.Unlock()
	}()
	return fn(ctx)
}

// NewReleaseItem creates the release item records of the store.
func NewReleaseItem(s *Store) app.ReleaseItemRepo {
	return ReleaseItem{s: s}
}

// ReleaseItem implements a repository.
type ReleaseItem struct {
	s *Store
}

// Add saves a new item.
func (r ReleaseItem) Add(ctx context.Context, i app.ReleaseItem) (app.ReleaseItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i.ID = r.s.nextID()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	r.s.items[i.ID] = cloneItem(i)
	return i, nil
}

// FindByID returns the item.
func (r ReleaseItem) FindByID(ctx context.Context, id uint64) (app.ReleaseItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.items[id]
	if !ok {
		return i, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.ReleaseItem.FindByID",
			Params: errors.Params{"item": id},
		})
	}
	return cloneItem(i), nil
}

// FindByRelease returns the items of the release from the newest.
func (r ReleaseItem) FindByRelease(ctx context.Context, releaseID uint64) ([]app.ReleaseItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res := make([]app.ReleaseItem, 0)
	for _, i := range r.s.items {
		if i.ReleaseID == releaseID {
			res = append(res, cloneItem(i))
		}
	}
	sortByIDDesc(res, func(i app.ReleaseItem) uint64 { return i.ID })
	return res, nil
}

// FindMemberships returns the items the branch is pinned in.
func (r ReleaseItem) FindMemberships(ctx context.Context, branchID uint64) ([]app.Membership, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res := make([]app.Membership, 0)
	for _, i := range r.s.items {
		for _, b := range i.Branches {
			if b.BranchID == branchID {
				res = append(res, app.Membership{ReleaseID: i.ReleaseID, ItemID: i.ID, ItemState: i.State})
				break
			}
		}
	}
	sortByID(res, func(m app.Membership) uint64 { return m.ItemID })
	return res, nil
}

// Update modifies the item.
func (r ReleaseItem) Update(ctx context.Context, i app.ReleaseItem) (app.ReleaseItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.items[i.ID]; !ok {
		return i, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.ReleaseItem.Update",
			Params: errors.Params{"item": i.ID},
		})
	}
	r.s.items[i.ID] = cloneItem(i)
	return i, nil
}

// UpdateUnlessAborted modifies the item unless the stored one has an abort requested.
func (r ReleaseItem) UpdateUnlessAborted(ctx context.Context, i app.ReleaseItem) (app.ReleaseItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.items[i.ID]
	if !ok {
		return i, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.ReleaseItem.UpdateUnlessAborted",
			Params: errors.Params{"item": i.ID},
		})
	}
	if stored.DoAbort {
		return cloneItem(stored), errors.WrapContext(errtype.ErrAborted, errors.Context{
			Path:   "memory.ReleaseItem.UpdateUnlessAborted",
			Params: errors.Params{"item": i.ID},
		})
	}
	r.s.items[i.ID] = cloneItem(i)
	return i, nil
}
