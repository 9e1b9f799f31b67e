package memory

import (
	"context"
	"sort"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
)

// NewRepository creates the repository records of the store.
func NewRepository(s *Store) app.RepositoryRepo {
	return Repository{s: s}
}

// Repository (vcs) implements a (db) repository.
type Repository struct {
	s *Store
}

// FindAll repositories ordered by the short name.
func (r Repository) FindAll(ctx context.Context) ([]app.Repository, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res := make([]app.Repository, 0, len(r.s.repositories))
	for _, repo := range r.s.repositories {
		res = append(res, cloneRepository(repo))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Short < res[j].Short })
	return res, nil
}

// FindByID returns a repository by its ID.
func (r Repository) FindByID(ctx context.Context, id uint64) (app.Repository, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	repo, ok := r.s.repositories[id]
	if !ok {
		return repo, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Repository.FindByID",
			Params: errors.Params{"repository": id},
		})
	}
	return cloneRepository(repo), nil
}

// Add saves a new repository.
func (r Repository) Add(ctx context.Context, repo app.Repository) (app.Repository, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.repositories {
		if other.Short == repo.Short {
			return repo, errtype.BadInput("repository %q already exists", repo.Short)
		}
	}
	repo.ID = r.s.nextID()
	r.s.repositories[repo.ID] = cloneRepository(repo)
	return repo, nil
}

// Update modifies a specific repository.
func (r Repository) Update(ctx context.Context, repo app.Repository) (app.Repository, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.repositories[repo.ID]; !ok {
		return repo, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Repository.Update",
			Params: errors.Params{"repository": repo.ID},
		})
	}
	r.s.repositories[repo.ID] = cloneRepository(repo)
	return repo, nil
}

// NewMachine creates the machine records of the store.
func NewMachine(s *Store) app.MachineRepo {
	return Machine{s: s}
}

// Machine implements a repository.
type Machine struct {
	s *Store
}

// FindAll machines ordered by the name.
func (r Machine) FindAll(ctx context.Context) ([]app.Machine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res := make([]app.Machine, 0, len(r.s.machines))
	for _, m := range r.s.machines {
		res = append(res, m)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

// FindByID returns a machine by its ID.
func (r Machine) FindByID(ctx context.Context, id uint64) (app.Machine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.machines[id]
	if !ok {
		return m, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Machine.FindByID",
			Params: errors.Params{"machine": id},
		})
	}
	return m, nil
}

// Add saves a new machine.
func (r Machine) Add(ctx context.Context, m app.Machine) (app.Machine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m.ID = r.s.nextID()
	r.s.machines[m.ID] = m
	return m, nil
}
