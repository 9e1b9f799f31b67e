package memory

import (
	"context"
	"sort"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
)

// NewBranch creates the branch records of the store.
func NewBranch(s *Store) app.BranchRepo {
	return Branch{s: s}
}

// Branch implements a repository.
type Branch struct {
	s *Store
}

func (r Branch) list(match func(b app.Branch) bool) []app.Branch {
	res := make([]app.Branch, 0)
	for _, b := range r.s.branches {
		if match(b) {
			res = append(res, cloneBranch(b))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Name == res[j].Name {
			return res[i].ID < res[j].ID
		}
		return res[i].Name < res[j].Name
	})
	return res
}

// FindAll returns all branches.
func (r Branch) FindAll(ctx context.Context) ([]app.Branch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(app.Branch) bool { return true }), nil
}

// FindByID returns the one branch with the specific ID.
func (r Branch) FindByID(ctx context.Context, id uint64) (app.Branch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.branches[id]
	if !ok {
		return b, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Branch.FindByID",
			Params: errors.Params{"branch": id},
		})
	}
	return cloneBranch(b), nil
}

// FindByIDs returns all branches with the specific IDs.
func (r Branch) FindByIDs(ctx context.Context, ids []uint64) ([]app.Branch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return r.list(func(b app.Branch) bool { return want[b.ID] }), nil
}

// FindByName returns the branch of the repository.
func (r Branch) FindByName(ctx context.Context, repositoryID uint64, name string) (app.Branch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.branches {
		if b.RepositoryID == repositoryID && b.Name == name {
			return cloneBranch(b), nil
		}
	}
	return app.Branch{}, errors.WrapContext(errtype.ErrNotFound, errors.Context{
		Path:   "memory.Branch.FindByName",
		Params: errors.Params{"repository": repositoryID, "name": name},
	})
}

// FindByRepository returns all branches that belong to the specific repository.
func (r Branch) FindByRepository(ctx context.Context, repositoryID uint64) ([]app.Branch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(b app.Branch) bool { return b.RepositoryID == repositoryID }), nil
}

// Add saves a new branch.
func (r Branch) Add(ctx context.Context, b app.Branch) (app.Branch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.branches {
		if other.RepositoryID == b.RepositoryID && other.Name == b.Name {
			return b, errtype.BadInput("branch %q already exists", b.Name)
		}
	}
	b.ID = r.s.nextID()
	if b.Registered.IsZero() {
		b.Registered = time.Now()
	}
	r.s.branches[b.ID] = cloneBranch(b)
	return b, nil
}

// Update modifies a specific branch.
func (r Branch) Update(ctx context.Context, b app.Branch) (app.Branch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.branches[b.ID]; !ok {
		return b, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Branch.Update",
			Params: errors.Params{"branch": b.ID},
		})
	}
	r.s.branches[b.ID] = cloneBranch(b)
	return b, nil
}

// UpdateState modifies the branch state only.
func (r Branch) UpdateState(ctx context.Context, id uint64, state string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.branches[id]
	if !ok {
		return errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Branch.UpdateState",
			Params: errors.Params{"branch": id},
		})
	}
	b.State = state
	r.s.branches[id] = b
	return nil
}

// UpdateSizes stores the database sizes of the branches.
func (r Branch) UpdateSizes(ctx context.Context, sizes map[uint64]int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, size := range sizes {
		b, ok := r.s.branches[id]
		if !ok {
			continue
		}
		b.Size = size
		r.s.branches[id] = b
	}
	return nil
}

// NewCommit creates the commit records of the store.
func NewCommit(s *Store) app.CommitRepo {
	return Commit{s: s}
}

// Commit implements a repository.
type Commit struct {
	s *Store
}

// FindBySHA returns the commit.
func (r Commit) FindBySHA(ctx context.Context, sha string) (app.Commit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.commits[sha]
	if !ok {
		return c, errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Commit.FindBySHA",
			Params: errors.Params{"sha": sha},
		})
	}
	return cloneCommit(c), nil
}

// FindBySHAs returns the known commits among the given ones.
func (r Commit) FindBySHAs(ctx context.Context, shas []string) ([]app.Commit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res := make([]app.Commit, 0, len(shas))
	for _, sha := range shas {
		if c, ok := r.s.commits[sha]; ok {
			res = append(res, cloneCommit(c))
		}
	}
	return res, nil
}

// FindByBranch returns the commits of the branch from the newest.
func (r Commit) FindByBranch(ctx context.Context, branchID uint64) ([]app.Commit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res := make([]app.Commit, 0)
	for _, c := range r.s.commits {
		for _, id := range c.BranchIDs {
			if id == branchID {
				res = append(res, cloneCommit(c))
				break
			}
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Date.Equal(res[j].Date) {
			return res[i].SHA < res[j].SHA
		}
		return res[i].Date.After(res[j].Date)
	})
	return res, nil
}

// Upsert saves the commit, keeping the review and test states of a known one.
func (r Commit) Upsert(ctx context.Context, c app.Commit) (app.Commit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.commits[c.SHA]
	if ok {
		c.ApprovalState = old.ApprovalState
		c.ForceApproved = old.ForceApproved
		c.TestState = old.TestState
		c.BranchIDs = mergeIDs(old.BranchIDs, c.BranchIDs)
	}
	r.s.commits[c.SHA] = cloneCommit(c)
	return cloneCommit(c), nil
}

// LinkBranch marks the commit as reachable from the branch.
func (r Commit) LinkBranch(ctx context.Context, sha string, branchID uint64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.commits[sha]
	if !ok {
		return errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Commit.LinkBranch",
			Params: errors.Params{"sha": sha, "branch": branchID},
		})
	}
	c.BranchIDs = mergeIDs(c.BranchIDs, []uint64{branchID})
	r.s.commits[sha] = c
	return nil
}

// UpdateApproval modifies the review state.
func (r Commit) UpdateApproval(ctx context.Context, c app.Commit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.commits[c.SHA]
	if !ok {
		return errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Commit.UpdateApproval",
			Params: errors.Params{"sha": c.SHA},
		})
	}
	old.ApprovalState = c.ApprovalState
	old.ForceApproved = c.ForceApproved
	r.s.commits[c.SHA] = old
	return nil
}

// UpdateTestState modifies the test state.
func (r Commit) UpdateTestState(ctx context.Context, sha string, state string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	old, ok := r.s.commits[sha]
	if !ok {
		return errors.WrapContext(errtype.ErrNotFound, errors.Context{
			Path:   "memory.Commit.UpdateTestState",
			Params: errors.Params{"sha": sha},
		})
	}
	old.TestState = state
	r.s.commits[sha] = old
	return nil
}

func mergeIDs(a, b []uint64) []uint64 {
	res := cloneIDs(a)
	for _, id := range b {
		found := false
		for _, x := range res {
			if x == id {
				found = true
				break
			}
		}
		if !found {
			res = append(res, id)
		}
	}
	return res
}
