package memory

import (
	"sort"

	"github.com/beldeveloper/app-cicd/internal/app"
)

func sortByID[T any](list []T, id func(T) uint64) {
	sort.Slice(list, func(i, j int) bool { return id(list[i]) < id(list[j]) })
}

func sortByIDDesc[T any](list []T, id func(T) uint64) {
	sort.Slice(list, func(i, j int) bool { return id(list[i]) > id(list[j]) })
}

func cloneStrings(v []string) []string {
	if v == nil {
		return nil
	}
	return append([]string(nil), v...)
}

func cloneIDs(v []uint64) []uint64 {
	if v == nil {
		return nil
	}
	return append([]uint64(nil), v...)
}

func cloneKwargs(v map[string]string) map[string]string {
	if v == nil {
		return nil
	}
	res := make(map[string]string, len(v))
	for k, val := range v {
		res[k] = val
	}
	return res
}

func cloneBranch(b app.Branch) app.Branch {
	b.Containers = append([]app.Container(nil), b.Containers...)
	return b
}

func cloneCommit(c app.Commit) app.Commit {
	c.BranchIDs = cloneIDs(c.BranchIDs)
	return c
}

func cloneTask(t app.Task) app.Task {
	t.Kwargs = cloneKwargs(t.Kwargs)
	return t
}

func cloneRepository(r app.Repository) app.Repository {
	r.NeverCleanup = cloneStrings(r.NeverCleanup)
	return r
}

func cloneRelease(r app.Release) app.Release {
	r.IgnoredBranches = cloneStrings(r.IgnoredBranches)
	r.Actions = append([]app.ReleaseAction(nil), r.Actions...)
	return r
}

func cloneItem(i app.ReleaseItem) app.ReleaseItem {
	i.CommitIDs = cloneStrings(i.CommitIDs)
	i.Branches = append([]app.ReleaseItemBranch(nil), i.Branches...)
	return i
}
