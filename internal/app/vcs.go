package app

import (
	"context"
	"github.com/beldeveloper/app-cicd/pkg/shell"
)

// FetchResult describes what one fetch brought.
type FetchResult struct {
	// Branches maps the updated branch names to their new commits, newest first.
	Branches map[string][]string
	// Created lists the branches the remote announced as new.
	Created []string
}

// BranchPin is a source branch pinned at a commit.
type BranchPin struct {
	Branch string
	Commit string
}

// VcsSvc describes the git plumbing on the managed machines.
type VcsSvc interface {
	CloneOrReuse(ctx context.Context, sh *shell.Executor, r Repository, path string) error
	Fetch(ctx context.Context, r Repository) (FetchResult, error)
	RemoteBranches(ctx context.Context, r Repository) ([]string, error)
	CheckoutLatest(ctx context.Context, r Repository, b Branch, instancePath string) (string, error)
	Commits(ctx context.Context, sh *shell.Executor, r Repository) ([]Commit, error)
	Merge(ctx context.Context, r Repository, source, dest string, tags []string) (int, error)
	RecreateBranchFromCommits(ctx context.Context, r Repository, base string, pins []BranchPin, target, message string) (string, error)
	ContainsCommit(ctx context.Context, r Repository, candidate, ancestor string) (bool, error)
}

// FetchSvc describes the discovery of upstream changes.
type FetchSvc interface {
	FetchRepository(ctx context.Context, r Repository) error
	FetchJob(ctx context.Context) error
}
