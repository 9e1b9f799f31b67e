package svc

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// NewCommit creates a new instance of the commit service.
func NewCommit(branchSvc app.BranchSvc, commitRepo app.CommitRepo, logger log.Logger) app.CommitSvc {
	return Commit{
		branchSvc:  branchSvc,
		commitRepo: commitRepo,
		logger:     log.With(logger, "component", "commit"),
	}
}

// Commit is a service that manages the review of commits.
type Commit struct {
	branchSvc  app.BranchSvc
	commitRepo app.CommitRepo
	logger     log.Logger
}

// Find the commit.
func (s Commit) Find(ctx context.Context, sha string) (app.Commit, error) {
	res, err := s.commitRepo.FindBySHA(ctx, sha)
	return res, errors.WrapContext(err, errors.Context{
		Path:   "svc.Commit.Find.FindBySHA",
		Params: errors.Params{"sha": sha},
	})
}

// ListByBranch returns the commits of the branch from the newest.
func (s Commit) ListByBranch(ctx context.Context, branchID uint64) ([]app.Commit, error) {
	res, err := s.commitRepo.FindByBranch(ctx, branchID)
	return res, errors.WrapContext(err, errors.Context{
		Path:   "svc.Commit.ListByBranch.FindByBranch",
		Params: errors.Params{"branch": branchID},
	})
}

// SetApproval stores the review decision and recomputes every branch containing the commit.
func (s Commit) SetApproval(ctx context.Context, sha string, f app.FormCommitApproval) (app.Commit, error) {
	if err := s.validateApprovalForm(f); err != nil {
		return app.Commit{}, errors.WrapContext(err, errors.Context{Path: "svc.Commit.SetApproval.validateApprovalForm"})
	}
	c, err := s.commitRepo.FindBySHA(ctx, sha)
	if err != nil {
		return c, errors.WrapContext(err, errors.Context{
			Path:   "svc.Commit.SetApproval.FindBySHA",
			Params: errors.Params{"sha": sha},
		})
	}
	c.ApprovalState = f.ApprovalState
	c.ForceApproved = f.ForceApproved
	if err = s.commitRepo.UpdateApproval(ctx, c); err != nil {
		return c, errors.WrapContext(err, errors.Context{
			Path:   "svc.Commit.SetApproval.UpdateApproval",
			Params: errors.Params{"sha": sha},
		})
	}
	_ = level.Info(s.logger).Log("msg", "commit reviewed", "sha", sha, "approval", c.ApprovalState, "force", c.ForceApproved)
	err = s.branchSvc.RecomputeState(ctx, c.BranchIDs...)
	return c, errors.WrapContext(err, errors.Context{
		Path:   "svc.Commit.SetApproval.RecomputeState",
		Params: errors.Params{"sha": sha, "branches": c.BranchIDs},
	})
}

func (s Commit) validateApprovalForm(f app.FormCommitApproval) error {
	switch f.ApprovalState {
	case app.ApprovalNone, app.ApprovalCheck, app.ApprovalApproved, app.ApprovalDeclined:
		return nil
	}
	return fmt.Errorf("%w: unknown approval state %q", errtype.ErrBadInput, f.ApprovalState)
}
