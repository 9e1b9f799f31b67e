package app

import (
	"context"
	"regexp"
	"strings"
	"time"
)

const (
	// ApprovalNone defines a commit nobody looked at.
	ApprovalNone = ""
	// ApprovalCheck defines a commit that waits for a review.
	ApprovalCheck = "check"
	// ApprovalApproved defines a reviewed and accepted commit.
	ApprovalApproved = "approved"
	// ApprovalDeclined defines a reviewed and rejected commit.
	ApprovalDeclined = "declined"

	// TestStateNone defines a commit without finished test runs.
	TestStateNone = ""
	// TestStateSuccess defines a commit whose latest finished test run succeeded.
	TestStateSuccess = "success"
	// TestStateFailed defines a commit whose latest finished test run failed.
	TestStateFailed = "failed"

	// MarkerReview in a commit message requests a review.
	MarkerReview = ":REVIEW:"
	// MarkerApprove in a commit message approves the commit.
	MarkerApprove = ":APPROVE:"
	// MarkerTest in a commit message requests a test run.
	MarkerTest = ":TEST:"
	// MarkerReset in a commit message requests a fresh database.
	MarkerReset = ":RESET:"
)

var emailRx = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// Commit is a model that represents one git commit shared by any number of branches.
type Commit struct {
	SHA           string    `json:"sha"`
	RepositoryID  uint64    `json:"repositoryId"`
	Author        string    `json:"author"`
	Date          time.Time `json:"date"`
	Message       string    `json:"message"`
	ApprovalState string    `json:"approvalState"`
	ForceApproved bool      `json:"forceApproved"`
	TestState     string    `json:"testState"`
	BranchIDs     []uint64  `json:"branchIds"`
}

// Approved reports whether the commit may be released.
func (c Commit) Approved() bool {
	return c.ForceApproved || c.ApprovalState == ApprovalApproved
}

// AuthorEmail extracts the e-mail address from the author line.
func (c Commit) AuthorEmail() string {
	return emailRx.FindString(c.Author)
}

// HasMarker reports whether the message carries the marker.
func (c Commit) HasMarker(marker string) bool {
	return strings.Contains(c.Message, marker)
}

// FormCommitApproval represents a review decision.
type FormCommitApproval struct {
	ApprovalState string `json:"approvalState"`
	ForceApproved bool   `json:"forceApproved"`
}

// CommitSvc describes the commit service.
type CommitSvc interface {
	Find(ctx context.Context, sha string) (Commit, error)
	ListByBranch(ctx context.Context, branchID uint64) ([]Commit, error)
	SetApproval(ctx context.Context, sha string, f FormCommitApproval) (Commit, error)
}

// CommitRepo describes interactions with the commit DB.
type CommitRepo interface {
	FindBySHA(ctx context.Context, sha string) (Commit, error)
	FindBySHAs(ctx context.Context, shas []string) ([]Commit, error)
	FindByBranch(ctx context.Context, branchID uint64) ([]Commit, error)
	Upsert(ctx context.Context, c Commit) (Commit, error)
	LinkBranch(ctx context.Context, sha string, branchID uint64) error
	UpdateApproval(ctx context.Context, c Commit) error
	UpdateTestState(ctx context.Context, sha string, state string) error
}
