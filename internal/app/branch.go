package app

import (
	"context"
	"regexp"
	"strings"
	"time"
)

const (
	// BranchStateNew defines the state of a branch without registered commits.
	BranchStateNew = "new"
	// BranchStateDev defines the state of a branch that is being developed.
	BranchStateDev = "dev"
	// BranchStateApprove defines the state of a branch that waits for a review.
	BranchStateApprove = "approve"
	// BranchStateTestable defines the state of an approved branch that waits for tests.
	BranchStateTestable = "testable"
	// BranchStateTested defines the state of an approved and tested branch.
	BranchStateTested = "tested"
	// BranchStateBlocked defines the state of a branch excluded from releases.
	BranchStateBlocked = "blocked"
	// BranchStateCandidate defines the state of a branch that is part of a pending release item.
	BranchStateCandidate = "candidate"
	// BranchStateRelease defines the state of a branch that is a release target.
	BranchStateRelease = "release"
	// BranchStateDone defines the state of a branch that is released everywhere.
	BranchStateDone = "done"
	// BranchStateCancel defines the state of a deactivated branch.
	BranchStateCancel = "cancel"

	// DefaultCycleDownAfter defines the inactivity after which the instance containers are stopped.
	DefaultCycleDownAfter = time.Hour
)

var projectNameRx = regexp.MustCompile(`[^a-z0-9_]+`)

// Branch is a model that represents a tracked repository branch and its instance.
type Branch struct {
	Sized
	ID                uint64        `json:"id"`
	RepositoryID      uint64        `json:"repositoryId"`
	Name              string        `json:"name"`
	State             string        `json:"state"`
	Active            bool          `json:"active"`
	LatestCommit      string        `json:"latestCommit"`
	RunUnittests      bool          `json:"runUnittests"`
	RunRobottests     bool          `json:"runRobottests"`
	SimulateInstall   bool          `json:"simulateInstall"`
	SimulateDump      string        `json:"simulateDump"`
	TestTryCount      int           `json:"testTryCount"`
	BlockRelease      bool          `json:"blockRelease"`
	BlockUpdatesUntil time.Time     `json:"blockUpdatesUntil"`
	LastAccess        time.Time     `json:"lastAccess"`
	CycleDownAfter    time.Duration `json:"cycleDownAfter"`
	Registered        time.Time     `json:"registered"`
	Containers        []Container   `json:"containers"`
}

// AnyTesting reports whether some test stage is enabled.
func (b Branch) AnyTesting() bool {
	return b.RunUnittests || b.RunRobottests || b.SimulateInstall
}

// ProjectName returns the deployment tool project of the branch instance.
func (b Branch) ProjectName(prefix string, r Repository) string {
	name := strings.ToLower(prefix + "_" + r.Short + "_" + b.Name)
	return strings.Trim(projectNameRx.ReplaceAllString(name, "_"), "_")
}

// InstanceUp reports whether some container of the instance is running.
func (b Branch) InstanceUp() bool {
	for _, c := range b.Containers {
		if c.Running() {
			return true
		}
	}
	return false
}

// FormBranchOperation represents a request to run an operation on the branch.
type FormBranchOperation struct {
	Operation string            `json:"operation"`
	Kwargs    map[string]string `json:"kwargs"`
	Now       bool              `json:"now"`
}

// FormBranchFlags represents a change of the branch flags.
type FormBranchFlags struct {
	RunUnittests    *bool `json:"runUnittests"`
	RunRobottests   *bool `json:"runRobottests"`
	SimulateInstall *bool `json:"simulateInstall"`
	BlockRelease    *bool `json:"blockRelease"`
	Active          *bool `json:"active"`
}

// BranchSvc describes the branch service.
type BranchSvc interface {
	List(ctx context.Context) ([]Branch, error)
	Find(ctx context.Context, id uint64) (Branch, error)
	Register(ctx context.Context, r Repository, name string) (Branch, bool, error)
	UpdateCommits(ctx context.Context, b Branch, commits []Commit) (Branch, error)
	SetFlags(ctx context.Context, id uint64, f FormBranchFlags) (Branch, error)
	Deactivate(ctx context.Context, b Branch) error
	Touch(ctx context.Context, id uint64) error
	RecomputeState(ctx context.Context, ids ...uint64) error
	CycleDownJob(ctx context.Context) error
}

// BranchRepo describes interactions with the branch DB.
type BranchRepo interface {
	FindAll(ctx context.Context) ([]Branch, error)
	FindByID(ctx context.Context, id uint64) (Branch, error)
	FindByIDs(ctx context.Context, ids []uint64) ([]Branch, error)
	FindByName(ctx context.Context, repositoryID uint64, name string) (Branch, error)
	FindByRepository(ctx context.Context, repositoryID uint64) ([]Branch, error)
	Add(ctx context.Context, b Branch) (Branch, error)
	Update(ctx context.Context, b Branch) (Branch, error)
	UpdateState(ctx context.Context, id uint64, state string) error
	UpdateSizes(ctx context.Context, sizes map[uint64]int64) error
}
