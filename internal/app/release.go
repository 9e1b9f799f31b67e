package app

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"strings"
	"time"
)

const (
	// ReleaseItemCollecting defines an item that gathers tested branches.
	ReleaseItemCollecting = "collecting"
	// ReleaseItemCollectingMergeConflict defines a collecting item whose candidate branch could not be built.
	ReleaseItemCollectingMergeConflict = "collecting_merge_conflict"
	// ReleaseItemIntegrating defines an item whose candidate branch is being tested.
	ReleaseItemIntegrating = "integrating"
	// ReleaseItemReady defines an item waiting for its release window.
	ReleaseItemReady = "ready"
	// ReleaseItemDone defines a released item.
	ReleaseItemDone = "done"
	// ReleaseItemFailedMerge defines an item that still had conflicts when collecting stopped.
	ReleaseItemFailedMerge = "failed_merge"
	// ReleaseItemFailedIntegration defines an item whose candidate kept failing its tests.
	ReleaseItemFailedIntegration = "failed_integration"
	// ReleaseItemFailedTechnically defines an item whose release actions failed.
	ReleaseItemFailedTechnically = "failed_technically"
	// ReleaseItemFailedTooLate defines an item that missed its release window.
	ReleaseItemFailedTooLate = "failed_too_late"
	// ReleaseItemFailedUser defines an item aborted by a user.
	ReleaseItemFailedUser = "failed_user"
	// ReleaseItemFailedMergeMaster defines an item that could not be merged into the release branch.
	ReleaseItemFailedMergeMaster = "failed_merge_master"

	// ReleaseTypeStandard defines a scheduled release item.
	ReleaseTypeStandard = "standard"
	// ReleaseTypeHotfix defines an out of schedule release item.
	ReleaseTypeHotfix = "hotfix"

	// ItemBranchCollecting defines a branch not merged into the candidate yet.
	ItemBranchCollecting = "collecting"
	// ItemBranchMerged defines a branch merged into the candidate.
	ItemBranchMerged = "merged"
	// ItemBranchConflict defines a branch whose pinned commit conflicts.
	ItemBranchConflict = "conflict"

	// DefaultMinutesToRelease defines how long after the planned date a ready item may still be released.
	DefaultMinutesToRelease = 120
	// DefaultCountdownMinutes defines how long before the planned date the collecting stops.
	DefaultCountdownMinutes = 60
)

const invalidProjectChars = " !?#/\\+:,"

// Release is a model that represents a release train of a repository.
type Release struct {
	Schedule
	ID               uint64          `json:"id"`
	RepositoryID     uint64          `json:"repositoryId"`
	Name             string          `json:"name"`
	BranchName       string          `json:"branchName"`
	ProjectName      string          `json:"projectName"`
	Active           bool            `json:"active"`
	AutoRelease      bool            `json:"autoRelease"`
	CountdownMinutes int             `json:"countdownMinutes"`
	MinutesToRelease int             `json:"minutesToRelease"`
	Version          string          `json:"version"`
	IgnoredBranches  []string        `json:"ignoredBranches"`
	Actions          []ReleaseAction `json:"actions"`
}

// Validate checks the release configuration.
func (r Release) Validate() error {
	if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.BranchName) == "" {
		return errtype.BadInput("release name and branch are required")
	}
	if strings.ContainsAny(r.ProjectName, invalidProjectChars) {
		return errtype.BadInput("project name %q must not contain any of %q", r.ProjectName, invalidProjectChars)
	}
	return nil
}

// ItemBranchName returns the candidate branch name of the item.
func (r Release) ItemBranchName(itemID uint64) string {
	return fmt.Sprintf("release_%s_%d", r.BranchName, itemID)
}

// ReleaseAction is a post-release script run on a machine.
type ReleaseAction struct {
	MachineID uint64 `json:"machineId"`
	Dir       string `json:"dir"`
	Script    string `json:"script"`
}

// ReleaseItemBranch is a branch pinned at a commit for one release item.
type ReleaseItemBranch struct {
	BranchID   uint64 `json:"branchId"`
	BranchName string `json:"branchName"`
	CommitSHA  string `json:"commitSha"`
	State      string `json:"state"`
}

// ReleaseItem is a model that represents one cycle of a release train.
type ReleaseItem struct {
	ID                  uint64              `json:"id"`
	ReleaseID           uint64              `json:"releaseId"`
	State               string              `json:"state"`
	Type                string              `json:"type"`
	Version             string              `json:"version"`
	PlannedDate         time.Time           `json:"plannedDate"`
	StopCollectingAt    time.Time           `json:"stopCollectingAt"`
	DoneDate            time.Time           `json:"doneDate"`
	ItemBranch          string              `json:"itemBranch"`
	CommitSHA           string              `json:"commitSha"`
	CommitIDs           []string            `json:"commitIds"`
	NeedsMerge          bool                `json:"needsMerge"`
	IntegrationAttempts int                 `json:"integrationAttempts"`
	DoAbort             bool                `json:"doAbort"`
	Log                 string              `json:"log"`
	Branches            []ReleaseItemBranch `json:"branches"`
	CreatedAt           time.Time           `json:"createdAt"`
}

// Failed reports whether the item ended in a failure state.
func (i ReleaseItem) Failed() bool {
	return strings.HasPrefix(i.State, "failed_")
}

// Terminal reports whether the item will not change anymore without a retry.
func (i ReleaseItem) Terminal() bool {
	return i.State == ReleaseItemDone || i.Failed()
}

// Open reports whether the item is still on its way to the release.
func (i ReleaseItem) Open() bool {
	return !i.Terminal()
}

// Collecting reports whether the item still accepts branches.
func (i ReleaseItem) Collecting() bool {
	return i.State == ReleaseItemCollecting || i.State == ReleaseItemCollectingMergeConflict
}

// Ignored reports whether the memberships of the item are ignored by the branch state.
func (i ReleaseItem) Ignored() bool {
	return i.State == ReleaseItemFailedUser
}

// AllMerged reports whether every branch is merged into the candidate.
func (i ReleaseItem) AllMerged() bool {
	for _, b := range i.Branches {
		if b.State != ItemBranchMerged {
			return false
		}
	}
	return true
}

// Summary returns the human readable list of the released branches.
func (i ReleaseItem) Summary() string {
	rows := make([]string, 0, len(i.Branches))
	for _, b := range i.Branches {
		rows = append(rows, "* "+b.BranchName)
	}
	return strings.Join(rows, "\n")
}

// Membership is a release item of a branch, as seen by the branch state.
type Membership struct {
	ReleaseID uint64
	ItemID    uint64
	ItemState string
}

// FormAddRelease represents a form of new release.
type FormAddRelease struct {
	RepositoryID     uint64          `json:"repositoryId"`
	Name             string          `json:"name"`
	BranchName       string          `json:"branchName"`
	ProjectName      string          `json:"projectName"`
	AutoRelease      bool            `json:"autoRelease"`
	CountdownMinutes int             `json:"countdownMinutes"`
	MinutesToRelease int             `json:"minutesToRelease"`
	Hour             int             `json:"hour"`
	Minute           int             `json:"minute"`
	Version          string          `json:"version"`
	IgnoredBranches  []string        `json:"ignoredBranches"`
	Actions          []ReleaseAction `json:"actions"`
}

// ReleaseSvc describes the release orchestrator.
type ReleaseSvc interface {
	List(ctx context.Context) ([]Release, error)
	Add(ctx context.Context, f FormAddRelease) (Release, error)
	Items(ctx context.Context, releaseID uint64) ([]ReleaseItem, error)
	Abort(ctx context.Context, itemID uint64) (ReleaseItem, error)
	Retry(ctx context.Context, itemID uint64) (ReleaseItem, error)
	RerunTests(ctx context.Context, itemID uint64) (TestRun, error)
	Heartbeat(ctx context.Context, releaseID uint64) error
	HeartbeatJob(ctx context.Context) error
	CollectRepository(ctx context.Context, repositoryID uint64) error
}

// ReleaseRepo describes interactions with the release DB.
type ReleaseRepo interface {
	FindAll(ctx context.Context) ([]Release, error)
	FindByID(ctx context.Context, id uint64) (Release, error)
	FindByRepository(ctx context.Context, repositoryID uint64) ([]Release, error)
	Add(ctx context.Context, r Release) (Release, error)
	Update(ctx context.Context, r Release) (Release, error)
	// Lock runs fn while holding the lock of the release, or returns errtype.ErrLockBusy at once.
	Lock(ctx context.Context, id uint64, fn func(ctx context.Context) error) error
}

// ReleaseItemRepo describes interactions with the release item DB.
type ReleaseItemRepo interface {
	Add(ctx context.Context, i ReleaseItem) (ReleaseItem, error)
	FindByID(ctx context.Context, id uint64) (ReleaseItem, error)
	// FindByRelease returns the items of the release ordered from the newest.
	FindByRelease(ctx context.Context, releaseID uint64) ([]ReleaseItem, error)
	FindMemberships(ctx context.Context, branchID uint64) ([]Membership, error)
	Update(ctx context.Context, i ReleaseItem) (ReleaseItem, error)
	// UpdateUnlessAborted saves the item only while no abort is requested for it,
	// otherwise it returns errtype.ErrAborted and keeps the stored record.
	UpdateUnlessAborted(ctx context.Context, i ReleaseItem) (ReleaseItem, error)
}
