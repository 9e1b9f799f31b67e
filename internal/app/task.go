package app

import (
	"context"
	"strings"
	"time"
)

const (
	// TaskStatePending defines a task waiting for a worker.
	TaskStatePending = "pending"
	// TaskStateStarted defines a task claimed by a worker.
	TaskStateStarted = "started"
	// TaskStateDone defines a successfully finished task.
	TaskStateDone = "done"
	// TaskStateFailed defines a task that needs a manual requeue.
	TaskStateFailed = "failed"
)

// Operations registered with the scheduler.
const (
	OpBuild               = "build"
	OpReloadAndRestart    = "reload_and_restart"
	OpUpdateOdoo          = "update_odoo"
	OpUpdateAllModules    = "update_all_modules"
	OpPrepareNewInstance  = "prepare_new_instance"
	OpResetDB             = "reset_db"
	OpDump                = "dump"
	OpRestoreDump         = "restore_dump"
	OpDockerStart         = "docker_start"
	OpDockerStop          = "docker_stop"
	OpDockerRemove        = "docker_remove"
	OpShrinkDB            = "shrink_db"
	OpAnonymize           = "anonymize"
	OpRemoveWebAssets     = "remove_web_assets"
	OpTurnIntoDev         = "turn_into_dev"
	OpCheckoutLatest      = "checkout_latest"
	OpUpdateGitCommits    = "update_git_commits"
	OpRunTests            = "run_tests"
	OpCycleDown           = "cycle_down"
	OpDestroy             = "destroy"
	OpReportTicket        = "report_ticket"
	OpCollectReleaseItems = "collect_release_items"
)

// Task is a model that represents one asynchronous operation on a branch.
type Task struct {
	ID             uint64            `json:"id"`
	BranchID       uint64            `json:"branchId"`
	Operation      string            `json:"operation"`
	IdentityKey    string            `json:"identityKey"`
	State          string            `json:"state"`
	Kwargs         map[string]string `json:"kwargs"`
	Log            string            `json:"log"`
	Error          string            `json:"error"`
	CommitSHA      string            `json:"commitSha"`
	Duration       time.Duration     `json:"duration"`
	ETA            time.Time         `json:"eta"`
	RetryCount     int               `json:"retryCount"`
	TimeoutRetries int               `json:"timeoutRetries"`
	CreatedAt      time.Time         `json:"createdAt"`
	StartedAt      time.Time         `json:"startedAt"`
	HeartbeatAt    time.Time         `json:"heartbeatAt"`
	FinishedAt     time.Time         `json:"finishedAt"`
}

// Terminal reports whether the scheduler is done with the task.
func (t Task) Terminal() bool {
	return t.State == TaskStateDone || t.State == TaskStateFailed
}

// DisplayName returns the operation name for humans.
func (t Task) DisplayName() string {
	return strings.ReplaceAll(strings.TrimPrefix(t.Operation, "_"), "_", " ")
}

// TaskIdentity returns the default identity key of an operation on a project.
func TaskIdentity(projectName, operation string) string {
	return projectName + "_" + strings.TrimPrefix(operation, "_")
}

// TaskContext is passed to the operation bodies.
type TaskContext struct {
	Task       Task
	Branch     Branch
	Repository Repository
	Machine    Machine
	// ProjectName is the deployment tool project of the branch instance.
	ProjectName string
}

// Operation is a job body registered with the scheduler.
type Operation func(ctx context.Context, tc TaskContext) Result

// OperationProvider is implemented by the services that own job bodies.
type OperationProvider interface {
	Operations() map[string]Operation
}

// ScheduleOptions tunes a schedule request.
type ScheduleOptions struct {
	IdentityKey string
	Kwargs      map[string]string
	// Now runs the task inline instead of queueing it.
	Now bool
	// Reuse requeues a failed task with the same identity key instead of creating a new one.
	Reuse bool
	// Silent turns a duplicate request into a no-op without an error.
	Silent bool
	ETA    time.Time
}

// TaskSvc describes the task scheduler.
type TaskSvc interface {
	Register(operation string, op Operation)
	Schedule(ctx context.Context, b Branch, operation string, o ScheduleOptions) (Task, error)
	Requeue(ctx context.Context, id uint64) (Task, error)
	ListByBranch(ctx context.Context, branchID uint64) ([]Task, error)
	Execute(ctx context.Context, t Task) (Task, error)
	CleanupJob(ctx context.Context) error
}

// TaskRepo describes interactions with the task DB.
type TaskRepo interface {
	// Add stores the task or returns errtype.ErrTaskAlreadyQueued with the unfinished task of the same identity.
	Add(ctx context.Context, t Task) (Task, error)
	FindByID(ctx context.Context, id uint64) (Task, error)
	FindByBranch(ctx context.Context, branchID uint64) ([]Task, error)
	FindUnfinishedByBranch(ctx context.Context, branchID uint64) ([]Task, error)
	FindLatestByIdentity(ctx context.Context, key string) (Task, error)
	FindLatestDone(ctx context.Context, branchID uint64, operation string) (Task, error)
	// Claim marks the next due pending task as started.
	Claim(ctx context.Context, now time.Time) (Task, error)
	Heartbeat(ctx context.Context, id uint64, now time.Time) error
	Update(ctx context.Context, t Task) error
	FailStale(ctx context.Context, before time.Time) (int, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error)
}
