package app

import (
	"context"
	"time"
)

const (
	// TestRunStateOpen defines a run waiting for execution.
	TestRunStateOpen = "open"
	// TestRunStateRunning defines a run being executed.
	TestRunStateRunning = "running"
	// TestRunStateSuccess defines a run where every line succeeded.
	TestRunStateSuccess = "success"
	// TestRunStateFailed defines a run with at least one failed line.
	TestRunStateFailed = "failed"
	// TestRunStateOmitted defines a duplicate request coalesced into an active run.
	TestRunStateOmitted = "omitted"

	// TestLineUnit defines a unit test file result.
	TestLineUnit = "unittest"
	// TestLineRobot defines a robot test file result.
	TestLineRobot = "robottest"
	// TestLineMigration defines an install simulation result.
	TestLineMigration = "migration"
	// TestLineLog defines a note that does not count for the success rate.
	TestLineLog = "log"

	// TestLineSuccess defines a passed line.
	TestLineSuccess = "success"
	// TestLineFailed defines a failed line.
	TestLineFailed = "failed"
)

// TestRun is a model that represents one execution of the test stages for a commit.
type TestRun struct {
	ID          uint64        `json:"id"`
	BranchID    uint64        `json:"branchId"`
	CommitSHA   string        `json:"commitSha"`
	State       string        `json:"state"`
	SuccessRate int           `json:"successRate"`
	Duration    time.Duration `json:"duration"`
	DoAbort     bool          `json:"doAbort"`
	Log         string        `json:"log"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Active reports whether the run still counts as the run of its commit.
func (r TestRun) Active() bool {
	return r.State == TestRunStateOpen || r.State == TestRunStateRunning
}

// Finished reports whether the run has an outcome.
func (r TestRun) Finished() bool {
	return r.State == TestRunStateSuccess || r.State == TestRunStateFailed
}

// TestRunLine is a model that represents one result in the ordered log of a run.
type TestRunLine struct {
	ID           uint64        `json:"id"`
	RunID        uint64        `json:"runId"`
	Type         string        `json:"type"`
	Name         string        `json:"name"`
	State        string        `json:"state"`
	ForceSuccess bool          `json:"forceSuccess"`
	Try          int           `json:"try"`
	Duration     time.Duration `json:"duration"`
	Log          string        `json:"log"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Succeeded reports whether the line counts as passed.
func (l TestRunLine) Succeeded() bool {
	return l.ForceSuccess || l.State == TestLineSuccess
}

// SuccessRate returns the percentage of passed lines, notes excluded, and whether all of them passed.
func SuccessRate(lines []TestRunLine) (int, bool) {
	total, ok := 0, 0
	for _, l := range lines {
		if l.Type == TestLineLog {
			continue
		}
		total++
		if l.Succeeded() {
			ok++
		}
	}
	if total == 0 {
		return 100, true
	}
	return ok * 100 / total, ok == total
}

// CommitTestState derives the test state of a commit from its runs ordered from the newest.
func CommitTestState(runs []TestRun) string {
	for _, r := range runs {
		switch r.State {
		case TestRunStateSuccess:
			return TestStateSuccess
		case TestRunStateFailed:
			return TestStateFailed
		}
	}
	return TestStateNone
}

// TestRunSvc describes the test run service.
type TestRunSvc interface {
	Request(ctx context.Context, b Branch, commitSHA string) (TestRun, error)
	Rerun(ctx context.Context, id uint64) (TestRun, error)
	Abort(ctx context.Context, id uint64) error
	ForceLine(ctx context.Context, lineID uint64) error
	ListByCommit(ctx context.Context, sha string) ([]TestRun, error)
	Lines(ctx context.Context, runID uint64) ([]TestRunLine, error)
	Execute(ctx context.Context, tc TaskContext, runID uint64) error
}

// TestRunRepo describes interactions with the test run DB.
type TestRunRepo interface {
	Add(ctx context.Context, r TestRun) (TestRun, error)
	FindByID(ctx context.Context, id uint64) (TestRun, error)
	// FindByCommit returns the runs of the commit ordered from the newest.
	FindByCommit(ctx context.Context, sha string) ([]TestRun, error)
	Update(ctx context.Context, r TestRun) error
	RequestAbort(ctx context.Context, id uint64) error
	AddLine(ctx context.Context, l TestRunLine) (TestRunLine, error)
	FindLineByID(ctx context.Context, id uint64) (TestRunLine, error)
	UpdateLine(ctx context.Context, l TestRunLine) error
	Lines(ctx context.Context, runID uint64) ([]TestRunLine, error)
}
