package app

import (
	"fmt"
	"testing"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/app-cicd/pkg/shell"
	"github.com/beldeveloper/go-errors-context"
	"github.com/stretchr/testify/assert"
)

func TestResultOf(t *testing.T) {
	wrapped := errors.WrapContext(errtype.Retryable("postgres is not ready", 5*time.Second), errors.Context{Path: "test"})
	cases := []struct {
		name  string
		err   error
		kind  ResultKind
		delay time.Duration
	}{
		{"nil", nil, ResultOk, 0},
		{"retryable", wrapped, ResultRetry, 5 * time.Second},
		{"lock busy", fmt.Errorf("project: %w", errtype.ErrLockBusy), ResultRetry, TransientDelay},
		{"connect", fmt.Errorf("run: %w", shell.ErrConnect), ResultRetry, TransientDelay},
		{"transient text", fmt.Errorf("fatal: Unable to create '/src/.git/index.lock': File exists"), ResultRetry, TransientDelay},
		{"bad input", errtype.BadInput("filename %q", "a/b"), ResultFatal, 0},
		{"timeout", &shell.TimeoutError{Cmd: "sleep 9999", Timeout: time.Second}, ResultFatal, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := ResultOf(c.err)
			assert.Equal(t, c.kind, res.Kind, res.String())
			assert.Equal(t, c.delay, res.Delay)
			if c.kind == ResultFatal {
				assert.Equal(t, c.err, res.Err)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	err := errors.WrapContext(&shell.TimeoutError{Cmd: "sleep 9999", Timeout: time.Second}, errors.Context{Path: "test"})
	assert.True(t, IsTimeout(err))
	assert.False(t, IsTimeout(&shell.ExitError{Cmd: "false"}))
}

func TestScheduleNextDate(t *testing.T) {
	loc := time.UTC
	s := Schedule{Hour: 14, Minute: 30}
	assert.Equal(t, time.Date(2024, 3, 1, 14, 30, 0, 0, loc), s.NextDate(time.Date(2024, 3, 1, 9, 0, 0, 0, loc)))
	assert.Equal(t, time.Date(2024, 3, 2, 14, 30, 0, 0, loc), s.NextDate(time.Date(2024, 3, 1, 14, 30, 0, 0, loc)))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, loc), Schedule{}.NextDate(time.Date(2024, 2, 29, 23, 0, 0, 0, loc)))
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", Sized{Size: 512}.HumanSize())
	assert.Equal(t, "1.5 KiB", Sized{Size: 1536}.HumanSize())
	assert.Equal(t, "2.0 GiB", Sized{Size: 2 << 30}.HumanSize())
}

func TestBranchProjectName(t *testing.T) {
	b := Branch{Name: "Feature/ABC-12 fix"}
	assert.Equal(t, "cicd_odoo_feature_abc_12_fix", b.ProjectName("cicd", Repository{Short: "odoo"}))
}

func TestTicketRef(t *testing.T) {
	r := Repository{TicketRegex: `([A-Z]+-\d+)`, TicketBaseURL: "https://tickets.example.com/browse/"}
	assert.Equal(t, "ABC-12", r.TicketRef("feature/ABC-12-login"))
	assert.Equal(t, "https://tickets.example.com/browse/ABC-12", r.TicketURL("feature/ABC-12-login"))
	assert.Empty(t, r.TicketURL("dev"))
	assert.Empty(t, Repository{TicketRegex: "("}.TicketRef("x"))
}

func TestReleaseValidate(t *testing.T) {
	assert.NoError(t, Release{Name: "production", BranchName: "master", ProjectName: "prod_1"}.Validate())
	assert.Error(t, Release{Name: "production", BranchName: "master", ProjectName: "prod 1"}.Validate())
	assert.Error(t, Release{Name: "production"}.Validate())
	assert.Equal(t, "release_master_7", Release{BranchName: "master"}.ItemBranchName(7))
}

func TestSuccessRate(t *testing.T) {
	rate, ok := SuccessRate(nil)
	assert.Equal(t, 100, rate)
	assert.True(t, ok)

	lines := []TestRunLine{
		{Type: TestLineUnit, State: TestLineSuccess},
		{Type: TestLineUnit, State: TestLineFailed},
		{Type: TestLineRobot, State: TestLineFailed, ForceSuccess: true},
		{Type: TestLineLog, State: TestLineFailed},
	}
	rate, ok = SuccessRate(lines)
	assert.Equal(t, 66, rate)
	assert.False(t, ok)

	lines[1].ForceSuccess = true
	rate, ok = SuccessRate(lines)
	assert.Equal(t, 100, rate)
	assert.True(t, ok)
}

func TestCommitTestState(t *testing.T) {
	assert.Equal(t, TestStateNone, CommitTestState([]TestRun{{State: TestRunStateOpen}, {State: TestRunStateOmitted}}))
	assert.Equal(t, TestStateFailed, CommitTestState([]TestRun{{State: TestRunStateRunning}, {State: TestRunStateFailed}, {State: TestRunStateSuccess}}))
	assert.Equal(t, TestStateSuccess, CommitTestState([]TestRun{{State: TestRunStateSuccess}, {State: TestRunStateFailed}}))
}
