package svc

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/app-cicd/pkg"
	"github.com/beldeveloper/app-cicd/pkg/shell"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPostgresWait defines how long a scratch project may take to accept connections.
	DefaultPostgresWait = 60 * time.Second
	// DefaultPostgresPoll defines how often the scratch database is probed.
	DefaultPostgresPoll = 500 * time.Millisecond

	testFilesSeparator = "!!!"
	testRunSettings    = "RUN_POSTGRES=1"
)

// gracefulPatterns mark failures of the infrastructure that should not fail a test line.
var gracefulPatterns = []string{".git/index.lock"}

// TestRunConfig contains the timings of the test stages.
type TestRunConfig struct {
	PostgresWait time.Duration
	PostgresPoll time.Duration
}

// TestRunIdentity returns the identity key of the task executing the run.
func TestRunIdentity(projectName string, runID uint64) string {
	return app.TaskIdentity(projectName, app.OpRunTests) + "_" + strconv.FormatUint(runID, 10)
}

// NewTestRun creates a new instance of the test run service.
func NewTestRun(
	taskSvc app.TaskSvc,
	branchSvc app.BranchSvc,
	vcsSvc app.VcsSvc,
	instance Instance,
	ticketSvc pkg.TicketSvc,
	runRepo app.TestRunRepo,
	commitRepo app.CommitRepo,
	repRepo app.RepositoryRepo,
	activityRepo app.ActivityRepo,
	prefix ProjectPrefix,
	cfg TestRunConfig,
	logger log.Logger,
) TestRun {
	if cfg.PostgresWait <= 0 {
		cfg.PostgresWait = DefaultPostgresWait
	}
	if cfg.PostgresPoll <= 0 {
		cfg.PostgresPoll = DefaultPostgresPoll
	}
	return TestRun{
		taskSvc:      taskSvc,
		branchSvc:    branchSvc,
		vcsSvc:       vcsSvc,
		instance:     instance,
		ticketSvc:    ticketSvc,
		runRepo:      runRepo,
		commitRepo:   commitRepo,
		repRepo:      repRepo,
		activityRepo: activityRepo,
		prefix:       string(prefix),
		cfg:          cfg,
		logger:       log.With(logger, "component", "testrun"),
		now:          time.Now,
	}
}

// TestRun is a service that executes the test stages of commits in scratch projects.
type TestRun struct {
	taskSvc      app.TaskSvc
	branchSvc    app.BranchSvc
	vcsSvc       app.VcsSvc
	instance     Instance
	ticketSvc    pkg.TicketSvc
	runRepo      app.TestRunRepo
	commitRepo   app.CommitRepo
	repRepo      app.RepositoryRepo
	activityRepo app.ActivityRepo
	prefix       string
	cfg          TestRunConfig
	logger       log.Logger
	now          func() time.Time
}

// Request opens a run for the commit and queues its execution.
// A commit with an active run gets an omitted run instead.
func (s TestRun) Request(ctx context.Context, b app.Branch, commitSHA string) (app.TestRun, error) {
	if commitSHA == "" {
		commitSHA = b.LatestCommit
	}
	if commitSHA == "" {
		return app.TestRun{}, errtype.BadInput("branch %s has no commits to test", b.Name)
	}
	run, err := s.open(ctx, b, commitSHA)
	if err != nil || run.State == app.TestRunStateOmitted {
		return run, err
	}
	r, err := s.repository(ctx, b)
	if err != nil {
		return run, err
	}
	_, err = s.taskSvc.Schedule(ctx, b, app.OpRunTests, app.ScheduleOptions{
		IdentityKey: TestRunIdentity(b.ProjectName(s.prefix, r), run.ID),
		Kwargs:      map[string]string{"run": strconv.FormatUint(run.ID, 10)},
		Silent:      true,
	})
	return run, errors.WrapContext(err, errors.Context{
		Path:   "svc.TestRun.Request.Schedule",
		Params: errors.Params{"run": run.ID},
	})
}

func (s TestRun) open(ctx context.Context, b app.Branch, sha string) (app.TestRun, error) {
	run, err := s.runRepo.Add(ctx, app.TestRun{BranchID: b.ID, CommitSHA: sha, State: app.TestRunStateOpen, CreatedAt: s.now()})
	if errors.Is(err, errtype.ErrRunAlreadyActive) {
		_ = level.Info(s.logger).Log("msg", "test run coalesced", "branch", b.ID, "commit", sha)
		run, err = s.runRepo.Add(ctx, app.TestRun{BranchID: b.ID, CommitSHA: sha, State: app.TestRunStateOmitted, CreatedAt: s.now()})
	}
	return run, errors.WrapContext(err, errors.Context{
		Path:   "svc.TestRun.open.Add",
		Params: errors.Params{"branch": b.ID, "commit": sha},
	})
}

func (s TestRun) repository(ctx context.Context, b app.Branch) (app.Repository, error) {
	r, err := s.repRepo.FindByID(ctx, b.RepositoryID)
	return r, errors.WrapContext(err, errors.Context{
		Path:   "svc.TestRun.repository.FindByID",
		Params: errors.Params{"repository": b.RepositoryID},
	})
}

// Rerun opens a new run for the commit of a finished run.
func (s TestRun) Rerun(ctx context.Context, id uint64) (app.TestRun, error) {
	old, err := s.runRepo.FindByID(ctx, id)
	if err != nil {
		return old, errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.Rerun.FindByID",
			Params: errors.Params{"run": id},
		})
	}
	b, err := s.branchSvc.Find(ctx, old.BranchID)
	if err != nil {
		return old, errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.Rerun.Find",
			Params: errors.Params{"branch": old.BranchID},
		})
	}
	switch b.State {
	case app.BranchStateTestable, app.BranchStateTested, app.BranchStateDev:
	default:
		return old, errtype.BadInput("state %s of branch %s does not allow a repeated test run", b.State, b.Name)
	}
	run, err := s.Request(ctx, b, old.CommitSHA)
	return run, errors.WrapContext(err, errors.Context{
		Path:   "svc.TestRun.Rerun.Request",
		Params: errors.Params{"run": id},
	})
}

// Abort asks the run to stop at the next checkpoint.
func (s TestRun) Abort(ctx context.Context, id uint64) error {
	run, err := s.runRepo.FindByID(ctx, id)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.Abort.FindByID",
			Params: errors.Params{"run": id},
		})
	}
	if !run.Active() {
		return errtype.BadInput("test run %d is %s", id, run.State)
	}
	return errors.WrapContext(s.runRepo.RequestAbort(ctx, id), errors.Context{
		Path:   "svc.TestRun.Abort.RequestAbort",
		Params: errors.Params{"run": id},
	})
}

// ForceLine accepts a failed line as passed and recomputes the outcome of its run.
func (s TestRun) ForceLine(ctx context.Context, lineID uint64) error {
	l, err := s.runRepo.FindLineByID(ctx, lineID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.ForceLine.FindLineByID",
			Params: errors.Params{"line": lineID},
		})
	}
	l.ForceSuccess = true
	if err = s.runRepo.UpdateLine(ctx, l); err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.ForceLine.UpdateLine",
			Params: errors.Params{"line": lineID},
		})
	}
	run, err := s.runRepo.FindByID(ctx, l.RunID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.ForceLine.FindByID",
			Params: errors.Params{"run": l.RunID},
		})
	}
	if !run.Finished() {
		return nil
	}
	_, err = s.complete(ctx, run)
	return err
}

// ListByCommit returns the runs of the commit from the newest.
func (s TestRun) ListByCommit(ctx context.Context, sha string) ([]app.TestRun, error) {
	res, err := s.runRepo.FindByCommit(ctx, sha)
	return res, errors.WrapContext(err, errors.Context{
		Path:   "svc.TestRun.ListByCommit.FindByCommit",
		Params: errors.Params{"sha": sha},
	})
}

// Lines returns the ordered log of the run.
func (s TestRun) Lines(ctx context.Context, runID uint64) ([]app.TestRunLine, error) {
	res, err := s.runRepo.Lines(ctx, runID)
	return res, errors.WrapContext(err, errors.Context{
		Path:   "svc.TestRun.Lines.Lines",
		Params: errors.Params{"run": runID},
	})
}

// Operations returns the job body executing the runs.
func (s TestRun) Operations() map[string]app.Operation {
	return map[string]app.Operation{
		app.OpRunTests: s.runTests,
	}
}

func (s TestRun) runTests(ctx context.Context, tc app.TaskContext) app.Result {
	var runID uint64
	var err error
	if _, ok := tc.Task.Kwargs["run"]; ok {
		runID, err = kwargInt(tc, "run")
		if err != nil {
			return app.Fatal(err)
		}
	} else {
		// requested by a commit marker
		run, err := s.open(ctx, tc.Branch, firstNonEmpty(tc.Task.Kwargs["commit"], tc.Branch.LatestCommit))
		if err != nil {
			return app.ResultOf(err)
		}
		if run.State == app.TestRunStateOmitted {
			return app.Ok()
		}
		runID = run.ID
	}
	return app.ResultOf(s.Execute(ctx, tc, runID))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type testStage struct {
	name string
	kind string
	run  func(ctx context.Context, sh *shell.Executor, ex *testExecution) error
}

type testExecution struct {
	run app.TestRun
	tc  app.TaskContext
}

// Execute runs the enabled stages of the branch for the commit of the open run.
func (s TestRun) Execute(ctx context.Context, tc app.TaskContext, runID uint64) error {
	run, err := s.runRepo.FindByID(ctx, runID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.Execute.FindByID",
			Params: errors.Params{"run": runID},
		})
	}
	if run.State != app.TestRunStateOpen {
		_ = level.Info(s.logger).Log("msg", "test run is not open", "run", runID, "state", run.State)
		return nil
	}
	started := s.now()
	if !tc.Branch.AnyTesting() {
		run.State = app.TestRunStateSuccess
		run.SuccessRate = 100
		if err = s.runRepo.Update(ctx, run); err != nil {
			return errors.WrapContext(err, errors.Context{
				Path:   "svc.TestRun.Execute.Update",
				Params: errors.Params{"run": runID},
			})
		}
		_, err = s.complete(ctx, run)
		return err
	}
	run.State = app.TestRunStateRunning
	if err = s.runRepo.Update(ctx, run); err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.Execute.UpdateRunning",
			Params: errors.Params{"run": runID},
		})
	}
	s.note(ctx, run.ID, "Started")
	ex := &testExecution{run: run, tc: tc}
	for _, stage := range s.stages(tc.Branch) {
		if err = s.checkAbort(ctx, run.ID); err != nil {
			break
		}
		if err = s.executeStage(ctx, ex, stage); err != nil {
			break
		}
	}
	if errors.Is(err, errtype.ErrAborted) {
		s.note(ctx, run.ID, "Aborted by user")
		run.DoAbort = true
		err = nil
	}
	if err != nil {
		// infrastructure failure, the run is executed again by the task retry
		run.State = app.TestRunStateOpen
		if uerr := s.runRepo.Update(ctx, run); uerr != nil {
			_ = level.Error(s.logger).Log("msg", "reopen test run", "run", run.ID, "err", uerr)
		}
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.Execute.executeStage",
			Params: errors.Params{"run": runID},
		})
	}
	run.Duration = s.now().Sub(started)
	run, err = s.complete(ctx, run)
	if err != nil {
		return err
	}
	s.inform(ctx, tc, run)
	return nil
}

func (s TestRun) stages(b app.Branch) []testStage {
	res := make([]testStage, 0, 3)
	if b.RunUnittests {
		res = append(res, testStage{name: "test-units", kind: app.TestLineUnit, run: s.unitTests})
	}
	if b.RunRobottests {
		res = append(res, testStage{name: "test-robot", kind: app.TestLineRobot, run: s.robotTests})
	}
	if b.SimulateInstall {
		res = append(res, testStage{name: "test-migration", kind: app.TestLineMigration, run: s.migration})
	}
	return res
}

func (s TestRun) checkAbort(ctx context.Context, runID uint64) error {
	run, err := s.runRepo.FindByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.DoAbort {
		return errtype.ErrAborted
	}
	return nil
}

func (s TestRun) note(ctx context.Context, runID uint64, msg string) {
	_, err := s.runRepo.AddLine(ctx, app.TestRunLine{RunID: runID, Type: app.TestLineLog, Name: msg, State: app.TestLineSuccess})
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "add test line", "run", runID, "err", err)
	}
}

// ScratchProject returns the project name the run is executed in.
func ScratchProject(projectName string, runID uint64) string {
	return fmt.Sprintf("%s_testrun_%d", projectName, runID)
}

func (s TestRun) executeStage(ctx context.Context, ex *testExecution, stage testStage) (err error) {
	tc := ex.tc
	tc.ProjectName = ScratchProject(ex.tc.ProjectName, ex.run.ID)
	sh, err := s.instance.shell(ctx, tc)
	if err != nil {
		return err
	}
	started := s.now()
	s.note(ctx, ex.run.ID, "Running "+stage.name)
	if err = s.prepare(ctx, sh, tc, ex.run); err != nil {
		s.cleanup(ctx, sh, tc)
		if app.ResultOf(err).Kind == app.ResultRetry {
			return err
		}
		_, _ = s.runRepo.AddLine(ctx, app.TestRunLine{
			RunID:    ex.run.ID,
			Type:     stage.kind,
			Name:     "Failed at preparation: " + stage.name,
			State:    app.TestLineFailed,
			Try:      1,
			Duration: s.now().Sub(started),
			Log:      err.Error(),
		})
		return nil
	}
	defer s.cleanup(ctx, sh, tc)
	_, _ = s.runRepo.AddLine(ctx, app.TestRunLine{
		RunID:    ex.run.ID,
		Type:     app.TestLineLog,
		Name:     "preparation done: " + stage.name,
		State:    app.TestLineSuccess,
		Duration: s.now().Sub(started),
	})
	if err = stage.run(ctx, sh, ex); err != nil && !errors.Is(err, errtype.ErrAborted) && app.ResultOf(err).Kind == app.ResultFatal {
		_, _ = s.runRepo.AddLine(ctx, app.TestRunLine{
			RunID: ex.run.ID,
			Type:  stage.kind,
			Name:  "Failed at " + stage.name,
			State: app.TestLineFailed,
			Try:   1,
			Log:   err.Error(),
		})
		return nil
	}
	return err
}

// prepare checks out the commit into the scratch project and stores a snapshot of a fresh database.
func (s TestRun) prepare(ctx context.Context, sh *shell.Executor, tc app.TaskContext, run app.TestRun) error {
	if _, err := s.vcsSvc.CheckoutLatest(ctx, tc.Repository, tc.Branch, sh.Dir()); err != nil {
		return err
	}
	if err := sh.CheckoutCommit(ctx, run.CommitSHA); err != nil {
		return err
	}
	if err := s.instance.Configure(ctx, sh, tc, testRunSettings); err != nil {
		return err
	}
	if err := s.instance.Build(ctx, sh, tc); err != nil {
		return err
	}
	for _, args := range [][]string{{"kill"}, {"rm"}} {
		if _, err := sh.RunOdoo(ctx, shell.OdooCmd{Args: args, AllowError: true}); err != nil {
			return err
		}
	}
	steps := []shell.OdooCmd{
		{Args: []string{"up", "-d", "postgres"}},
		{Args: []string{"db", "reset"}, Force: true},
		{Args: []string{"update"}},
		{Args: []string{"snap", "save", sh.ProjectName()}, Force: true},
	}
	for _, c := range steps {
		if _, err := sh.RunOdoo(ctx, c); err != nil {
			return err
		}
		if err := s.waitForPostgres(ctx, sh); err != nil {
			return err
		}
	}
	return nil
}

func (s TestRun) cleanup(ctx context.Context, sh *shell.Executor, tc app.TaskContext) {
	steps := []shell.OdooCmd{
		{Args: []string{"kill"}, AllowError: true},
		{Args: []string{"rm"}, Force: true, AllowError: true},
		{Args: []string{"snap", "clear"}, AllowError: true},
		{Args: []string{"down", "-v"}, Force: true, AllowError: true},
	}
	for _, c := range steps {
		if _, err := sh.RunOdoo(ctx, c); err != nil {
			_ = level.Warn(s.logger).Log("msg", "clean up scratch project", "project", sh.ProjectName(), "err", err)
		}
	}
	if err := sh.Clone(shell.WithDir(tc.Machine.SourceVolume)).Remove(ctx, sh.Dir()); err != nil {
		_ = level.Warn(s.logger).Log("msg", "remove scratch folder", "folder", sh.Dir(), "err", err)
	}
}

func (s TestRun) waitForPostgres(ctx context.Context, sh *shell.Executor) error {
	deadline := s.now().Add(s.cfg.PostgresWait)
	for {
		res, err := sh.RunOdoo(ctx, shell.OdooCmd{
			Args:       []string{"psql", "--non-interactive", "--sql", "select * from information_schema.tables limit 1;"},
			AllowError: true,
			Timeout:    s.cfg.PostgresWait,
		})
		if err != nil {
			return err
		}
		if res.ExitCode == 0 {
			return nil
		}
		if s.now().After(deadline) {
			return errtype.Retryable("postgres of "+sh.ProjectName()+" did not start", app.TransientDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PostgresPoll):
		}
	}
}

func testFiles(out string) []string {
	parts := strings.SplitN(out, testFilesSeparator, 2)
	if len(parts) < 2 {
		return nil
	}
	res := make([]string, 0)
	for _, f := range strings.Split(parts[1], "\n") {
		if f = strings.TrimSpace(f); f != "" {
			res = append(res, f)
		}
	}
	return res
}

func (s TestRun) listFiles(ctx context.Context, sh *shell.Executor, cmd string) ([]string, error) {
	res, err := sh.Odoo(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return testFiles(res.Stdout), nil
}

func (s TestRun) restoreSnapshot(ctx context.Context, sh *shell.Executor) error {
	if _, err := sh.Odoo(ctx, "snap", "restore", sh.ProjectName()); err != nil {
		return err
	}
	return s.waitForPostgres(ctx, sh)
}

func (s TestRun) unitTests(ctx context.Context, sh *shell.Executor, ex *testExecution) error {
	files, err := s.listFiles(ctx, sh, "list-unit-test-files")
	if err != nil {
		return err
	}
	if err = s.restoreSnapshot(ctx, sh); err != nil {
		return err
	}
	return s.each(ctx, ex, app.TestLineUnit, files, ex.tc.Branch.TestTryCount, func(file string) error {
		_, err := sh.Odoo(ctx, "unittest", file)
		return err
	})
}

func (s TestRun) robotTests(ctx context.Context, sh *shell.Executor, ex *testExecution) error {
	files, err := s.listFiles(ctx, sh, "list-robot-test-files")
	if err != nil {
		return err
	}
	if _, err = sh.Odoo(ctx, "build"); err != nil {
		return err
	}
	return s.each(ctx, ex, app.TestLineRobot, files, 1, func(file string) error {
		if err := s.restoreSnapshot(ctx, sh); err != nil {
			return err
		}
		_, err := sh.Odoo(ctx, "robot", file)
		return err
	})
}

func (s TestRun) migration(ctx context.Context, sh *shell.Executor, ex *testExecution) error {
	dump := ex.tc.Branch.SimulateDump
	if dump == "" {
		return errtype.Misconfigured("branch %s simulates an install without a dump", ex.tc.Branch.Name)
	}
	if !strings.HasPrefix(dump, "/") {
		dump = ex.tc.Machine.DumpsVolume + "/" + dump
	}
	return s.each(ctx, ex, app.TestLineMigration, []string{dump}, 1, func(file string) error {
		if _, err := sh.RunOdoo(ctx, shell.OdooCmd{Args: []string{"restore", "odoo-db", file}, Force: true}); err != nil {
			return err
		}
		if err := s.waitForPostgres(ctx, sh); err != nil {
			return err
		}
		if _, err := sh.Odoo(ctx, "update"); err != nil {
			return err
		}
		return s.waitForPostgres(ctx, sh)
	})
}

// each runs the items one by one with up to tries attempts and records one line per item.
func (s TestRun) each(ctx context.Context, ex *testExecution, kind string, items []string, tries int, fn func(item string) error) error {
	if tries < 1 {
		tries = 1
	}
	for i, item := range items {
		if err := s.checkAbort(ctx, ex.run.ID); err != nil {
			return err
		}
		line := app.TestRunLine{RunID: ex.run.ID, Type: kind, Name: fmt.Sprintf("(%d / %d) %s", i+1, len(items), item)}
		for try := 1; try <= tries; try++ {
			started := s.now()
			err := fn(item)
			line.Try = try
			line.Duration = s.now().Sub(started)
			if err == nil {
				line.State, line.Log = app.TestLineSuccess, ""
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			line.State, line.Log = app.TestLineFailed, err.Error()
			if graceful(err) {
				line.Type = app.TestLineLog
				break
			}
		}
		if _, err := s.runRepo.AddLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func graceful(err error) bool {
	for _, p := range gracefulPatterns {
		if strings.Contains(err.Error(), p) {
			return true
		}
	}
	return false
}

// complete derives the outcome of the run from its lines and propagates it to the commit and its branches.
func (s TestRun) complete(ctx context.Context, run app.TestRun) (app.TestRun, error) {
	lines, err := s.runRepo.Lines(ctx, run.ID)
	if err != nil {
		return run, errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.complete.Lines",
			Params: errors.Params{"run": run.ID},
		})
	}
	rate, ok := app.SuccessRate(lines)
	run.SuccessRate = rate
	run.State = app.TestRunStateFailed
	if ok && !run.DoAbort {
		run.State = app.TestRunStateSuccess
	}
	if err = s.runRepo.Update(ctx, run); err != nil {
		return run, errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.complete.Update",
			Params: errors.Params{"run": run.ID},
		})
	}
	runs, err := s.runRepo.FindByCommit(ctx, run.CommitSHA)
	if err != nil {
		return run, errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.complete.FindByCommit",
			Params: errors.Params{"commit": run.CommitSHA},
		})
	}
	if err = s.commitRepo.UpdateTestState(ctx, run.CommitSHA, app.CommitTestState(runs)); err != nil {
		return run, errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.complete.UpdateTestState",
			Params: errors.Params{"commit": run.CommitSHA},
		})
	}
	c, err := s.commitRepo.FindBySHA(ctx, run.CommitSHA)
	if err != nil {
		return run, errors.WrapContext(err, errors.Context{
			Path:   "svc.TestRun.complete.FindBySHA",
			Params: errors.Params{"commit": run.CommitSHA},
		})
	}
	_ = level.Info(s.logger).Log("msg", "test run finished", "run", run.ID, "commit", run.CommitSHA, "state", run.State, "rate", run.SuccessRate)
	err = s.branchSvc.RecomputeState(ctx, c.BranchIDs...)
	return run, errors.WrapContext(err, errors.Context{
		Path:   "svc.TestRun.complete.RecomputeState",
		Params: errors.Params{"commit": run.CommitSHA},
	})
}

func (s TestRun) inform(ctx context.Context, tc app.TaskContext, run app.TestRun) {
	body := fmt.Sprintf("Tests Succeeded for %s", shortSHA(run.CommitSHA))
	lvl := app.ActivityInfo
	if run.State != app.TestRunStateSuccess {
		body = fmt.Sprintf("Tests failed for %s with success rate %d%%", shortSHA(run.CommitSHA), run.SuccessRate)
		lvl = app.ActivityError
	}
	if _, err := s.activityRepo.Add(ctx, app.Activity{BranchID: run.BranchID, Level: lvl, Body: body, CreatedAt: s.now()}); err != nil {
		_ = level.Warn(s.logger).Log("msg", "post activity", "run", run.ID, "err", err)
	}
	ref := tc.Repository.TicketRef(tc.Branch.Name)
	if ref == "" {
		return
	}
	err := s.ticketSvc.Comment(ctx, pkg.TicketCommentReq{Ref: ref, Branch: ticketBranch(tc), Body: body})
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "comment ticket", "ref", ref, "err", err)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
