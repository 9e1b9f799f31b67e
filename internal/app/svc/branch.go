package svc

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/app-cicd/pkg"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"strconv"
	"strings"
	"time"
)

// CollectIdentity returns the identity of the release collection task of the repository.
func CollectIdentity(repositoryID uint64) string {
	return "collect_release_items_" + strconv.FormatUint(repositoryID, 10)
}

// DefaultTestTryCount defines how many times a failing test file is run before it counts as failed.
const DefaultTestTryCount = 3

var buildingOperations = map[string]bool{
	app.OpBuild:              true,
	app.OpCheckoutLatest:     true,
	app.OpPrepareNewInstance: true,
	app.OpReloadAndRestart:   true,
}

// NewBranch creates a new instance of the branch service.
func NewBranch(
	taskSvc app.TaskSvc,
	machineSvc app.MachineSvc,
	ticketSvc pkg.TicketSvc,
	branchRepo app.BranchRepo,
	commitRepo app.CommitRepo,
	repRepo app.RepositoryRepo,
	taskRepo app.TaskRepo,
	releaseRepo app.ReleaseRepo,
	itemRepo app.ReleaseItemRepo,
	activityRepo app.ActivityRepo,
	prefix ProjectPrefix,
	logger log.Logger,
) Branch {
	return Branch{
		taskSvc:      taskSvc,
		machineSvc:   machineSvc,
		ticketSvc:    ticketSvc,
		branchRepo:   branchRepo,
		commitRepo:   commitRepo,
		repRepo:      repRepo,
		taskRepo:     taskRepo,
		releaseRepo:  releaseRepo,
		itemRepo:     itemRepo,
		activityRepo: activityRepo,
		prefix:       string(prefix),
		logger:       log.With(logger, "component", "branch"),
		now:          time.Now,
	}
}

// Branch is a service that manages the tracked branches and their lifecycle state.
type Branch struct {
	taskSvc      app.TaskSvc
	machineSvc   app.MachineSvc
	ticketSvc    pkg.TicketSvc
	branchRepo   app.BranchRepo
	commitRepo   app.CommitRepo
	repRepo      app.RepositoryRepo
	taskRepo     app.TaskRepo
	releaseRepo  app.ReleaseRepo
	itemRepo     app.ReleaseItemRepo
	activityRepo app.ActivityRepo
	prefix       string
	logger       log.Logger
	now          func() time.Time
}

// List all branches.
func (s Branch) List(ctx context.Context) ([]app.Branch, error) {
	res, err := s.branchRepo.FindAll(ctx)
	return res, errors.WrapContext(err, errors.Context{Path: "svc.Branch.List.FindAll"})
}

// Find the branch.
func (s Branch) Find(ctx context.Context, id uint64) (app.Branch, error) {
	res, err := s.branchRepo.FindByID(ctx, id)
	return res, errors.WrapContext(err, errors.Context{
		Path:   "svc.Branch.Find.FindByID",
		Params: errors.Params{"branch": id},
	})
}

// Register returns the branch of the repository, creating it when it is not tracked yet.
func (s Branch) Register(ctx context.Context, r app.Repository, name string) (app.Branch, bool, error) {
	b, err := s.branchRepo.FindByName(ctx, r.ID, name)
	if err == nil {
		return b, false, nil
	}
	if !errors.Is(err, errtype.ErrNotFound) {
		return b, false, errors.WrapContext(err, errors.Context{
			Path:   "svc.Branch.Register.FindByName",
			Params: errors.Params{"repository": r.ID, "branch": name},
		})
	}
	now := s.now()
	b, err = s.branchRepo.Add(ctx, app.Branch{
		RepositoryID:   r.ID,
		Name:           name,
		State:          app.BranchStateNew,
		Active:         true,
		RunUnittests:   true,
		RunRobottests:  true,
		TestTryCount:   DefaultTestTryCount,
		LastAccess:     now,
		CycleDownAfter: app.DefaultCycleDownAfter,
		Registered:     now,
	})
	if err != nil {
		return b, false, errors.WrapContext(err, errors.Context{
			Path:   "svc.Branch.Register.Add",
			Params: errors.Params{"repository": r.ID, "branch": name},
		})
	}
	_ = level.Info(s.logger).Log("msg", "branch registered", "branch", b.ID, "name", name, "repository", r.Short)
	return b, true, nil
}

// UpdateCommits links the commits, newest first, to the branch and applies the message markers of the new ones.
func (s Branch) UpdateCommits(ctx context.Context, b app.Branch, commits []app.Commit) (app.Branch, error) {
	if len(commits) == 0 {
		return b, nil
	}
	shas := make([]string, len(commits))
	for i, c := range commits {
		shas[i] = c.SHA
	}
	known, err := s.commitRepo.FindBySHAs(ctx, shas)
	if err != nil {
		return b, errors.WrapContext(err, errors.Context{
			Path:   "svc.Branch.UpdateCommits.FindBySHAs",
			Params: errors.Params{"branch": b.ID},
		})
	}
	knownMap := make(map[string]bool, len(known))
	for _, c := range known {
		knownMap[c.SHA] = true
	}
	for i, c := range commits {
		if knownMap[c.SHA] {
			if err = s.commitRepo.LinkBranch(ctx, c.SHA, b.ID); err != nil {
				return b, errors.WrapContext(err, errors.Context{
					Path:   "svc.Branch.UpdateCommits.LinkBranch",
					Params: errors.Params{"branch": b.ID, "sha": c.SHA},
				})
			}
			continue
		}
		c.BranchIDs = []uint64{b.ID}
		switch {
		case c.HasMarker(app.MarkerApprove):
			c.ApprovalState = app.ApprovalApproved
		case c.HasMarker(app.MarkerReview):
			c.ApprovalState = app.ApprovalCheck
		}
		if _, err = s.commitRepo.Upsert(ctx, c); err != nil {
			return b, errors.WrapContext(err, errors.Context{
				Path:   "svc.Branch.UpdateCommits.Upsert",
				Params: errors.Params{"branch": b.ID, "sha": c.SHA},
			})
		}
		if i == 0 {
			s.applyActionMarkers(ctx, b, c)
		}
	}
	b.LatestCommit = commits[0].SHA
	if b, err = s.branchRepo.Update(ctx, b); err != nil {
		return b, errors.WrapContext(err, errors.Context{
			Path:   "svc.Branch.UpdateCommits.Update",
			Params: errors.Params{"branch": b.ID},
		})
	}
	err = s.RecomputeState(ctx, b.ID)
	return b, errors.WrapContext(err, errors.Context{
		Path:   "svc.Branch.UpdateCommits.RecomputeState",
		Params: errors.Params{"branch": b.ID},
	})
}

func (s Branch) applyActionMarkers(ctx context.Context, b app.Branch, c app.Commit) {
	ops := make([]string, 0, 2)
	if c.HasMarker(app.MarkerReset) {
		ops = append(ops, app.OpResetDB)
	}
	if c.HasMarker(app.MarkerTest) {
		ops = append(ops, app.OpRunTests)
	}
	for _, op := range ops {
		_, err := s.taskSvc.Schedule(ctx, b, op, app.ScheduleOptions{
			Kwargs: map[string]string{"commit": c.SHA},
			Silent: true,
		})
		if err != nil {
			_ = level.Error(s.logger).Log("msg", "schedule marker operation", "branch", b.ID, "operation", op, "err", err)
		}
	}
}

// SetFlags changes the testing and release flags of the branch.
func (s Branch) SetFlags(ctx context.Context, id uint64, f app.FormBranchFlags) (app.Branch, error) {
	b, err := s.branchRepo.FindByID(ctx, id)
	if err != nil {
		return b, errors.WrapContext(err, errors.Context{
			Path:   "svc.Branch.SetFlags.FindByID",
			Params: errors.Params{"branch": id},
		})
	}
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&b.RunUnittests, f.RunUnittests)
	set(&b.RunRobottests, f.RunRobottests)
	set(&b.SimulateInstall, f.SimulateInstall)
	set(&b.BlockRelease, f.BlockRelease)
	if f.Active != nil && !*f.Active && b.Active {
		if err = s.Deactivate(ctx, b); err != nil {
			return b, err
		}
		return s.Find(ctx, id)
	}
	set(&b.Active, f.Active)
	if b, err = s.branchRepo.Update(ctx, b); err != nil {
		return b, errors.WrapContext(err, errors.Context{
			Path:   "svc.Branch.SetFlags.Update",
			Params: errors.Params{"branch": id},
		})
	}
	if err = s.RecomputeState(ctx, b.ID); err != nil {
		return b, errors.WrapContext(err, errors.Context{
			Path:   "svc.Branch.SetFlags.RecomputeState",
			Params: errors.Params{"branch": id},
		})
	}
	return s.Find(ctx, b.ID)
}

// Deactivate cancels the branch and destroys its instance.
func (s Branch) Deactivate(ctx context.Context, b app.Branch) error {
	b.Active = false
	b.State = app.BranchStateCancel
	b, err := s.branchRepo.Update(ctx, b)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Branch.Deactivate.Update",
			Params: errors.Params{"branch": b.ID},
		})
	}
	_, err = s.taskSvc.Schedule(ctx, b, app.OpDestroy, app.ScheduleOptions{Silent: true})
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Branch.Deactivate.Schedule",
			Params: errors.Params{"branch": b.ID},
		})
	}
	s.post(ctx, b.ID, app.ActivityInfo, "Branch deactivated")
	_ = level.Info(s.logger).Log("msg", "branch deactivated", "branch", b.ID, "name", b.Name)
	return nil
}

// Touch records an access to the instance so that it is not cycled down.
func (s Branch) Touch(ctx context.Context, id uint64) error {
	b, err := s.branchRepo.FindByID(ctx, id)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Branch.Touch.FindByID",
			Params: errors.Params{"branch": id},
		})
	}
	b.LastAccess = s.now()
	_, err = s.branchRepo.Update(ctx, b)
	return errors.WrapContext(err, errors.Context{
		Path:   "svc.Branch.Touch.Update",
		Params: errors.Params{"branch": id},
	})
}

// RecomputeState derives the state of every given branch and runs the side effects of the changes.
func (s Branch) RecomputeState(ctx context.Context, ids ...uint64) error {
	branches, err := s.branchRepo.FindByIDs(ctx, ids)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Branch.RecomputeState.FindByIDs",
			Params: errors.Params{"ids": ids},
		})
	}
	for _, b := range branches {
		if err = s.recompute(ctx, b); err != nil {
			return errors.WrapContext(err, errors.Context{
				Path:   "svc.Branch.RecomputeState.recompute",
				Params: errors.Params{"branch": b.ID},
			})
		}
	}
	return nil
}

func (s Branch) recompute(ctx context.Context, b app.Branch) error {
	state, err := s.computeState(ctx, b)
	if err != nil {
		return err
	}
	if state == b.State {
		return nil
	}
	if err = s.branchRepo.UpdateState(ctx, b.ID, state); err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Branch.recompute.UpdateState"})
	}
	_ = level.Info(s.logger).Log("msg", "branch state changed", "branch", b.ID, "from", b.State, "to", state)
	s.post(ctx, b.ID, app.ActivityInfo, fmt.Sprintf("State changed from %s to %s", b.State, state))
	old := b.State
	r, err := s.repRepo.FindByID(ctx, b.RepositoryID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Branch.recompute.repository"})
	}
	if r.TicketRef(b.Name) != "" {
		s.scheduleFollowUp(ctx, b, app.OpReportTicket, "")
	}
	if old == app.BranchStateTested || state == app.BranchStateTested {
		s.scheduleFollowUp(ctx, b, app.OpCollectReleaseItems, CollectIdentity(b.RepositoryID))
	}
	return nil
}

func (s Branch) scheduleFollowUp(ctx context.Context, b app.Branch, op string, key string) {
	_, err := s.taskSvc.Schedule(ctx, b, op, app.ScheduleOptions{IdentityKey: key, Silent: true})
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "schedule follow-up", "branch", b.ID, "operation", op, "err", err)
	}
}

func (s Branch) computeState(ctx context.Context, b app.Branch) (string, error) {
	if !b.Active {
		return app.BranchStateCancel, nil
	}
	releases, err := s.releaseRepo.FindByRepository(ctx, b.RepositoryID)
	if err != nil {
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Branch.computeState.releases"})
	}
	for _, r := range releases {
		if r.Active && r.BranchName == b.Name {
			return app.BranchStateRelease, nil
		}
	}
	in := app.BranchStateInput{
		HasCommits:   b.LatestCommit != "",
		AnyTesting:   b.AnyTesting(),
		BlockRelease: b.BlockRelease,
	}
	if in.HasCommits {
		if in.Latest, err = s.commitRepo.FindBySHA(ctx, b.LatestCommit); err != nil {
			return "", errors.WrapContext(err, errors.Context{Path: "svc.Branch.computeState.latest"})
		}
	}
	tasks, err := s.taskRepo.FindUnfinishedByBranch(ctx, b.ID)
	if err != nil {
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Branch.computeState.tasks"})
	}
	for _, t := range tasks {
		if buildingOperations[t.Operation] {
			in.Building = true
			break
		}
	}
	if in.Memberships, err = s.itemRepo.FindMemberships(ctx, b.ID); err != nil {
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Branch.computeState.memberships"})
	}
	return app.ComputeBranchState(in), nil
}

// CycleDownJob stops the instances nobody used for a while.
func (s Branch) CycleDownJob(ctx context.Context) error {
	repos, err := s.repRepo.FindAll(ctx)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Branch.CycleDownJob.FindAll"})
	}
	containers := make(map[uint64][]app.Container)
	for _, r := range repos {
		running, ok := containers[r.MachineID]
		if !ok {
			m, err := s.machineSvc.Find(ctx, r.MachineID)
			if err == nil {
				running, err = s.machineSvc.Containers(ctx, m)
			}
			if err != nil {
				_ = level.Error(s.logger).Log("msg", "list containers", "machine", r.MachineID, "err", err)
				continue
			}
			containers[r.MachineID] = running
		}
		if err = s.cycleDownRepository(ctx, r, running); err != nil {
			_ = level.Error(s.logger).Log("msg", "cycle down", "repository", r.Short, "err", err)
		}
	}
	return nil
}

func (s Branch) cycleDownRepository(ctx context.Context, r app.Repository, all []app.Container) error {
	branches, err := s.branchRepo.FindByRepository(ctx, r.ID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Branch.cycleDownRepository.FindByRepository"})
	}
	now := s.now()
	for _, b := range branches {
		project := b.ProjectName(s.prefix, r) + "_"
		own := make([]app.Container, 0)
		for _, c := range all {
			if strings.HasPrefix(c.Name, project) {
				own = append(own, c)
			}
		}
		b.Containers = own
		if b, err = s.branchRepo.Update(ctx, b); err != nil {
			return errors.WrapContext(err, errors.Context{Path: "svc.Branch.cycleDownRepository.Update"})
		}
		after := b.CycleDownAfter
		if after <= 0 {
			after = app.DefaultCycleDownAfter
		}
		if !b.InstanceUp() || now.Sub(b.LastAccess) <= after {
			continue
		}
		tasks, err := s.taskRepo.FindUnfinishedByBranch(ctx, b.ID)
		if err != nil {
			return errors.WrapContext(err, errors.Context{Path: "svc.Branch.cycleDownRepository.tasks"})
		}
		if len(tasks) > 0 {
			continue
		}
		_, err = s.taskSvc.Schedule(ctx, b, app.OpCycleDown, app.ScheduleOptions{Silent: true})
		if err != nil {
			return errors.WrapContext(err, errors.Context{
				Path:   "svc.Branch.cycleDownRepository.Schedule",
				Params: errors.Params{"branch": b.ID},
			})
		}
		_ = level.Info(s.logger).Log("msg", "cycling down idle instance", "branch", b.ID, "name", b.Name)
	}
	return nil
}

// Operations returns the job bodies owned by the branch service.
func (s Branch) Operations() map[string]app.Operation {
	return map[string]app.Operation{
		app.OpReportTicket: s.reportTicket,
	}
}

func (s Branch) reportTicket(ctx context.Context, tc app.TaskContext) app.Result {
	r := tc.Repository
	ref := r.TicketRef(tc.Branch.Name)
	if ref == "" {
		return app.Ok()
	}
	err := s.ticketSvc.ReportState(ctx, pkg.TicketStateReq{
		Ref:    ref,
		URL:    r.TicketURL(tc.Branch.Name),
		Branch: ticketBranch(tc),
		State:  tc.Branch.State,
	})
	return app.ResultOf(errors.WrapContext(err, errors.Context{
		Path:   "svc.Branch.reportTicket.ReportState",
		Params: errors.Params{"branch": tc.Branch.ID, "ticket": ref},
	}))
}

func ticketBranch(tc app.TaskContext) pkg.TicketBranch {
	return pkg.TicketBranch{
		ID:         tc.Branch.ID,
		Repository: tc.Repository.Short,
		Name:       tc.Branch.Name,
		Commit:     tc.Branch.LatestCommit,
	}
}

func (s Branch) post(ctx context.Context, branchID uint64, lvl, body string) {
	_, err := s.activityRepo.Add(ctx, app.Activity{BranchID: branchID, Level: lvl, Body: body, CreatedAt: s.now()})
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "post activity", "branch", branchID, "err", err)
	}
}
