package svc

import (
	"context"
	"fmt"
	"github.com/Masterminds/semver/v3"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/app-cicd/pkg/shell"
	"github.com/beldeveloper/app-cicd/pkg/tmpl"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/ryanuber/go-glob"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultIntegrationRetries defines how many test runs a candidate gets before the item fails.
	DefaultIntegrationRetries = 3
	// ReleaseLockDelay defines when a heartbeat that found the release locked is tried again.
	ReleaseLockDelay = 15 * time.Second

	candidatePrefix   = "release_"
	initialVersion    = "1.0.0"
	releaseTagLayout  = "20060102150405"
	releaseMessageFmt = "Release %s %s\n\n%s"
)

// ReleaseConfig contains the tunables of the release orchestrator.
type ReleaseConfig struct {
	IntegrationRetries int
}

// NewRelease creates a new instance of the release service.
func NewRelease(
	branchSvc app.BranchSvc,
	testRunSvc app.TestRunSvc,
	vcsSvc app.VcsSvc,
	machineSvc app.MachineSvc,
	releaseRepo app.ReleaseRepo,
	itemRepo app.ReleaseItemRepo,
	branchRepo app.BranchRepo,
	commitRepo app.CommitRepo,
	repRepo app.RepositoryRepo,
	runRepo app.TestRunRepo,
	cfg ReleaseConfig,
	logger log.Logger,
) Release {
	if cfg.IntegrationRetries <= 0 {
		cfg.IntegrationRetries = DefaultIntegrationRetries
	}
	return Release{
		branchSvc:   branchSvc,
		testRunSvc:  testRunSvc,
		vcsSvc:      vcsSvc,
		machineSvc:  machineSvc,
		releaseRepo: releaseRepo,
		itemRepo:    itemRepo,
		branchRepo:  branchRepo,
		commitRepo:  commitRepo,
		repRepo:     repRepo,
		runRepo:     runRepo,
		cfg:         cfg,
		logger:      log.With(logger, "component", "release"),
		now:         time.Now,
	}
}

// Release is a service that drives the release trains through their items.
type Release struct {
	branchSvc   app.BranchSvc
	testRunSvc  app.TestRunSvc
	vcsSvc      app.VcsSvc
	machineSvc  app.MachineSvc
	releaseRepo app.ReleaseRepo
	itemRepo    app.ReleaseItemRepo
	branchRepo  app.BranchRepo
	commitRepo  app.CommitRepo
	repRepo     app.RepositoryRepo
	runRepo     app.TestRunRepo
	cfg         ReleaseConfig
	logger      log.Logger
	now         func() time.Time
}

// List all releases.
func (s Release) List(ctx context.Context) ([]app.Release, error) {
	res, err := s.releaseRepo.FindAll(ctx)
	return res, errors.WrapContext(err, errors.Context{Path: "svc.Release.List.FindAll"})
}

// Add validates and creates a new release train.
func (s Release) Add(ctx context.Context, f app.FormAddRelease) (app.Release, error) {
	r := app.Release{
		Schedule:         app.Schedule{Hour: f.Hour, Minute: f.Minute},
		RepositoryID:     f.RepositoryID,
		Name:             strings.TrimSpace(f.Name),
		BranchName:       strings.TrimSpace(f.BranchName),
		ProjectName:      strings.TrimSpace(f.ProjectName),
		Active:           true,
		AutoRelease:      f.AutoRelease,
		CountdownMinutes: f.CountdownMinutes,
		MinutesToRelease: f.MinutesToRelease,
		Version:          strings.TrimSpace(f.Version),
		IgnoredBranches:  f.IgnoredBranches,
		Actions:          f.Actions,
	}
	if err := r.Validate(); err != nil {
		return r, errors.WrapContext(err, errors.Context{Path: "svc.Release.Add.Validate"})
	}
	if r.Hour < 0 || r.Hour > 23 || r.Minute < 0 || r.Minute > 59 {
		return r, errtype.BadInput("invalid release time %02d:%02d", r.Hour, r.Minute)
	}
	if r.CountdownMinutes <= 0 {
		r.CountdownMinutes = app.DefaultCountdownMinutes
	}
	if r.MinutesToRelease <= 0 {
		r.MinutesToRelease = app.DefaultMinutesToRelease
	}
	if r.Version == "" {
		r.Version = initialVersion
	}
	if _, err := semver.NewVersion(r.Version); err != nil {
		return r, errtype.BadInput("invalid version %q: %s", r.Version, err)
	}
	if _, err := s.repRepo.FindByID(ctx, r.RepositoryID); err != nil {
		return r, errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.Add.repository",
			Params: errors.Params{"repository": r.RepositoryID},
		})
	}
	r, err := s.releaseRepo.Add(ctx, r)
	if err != nil {
		return r, errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.Add.Add",
			Params: errors.Params{"name": r.Name},
		})
	}
	_ = level.Info(s.logger).Log("msg", "release added", "release", r.ID, "name", r.Name, "branch", r.BranchName)
	return r, nil
}

// Items returns the items of the release ordered from the newest.
func (s Release) Items(ctx context.Context, releaseID uint64) ([]app.ReleaseItem, error) {
	res, err := s.itemRepo.FindByRelease(ctx, releaseID)
	return res, errors.WrapContext(err, errors.Context{
		Path:   "svc.Release.Items.FindByRelease",
		Params: errors.Params{"release": releaseID},
	})
}

// Abort stops the item and releases its branches.
func (s Release) Abort(ctx context.Context, itemID uint64) (app.ReleaseItem, error) {
	i, err := s.itemRepo.FindByID(ctx, itemID)
	if err != nil {
		return i, errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.Abort.FindByID",
			Params: errors.Params{"item": itemID},
		})
	}
	if i.State == app.ReleaseItemDone {
		return i, errtype.BadInput("release item %d is already done", itemID)
	}
	i.State = app.ReleaseItemFailedUser
	i.DoAbort = true
	if i, err = s.itemRepo.Update(ctx, i); err != nil {
		return i, errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.Abort.Update",
			Params: errors.Params{"item": itemID},
		})
	}
	s.abortIntegration(ctx, i)
	_ = level.Info(s.logger).Log("msg", "release item aborted", "item", i.ID)
	return i, s.recomputeBranches(ctx, i)
}

func (s Release) abortIntegration(ctx context.Context, i app.ReleaseItem) {
	if i.CommitSHA == "" {
		return
	}
	runs, err := s.runRepo.FindByCommit(ctx, i.CommitSHA)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "find integration runs", "item", i.ID, "err", err)
		return
	}
	for _, r := range runs {
		if !r.Active() {
			continue
		}
		if err = s.testRunSvc.Abort(ctx, r.ID); err != nil {
			_ = level.Warn(s.logger).Log("msg", "abort integration run", "item", i.ID, "run", r.ID, "err", err)
		}
	}
}

// Retry moves a failed item back to collecting.
func (s Release) Retry(ctx context.Context, itemID uint64) (app.ReleaseItem, error) {
	i, err := s.itemRepo.FindByID(ctx, itemID)
	if err != nil {
		return i, errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.Retry.FindByID",
			Params: errors.Params{"item": itemID},
		})
	}
	if !i.Failed() {
		return i, errtype.BadInput("release item %d in state %s can not be retried", itemID, i.State)
	}
	siblings, err := s.itemRepo.FindByRelease(ctx, i.ReleaseID)
	if err != nil {
		return i, errors.WrapContext(err, errors.Context{Path: "svc.Release.Retry.FindByRelease"})
	}
	for _, o := range siblings {
		if o.ID != i.ID && o.Open() {
			return i, errtype.BadInput("release item %d is not finished yet", o.ID)
		}
	}
	i.State = app.ReleaseItemCollecting
	i.NeedsMerge = true
	i.DoAbort = false
	i.IntegrationAttempts = 0
	i.Log = ""
	if i, err = s.itemRepo.Update(ctx, i); err != nil {
		return i, errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.Retry.Update",
			Params: errors.Params{"item": itemID},
		})
	}
	return i, s.recomputeBranches(ctx, i)
}

// RerunTests requests another test run of the candidate of an integrating item.
func (s Release) RerunTests(ctx context.Context, itemID uint64) (app.TestRun, error) {
	i, err := s.itemRepo.FindByID(ctx, itemID)
	if err != nil {
		return app.TestRun{}, errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.RerunTests.FindByID",
			Params: errors.Params{"item": itemID},
		})
	}
	if i.State != app.ReleaseItemIntegrating {
		return app.TestRun{}, errtype.BadInput("release item %d is not integrating", itemID)
	}
	rel, err := s.releaseRepo.FindByID(ctx, i.ReleaseID)
	if err != nil {
		return app.TestRun{}, errors.WrapContext(err, errors.Context{Path: "svc.Release.RerunTests.release"})
	}
	candidate, err := s.branchRepo.FindByName(ctx, rel.RepositoryID, i.ItemBranch)
	if err != nil {
		return app.TestRun{}, errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.RerunTests.candidate",
			Params: errors.Params{"branch": i.ItemBranch},
		})
	}
	run, err := s.testRunSvc.Request(ctx, candidate, i.CommitSHA)
	return run, errors.WrapContext(err, errors.Context{Path: "svc.Release.RerunTests.Request"})
}

// Operations returns the job bodies owned by the release service.
func (s Release) Operations() map[string]app.Operation {
	return map[string]app.Operation{
		app.OpCollectReleaseItems: func(ctx context.Context, tc app.TaskContext) app.Result {
			return app.ResultOf(s.CollectRepository(ctx, tc.Repository.ID))
		},
	}
}

// CollectRepository runs the heartbeat of every active release of the repository.
func (s Release) CollectRepository(ctx context.Context, repositoryID uint64) error {
	releases, err := s.releaseRepo.FindByRepository(ctx, repositoryID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.CollectRepository.FindByRepository",
			Params: errors.Params{"repository": repositoryID},
		})
	}
	for _, r := range releases {
		if !r.Active {
			continue
		}
		if err = s.Heartbeat(ctx, r.ID); err != nil {
			return err
		}
	}
	return nil
}

// HeartbeatJob advances every active release.
func (s Release) HeartbeatJob(ctx context.Context) error {
	releases, err := s.releaseRepo.FindAll(ctx)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Release.HeartbeatJob.FindAll"})
	}
	for _, r := range releases {
		if !r.Active {
			continue
		}
		if err = s.Heartbeat(ctx, r.ID); err != nil {
			if _, ok := errtype.AsRetryable(err); ok {
				_ = level.Debug(s.logger).Log("msg", "heartbeat postponed", "release", r.ID, "err", err)
				continue
			}
			_ = level.Error(s.logger).Log("msg", "heartbeat", "release", r.ID, "err", err)
		}
	}
	return nil
}

// Heartbeat advances the open items of the release by one step.
// Only one heartbeat of a release runs at a time, the others get a retryable error.
func (s Release) Heartbeat(ctx context.Context, releaseID uint64) error {
	err := s.releaseRepo.Lock(ctx, releaseID, func(ctx context.Context) error {
		return s.heartbeat(ctx, releaseID)
	})
	if errors.Is(err, errtype.ErrLockBusy) {
		return errtype.RetryableWrap(err, fmt.Sprintf("release %d is processed by another heartbeat", releaseID), ReleaseLockDelay)
	}
	return errors.WrapContext(err, errors.Context{
		Path:   "svc.Release.Heartbeat",
		Params: errors.Params{"release": releaseID},
	})
}

func (s Release) heartbeat(ctx context.Context, releaseID uint64) error {
	rel, err := s.releaseRepo.FindByID(ctx, releaseID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Release.heartbeat.FindByID"})
	}
	repo, err := s.repRepo.FindByID(ctx, rel.RepositoryID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Release.heartbeat.repository"})
	}
	items, err := s.itemRepo.FindByRelease(ctx, rel.ID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Release.heartbeat.FindByRelease"})
	}
	unfinished := false
	for n := len(items) - 1; n >= 0; n-- {
		i := items[n]
		if !i.Open() {
			continue
		}
		if i, err = s.step(ctx, rel, repo, items, i); err != nil {
			if !errors.Is(err, errtype.ErrAborted) {
				return errors.WrapContext(err, errors.Context{
					Path:   "svc.Release.heartbeat.step",
					Params: errors.Params{"item": i.ID, "state": i.State},
				})
			}
			if i, err = s.settleAbort(ctx, i.ID); err != nil {
				return err
			}
		}
		items[n] = i
		unfinished = unfinished || i.Open()
	}
	if unfinished {
		return nil
	}
	_, err = s.openItem(ctx, rel, items)
	return err
}

// settleAbort reloads an item aborted while the heartbeat worked on it and stops its integration.
func (s Release) settleAbort(ctx context.Context, itemID uint64) (app.ReleaseItem, error) {
	i, err := s.itemRepo.FindByID(ctx, itemID)
	if err != nil {
		return i, errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.settleAbort.FindByID",
			Params: errors.Params{"item": itemID},
		})
	}
	_ = level.Info(s.logger).Log("msg", "release item aborted during heartbeat", "item", i.ID, "state", i.State)
	s.abortIntegration(ctx, i)
	return i, s.recomputeBranches(ctx, i)
}

// checkAbort returns errtype.ErrAborted once an abort is requested for the stored item.
func (s Release) checkAbort(ctx context.Context, itemID uint64) error {
	i, err := s.itemRepo.FindByID(ctx, itemID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.checkAbort.FindByID",
			Params: errors.Params{"item": itemID},
		})
	}
	if i.DoAbort {
		return errors.WrapContext(errtype.ErrAborted, errors.Context{
			Path:   "svc.Release.checkAbort",
			Params: errors.Params{"item": itemID},
		})
	}
	return nil
}

func (s Release) openItem(ctx context.Context, rel app.Release, items []app.ReleaseItem) (app.ReleaseItem, error) {
	version, err := nextVersion(rel, items)
	if err != nil {
		return app.ReleaseItem{}, err
	}
	now := s.now()
	planned := rel.NextDate(now)
	i, err := s.itemRepo.Add(ctx, app.ReleaseItem{
		ReleaseID:        rel.ID,
		State:            app.ReleaseItemCollecting,
		Type:             app.ReleaseTypeStandard,
		Version:          version,
		PlannedDate:      planned,
		StopCollectingAt: planned.Add(-time.Duration(rel.CountdownMinutes) * time.Minute),
		Branches:         []app.ReleaseItemBranch{},
		CreatedAt:        now,
	})
	if err != nil {
		return i, errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.openItem.Add",
			Params: errors.Params{"release": rel.ID},
		})
	}
	i.ItemBranch = rel.ItemBranchName(i.ID)
	if i, err = s.itemRepo.Update(ctx, i); err != nil {
		return i, errors.WrapContext(err, errors.Context{Path: "svc.Release.openItem.Update"})
	}
	_ = level.Info(s.logger).Log("msg", "release item opened", "release", rel.ID, "item", i.ID, "version", version, "planned", planned)
	return i, nil
}

// nextVersion bumps the patch of the highest version the release has seen.
func nextVersion(rel app.Release, items []app.ReleaseItem) (string, error) {
	highest, err := semver.NewVersion(rel.Version)
	if err != nil {
		return "", errtype.Misconfigured("release %d has invalid version %q", rel.ID, rel.Version)
	}
	for _, i := range items {
		v, err := semver.NewVersion(i.Version)
		if err == nil && v.GreaterThan(highest) {
			highest = v
		}
	}
	next := highest.IncPatch()
	return next.String(), nil
}

func (s Release) step(ctx context.Context, rel app.Release, repo app.Repository, items []app.ReleaseItem, i app.ReleaseItem) (app.ReleaseItem, error) {
	switch i.State {
	case app.ReleaseItemCollecting, app.ReleaseItemCollectingMergeConflict:
		return s.stepCollecting(ctx, rel, repo, items, i)
	case app.ReleaseItemIntegrating:
		return s.stepIntegrating(ctx, rel, repo, i)
	case app.ReleaseItemReady:
		return s.stepReady(ctx, rel, repo, i)
	}
	return i, nil
}

func (s Release) stepCollecting(ctx context.Context, rel app.Release, repo app.Repository, items []app.ReleaseItem, i app.ReleaseItem) (app.ReleaseItem, error) {
	i, err := s.collect(ctx, rel, repo, items, i)
	if err != nil {
		return i, err
	}
	if i.NeedsMerge {
		if i, err = s.merge(ctx, rel, repo, i); err != nil || !i.Collecting() {
			return i, err
		}
	}
	now := s.now()
	if now.Before(i.StopCollectingAt) {
		return i, nil
	}
	switch {
	case len(i.Branches) == 0:
		i.PlannedDate = rel.NextDate(now)
		i.StopCollectingAt = i.PlannedDate.Add(-time.Duration(rel.CountdownMinutes) * time.Minute)
		_ = level.Info(s.logger).Log("msg", "nothing to release, item moved", "item", i.ID, "planned", i.PlannedDate)
	case i.State == app.ReleaseItemCollectingMergeConflict || !i.AllMerged():
		i.State = app.ReleaseItemFailedMerge
	default:
		i.State = app.ReleaseItemIntegrating
	}
	if i, err = s.save(ctx, i); err != nil || i.Collecting() {
		return i, err
	}
	return i, s.recomputeBranches(ctx, i)
}

// collect synchronizes the pinned branches of the item with the currently eligible ones.
func (s Release) collect(ctx context.Context, rel app.Release, repo app.Repository, items []app.ReleaseItem, i app.ReleaseItem) (app.ReleaseItem, error) {
	branches, err := s.branchRepo.FindByRepository(ctx, repo.ID)
	if err != nil {
		return i, errors.WrapContext(err, errors.Context{Path: "svc.Release.collect.FindByRepository"})
	}
	ignored, err := s.ignoredNames(ctx, rel)
	if err != nil {
		return i, err
	}
	taken := make(map[string]bool)
	for _, o := range items {
		if o.ID == i.ID || (o.State != app.ReleaseItemDone && o.Terminal()) {
			continue
		}
		for _, b := range o.Branches {
			taken[pinKey(b.BranchID, b.CommitSHA)] = true
		}
	}
	old := make(map[uint64]app.ReleaseItemBranch, len(i.Branches))
	for _, b := range i.Branches {
		old[b.BranchID] = b
	}
	pinned := make([]app.ReleaseItemBranch, 0)
	changed := make([]uint64, 0)
	for _, b := range branches {
		if !eligible(b, ignored) || taken[pinKey(b.ID, b.LatestCommit)] {
			continue
		}
		row, ok := old[b.ID]
		delete(old, b.ID)
		if !ok || row.CommitSHA != b.LatestCommit {
			row = app.ReleaseItemBranch{BranchID: b.ID, BranchName: b.Name, CommitSHA: b.LatestCommit, State: app.ItemBranchCollecting}
			changed = append(changed, b.ID)
		}
		pinned = append(pinned, row)
	}
	for id := range old {
		changed = append(changed, id)
	}
	if len(changed) == 0 {
		return i, nil
	}
	sort.Slice(pinned, func(a, b int) bool { return pinned[a].BranchID < pinned[b].BranchID })
	i.Branches = pinned
	i.NeedsMerge = true
	if i.State == app.ReleaseItemCollectingMergeConflict {
		i.State = app.ReleaseItemCollecting
	}
	if i, err = s.save(ctx, i); err != nil {
		return i, err
	}
	_ = level.Info(s.logger).Log("msg", "release item branches changed", "item", i.ID, "branches", len(pinned), "changed", len(changed))
	err = s.branchSvc.RecomputeState(ctx, changed...)
	return i, errors.WrapContext(err, errors.Context{Path: "svc.Release.collect.RecomputeState"})
}

func pinKey(branchID uint64, sha string) string {
	return strconv.FormatUint(branchID, 10) + "@" + sha
}

func eligible(b app.Branch, ignored []string) bool {
	if !b.Active || b.BlockRelease || b.LatestCommit == "" {
		return false
	}
	if b.State != app.BranchStateTested && b.State != app.BranchStateCandidate {
		return false
	}
	if strings.HasPrefix(b.Name, candidatePrefix) {
		return false
	}
	for _, pattern := range ignored {
		if glob.Glob(pattern, b.Name) {
			return false
		}
	}
	return true
}

// ignoredNames lists the release branches of the repository and the configured patterns.
func (s Release) ignoredNames(ctx context.Context, rel app.Release) ([]string, error) {
	all, err := s.releaseRepo.FindByRepository(ctx, rel.RepositoryID)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{Path: "svc.Release.ignoredNames.FindByRepository"})
	}
	res := make([]string, 0, len(all)+len(rel.IgnoredBranches))
	for _, r := range all {
		res = append(res, r.BranchName)
	}
	return append(res, rel.IgnoredBranches...), nil
}

// merge rebuilds the candidate branch from the pinned commits.
func (s Release) merge(ctx context.Context, rel app.Release, repo app.Repository, i app.ReleaseItem) (app.ReleaseItem, error) {
	if len(i.Branches) == 0 {
		i.NeedsMerge = false
		i.CommitSHA = ""
		i.CommitIDs = nil
		return s.save(ctx, i)
	}
	if err := s.checkAbort(ctx, i.ID); err != nil {
		return i, err
	}
	pins := make([]app.BranchPin, len(i.Branches))
	for n, b := range i.Branches {
		pins[n] = app.BranchPin{Branch: b.BranchName, Commit: b.CommitSHA}
	}
	msg := fmt.Sprintf(releaseMessageFmt, rel.Name, i.Version, i.Summary())
	sha, err := s.vcsSvc.RecreateBranchFromCommits(ctx, repo, rel.BranchName, pins, i.ItemBranch, msg)
	if conflict, ok := errtype.AsMergeConflict(err); ok {
		bad := make(map[string]bool, len(conflict.Commits))
		for _, c := range conflict.Commits {
			bad[c] = true
		}
		for n, b := range i.Branches {
			if bad[b.CommitSHA] {
				i.Branches[n].State = app.ItemBranchConflict
			}
		}
		i.State = app.ReleaseItemCollectingMergeConflict
		i.NeedsMerge = false
		i.Log = conflict.Error()
		_ = level.Warn(s.logger).Log("msg", "candidate merge conflict", "item", i.ID, "commits", strings.Join(conflict.Commits, ","))
		if i, err = s.save(ctx, i); err != nil {
			return i, err
		}
		return i, s.recomputeBranches(ctx, i)
	}
	if err != nil {
		if app.ResultOf(err).Kind == app.ResultRetry {
			return i, err
		}
		i.State = app.ReleaseItemFailedTechnically
		i.NeedsMerge = false
		i.Log = err.Error()
		_ = level.Error(s.logger).Log("msg", "candidate merge failed", "item", i.ID, "err", err)
		if i, err = s.save(ctx, i); err != nil {
			return i, err
		}
		return i, s.recomputeBranches(ctx, i)
	}
	ids := make([]string, len(pins))
	for n := range i.Branches {
		i.Branches[n].State = app.ItemBranchMerged
		ids[n] = i.Branches[n].CommitSHA
	}
	i.CommitSHA = sha
	i.CommitIDs = ids
	i.NeedsMerge = false
	i.Log = ""
	if err = s.registerCandidate(ctx, repo, i, msg); err != nil {
		return i, err
	}
	if i, err = s.save(ctx, i); err != nil {
		return i, err
	}
	_ = level.Info(s.logger).Log("msg", "candidate merged", "item", i.ID, "branch", i.ItemBranch, "commit", sha)
	return i, s.recomputeBranches(ctx, i)
}

// registerCandidate records the approved synthetic commit on the tracked candidate branch.
func (s Release) registerCandidate(ctx context.Context, repo app.Repository, i app.ReleaseItem, msg string) error {
	candidate, _, err := s.branchSvc.Register(ctx, repo, i.ItemBranch)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.registerCandidate.Register",
			Params: errors.Params{"branch": i.ItemBranch},
		})
	}
	c := app.Commit{
		SHA:           i.CommitSHA,
		RepositoryID:  repo.ID,
		Author:        "cicd",
		Date:          s.now(),
		Message:       msg,
		ApprovalState: app.ApprovalApproved,
		BranchIDs:     []uint64{candidate.ID},
	}
	if c, err = s.commitRepo.Upsert(ctx, c); err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Release.registerCandidate.Upsert"})
	}
	c.ApprovalState = app.ApprovalApproved
	if err = s.commitRepo.UpdateApproval(ctx, c); err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Release.registerCandidate.UpdateApproval"})
	}
	candidate.LatestCommit = c.SHA
	if _, err = s.branchRepo.Update(ctx, candidate); err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Release.registerCandidate.Update"})
	}
	return nil
}

func (s Release) stepIntegrating(ctx context.Context, rel app.Release, repo app.Repository, i app.ReleaseItem) (app.ReleaseItem, error) {
	runs, err := s.runRepo.FindByCommit(ctx, i.CommitSHA)
	if err != nil {
		return i, errors.WrapContext(err, errors.Context{Path: "svc.Release.stepIntegrating.FindByCommit"})
	}
	var latest app.TestRun
	for _, r := range runs {
		if r.State != app.TestRunStateOmitted {
			latest = r
			break
		}
	}
	switch {
	case latest.Active():
		return i, nil
	case latest.State == app.TestRunStateSuccess:
		return s.mergeRelease(ctx, rel, repo, i)
	case i.IntegrationAttempts >= s.cfg.IntegrationRetries:
		i.State = app.ReleaseItemFailedIntegration
		i.Log = fmt.Sprintf("candidate %s failed %d test runs", shortSHA(i.CommitSHA), i.IntegrationAttempts)
		if i, err = s.save(ctx, i); err != nil {
			return i, err
		}
		return i, s.recomputeBranches(ctx, i)
	}
	candidate, err := s.branchRepo.FindByName(ctx, repo.ID, i.ItemBranch)
	if err != nil {
		return i, errors.WrapContext(err, errors.Context{
			Path:   "svc.Release.stepIntegrating.candidate",
			Params: errors.Params{"branch": i.ItemBranch},
		})
	}
	if _, err = s.testRunSvc.Request(ctx, candidate, i.CommitSHA); err != nil {
		return i, errors.WrapContext(err, errors.Context{Path: "svc.Release.stepIntegrating.Request"})
	}
	i.IntegrationAttempts++
	return s.save(ctx, i)
}

// mergeRelease merges the tested candidate into the release branch and tags it.
func (s Release) mergeRelease(ctx context.Context, rel app.Release, repo app.Repository, i app.ReleaseItem) (app.ReleaseItem, error) {
	if err := s.checkAbort(ctx, i.ID); err != nil {
		return i, err
	}
	tag := fmt.Sprintf("%s%s-%s", repo.ReleaseTagPrefix, i.Version, s.now().UTC().Format(releaseTagLayout))
	changed, err := s.vcsSvc.Merge(ctx, repo, i.ItemBranch, rel.BranchName, []string{tag})
	if err != nil {
		if app.ResultOf(err).Kind == app.ResultRetry {
			return i, err
		}
		i.State = app.ReleaseItemFailedMergeMaster
		i.Log = err.Error()
		_ = level.Error(s.logger).Log("msg", "release branch merge failed", "item", i.ID, "err", err)
		if i, err = s.save(ctx, i); err != nil {
			return i, err
		}
		return i, s.recomputeBranches(ctx, i)
	}
	i.State = app.ReleaseItemReady
	_ = level.Info(s.logger).Log("msg", "candidate merged into release branch", "item", i.ID, "tag", tag, "changed", changed)
	return s.save(ctx, i)
}

func (s Release) stepReady(ctx context.Context, rel app.Release, repo app.Repository, i app.ReleaseItem) (app.ReleaseItem, error) {
	now := s.now()
	deadline := i.PlannedDate.Add(time.Duration(rel.MinutesToRelease) * time.Minute)
	if now.After(deadline) {
		i.State = app.ReleaseItemFailedTooLate
		if i, err := s.save(ctx, i); err != nil {
			return i, err
		}
		return i, s.recomputeBranches(ctx, i)
	}
	if !rel.AutoRelease && now.Before(i.PlannedDate) {
		return i, nil
	}
	return s.doRelease(ctx, rel, repo, i)
}

// doRelease runs the release actions, the item fails technically on the first failing one.
func (s Release) doRelease(ctx context.Context, rel app.Release, repo app.Repository, i app.ReleaseItem) (app.ReleaseItem, error) {
	buf := shell.NewBuffer(shell.NewLoggerSink(s.logger))
	vars := tmpl.Vars{
		"release":    rel.Name,
		"branch":     rel.BranchName,
		"project":    rel.ProjectName,
		"repository": repo.Short,
		"version":    i.Version,
		"commit":     i.CommitSHA,
		"item":       strconv.FormatUint(i.ID, 10),
	}
	for n, a := range rel.Actions {
		if err := s.checkAbort(ctx, i.ID); err != nil {
			return i, err
		}
		buf.Note(fmt.Sprintf("action %d of %d on machine %d", n+1, len(rel.Actions), a.MachineID))
		if err := s.runAction(shell.ContextWithSink(ctx, buf), a, vars); err != nil {
			buf.Note(err.Error())
			i.State = app.ReleaseItemFailedTechnically
			i.Log = buf.String()
			if saved, serr := s.save(ctx, i); serr != nil {
				return saved, serr
			}
			return i, errors.WrapContext(err, errors.Context{
				Path:   "svc.Release.doRelease.runAction",
				Params: errors.Params{"item": i.ID, "action": n},
			})
		}
	}
	i.State = app.ReleaseItemDone
	i.DoneDate = s.now()
	i.Log = buf.String()
	i, err := s.save(ctx, i)
	if err != nil {
		return i, err
	}
	rel.Version = i.Version
	if _, err = s.releaseRepo.Update(ctx, rel); err != nil {
		return i, errors.WrapContext(err, errors.Context{Path: "svc.Release.doRelease.Update"})
	}
	_ = level.Info(s.logger).Log("msg", "released", "release", rel.ID, "item", i.ID, "version", i.Version)
	return i, s.recomputeBranches(ctx, i)
}

func (s Release) runAction(ctx context.Context, a app.ReleaseAction, vars tmpl.Vars) error {
	script, err := tmpl.Render(a.Script, vars)
	if err != nil {
		return errtype.Misconfigured("release action script: %s", err)
	}
	m, err := s.machineSvc.Find(ctx, a.MachineID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Release.runAction.Find"})
	}
	opts := make([]shell.Option, 0, 1)
	if a.Dir != "" {
		opts = append(opts, shell.WithDir(a.Dir))
	}
	sh, err := s.machineSvc.Shell(ctx, m, opts...)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Release.runAction.Shell"})
	}
	_, err = sh.Run(ctx, shell.Cmd{Script: script})
	return err
}

// save persists a step of the heartbeat, it fails with errtype.ErrAborted when the item was aborted meanwhile.
func (s Release) save(ctx context.Context, i app.ReleaseItem) (app.ReleaseItem, error) {
	res, err := s.itemRepo.UpdateUnlessAborted(ctx, i)
	return res, errors.WrapContext(err, errors.Context{
		Path:   "svc.Release.save",
		Params: errors.Params{"item": i.ID, "state": i.State},
	})
}

func (s Release) recomputeBranches(ctx context.Context, i app.ReleaseItem) error {
	if len(i.Branches) == 0 {
		return nil
	}
	ids := make([]uint64, len(i.Branches))
	for n, b := range i.Branches {
		ids[n] = b.BranchID
	}
	err := s.branchSvc.RecomputeState(ctx, ids...)
	return errors.WrapContext(err, errors.Context{
		Path:   "svc.Release.recomputeBranches",
		Params: errors.Params{"item": i.ID},
	})
}
