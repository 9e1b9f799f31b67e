package svc

import (
	"context"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"sort"
	"strconv"
	"time"
)

// NewFetch creates a new instance of the fetch service.
func NewFetch(
	vcsSvc app.VcsSvc,
	branchSvc app.BranchSvc,
	taskSvc app.TaskSvc,
	machineSvc app.MachineSvc,
	databaseSvc app.DatabaseSvc,
	instance Instance,
	repRepo app.RepositoryRepo,
	branchRepo app.BranchRepo,
	prefix ProjectPrefix,
	metrics Metrics,
	logger log.Logger,
) Fetch {
	return Fetch{
		vcsSvc:      vcsSvc,
		branchSvc:   branchSvc,
		taskSvc:     taskSvc,
		machineSvc:  machineSvc,
		databaseSvc: databaseSvc,
		instance:    instance,
		repRepo:     repRepo,
		branchRepo:  branchRepo,
		prefix:      string(prefix),
		metrics:     metrics,
		logger:      log.With(logger, "component", "fetch"),
	}
}

// Fetch is a service that discovers the upstream changes of the repositories.
type Fetch struct {
	vcsSvc      app.VcsSvc
	branchSvc   app.BranchSvc
	taskSvc     app.TaskSvc
	machineSvc  app.MachineSvc
	databaseSvc app.DatabaseSvc
	instance    Instance
	repRepo     app.RepositoryRepo
	branchRepo  app.BranchRepo
	prefix      string
	metrics     Metrics
	logger      log.Logger
}

// FetchJob fetches every repository, a failing one does not stop the others.
func (s Fetch) FetchJob(ctx context.Context) error {
	repos, err := s.repRepo.FindAll(ctx)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Fetch.FetchJob.FindAll"})
	}
	for _, r := range repos {
		if err = s.FetchRepository(ctx, r); err != nil {
			_ = level.Error(s.logger).Log("msg", "fetch repository", "repository", r.Short, "err", err)
		}
	}
	return nil
}

// FetchRepository pulls the remotes of the repository and updates the affected branches.
func (s Fetch) FetchRepository(ctx context.Context, r app.Repository) error {
	began := time.Now()
	res, err := s.vcsSvc.Fetch(ctx, r)
	s.metrics.FetchDuration.With(LabelSuccess, strconv.FormatBool(err == nil)).Observe(time.Since(began).Seconds())
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Fetch.FetchRepository.Fetch",
			Params: errors.Params{"repository": r.ID},
		})
	}
	names, err := s.updatedNames(ctx, r, res)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	m, err := s.machineSvc.Find(ctx, r.MachineID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Fetch.FetchRepository.machine",
			Params: errors.Params{"repository": r.ID},
		})
	}
	for _, name := range names {
		if err = s.updateBranch(ctx, r, m, name, res.Branches[name]); err != nil {
			return errors.WrapContext(err, errors.Context{
				Path:   "svc.Fetch.FetchRepository.updateBranch",
				Params: errors.Params{"repository": r.ID, "branch": name},
			})
		}
	}
	_ = level.Info(s.logger).Log("msg", "repository fetched", "repository", r.Short, "branches", len(names))
	return nil
}

// updatedNames lists the branches touched by the fetch, every remote branch for a repository without branches.
func (s Fetch) updatedNames(ctx context.Context, r app.Repository, res app.FetchResult) ([]string, error) {
	set := make(map[string]bool)
	for _, name := range res.Created {
		set[name] = true
	}
	for name := range res.Branches {
		set[name] = true
	}
	tracked, err := s.branchRepo.FindByRepository(ctx, r.ID)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{Path: "svc.Fetch.updatedNames.FindByRepository"})
	}
	if len(tracked) == 0 {
		remote, err := s.vcsSvc.RemoteBranches(ctx, r)
		if err != nil {
			return nil, errors.WrapContext(err, errors.Context{Path: "svc.Fetch.updatedNames.RemoteBranches"})
		}
		for _, name := range remote {
			set[name] = true
		}
		if len(set) == 0 && r.DefaultBranch != "" {
			set[r.DefaultBranch] = true
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// updateBranch schedules the instance update of a branch that got the fetched commits, newest first.
func (s Fetch) updateBranch(ctx context.Context, r app.Repository, m app.Machine, name string, commits []string) error {
	b, created, err := s.branchSvc.Register(ctx, r, name)
	if err != nil {
		return err
	}
	if !b.Active {
		_ = level.Debug(s.logger).Log("msg", "inactive branch skipped", "branch", b.ID, "name", name)
		return nil
	}
	if !created {
		if len(commits) > 0 && commits[0] == b.LatestCommit {
			_ = level.Debug(s.logger).Log("msg", "branch is up to date", "branch", b.ID, "commit", b.LatestCommit)
			return nil
		}
		_ = level.Debug(s.logger).Log("msg", "new commits fetched", "branch", b.ID, "commits", len(commits))
		_, err = s.taskSvc.Schedule(ctx, b, app.OpUpdateOdoo, app.ScheduleOptions{Silent: true})
		return err
	}
	tc := app.TaskContext{
		Branch:      b,
		Repository:  r,
		Machine:     m,
		ProjectName: b.ProjectName(s.prefix, r),
	}
	if b, err = s.instance.CheckoutLatest(ctx, tc); err != nil {
		return err
	}
	op := app.OpPrepareNewInstance
	if s.databaseExists(ctx, m, tc.ProjectName) {
		op = app.OpUpdateOdoo
	}
	_, err = s.taskSvc.Schedule(ctx, b, op, app.ScheduleOptions{Silent: true})
	return err
}

func (s Fetch) databaseExists(ctx context.Context, m app.Machine, project string) bool {
	sizes, err := s.databaseSvc.Sizes(ctx, m)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "read database sizes", "machine", m.Name, "err", err)
		return false
	}
	return sizes[project] > 0
}
