package svc

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"regexp"
	"strings"
	"time"
)

// NewRepository creates a new instance of the VCS repository service.
func NewRepository(
	branchSvc app.BranchSvc,
	machineSvc app.MachineSvc,
	repo app.RepositoryRepo,
	branchRepo app.BranchRepo,
	logger log.Logger,
) app.RepositorySvc {
	return Repository{
		branchSvc:  branchSvc,
		machineSvc: machineSvc,
		repo:       repo,
		branchRepo: branchRepo,
		logger:     log.With(logger, "component", "repository"),
		now:        time.Now,
	}
}

// Repository is a service that manages the VCS repositories.
type Repository struct {
	branchSvc  app.BranchSvc
	machineSvc app.MachineSvc
	repo       app.RepositoryRepo
	branchRepo app.BranchRepo
	logger     log.Logger
	now        func() time.Time
}

// List all repositories.
func (s Repository) List(ctx context.Context) ([]app.Repository, error) {
	res, err := s.repo.FindAll(ctx)
	return res, errors.WrapContext(err, errors.Context{Path: "svc.Repository.List.FindAll"})
}

// Find returns the repository.
func (s Repository) Find(ctx context.Context, id uint64) (app.Repository, error) {
	r, err := s.repo.FindByID(ctx, id)
	return r, errors.WrapContext(err, errors.Context{
		Path:   "svc.Repository.Find.FindByID",
		Params: errors.Params{"repository": id},
	})
}

// Add new repository.
func (s Repository) Add(ctx context.Context, f app.FormAddRepository) (app.Repository, error) {
	f, err := s.validateAddForm(f)
	if err != nil {
		return app.Repository{}, errors.WrapContext(err, errors.Context{Path: "svc.Repository.Add.validateAddForm"})
	}
	if _, err = s.machineSvc.Find(ctx, f.MachineID); err != nil {
		return app.Repository{}, errors.WrapContext(err, errors.Context{
			Path:   "svc.Repository.Add.machine",
			Params: errors.Params{"machine": f.MachineID},
		})
	}
	r, err := s.repo.Add(ctx, app.Repository{
		URL:                  f.URL,
		Short:                f.Short,
		MachineID:            f.MachineID,
		LoginType:            f.LoginType,
		Username:             f.Username,
		Password:             f.Password,
		SSHKey:               f.SSHKey,
		DefaultBranch:        f.DefaultBranch,
		TicketBaseURL:        f.TicketBaseURL,
		TicketRegex:          f.TicketRegex,
		ReleaseTagPrefix:     f.ReleaseTagPrefix,
		AnalyzeLastNCommits:  app.DefaultAnalyzeLastNCommits,
		CleanupUntouchedDays: app.DefaultCleanupUntouchedDays,
	})
	if err != nil {
		return r, errors.WrapContext(err, errors.Context{Path: "svc.Repository.Add.Add"})
	}
	_ = level.Info(s.logger).Log("msg", "repository added", "repository", r.ID, "short", r.Short)
	return r, nil
}

// CleanupJob deactivates the branches nobody touched for the configured number of days.
func (s Repository) CleanupJob(ctx context.Context) error {
	repos, err := s.repo.FindAll(ctx)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Repository.CleanupJob.FindAll"})
	}
	for _, r := range repos {
		if err = s.cleanup(ctx, r); err != nil {
			_ = level.Error(s.logger).Log("msg", "cleanup branches", "repository", r.Short, "err", err)
		}
	}
	return nil
}

func (s Repository) cleanup(ctx context.Context, r app.Repository) error {
	days := r.CleanupUntouchedDays
	if days <= 0 {
		days = app.DefaultCleanupUntouchedDays
	}
	keep := make(map[string]bool, len(r.NeverCleanup)+1)
	for _, name := range r.NeverCleanup {
		keep[name] = true
	}
	keep[r.DefaultBranch] = true
	branches, err := s.branchRepo.FindByRepository(ctx, r.ID)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Repository.cleanup.FindByRepository"})
	}
	limit := s.now().AddDate(0, 0, -days)
	for _, b := range branches {
		if !b.Active || keep[b.Name] || touched(b).After(limit) {
			continue
		}
		if err = s.branchSvc.Deactivate(ctx, b); err != nil {
			return errors.WrapContext(err, errors.Context{
				Path:   "svc.Repository.cleanup.Deactivate",
				Params: errors.Params{"branch": b.ID},
			})
		}
	}
	return nil
}

func touched(b app.Branch) time.Time {
	if b.LastAccess.After(b.Registered) {
		return b.LastAccess
	}
	return b.Registered
}

func (s Repository) validateAddForm(f app.FormAddRepository) (app.FormAddRepository, error) {
	f.URL = strings.TrimSpace(f.URL)
	f.Short = strings.TrimSpace(f.Short)
	f.DefaultBranch = strings.TrimSpace(f.DefaultBranch)
	if f.URL == "" {
		return f, fmt.Errorf("%w: repository url must not be empty", errtype.ErrBadInput)
	}
	if f.Short == "" {
		return f, fmt.Errorf("%w: repository short name must not be empty", errtype.ErrBadInput)
	}
	if f.DefaultBranch == "" {
		f.DefaultBranch = "master"
	}
	switch f.LoginType {
	case "":
		f.LoginType = app.LoginTypeNone
	case app.LoginTypeNone:
	case app.LoginTypeUsername:
		if f.Username == "" || f.Password == "" {
			return f, fmt.Errorf("%w: repository username and password are required", errtype.ErrBadInput)
		}
	case app.LoginTypeKey:
		if strings.TrimSpace(f.SSHKey) == "" {
			return f, fmt.Errorf("%w: repository ssh key is required", errtype.ErrBadInput)
		}
	default:
		return f, fmt.Errorf("%w: repository login type is invalid; allowed values: %s, %s, %s",
			errtype.ErrBadInput, app.LoginTypeNone, app.LoginTypeUsername, app.LoginTypeKey)
	}
	if f.TicketRegex != "" {
		if _, err := regexp.Compile(f.TicketRegex); err != nil {
			return f, fmt.Errorf("%w: ticket regex: %s", errtype.ErrBadInput, err)
		}
	}
	return f, nil
}
