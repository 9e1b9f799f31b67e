package svc

import (
	"context"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// SizeSource reads the database sizes of a postgres server.
type SizeSource func(ctx context.Context, dsn string) (map[string]int64, error)

// NewDatabase creates a new instance of the database bookkeeping service.
func NewDatabase(
	sizes SizeSource,
	machineRepo app.MachineRepo,
	repRepo app.RepositoryRepo,
	branchRepo app.BranchRepo,
	prefix ProjectPrefix,
	logger log.Logger,
) app.DatabaseSvc {
	return Database{
		sizes:       sizes,
		machineRepo: machineRepo,
		repRepo:     repRepo,
		branchRepo:  branchRepo,
		prefix:      string(prefix),
		logger:      log.With(logger, "component", "database"),
	}
}

// Database is a service that keeps the instance database sizes of the branches.
type Database struct {
	sizes       SizeSource
	machineRepo app.MachineRepo
	repRepo     app.RepositoryRepo
	branchRepo  app.BranchRepo
	prefix      string
	logger      log.Logger
}

// Sizes returns the databases of the machine server.
func (s Database) Sizes(ctx context.Context, m app.Machine) (map[string]int64, error) {
	if m.PostgresDSN == "" {
		return nil, errtype.Misconfigured("please configure a db server for %s", m.Name)
	}
	res, err := s.sizes(ctx, m.PostgresDSN)
	return res, errors.WrapContext(err, errors.Context{
		Path:   "svc.Database.Sizes",
		Params: errors.Params{"machine": m.ID},
	})
}

// UpdateJob stores the current database size on every branch.
func (s Database) UpdateJob(ctx context.Context) error {
	machines, err := s.machineRepo.FindAll(ctx)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Database.UpdateJob.machines"})
	}
	repos, err := s.repRepo.FindAll(ctx)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Database.UpdateJob.repositories"})
	}
	for _, m := range machines {
		if m.PostgresDSN == "" {
			continue
		}
		sizes, err := s.Sizes(ctx, m)
		if err != nil {
			_ = level.Error(s.logger).Log("msg", "read database sizes", "machine", m.Name, "err", err)
			continue
		}
		update := make(map[uint64]int64)
		for _, r := range repos {
			if r.MachineID != m.ID {
				continue
			}
			branches, err := s.branchRepo.FindByRepository(ctx, r.ID)
			if err != nil {
				return errors.WrapContext(err, errors.Context{
					Path:   "svc.Database.UpdateJob.branches",
					Params: errors.Params{"repository": r.ID},
				})
			}
			for _, b := range branches {
				update[b.ID] = sizes[b.ProjectName(s.prefix, r)]
			}
		}
		if len(update) == 0 {
			continue
		}
		if err = s.branchRepo.UpdateSizes(ctx, update); err != nil {
			return errors.WrapContext(err, errors.Context{
				Path:   "svc.Database.UpdateJob.UpdateSizes",
				Params: errors.Params{"machine": m.ID},
			})
		}
	}
	return nil
}
