package main

import (
	"context"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/http"
	"github.com/beldeveloper/app-cicd/internal/app/memory"
	"github.com/beldeveloper/app-cicd/internal/app/postgres"
	"github.com/beldeveloper/app-cicd/internal/app/svc"
	"github.com/beldeveloper/app-cicd/internal/config"
	"github.com/beldeveloper/app-cicd/pkg"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/julienschmidt/httprouter"
	"google.golang.org/grpc"
	"os"
	"time"
)

type container struct {
	logger  log.Logger
	workers *svc.Workers
	watcher *svc.Watcher
	router  *httprouter.Router
}

func newContainer(
	logger log.Logger,
	_ registrations,
	workers *svc.Workers,
	watcher *svc.Watcher,
	router *httprouter.Router,
) container {
	return container{
		logger:  logger,
		workers: workers,
		watcher: watcher,
		router:  router,
	}
}

func newLogger(cfg config.Config) log.Logger {
	var logger log.Logger
	if cfg.Log.Format == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}
	logger = level.NewFilter(logger, levelOption(cfg.Log.Level))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func levelOption(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	}
	return level.AllowInfo()
}

// stores holds the record repositories of the configured backend.
type stores struct {
	Machines     app.MachineRepo
	Repositories app.RepositoryRepo
	Branches     app.BranchRepo
	Commits      app.CommitRepo
	Tasks        app.TaskRepo
	TestRuns     app.TestRunRepo
	Releases     app.ReleaseRepo
	Items        app.ReleaseItemRepo
	Activities   app.ActivityRepo
	Locker       app.Locker
}

func newStores(cfg config.Config, logger log.Logger) (stores, func(), error) {
	if cfg.Store == config.StoreMemory {
		_ = level.Warn(logger).Log("msg", "records are kept in memory and lost on exit")
		s := memory.NewStore()
		return stores{
			Machines:     memory.NewMachine(s),
			Repositories: memory.NewRepository(s),
			Branches:     memory.NewBranch(s),
			Commits:      memory.NewCommit(s),
			Tasks:        memory.NewTask(s),
			TestRuns:     memory.NewTestRun(s),
			Releases:     memory.NewRelease(s),
			Items:        memory.NewReleaseItem(s),
			Activities:   memory.NewActivity(s),
			Locker:       memory.NewLocker(s),
		}, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := postgres.Connect(ctx, cfg.DB.DSN(), cfg.DB.MaxConns)
	if err != nil {
		return stores{}, nil, errors.WrapContext(err, errors.Context{
			Path:   "main.newStores.Connect",
			Params: errors.Params{"host": cfg.DB.Host, "db": cfg.DB.Name},
		})
	}
	return stores{
		Machines:     postgres.NewMachine(pool),
		Repositories: postgres.NewRepository(pool),
		Branches:     postgres.NewBranch(pool),
		Commits:      postgres.NewCommit(pool),
		Tasks:        postgres.NewTask(pool),
		TestRuns:     postgres.NewTestRun(pool),
		Releases:     postgres.NewRelease(pool),
		Items:        postgres.NewReleaseItem(pool),
		Activities:   postgres.NewActivity(pool),
		Locker:       postgres.NewLocker(pool),
	}, pool.Close, nil
}

func newSizeSource() svc.SizeSource {
	return postgres.DatabaseSizes
}

func newProjectPrefix(cfg config.Config) svc.ProjectPrefix {
	return svc.ProjectPrefix(cfg.ProjectPrefix)
}

func newAccessKey(cfg config.Config) http.AccessKey {
	return http.AccessKey(cfg.HTTP.AccessKey)
}

func newSchedulerConfig(cfg config.Config) svc.SchedulerConfig {
	return svc.SchedulerConfig{
		Workers:           cfg.Workers.Count,
		PollInterval:      cfg.Workers.PollInterval,
		HeartbeatInterval: cfg.Workers.HeartbeatInterval,
		StaleAfter:        cfg.Workers.StaleAfter,
		MaxRetries:        cfg.Task.MaxRetries,
		TimeoutRetries:    cfg.Task.TimeoutRetries,
		TimeoutBackoff:    cfg.Task.TimeoutBackoff,
		KeepDays:          cfg.Task.KeepDays,
	}
}

func newMachineConfig(cfg config.Config) svc.MachineConfig {
	return svc.MachineConfig{
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		Grace:          cfg.SSH.Grace,
		DefaultTimeout: cfg.SSH.DefaultTimeout,
		OldFolderKeep:  time.Duration(cfg.Instance.OldFolderKeepMinutes) * time.Minute,
	}
}

func newReleaseConfig(cfg config.Config) svc.ReleaseConfig {
	return svc.ReleaseConfig{IntegrationRetries: cfg.Release.IntegrationRetries}
}

func newTestRunConfig() svc.TestRunConfig {
	return svc.TestRunConfig{}
}

func newTransports(cfg config.Config) (svc.TransportFactory, error) {
	var key []byte
	if cfg.SSH.KeyFile != "" {
		var err error
		if key, err = os.ReadFile(cfg.SSH.KeyFile); err != nil {
			return nil, errors.WrapContext(err, errors.Context{
				Path:   "main.newTransports.ReadFile",
				Params: errors.Params{"path": cfg.SSH.KeyFile},
			})
		}
	}
	return svc.NewTransports(key, cfg.SSH.ConnectTimeout), nil
}

func newInstanceTemplates(cfg config.Config) (svc.InstanceTemplates, error) {
	var t svc.InstanceTemplates
	files := []struct {
		path string
		dst  *string
	}{
		{cfg.Instance.ComposeTemplate, &t.Compose},
		{cfg.Instance.SettingsTemplate, &t.Settings},
	}
	for _, f := range files {
		path, dst := f.path, f.dst
		if path == "" {
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return t, errors.WrapContext(err, errors.Context{
				Path:   "main.newInstanceTemplates.ReadFile",
				Params: errors.Params{"path": path},
			})
		}
		*dst = string(b)
	}
	return t, nil
}

func newTicket(cfg config.Config, logger log.Logger) (pkg.TicketSvc, func(), error) {
	if cfg.Ticket.Addr == "" {
		_ = level.Info(logger).Log("msg", "ticket system is not configured")
		return svc.NopTicket{}, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, cfg.Ticket.Addr, grpc.WithInsecure())
	if err != nil {
		return nil, nil, errors.WrapContext(err, errors.Context{
			Path:   "main.newTicket.Dial",
			Params: errors.Params{"addr": cfg.Ticket.Addr},
		})
	}
	return svc.NewTicket(conn), func() { _ = conn.Close() }, nil
}

// registrations marks the operations bound to the scheduler.
type registrations struct{}

func registerOperations(
	scheduler svc.Scheduler,
	instance svc.Instance,
	branch svc.Branch,
	testRun svc.TestRun,
	release svc.Release,
) registrations {
	scheduler.RegisterAll(instance, branch, testRun, release)
	return registrations{}
}

func newWatcher(
	cfg config.Config,
	fetch app.FetchSvc,
	release app.ReleaseSvc,
	scheduler app.TaskSvc,
	branch app.BranchSvc,
	machine app.MachineSvc,
	repository app.RepositorySvc,
	database app.DatabaseSvc,
	logger log.Logger,
) *svc.Watcher {
	return svc.NewWatcher([]app.WatcherJob{
		{Name: "fetchRepositories", Every: cfg.Poller.FetchInterval, Do: fetch.FetchJob},
		{Name: "releaseHeartbeat", Every: 30 * time.Second, Do: release.HeartbeatJob},
		{Name: "cleanupTasks", Every: time.Minute, Do: scheduler.CleanupJob},
		{Name: "cycleDownInstances", Every: time.Minute, Do: branch.CycleDownJob},
		{Name: "cleanupMachines", Every: 10 * time.Minute, Do: machine.CleanupJob},
		{Name: "cleanupBranches", Every: time.Hour, Do: repository.CleanupJob},
		{Name: "databaseSizes", Every: 15 * time.Minute, Do: database.UpdateJob},
	}, svc.WatchJobDelay, logger)
}

func newServices(
	machines app.MachineSvc,
	repositories app.RepositorySvc,
	branches app.BranchSvc,
	commits app.CommitSvc,
	tasks app.TaskSvc,
	testRuns app.TestRunSvc,
	releases app.ReleaseSvc,
	fetch app.FetchSvc,
	activities app.ActivityRepo,
) http.Services {
	return http.Services{
		Machines:     machines,
		Repositories: repositories,
		Branches:     branches,
		Commits:      commits,
		Tasks:        tasks,
		TestRuns:     testRuns,
		Releases:     releases,
		Fetch:        fetch,
		Activities:   activities,
	}
}
