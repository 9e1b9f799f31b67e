//go:build wireinject
// +build wireinject

package main

import (
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/http"
	"github.com/beldeveloper/app-cicd/internal/app/svc"
	"github.com/beldeveloper/app-cicd/internal/config"
	"github.com/google/wire"
)

var storeSet = wire.NewSet(
	newStores,
	wire.FieldsOf(new(stores), "Machines", "Repositories", "Branches", "Commits", "Tasks", "TestRuns",
		"Releases", "Items", "Activities", "Locker"),
)

var svcSet = wire.NewSet(
	svc.NewMetrics,
	svc.NewMachine,
	svc.NewScheduler,
	wire.Bind(new(app.TaskSvc), new(svc.Scheduler)),
	svc.NewGit,
	svc.NewBranch,
	wire.Bind(new(app.BranchSvc), new(svc.Branch)),
	svc.NewInstance,
	svc.NewTestRun,
	wire.Bind(new(app.TestRunSvc), new(svc.TestRun)),
	svc.NewRelease,
	wire.Bind(new(app.ReleaseSvc), new(svc.Release)),
	svc.NewDatabase,
	svc.NewFetch,
	wire.Bind(new(app.FetchSvc), new(svc.Fetch)),
	svc.NewCommit,
	svc.NewRepository,
	svc.NewWorkers,
)

func initializeContainer(cfg config.Config) (container, func(), error) {
	wire.Build(
		storeSet,
		svcSet,
		http.NewHandler,
		http.NewRouter,
		newLogger,
		newSizeSource,
		newProjectPrefix,
		newAccessKey,
		newSchedulerConfig,
		newMachineConfig,
		newReleaseConfig,
		newTestRunConfig,
		newTransports,
		newInstanceTemplates,
		newTicket,
		newServices,
		newWatcher,
		registerOperations,
		newContainer,
	)
	return container{}, nil, nil
}
