package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) repositorySvc() Repository {
	s := f.scheduler(SchedulerConfig{})
	registerNop(s, app.OpDestroy)
	return NewRepository(f.branchSvc(s), f.machineSvc, f.repos, f.branches, log.NewNopLogger()).(Repository)
}

func TestRepositoryAdd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.repositorySvc()

	r, err := svc.Add(ctx, app.FormAddRepository{URL: " https://github.com/acme/addons.git ", Short: "addons", MachineID: f.machine.ID})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/addons.git", r.URL)
	assert.Equal(t, "master", r.DefaultBranch)
	assert.Equal(t, app.LoginTypeNone, r.LoginType)
	assert.Equal(t, app.DefaultAnalyzeLastNCommits, r.AnalyzeLastNCommits)
	assert.Equal(t, app.DefaultCleanupUntouchedDays, r.CleanupUntouchedDays)

	for name, form := range map[string]app.FormAddRepository{
		"no url":         {Short: "x", MachineID: f.machine.ID},
		"no short":       {URL: "u", MachineID: f.machine.ID},
		"bad login":      {URL: "u", Short: "x", MachineID: f.machine.ID, LoginType: "token"},
		"no password":    {URL: "u", Short: "x", MachineID: f.machine.ID, LoginType: app.LoginTypeUsername, Username: "bot"},
		"no key":         {URL: "u", Short: "x", MachineID: f.machine.ID, LoginType: app.LoginTypeKey},
		"bad expression": {URL: "u", Short: "x", MachineID: f.machine.ID, TicketRegex: "("},
	} {
		_, err = svc.Add(ctx, form)
		assert.True(t, errors.Is(err, errtype.ErrBadInput), name)
	}
	_, err = svc.Add(ctx, app.FormAddRepository{URL: "u", Short: "x", MachineID: 999})
	assert.True(t, errors.Is(err, errtype.ErrNotFound))
}

func TestRepositoryCleanupJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.repo.NeverCleanup = []string{"staging"}
	f.repo.CleanupUntouchedDays = 10
	_, err := f.repos.Update(ctx, f.repo)
	require.NoError(t, err)
	branch := func(name string, touchedAt time.Time) app.Branch {
		b := f.addBranch(t, name)
		b.LastAccess = touchedAt
		b.Registered = touchedAt
		b, err := f.branches.Update(ctx, b)
		require.NoError(t, err)
		return b
	}
	stale := branch("stale", now.AddDate(0, 0, -11))
	fresh := branch("fresh", now.AddDate(0, 0, -3))
	kept := branch("staging", now.AddDate(0, 0, -30))
	master := branch("master", now.AddDate(0, 0, -30))
	svc := f.repositorySvc()
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.CleanupJob(ctx))
	for _, c := range []struct {
		b      app.Branch
		active bool
	}{{stale, false}, {fresh, true}, {kept, true}, {master, true}} {
		stored, err := f.branches.FindByID(ctx, c.b.ID)
		require.NoError(t, err)
		assert.Equal(t, c.active, stored.Active, c.b.Name)
	}
	assert.Equal(t, []string{app.OpDestroy}, unfinishedOps(t, f, stale.ID))
}
