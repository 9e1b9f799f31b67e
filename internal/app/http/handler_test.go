package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/memory"
	"github.com/beldeveloper/app-cicd/internal/app/svc"
	"github.com/beldeveloper/app-cicd/pkg/shell"
	"github.com/beldeveloper/app-cicd/pkg/shell/shelltest"
	"github.com/go-kit/kit/log"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "s3cret"

type apiFixture struct {
	router *httprouter.Router
	branch app.Branch
}

func newAPIFixture(t *testing.T) apiFixture {
	ctx := context.Background()
	s := memory.NewStore()
	logger := log.NewNopLogger()
	machines := memory.NewMachine(s)
	repos := memory.NewRepository(s)
	branches := memory.NewBranch(s)
	commits := memory.NewCommit(s)
	tasks := memory.NewTask(s)
	runs := memory.NewTestRun(s)
	releases := memory.NewRelease(s)
	items := memory.NewReleaseItem(s)
	activities := memory.NewActivity(s)
	locker := memory.NewLocker(s)
	remote := shelltest.New()

	machineSvc := svc.NewMachine(machines, func(app.Machine) (shell.Transport, error) {
		return remote, nil
	}, svc.MachineConfig{}, svc.NopMetrics(), logger)
	scheduler := svc.NewScheduler(tasks, branches, repos, machines, activities, locker, "cicd",
		svc.SchedulerConfig{}, svc.NopMetrics(), logger)
	scheduler.Register("noop", func(context.Context, app.TaskContext) app.Result { return app.Result{} })
	branchSvc := svc.NewBranch(scheduler, machineSvc, svc.NopTicket{}, branches, commits, repos, tasks, releases,
		items, activities, "cicd", logger)
	vcs := svc.NewGit(machineSvc, locker, logger)
	instance := svc.NewInstance(machineSvc, vcs, branchSvc, branches, tasks, svc.InstanceTemplates{}, logger)
	testRunSvc := svc.NewTestRun(scheduler, branchSvc, vcs, instance, svc.NopTicket{}, runs, commits, repos,
		activities, "cicd", svc.TestRunConfig{}, logger)
	releaseSvc := svc.NewRelease(branchSvc, testRunSvc, vcs, machineSvc, releases, items, branches, commits, repos,
		runs, svc.ReleaseConfig{}, logger)
	databaseSvc := svc.NewDatabase(func(context.Context, string) (map[string]int64, error) {
		return map[string]int64{}, nil
	}, machines, repos, branches, "cicd", logger)
	fetchSvc := svc.NewFetch(vcs, branchSvc, scheduler, machineSvc, databaseSvc, instance, repos, branches, "cicd",
		svc.NopMetrics(), logger)

	m, err := machines.Add(ctx, app.Machine{Name: "box", Host: "box.example.com", Workspace: "/srv/ws"})
	require.NoError(t, err)
	r, err := repos.Add(ctx, app.Repository{URL: "git@github.com:acme/odoo.git", Short: "odoo", MachineID: m.ID,
		LoginType: app.LoginTypeNone, DefaultBranch: "master"})
	require.NoError(t, err)
	b, err := branches.Add(ctx, app.Branch{RepositoryID: r.ID, Name: "dev", State: app.BranchStateNew, Active: true})
	require.NoError(t, err)

	h := NewHandler(Services{
		Machines:     machineSvc,
		Repositories: svc.NewRepository(branchSvc, machineSvc, repos, branches, logger),
		Branches:     branchSvc,
		Commits:      svc.NewCommit(branchSvc, commits, logger),
		Tasks:        scheduler,
		TestRuns:     testRunSvc,
		Releases:     releaseSvc,
		Fetch:        fetchSvc,
		Activities:   activities,
	}, testKey, logger)
	return apiFixture{router: NewRouter(h), branch: b}
}

func (f apiFixture) do(method, path, body string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authorized {
		req.Header.Set("X-Access-Key", testKey)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestAccessKey(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/machines", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/machines?accessKey="+testKey, "", false)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBranchEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	id := strconv.FormatUint(f.branch.ID, 10)

	w := f.do(http.MethodGet, "/branches/"+id, "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var b app.Branch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, "dev", b.Name)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	w = f.do(http.MethodGet, "/branches/999", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/branches/abc", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/branches/"+id+"/operations", `{"operation":"unknown"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/branches/"+id+"/operations", `{"operation":"noop","kwargs":{"a":"b"}}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	var task app.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, app.TaskStatePending, task.State)
	assert.Equal(t, "b", task.Kwargs["a"])

	w = f.do(http.MethodGet, "/branches/"+id+"/tasks", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var list []app.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestBadBody(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/repositories", `{"url":`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "invalid request body")

	w = f.do(http.MethodPost, "/repositories", `{"url":"git@github.com:acme/x.git"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreflight(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodOptions, "/branches", "", false)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodGet)
}
