package svc

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/app-cicd/pkg/shell"
	"github.com/beldeveloper/app-cicd/pkg/tmpl"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"net/url"
	"strings"
	"time"
)

// BlockedUpdateDelay defines the backoff of an update while the branch blocks updates.
const BlockedUpdateDelay = 10 * time.Second

// DefaultComposeTemplate is the compose override of an instance.
const DefaultComposeTemplate = `services:
  odoo:
    labels:
      cicd.project: "{project_name}"
      cicd.branch: "{branch}"
`

// DefaultSettingsTemplate is the deployment tool settings of an instance.
const DefaultSettingsTemplate = `PROJECT_NAME={project_name}
DBNAME={project_name}
DB_HOST={db_host}
DB_PORT={db_port}
DB_USER={db_user}
DB_PASSWORD={db_password}
RUN_POSTGRES=0
RUN_PROXY_PUBLISHED=0
ODOO_BRANCH={branch}
`

// InstanceTemplates contains the files rendered into ~/.odoo for every instance.
type InstanceTemplates struct {
	Compose  string
	Settings string
}

// NewInstance creates a new instance of the service running the deployment tool operations on branches.
func NewInstance(
	machineSvc app.MachineSvc,
	vcsSvc app.VcsSvc,
	branchSvc app.BranchSvc,
	branchRepo app.BranchRepo,
	taskRepo app.TaskRepo,
	templates InstanceTemplates,
	logger log.Logger,
) Instance {
	if templates.Compose == "" {
		templates.Compose = DefaultComposeTemplate
	}
	if templates.Settings == "" {
		templates.Settings = DefaultSettingsTemplate
	}
	return Instance{
		machineSvc: machineSvc,
		vcsSvc:     vcsSvc,
		branchSvc:  branchSvc,
		branchRepo: branchRepo,
		taskRepo:   taskRepo,
		templates:  templates,
		logger:     log.With(logger, "component", "instance"),
		now:        time.Now,
	}
}

// Instance is a service that builds, updates and tears down the branch instances.
type Instance struct {
	machineSvc app.MachineSvc
	vcsSvc     app.VcsSvc
	branchSvc  app.BranchSvc
	branchRepo app.BranchRepo
	taskRepo   app.TaskRepo
	templates  InstanceTemplates
	logger     log.Logger
	now        func() time.Time
}

type instanceOp func(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error

// Operations returns the job bodies of the instance operations.
func (s Instance) Operations() map[string]app.Operation {
	ops := map[string]instanceOp{
		app.OpBuild:              s.build,
		app.OpReloadAndRestart:   s.reloadAndRestart,
		app.OpUpdateAllModules:   s.updateAllModules,
		app.OpPrepareNewInstance: s.prepareNewInstance,
		app.OpResetDB:            s.resetDB,
		app.OpDump:               s.dump,
		app.OpRestoreDump:        s.restoreDump,
		app.OpDockerStart:        s.odooSteps([]string{"up", "-d"}),
		app.OpDockerStop:         s.odooSteps([]string{"kill"}),
		app.OpDockerRemove:       s.odooSteps([]string{"kill"}, []string{"rm"}),
		app.OpShrinkDB:           s.odooSteps([]string{"cleardb"}),
		app.OpAnonymize:          s.odooSteps([]string{"update", "anonymize"}, []string{"anonymize"}),
		app.OpRemoveWebAssets:    s.odooSteps([]string{"kill"}, []string{"-f", "remove-web-assets"}, []string{"up", "-d"}),
		app.OpTurnIntoDev:        s.odooSteps([]string{"turn-into-dev"}),
		app.OpCheckoutLatest:     s.checkoutLatestOp,
		app.OpUpdateGitCommits:   s.updateGitCommitsOp,
		app.OpCycleDown:          s.cycleDown,
		app.OpDestroy:            s.destroy,
	}
	res := make(map[string]app.Operation, len(ops)+1)
	for name, op := range ops {
		res[name] = s.wrap(name, op)
	}
	res[app.OpUpdateOdoo] = s.updateOdoo
	return res
}

func (s Instance) wrap(name string, op instanceOp) app.Operation {
	return func(ctx context.Context, tc app.TaskContext) app.Result {
		sh, err := s.shell(ctx, tc)
		if err == nil {
			err = op(ctx, sh, tc)
		}
		return app.ResultOf(errors.WrapContext(err, errors.Context{
			Path:   "svc.Instance." + name,
			Params: errors.Params{"branch": tc.Branch.ID, "project": tc.ProjectName},
		}))
	}
}

func (s Instance) shell(ctx context.Context, tc app.TaskContext) (*shell.Executor, error) {
	return s.machineSvc.Shell(ctx, tc.Machine,
		shell.WithDir(tc.Machine.InstancePath(tc.ProjectName)),
		shell.WithProjectName(tc.ProjectName),
	)
}

func (s Instance) odooSteps(steps ...[]string) instanceOp {
	return func(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
		for _, args := range steps {
			if _, err := sh.Odoo(ctx, args...); err != nil {
				return err
			}
		}
		return nil
	}
}

func note(ctx context.Context, sh *shell.Executor, msg string) {
	// the note goes through the task sink like any other output line
	_, _ = sh.Run(ctx, shell.Cmd{Args: []string{"echo", msg}, AllowError: true})
}

// CheckoutLatest refreshes the instance folder and registers its commits.
func (s Instance) CheckoutLatest(ctx context.Context, tc app.TaskContext) (app.Branch, error) {
	folder := tc.Machine.InstancePath(tc.ProjectName)
	if _, err := s.vcsSvc.CheckoutLatest(ctx, tc.Repository, tc.Branch, folder); err != nil {
		return tc.Branch, errors.WrapContext(err, errors.Context{Path: "svc.Instance.CheckoutLatest.CheckoutLatest"})
	}
	b, err := s.UpdateCommits(ctx, tc)
	return b, errors.WrapContext(err, errors.Context{Path: "svc.Instance.CheckoutLatest.UpdateCommits"})
}

// UpdateCommits registers the latest commits of the instance folder.
func (s Instance) UpdateCommits(ctx context.Context, tc app.TaskContext) (app.Branch, error) {
	sh, err := s.shell(ctx, tc)
	if err != nil {
		return tc.Branch, err
	}
	commits, err := s.vcsSvc.Commits(ctx, sh, tc.Repository)
	if err != nil {
		return tc.Branch, errors.WrapContext(err, errors.Context{Path: "svc.Instance.UpdateCommits.Commits"})
	}
	b, err := s.branchSvc.UpdateCommits(ctx, tc.Branch, commits)
	return b, errors.WrapContext(err, errors.Context{Path: "svc.Instance.UpdateCommits.UpdateCommits"})
}

func (s Instance) checkoutLatestOp(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	_, err := s.CheckoutLatest(ctx, tc)
	return err
}

func (s Instance) updateGitCommitsOp(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	_, err := s.UpdateCommits(ctx, tc)
	return err
}

// ensureSource checks out the branch when the instance folder is missing or broken.
func (s Instance) ensureSource(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	folder := sh.Dir()
	exists, err := sh.Exists(ctx, folder)
	if err != nil {
		return err
	}
	if exists {
		res, err := sh.Probe(ctx, "git", "rev-parse", "--git-dir")
		if err != nil {
			return err
		}
		if res.ExitCode == 0 {
			return nil
		}
	}
	_, err = s.CheckoutLatest(ctx, tc)
	return err
}

func (s Instance) vars(tc app.TaskContext) (tmpl.Vars, error) {
	m := tc.Machine
	if m.PostgresDSN == "" {
		return nil, errtype.Misconfigured("please configure a db server for %s", m.Name)
	}
	dsn, err := url.Parse(m.PostgresDSN)
	if err != nil {
		return nil, errtype.Misconfigured("machine %s has an invalid db server url", m.Name)
	}
	password, _ := dsn.User.Password()
	port := dsn.Port()
	if port == "" {
		port = "5432"
	}
	v := tmpl.Vars{
		"project_name": tc.ProjectName,
		"project":      tc.ProjectName,
		"branch":       tc.Branch.Name,
		"repository":   tc.Repository.Short,
		"machine":      m.Name,
		"db_host":      dsn.Hostname(),
		"db_port":      port,
		"db_user":      dsn.User.Username(),
		"db_password":  password,
		"hub_url":      m.HubURL,
	}
	external, err := tmpl.Render(m.ExternalURL, v)
	if err != nil {
		return nil, errtype.Misconfigured("external url of machine %s: %v", m.Name, err)
	}
	v["external_url"] = external
	return v, nil
}

// putConfigs uploads the compose override and the settings of the project.
func (s Instance) putConfigs(ctx context.Context, sh *shell.Executor, tc app.TaskContext, extra string) error {
	v, err := s.vars(tc)
	if err != nil {
		return err
	}
	compose, err := tmpl.Render(s.templates.Compose, v)
	if err != nil {
		return errtype.Misconfigured("compose template: %v", err)
	}
	settings, err := tmpl.Render(s.templates.Settings, v)
	if err != nil {
		return errtype.Misconfigured("settings template: %v", err)
	}
	if extra != "" {
		settings = strings.TrimRight(settings, "\n") + "\n" + extra
	}
	if tc.Machine.HubURL != "" {
		settings = strings.TrimRight(settings, "\n") + "\nHUB_URL=" + tc.Machine.HubURL
	}
	if err = sh.Put(ctx, []byte(compose), composePath(tc.ProjectName)); err != nil {
		return err
	}
	return sh.Put(ctx, []byte(strings.TrimSpace(settings)+"\n"), settingsPath(tc.ProjectName))
}

func composePath(project string) string {
	return fmt.Sprintf("~/.odoo/docker-compose.%s.yml", project)
}

func settingsPath(project string) string {
	return "~/.odoo/settings." + project
}

// Reload makes sure the sources exist, uploads the configuration and reloads the project.
func (s Instance) Reload(ctx context.Context, sh *shell.Executor, tc app.TaskContext, settings string) error {
	if err := s.ensureSource(ctx, sh, tc); err != nil {
		return err
	}
	return s.Configure(ctx, sh, tc, settings)
}

// Configure uploads the configuration of the checked out project and reloads it.
func (s Instance) Configure(ctx context.Context, sh *shell.Executor, tc app.TaskContext, settings string) error {
	if err := s.putConfigs(ctx, sh, tc, settings); err != nil {
		return err
	}
	if _, err := sh.Odoo(ctx, "reload"); err != nil {
		return err
	}
	if tc.Machine.HubURL != "" {
		_, err := sh.Odoo(ctx, "login")
		return err
	}
	return nil
}

// Build pulls the images from the registry when one is configured, builds and pushes them back.
func (s Instance) Build(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	hub := tc.Machine.HubURL != ""
	if hub {
		if err := s.registry(ctx, sh, "regpull"); err != nil {
			_ = level.Warn(s.logger).Log("msg", "pull from registry failed, building", "project", tc.ProjectName, "err", err)
		}
	}
	if _, err := sh.Odoo(ctx, "build"); err != nil {
		return err
	}
	if hub {
		return s.registry(ctx, sh, "regpush")
	}
	return nil
}

func (s Instance) registry(ctx context.Context, sh *shell.Executor, cmd string) error {
	if _, err := sh.Odoo(ctx, "docker-registry", "login"); err != nil {
		return err
	}
	_, err := sh.Odoo(ctx, "docker-registry", cmd)
	return err
}

// afterBuild points the instance to its public url and marks it as a branch instance.
func (s Instance) afterBuild(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	v, err := s.vars(tc)
	if err != nil {
		return err
	}
	b := tc.Branch
	b.LastAccess = s.now()
	if _, err = s.branchRepo.Update(ctx, b); err != nil {
		return err
	}
	steps := [][]string{
		{"remove-settings", "--settings", "web.base.url,web.base.url.freeze"},
		{"update-setting", "web.base.url", v["external_url"]},
		{"set-ribbon", tc.Branch.Name},
		{"prolong"},
	}
	for _, args := range steps {
		if _, err = sh.Odoo(ctx, args...); err != nil {
			return err
		}
	}
	_, err = sh.RunOdoo(ctx, shell.OdooCmd{Args: []string{"restore-web-icons"}, AllowError: true})
	return err
}

func (s Instance) build(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	if err := s.Reload(ctx, sh, tc, ""); err != nil {
		return err
	}
	if err := s.Build(ctx, sh, tc); err != nil {
		return err
	}
	if _, err := sh.Odoo(ctx, "up", "-d"); err != nil {
		return err
	}
	return s.afterBuild(ctx, sh, tc)
}

func (s Instance) reloadAndRestart(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	if err := s.Reload(ctx, sh, tc, ""); err != nil {
		return err
	}
	if err := s.Build(ctx, sh, tc); err != nil {
		return err
	}
	for _, args := range [][]string{{"kill"}, {"rm"}, {"up", "-d"}} {
		if _, err := sh.Odoo(ctx, args...); err != nil {
			return err
		}
	}
	return s.afterBuild(ctx, sh, tc)
}

func (s Instance) updateAllModules(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	if err := s.Reload(ctx, sh, tc, ""); err != nil {
		return err
	}
	if err := s.Build(ctx, sh, tc); err != nil {
		return err
	}
	if _, err := sh.Odoo(ctx, "update", "--no-dangling-check"); err != nil {
		return err
	}
	_, err := sh.Odoo(ctx, "up", "-d")
	return err
}

// updateOdoo updates the modules changed since the last successful update, or all of them.
func (s Instance) updateOdoo(ctx context.Context, tc app.TaskContext) app.Result {
	if until := tc.Branch.BlockUpdatesUntil; until.After(s.now()) {
		return app.RetryAfter(BlockedUpdateDelay, fmt.Sprintf("updates of the branch are blocked until %s", until.Format(time.RFC3339)))
	}
	sh, err := s.shell(ctx, tc)
	if err != nil {
		return app.ResultOf(err)
	}
	b, err := s.CheckoutLatest(ctx, tc)
	if err != nil {
		return app.ResultOf(errors.WrapContext(err, errors.Context{
			Path:   "svc.Instance.updateOdoo.CheckoutLatest",
			Params: errors.Params{"branch": tc.Branch.ID},
		}))
	}
	tc.Branch = b
	since := s.lastUpdatedCommit(ctx, tc.Branch.ID)
	if since != "" {
		err = s.Reload(ctx, sh, tc, "")
		if err == nil {
			err = s.Build(ctx, sh, tc)
		}
		if err == nil {
			_, err = sh.Odoo(ctx, "update", "--since-git-sha", since, "--no-dangling-check", "--i18n")
		}
		if err == nil {
			_, err = sh.Odoo(ctx, "up", "-d")
		}
		if err == nil {
			return app.Ok()
		}
		_ = level.Warn(s.logger).Log("msg", "update since commit failed, running full update", "since", since, "err", err)
		note(ctx, sh, fmt.Sprintf("Running full update now - update since sha %s did not succeed", since))
	}
	err = s.updateAllModules(ctx, sh, tc)
	return app.ResultOf(errors.WrapContext(err, errors.Context{
		Path:   "svc.Instance.updateOdoo.updateAllModules",
		Params: errors.Params{"branch": tc.Branch.ID},
	}))
}

func (s Instance) lastUpdatedCommit(ctx context.Context, branchID uint64) string {
	var latest app.Task
	for _, op := range []string{app.OpUpdateOdoo, app.OpUpdateAllModules} {
		t, err := s.taskRepo.FindLatestDone(ctx, branchID, op)
		if err != nil {
			continue
		}
		if t.FinishedAt.After(latest.FinishedAt) {
			latest = t
		}
	}
	return latest.CommitSHA
}

func (s Instance) prepareNewInstance(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	var err error
	if tc.Task.Kwargs["dump"] != "" {
		err = s.restoreDump(ctx, sh, tc)
	} else {
		err = s.resetDB(ctx, sh, tc)
	}
	if err != nil {
		return err
	}
	return s.updateAllModules(ctx, sh, tc)
}

func (s Instance) resetDB(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	if err := s.Reload(ctx, sh, tc, ""); err != nil {
		return err
	}
	if err := s.Build(ctx, sh, tc); err != nil {
		return err
	}
	if _, err := sh.RunOdoo(ctx, shell.OdooCmd{Args: []string{"db", "reset"}, Force: true}); err != nil {
		return err
	}
	if _, err := sh.Odoo(ctx, "update", "--no-dangling-check"); err != nil {
		return err
	}
	if _, err := sh.RunOdoo(ctx, shell.OdooCmd{Args: []string{"turn-into-dev"}, AllowError: true}); err != nil {
		return err
	}
	return s.afterBuild(ctx, sh, tc)
}

func (s Instance) dump(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	if tc.Machine.DumpsVolume == "" {
		return errtype.Misconfigured("machine %s has no dumps volume", tc.Machine.Name)
	}
	filename := tc.Task.Kwargs["filename"]
	if filename == "" {
		filename = tc.ProjectName + ".dump.gz"
	}
	if strings.Contains(filename, "/") {
		return errtype.BadInput("dump filename %q must not contain slashes", filename)
	}
	_, err := sh.Odoo(ctx, "backup", "odoo-db", tc.Machine.DumpsVolume+"/"+filename)
	return err
}

func (s Instance) restoreDump(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	dump := tc.Task.Kwargs["dump"]
	if dump == "" {
		return errtype.BadInput("dump missing, cannot restore")
	}
	if !strings.HasPrefix(dump, "/") {
		if tc.Machine.DumpsVolume == "" {
			return errtype.Misconfigured("machine %s has no dumps volume", tc.Machine.Name)
		}
		dump = tc.Machine.DumpsVolume + "/" + dump
	}
	if err := s.Reload(ctx, sh, tc, ""); err != nil {
		return err
	}
	if err := s.Build(ctx, sh, tc); err != nil {
		return err
	}
	for _, args := range [][]string{{"kill"}, {"rm"}} {
		if _, err := sh.Odoo(ctx, args...); err != nil {
			return err
		}
	}
	_, err := sh.RunOdoo(ctx, shell.OdooCmd{Args: []string{"restore", "odoo-db", "--no-remove-webassets", dump}, Force: true})
	if err != nil {
		return err
	}
	if _, err = sh.Odoo(ctx, "update"); err != nil {
		return err
	}
	return s.afterBuild(ctx, sh, tc)
}

func (s Instance) cycleDown(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	_ = level.Info(s.logger).Log("msg", "shutting down instance due to inactivity", "project", tc.ProjectName)
	for _, args := range [][]string{{"kill"}, {"rm"}} {
		if _, err := sh.RunOdoo(ctx, shell.OdooCmd{Args: args, AllowError: true}); err != nil {
			return err
		}
	}
	return nil
}

// destroy removes the containers, volumes, sources and configuration of the instance.
func (s Instance) destroy(ctx context.Context, sh *shell.Executor, tc app.TaskContext) error {
	folder := sh.Dir()
	exists, err := sh.Exists(ctx, folder)
	if err != nil {
		return err
	}
	// odoo needs an existing working directory
	root := sh.Clone(shell.WithDir(tc.Machine.Workspace))
	if exists {
		root = sh
	}
	_, err = root.RunOdoo(ctx, shell.OdooCmd{Args: []string{"down", "-v"}, Force: true, AllowError: true})
	if err != nil {
		return err
	}
	if err = root.Remove(ctx, folder); err != nil {
		return err
	}
	home, err := root.HomeDir(ctx)
	if err != nil {
		return err
	}
	for _, p := range []string{composePath(tc.ProjectName), settingsPath(tc.ProjectName)} {
		if err = root.Remove(ctx, home+strings.TrimPrefix(p, "~")); err != nil {
			return err
		}
	}
	_ = level.Info(s.logger).Log("msg", "instance destroyed", "project", tc.ProjectName)
	return nil
}
