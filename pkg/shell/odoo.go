package shell

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const needsReloadPattern = ".FileNotFoundError: [Errno 2] No such file or directory:"

var odooEnv = map[string]string{
	"NO_PROXY":              "*",
	"DOCKER_CLIENT_TIMEOUT": "600",
	"COMPOSE_HTTP_TIMEOUT":  "600",
	"PSYCOPG_TIMEOUT":       "120",
}

// OdooCmd is a model of one deployment tool invocation.
type OdooCmd struct {
	Args       []string
	Force      bool
	AllowError bool
	Timeout    time.Duration
}

// Odoo runs the deployment tool for the project of the executor.
func (e *Executor) Odoo(ctx context.Context, args ...string) (Result, error) {
	return e.RunOdoo(ctx, OdooCmd{Args: args})
}

// RunOdoo runs the deployment tool with explicit flags.
// A missing settings file is reported as ErrNeedsReload unless the failure is allowed.
func (e *Executor) RunOdoo(ctx context.Context, c OdooCmd) (Result, error) {
	if e.projectName == "" {
		return Result{ExitCode: -1}, fmt.Errorf("odoo -> project name is not set")
	}
	args := []string{"odoo", "--project-name", e.projectName}
	if c.Force {
		args = append(args, "-f")
	}
	args = append(args, c.Args...)
	res, err := e.Run(ctx, Cmd{
		Args:       args,
		Env:        odooEnv,
		AllowError: c.AllowError,
		Timeout:    c.Timeout,
	})
	if !c.AllowError && res.ExitCode != 0 && strings.Contains(res.Stderr+"\n"+res.Stdout, needsReloadPattern) {
		return res, fmt.Errorf("%w; project=%s", ErrNeedsReload, e.projectName)
	}
	return res, err
}
