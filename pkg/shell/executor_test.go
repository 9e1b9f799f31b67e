package shell_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beldeveloper/app-cicd/pkg/shell"
	"github.com/beldeveloper/app-cicd/pkg/shell/shelltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(remote *shelltest.Remote, opts ...shell.Option) *shell.Executor {
	opts = append([]shell.Option{shell.WithGrace(100 * time.Millisecond)}, opts...)
	return shell.New(remote, opts...)
}

func TestExecutorRun(t *testing.T) {
	remote := shelltest.New().On("git status", shelltest.Reply{
		Lines: []shelltest.Line{
			{Text: "On branch dev"},
			{Stderr: true, Text: "warning: something"},
			{Text: "nothing to commit"},
		},
	})
	sink := shell.NewBuffer(nil)
	sh := newExecutor(remote, shell.WithDir("/opt/src/dev"), shell.WithEnv(map[string]string{"A": "1"}))

	res, err := sh.X(shell.ContextWithSink(context.Background(), sink), "git", "status")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "On branch dev\nnothing to commit", res.Stdout)
	assert.Equal(t, "warning: something", res.Stderr)
	assert.Contains(t, sink.String(), "ERR: warning: something")

	calls := remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/opt/src/dev", calls[0].Dir)
	assert.Equal(t, "1", calls[0].Env["A"])
	assert.Equal(t, "plain", calls[0].Env["BUILDKIT_PROGRESS"])
}

func TestExecutorExitCode(t *testing.T) {
	remote := shelltest.New().On("false", shelltest.Reply{Stderr: "boom", Exit: 3})
	sh := newExecutor(remote)

	res, err := sh.X(context.Background(), "false")
	var exitErr *shell.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Result.ExitCode)
	assert.Contains(t, err.Error(), "boom")

	res, err = sh.Probe(context.Background(), "false")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecutorTimeoutIsNotAnExit(t *testing.T) {
	remote := shelltest.New().On("sleep", shelltest.Reply{Stdout: "working", Hang: true})
	sh := newExecutor(remote)

	res, err := sh.Run(context.Background(), shell.Cmd{Args: []string{"sleep", "9999"}, Timeout: 50 * time.Millisecond})
	var timeoutErr *shell.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "working", res.Stdout)

	res, err = sh.Run(context.Background(), shell.Cmd{
		Args:       []string{"sleep", "9999"},
		Timeout:    50 * time.Millisecond,
		AllowError: true,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
}

func TestExecutorConnectTimeout(t *testing.T) {
	remote := shelltest.New().On("uptime", shelltest.Reply{Silent: true})
	sh := newExecutor(remote, shell.WithConnectTimeout(50*time.Millisecond))

	_, err := sh.X(context.Background(), "uptime")
	assert.True(t, errors.Is(err, shell.ErrConnect))
}

func TestExecutorContextCancel(t *testing.T) {
	remote := shelltest.New().On("sleep", shelltest.Reply{Hang: true})
	sh := newExecutor(remote)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sh.X(ctx, "sleep", "10")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecutorClone(t *testing.T) {
	remote := shelltest.New()
	sh := newExecutor(remote, shell.WithDir("/opt/a"), shell.WithEnv(map[string]string{"A": "1"}))
	sub := sh.Clone(shell.WithDir("/tmp/clone"), shell.WithEnv(map[string]string{"A": "2", "B": "3"}))

	_, err := sub.X(context.Background(), "true")
	require.NoError(t, err)
	_, err = sh.X(context.Background(), "true")
	require.NoError(t, err)

	calls := remote.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/tmp/clone", calls[0].Dir)
	assert.Equal(t, "2", calls[0].Env["A"])
	assert.Equal(t, "3", calls[0].Env["B"])
	assert.Equal(t, "/opt/a", calls[1].Dir)
	assert.Equal(t, "1", calls[1].Env["A"])
	assert.Empty(t, calls[1].Env["B"])
}

func TestCheckoutCommitVerifiesHead(t *testing.T) {
	want := "1111111111111111111111111111111111111111"
	other := "2222222222222222222222222222222222222222"
	remote := shelltest.New().On("git rev-parse HEAD", shelltest.Reply{Stdout: other})
	sh := newExecutor(remote, shell.WithDir("/opt/src/dev"))

	err := sh.CheckoutCommit(context.Background(), want)
	var mismatch *shell.CheckoutMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, other, mismatch.Got)
	assert.Equal(t, 1, remote.Count("git -c advice.detachedHead=false checkout -f "+want))

	remote.On("git rev-parse HEAD", shelltest.Reply{Stdout: want})
	require.NoError(t, sh.CheckoutCommit(context.Background(), want))
}

func TestCheckoutBranchCreatesTrackingBranch(t *testing.T) {
	remote := shelltest.New().On("git show-ref --verify --quiet refs/heads/dev", shelltest.Reply{Exit: 1})
	sh := newExecutor(remote)

	require.NoError(t, sh.CheckoutBranch(context.Background(), "dev"))
	assert.Equal(t, []string{
		"git show-ref --verify --quiet refs/heads/dev",
		"git checkout -b dev --track origin/dev",
		"git checkout -f --no-guess dev",
		"git clean -xdff",
		"git submodule update --init --force --recursive",
	}, remote.Commands())
}

func TestOdoo(t *testing.T) {
	remote := shelltest.New().
		On("odoo --project-name cicd_x_dev -f up -d", shelltest.Reply{}).
		On("odoo --project-name cicd_x_dev update", shelltest.Reply{
			Stderr: "builtins.FileNotFoundError: [Errno 2] No such file or directory: '/home/cicd/.odoo/settings'",
			Exit:   1,
		})
	sh := newExecutor(remote, shell.WithProjectName("cicd_x_dev"))

	_, err := sh.RunOdoo(context.Background(), shell.OdooCmd{Args: []string{"up", "-d"}, Force: true})
	require.NoError(t, err)
	env := remote.Calls()[0].Env
	assert.Equal(t, "*", env["NO_PROXY"])
	assert.Equal(t, "600", env["COMPOSE_HTTP_TIMEOUT"])

	_, err = sh.Odoo(context.Background(), "update")
	assert.True(t, errors.Is(err, shell.ErrNeedsReload))

	res, err := sh.RunOdoo(context.Background(), shell.OdooCmd{Args: []string{"update"}, AllowError: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)

	_, err = shell.New(remote).Odoo(context.Background(), "up")
	assert.Error(t, err)
}

func TestPutExpandsHome(t *testing.T) {
	remote := shelltest.New()
	sh := newExecutor(remote)

	require.NoError(t, sh.Put(context.Background(), []byte("x"), "~/.odoo/settings.p"))
	content, ok := remote.File(shelltest.Home + "/.odoo/settings.p")
	require.True(t, ok)
	assert.Equal(t, "x", string(content))
	assert.Equal(t, 1, remote.Count("mkdir -p "+shelltest.Home+"/.odoo"))

	got, err := sh.Get(context.Background(), "~/.odoo/settings.p")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestExistsAndRemove(t *testing.T) {
	remote := shelltest.New().On("stat /opt/missing", shelltest.Reply{Exit: 1})
	sh := newExecutor(remote)

	ok, err := sh.Exists(context.Background(), "/opt/missing")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = sh.Exists(context.Background(), "/opt/present")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, sh.Remove(context.Background(), "/"))
	require.NoError(t, sh.Remove(context.Background(), "/opt/src/old"))
	assert.Equal(t, 1, remote.Count("rm -Rf /opt/src/old"))
}
