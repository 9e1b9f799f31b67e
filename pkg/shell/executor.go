package shell

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
)

const (
	// DefaultConnectTimeout defines how long the executor waits for the start marker.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultGrace defines how long the executor waits for the transport after both stop markers arrived.
	DefaultGrace = 2 * time.Second
)

var defaultEnv = map[string]string{
	"BUILDKIT_PROGRESS": "plain",
}

// Transport runs scripts on a machine and copies files to and from it.
type Transport interface {
	Start(ctx context.Context, script string, stdout, stderr io.Writer) (Process, error)
	Put(ctx context.Context, content []byte, dest string) error
	Get(ctx context.Context, src string) ([]byte, error)
}

// Process is a started script.
type Process interface {
	// Wait returns the exit code, or -1 with an error when the transport lost the process.
	Wait() (int, error)
	Kill() error
}

// Option configures the executor.
type Option func(e *Executor)

// WithDir sets the working directory.
func WithDir(dir string) Option {
	return func(e *Executor) { e.dir = dir }
}

// WithEnv merges the variables into the environment.
func WithEnv(env map[string]string) Option {
	return func(e *Executor) {
		for k, v := range env {
			e.env[k] = v
		}
	}
}

// WithProjectName sets the deployment tool project.
func WithProjectName(name string) Option {
	return func(e *Executor) { e.projectName = name }
}

// WithTimeout sets the default command deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithConnectTimeout sets how long to wait for the start marker.
func WithConnectTimeout(d time.Duration) Option {
	return func(e *Executor) { e.connectTimeout = d }
}

// WithGrace sets the grace period after the stop markers.
func WithGrace(d time.Duration) Option {
	return func(e *Executor) { e.grace = d }
}

// WithSink sets the sink used when the context carries none.
func WithSink(s LineSink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithDuration observes every command duration, labelled by success.
func WithDuration(h metrics.Histogram) Option {
	return func(e *Executor) { e.duration = h }
}

// New creates a new executor on top of the transport.
func New(t Transport, opts ...Option) *Executor {
	e := &Executor{
		transport:      t,
		env:            copyEnv(defaultEnv),
		timeout:        DefaultTimeout,
		connectTimeout: DefaultConnectTimeout,
		grace:          DefaultGrace,
		sink:           Discard{},
		logger:         log.NewNopLogger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Executor runs commands as framed bash scripts over a transport.
type Executor struct {
	transport      Transport
	dir            string
	env            map[string]string
	projectName    string
	timeout        time.Duration
	connectTimeout time.Duration
	grace          time.Duration
	sink           LineSink
	logger         log.Logger
	duration       metrics.Histogram
}

// Clone returns an executor that shares the transport but has its own directory and environment.
func (e *Executor) Clone(opts ...Option) *Executor {
	c := *e
	c.env = copyEnv(e.env)
	for _, o := range opts {
		o(&c)
	}
	return &c
}

// Dir returns the working directory.
func (e *Executor) Dir() string {
	return e.dir
}

// ProjectName returns the deployment tool project.
func (e *Executor) ProjectName() string {
	return e.projectName
}

// X runs the command and fails on a non-zero exit.
func (e *Executor) X(ctx context.Context, args ...string) (Result, error) {
	return e.Run(ctx, Cmd{Args: args})
}

// Probe runs the command and reports a non-zero exit through the result only.
func (e *Executor) Probe(ctx context.Context, args ...string) (Result, error) {
	return e.Run(ctx, Cmd{Args: args, AllowError: true})
}

// Run executes the command.
func (e *Executor) Run(ctx context.Context, cmd Cmd) (Result, error) {
	env := copyEnv(e.env)
	for k, v := range cmd.Env {
		env[k] = v
	}
	dir := e.dir
	if cmd.Dir != "" {
		dir = cmd.Dir
	}
	timeout := e.timeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	line := cmd.String()
	var sink LineSink = Discard{}
	if !cmd.Quiet {
		sink = sinkFrom(ctx, e.sink)
	}
	_ = level.Debug(e.logger).Log("msg", "exec", "dir", dir, "cmd", line)
	began := time.Now()
	res, err := e.run(ctx, NewScript(line, env, dir), sink, timeout)
	res.Duration = time.Since(began)
	if e.duration != nil {
		ok := err == nil && res.ExitCode == 0
		e.duration.With("success", strconv.FormatBool(ok)).Observe(res.Duration.Seconds())
	}
	if err != nil {
		return res, fmt.Errorf("%w; cmd=%s", err, line)
	}
	if res.TimedOut {
		if cmd.AllowError {
			return res, nil
		}
		return res, &TimeoutError{Cmd: line, Timeout: timeout}
	}
	if res.ExitCode != 0 && !cmd.AllowError {
		return res, &ExitError{Cmd: line, Result: res}
	}
	return res, nil
}

type exit struct {
	code int
	err  error
}

func (e *Executor) run(ctx context.Context, script Script, sink LineSink, timeout time.Duration) (Result, error) {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	col := newCollector(script, sink)
	proc, err := e.transport.Start(ctx, script.Render(), outW, errW)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	var reading sync.WaitGroup
	reading.Add(2)
	go col.read(outR, streamStdout, &reading)
	go col.read(errR, streamStderr, &reading)
	readDone := make(chan struct{})
	go func() {
		reading.Wait()
		close(readDone)
	}()
	waitCh := make(chan exit, 1)
	go func() {
		code, err := proc.Wait()
		waitCh <- exit{code: code, err: err}
	}()
	drain := func() {
		_ = outW.Close()
		_ = errW.Close()
		select {
		case <-readDone:
		case <-time.After(e.grace):
			_ = outR.Close()
			_ = errR.Close()
			<-readDone
		}
	}
	kill := func() {
		if err := proc.Kill(); err != nil {
			_ = level.Warn(e.logger).Log("msg", "kill remote command", "err", err)
		}
		drain()
	}

	connect := time.NewTimer(e.connectTimeout)
	defer connect.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	started := col.started
	for {
		select {
		case <-started:
			connect.Stop()
			started = nil
		case <-connect.C:
			if col.hasStarted() {
				continue
			}
			kill()
			return col.result(), ErrConnect
		case w := <-waitCh:
			drain()
			return col.exited(w)
		case <-col.stopped:
			select {
			case w := <-waitCh:
				drain()
				return col.exited(w)
			case <-time.After(e.grace):
				kill()
				return col.result(), nil
			}
		case <-deadline.C:
			kill()
			res := col.result()
			res.ExitCode = -1
			res.TimedOut = true
			return res, nil
		case <-ctx.Done():
			kill()
			return col.result(), ctx.Err()
		}
	}
}

func copyEnv(env map[string]string) map[string]string {
	res := make(map[string]string, len(env))
	for k, v := range env {
		res[k] = v
	}
	return res
}
