package svc

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/app-cicd/pkg/shell"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"path"
	"strings"
	"sync"
	"time"
)

const (
	oldFolderMarker = ".cicd_old_"
	newFolderMarker = ".cicd_new_"
)

// TransportFactory opens the command channel of a machine.
type TransportFactory func(m app.Machine) (shell.Transport, error)

// NewTransports connects over ssh with the machine key, or the default key when the machine has none,
// and runs bash directly for the controller host.
func NewTransports(defaultKey []byte, connectTimeout time.Duration) TransportFactory {
	return func(m app.Machine) (shell.Transport, error) {
		if m.Local() {
			return shell.Local{}, nil
		}
		key := []byte(m.SSHKey)
		if len(key) == 0 {
			key = defaultKey
		}
		if len(key) == 0 {
			return nil, errtype.Misconfigured("machine %q has no ssh key", m.Name)
		}
		return shell.NewSSH(shell.SSHConfig{
			Host:    m.Host,
			Port:    m.Port,
			User:    m.User,
			Key:     key,
			Timeout: connectTimeout,
		}), nil
	}
}

// MachineConfig contains the executor defaults and the instance folder hygiene settings.
type MachineConfig struct {
	ConnectTimeout time.Duration
	Grace          time.Duration
	DefaultTimeout time.Duration
	// OldFolderKeep is how long the folders moved aside by a checkout stay on disk.
	OldFolderKeep time.Duration
}

type transportCache struct {
	mu    sync.Mutex
	open  TransportFactory
	items map[uint64]shell.Transport
}

func (c *transportCache) get(m app.Machine) (shell.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.items[m.ID]; ok {
		return t, nil
	}
	t, err := c.open(m)
	if err != nil {
		return nil, err
	}
	c.items[m.ID] = t
	return t, nil
}

// NewMachine creates a new instance of the machine service.
func NewMachine(
	repo app.MachineRepo,
	transports TransportFactory,
	cfg MachineConfig,
	metrics Metrics,
	logger log.Logger,
) app.MachineSvc {
	return Machine{
		repo:       repo,
		transports: &transportCache{open: transports, items: make(map[uint64]shell.Transport)},
		cfg:        cfg,
		metrics:    metrics,
		logger:     log.With(logger, "component", "machine"),
	}
}

// Machine is a service that manages the hosts of the instances.
type Machine struct {
	repo       app.MachineRepo
	transports *transportCache
	cfg        MachineConfig
	metrics    Metrics
	logger     log.Logger
}

// List all machines.
func (s Machine) List(ctx context.Context) ([]app.Machine, error) {
	res, err := s.repo.FindAll(ctx)
	return res, errors.WrapContext(err, errors.Context{Path: "svc.Machine.List.FindAll"})
}

// Find the machine.
func (s Machine) Find(ctx context.Context, id uint64) (app.Machine, error) {
	res, err := s.repo.FindByID(ctx, id)
	return res, errors.WrapContext(err, errors.Context{
		Path:   "svc.Machine.Find.FindByID",
		Params: errors.Params{"machine": id},
	})
}

// Add new machine.
func (s Machine) Add(ctx context.Context, f app.FormAddMachine) (app.Machine, error) {
	f, err := s.validateAddForm(f)
	if err != nil {
		return app.Machine{}, errors.WrapContext(err, errors.Context{Path: "svc.Machine.Add.validateAddForm"})
	}
	m, err := s.repo.Add(ctx, app.Machine{
		Name:         f.Name,
		Host:         f.Host,
		Port:         f.Port,
		User:         f.User,
		SSHKey:       f.SSHKey,
		Workspace:    f.Workspace,
		SourceVolume: f.SourceVolume,
		DumpsVolume:  f.DumpsVolume,
		ExternalURL:  f.ExternalURL,
		PostgresDSN:  f.PostgresDSN,
		HubURL:       f.HubURL,
	})
	if err != nil {
		return m, errors.WrapContext(err, errors.Context{Path: "svc.Machine.Add.Add"})
	}
	_ = level.Info(s.logger).Log("msg", "machine added", "machine", m.ID, "name", m.Name)
	return m, nil
}

// Shell returns an executor working in the workspace of the machine.
func (s Machine) Shell(ctx context.Context, m app.Machine, opts ...shell.Option) (*shell.Executor, error) {
	t, err := s.transports.get(m)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{
			Path:   "svc.Machine.Shell.transport",
			Params: errors.Params{"machine": m.ID},
		})
	}
	base := []shell.Option{
		shell.WithDir(m.Workspace),
		shell.WithLogger(log.With(s.logger, "machine", m.Name)),
		shell.WithSink(shell.NewLoggerSink(log.With(s.logger, "machine", m.Name))),
	}
	if s.cfg.DefaultTimeout > 0 {
		base = append(base, shell.WithTimeout(s.cfg.DefaultTimeout))
	}
	if s.cfg.ConnectTimeout > 0 {
		base = append(base, shell.WithConnectTimeout(s.cfg.ConnectTimeout))
	}
	if s.cfg.Grace > 0 {
		base = append(base, shell.WithGrace(s.cfg.Grace))
	}
	if s.metrics.CommandDuration != nil {
		base = append(base, shell.WithDuration(s.metrics.CommandDuration))
	}
	return shell.New(t, append(base, opts...)...), nil
}

// Containers returns the state of every container on the machine.
func (s Machine) Containers(ctx context.Context, m app.Machine) ([]app.Container, error) {
	sh, err := s.Shell(ctx, m)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{Path: "svc.Machine.Containers.Shell"})
	}
	res, err := sh.Run(ctx, shell.Cmd{
		Args:  []string{"docker", "ps", "-a", "--format", "{{.Names}}\t{{.State}}"},
		Quiet: true,
	})
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{
			Path:   "svc.Machine.Containers.ps",
			Params: errors.Params{"machine": m.ID},
		})
	}
	containers := make([]app.Container, 0)
	for _, row := range res.Lines() {
		cols := strings.SplitN(row, "\t", 2)
		if len(cols) != 2 {
			continue
		}
		containers = append(containers, app.Container{Name: cols[0], State: cols[1]})
	}
	return containers, nil
}

// CleanupJob removes the instance folders that were moved aside by a checkout long enough ago.
func (s Machine) CleanupJob(ctx context.Context) error {
	machines, err := s.repo.FindAll(ctx)
	if err != nil {
		return errors.WrapContext(err, errors.Context{Path: "svc.Machine.CleanupJob.FindAll"})
	}
	minutes := int(s.cfg.OldFolderKeep / time.Minute)
	for _, m := range machines {
		if m.SourceVolume == "" {
			continue
		}
		if err = s.cleanupMachine(ctx, m, minutes); err != nil {
			_ = level.Error(s.logger).Log("msg", "cleanup old instance folders", "machine", m.Name, "err", err)
		}
	}
	return nil
}

func (s Machine) cleanupMachine(ctx context.Context, m app.Machine, minutes int) error {
	sh, err := s.Shell(ctx, m)
	if err != nil {
		return err
	}
	res, err := sh.Run(ctx, shell.Cmd{
		Args: []string{
			"find", m.SourceVolume, "-maxdepth", "1",
			"-name", "*" + oldFolderMarker + "*",
			"-mmin", fmt.Sprintf("+%d", minutes),
		},
		Quiet: true,
	})
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Machine.cleanupMachine.find",
			Params: errors.Params{"machine": m.ID},
		})
	}
	for _, p := range res.Lines() {
		if !strings.Contains(path.Base(p), oldFolderMarker) {
			continue
		}
		if err = sh.Remove(ctx, p); err != nil {
			return errors.WrapContext(err, errors.Context{
				Path:   "svc.Machine.cleanupMachine.Remove",
				Params: errors.Params{"machine": m.ID, "path": p},
			})
		}
		_ = level.Info(s.logger).Log("msg", "old instance folder removed", "machine", m.Name, "path", p)
	}
	return nil
}

func (s Machine) validateAddForm(f app.FormAddMachine) (app.FormAddMachine, error) {
	f.Name = strings.TrimSpace(f.Name)
	f.Host = strings.TrimSpace(f.Host)
	if f.Name == "" {
		return f, fmt.Errorf("%w: machine name must not be empty", errtype.ErrBadInput)
	}
	for name, p := range map[string]string{"workspace": f.Workspace, "source volume": f.SourceVolume} {
		if !path.IsAbs(p) {
			return f, fmt.Errorf("%w: machine %s must be an absolute path", errtype.ErrBadInput, name)
		}
	}
	if f.DumpsVolume != "" && !path.IsAbs(f.DumpsVolume) {
		return f, fmt.Errorf("%w: machine dumps volume must be an absolute path", errtype.ErrBadInput)
	}
	if f.Port == 0 {
		f.Port = 22
	}
	if f.Host != "" && f.Host != "localhost" && f.User == "" {
		return f, fmt.Errorf("%w: machine user must not be empty", errtype.ErrBadInput)
	}
	return f, nil
}
