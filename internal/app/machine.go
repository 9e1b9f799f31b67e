package app

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/pkg/shell"
)

// Machine is a model that represents a host running branch instances.
type Machine struct {
	ID           uint64 `json:"id"`
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	SSHKey       string `json:"-"`
	Workspace    string `json:"workspace"`
	SourceVolume string `json:"sourceVolume"`
	DumpsVolume  string `json:"dumpsVolume"`
	ExternalURL  string `json:"externalUrl"`
	PostgresDSN  string `json:"-"`
	HubURL       string `json:"hubUrl"`
}

// Local reports whether the machine is the controller host itself.
func (m Machine) Local() bool {
	return m.Host == "" || m.Host == "localhost"
}

// MainRepoPath returns the path of the shared clone of the repository on the machine.
func (m Machine) MainRepoPath(r Repository) string {
	return fmt.Sprintf("%s/_main_%s", m.Workspace, r.Short)
}

// InstancePath returns the instance folder of the project.
func (m Machine) InstancePath(projectName string) string {
	return fmt.Sprintf("%s/%s", m.SourceVolume, projectName)
}

// FormAddMachine represents a form of new machine.
type FormAddMachine struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	SSHKey       string `json:"sshKey"`
	Workspace    string `json:"workspace"`
	SourceVolume string `json:"sourceVolume"`
	DumpsVolume  string `json:"dumpsVolume"`
	ExternalURL  string `json:"externalUrl"`
	PostgresDSN  string `json:"postgresDsn"`
	HubURL       string `json:"hubUrl"`
}

// Container is a cached state of one container of an instance.
type Container struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Running reports whether the container is up.
func (c Container) Running() bool {
	return c.State == "running"
}

// MachineSvc describes the machine service.
type MachineSvc interface {
	List(ctx context.Context) ([]Machine, error)
	Add(ctx context.Context, f FormAddMachine) (Machine, error)
	Find(ctx context.Context, id uint64) (Machine, error)
	Shell(ctx context.Context, m Machine, opts ...shell.Option) (*shell.Executor, error)
	Containers(ctx context.Context, m Machine) ([]Container, error)
	CleanupJob(ctx context.Context) error
}

// MachineRepo describes interactions with the machine DB.
type MachineRepo interface {
	FindAll(ctx context.Context) ([]Machine, error)
	FindByID(ctx context.Context, id uint64) (Machine, error)
	Add(ctx context.Context, m Machine) (Machine, error)
}
