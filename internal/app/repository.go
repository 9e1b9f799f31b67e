package app

import (
	"context"
	"regexp"
)

const (
	// LoginTypeNone defines a repository reachable without credentials.
	LoginTypeNone = "none"
	// LoginTypeUsername defines a repository cloned with a username and password embedded into the URL.
	LoginTypeUsername = "username"
	// LoginTypeKey defines a repository cloned with a deploy key.
	LoginTypeKey = "key"

	// DefaultAnalyzeLastNCommits defines how many commits are registered per branch.
	DefaultAnalyzeLastNCommits = 200
	// DefaultCleanupUntouchedDays defines after how many days of inactivity a branch is deactivated.
	DefaultCleanupUntouchedDays = 20
)

// Repository is a model that represents a tracked upstream git repository.
type Repository struct {
	ID                   uint64   `json:"id"`
	URL                  string   `json:"url"`
	Short                string   `json:"short"`
	MachineID            uint64   `json:"machineId"`
	LoginType            string   `json:"loginType"`
	Username             string   `json:"username"`
	Password             string   `json:"-"`
	SSHKey               string   `json:"-"`
	DefaultBranch        string   `json:"defaultBranch"`
	TicketBaseURL        string   `json:"ticketBaseUrl"`
	TicketRegex          string   `json:"ticketRegex"`
	ReleaseTagPrefix     string   `json:"releaseTagPrefix"`
	AnalyzeLastNCommits  int      `json:"analyzeLastNCommits"`
	CleanupUntouchedDays int      `json:"cleanupUntouchedDays"`
	NeverCleanup         []string `json:"neverCleanup"`
}

// TicketRef extracts the ticket reference from the branch name.
func (r Repository) TicketRef(branchName string) string {
	if r.TicketRegex == "" {
		return ""
	}
	rx, err := regexp.Compile(r.TicketRegex)
	if err != nil {
		return ""
	}
	m := rx.FindStringSubmatch(branchName)
	switch {
	case len(m) > 1:
		return m[1]
	case len(m) == 1:
		return m[0]
	}
	return ""
}

// TicketURL returns the ticket link of the branch.
func (r Repository) TicketURL(branchName string) string {
	ref := r.TicketRef(branchName)
	if ref == "" || r.TicketBaseURL == "" {
		return ""
	}
	return r.TicketBaseURL + ref
}

// FormAddRepository represents a form of new repository.
type FormAddRepository struct {
	URL              string `json:"url"`
	Short            string `json:"short"`
	MachineID        uint64 `json:"machineId"`
	LoginType        string `json:"loginType"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	SSHKey           string `json:"sshKey"`
	DefaultBranch    string `json:"defaultBranch"`
	TicketBaseURL    string `json:"ticketBaseUrl"`
	TicketRegex      string `json:"ticketRegex"`
	ReleaseTagPrefix string `json:"releaseTagPrefix"`
}

// RepositorySvc describes the repository service.
type RepositorySvc interface {
	List(ctx context.Context) ([]Repository, error)
	Find(ctx context.Context, id uint64) (Repository, error)
	Add(ctx context.Context, f FormAddRepository) (Repository, error)
	CleanupJob(ctx context.Context) error
}

// RepositoryRepo describes interactions with the repository DB.
type RepositoryRepo interface {
	FindAll(ctx context.Context) ([]Repository, error)
	FindByID(ctx context.Context, id uint64) (Repository, error)
	Add(ctx context.Context, r Repository) (Repository, error)
	Update(ctx context.Context, r Repository) (Repository, error)
}
