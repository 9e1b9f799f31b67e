package postgres

import (
	"context"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/go-errors-context"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

func wrap(err error, path string) error {
	return errors.WrapContext(err, errors.Context{Path: path})
}

// NewRepository creates a new instance of the repository.
func NewRepository(conn *pgxpool.Pool) app.RepositoryRepo {
	return Repository{conn: conn}
}

// Repository (vcs) implements a (db) repository.
type Repository struct {
	conn *pgxpool.Pool
}

const repositoryColumns = `"id", "url", "short", "machine_id", "login_type", "username", "password", "ssh_key",
	"default_branch", "ticket_base_url", "ticket_regex", "release_tag_prefix", "analyze_last_n_commits",
	"cleanup_untouched_days", "never_cleanup"`

func scanRepository(row pgx.Row) (app.Repository, error) {
	var r app.Repository
	err := row.Scan(&r.ID, &r.URL, &r.Short, &r.MachineID, &r.LoginType, &r.Username, &r.Password, &r.SSHKey,
		&r.DefaultBranch, &r.TicketBaseURL, &r.TicketRegex, &r.ReleaseTagPrefix, &r.AnalyzeLastNCommits,
		&r.CleanupUntouchedDays, &r.NeverCleanup)
	return r, err
}

// FindAll repositories.
func (r Repository) FindAll(ctx context.Context) ([]app.Repository, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+repositoryColumns+` FROM "repositories" ORDER BY "short"`)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{Path: "postgres.Repository.FindAll.Query"})
	}
	defer rows.Close()
	res := make([]app.Repository, 0, 10)
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, errors.WrapContext(err, errors.Context{Path: "postgres.Repository.FindAll.Scan"})
		}
		res = append(res, repo)
	}
	return res, nil
}

// FindByID returns a repository by its ID.
func (r Repository) FindByID(ctx context.Context, id uint64) (app.Repository, error) {
	repo, err := scanRepository(r.conn.QueryRow(ctx, `SELECT `+repositoryColumns+` FROM "repositories" WHERE "id" = $1`, id))
	return repo, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.Repository.FindByID.Scan",
		Params: errors.Params{"repository": id},
	})
}

// Add saves a new repository.
func (r Repository) Add(ctx context.Context, repo app.Repository) (app.Repository, error) {
	q := `INSERT INTO "repositories" ("url", "short", "machine_id", "login_type", "username", "password", "ssh_key",
		"default_branch", "ticket_base_url", "ticket_regex", "release_tag_prefix", "analyze_last_n_commits",
		"cleanup_untouched_days", "never_cleanup")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING "id"`
	err := r.conn.QueryRow(ctx, q, repo.URL, repo.Short, repo.MachineID, repo.LoginType, repo.Username, repo.Password,
		repo.SSHKey, repo.DefaultBranch, repo.TicketBaseURL, repo.TicketRegex, repo.ReleaseTagPrefix,
		repo.AnalyzeLastNCommits, repo.CleanupUntouchedDays, texts(repo.NeverCleanup)).Scan(&repo.ID)
	return repo, errors.WrapContext(err, errors.Context{
		Path:   "postgres.Repository.Add.Scan",
		Params: errors.Params{"short": repo.Short},
	})
}

// Update modifies a specific repository.
func (r Repository) Update(ctx context.Context, repo app.Repository) (app.Repository, error) {
	q := `UPDATE "repositories" SET "url" = $2, "machine_id" = $3, "login_type" = $4, "username" = $5,
		"password" = $6, "ssh_key" = $7, "default_branch" = $8, "ticket_base_url" = $9, "ticket_regex" = $10,
		"release_tag_prefix" = $11, "analyze_last_n_commits" = $12, "cleanup_untouched_days" = $13,
		"never_cleanup" = $14 WHERE "id" = $1`
	_, err := r.conn.Exec(ctx, q, repo.ID, repo.URL, repo.MachineID, repo.LoginType, repo.Username, repo.Password,
		repo.SSHKey, repo.DefaultBranch, repo.TicketBaseURL, repo.TicketRegex, repo.ReleaseTagPrefix,
		repo.AnalyzeLastNCommits, repo.CleanupUntouchedDays, texts(repo.NeverCleanup))
	return repo, errors.WrapContext(err, errors.Context{
		Path:   "postgres.Repository.Update.Exec",
		Params: errors.Params{"repository": repo.ID},
	})
}

// NewMachine creates a new instance of the repository.
func NewMachine(conn *pgxpool.Pool) app.MachineRepo {
	return Machine{conn: conn}
}

// Machine implements a repository.
type Machine struct {
	conn *pgxpool.Pool
}

const machineColumns = `"id", "name", "host", "port", "user", "ssh_key", "workspace", "source_volume",
	"dumps_volume", "external_url", "postgres_dsn", "hub_url"`

func scanMachine(row pgx.Row) (app.Machine, error) {
	var m app.Machine
	err := row.Scan(&m.ID, &m.Name, &m.Host, &m.Port, &m.User, &m.SSHKey, &m.Workspace, &m.SourceVolume,
		&m.DumpsVolume, &m.ExternalURL, &m.PostgresDSN, &m.HubURL)
	return m, err
}

// FindAll returns all machines.
func (r Machine) FindAll(ctx context.Context) ([]app.Machine, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+machineColumns+` FROM "machines" ORDER BY "name"`)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{Path: "postgres.Machine.FindAll.Query"})
	}
	defer rows.Close()
	res := make([]app.Machine, 0, 4)
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, errors.WrapContext(err, errors.Context{Path: "postgres.Machine.FindAll.Scan"})
		}
		res = append(res, m)
	}
	return res, nil
}

// FindByID returns the one machine with the specific ID.
func (r Machine) FindByID(ctx context.Context, id uint64) (app.Machine, error) {
	m, err := scanMachine(r.conn.QueryRow(ctx, `SELECT `+machineColumns+` FROM "machines" WHERE "id" = $1`, id))
	return m, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.Machine.FindByID.Scan",
		Params: errors.Params{"machine": id},
	})
}

// Add saves a new machine.
func (r Machine) Add(ctx context.Context, m app.Machine) (app.Machine, error) {
	q := `INSERT INTO "machines" ("name", "host", "port", "user", "ssh_key", "workspace", "source_volume",
		"dumps_volume", "external_url", "postgres_dsn", "hub_url")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING "id"`
	err := r.conn.QueryRow(ctx, q, m.Name, m.Host, m.Port, m.User, m.SSHKey, m.Workspace, m.SourceVolume,
		m.DumpsVolume, m.ExternalURL, m.PostgresDSN, m.HubURL).Scan(&m.ID)
	return m, errors.WrapContext(err, errors.Context{
		Path:   "postgres.Machine.Add.Scan",
		Params: errors.Params{"name": m.Name},
	})
}
