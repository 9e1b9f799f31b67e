package postgres

import (
	"context"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// NewBranch creates a new instance of the repository.
func NewBranch(conn *pgxpool.Pool) app.BranchRepo {
	return Branch{conn: conn}
}

// Branch implements a repository.
type Branch struct {
	conn *pgxpool.Pool
}

const branchColumns = `"id", "repository_id", "name", "state", "active", "latest_commit", "run_unittests",
	"run_robottests", "simulate_install", "simulate_dump", "test_try_count", "block_release", "block_updates_until",
	"last_access", "cycle_down_after", "registered", "containers", "size"`

func scanBranch(row pgx.Row) (app.Branch, error) {
	var b app.Branch
	err := row.Scan(&b.ID, &b.RepositoryID, &b.Name, &b.State, &b.Active, &b.LatestCommit, &b.RunUnittests,
		&b.RunRobottests, &b.SimulateInstall, &b.SimulateDump, &b.TestTryCount, &b.BlockRelease, &b.BlockUpdatesUntil,
		&b.LastAccess, &b.CycleDownAfter, &b.Registered, &b.Containers, &b.Size)
	return b, err
}

func (r Branch) query(ctx context.Context, path string, params errors.Params, q string, args ...interface{}) ([]app.Branch, error) {
	rows, err := r.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{Path: path + ".Query", Params: params})
	}
	defer rows.Close()
	res := make([]app.Branch, 0)
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, errors.WrapContext(err, errors.Context{Path: path + ".Scan", Params: params})
		}
		res = append(res, b)
	}
	return res, nil
}

// FindAll returns all branches.
func (r Branch) FindAll(ctx context.Context) ([]app.Branch, error) {
	return r.query(ctx, "postgres.Branch.FindAll", nil,
		`SELECT `+branchColumns+` FROM "branches" ORDER BY "repository_id", "name"`)
}

// FindByIDs returns all branches with the specific IDs.
func (r Branch) FindByIDs(ctx context.Context, ids []uint64) ([]app.Branch, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.query(ctx, "postgres.Branch.FindByIDs", errors.Params{"ids": ids},
		`SELECT `+branchColumns+` FROM "branches" WHERE "id" = ANY($1) ORDER BY "id"`, ids)
}

// FindByRepository returns all branches that belong to the specific repository.
func (r Branch) FindByRepository(ctx context.Context, repositoryID uint64) ([]app.Branch, error) {
	return r.query(ctx, "postgres.Branch.FindByRepository", errors.Params{"repository": repositoryID},
		`SELECT `+branchColumns+` FROM "branches" WHERE "repository_id" = $1 ORDER BY "name"`, repositoryID)
}

// FindByID returns the one branch with the specific ID.
func (r Branch) FindByID(ctx context.Context, id uint64) (app.Branch, error) {
	b, err := scanBranch(r.conn.QueryRow(ctx, `SELECT `+branchColumns+` FROM "branches" WHERE "id" = $1`, id))
	return b, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.Branch.FindByID.Scan",
		Params: errors.Params{"branch": id},
	})
}

// FindByName returns the branch of the repository by its name.
func (r Branch) FindByName(ctx context.Context, repositoryID uint64, name string) (app.Branch, error) {
	q := `SELECT ` + branchColumns + ` FROM "branches" WHERE "repository_id" = $1 AND "name" = $2`
	b, err := scanBranch(r.conn.QueryRow(ctx, q, repositoryID, name))
	return b, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.Branch.FindByName.Scan",
		Params: errors.Params{"repository": repositoryID, "name": name},
	})
}

// Add saves a new branch.
func (r Branch) Add(ctx context.Context, b app.Branch) (app.Branch, error) {
	q := `INSERT INTO "branches" ("repository_id", "name", "state", "active", "latest_commit", "run_unittests",
		"run_robottests", "simulate_install", "simulate_dump", "test_try_count", "block_release", "block_updates_until",
		"last_access", "cycle_down_after", "registered", "containers", "size")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, COALESCE($15, NOW()), $16, $17)
		RETURNING "id", "registered"`
	var registered interface{}
	if !b.Registered.IsZero() {
		registered = b.Registered
	}
	err := r.conn.QueryRow(ctx, q, b.RepositoryID, b.Name, b.State, b.Active, b.LatestCommit, b.RunUnittests,
		b.RunRobottests, b.SimulateInstall, b.SimulateDump, b.TestTryCount, b.BlockRelease, b.BlockUpdatesUntil,
		b.LastAccess, b.CycleDownAfter, registered, b.Containers, b.Size).Scan(&b.ID, &b.Registered)
	if pgCode(err) == uniqueViolation {
		return b, errors.WrapContext(errtype.BadInput("branch %q already exists", b.Name), errors.Context{Path: "postgres.Branch.Add.Scan"})
	}
	return b, errors.WrapContext(err, errors.Context{
		Path:   "postgres.Branch.Add.Scan",
		Params: errors.Params{"repository": b.RepositoryID, "name": b.Name},
	})
}

// Update modifies a specific branch.
func (r Branch) Update(ctx context.Context, b app.Branch) (app.Branch, error) {
	q := `UPDATE "branches" SET "state" = $2, "active" = $3, "latest_commit" = $4, "run_unittests" = $5,
		"run_robottests" = $6, "simulate_install" = $7, "simulate_dump" = $8, "test_try_count" = $9,
		"block_release" = $10, "block_updates_until" = $11, "last_access" = $12, "cycle_down_after" = $13,
		"registered" = $14, "containers" = $15, "size" = $16 WHERE "id" = $1`
	tag, err := r.conn.Exec(ctx, q, b.ID, b.State, b.Active, b.LatestCommit, b.RunUnittests, b.RunRobottests,
		b.SimulateInstall, b.SimulateDump, b.TestTryCount, b.BlockRelease, b.BlockUpdatesUntil, b.LastAccess,
		b.CycleDownAfter, b.Registered, b.Containers, b.Size)
	if err == nil && tag.RowsAffected() == 0 {
		err = errtype.ErrNotFound
	}
	return b, errors.WrapContext(err, errors.Context{
		Path:   "postgres.Branch.Update.Exec",
		Params: errors.Params{"branch": b.ID, "state": b.State},
	})
}

// UpdateState modifies the branch state only.
func (r Branch) UpdateState(ctx context.Context, id uint64, state string) error {
	tag, err := r.conn.Exec(ctx, `UPDATE "branches" SET "state" = $2 WHERE "id" = $1`, id, state)
	if err == nil && tag.RowsAffected() == 0 {
		err = errtype.ErrNotFound
	}
	return errors.WrapContext(err, errors.Context{
		Path:   "postgres.Branch.UpdateState.Exec",
		Params: errors.Params{"branch": id, "state": state},
	})
}

// UpdateSizes stores the database sizes of the branches in one batch.
func (r Branch) UpdateSizes(ctx context.Context, sizes map[uint64]int64) error {
	if len(sizes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, size := range sizes {
		batch.Queue(`UPDATE "branches" SET "size" = $2 WHERE "id" = $1`, id, size)
	}
	br := r.conn.SendBatch(ctx, batch)
	defer br.Close()
	for range sizes {
		if _, err := br.Exec(); err != nil {
			return errors.WrapContext(err, errors.Context{Path: "postgres.Branch.UpdateSizes.Exec"})
		}
	}
	return nil
}

// NewCommit creates a new instance of the repository.
func NewCommit(conn *pgxpool.Pool) app.CommitRepo {
	return Commit{conn: conn}
}

// Commit implements a repository.
type Commit struct {
	conn *pgxpool.Pool
}

const commitColumns = `"c"."sha", "c"."repository_id", "c"."author", "c"."date", "c"."message", "c"."approval_state",
	"c"."force_approved", "c"."test_state",
	ARRAY(SELECT "cb"."branch_id" FROM "commit_branches" "cb" WHERE "cb"."sha" = "c"."sha" ORDER BY "cb"."branch_id")`

func scanCommit(row pgx.Row) (app.Commit, error) {
	var c app.Commit
	err := row.Scan(&c.SHA, &c.RepositoryID, &c.Author, &c.Date, &c.Message, &c.ApprovalState, &c.ForceApproved,
		&c.TestState, &c.BranchIDs)
	return c, err
}

func (r Commit) query(ctx context.Context, path string, params errors.Params, q string, args ...interface{}) ([]app.Commit, error) {
	rows, err := r.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{Path: path + ".Query", Params: params})
	}
	defer rows.Close()
	res := make([]app.Commit, 0)
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, errors.WrapContext(err, errors.Context{Path: path + ".Scan", Params: params})
		}
		res = append(res, c)
	}
	return res, nil
}

// FindBySHA returns the commit.
func (r Commit) FindBySHA(ctx context.Context, sha string) (app.Commit, error) {
	c, err := scanCommit(r.conn.QueryRow(ctx, `SELECT `+commitColumns+` FROM "commits" "c" WHERE "c"."sha" = $1`, sha))
	return c, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.Commit.FindBySHA.Scan",
		Params: errors.Params{"sha": sha},
	})
}

// FindBySHAs returns the known commits among the given ones.
func (r Commit) FindBySHAs(ctx context.Context, shas []string) ([]app.Commit, error) {
	if len(shas) == 0 {
		return nil, nil
	}
	return r.query(ctx, "postgres.Commit.FindBySHAs", errors.Params{"shas": len(shas)},
		`SELECT `+commitColumns+` FROM "commits" "c" WHERE "c"."sha" = ANY($1)`, shas)
}

// FindByBranch returns the commits of the branch from the newest.
func (r Commit) FindByBranch(ctx context.Context, branchID uint64) ([]app.Commit, error) {
	q := `SELECT ` + commitColumns + ` FROM "commits" "c"
		JOIN "commit_branches" "l" ON "l"."sha" = "c"."sha"
		WHERE "l"."branch_id" = $1 ORDER BY "c"."date" DESC, "c"."sha"`
	return r.query(ctx, "postgres.Commit.FindByBranch", errors.Params{"branch": branchID}, q, branchID)
}

// Upsert saves the commit, keeping the review and test states of a known one.
func (r Commit) Upsert(ctx context.Context, c app.Commit) (app.Commit, error) {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return c, errors.WrapContext(err, errors.Context{Path: "postgres.Commit.Upsert.Begin"})
	}
	defer func() { _ = tx.Rollback(ctx) }()
	q := `INSERT INTO "commits" ("sha", "repository_id", "author", "date", "message", "approval_state",
		"force_approved", "test_state") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ("sha") DO UPDATE SET "author" = EXCLUDED."author", "date" = EXCLUDED."date",
		"message" = EXCLUDED."message"`
	_, err = tx.Exec(ctx, q, c.SHA, c.RepositoryID, c.Author, c.Date, c.Message, c.ApprovalState, c.ForceApproved,
		c.TestState)
	if err != nil {
		return c, errors.WrapContext(err, errors.Context{
			Path:   "postgres.Commit.Upsert.Insert",
			Params: errors.Params{"sha": c.SHA},
		})
	}
	for _, id := range c.BranchIDs {
		_, err = tx.Exec(ctx, `INSERT INTO "commit_branches" ("sha", "branch_id") VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			c.SHA, id)
		if err != nil {
			return c, errors.WrapContext(err, errors.Context{
				Path:   "postgres.Commit.Upsert.Link",
				Params: errors.Params{"sha": c.SHA, "branch": id},
			})
		}
	}
	stored, err := scanCommit(tx.QueryRow(ctx, `SELECT `+commitColumns+` FROM "commits" "c" WHERE "c"."sha" = $1`, c.SHA))
	if err != nil {
		return c, errors.WrapContext(err, errors.Context{
			Path:   "postgres.Commit.Upsert.Scan",
			Params: errors.Params{"sha": c.SHA},
		})
	}
	return stored, errors.WrapContext(tx.Commit(ctx), errors.Context{Path: "postgres.Commit.Upsert.Commit"})
}

// LinkBranch marks the commit as reachable from the branch.
func (r Commit) LinkBranch(ctx context.Context, sha string, branchID uint64) error {
	q := `INSERT INTO "commit_branches" ("sha", "branch_id")
		SELECT "sha", $2 FROM "commits" WHERE "sha" = $1 ON CONFLICT DO NOTHING`
	tag, err := r.conn.Exec(ctx, q, sha, branchID)
	if err == nil && tag.RowsAffected() == 0 {
		if _, err = r.FindBySHA(ctx, sha); err != nil {
			return err
		}
	}
	return errors.WrapContext(err, errors.Context{
		Path:   "postgres.Commit.LinkBranch.Exec",
		Params: errors.Params{"sha": sha, "branch": branchID},
	})
}

// UpdateApproval modifies the review state.
func (r Commit) UpdateApproval(ctx context.Context, c app.Commit) error {
	tag, err := r.conn.Exec(ctx, `UPDATE "commits" SET "approval_state" = $2, "force_approved" = $3 WHERE "sha" = $1`,
		c.SHA, c.ApprovalState, c.ForceApproved)
	if err == nil && tag.RowsAffected() == 0 {
		err = errtype.ErrNotFound
	}
	return errors.WrapContext(err, errors.Context{
		Path:   "postgres.Commit.UpdateApproval.Exec",
		Params: errors.Params{"sha": c.SHA},
	})
}

// UpdateTestState modifies the test state.
func (r Commit) UpdateTestState(ctx context.Context, sha string, state string) error {
	tag, err := r.conn.Exec(ctx, `UPDATE "commits" SET "test_state" = $2 WHERE "sha" = $1`, sha, state)
	if err == nil && tag.RowsAffected() == 0 {
		err = errtype.ErrNotFound
	}
	return errors.WrapContext(err, errors.Context{
		Path:   "postgres.Commit.UpdateTestState.Exec",
		Params: errors.Params{"sha": sha, "state": state},
	})
}
