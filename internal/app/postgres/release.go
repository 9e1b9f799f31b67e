package postgres

import (
	"context"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"time"
)

// NewRelease creates a new instance of the repository.
func NewRelease(conn *pgxpool.Pool) app.ReleaseRepo {
	return Release{conn: conn}
}

// Release implements a repository.
type Release struct {
	conn *pgxpool.Pool
}

const releaseColumns = `"id", "repository_id", "name", "branch_name", "project_name", "active", "auto_release",
	"countdown_minutes", "minutes_to_release", "hour", "minute", "version", "ignored_branches", "actions"`

func scanRelease(row pgx.Row) (app.Release, error) {
	var rel app.Release
	err := row.Scan(&rel.ID, &rel.RepositoryID, &rel.Name, &rel.BranchName, &rel.ProjectName, &rel.Active,
		&rel.AutoRelease, &rel.CountdownMinutes, &rel.MinutesToRelease, &rel.Hour, &rel.Minute, &rel.Version,
		&rel.IgnoredBranches, &rel.Actions)
	return rel, err
}

func (r Release) query(ctx context.Context, path string, q string, args ...interface{}) ([]app.Release, error) {
	rows, err := r.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{Path: path + ".Query"})
	}
	defer rows.Close()
	res := make([]app.Release, 0)
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, errors.WrapContext(err, errors.Context{Path: path + ".Scan"})
		}
		res = append(res, rel)
	}
	return res, nil
}

// FindAll returns all releases ordered by the name.
func (r Release) FindAll(ctx context.Context) ([]app.Release, error) {
	return r.query(ctx, "postgres.Release.FindAll", `SELECT `+releaseColumns+` FROM "releases" ORDER BY "name"`)
}

// FindByRepository returns the releases of the repository.
func (r Release) FindByRepository(ctx context.Context, repositoryID uint64) ([]app.Release, error) {
	return r.query(ctx, "postgres.Release.FindByRepository",
		`SELECT `+releaseColumns+` FROM "releases" WHERE "repository_id" = $1 ORDER BY "name"`, repositoryID)
}

// FindByID returns the release.
func (r Release) FindByID(ctx context.Context, id uint64) (app.Release, error) {
	rel, err := scanRelease(r.conn.QueryRow(ctx, `SELECT `+releaseColumns+` FROM "releases" WHERE "id" = $1`, id))
	return rel, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.Release.FindByID.Scan",
		Params: errors.Params{"release": id},
	})
}

// Add saves a new release.
func (r Release) Add(ctx context.Context, rel app.Release) (app.Release, error) {
	q := `INSERT INTO "releases" ("repository_id", "name", "branch_name", "project_name", "active", "auto_release",
		"countdown_minutes", "minutes_to_release", "hour", "minute", "version", "ignored_branches", "actions")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING "id"`
	err := r.conn.QueryRow(ctx, q, rel.RepositoryID, rel.Name, rel.BranchName, rel.ProjectName, rel.Active,
		rel.AutoRelease, rel.CountdownMinutes, rel.MinutesToRelease, rel.Hour, rel.Minute, rel.Version,
		texts(rel.IgnoredBranches), rel.Actions).Scan(&rel.ID)
	if pgCode(err) == uniqueViolation {
		err = errtype.BadInput("release %q already exists", rel.Name)
	}
	return rel, errors.WrapContext(err, errors.Context{
		Path:   "postgres.Release.Add.Scan",
		Params: errors.Params{"name": rel.Name},
	})
}

// Update modifies the release.
func (r Release) Update(ctx context.Context, rel app.Release) (app.Release, error) {
	q := `UPDATE "releases" SET "name" = $2, "branch_name" = $3, "project_name" = $4, "active" = $5,
		"auto_release" = $6, "countdown_minutes" = $7, "minutes_to_release" = $8, "hour" = $9, "minute" = $10,
		"version" = $11, "ignored_branches" = $12, "actions" = $13 WHERE "id" = $1`
	tag, err := r.conn.Exec(ctx, q, rel.ID, rel.Name, rel.BranchName, rel.ProjectName, rel.Active, rel.AutoRelease,
		rel.CountdownMinutes, rel.MinutesToRelease, rel.Hour, rel.Minute, rel.Version, texts(rel.IgnoredBranches),
		rel.Actions)
	if err == nil && tag.RowsAffected() == 0 {
		err = errtype.ErrNotFound
	}
	return rel, errors.WrapContext(err, errors.Context{
		Path:   "postgres.Release.Update.Exec",
		Params: errors.Params{"release": rel.ID},
	})
}

// Lock runs fn while holding the advisory lock of the release, or fails at once when another session does.
func (r Release) Lock(ctx context.Context, id uint64, fn func(ctx context.Context) error) error {
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	unlock, err := tryAdvisory(ctx, r.conn, `SELECT pg_try_advisory_lock($1, $2)`, `SELECT pg_advisory_unlock($1, $2)`,
		releaseLockClass, int32(id))
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "postgres.Release.Lock",
			Params: errors.Params{"release": id},
		})
	}
	defer unlock()
	return fn(ctx)
}

// NewReleaseItem creates a new instance of the repository.
func NewReleaseItem(conn *pgxpool.Pool) app.ReleaseItemRepo {
	return ReleaseItem{conn: conn}
}

// ReleaseItem implements a repository, the pinned branches are kept in a jsonb column.
type ReleaseItem struct {
	conn *pgxpool.Pool
}

const itemColumns = `"id", "release_id", "state", "type", "version", "planned_date", "stop_collecting_at",
	"done_date", "item_branch", "commit_sha", "commit_ids", "needs_merge", "integration_attempts", "do_abort", "log",
	"branches", "created_at"`

func scanItem(row pgx.Row) (app.ReleaseItem, error) {
	var i app.ReleaseItem
	err := row.Scan(&i.ID, &i.ReleaseID, &i.State, &i.Type, &i.Version, &i.PlannedDate, &i.StopCollectingAt,
		&i.DoneDate, &i.ItemBranch, &i.CommitSHA, &i.CommitIDs, &i.NeedsMerge, &i.IntegrationAttempts, &i.DoAbort,
		&i.Log, &i.Branches, &i.CreatedAt)
	return i, err
}

func itemBranches(b []app.ReleaseItemBranch) []app.ReleaseItemBranch {
	if b == nil {
		return []app.ReleaseItemBranch{}
	}
	return b
}

// Add saves a new item.
func (r ReleaseItem) Add(ctx context.Context, i app.ReleaseItem) (app.ReleaseItem, error) {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	q := `INSERT INTO "release_items" ("release_id", "state", "type", "version", "planned_date", "stop_collecting_at",
		"done_date", "item_branch", "commit_sha", "commit_ids", "needs_merge", "integration_attempts", "do_abort",
		"log", "branches", "created_at")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) RETURNING "id"`
	err := r.conn.QueryRow(ctx, q, i.ReleaseID, i.State, i.Type, i.Version, i.PlannedDate, i.StopCollectingAt,
		i.DoneDate, i.ItemBranch, i.CommitSHA, texts(i.CommitIDs), i.NeedsMerge, i.IntegrationAttempts, i.DoAbort,
		i.Log, itemBranches(i.Branches), i.CreatedAt).Scan(&i.ID)
	return i, errors.WrapContext(err, errors.Context{
		Path:   "postgres.ReleaseItem.Add.Scan",
		Params: errors.Params{"release": i.ReleaseID},
	})
}

// FindByID returns the item.
func (r ReleaseItem) FindByID(ctx context.Context, id uint64) (app.ReleaseItem, error) {
	i, err := scanItem(r.conn.QueryRow(ctx, `SELECT `+itemColumns+` FROM "release_items" WHERE "id" = $1`, id))
	return i, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.ReleaseItem.FindByID.Scan",
		Params: errors.Params{"item": id},
	})
}

// FindByRelease returns the items of the release from the newest.
func (r ReleaseItem) FindByRelease(ctx context.Context, releaseID uint64) ([]app.ReleaseItem, error) {
	q := `SELECT ` + itemColumns + ` FROM "release_items" WHERE "release_id" = $1 ORDER BY "id" DESC`
	rows, err := r.conn.Query(ctx, q, releaseID)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{
			Path:   "postgres.ReleaseItem.FindByRelease.Query",
			Params: errors.Params{"release": releaseID},
		})
	}
	defer rows.Close()
	res := make([]app.ReleaseItem, 0)
	for rows.Next() {
		i, err := scanItem(rows)
		if err != nil {
			return nil, errors.WrapContext(err, errors.Context{
				Path:   "postgres.ReleaseItem.FindByRelease.Scan",
				Params: errors.Params{"release": releaseID},
			})
		}
		res = append(res, i)
	}
	return res, nil
}

// FindMemberships returns the items the branch is pinned in.
func (r ReleaseItem) FindMemberships(ctx context.Context, branchID uint64) ([]app.Membership, error) {
	q := `SELECT "i"."release_id", "i"."id", "i"."state" FROM "release_items" "i"
		WHERE EXISTS (
			SELECT 1 FROM JSONB_ARRAY_ELEMENTS("i"."branches") AS "b" WHERE ("b"->>'branchId')::bigint = $1
		) ORDER BY "i"."id"`
	rows, err := r.conn.Query(ctx, q, branchID)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{
			Path:   "postgres.ReleaseItem.FindMemberships.Query",
			Params: errors.Params{"branch": branchID},
		})
	}
	defer rows.Close()
	res := make([]app.Membership, 0)
	var m app.Membership
	for rows.Next() {
		if err = rows.Scan(&m.ReleaseID, &m.ItemID, &m.ItemState); err != nil {
			return nil, errors.WrapContext(err, errors.Context{
				Path:   "postgres.ReleaseItem.FindMemberships.Scan",
				Params: errors.Params{"branch": branchID},
			})
		}
		res = append(res, m)
	}
	return res, nil
}

// Update modifies the item.
func (r ReleaseItem) Update(ctx context.Context, i app.ReleaseItem) (app.ReleaseItem, error) {
	q := `UPDATE "release_items" SET "state" = $2, "type" = $3, "version" = $4, "planned_date" = $5,
		"stop_collecting_at" = $6, "done_date" = $7, "item_branch" = $8, "commit_sha" = $9, "commit_ids" = $10,
		"needs_merge" = $11, "integration_attempts" = $12, "do_abort" = $13, "log" = $14, "branches" = $15
		WHERE "id" = $1`
	tag, err := r.conn.Exec(ctx, q, i.ID, i.State, i.Type, i.Version, i.PlannedDate, i.StopCollectingAt, i.DoneDate,
		i.ItemBranch, i.CommitSHA, texts(i.CommitIDs), i.NeedsMerge, i.IntegrationAttempts, i.DoAbort, i.Log,
		itemBranches(i.Branches))
	if err == nil && tag.RowsAffected() == 0 {
		err = errtype.ErrNotFound
	}
	return i, errors.WrapContext(err, errors.Context{
		Path:   "postgres.ReleaseItem.Update.Exec",
		Params: errors.Params{"item": i.ID, "state": i.State},
	})
}

// UpdateUnlessAborted modifies the item only while its "do_abort" flag is clear.
func (r ReleaseItem) UpdateUnlessAborted(ctx context.Context, i app.ReleaseItem) (app.ReleaseItem, error) {
	q := `UPDATE "release_items" SET "state" = $2, "type" = $3, "version" = $4, "planned_date" = $5,
		"stop_collecting_at" = $6, "done_date" = $7, "item_branch" = $8, "commit_sha" = $9, "commit_ids" = $10,
		"needs_merge" = $11, "integration_attempts" = $12, "do_abort" = $13, "log" = $14, "branches" = $15
		WHERE "id" = $1 AND NOT "do_abort"`
	tag, err := r.conn.Exec(ctx, q, i.ID, i.State, i.Type, i.Version, i.PlannedDate, i.StopCollectingAt, i.DoneDate,
		i.ItemBranch, i.CommitSHA, texts(i.CommitIDs), i.NeedsMerge, i.IntegrationAttempts, i.DoAbort, i.Log,
		itemBranches(i.Branches))
	if err == nil && tag.RowsAffected() == 0 {
		var stored app.ReleaseItem
		if stored, err = r.FindByID(ctx, i.ID); err == nil {
			i, err = stored, errtype.ErrAborted
		}
	}
	return i, errors.WrapContext(err, errors.Context{
		Path:   "postgres.ReleaseItem.UpdateUnlessAborted.Exec",
		Params: errors.Params{"item": i.ID, "state": i.State},
	})
}
