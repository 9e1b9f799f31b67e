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

// NewTestRun creates a new instance of the repository.
func NewTestRun(conn *pgxpool.Pool) app.TestRunRepo {
	return TestRun{conn: conn}
}

// TestRun implements a repository of the runs and their lines.
type TestRun struct {
	conn *pgxpool.Pool
}

const (
	runColumns  = `"id", "branch_id", "commit_sha", "state", "success_rate", "duration", "do_abort", "log", "created_at"`
	lineColumns = `"id", "run_id", "type", "name", "state", "force_success", "try", "duration", "log", "created_at"`
)

func scanRun(row pgx.Row) (app.TestRun, error) {
	var run app.TestRun
	err := row.Scan(&run.ID, &run.BranchID, &run.CommitSHA, &run.State, &run.SuccessRate, &run.Duration,
		&run.DoAbort, &run.Log, &run.CreatedAt)
	return run, err
}

func scanLine(row pgx.Row) (app.TestRunLine, error) {
	var l app.TestRunLine
	err := row.Scan(&l.ID, &l.RunID, &l.Type, &l.Name, &l.State, &l.ForceSuccess, &l.Try, &l.Duration, &l.Log,
		&l.CreatedAt)
	return l, err
}

// Add saves a new run unless the commit already has an active one.
func (r TestRun) Add(ctx context.Context, run app.TestRun) (app.TestRun, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	q := `INSERT INTO "test_runs" ("branch_id", "commit_sha", "state", "success_rate", "duration", "do_abort", "log",
		"created_at") VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING "id"`
	err := r.conn.QueryRow(ctx, q, run.BranchID, run.CommitSHA, run.State, run.SuccessRate, run.Duration,
		run.DoAbort, run.Log, run.CreatedAt).Scan(&run.ID)
	if pgCode(err) == uniqueViolation {
		err = errtype.ErrRunAlreadyActive
	}
	return run, errors.WrapContext(err, errors.Context{
		Path:   "postgres.TestRun.Add.Scan",
		Params: errors.Params{"commit": run.CommitSHA},
	})
}

// FindByID returns the run.
func (r TestRun) FindByID(ctx context.Context, id uint64) (app.TestRun, error) {
	run, err := scanRun(r.conn.QueryRow(ctx, `SELECT `+runColumns+` FROM "test_runs" WHERE "id" = $1`, id))
	return run, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.TestRun.FindByID.Scan",
		Params: errors.Params{"run": id},
	})
}

// FindByCommit returns the runs of the commit from the newest.
func (r TestRun) FindByCommit(ctx context.Context, sha string) ([]app.TestRun, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+runColumns+` FROM "test_runs" WHERE "commit_sha" = $1 ORDER BY "id" DESC`, sha)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{
			Path:   "postgres.TestRun.FindByCommit.Query",
			Params: errors.Params{"commit": sha},
		})
	}
	defer rows.Close()
	res := make([]app.TestRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.WrapContext(err, errors.Context{
				Path:   "postgres.TestRun.FindByCommit.Scan",
				Params: errors.Params{"commit": sha},
			})
		}
		res = append(res, run)
	}
	return res, nil
}

// Update modifies the run.
func (r TestRun) Update(ctx context.Context, run app.TestRun) error {
	q := `UPDATE "test_runs" SET "state" = $2, "success_rate" = $3, "duration" = $4, "do_abort" = $5, "log" = $6
		WHERE "id" = $1`
	tag, err := r.conn.Exec(ctx, q, run.ID, run.State, run.SuccessRate, run.Duration, run.DoAbort, run.Log)
	switch {
	case pgCode(err) == uniqueViolation:
		err = errtype.ErrRunAlreadyActive
	case err == nil && tag.RowsAffected() == 0:
		err = errtype.ErrNotFound
	}
	return errors.WrapContext(err, errors.Context{
		Path:   "postgres.TestRun.Update.Exec",
		Params: errors.Params{"run": run.ID, "state": run.State},
	})
}

// RequestAbort raises the abort flag of the run.
func (r TestRun) RequestAbort(ctx context.Context, id uint64) error {
	tag, err := r.conn.Exec(ctx, `UPDATE "test_runs" SET "do_abort" = TRUE WHERE "id" = $1`, id)
	if err == nil && tag.RowsAffected() == 0 {
		err = errtype.ErrNotFound
	}
	return errors.WrapContext(err, errors.Context{
		Path:   "postgres.TestRun.RequestAbort.Exec",
		Params: errors.Params{"run": id},
	})
}

// AddLine appends a line to the run log.
func (r TestRun) AddLine(ctx context.Context, l app.TestRunLine) (app.TestRunLine, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	q := `INSERT INTO "test_run_lines" ("run_id", "type", "name", "state", "force_success", "try", "duration", "log",
		"created_at") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING "id"`
	err := r.conn.QueryRow(ctx, q, l.RunID, l.Type, l.Name, l.State, l.ForceSuccess, l.Try, l.Duration, l.Log,
		l.CreatedAt).Scan(&l.ID)
	return l, errors.WrapContext(err, errors.Context{
		Path:   "postgres.TestRun.AddLine.Scan",
		Params: errors.Params{"run": l.RunID},
	})
}

// FindLineByID returns the line.
func (r TestRun) FindLineByID(ctx context.Context, id uint64) (app.TestRunLine, error) {
	l, err := scanLine(r.conn.QueryRow(ctx, `SELECT `+lineColumns+` FROM "test_run_lines" WHERE "id" = $1`, id))
	return l, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.TestRun.FindLineByID.Scan",
		Params: errors.Params{"line": id},
	})
}

// UpdateLine modifies the line.
func (r TestRun) UpdateLine(ctx context.Context, l app.TestRunLine) error {
	q := `UPDATE "test_run_lines" SET "state" = $2, "force_success" = $3, "try" = $4, "duration" = $5, "log" = $6
		WHERE "id" = $1`
	tag, err := r.conn.Exec(ctx, q, l.ID, l.State, l.ForceSuccess, l.Try, l.Duration, l.Log)
	if err == nil && tag.RowsAffected() == 0 {
		err = errtype.ErrNotFound
	}
	return errors.WrapContext(err, errors.Context{
		Path:   "postgres.TestRun.UpdateLine.Exec",
		Params: errors.Params{"line": l.ID},
	})
}

// Lines returns the log of the run in order.
func (r TestRun) Lines(ctx context.Context, runID uint64) ([]app.TestRunLine, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+lineColumns+` FROM "test_run_lines" WHERE "run_id" = $1 ORDER BY "id"`, runID)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{
			Path:   "postgres.TestRun.Lines.Query",
			Params: errors.Params{"run": runID},
		})
	}
	defer rows.Close()
	res := make([]app.TestRunLine, 0)
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, errors.WrapContext(err, errors.Context{
				Path:   "postgres.TestRun.Lines.Scan",
				Params: errors.Params{"run": runID},
			})
		}
		res = append(res, l)
	}
	return res, nil
}

// NewActivity creates a new instance of the repository.
func NewActivity(conn *pgxpool.Pool) app.ActivityRepo {
	return Activity{conn: conn}
}

// Activity implements a repository of the branch messages.
type Activity struct {
	conn *pgxpool.Pool
}

// Add saves a new message.
func (r Activity) Add(ctx context.Context, a app.Activity) (app.Activity, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	q := `INSERT INTO "activities" ("branch_id", "level", "body", "created_at") VALUES ($1, $2, $3, $4) RETURNING "id"`
	err := r.conn.QueryRow(ctx, q, a.BranchID, a.Level, a.Body, a.CreatedAt).Scan(&a.ID)
	return a, errors.WrapContext(err, errors.Context{
		Path:   "postgres.Activity.Add.Scan",
		Params: errors.Params{"branch": a.BranchID},
	})
}

// FindByBranch returns the messages of the branch from the oldest.
func (r Activity) FindByBranch(ctx context.Context, branchID uint64) ([]app.Activity, error) {
	q := `SELECT "id", "branch_id", "level", "body", "created_at" FROM "activities" WHERE "branch_id" = $1 ORDER BY "id"`
	rows, err := r.conn.Query(ctx, q, branchID)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{
			Path:   "postgres.Activity.FindByBranch.Query",
			Params: errors.Params{"branch": branchID},
		})
	}
	defer rows.Close()
	res := make([]app.Activity, 0)
	var a app.Activity
	for rows.Next() {
		if err = rows.Scan(&a.ID, &a.BranchID, &a.Level, &a.Body, &a.CreatedAt); err != nil {
			return nil, errors.WrapContext(err, errors.Context{
				Path:   "postgres.Activity.FindByBranch.Scan",
				Params: errors.Params{"branch": branchID},
			})
		}
		res = append(res, a)
	}
	return res, nil
}
