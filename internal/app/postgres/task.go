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

// NewTask creates a new instance of the repository.
func NewTask(conn *pgxpool.Pool) app.TaskRepo {
	return Task{conn: conn}
}

// Task implements a repository of the queued operations.
type Task struct {
	conn *pgxpool.Pool
}

const taskColumns = `"id", "branch_id", "operation", "identity_key", "state", "kwargs", "log", "error", "commit_sha",
	"duration", "eta", "retry_count", "timeout_retries", "created_at", "started_at", "heartbeat_at", "finished_at"`

func scanTask(row pgx.Row) (app.Task, error) {
	var t app.Task
	err := row.Scan(&t.ID, &t.BranchID, &t.Operation, &t.IdentityKey, &t.State, &t.Kwargs, &t.Log, &t.Error,
		&t.CommitSHA, &t.Duration, &t.ETA, &t.RetryCount, &t.TimeoutRetries, &t.CreatedAt, &t.StartedAt,
		&t.HeartbeatAt, &t.FinishedAt)
	return t, err
}

func kwargs(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (r Task) query(ctx context.Context, path string, params errors.Params, q string, args ...interface{}) ([]app.Task, error) {
	rows, err := r.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{Path: path + ".Query", Params: params})
	}
	defer rows.Close()
	res := make([]app.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.WrapContext(err, errors.Context{Path: path + ".Scan", Params: params})
		}
		res = append(res, t)
	}
	return res, nil
}

// unfinished returns the pending or started task holding the identity.
func (r Task) unfinished(ctx context.Context, key string) (app.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM "tasks" WHERE "identity_key" = $1 AND "state" IN ($2, $3)`
	t, err := scanTask(r.conn.QueryRow(ctx, q, key, app.TaskStatePending, app.TaskStateStarted))
	return t, notFound(err)
}

// Add stores the task unless an unfinished one has the same identity.
func (r Task) Add(ctx context.Context, t app.Task) (app.Task, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	q := `INSERT INTO "tasks" ("branch_id", "operation", "identity_key", "state", "kwargs", "log", "error",
		"commit_sha", "duration", "eta", "retry_count", "timeout_retries", "created_at", "started_at",
		"heartbeat_at", "finished_at")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) RETURNING "id"`
	err := r.conn.QueryRow(ctx, q, t.BranchID, t.Operation, t.IdentityKey, t.State, kwargs(t.Kwargs), t.Log, t.Error,
		t.CommitSHA, t.Duration, t.ETA, t.RetryCount, t.TimeoutRetries, t.CreatedAt, t.StartedAt, t.HeartbeatAt,
		t.FinishedAt).Scan(&t.ID)
	if pgCode(err) == uniqueViolation {
		old, findErr := r.unfinished(ctx, t.IdentityKey)
		if findErr == nil {
			t = old
		}
		return t, errors.WrapContext(errtype.ErrTaskAlreadyQueued, errors.Context{
			Path:   "postgres.Task.Add.Scan",
			Params: errors.Params{"identity": t.IdentityKey, "task": old.ID},
		})
	}
	return t, errors.WrapContext(err, errors.Context{
		Path:   "postgres.Task.Add.Scan",
		Params: errors.Params{"branch": t.BranchID, "operation": t.Operation},
	})
}

// FindByID returns the task.
func (r Task) FindByID(ctx context.Context, id uint64) (app.Task, error) {
	t, err := scanTask(r.conn.QueryRow(ctx, `SELECT `+taskColumns+` FROM "tasks" WHERE "id" = $1`, id))
	return t, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.Task.FindByID.Scan",
		Params: errors.Params{"task": id},
	})
}

// FindByBranch returns the tasks of the branch from the newest.
func (r Task) FindByBranch(ctx context.Context, branchID uint64) ([]app.Task, error) {
	return r.query(ctx, "postgres.Task.FindByBranch", errors.Params{"branch": branchID},
		`SELECT `+taskColumns+` FROM "tasks" WHERE "branch_id" = $1 ORDER BY "id" DESC`, branchID)
}

// FindUnfinishedByBranch returns the pending and started tasks of the branch.
func (r Task) FindUnfinishedByBranch(ctx context.Context, branchID uint64) ([]app.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM "tasks" WHERE "branch_id" = $1 AND "state" IN ($2, $3) ORDER BY "id" DESC`
	return r.query(ctx, "postgres.Task.FindUnfinishedByBranch", errors.Params{"branch": branchID}, q,
		branchID, app.TaskStatePending, app.TaskStateStarted)
}

// FindLatestByIdentity returns the newest task with the identity key.
func (r Task) FindLatestByIdentity(ctx context.Context, key string) (app.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM "tasks" WHERE "identity_key" = $1 ORDER BY "id" DESC LIMIT 1`
	t, err := scanTask(r.conn.QueryRow(ctx, q, key))
	return t, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.Task.FindLatestByIdentity.Scan",
		Params: errors.Params{"identity": key},
	})
}

// FindLatestDone returns the newest successful task of the operation on the branch.
func (r Task) FindLatestDone(ctx context.Context, branchID uint64, operation string) (app.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM "tasks" WHERE "branch_id" = $1 AND "operation" = $2 AND "state" = $3
		ORDER BY "id" DESC LIMIT 1`
	t, err := scanTask(r.conn.QueryRow(ctx, q, branchID, operation, app.TaskStateDone))
	return t, errors.WrapContext(notFound(err), errors.Context{
		Path:   "postgres.Task.FindLatestDone.Scan",
		Params: errors.Params{"branch": branchID, "operation": operation},
	})
}

// Claim marks the pending task with the earliest due date as started, skipping the rows other workers hold.
func (r Task) Claim(ctx context.Context, now time.Time) (app.Task, error) {
	q := `UPDATE "tasks" SET "state" = $2, "started_at" = $1, "heartbeat_at" = $1
		WHERE "id" = (
			SELECT "id" FROM "tasks" WHERE "state" = $3 AND "eta" <= $1
			ORDER BY "eta", "id" LIMIT 1 FOR UPDATE SKIP LOCKED
		) RETURNING ` + taskColumns
	t, err := scanTask(r.conn.QueryRow(ctx, q, now, app.TaskStateStarted, app.TaskStatePending))
	if err == pgx.ErrNoRows {
		return t, errtype.ErrNotFound
	}
	return t, errors.WrapContext(err, errors.Context{Path: "postgres.Task.Claim.Scan"})
}

// Heartbeat refreshes the liveness of a started task.
func (r Task) Heartbeat(ctx context.Context, id uint64, now time.Time) error {
	tag, err := r.conn.Exec(ctx, `UPDATE "tasks" SET "heartbeat_at" = $2 WHERE "id" = $1`, id, now)
	if err == nil && tag.RowsAffected() == 0 {
		err = errtype.ErrNotFound
	}
	return errors.WrapContext(err, errors.Context{
		Path:   "postgres.Task.Heartbeat.Exec",
		Params: errors.Params{"task": id},
	})
}

// Update modifies the task.
func (r Task) Update(ctx context.Context, t app.Task) error {
	q := `UPDATE "tasks" SET "state" = $2, "kwargs" = $3, "log" = $4, "error" = $5, "commit_sha" = $6,
		"duration" = $7, "eta" = $8, "retry_count" = $9, "timeout_retries" = $10, "started_at" = $11,
		"heartbeat_at" = $12, "finished_at" = $13 WHERE "id" = $1`
	tag, err := r.conn.Exec(ctx, q, t.ID, t.State, kwargs(t.Kwargs), t.Log, t.Error, t.CommitSHA, t.Duration, t.ETA,
		t.RetryCount, t.TimeoutRetries, t.StartedAt, t.HeartbeatAt, t.FinishedAt)
	switch {
	case pgCode(err) == uniqueViolation:
		err = errtype.ErrTaskAlreadyQueued
	case err == nil && tag.RowsAffected() == 0:
		err = errtype.ErrNotFound
	}
	return errors.WrapContext(err, errors.Context{
		Path:   "postgres.Task.Update.Exec",
		Params: errors.Params{"task": t.ID, "state": t.State},
	})
}

// FailStale fails the started tasks whose worker stopped sending heartbeats.
func (r Task) FailStale(ctx context.Context, before time.Time) (int, error) {
	q := `UPDATE "tasks" SET "state" = $2, "error" = 'worker heartbeat lost', "finished_at" = NOW()
		WHERE "state" = $3 AND "heartbeat_at" < $1`
	tag, err := r.conn.Exec(ctx, q, before, app.TaskStateFailed, app.TaskStateStarted)
	if err != nil {
		return 0, errors.WrapContext(err, errors.Context{Path: "postgres.Task.FailStale.Exec"})
	}
	return int(tag.RowsAffected()), nil
}

// DeleteFinishedBefore removes the old finished tasks.
func (r Task) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	q := `DELETE FROM "tasks" WHERE "state" IN ($2, $3) AND "finished_at" < $1`
	tag, err := r.conn.Exec(ctx, q, before, app.TaskStateDone, app.TaskStateFailed)
	if err != nil {
		return 0, errors.WrapContext(err, errors.Context{Path: "postgres.Task.DeleteFinishedBefore.Exec"})
	}
	return int(tag.RowsAffected()), nil
}
