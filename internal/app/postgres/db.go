package postgres

import (
	"context"
	_ "embed"
	"errors"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"hash/fnv"
)

const (
	uniqueViolation = "23505"

	// releaseLockClass separates the release locks from the named ones in the advisory key space.
	releaseLockClass int32 = 7301
)

//go:embed schema.sql
var schema string

// Connect opens the connection pool, maxConns of zero keeps the pgxpool default.
// Every held advisory lock pins one connection, so the pool must outnumber the locks.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(dsn, maxConns)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, wrap(err, "postgres.Connect")
	}
	return pool, nil
}

func poolConfig(dsn string, maxConns int32) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, wrap(err, "postgres.poolConfig.ParseConfig")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	return cfg, nil
}

// Migrate creates the missing tables and indexes.
func Migrate(ctx context.Context, conn *pgxpool.Pool) error {
	_, err := conn.Exec(ctx, schema)
	return wrap(err, "postgres.Migrate.Exec")
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errtype.ErrNotFound
	}
	return err
}

// texts keeps the NOT NULL array columns valid for the nil slices.
func texts(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func lockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// NewLocker creates the advisory locks shared by all controller processes.
func NewLocker(conn *pgxpool.Pool) app.Locker {
	return Locker{conn: conn}
}

// Locker implements the named advisory locks with session level postgres locks.
type Locker struct {
	conn *pgxpool.Pool
}

// TryLock pins a pooled connection for as long as the lock is held.
func (l Locker) TryLock(ctx context.Context, key string) (func(), error) {
	return tryAdvisory(ctx, l.conn, `SELECT pg_try_advisory_lock($1)`, `SELECT pg_advisory_unlock($1)`, lockKey(key))
}

// Locked reports whether another session holds the lock.
func (l Locker) Locked(ctx context.Context, key string) (bool, error) {
	unlock, err := l.TryLock(ctx, key)
	if errors.Is(err, errtype.ErrLockBusy) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	unlock()
	return false, nil
}

func tryAdvisory(ctx context.Context, pool *pgxpool.Pool, lockQ, unlockQ string, args ...interface{}) (func(), error) {
	c, err := pool.Acquire(ctx)
	if err != nil {
		return nil, wrap(err, "postgres.tryAdvisory.Acquire")
	}
	var ok bool
	if err = c.QueryRow(ctx, lockQ, args...).Scan(&ok); err != nil {
		c.Release()
		return nil, wrap(err, "postgres.tryAdvisory.Scan")
	}
	if !ok {
		c.Release()
		return nil, errtype.ErrLockBusy
	}
	return func() {
		_, _ = c.Exec(context.Background(), unlockQ, args...)
		c.Release()
	}, nil
}

// DatabaseSizes lists the databases of the server behind the dsn with their sizes in bytes.
func DatabaseSizes(ctx context.Context, dsn string) (map[string]int64, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, wrap(err, "postgres.DatabaseSizes.Connect")
	}
	defer conn.Close(context.Background())
	rows, err := conn.Query(ctx, `SELECT "datname", pg_database_size("datname") FROM "pg_database" WHERE NOT "datistemplate"`)
	if err != nil {
		return nil, wrap(err, "postgres.DatabaseSizes.Query")
	}
	defer rows.Close()
	res := make(map[string]int64)
	var (
		name string
		size int64
	)
	for rows.Next() {
		if err = rows.Scan(&name, &size); err != nil {
			return nil, wrap(err, "postgres.DatabaseSizes.Scan")
		}
		res[name] = size
	}
	return res, wrap(rows.Err(), "postgres.DatabaseSizes.Rows")
}
