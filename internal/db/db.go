package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Options tune Connect
type Options struct {
	MaxConns    int32
	MaxTries    uint          // connection attempts before giving up; 0 means 1
	MaxElapsed  time.Duration // overall retry budget; 0 means unbounded (ctx still applies)
	PingTimeout time.Duration
	OnRetry     func(err error, next time.Duration)
}

// Connect establishes a connection pool to the database and returns the pool.
// The database may still be starting alongside the bot, so connection and
// ping failures are retried with exponential backoff. A DSN that does not
// parse fails immediately.
func Connect(ctx context.Context, dsn string, opts Options) (*pgxpool.Pool, error) {
	// Parse config from DSN
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	tries := opts.MaxTries
	if tries == 0 {
		tries = 1
	}

	connect := func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		// Ping the database to verify connection
		ctxPing, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := pool.Ping(ctxPing); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(opts.MaxElapsed),
	}
	if opts.OnRetry != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(opts.OnRetry))
	}
	return backoff.Retry(ctx, connect, retryOpts...)
}

// Executor is the subset of a pool Migrate needs
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent, so Migrate runs on each worker start.
func Migrate(ctx context.Context, db Executor) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}
