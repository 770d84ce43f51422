package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harborbot/internal/task"
)

// dbtx is the subset of pgxpool.Pool the ledger needs
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres stores records in harborbot.ledger. All time comparisons use the
// database clock so workers with skewed clocks agree on lease expiry.
type Postgres struct {
	db        dbtx
	retention time.Duration
}

// NewPostgres wraps a pool (or any pgx connection) as a ledger
func NewPostgres(db dbtx, retention time.Duration) *Postgres {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Postgres{db: db, retention: retention}
}

const claimSQL = `
	INSERT INTO harborbot.ledger AS l
		(delivery_id, task_type, status, owner, lease_until, claims, created_at, updated_at, expires_at)
	VALUES ($1, $2, 'pending', $3, now() + make_interval(secs => $4), 1, now(), now(), now() + make_interval(secs => $5))
	ON CONFLICT (delivery_id, task_type) DO UPDATE
	SET owner = EXCLUDED.owner,
		lease_until = EXCLUDED.lease_until,
		claims = l.claims + 1,
		updated_at = now()
	WHERE l.status = 'pending'
		AND (l.owner IS NULL OR l.owner = EXCLUDED.owner OR l.lease_until < now())
	RETURNING l.status`

func (p *Postgres) TryClaim(ctx context.Context, key Key, owner string, lease time.Duration) (Outcome, error) {
	var status string
	err := p.db.QueryRow(ctx, claimSQL,
		key.DeliveryID, string(key.TaskType), owner, lease.Seconds(), p.retention.Seconds(),
	).Scan(&status)
	if err == nil {
		return Claimed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("claim %s: %w", key, err)
	}

	// the conflict guard rejected the update; report why
	err = p.db.QueryRow(ctx,
		`SELECT status FROM harborbot.ledger WHERE delivery_id=$1 AND task_type=$2`,
		key.DeliveryID, string(key.TaskType),
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		// purged between the two statements; let the caller come back later
		return AlreadyPending, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read claim %s: %w", key, err)
	}
	return outcomeFor(Status(status)), nil
}

func (p *Postgres) ownerUpdate(ctx context.Context, op string, key Key, sql string, args ...any) error {
	tag, err := p.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

func (p *Postgres) Complete(ctx context.Context, key Key, owner string) error {
	return p.ownerUpdate(ctx, "complete", key, `
		UPDATE harborbot.ledger
		SET status='completed', completed_at=now(), lease_until=NULL, last_error=NULL, updated_at=now()
		WHERE delivery_id=$1 AND task_type=$2 AND status='pending' AND owner=$3`,
		key.DeliveryID, string(key.TaskType), owner)
}

func (p *Postgres) Fail(ctx context.Context, key Key, owner, reason string) error {
	return p.ownerUpdate(ctx, "fail", key, `
		UPDATE harborbot.ledger
		SET status='failed', lease_until=NULL, last_error=$4, updated_at=now()
		WHERE delivery_id=$1 AND task_type=$2 AND status='pending' AND owner=$3`,
		key.DeliveryID, string(key.TaskType), owner, reason)
}

func (p *Postgres) Release(ctx context.Context, key Key, owner string) error {
	return p.ownerUpdate(ctx, "release", key, `
		UPDATE harborbot.ledger
		SET owner=NULL, lease_until=NULL, updated_at=now()
		WHERE delivery_id=$1 AND task_type=$2 AND status='pending' AND owner=$3`,
		key.DeliveryID, string(key.TaskType), owner)
}

const recordColumns = `delivery_id, task_type, status, owner, lease_until, last_error, claims,
	created_at, updated_at, completed_at, expires_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r         Record
		taskType  string
		status    string
		owner     *string
		lastError *string
	)
	if err := row.Scan(&r.Key.DeliveryID, &taskType, &status, &owner, &r.LeaseUntil, &lastError,
		&r.Claims, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt, &r.ExpiresAt); err != nil {
		return Record{}, err
	}
	r.Key.TaskType = task.Type(taskType)
	r.Status = Status(status)
	if owner != nil {
		r.Owner = *owner
	}
	if lastError != nil {
		r.LastError = *lastError
	}
	return r, nil
}

func (p *Postgres) Get(ctx context.Context, key Key) (Record, error) {
	r, err := scanRecord(p.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM harborbot.ledger WHERE delivery_id=$1 AND task_type=$2`,
		key.DeliveryID, string(key.TaskType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	return r, nil
}

func (p *Postgres) ListFailed(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx,
		`SELECT `+recordColumns+` FROM harborbot.ledger WHERE status='failed' ORDER BY updated_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) Reset(ctx context.Context, key Key) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE harborbot.ledger
		SET status='pending', owner=NULL, lease_until=NULL, last_error=NULL, updated_at=now()
		WHERE delivery_id=$1 AND task_type=$2 AND status<>'completed'`,
		key.DeliveryID, string(key.TaskType))
	if err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := p.Get(ctx, key); err != nil {
		return err
	}
	return ErrCompleted
}

func (p *Postgres) Purge(ctx context.Context) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM harborbot.ledger WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
