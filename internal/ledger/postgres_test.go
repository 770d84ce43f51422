package ledger

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return errors.New("scan: column count mismatch")
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d).Elem()
		if r.vals[i] == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		dv.Set(reflect.ValueOf(r.vals[i]))
	}
	return nil
}

type fakeRows struct {
	rows []fakeRow
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error { return r.rows[r.idx-1].Scan(dest...) }
func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx-1].vals, nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

type fakeDB struct {
	rows  []fakeRow
	tags  []string
	list  []fakeRow
	sql   []string
	args  [][]any
	exErr error
}

func (f *fakeDB) record(sql string, args []any) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.record(sql, args)
	if f.exErr != nil {
		return pgconn.CommandTag{}, f.exErr
	}
	tag := f.tags[0]
	f.tags = f.tags[1:]
	return pgconn.NewCommandTag(tag), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.record(sql, args)
	row := f.rows[0]
	f.rows = f.rows[1:]
	return row
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.record(sql, args)
	return &fakeRows{rows: f.list}, nil
}

func TestPostgresTryClaim(t *testing.T) {
	tests := []struct {
		name    string
		rows    []fakeRow
		want    Outcome
		wantErr bool
		queries int
	}{
		{name: "insert or takeover", rows: []fakeRow{{vals: []any{"pending"}}}, want: Claimed, queries: 1},
		{name: "held by live owner", rows: []fakeRow{{err: pgx.ErrNoRows}, {vals: []any{"pending"}}}, want: AlreadyPending, queries: 2},
		{name: "completed", rows: []fakeRow{{err: pgx.ErrNoRows}, {vals: []any{"completed"}}}, want: AlreadyCompleted, queries: 2},
		{name: "failed", rows: []fakeRow{{err: pgx.ErrNoRows}, {vals: []any{"failed"}}}, want: AlreadyFailed, queries: 2},
		{name: "purged in between", rows: []fakeRow{{err: pgx.ErrNoRows}, {err: pgx.ErrNoRows}}, want: AlreadyPending, queries: 2},
		{name: "database down", rows: []fakeRow{{err: errors.New("conn refused")}}, wantErr: true, queries: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{rows: tt.rows}
			p := NewPostgres(db, time.Hour)

			got, err := p.TryClaim(context.Background(), key, "w1", 90*time.Second)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			require.Len(t, db.sql, tt.queries)

			claim := db.sql[0]
			assert.Contains(t, claim, "ON CONFLICT (delivery_id, task_type) DO UPDATE")
			assert.Contains(t, claim, "l.lease_until < now()")
			assert.Contains(t, claim, "RETURNING")
			assert.Equal(t, []any{"abc123", "trigger-ci", "w1", 90.0, 3600.0}, db.args[0])
		})
	}
}

func TestPostgresOwnerUpdates(t *testing.T) {
	ctx := context.Background()
	ops := map[string]func(p *Postgres) error{
		"complete": func(p *Postgres) error { return p.Complete(ctx, key, "w1") },
		"fail":     func(p *Postgres) error { return p.Fail(ctx, key, "w1", "bad payload") },
		"release":  func(p *Postgres) error { return p.Release(ctx, key, "w1") },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			db := &fakeDB{tags: []string{"UPDATE 1", "UPDATE 0"}}
			p := NewPostgres(db, 0)

			require.NoError(t, op(p))
			assert.ErrorIs(t, op(p), ErrNotOwner)
			assert.Contains(t, db.sql[0], "status='pending' AND owner=$3")
			assert.Equal(t, "w1", db.args[0][2])
		})
	}

	db := &fakeDB{exErr: errors.New("conn reset")}
	err := NewPostgres(db, 0).Complete(ctx, key, "w1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotOwner)
}

func recordRow(status string, lastErr *string) fakeRow {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	owner := "w1"
	return fakeRow{vals: []any{"abc123", "trigger-ci", status, &owner, (*time.Time)(nil), lastErr, 3,
		now, now, (*time.Time)(nil), now.Add(DefaultRetention)}}
}

func TestPostgresGetAndList(t *testing.T) {
	ctx := context.Background()
	reason := "attempts exhausted"
	db := &fakeDB{
		rows: []fakeRow{recordRow("pending", nil), {err: pgx.ErrNoRows}},
		list: []fakeRow{recordRow("failed", &reason), recordRow("failed", &reason)},
	}
	p := NewPostgres(db, 0)

	rec, err := p.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, rec.Key)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "w1", rec.Owner)
	assert.Equal(t, 3, rec.Claims)
	assert.Nil(t, rec.LeaseUntil)

	_, err = p.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	failed, err := p.ListFailed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, reason, failed[0].LastError)
	assert.Equal(t, []any{100}, db.args[len(db.args)-1], "default limit")
	assert.True(t, strings.Contains(db.sql[len(db.sql)-1], "status='failed'"))
}

func TestPostgresResetAndPurge(t *testing.T) {
	ctx := context.Background()

	db := &fakeDB{tags: []string{"UPDATE 1"}}
	require.NoError(t, NewPostgres(db, 0).Reset(ctx, key))

	db = &fakeDB{tags: []string{"UPDATE 0"}, rows: []fakeRow{recordRow("completed", nil)}}
	assert.ErrorIs(t, NewPostgres(db, 0).Reset(ctx, key), ErrCompleted)

	db = &fakeDB{tags: []string{"UPDATE 0"}, rows: []fakeRow{{err: pgx.ErrNoRows}}}
	assert.ErrorIs(t, NewPostgres(db, 0).Reset(ctx, key), ErrNotFound)

	db = &fakeDB{tags: []string{"DELETE 7"}}
	n, err := NewPostgres(db, 0).Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
	assert.Contains(t, db.sql[0], "expires_at < now()")
}
