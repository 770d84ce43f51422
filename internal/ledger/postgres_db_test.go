package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harborbot/internal/db"
	"github.com/austindbirch/harborbot/internal/task"
)

// testPostgres connects to LEDGER_TEST_DATABASE_URL and applies the schema.
// Without it the claim SQL is only covered by the fake-row tests.
func testPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := db.Connect(ctx, dsn, db.Options{MaxConns: 4, MaxTries: 3})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))
	return NewPostgres(pool, time.Hour)
}

// freshKey keeps runs against a shared database apart
func freshKey(tt task.Type) Key {
	return Key{DeliveryID: "test-" + uuid.NewString(), TaskType: tt}
}

func TestPostgresClaimOutcomes(t *testing.T) {
	p := testPostgres(t)
	ctx := context.Background()

	t.Run("first claim wins and a live owner blocks others", func(t *testing.T) {
		key := freshKey(task.TypeLabel)
		out, err := p.TryClaim(ctx, key, "w1/0", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, Claimed, out)

		out, err = p.TryClaim(ctx, key, "w2/0", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, AlreadyPending, out)

		rec, err := p.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "w1/0", rec.Owner)
		assert.Equal(t, 1, rec.Claims)
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		key := freshKey(task.TypeMerge)
		_, err := p.TryClaim(ctx, key, "w1/0", 50*time.Millisecond)
		require.NoError(t, err)
		time.Sleep(200 * time.Millisecond)

		out, err := p.TryClaim(ctx, key, "w2/0", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, Claimed, out)
		assert.ErrorIs(t, p.Complete(ctx, key, "w1/0"), ErrNotOwner, "the crashed owner cannot complete")
		require.NoError(t, p.Complete(ctx, key, "w2/0"))

		rec, err := p.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, rec.Status)
		assert.Equal(t, 2, rec.Claims)
	})

	t.Run("completed and failed records are terminal", func(t *testing.T) {
		done := freshKey(task.TypeComment)
		_, err := p.TryClaim(ctx, done, "w1/0", time.Minute)
		require.NoError(t, err)
		require.NoError(t, p.Complete(ctx, done, "w1/0"))
		out, err := p.TryClaim(ctx, done, "w2/0", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, AlreadyCompleted, out)
		assert.ErrorIs(t, p.Reset(ctx, done), ErrCompleted)

		failed := freshKey(task.TypeTriggerCI)
		_, err = p.TryClaim(ctx, failed, "w1/0", time.Minute)
		require.NoError(t, err)
		require.NoError(t, p.Fail(ctx, failed, "w1/0", "permanent: 404"))
		out, err = p.TryClaim(ctx, failed, "w2/0", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, AlreadyFailed, out)

		require.NoError(t, p.Reset(ctx, failed))
		out, err = p.TryClaim(ctx, failed, "w2/0", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, Claimed, out, "reset makes a failed task claimable again")
	})

	t.Run("release hands the claim to the next worker", func(t *testing.T) {
		key := freshKey(task.TypeSignCommit)
		_, err := p.TryClaim(ctx, key, "w1/0", time.Minute)
		require.NoError(t, err)
		assert.ErrorIs(t, p.Release(ctx, key, "w2/0"), ErrNotOwner)
		require.NoError(t, p.Release(ctx, key, "w1/0"))

		out, err := p.TryClaim(ctx, key, "w2/0", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, Claimed, out)
	})
}
