//go:build integration

package mongodb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tulemar/ordersync/pkg/idempotency"
	testhelpers "github.com/tulemar/ordersync/pkg/testing"
)

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := testhelpers.NewMongoDBContainer(ctx)
	require.NoError(t, err)
	defer container.Close(ctx)

	client, err := container.GetClient(ctx)
	require.NoError(t, err)
	db := client.Database(fmt.Sprintf("ordersync_idem_%d", time.Now().UnixNano()))
	defer db.Drop(ctx)

	store := NewStore(db)
	require.NoError(t, store.EnsureIndexes(ctx))

	now := time.Now().UTC()
	rec := &idempotency.Record{
		ID:          idempotency.RecordID("s-1", "k-1"),
		Key:         "k-1",
		Scope:       "s-1",
		Fingerprint: "fp",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}

	t.Run("first acquire owns the key", func(t *testing.T) {
		got, owned, err := store.Acquire(ctx, rec, now.Add(-time.Minute))
		require.NoError(t, err)
		assert.True(t, owned)
		assert.NotNil(t, got.LockedAt)
	})

	t.Run("second acquire sees the lock", func(t *testing.T) {
		got, owned, err := store.Acquire(ctx, rec, now.Add(-time.Minute))
		require.NoError(t, err)
		assert.False(t, owned)
		assert.False(t, got.IsCompleted())
	})

	t.Run("stale lock is taken over", func(t *testing.T) {
		_, owned, err := store.Acquire(ctx, rec, time.Now().UTC().Add(time.Second))
		require.NoError(t, err)
		assert.True(t, owned)
	})

	t.Run("completed record is returned", func(t *testing.T) {
		require.NoError(t, store.Complete(ctx, rec.ID, 200, []byte(`{"ok":true}`), "application/json"))

		got, owned, err := store.Acquire(ctx, rec, time.Now().UTC().Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, owned)
		require.True(t, got.IsCompleted())
		assert.Equal(t, 200, got.StatusCode)
		assert.JSONEq(t, `{"ok":true}`, string(got.Body))
		assert.Nil(t, got.LockedAt)
	})

	t.Run("release and purge", func(t *testing.T) {
		other := *rec
		other.ID = idempotency.RecordID("s-2", "k-1")
		other.ExpiresAt = now.Add(-time.Minute)
		_, _, err := store.Acquire(ctx, &other, now)
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, other.ID))

		n, err := store.Purge(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.ErrorIs(t, store.Release(ctx, other.ID), idempotency.ErrNotFound)
	})
}
