package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestAcquire_SecondAttemptFails(t *testing.T) {
	client, mr := setupClient(t)
	defer mr.Close()

	ctx := context.Background()
	lease, ok, err := Acquire(ctx, client, "project:1:lock", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, lease)

	_, ok, err = Acquire(ctx, client, "project:1:lock", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while the lease is held")
}

func TestRelease_AllowsReacquire(t *testing.T) {
	client, mr := setupClient(t)
	defer mr.Close()

	ctx := context.Background()
	lease, ok, err := Acquire(ctx, client, "project:1:lock", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lease.Release(ctx))

	_, ok, err = Acquire(ctx, client, "project:1:lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_DoesNotReleaseAnotherHoldersLease(t *testing.T) {
	client, mr := setupClient(t)
	defer mr.Close()

	ctx := context.Background()
	first, ok, err := Acquire(ctx, client, "project:1:lock", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate a stale lease object from an expired run whose key was
	// meanwhile re-acquired by someone else.
	require.NoError(t, first.Release(ctx))
	second, ok, err := Acquire(ctx, client, "project:1:lock", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, first.Release(ctx)) // stale token, must be a no-op

	_, ok, err = Acquire(ctx, client, "project:1:lock", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder's lease must still be intact")
	_ = second
}
