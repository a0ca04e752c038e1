package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlpipe/internal/model"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(client, Namespace{ProjectID: 1})
	return q, mr
}

func TestQueue_PushDedupsByFingerprint(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	ctx := context.Background()
	req := model.NewRequest("https://example.com/a", "parse")

	ok, err := q.Push(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := model.NewRequest("https://example.com/a", "parse")
	ok, err = q.Push(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate fingerprint should be rejected")

	n, err := q.PendingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueue_PushDontFilterBypassesSeen(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	ctx := context.Background()
	req := model.NewRequest("https://example.com/a", "parse")
	req.DontFilter = true

	_, err := q.Push(ctx, req)
	require.NoError(t, err)

	again := model.NewRequest("https://example.com/a", "parse")
	again.DontFilter = true
	ok, err := q.Push(ctx, again)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := q.PendingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestQueue_PopHighestPriorityFirst(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	ctx := context.Background()
	low := model.NewRequest("https://example.com/low", "parse")
	low.Priority = 1
	high := model.NewRequest("https://example.com/high", "parse")
	high.Priority = 10

	_, err := q.Push(ctx, low)
	require.NoError(t, err)
	_, err = q.Push(ctx, high)
	require.NoError(t, err)

	popped, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, high.URL, popped.URL)

	plen, err := q.ProcessingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), plen)
}

func TestQueue_PopReturnsNilWhenPausedOrStopped(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	ctx := context.Background()
	req := model.NewRequest("https://example.com/a", "parse")
	_, err := q.Push(ctx, req)
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	popped, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, popped)

	require.NoError(t, q.Stop(ctx, false))
	popped, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, popped)

	n, err := q.PendingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "pending item must not be lost while gated")
}

func TestQueue_CompleteSuccessUpdatesStats(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	ctx := context.Background()
	req := model.NewRequest("https://example.com/a", model.DetailCallback)
	_, err := q.Push(ctx, req)
	require.NoError(t, err)

	popped, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, popped)

	require.NoError(t, q.Complete(ctx, popped, true))

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Completed)

	plen, err := q.ProcessingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), plen)
}

func TestQueue_RetryExhaustionFallsThroughToFailed(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	ctx := context.Background()
	req := model.NewRequest("https://example.com/a", model.DetailCallback)
	req.MaxRetries = 1
	_, err := q.Push(ctx, req)
	require.NoError(t, err)

	popped, err := q.Pop(ctx)
	require.NoError(t, err)

	ok, err := q.Retry(ctx, popped)
	require.NoError(t, err)
	assert.True(t, ok, "first retry should be accepted")

	popped, err = q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, 1, popped.RetryCount)

	ok, err = q.Retry(ctx, popped)
	require.NoError(t, err)
	assert.False(t, ok, "retries exhausted, caller must now Complete(false)")

	require.NoError(t, q.Complete(ctx, popped, false))

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Retried)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestQueue_PushBackOnCancellation(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	ctx := context.Background()
	req := model.NewRequest("https://example.com/a", "parse")
	_, err := q.Push(ctx, req)
	require.NoError(t, err)

	popped, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, popped)

	require.NoError(t, q.PushBack(ctx, popped))

	plen, err := q.ProcessingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), plen)

	pending, err := q.PendingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "cancelled in-flight work must not be lost")
}

func TestQueue_RecoverTimeoutRequeuesStale(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	ctx := context.Background()
	req := model.NewRequest("https://example.com/a", "parse")
	_, err := q.Push(ctx, req)
	require.NoError(t, err)

	popped, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, popped)

	// Backdate the processing entry's start time so it looks stale
	// without needing to sleep for real in the test.
	stale := processingEntry{Request: popped, StartTime: time.Now().Add(-ProcessingTimeout - time.Second)}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, q.cl.HSet(ctx, q.ns.key("processing"), popped.Fingerprint(), data).Err())

	touched, err := q.RecoverTimeout(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, touched)

	pending, err := q.PendingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	plen, err := q.ProcessingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), plen)
}

func TestQueue_StopFlagTokenVerifiedDelete(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, q.SetStopFlag(ctx, "run-a"))

	set, err := q.StopFlagSet(ctx)
	require.NoError(t, err)
	assert.True(t, set)

	// A stale token from a previous run must not clear a newer flag.
	require.NoError(t, q.ClearStopFlag(ctx, "run-b"))
	set, err = q.StopFlagSet(ctx)
	require.NoError(t, err)
	assert.True(t, set, "stale token must not clear the current stop flag")

	require.NoError(t, q.ClearStopFlag(ctx, "run-a"))
	set, err = q.StopFlagSet(ctx)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestQueue_ItemAndQueuedCounters(t *testing.T) {
	q, mr := setupTestQueue(t)
	defer mr.Close()

	ctx := context.Background()

	n, err := q.IncrItemCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = q.IncrQueuedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := q.GetItemCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}
