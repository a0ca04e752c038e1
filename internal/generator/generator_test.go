package generator

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlpipe/internal/pubsub"
	"crawlpipe/internal/storage"
)

func setup(t *testing.T) (*Manager, *miniredis.Miniredis, sqlmock.Sqlmock, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store := storage.NewFromDB(db)
	bus := pubsub.New(client)

	m := New(Config{
		Concurrency:       1,
		BatchSize:         10,
		MinParagraphChars: 5,
		RetryMax:          2,
		StatsInterval:     50 * time.Millisecond,
	}, client, store, bus)

	return m, mr, mock, client
}

func TestManager_PrepareOneThenFlush_InsertsTitleAndContent(t *testing.T) {
	m, mr, mock, _ := setup(t)
	defer mr.Close()

	mock.ExpectQuery(`SELECT id, source_id, group_id, source_url, title, content FROM original_articles`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "source_id", "group_id", "source_url", "title", "content"}).
			AddRow(int64(42), "src-1", int64(1), "https://example.com/a", "A Long Enough Title", "这是一段足够长的正文内容用于测试清理逻辑"))

	mock.ExpectBegin()
	mock.ExpectPrepare(`COPY "titles"`)
	mock.ExpectExec(`COPY "titles"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`COPY "titles"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO contents`)
	mock.ExpectQuery(`INSERT INTO contents`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	item, err := m.prepareOne(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, item)

	buf := newBatchBuffer(10)
	buf.add(*item)
	m.flushBuffer(context.Background(), buf)

	assert.Equal(t, int64(1), m.cnt.processed.Load())
	assert.Zero(t, m.cnt.failed.Load())
}

func TestManager_PrepareOne_MissingArticleIsNotAnError(t *testing.T) {
	m, mr, mock, _ := setup(t)
	defer mr.Close()

	mock.ExpectQuery(`SELECT id, source_id, group_id, source_url, title, content FROM original_articles`).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	item, err := m.prepareOne(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestBatchBuffer_FlushesAtBatchSize(t *testing.T) {
	buf := newBatchBuffer(2)
	assert.False(t, buf.full())

	buf.add(pendingItem{articleID: 1})
	assert.False(t, buf.full())

	buf.add(pendingItem{articleID: 2})
	assert.True(t, buf.full())

	items := buf.drain()
	assert.Len(t, items, 2)
	assert.False(t, buf.full())
}

func TestManager_HandleFailure_RetriesUntilRetryMax(t *testing.T) {
	m, mr, _, client := setup(t)
	defer mr.Close()
	ctx := context.Background()
	cause := errors.New("boom")

	m.handleFailure(ctx, 7, cause)
	retryLen, err := client.LLen(ctx, pendingRetryListKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), retryLen)

	m.handleFailure(ctx, 7, cause)
	deadLen, err := client.LLen(ctx, deadListKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deadLen)
}

func TestBatchIDAllocator_IncrementsPerGroup(t *testing.T) {
	m, mr, _, _ := setup(t)
	defer mr.Close()
	ctx := context.Background()

	first, err := m.batchID.next(ctx, 1)
	require.NoError(t, err)
	second, err := m.batchID.next(ctx, 1)
	require.NoError(t, err)
	otherGroup, err := m.batchID.next(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, int64(1), otherGroup)
}

func TestManager_PopNext_ReturnsZeroOnTimeout(t *testing.T) {
	m, mr, _, _ := setup(t)
	defer mr.Close()

	id, err := m.popNext(context.Background())
	require.NoError(t, err)
	assert.Zero(t, id)
}

