package listener

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlpipe/internal/fetch"
	"crawlpipe/internal/model"
	"crawlpipe/internal/pubsub"
	"crawlpipe/internal/spider"
	"crawlpipe/internal/storage"
	"crawlpipe/pkg/circuitbreaker"
)

func setup(t *testing.T) (*Listener, sqlmock.Sqlmock, *redis.Client, *miniredis.Miniredis, *httptest.Server) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := storage.NewFromDB(db)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	f, err := fetch.New(fetch.Config{
		DefaultTimeout: 2 * time.Second,
		MaxRetries:     1,
		RetryBaseDelay: 5 * time.Millisecond,
		CircuitBreaker: circuitbreaker.Config{MaxFailures: 10, Timeout: time.Second},
	})
	require.NoError(t, err)

	registry := spider.NewRegistry()
	registry.Register("builtin:test", func(cfg string) (*spider.Spider, error) {
		return &spider.Spider{
			Name:        "test",
			Concurrency: 1,
			StartRequests: func() spider.RequestIterator {
				return spider.NewSliceIterator([]*model.Request{model.NewRequest(srv.URL+"/list", "parse")})
			},
			Callbacks: map[string]spider.Callback{
				"parse": func(req *model.Request, resp *model.Response) ([]model.YieldResult, error) {
					return []model.YieldResult{{Item: &model.Item{
						Type:      model.ItemTypeArticle,
						SourceURL: req.URL,
						Title:     "A Title",
						Content:   "some content",
					}}}, nil
				},
			},
		}, nil
	})

	bus := pubsub.New(client)
	l := New(store, registry, f, client, bus, 2, nil)

	return l, mock, client, mr, srv
}

func TestRun_RoutesArticleAndRecordsSummary(t *testing.T) {
	l, mock, client, mr, srv := setup(t)
	defer mr.Close()
	defer srv.Close()

	mock.ExpectQuery(`SELECT id, name, entry_file`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "entry_file", "config", "concurrency", "crawl_type", "output_group_id",
			"enabled", "status", "schedule", "last_run_at", "last_run_duration_ms", "last_run_items",
			"last_error", "total_runs", "total_items", "created_at", "updated_at",
		}).AddRow(int64(1), "test", "builtin:test", "", 1, model.ItemTypeArticle, int64(1),
			true, model.ProjectStatusIdle, "", nil, nil, int64(0),
			"", int64(0), int64(0), time.Now(), time.Now()))

	mock.ExpectExec(`UPDATE spider_projects SET status`).
		WithArgs(int64(1), model.ProjectStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM original_articles`).
		WithArgs("1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

	mock.ExpectQuery(`SELECT project_id, path, content, type FROM spider_project_files`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"project_id", "path", "content", "type"}))

	mock.ExpectQuery(`INSERT INTO original_articles`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM original_articles`).
		WithArgs("1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))

	mock.ExpectExec(`UPDATE spider_projects`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	l.run(context.Background(), 1, false, 0)

	pendingLen, err := client.LLen(context.Background(), "pending:articles").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pendingLen)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRestartCommand_RecognizesBareAndQuotedForm(t *testing.T) {
	assert.True(t, isRestartCommand([]byte("restart")))
	assert.True(t, isRestartCommand([]byte(`"restart"`)))
	assert.False(t, isRestartCommand([]byte(`{"action":"run"}`)))
}
