package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlpipe/internal/model"
	"crawlpipe/internal/pubsub"
	"crawlpipe/internal/storage"
)

func TestSpec_CronExpr(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		want string
	}{
		{"interval_minutes", Spec{Type: "interval_minutes", Interval: 15}, "@every 15m"},
		{"interval_hours", Spec{Type: "interval_hours", Interval: 2}, "@every 2h"},
		{"daily", Spec{Type: "daily", Time: "06:30"}, "30 6 * * *"},
		{"weekly", Spec{Type: "weekly", Time: "09:00", Days: []int{0, 3}}, "0 9 * * 0,3"},
		{"monthly", Spec{Type: "monthly", Time: "23:15", Dates: []int{1, 15}}, "15 23 1,15 * *"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.spec.CronExpr()
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSpec_CronExpr_RejectsUnknownType(t *testing.T) {
	_, err := Spec{Type: "yearly"}.CronExpr()
	assert.Error(t, err)
}

func setup(t *testing.T) (*Scheduler, sqlmock.Sqlmock, *miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := storage.NewFromDB(db)
	bus := pubsub.New(client)

	return New(store, bus, "spider:commands"), mock, mr, client
}

func TestFire_SkipsWhenAlreadyRunning(t *testing.T) {
	s, mock, mr, _ := setup(t)
	defer mr.Close()

	j := &job{projectID: 1, running: true}

	mock.MatchExpectationsInOrder(true)
	s.fire(context.Background(), j)

	require.NoError(t, mock.ExpectationsWereMet()) // no GetProject call expected
}

func TestFire_SkipsWhenProjectDisabled(t *testing.T) {
	s, mock, mr, _ := setup(t)
	defer mr.Close()

	mock.ExpectQuery(`SELECT id, name, entry_file`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "entry_file", "config", "concurrency", "crawl_type", "output_group_id",
			"enabled", "status", "schedule", "last_run_at", "last_run_duration_ms", "last_run_items",
			"last_error", "total_runs", "total_items", "created_at", "updated_at",
		}).AddRow(int64(2), "p", "builtin:p", "", 1, model.ItemTypeArticle, int64(1),
			false, model.ProjectStatusIdle, "", nil, nil, int64(0),
			"", int64(0), int64(0), time.Now(), time.Now()))

	j := &job{projectID: 2}
	s.fire(context.Background(), j)

	require.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, j.running)
}

func TestFire_DispatchesRunCommandWhenEligible(t *testing.T) {
	s, mock, mr, client := setup(t)
	defer mr.Close()

	mock.ExpectQuery(`SELECT id, name, entry_file`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "entry_file", "config", "concurrency", "crawl_type", "output_group_id",
			"enabled", "status", "schedule", "last_run_at", "last_run_duration_ms", "last_run_items",
			"last_error", "total_runs", "total_items", "created_at", "updated_at",
		}).AddRow(int64(3), "p", "builtin:p", "", 1, model.ItemTypeArticle, int64(1),
			true, model.ProjectStatusIdle, "", nil, nil, int64(0),
			"", int64(0), int64(0), time.Now(), time.Now()))

	mock.ExpectExec(`UPDATE spider_projects SET status`).
		WithArgs(int64(3), model.ProjectStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sub := client.Subscribe(context.Background(), "spider:commands")
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	j := &job{projectID: 3}
	s.fire(context.Background(), j)

	msg, err := sub.ReceiveTimeout(context.Background(), time.Second)
	require.NoError(t, err)
	_ = msg

	require.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, j.running)
}

func TestUpdateAndRemoveSchedule(t *testing.T) {
	s, _, mr, _ := setup(t)
	defer mr.Close()
	defer s.Stop()

	err := s.UpdateSchedule(context.Background(), 5, `{"type":"interval_minutes","interval":1}`, true)
	require.NoError(t, err)

	s.mu.Lock()
	_, ok := s.jobs[5]
	s.mu.Unlock()
	assert.True(t, ok)

	s.RemoveSchedule(5)

	s.mu.Lock()
	_, ok = s.jobs[5]
	s.mu.Unlock()
	assert.False(t, ok)
}
