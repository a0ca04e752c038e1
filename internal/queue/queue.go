// Package queue implements the per-project request queue: a priority
// ordered set plus the seen/completed/processing bookkeeping needed for
// dedup, timeout recovery, and pause/stop semantics, all backed by Redis
// so every worker process shares one authority.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crawlpipe/internal/model"
	"crawlpipe/pkg/logger"
)

// tracer is a package-level no-op tracer until cmd/worker installs a real
// TracerProvider via otel.SetTracerProvider; every span below is then a
// cheap no-op in tests and in deployments that run without tracing.
var tracer = otel.Tracer("crawlpipe/queue")

// State is the lifecycle gate a consumer checks before popping.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
)

// ProcessingTimeout is the design default after which an in-flight
// request is eligible for timeout recovery.
const ProcessingTimeout = 300 * time.Second

// stopTokenTTL bounds how long a stop flag and its deletion token live,
// long enough to outlast any in-flight pop/push race.
const stopTokenTTL = time.Hour

// deleteIfTokenMatches is a token-verified delete, used so a stale
// stop-flag deletion from a previous run can never clear a newer one.
var deleteIfTokenMatches = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Namespace scopes every key under a project and test/production split,
// matching the spec's "further partitioned test vs production" rule.
type Namespace struct {
	ProjectID int64
	Test      bool
}

func (n Namespace) prefix() string {
	if n.Test {
		return fmt.Sprintf("test_spider:%d", n.ProjectID)
	}
	return fmt.Sprintf("spider:%d", n.ProjectID)
}

func (n Namespace) key(suffix string) string {
	return n.prefix() + ":" + suffix
}

// Stats mirrors the per-project "stats" mapping of counters.
type Stats struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

// processingEntry is what's stored in the "processing" hash.
type processingEntry struct {
	Request   *model.Request `json:"request"`
	StartTime time.Time      `json:"start_time"`
}

// Queue is a single project's (or test run's) request queue.
type Queue struct {
	cl *redis.Client
	ns Namespace
}

// New returns a Queue bound to client and namespace.
func New(client *redis.Client, ns Namespace) *Queue {
	return &Queue{cl: client, ns: ns}
}

// Namespace returns the queue's project/test scoping.
func (q *Queue) Namespace() Namespace {
	return q.ns
}

func (q *Queue) score(priority int) float64 {
	return -float64(priority) + float64(time.Now().UnixNano())/1e19
}

// Push inserts request into pending unless it is a filtered duplicate.
// Returns true if it was accepted.
func (q *Queue) Push(ctx context.Context, req *model.Request) (accepted bool, err error) {
	ctx, span := tracer.Start(ctx, "queue.Push", trace.WithAttributes(
		attribute.Int64("project_id", q.ns.ProjectID),
		attribute.String("url", req.URL),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("accepted", accepted))
		span.End()
	}()

	fp := req.Fingerprint()

	if !req.DontFilter {
		seen, serr := q.cl.SIsMember(ctx, q.ns.key("seen"), fp).Result()
		if serr != nil {
			err = fmt.Errorf("queue: check seen: %w", serr)
			return false, err
		}
		if seen {
			return false, nil
		}
	}

	if serr := q.cl.SAdd(ctx, q.ns.key("seen"), fp).Err(); serr != nil {
		err = fmt.Errorf("queue: mark seen: %w", serr)
		return false, err
	}

	data, merr := json.Marshal(req)
	if merr != nil {
		err = fmt.Errorf("queue: marshal request: %w", merr)
		return false, err
	}

	if zerr := q.cl.ZAdd(ctx, q.ns.key("pending"), &redis.Z{
		Score:  q.score(req.Priority),
		Member: data,
	}).Err(); zerr != nil {
		err = fmt.Errorf("queue: push: %w", zerr)
		return false, err
	}

	if req.IsDetail() {
		q.incrStat(ctx, "total", 1)
	}

	return true, nil
}

// PushMany applies Push to every request in order, returning the count
// accepted.
func (q *Queue) PushMany(ctx context.Context, reqs []*model.Request) (int, error) {
	accepted := 0
	for _, r := range reqs {
		ok, err := q.Push(ctx, r)
		if err != nil {
			return accepted, err
		}
		if ok {
			accepted++
		}
	}
	return accepted, nil
}

// Pop removes and returns the highest-priority request, recording it as
// in-flight. Returns (nil, nil) when the queue is empty or gated.
func (q *Queue) Pop(ctx context.Context) (req *model.Request, err error) {
	ctx, span := tracer.Start(ctx, "queue.Pop", trace.WithAttributes(
		attribute.Int64("project_id", q.ns.ProjectID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("empty", req == nil))
		span.End()
	}()

	state, err := q.GetState(ctx)
	if err != nil {
		return nil, err
	}
	if state == StatePaused || state == StateStopped {
		return nil, nil
	}

	result, zerr := q.cl.ZPopMin(ctx, q.ns.key("pending"), 1).Result()
	if zerr != nil {
		err = fmt.Errorf("queue: pop: %w", zerr)
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	raw, ok := result[0].Member.(string)
	if !ok {
		err = fmt.Errorf("queue: pop: unexpected member type %T", result[0].Member)
		return nil, err
	}

	var out model.Request
	if uerr := json.Unmarshal([]byte(raw), &out); uerr != nil {
		err = fmt.Errorf("queue: pop: unmarshal: %w", uerr)
		return nil, err
	}

	entry := processingEntry{Request: &out, StartTime: time.Now()}
	entryData, merr := json.Marshal(entry)
	if merr != nil {
		err = fmt.Errorf("queue: pop: marshal processing entry: %w", merr)
		return nil, err
	}

	if herr := q.cl.HSet(ctx, q.ns.key("processing"), out.Fingerprint(), entryData).Err(); herr != nil {
		err = fmt.Errorf("queue: pop: record processing: %w", herr)
		return nil, err
	}

	return &out, nil
}

// PushBack returns a popped-but-not-yet-processed request straight to
// pending, clearing its in-flight record. Used when a worker observes a
// stop signal after popping.
func (q *Queue) PushBack(ctx context.Context, req *model.Request) error {
	if err := q.cl.HDel(ctx, q.ns.key("processing"), req.Fingerprint()).Err(); err != nil {
		return fmt.Errorf("queue: push back: clear processing: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue: push back: marshal: %w", err)
	}
	return q.cl.ZAdd(ctx, q.ns.key("pending"), &redis.Z{
		Score:  q.score(req.Priority),
		Member: data,
	}).Err()
}

// Complete removes a request from processing and records success/failure.
func (q *Queue) Complete(ctx context.Context, req *model.Request, success bool) error {
	if err := q.cl.HDel(ctx, q.ns.key("processing"), req.Fingerprint()).Err(); err != nil {
		return fmt.Errorf("queue: complete: clear processing: %w", err)
	}

	if success {
		if err := q.cl.SAdd(ctx, q.ns.key("completed"), req.Fingerprint()).Err(); err != nil {
			return fmt.Errorf("queue: complete: mark completed: %w", err)
		}
		if req.IsDetail() {
			q.incrStat(ctx, "completed", 1)
		}
		return nil
	}

	if req.IsDetail() {
		q.incrStat(ctx, "failed", 1)
	}
	return nil
}

// Retry clones req with an incremented retry count and re-pushes it,
// unless retries are exhausted. Returns false when exhausted (caller
// should then call Complete(req, false)).
func (q *Queue) Retry(ctx context.Context, req *model.Request) (bool, error) {
	if err := q.cl.HDel(ctx, q.ns.key("processing"), req.Fingerprint()).Err(); err != nil {
		return false, fmt.Errorf("queue: retry: clear processing: %w", err)
	}

	if req.ExhaustedRetries() {
		return false, nil
	}

	next := req.WithRetry()
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("queue: retry: marshal: %w", err)
	}
	if err := q.cl.ZAdd(ctx, q.ns.key("pending"), &redis.Z{
		Score:  q.score(next.Priority),
		Member: data,
	}).Err(); err != nil {
		return false, fmt.Errorf("queue: retry: push: %w", err)
	}

	if req.IsDetail() {
		q.incrStat(ctx, "retried", 1)
	}
	return true, nil
}

// RecoverTimeout re-enqueues (or fails) every processing entry whose
// start time is older than ProcessingTimeout. Returns the count touched.
func (q *Queue) RecoverTimeout(ctx context.Context) (int, error) {
	entries, err := q.cl.HGetAll(ctx, q.ns.key("processing")).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: recover timeout: %w", err)
	}

	touched := 0
	cutoff := time.Now().Add(-ProcessingTimeout)

	for fp, raw := range entries {
		var entry processingEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			logger.Get().WithField("fingerprint", fp).WithError(err).Warn("queue: dropping unparsable processing entry")
			q.cl.HDel(ctx, q.ns.key("processing"), fp)
			continue
		}
		if entry.StartTime.After(cutoff) {
			continue
		}

		ok, err := q.Retry(ctx, entry.Request)
		if err != nil {
			return touched, err
		}
		if !ok {
			if err := q.Complete(ctx, entry.Request, false); err != nil {
				return touched, err
			}
		}
		touched++
	}

	return touched, nil
}

// Pause sets the queue state to paused.
func (q *Queue) Pause(ctx context.Context) error { return q.SetState(ctx, StatePaused) }

// Resume sets the queue state to running.
func (q *Queue) Resume(ctx context.Context) error { return q.SetState(ctx, StateRunning) }

// Stop sets the queue state to stopped, optionally clearing pending work.
func (q *Queue) Stop(ctx context.Context, clear bool) error {
	if err := q.SetState(ctx, StateStopped); err != nil {
		return err
	}
	if clear {
		return q.Clear(ctx)
	}
	return nil
}

// Clear deletes this namespace's pending, processing, seen and
// completed keys; stats, state and the item/queued counters are kept.
func (q *Queue) Clear(ctx context.Context) error {
	keys := []string{
		q.ns.key("pending"),
		q.ns.key("processing"),
		q.ns.key("seen"),
		q.ns.key("completed"),
	}
	return q.cl.Del(ctx, keys...).Err()
}

// GetState returns the current queue state, defaulting to idle.
func (q *Queue) GetState(ctx context.Context) (State, error) {
	val, err := q.cl.Get(ctx, q.ns.key("state")).Result()
	if errors.Is(err, redis.Nil) {
		return StateIdle, nil
	}
	if err != nil {
		return StateIdle, fmt.Errorf("queue: get state: %w", err)
	}
	return State(val), nil
}

// SetState sets the queue state.
func (q *Queue) SetState(ctx context.Context, state State) error {
	return q.cl.Set(ctx, q.ns.key("state"), string(state), 0).Err()
}

// GetStats returns the current stats counters.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	vals, err := q.cl.HGetAll(ctx, q.ns.key("stats")).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: get stats: %w", err)
	}
	var s Stats
	s.Total = parseInt64(vals["total"])
	s.Completed = parseInt64(vals["completed"])
	s.Failed = parseInt64(vals["failed"])
	s.Retried = parseInt64(vals["retried"])
	return s, nil
}

func (q *Queue) incrStat(ctx context.Context, field string, delta int64) {
	if err := q.cl.HIncrBy(ctx, q.ns.key("stats"), field, delta).Err(); err != nil {
		logger.Get().WithField("field", field).WithError(err).Warn("queue: failed to increment stat")
	}
}

// GetItemCount returns the emitted-item counter.
func (q *Queue) GetItemCount(ctx context.Context) (int64, error) {
	return q.getCounter(ctx, "item_count")
}

// IncrItemCount atomically increments and returns the emitted-item counter.
func (q *Queue) IncrItemCount(ctx context.Context) (int64, error) {
	return q.cl.Incr(ctx, q.ns.key("item_count")).Result()
}

// GetQueuedCount returns the callback-produced request counter.
func (q *Queue) GetQueuedCount(ctx context.Context) (int64, error) {
	return q.getCounter(ctx, "queued_count")
}

// IncrQueuedCount atomically increments and returns the request counter.
func (q *Queue) IncrQueuedCount(ctx context.Context) (int64, error) {
	return q.cl.Incr(ctx, q.ns.key("queued_count")).Result()
}

func (q *Queue) getCounter(ctx context.Context, name string) (int64, error) {
	val, err := q.cl.Get(ctx, q.ns.key(name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("queue: get %s: %w", name, err)
	}
	return val, nil
}

// PendingLen returns the number of requests ready to be popped.
func (q *Queue) PendingLen(ctx context.Context) (int64, error) {
	return q.cl.ZCard(ctx, q.ns.key("pending")).Result()
}

// ProcessingLen returns the number of in-flight requests.
func (q *Queue) ProcessingLen(ctx context.Context) (int64, error) {
	return q.cl.HLen(ctx, q.ns.key("processing")).Result()
}

// SetStopFlag marks project for cooperative cancellation. token
// identifies this run so a stale ClearStopFlag cannot clobber a newer one.
func (q *Queue) SetStopFlag(ctx context.Context, token string) error {
	return q.cl.Set(ctx, q.ns.key("stop_flag"), token, stopTokenTTL).Err()
}

// StopFlagSet reports whether a stop flag is present.
func (q *Queue) StopFlagSet(ctx context.Context) (bool, error) {
	_, err := q.cl.Get(ctx, q.ns.key("stop_flag")).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClearStopFlag removes the stop flag only if it still matches token.
func (q *Queue) ClearStopFlag(ctx context.Context, token string) error {
	return deleteIfTokenMatches.Run(ctx, q.cl, []string{q.ns.key("stop_flag")}, token).Err()
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	var v int64
	fmt.Sscanf(s, "%d", &v)
	return v
}
