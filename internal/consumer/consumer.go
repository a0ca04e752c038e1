// Package consumer implements the queue consumer (C4): an N-worker pool
// that lazily seeds start requests, dispatches fetched responses to
// spider callbacks, and enforces the max-items cap, modeled on the
// pause/resume/stop channel pattern other_examples' spider2 scheduler
// uses for its own worker pool.
package consumer

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"crawlpipe/internal/fetch"
	"crawlpipe/internal/model"
	"crawlpipe/internal/queue"
	"crawlpipe/internal/spider"
	"crawlpipe/pkg/logger"
	"crawlpipe/pkg/metrics"
)

// pollInterval is how long an idle worker sleeps between pop attempts.
const pollInterval = 100 * time.Millisecond

// emptyChecksForDone is how many consecutive empty observations the
// monitor requires before declaring the run complete.
const emptyChecksForDone = 3

// Output is what the consumer streams upward: either a yielded item or
// a failed-request sentinel, matching the spec's item/failure routing.
type Output struct {
	Item    *model.Item
	Failed  *model.FailedSentinel
}

// Config bounds a single consumer run.
type Config struct {
	Concurrency int
	MaxItems    int64 // 0 = unbounded
}

// Consumer drives one project run (or test run) to completion.
type Consumer struct {
	cfg     Config
	q       *queue.Queue
	fetcher *fetch.Fetcher
	sp      *spider.Spider
	out     chan Output

	stopCh    chan struct{}
	stopOnce  sync.Once
	seedMu    sync.Mutex
	seedDone  atomic.Bool
	iterator  spider.RequestIterator
}

// New builds a Consumer for one run of sp against q.
func New(cfg Config, q *queue.Queue, fetcher *fetch.Fetcher, sp *spider.Spider) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Consumer{
		cfg:      cfg,
		q:        q,
		fetcher:  fetcher,
		sp:       sp,
		out:      make(chan Output, cfg.Concurrency*4),
		stopCh:   make(chan struct{}),
		iterator: sp.StartRequests(),
	}
}

// Output returns the channel of yielded items/failures. The caller
// should drain it until Run returns, then it is closed.
func (c *Consumer) Output() <-chan Output { return c.out }

// Stop requests cooperative cancellation; in-flight requests are pushed
// back to pending, never dropped.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Run starts the worker pool and blocks until the run terminates, either
// because the queue drained and seeding is exhausted, because Stop was
// called, or because ctx was cancelled. It closes Output() before
// returning and sets the queue's terminal state.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := c.q.RecoverTimeout(ctx); err != nil {
		logger.Get().WithError(err).Warn("consumer: recover_timeout failed at startup")
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id)
		}(i)
	}

	done := c.monitor(ctx)

	state := queue.StateCompleted
	select {
	case <-done:
	case <-c.stopCh:
		state = queue.StateStopped
	case <-ctx.Done():
		state = queue.StateStopped
	}

	// Signal every worker to stop polling before waiting for them;
	// otherwise a worker that observes an already-drained queue would
	// spin forever once the monitor alone has decided the run is over.
	cancel()
	wg.Wait()
	close(c.out)

	return c.q.SetState(context.Background(), state)
}

// monitor watches for the termination condition: pending and processing
// both empty and seeding exhausted, observed across emptyChecksForDone
// consecutive polls.
func (c *Consumer) monitor(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	projectLabel := strconv.FormatInt(c.q.Namespace().ProjectID, 10)
	go func() {
		defer close(done)
		consecutive := 0
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if pending, err := c.q.PendingLen(ctx); err == nil {
					metrics.QueuePendingLen.WithLabelValues(projectLabel).Set(float64(pending))
				}
				if processing, err := c.q.ProcessingLen(ctx); err == nil {
					metrics.QueueProcessingLen.WithLabelValues(projectLabel).Set(float64(processing))
				}

				empty, err := c.isDrained(ctx)
				if err != nil {
					continue
				}
				if empty {
					consecutive++
					if consecutive >= emptyChecksForDone {
						return
					}
				} else {
					consecutive = 0
				}
			}
		}
	}()
	return done
}

func (c *Consumer) isDrained(ctx context.Context) (bool, error) {
	pending, err := c.q.PendingLen(ctx)
	if err != nil {
		return false, err
	}
	processing, err := c.q.ProcessingLen(ctx)
	if err != nil {
		return false, err
	}
	return pending == 0 && processing == 0 && c.seedDone.Load(), nil
}

// maybeSeed pulls one start request from the iterator whenever pending
// drops below 2*concurrency, per the spec's lazy-seeding rule.
func (c *Consumer) maybeSeed(ctx context.Context) {
	if c.seedDone.Load() {
		return
	}

	c.seedMu.Lock()
	defer c.seedMu.Unlock()

	if c.seedDone.Load() {
		return
	}

	pending, err := c.q.PendingLen(ctx)
	if err != nil || pending >= int64(2*c.cfg.Concurrency) {
		return
	}

	if c.cfg.MaxItems > 0 {
		queued, err := c.q.GetQueuedCount(ctx)
		if err == nil && queued >= c.cfg.MaxItems {
			c.seedDone.Store(true)
			return
		}
	}

	req, ok := c.iterator.Next()
	if !ok {
		c.seedDone.Store(true)
		return
	}

	req.DontFilter = true
	if _, err := c.q.Push(ctx, req); err != nil {
		logger.Get().WithError(err).Warn("consumer: seed push failed")
	}
}

func (c *Consumer) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.maybeSeed(ctx)

		state, err := c.q.GetState(ctx)
		if err != nil {
			sleep(ctx, pollInterval)
			continue
		}
		if state == queue.StatePaused {
			sleep(ctx, pollInterval)
			continue
		}

		req, err := c.q.Pop(ctx)
		if err != nil || req == nil {
			sleep(ctx, pollInterval)
			continue
		}

		select {
		case <-c.stopCh:
			c.q.PushBack(context.Background(), req)
			return
		default:
		}

		c.process(ctx, req)
	}
}

func (c *Consumer) process(ctx context.Context, req *model.Request) {
	if c.sp.DownloadMidware != nil {
		req = c.sp.DownloadMidware(req)
		if req == nil {
			return
		}
	}

	if req.RetryCount > 0 {
		backoff := time.Duration(req.RetryDelay) * time.Second * time.Duration(1<<uint(req.RetryCount-1))
		sleep(ctx, backoff)
	}

	resp, lastErr := c.fetcher.Do(ctx, req)
	if lastErr == "cancelled" {
		// The run was stopped mid-flight; push the request back rather
		// than counting it as a failure, using a background context
		// since ctx itself is already done.
		if err := c.q.PushBack(context.Background(), req); err != nil {
			logger.Get().WithError(err).Warn("consumer: push back on cancellation failed")
		}
		return
	}
	if resp == nil {
		c.handleFetchFailure(ctx, req, lastErr)
		return
	}

	if c.sp.Validate != nil && !c.sp.Validate(req, resp) {
		c.handleFetchFailure(ctx, req, "validation failed")
		return
	}

	callback, ok := c.sp.Callbacks[req.Callback]
	if !ok {
		logger.Get().WithField("callback", req.Callback).Warn("consumer: unknown callback")
		c.q.Complete(ctx, req, false)
		return
	}

	results, err := callback(req, resp)
	if err != nil {
		if c.sp.ExceptionRequest != nil {
			c.sp.ExceptionRequest(req, err)
		}
		c.q.Complete(ctx, req, false)
		return
	}

	stopped := false
	for _, r := range results {
		switch {
		case r.Request != nil:
			stopped = c.handleYieldedRequest(ctx, r.Request) || stopped
		case r.Item != nil:
			stopped = c.handleYieldedItem(ctx, r.Item) || stopped
		}
		if stopped {
			break
		}
	}

	c.q.Complete(ctx, req, true)
}

func (c *Consumer) handleYieldedRequest(ctx context.Context, req *model.Request) (stopped bool) {
	queued, err := c.q.IncrQueuedCount(ctx)
	if err != nil {
		return false
	}
	if c.cfg.MaxItems > 0 && queued > c.cfg.MaxItems {
		return false // drop: stops pagination without erroring the run
	}
	if _, err := c.q.Push(ctx, req); err != nil {
		logger.Get().WithError(err).Warn("consumer: failed to push yielded request")
	}
	return false
}

func (c *Consumer) handleYieldedItem(ctx context.Context, item *model.Item) (stopped bool) {
	count, err := c.q.IncrItemCount(ctx)
	if err != nil {
		return false
	}
	if c.cfg.MaxItems > 0 && count > c.cfg.MaxItems {
		c.q.SetState(ctx, queue.StateStopped)
		c.Stop()
		return true
	}
	select {
	case c.out <- Output{Item: item}:
	case <-ctx.Done():
	}
	return false
}

func (c *Consumer) handleFetchFailure(ctx context.Context, req *model.Request, lastErr string) {
	ok, err := c.q.Retry(ctx, req)
	if err != nil {
		logger.Get().WithError(err).Warn("consumer: retry bookkeeping failed")
	}
	if ok {
		return
	}

	c.q.Complete(ctx, req, false)
	if c.sp.FailedRequest != nil {
		c.sp.FailedRequest(req, lastErr)
	}
	select {
	case c.out <- Output{Failed: &model.FailedSentinel{Request: req, Error: lastErr}}:
	case <-ctx.Done():
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
