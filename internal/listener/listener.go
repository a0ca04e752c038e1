// Package listener implements the command listener (C7): it subscribes
// to the control channels, routes run/test/stop/pause/resume actions
// against per-project tasks, and runs the item router that turns a
// crawl's yielded items into durable rows.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"crawlpipe/internal/consumer"
	"crawlpipe/internal/fetch"
	"crawlpipe/internal/model"
	"crawlpipe/internal/pubsub"
	"crawlpipe/internal/queue"
	"crawlpipe/internal/spider"
	"crawlpipe/internal/storage"
	"crawlpipe/pkg/cache"
	"crawlpipe/pkg/logger"
	"crawlpipe/pkg/metrics"
)

const restartCommand = "restart"

// StatsChannel is the realtime channel a project's routed-item counts
// are published to, parameterized by project id.
func StatsChannel(projectID int64) string {
	return fmt.Sprintf("spider:%d:stats", projectID)
}

// TestItemsChannel is where test-mode runs emit items instead of
// persisting them.
func TestItemsChannel(projectID int64) string {
	return fmt.Sprintf("spider:%d:test_items", projectID)
}

// task tracks one in-flight run so a later command can cancel it.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Listener owns every active per-project task and routes control-channel
// commands against them.
type Listener struct {
	store       *storage.Store
	registry    *spider.Registry
	fetcher     *fetch.Fetcher
	rdb         *redis.Client
	cache       *cache.RedisCache
	bus         *pubsub.Bus
	defaultConc int

	mu    sync.Mutex
	tasks map[int64]*task

	// onRestart is invoked (and the subscribe loop exits) when the bare
	// "restart" string arrives, letting the process supervisor restart us.
	onRestart func()
}

// New builds a Listener.
func New(store *storage.Store, registry *spider.Registry, fetcher *fetch.Fetcher, rdb *redis.Client, bus *pubsub.Bus, defaultConcurrency int, onRestart func()) *Listener {
	return &Listener{
		store:       store,
		registry:    registry,
		fetcher:     fetcher,
		rdb:         rdb,
		cache:       cache.NewFromClient(rdb),
		bus:         bus,
		defaultConc: defaultConcurrency,
		tasks:       make(map[int64]*task),
		onRestart:   onRestart,
	}
}

// Listen subscribes to the spider command channel and the bare-string
// worker command channel, blocking until ctx is cancelled.
func (l *Listener) Listen(ctx context.Context, spiderCommandsChannel, workerCommandChannel string) error {
	return l.bus.Subscribe(ctx, l.handle, spiderCommandsChannel, workerCommandChannel)
}

func (l *Listener) handle(ctx context.Context, data []byte) {
	if isRestartCommand(data) {
		l.handleRestart(ctx)
		return
	}

	cmd, ok := pubsub.ParseCommand(ctx, data)
	if !ok {
		return
	}

	switch cmd.Action {
	case "run":
		l.startRun(ctx, cmd.ProjectID, false, 0)
	case "test":
		l.startRun(ctx, cmd.ProjectID, true, cmd.MaxItems)
	case "stop":
		l.stop(ctx, cmd.ProjectID, false)
	case "test_stop":
		l.stop(ctx, cmd.ProjectID, true)
	case "pause":
		l.pause(ctx, cmd.ProjectID)
	case "resume":
		l.resume(ctx, cmd.ProjectID)
	default:
		logger.Get().WithField("action", cmd.Action).Warn("listener: unknown command action")
	}
}

// isRestartCommand recognizes the bare "restart" string, whether it
// arrived raw (a direct Redis PUBLISH) or JSON-string-encoded (published
// through Bus.Publish, which json.Marshals every payload).
func isRestartCommand(data []byte) bool {
	if string(data) == restartCommand {
		return true
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s == restartCommand
	}
	return false
}

func (l *Listener) handleRestart(ctx context.Context) {
	logger.Get().Warn("listener: restart command received, cancelling every in-flight task")
	l.mu.Lock()
	for _, t := range l.tasks {
		t.cancel()
	}
	l.mu.Unlock()
	if l.onRestart != nil {
		l.onRestart()
	}
}

// startRun cancels any existing task for projectID and starts a fresh
// one, per spec §4.6's run flow.
func (l *Listener) startRun(parent context.Context, projectID int64, test bool, maxItems int64) {
	l.cancelExisting(projectID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.mu.Lock()
	l.tasks[projectID] = &task{cancel: cancel, done: done}
	l.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			l.mu.Lock()
			if l.tasks[projectID] != nil && l.tasks[projectID].done == done {
				delete(l.tasks, projectID)
			}
			l.mu.Unlock()
		}()
		l.run(ctx, projectID, test, maxItems)
	}()
}

func (l *Listener) cancelExisting(projectID int64) {
	l.mu.Lock()
	existing := l.tasks[projectID]
	l.mu.Unlock()
	if existing == nil {
		return
	}
	existing.cancel()
	<-existing.done
}

func (l *Listener) stop(ctx context.Context, projectID int64, test bool) {
	ns := queue.Namespace{ProjectID: projectID, Test: test}
	q := queue.New(l.rdb, ns)

	if !test {
		if err := q.SetState(ctx, queue.StateStopped); err != nil {
			logger.Get().WithError(err).Warn("listener: set stop state failed")
		}
		l.cancelExisting(projectID)
		return
	}

	if err := q.Stop(ctx, true); err != nil {
		logger.Get().WithError(err).Warn("listener: test stop failed")
	}
	l.cancelExisting(projectID)
	l.bus.Publish(ctx, TestItemsChannel(projectID), map[string]string{"type": "end"})
}

func (l *Listener) pause(ctx context.Context, projectID int64) {
	q := queue.New(l.rdb, queue.Namespace{ProjectID: projectID})
	if err := q.Pause(ctx); err != nil {
		logger.Get().WithError(err).Warn("listener: pause failed")
	}
}

func (l *Listener) resume(ctx context.Context, projectID int64) {
	q := queue.New(l.rdb, queue.Namespace{ProjectID: projectID})
	if err := q.Resume(ctx); err != nil {
		logger.Get().WithError(err).Warn("listener: resume failed")
	}
}

// run executes one full project run to completion, per spec §4.6's run
// flow: load project, snapshot the pre-run count, build the runner,
// route every item, then persist the terminal bookkeeping regardless of
// how the run ended.
func (l *Listener) run(ctx context.Context, projectID int64, test bool, maxItems int64) {
	started := time.Now()
	summary := storage.RunSummary{Status: model.ProjectStatusIdle}

	project, err := l.store.GetProject(projectID)
	if err != nil {
		logger.Get().WithField("project_id", projectID).WithError(err).Warn("listener: load project failed")
		return
	}

	if !test {
		if err := l.store.SetProjectStatus(projectID, model.ProjectStatusRunning); err != nil {
			logger.Get().WithError(err).Warn("listener: mark running failed")
		}
	}

	sourceID := fmt.Sprintf("%d", project.ID)
	preCount, err := l.store.CountArticlesBySourceID(sourceID)
	if err != nil {
		logger.Get().WithError(err).Warn("listener: pre-run count snapshot failed")
	}

	files, err := l.store.GetProjectFiles(projectID)
	if err != nil {
		l.finishRun(ctx, projectID, withError(summary, err), started)
		return
	}

	sp, err := spider.Load(l.registry, project, files)
	if err != nil {
		l.finishRun(ctx, projectID, withError(summary, err), started)
		return
	}
	if sp.Concurrency <= 0 {
		sp.Concurrency = l.defaultConc
	}

	ns := queue.Namespace{ProjectID: projectID, Test: test}
	q := queue.New(l.rdb, ns)
	if err := q.SetState(ctx, queue.StateRunning); err != nil {
		l.finishRun(ctx, projectID, withError(summary, err), started)
		return
	}

	c := consumer.New(consumer.Config{Concurrency: sp.Concurrency, MaxItems: maxItems}, q, l.fetcher, sp)

	routingDone := make(chan struct{})
	go func() {
		defer close(routingDone)
		for out := range c.Output() {
			switch {
			case out.Item != nil:
				l.routeItem(ctx, project, out.Item, test)
			case out.Failed != nil:
				if _, err := l.store.SaveFailedRequest(projectID, out.Failed.Request, out.Failed.Error); err != nil {
					logger.Get().WithError(err).Warn("listener: save failed request failed")
				}
			}
		}
	}()

	runErr := c.Run(ctx)
	<-routingDone // Run closing Output() doesn't mean the range loop has finished routing the last item

	postCount, err := l.store.CountArticlesBySourceID(sourceID)
	if err != nil {
		logger.Get().WithError(err).Warn("listener: post-run count snapshot failed")
		postCount = preCount
	}

	summary.ItemsDelta = postCount - preCount
	if summary.ItemsDelta < 0 {
		summary.ItemsDelta = 0
	}
	if runErr != nil {
		summary = withError(summary, runErr)
	} else if ctx.Err() != nil {
		summary.Status = model.ProjectStatusIdle
	}

	l.finishRun(ctx, projectID, summary, started)
	if sp.Close != nil {
		sp.Close()
	}
}

func withError(s storage.RunSummary, err error) storage.RunSummary {
	s.Status = model.ProjectStatusError
	s.LastError = err.Error()
	return s
}

func (l *Listener) finishRun(ctx context.Context, projectID int64, summary storage.RunSummary, started time.Time) {
	summary.Duration = time.Since(started)
	if err := l.store.RecordRunResult(projectID, summary); err != nil {
		logger.Get().WithError(err).Warn("listener: record run result failed")
	}
	l.bus.Publish(ctx, StatsChannel(projectID), pubsub.StatsMessage{
		Type:      "idle",
		ProjectID: projectID,
		Timestamp: time.Now().Unix(),
	})
}

// routeItem is the item router (spec §4.6): validates the item's type
// against the project's declared crawl type, persists it, and publishes
// a stats tick. Returns true when the item was forwarded/inserted.
func (l *Listener) routeItem(ctx context.Context, project *model.SpiderProject, item *model.Item, test bool) bool {
	if item.Type != project.CrawlType {
		logger.Get().WithField("project_id", project.ID).WithField("got", item.Type).WithField("want", project.CrawlType).
			Warn("listener: item type mismatch, discarding")
		return false
	}

	if test {
		l.bus.Publish(ctx, TestItemsChannel(project.ID), item)
		l.publishItemStat(ctx, project.ID)
		return true
	}

	groupID := project.OutputGroupID
	ok := false

	switch item.Type {
	case model.ItemTypeKeywords:
		if err := l.store.InsertKeywords(groupID, item.Keywords); err != nil {
			logger.Get().WithError(err).Warn("listener: insert keywords failed")
			metrics.ErrorsTotal.WithLabelValues("listener").Inc()
			return false
		}
		ok = len(item.Keywords) > 0
		if ok {
			metrics.ItemsRouted.WithLabelValues("keywords").Inc()
		}

	case model.ItemTypeImages:
		fresh := l.filterSeenImages(ctx, groupID, item.Images)
		if len(fresh) == 0 {
			return false
		}
		if err := l.store.InsertImages(groupID, fresh); err != nil {
			logger.Get().WithError(err).Warn("listener: insert images failed")
			metrics.ErrorsTotal.WithLabelValues("listener").Inc()
			return false
		}
		l.markImagesSeen(ctx, groupID, fresh)
		ok = true
		metrics.ItemsRouted.WithLabelValues("images").Inc()

	case model.ItemTypeArticle:
		article := &model.OriginalArticle{
			SourceID:  fmt.Sprintf("%d", project.ID),
			GroupID:   groupID,
			SourceURL: item.SourceURL,
			Title:     item.Title,
			Content:   item.Content,
		}
		id, inserted, err := l.store.InsertArticle(article)
		if err != nil {
			logger.Get().WithError(err).Warn("listener: insert article failed")
			metrics.ErrorsTotal.WithLabelValues("listener").Inc()
			return false
		}
		if inserted {
			if err := l.rdb.RPush(ctx, "pending:articles", id).Err(); err != nil {
				logger.Get().WithError(err).Warn("listener: push pending article failed")
			}
			metrics.ItemsRouted.WithLabelValues("article").Inc()
		}
		ok = inserted
	}

	if ok {
		l.publishItemStat(ctx, project.ID)
	}
	return ok
}

func (l *Listener) publishItemStat(ctx context.Context, projectID int64) {
	key := fmt.Sprintf("spider:%d:stats", projectID)
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		logger.Get().WithError(err).Warn("listener: increment item stat failed")
		return
	}
	l.bus.Publish(ctx, StatsChannel(projectID), pubsub.StatsMessage{
		Type:       "stats",
		ProjectID:  projectID,
		ItemsCount: count,
		Timestamp:  time.Now().Unix(),
	})
}

func (l *Listener) filterSeenImages(ctx context.Context, groupID int64, urls []string) []string {
	setKey := fmt.Sprintf("dedup:images:%d", groupID)
	var fresh []string
	for _, u := range urls {
		seen, err := l.cache.SIsMember(setKey, u)
		if err != nil {
			logger.Get().WithError(err).Warn("listener: image membership check failed")
			continue
		}
		if !seen {
			fresh = append(fresh, u)
		}
	}
	return fresh
}

func (l *Listener) markImagesSeen(ctx context.Context, groupID int64, urls []string) {
	setKey := fmt.Sprintf("dedup:images:%d", groupID)
	for _, u := range urls {
		if _, err := l.cache.SAdd(setKey, u); err != nil {
			logger.Get().WithError(err).Warn("listener: mark images seen failed")
		}
	}
}
