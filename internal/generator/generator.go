// Package generator implements the content generator pipeline (C8): a
// worker pool that pops article ids, splits/cleans/annotates their
// content, dedups titles with a Bloom filter, batches writes, and
// retries failures to a dead-letter list before publishing realtime
// stats, per spec §4.7.
package generator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crawlpipe/internal/generator/dedup"
	"crawlpipe/internal/model"
	"crawlpipe/internal/pubsub"
	"crawlpipe/internal/search"
	"crawlpipe/internal/storage"
	"crawlpipe/pkg/cache"
	"crawlpipe/pkg/logger"
	"crawlpipe/pkg/metrics"
)

// tracer is a no-op until cmd/worker installs a real TracerProvider.
var tracer = otel.Tracer("crawlpipe/generator")

const (
	pendingListKey      = "pending:articles"
	pendingRetryListKey = "pending:articles:retry"
	deadListKey         = "pending:articles:dead"
	popTimeout          = 2 * time.Second
)

// Config tunes the pipeline.
type Config struct {
	Concurrency       int
	BatchSize         int
	MinParagraphChars int
	RetryMax          int
	StatsInterval     time.Duration
	StatsChannel      string
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MinParagraphChars <= 0 {
		c.MinParagraphChars = 20
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	if c.StatsChannel == "" {
		c.StatsChannel = "processor:stats"
	}
}

// counters are the per-manager worker counters aggregated into the
// periodic stats snapshot.
type counters struct {
	processed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	processingMs atomic.Int64
}

// Manager supervises the worker pool and the stats publisher.
type Manager struct {
	cfg     Config
	rdb     *redis.Client
	cache   *cache.RedisCache
	store   *storage.Store
	bus     *pubsub.Bus
	filter  *dedup.Filter
	cnt     counters
	batchID *batchIDAllocator
	indexer *search.Indexer
}

// SetIndexer attaches a best-effort Elasticsearch indexer; nil disables
// indexing entirely (the default).
func (m *Manager) SetIndexer(ix *search.Indexer) {
	m.indexer = ix
}

// New builds a Manager.
func New(cfg Config, rdb *redis.Client, store *storage.Store, bus *pubsub.Bus) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:     cfg,
		rdb:     rdb,
		cache:   cache.NewFromClient(rdb),
		store:   store,
		bus:     bus,
		filter:  dedup.New(1 << 20),
		batchID: &batchIDAllocator{rdb: rdb},
	}
}

// Run starts the worker pool and the stats publisher, blocking until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < m.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.worker(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.publishStatsLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (m *Manager) worker(ctx context.Context, id int) {
	buf := newBatchBuffer(m.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			m.flushBuffer(ctx, buf)
			return
		default:
		}

		articleID, err := m.popNext(ctx)
		if err != nil {
			logger.Get().WithError(err).Warn("generator: pop failed")
			continue
		}
		if articleID == 0 {
			// queue briefly drained: flush whatever's accumulated rather
			// than let it sit until the next BatchSize is reached.
			m.flushBuffer(ctx, buf)
			continue
		}

		start := time.Now()
		item, err := m.prepareOne(ctx, articleID)
		if err != nil {
			m.cnt.failed.Add(1)
			metrics.GeneratorFailed.Inc()
			m.handleFailure(ctx, articleID, err)
			m.cnt.processingMs.Add(time.Since(start).Milliseconds())
			continue
		}
		if item == nil {
			m.cnt.processingMs.Add(time.Since(start).Milliseconds())
			continue // row gone, nothing to buffer
		}
		item.start = start
		buf.add(*item)

		if buf.full() {
			m.flushBuffer(ctx, buf)
		}
	}
}

// popNext blocks on the primary list, falling back to the retry list.
func (m *Manager) popNext(ctx context.Context) (int64, error) {
	result, err := m.rdb.BLPop(ctx, popTimeout, pendingListKey, pendingRetryListKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, err
	}
	var id int64
	if _, err := fmt.Sscanf(result[1], "%d", &id); err != nil {
		return 0, fmt.Errorf("parse article id %q: %w", result[1], err)
	}
	return id, nil
}

// pendingItem holds one article's cleaned output waiting for its batch to
// flush, plus what's needed to index and account for it afterward.
type pendingItem struct {
	articleID int64
	groupID   int64
	batchID   int64
	titles    []*model.Title
	contents  []*model.Content
	start     time.Time
}

// batchBuffer accumulates pendingItems for one worker until it reaches
// Config.BatchSize, mirroring the original processor's accumulate-then-flush
// loop instead of writing one article at a time.
type batchBuffer struct {
	size  int
	items []pendingItem
}

func newBatchBuffer(size int) *batchBuffer {
	return &batchBuffer{size: size}
}

func (b *batchBuffer) add(item pendingItem) {
	b.items = append(b.items, item)
}

func (b *batchBuffer) full() bool {
	return len(b.items) >= b.size
}

func (b *batchBuffer) drain() []pendingItem {
	items := b.items
	b.items = nil
	return items
}

// prepareOne fetches and cleans one article without writing it; the result
// is handed to the worker's batchBuffer for a later flush.
func (m *Manager) prepareOne(ctx context.Context, articleID int64) (*pendingItem, error) {
	article, err := m.store.GetArticle(articleID)
	if err != nil {
		return nil, fmt.Errorf("fetch article %d: %w", articleID, err)
	}
	if article == nil {
		return nil, nil // row gone, acknowledge and move on
	}

	batchID, err := m.batchID.next(ctx, article.GroupID)
	if err != nil {
		return nil, fmt.Errorf("allocate batch id: %w", err)
	}

	var titles []*model.Title
	if article.Title != "" && !m.filter.SeenOrAdd(article.Title) {
		titles = append(titles, &model.Title{GroupID: article.GroupID, BatchID: batchID, Title: article.Title})
	}

	var contents []*model.Content
	if article.Content != "" {
		for _, p := range CleanParagraphs(article.Content, m.cfg.MinParagraphChars) {
			contents = append(contents, &model.Content{GroupID: article.GroupID, BatchID: batchID, Content: Annotate(p)})
		}
	}

	return &pendingItem{
		articleID: articleID,
		groupID:   article.GroupID,
		batchID:   batchID,
		titles:    titles,
		contents:  contents,
	}, nil
}

// flushBuffer drains buf and writes every item's titles/contents in two
// batch statements, then accounts each item as processed or failed
// depending on whether the write succeeded.
func (m *Manager) flushBuffer(ctx context.Context, buf *batchBuffer) {
	items := buf.drain()
	if len(items) == 0 {
		return
	}

	var titles []*model.Title
	var contents []*model.Content
	for _, item := range items {
		titles = append(titles, item.titles...)
		contents = append(contents, item.contents...)
	}

	err := m.writeBatch(ctx, titles, contents)

	for _, item := range items {
		m.cnt.processingMs.Add(time.Since(item.start).Milliseconds())

		if err != nil {
			m.cnt.failed.Add(1)
			metrics.GeneratorFailed.Inc()
			m.handleFailure(ctx, item.articleID, err)
			continue
		}

		m.cnt.processed.Add(1)
		metrics.GeneratorProcessed.Inc()
		m.clearRetryCounter(ctx, item.articleID)
		m.bumpTodayCounter()

		if m.indexer != nil && (len(item.titles) > 0 || len(item.contents) > 0) {
			m.indexer.IndexBatch(ctx, m.searchDocs(item.groupID, item.batchID, item.titles, item.contents))
		}
	}
}

// writeBatch writes a flush's combined titles and contents, wrapped in a
// span covering both batch writes.
func (m *Manager) writeBatch(ctx context.Context, titles []*model.Title, contents []*model.Content) (err error) {
	_, span := tracer.Start(ctx, "generator.writeBatch", trace.WithAttributes(
		attribute.Int("titles", len(titles)),
		attribute.Int("contents", len(contents)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(titles) > 0 {
		if err = m.store.InsertTitlesBatch(titles); err != nil {
			return fmt.Errorf("insert titles: %w", err)
		}
	}
	if len(contents) > 0 {
		if err = m.store.InsertContentsBatch(contents); err != nil {
			return fmt.Errorf("insert contents: %w", err)
		}
	}
	return nil
}

func (m *Manager) searchDocs(groupID, batchID int64, titles []*model.Title, contents []*model.Content) []search.Document {
	docs := make([]search.Document, 0, len(titles)+len(contents))
	for _, t := range titles {
		docs = append(docs, search.Document{GroupID: groupID, BatchID: batchID, Title: t.Title, IndexedAt: time.Now()})
	}
	for _, c := range contents {
		docs = append(docs, search.Document{GroupID: groupID, BatchID: batchID, Content: c.Content, IndexedAt: time.Now()})
	}
	return docs
}

func (m *Manager) handleFailure(ctx context.Context, articleID int64, cause error) {
	logger.Get().WithField("article_id", articleID).WithError(cause).Warn("generator: processing failed")

	key := fmt.Sprintf("processor:retry:%d", articleID)
	count, err := m.cache.IncrementWithTTL(key, 24*time.Hour)
	if err != nil {
		logger.Get().WithError(err).Warn("generator: retry counter increment failed")
		return
	}

	if count < int64(m.cfg.RetryMax) {
		m.cnt.retried.Add(1)
		metrics.GeneratorRetried.Inc()
		m.rdb.RPush(ctx, pendingRetryListKey, articleID)
		return
	}

	m.rdb.RPush(ctx, deadListKey, articleID)
	m.cache.Delete(key)
}

func (m *Manager) clearRetryCounter(ctx context.Context, articleID int64) {
	m.cache.Delete(fmt.Sprintf("processor:retry:%d", articleID))
}

// bumpTodayCounter increments the local-day processed counter the stats
// snapshot reports as TodayTotal.
func (m *Manager) bumpTodayCounter() {
	today := time.Now().Format("20060102")
	if _, err := m.cache.IncrementWithTTL("processor:processed:"+today, 48*time.Hour); err != nil {
		logger.Get().WithError(err).Warn("generator: today counter increment failed")
	}
}

// Stats is the realtime snapshot published every StatsInterval.
type Stats struct {
	Processed   int64   `json:"processed"`
	Failed      int64   `json:"failed"`
	Retried     int64   `json:"retried"`
	PendingLen  int64   `json:"pending_len"`
	RetryLen    int64   `json:"retry_len"`
	DeadLen     int64   `json:"dead_len"`
	SpeedPerSec float64 `json:"speed_per_sec"`
	TodayTotal  int64   `json:"today_total"`
	Timestamp   int64   `json:"timestamp"`
}

func (m *Manager) publishStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()

	var lastProcessed int64
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(lastTick).Seconds()
			processed := m.cnt.processed.Load()
			delta := processed - lastProcessed
			speed := 0.0
			if elapsed > 0 {
				speed = float64(delta) / elapsed
			}
			lastProcessed = processed
			lastTick = now

			stats := m.snapshot(ctx, speed)
			if err := m.bus.Publish(ctx, m.cfg.StatsChannel, stats); err != nil {
				logger.Get().WithError(err).Warn("generator: publish stats failed")
			}
		}
	}
}

func (m *Manager) snapshot(ctx context.Context, speed float64) Stats {
	pendingLen, _ := m.rdb.LLen(ctx, pendingListKey).Result()
	retryLen, _ := m.rdb.LLen(ctx, pendingRetryListKey).Result()
	deadLen, _ := m.rdb.LLen(ctx, deadListKey).Result()

	today := time.Now().Format("20060102")
	var todayTotal int64
	m.cache.Get("processor:processed:"+today, &todayTotal)

	return Stats{
		Processed:   m.cnt.processed.Load(),
		Failed:      m.cnt.failed.Load(),
		Retried:     m.cnt.retried.Load(),
		PendingLen:  pendingLen,
		RetryLen:    retryLen,
		DeadLen:     deadLen,
		SpeedPerSec: speed,
		TodayTotal:  todayTotal,
		Timestamp:   time.Now().Unix(),
	}
}

// batchIDAllocator computes a per-group monotonically increasing
// batch_id via Redis INCR, the spec-permitted substitution for
// MAX(batch_id)+1 that avoids a read-then-write race across workers.
type batchIDAllocator struct {
	rdb *redis.Client
}

func (a *batchIDAllocator) next(ctx context.Context, groupID int64) (int64, error) {
	return a.rdb.Incr(ctx, fmt.Sprintf("batch_id:%d", groupID)).Result()
}
