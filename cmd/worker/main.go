// Command worker is the crawlpipe process: it owns the command listener,
// the content generator pipeline, the cron scheduler, and the ops HTTP
// surface, wired against one shared Redis client and Postgres handle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"crawlpipe/config"
	"crawlpipe/internal/fetch"
	"crawlpipe/internal/generator"
	"crawlpipe/internal/listener"
	"crawlpipe/internal/opsserver"
	"crawlpipe/internal/pubsub"
	"crawlpipe/internal/scheduler"
	"crawlpipe/internal/search"
	"crawlpipe/internal/spider"
	"crawlpipe/internal/storage"
	"crawlpipe/pkg/logger"
	"crawlpipe/pkg/metrics"
	"crawlpipe/pkg/telemetry"
)

// poolReloadHandler rereads the fetch.proxy_url setting on every
// "pool:reload" message and applies it to fetcher, letting an operator
// rotate proxies through system_settings without restarting the process.
func poolReloadHandler(store *storage.Store, fetcher *fetch.Fetcher) pubsub.Handler {
	return func(ctx context.Context, data []byte) {
		value, _, err := store.GetSetting("fetch.proxy_url")
		if err != nil {
			logger.Get().WithError(err).Warn("crawlpipe: pool reload: read fetch.proxy_url failed")
			return
		}
		if err := fetcher.SetProxy(value); err != nil {
			logger.Get().WithError(err).Warn("crawlpipe: pool reload: apply proxy failed")
			return
		}
		logger.Get().Info("crawlpipe: pool reload: proxy updated")
	}
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to JSON config file (optional, env vars override)")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("crawlpipe: load config: %v", err)
	}

	logger.InitDefault("crawlpipe-worker")
	logger.Get().WithField("redis_addr", cfg.Redis.Addr).Info("crawlpipe: starting")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Get().WithError(err).Fatal("crawlpipe: redis unreachable")
	}
	pingCancel()

	store, err := storage.New(storage.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.Database,
	})
	if err != nil {
		logger.Get().WithError(err).Fatal("crawlpipe: postgres unreachable")
	}

	fetcher, err := fetch.New(fetch.Config{
		DefaultTimeout: cfg.Fetch.DefaultTimeout,
		MaxRetries:     cfg.Fetch.MaxRetries,
		RetryBaseDelay: time.Duration(cfg.Fetch.RetryBaseDelayMs) * time.Millisecond,
		ProxyURL:       cfg.Fetch.ProxyURL,
	})
	if err != nil {
		logger.Get().WithError(err).Fatal("crawlpipe: build fetcher")
	}

	bus := pubsub.New(rdb)
	registry := spider.NewRegistry()

	metrics.Register()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.NewTracerProvider(telemetry.TracerConfig{
			ServiceName:    "crawlpipe-worker",
			ServiceVersion: "dev",
			Environment:    os.Getenv("CRAWLPIPE_ENV"),
			ExporterType:   cfg.Tracing.Exporter,
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
			SamplingRatio:  cfg.Tracing.SamplingRatio,
		})
		if err != nil {
			logger.Get().WithError(err).Warn("crawlpipe: tracing disabled, provider setup failed")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Get().WithError(err).Warn("crawlpipe: tracer provider shutdown")
				}
			}()
		}
	}

	var indexer *search.Indexer
	if len(cfg.Search.Addrs) > 0 {
		indexer, err = search.New(cfg.Search.Addrs)
		if err != nil {
			logger.Get().WithError(err).Warn("crawlpipe: elasticsearch indexer disabled")
			indexer = nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	l := listener.New(store, registry, fetcher, rdb, bus, cfg.Consumer.DefaultConcurrency, func() {
		logger.Get().Warn("crawlpipe: restart command received")
		stop()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.Listen(ctx, cfg.Channels.SpiderCommands, cfg.Channels.WorkerCommand); err != nil {
			logger.Get().WithError(err).Warn("crawlpipe: listener exited")
		}
	}()

	gen := generator.New(generator.Config{
		Concurrency:       cfg.Generator.Concurrency,
		BatchSize:         cfg.Generator.BatchSize,
		MinParagraphChars: cfg.Generator.MinParagraphChars,
		RetryMax:          cfg.Generator.RetryMax,
		StatsInterval:     time.Duration(cfg.Generator.StatsIntervalSecs) * time.Second,
		StatsChannel:      cfg.Channels.ProcessorCommands,
	}, rdb, store, bus)
	gen.SetIndexer(indexer)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gen.Run(ctx); err != nil {
			logger.Get().WithError(err).Warn("crawlpipe: generator exited")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bus.Subscribe(ctx, poolReloadHandler(store, fetcher), cfg.Channels.PoolReload); err != nil {
			logger.Get().WithError(err).Warn("crawlpipe: pool reload subscriber exited")
		}
	}()

	sched := scheduler.New(store, bus, cfg.Channels.SpiderCommands)
	if err := sched.Start(ctx); err != nil {
		logger.Get().WithError(err).Fatal("crawlpipe: scheduler start failed")
	}
	defer sched.Stop()

	if cfg.Ops.Port > 0 {
		opsAddr := ":" + strconv.Itoa(cfg.Ops.Port)
		ops := opsserver.New(opsserver.Config{Addr: opsAddr}, store.DB(), rdb)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ops.ListenAndServe(); err != nil {
				logger.Get().WithError(err).Warn("crawlpipe: ops server exited")
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ops.Shutdown(shutdownCtx); err != nil {
				logger.Get().WithError(err).Warn("crawlpipe: ops server shutdown")
			}
		}()
	}

	<-ctx.Done()
	logger.Get().Info("crawlpipe: shutdown signal received, draining")

	wg.Wait()
	os.Exit(0)
}
