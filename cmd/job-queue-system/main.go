// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dlearley/bi-agent-core/internal/admin"
	"github.com/dlearley/bi-agent-core/internal/cacheorch"
	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/dlearley/bi-agent-core/internal/handlers"
	"github.com/dlearley/bi-agent-core/internal/ingest"
	"github.com/dlearley/bi-agent-core/internal/obs"
	"github.com/dlearley/bi-agent-core/internal/queue"
	"github.com/dlearley/bi-agent-core/internal/reaper"
	"github.com/dlearley/bi-agent-core/internal/redisclient"
	"github.com/dlearley/bi-agent-core/internal/scheduler"
	"github.com/dlearley/bi-agent-core/internal/schemaregistry"
	"github.com/dlearley/bi-agent-core/internal/store"
	"github.com/dlearley/bi-agent-core/internal/stream"
	"github.com/dlearley/bi-agent-core/internal/warehouse"
	"github.com/dlearley/bi-agent-core/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

// queueNames lists every named queue the job handlers in internal/handlers
// register against (handlers.RegisterAll's queue mapping).
var queueNames = []string{"catalog", "reports", "alerts", "ingestion"}

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminQueue string
	var adminN int
	var adminYes bool
	var benchCount int
	var benchRate int
	var benchPriority string
	var benchTimeout time.Duration
	var benchPayloadSize int
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: ingest|worker|scheduler|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-dlq|bench")
	fs.StringVar(&adminQueue, "queue", "", "Queue name for admin peek/purge")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.IntVar(&benchCount, "bench-count", 1000, "Admin bench: number of jobs")
	fs.IntVar(&benchRate, "bench-rate", 500, "Admin bench: enqueue rate jobs/sec")
	fs.StringVar(&benchPriority, "bench-priority", "catalog", "Admin bench: queue name")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "Admin bench: timeout to wait for completion")
	fs.IntVar(&benchPayloadSize, "bench-payload-size", 1024, "Admin bench: payload size in bytes")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			_, err := rdb.Ping(c).Result()
			return err
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if role != "admin" {
		obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger, queueNames)
	}

	engine := queue.New(cfg, rdb, logger)

	switch role {
	case "worker":
		runWorker(ctx, cfg, rdb, engine, logger)
	case "ingest":
		runIngest(ctx, cfg, engine, logger)
	case "scheduler":
		runScheduler(ctx, cfg, engine, logger)
	case "all":
		go runIngest(ctx, cfg, engine, logger)
		go runScheduler(ctx, cfg, engine, logger)
		runWorker(ctx, cfg, rdb, engine, logger)
	case "admin":
		runAdmin(ctx, cfg, rdb, engine, adminCmd, adminQueue, adminN, adminYes, benchCount, benchRate, benchPriority, benchPayloadSize, benchTimeout, logger)
		return
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// runWorker wires every job handler kind per SPEC_FULL's component mapping
// onto the worker pool, plus the lease reaper that reclaims jobs abandoned
// by a crashed worker.
func runWorker(ctx context.Context, cfg *config.Config, rdb *redis.Client, engine *queue.Engine, logger *zap.Logger) {
	st, err := store.New(cfg)
	if err != nil {
		logger.Fatal("store init failed", obs.Err(err))
	}
	wh, err := warehouse.New(cfg)
	if err != nil {
		logger.Fatal("warehouse init failed", obs.Err(err))
	}
	defer wh.Close()
	cache, err := cacheorch.New(cfg, rdb)
	if err != nil {
		logger.Fatal("cache orchestrator init failed", obs.Err(err))
	}
	blob, err := handlers.NewBlobStore(cfg)
	if err != nil {
		logger.Fatal("blob store init failed", obs.Err(err))
	}

	pool := worker.New(cfg, engine, logger)
	handlers.RegisterAll(pool, cfg, logger, handlers.Deps{
		Warehouse: wh,
		Store:     st,
		Cache:     cache,
		Blob:      blob,
		Channels:  []handlers.AlertChannel{handlers.NewSlackChannel(cfg.Alerting)},
	})

	rep := reaper.New(cfg, engine, logger, func() []string { return queueNames })
	go rep.Run(ctx)

	if err := pool.Run(ctx); err != nil {
		logger.Fatal("worker pool error", obs.Err(err))
	}
}

// runIngest consumes every configured topic's owned partitions and feeds
// decoded records into the ingestion handler (spec §4.1, §4.2). It also
// runs a small worker pool for crm_ingest_offset, since that replay
// handler needs the live consumer that owns each partition's cursor.
func runIngest(ctx context.Context, cfg *config.Config, engine *queue.Engine, logger *zap.Logger) {
	st, err := store.New(cfg)
	if err != nil {
		logger.Fatal("store init failed", obs.Err(err))
	}
	registry, err := schemaregistry.New(cfg, logger)
	if err != nil {
		logger.Fatal("schema registry init failed", obs.Err(err))
	}

	ingestHandler := ingest.New(st, logger)

	resolve := func(schemaID uint32) (func([]byte) (stream.Envelope, error), error) {
		if _, err := registry.ResolveByID(ctx, schemaID); err != nil {
			return nil, err
		}
		return func(body []byte) (stream.Envelope, error) {
			var env stream.Envelope
			err := json.Unmarshal(body, &env)
			return env, err
		}, nil
	}

	consumer := stream.NewConsumer(cfg.Stream, logger, resolve, ingestHandler.AsHandleFunc())
	self := fmt.Sprintf("ingest-%d", os.Getpid())

	for _, topic := range cfg.Stream.Topics {
		assignment := stream.AssignPartitions(topic, cfg.Stream.PartitionsPerTopic, []string{self})
		owned := stream.OwnedPartitions(assignment, self)
		if err := consumer.Start(ctx, topic, owned, self); err != nil {
			logger.Fatal("consumer start failed", obs.String("topic", topic), obs.Err(err))
		}
	}

	replayPool := worker.New(cfg, engine, logger)
	replay := handlers.NewCrmIngestOffsetHandler(consumer)
	replayPool.RegisterHandler("ingestion", "crm_ingest_offset", cfg.QueueSettings("ingestion").Concurrency, replay.Handle)
	go func() {
		if err := replayPool.Run(ctx); err != nil {
			logger.Error("ingest replay pool error", obs.Err(err))
		}
	}()

	<-ctx.Done()
	consumer.Stop()
}

// runScheduler ticks the cron scheduler at the configured interval,
// enqueuing every schedule whose next_fire_at has passed.
func runScheduler(ctx context.Context, cfg *config.Config, engine *queue.Engine, logger *zap.Logger) {
	st, err := store.New(cfg)
	if err != nil {
		logger.Fatal("store init failed", obs.Err(err))
	}
	sched := scheduler.New(cfg, st, engine, logger)

	interval := cfg.Scheduler.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fired, err := sched.FireDue(ctx, now)
			if err != nil {
				logger.Error("schedule tick failed", obs.Err(err))
				continue
			}
			if fired > 0 {
				logger.Info("schedules fired", obs.Int("count", fired))
			}
		}
	}
}

func runAdmin(ctx context.Context, cfg *config.Config, rdb *redis.Client, engine *queue.Engine, cmd, queueName string, n int, yes bool, benchCount, benchRate int, benchQueue string, benchPayloadSize int, benchTimeout time.Duration, logger *zap.Logger) {
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, engine, queueNames)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "peek":
		if queueName == "" {
			logger.Fatal("admin peek requires --queue")
		}
		res, err := admin.PeekDead(ctx, rdb, cfg, queueName, int64(n))
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "purge-dlq":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		if queueName == "" {
			logger.Fatal("admin purge-dlq requires --queue")
		}
		purged, err := admin.PurgeDead(ctx, rdb, cfg, queueName)
		if err != nil {
			logger.Fatal("admin purge-dlq error", obs.Err(err))
		}
		fmt.Printf("dead letter queue purged: %d\n", purged)
	case "bench":
		res, err := admin.Bench(ctx, engine, benchQueue, "bench_kind", benchCount, benchRate, benchPayloadSize, benchTimeout)
		if err != nil {
			logger.Fatal("admin bench error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}
