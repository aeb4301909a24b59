package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fundcast/engine/params"
	"github.com/fundcast/engine/pkg/exchange/coordinator"
	"github.com/fundcast/engine/pkg/exchange/ledger"
	"github.com/fundcast/engine/pkg/exchange/market"
	"github.com/fundcast/engine/pkg/exchange/settle"
	"github.com/fundcast/engine/pkg/feed"
	"github.com/fundcast/engine/pkg/resil/breaker"
	"github.com/fundcast/engine/pkg/resil/cache"
	"github.com/fundcast/engine/pkg/resil/slo"
	"github.com/fundcast/engine/pkg/resil/taskq"
	"github.com/fundcast/engine/pkg/storage"
	"github.com/fundcast/engine/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "path to engine.yaml (optional)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := params.Load(*configPath)
	if err != nil {
		panic(err)
	}

	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = util.NewLoggerWithFile(cfg.Logging.Level, cfg.Logging.File)
	} else {
		log, err = util.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	registry := prometheus.NewRegistry()

	monitor, err := slo.New(cfg.SLO.Window, cfg.SLO.BucketSize, nil, registry)
	if err != nil {
		log.Fatal("slo monitor", zap.Error(err))
	}
	for name, target := range cfg.SLO.Targets {
		if err := monitor.Register(name, target); err != nil {
			log.Fatal("slo target", zap.String("slo", name), zap.Error(err))
		}
	}

	breakers := breaker.NewRegistry(breaker.Config{
		WindowSize:       cfg.Breaker.WindowSize,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SlowThreshold:    cfg.Breaker.SlowThreshold,
		SlowCall:         time.Duration(cfg.Breaker.SlowCallMs) * time.Millisecond,
		MinSamples:       cfg.Breaker.MinSamples,
		Cooldown:         time.Duration(cfg.Breaker.CooldownMs) * time.Millisecond,
		MaxCooldown:      time.Duration(cfg.Breaker.MaxCooldownMs) * time.Millisecond,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
		CallTimeout:      cfg.Breaker.CallTimeout,
	}, nil, log, registry)

	// The shared cache memoises idempotent reads (market metadata, user
	// snapshots) for the API layer; its L2 faults are isolated by a
	// breaker.
	sharedCache, err := cache.New(cache.Config{
		L1Capacity: cfg.Cache.L1Capacity,
		L1TTL:      cfg.Cache.L1TTL,
		L2TTL:      cfg.Cache.L2TTL,
	}, store.CacheLayer(), breakers.Get("cache.l2"), nil, log)
	if err != nil {
		log.Fatal("cache", zap.Error(err))
	}
	_ = sharedCache // handed to the API layer

	led := ledger.New(log, false)
	reg := market.NewRegistry()

	tasks := taskq.New(taskq.Config{
		Workers:     cfg.TaskQ.Workers,
		MaxAttempts: cfg.TaskQ.MaxAttempts,
		Backoff: taskq.Backoff{
			Base:   cfg.TaskQ.Backoff.Base,
			Factor: cfg.TaskQ.Backoff.Factor,
			Cap:    cfg.TaskQ.Backoff.Cap,
			Jitter: cfg.TaskQ.Backoff.Jitter,
		},
	}, nil, log)

	coord := coordinator.New(coordinator.Config{
		QueueDepth:       cfg.Engine.QueueDepth,
		EnqueueTimeout:   cfg.Engine.EnqueueTimeout,
		MaxPrice:         cfg.Book.PriceTicks,
		AllOrNone:        cfg.Book.MarketOrderPolicy == "all-or-none",
		PreventSelfTrade: cfg.Risk.SelfTrade == "prevent",
		FeeBps:           cfg.AMM.FeeBps,
	}, reg, led, store, monitor, tasks, log)

	settler := settle.New(led, reg, store, log)
	settler.RegisterHandler(tasks)

	if err := coord.Recover(); err != nil {
		log.Fatal("recovery", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tasks.Start(ctx)

	sched := cron.New()
	if cfg.Storage.CheckpointEvery != "" {
		if _, err := sched.AddFunc(cfg.Storage.CheckpointEvery, func() {
			if err := coord.Checkpoint(); err != nil {
				log.Error("checkpoint failed", zap.Error(err))
			}
		}); err != nil {
			log.Fatal("checkpoint schedule", zap.Error(err))
		}
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Feed.Enabled {
		hub := feed.NewHub(log)
		go hub.Run(coord.Subscribe(1024))

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWS)
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Feed.Addr, Handler: mux}
		go func() {
			log.Info("feed listening", zap.String("addr", cfg.Feed.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("feed server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("engine up")
	<-ctx.Done()
	log.Info("shutting down")

	if err := coord.Checkpoint(); err != nil {
		log.Error("final checkpoint failed", zap.Error(err))
	}
	coord.Close()
	tasks.Stop()
}
