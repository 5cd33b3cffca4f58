package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patrickwarner/convertrelay/internal/analytics"
	"github.com/patrickwarner/convertrelay/internal/api"
	"github.com/patrickwarner/convertrelay/internal/attribution"
	"github.com/patrickwarner/convertrelay/internal/config"
	"github.com/patrickwarner/convertrelay/internal/db"
	"github.com/patrickwarner/convertrelay/internal/logic"
	"github.com/patrickwarner/convertrelay/internal/logic/ratelimit"
	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/observability"
	"github.com/patrickwarner/convertrelay/internal/relay"
	"github.com/patrickwarner/convertrelay/internal/tracking"

	"go.uber.org/zap"
)

// rateLimitIdle is how long a client's bucket survives without events.
const rateLimitIdle = 30 * time.Minute

// memorySweepInterval is how often the in-memory store drops expired keys.
const memorySweepInterval = 5 * time.Minute

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	metricsRegistry := observability.NewPrometheusRegistry()

	var (
		store     db.KeyValueStore
		memory    *db.MemoryStore
		redis     *db.RedisStore
		updates   api.UpdatePublisher
		goalStore api.GoalStore
		recorder  analytics.DeliveryRecorder
	)
	switch cfg.StoreBackend {
	case "memory":
		memory = db.NewMemoryStore()
		store = memory
		logger.Warn("using in-memory visitor store; state is lost on restart and not shared between instances")
	default:
		rs, err := db.InitRedis(cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		defer rs.Close()
		store, redis, updates = rs, rs, rs
	}

	catalog := models.NewInMemoryGoalCatalog(relay.DefaultGoals(cfg))
	if cfg.PostgresDSN != "" {
		pg, err := db.InitPostgres(ctx, cfg.PostgresDSN, db.Pool{
			MaxOpen:     cfg.DBMaxOpenConns,
			MaxIdle:     cfg.DBMaxIdleConns,
			MaxLifetime: cfg.DBConnMaxLifetime,
			MaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			return fmt.Errorf("failed to connect postgres: %w", err)
		}
		defer pg.Close()
		goalStore = pg
	}

	if cfg.ClickHouseDSN != "" {
		analyticsSvc, err := analytics.InitClickHouse(cfg.ClickHouseDSN, cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime, metricsRegistry)
		if err != nil {
			return fmt.Errorf("failed to connect clickhouse: %w", err)
		}
		defer analyticsSvc.Close()
		recorder = analyticsSvc
	}

	settings, err := relay.SettingsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	rates, err := logic.ParseRates(cfg.ExchangeRates)
	if err != nil {
		return fmt.Errorf("EXCHANGE_RATES: %w", err)
	}

	transport := tracking.NewHTTPTransport(cfg.TrackingTimeout, logger)
	beacons := tracking.NewBeaconQueue(transport, cfg.BeaconWorkers, cfg.BeaconQueueSize, logger, metricsRegistry)
	client := tracking.NewClient(tracking.Options{Domain: cfg.MetricsDomain, Source: cfg.TrackingSource}, beacons, logger, metricsRegistry)

	sampler := observability.NewLogSampler(observability.GetSamplingRate())
	pipeline := relay.NewPipeline(settings, relay.Deps{
		Resolver:   attribution.NewResolver(logger, attribution.DefaultSources(attribution.StoreSource{Store: store})...),
		Catalog:    catalog,
		Store:      store,
		Dispatcher: client,
		Rates:      rates,
		Recorder:   recorder,
		Logger:     logger,
		Metrics:    metricsRegistry,
		Sampler:    sampler,
	})
	bus := relay.NewBus(logger)
	if err := pipeline.Register(bus); err != nil {
		return fmt.Errorf("register pipeline: %w", err)
	}

	rateLimiter := ratelimit.NewClientLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.RateLimitRefillRate,
		Enabled:    cfg.RateLimitEnabled,
	}, metricsRegistry)

	srvDeps := api.NewServer(logger, store, catalog, goalStore, updates, bus, rateLimiter, metricsRegistry, cfg)
	if goalStore != nil {
		if err := srvDeps.Reload(ctx); err != nil {
			return fmt.Errorf("load project goals: %w", err)
		}
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      srvDeps.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Attribution relay running",
		zap.String("addr", addr),
		zap.String("store", cfg.StoreBackend),
		zap.String("goal_mode", cfg.GoalMode),
		zap.Bool("property_filtering", cfg.EnablePropertyFiltering))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if redis != nil && goalStore != nil {
		go func() {
			err := redis.SubscribeGoalUpdates(ctx, func(payload string) {
				logger.Debug("goal update received", zap.String("payload", payload))
				if err := srvDeps.Reload(ctx); err != nil {
					logger.Error("reload on goal update", zap.Error(err))
				}
			})
			if err != nil {
				logger.Error("goal update subscription ended", zap.Error(err))
			}
		}()
	}

	if memory != nil {
		sweep := time.NewTicker(memorySweepInterval)
		go func() {
			defer sweep.Stop()
			for {
				select {
				case <-sweep.C:
					if n := memory.Prune(); n > 0 {
						logger.Debug("pruned expired visitor keys", zap.Int("count", n), zap.Int("remaining", memory.Len()))
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if cfg.ReloadInterval > 0 {
		ticker := time.NewTicker(cfg.ReloadInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					if goalStore != nil {
						if err := srvDeps.Reload(ctx); err != nil {
							logger.Error("auto reload", zap.Error(err))
						}
					}
					if n := rateLimiter.Prune(rateLimitIdle); n > 0 {
						logger.Debug("pruned idle rate limit buckets", zap.Int("count", n))
					}
					sampler.LogStats(logger)
				case <-ctx.Done():
					ticker.Stop()
					return
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	// in-flight handlers are done; flush beacons they queued
	beacons.Close()

	return nil
}
