// Command telemetry-pipeline is the main entrypoint for the agent
// telemetry pipeline: it serves the HTTP ingest endpoint, runs the batch
// driver that projects queued events into the aggregate tables, and runs
// the export worker that ships CSV snapshots to object storage.
//
// Init order is telemetry, store, redis, server, then workers, with a
// signal-driven graceful shutdown at the end.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentpulse/telemetry-pipeline/internal/api"
	"github.com/agentpulse/telemetry-pipeline/internal/config"
	"github.com/agentpulse/telemetry-pipeline/internal/driver"
	"github.com/agentpulse/telemetry-pipeline/internal/exports"
	"github.com/agentpulse/telemetry-pipeline/internal/ingest"
	"github.com/agentpulse/telemetry-pipeline/internal/logging"
	"github.com/agentpulse/telemetry-pipeline/internal/opscache"
	"github.com/agentpulse/telemetry-pipeline/internal/queue"
	"github.com/agentpulse/telemetry-pipeline/internal/storage/postgres"
	"github.com/agentpulse/telemetry-pipeline/internal/telemetry"
)

func main() {
	ctx := context.Background()

	cfg := config.MustLoad()

	logger := logging.MustNew(logging.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
	})
	defer logger.Sync()

	tp := telemetry.MustInit(ctx, telemetry.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.TelemetryEndpoint,
		Protocol:    cfg.TelemetryProtocol,
		Insecure:    cfg.TelemetryInsecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down telemetry provider", zap.Error(err))
		}
	}()

	store, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	queueStore := queue.NewStore(store.Pool())

	var redisClient *redis.Client
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("failed to parse Redis URL, operator status cache disabled", zap.Error(err))
	} else {
		redisClient = redis.NewClient(redisOpts)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("failed to connect to Redis, operator status cache disabled", zap.Error(err))
			redisClient.Close()
			redisClient = nil
		}
		cancel()
	}

	var opsCache *opscache.Cache
	if redisClient != nil {
		opsCache = opscache.NewCache(opscache.Config{
			Client: redisClient,
			Logger: logger,
			TTL:    cfg.OpsCacheTTL,
		})
	}

	apiServer := api.NewServer(api.Config{
		Port:        cfg.IngestPort,
		Logger:      logger,
		Store:       store,
		RedisClient: redisClient,
		OpsCache:    opsCache,
	})

	ingestHandler := ingest.NewHandler(queueStore, logger, cfg.ServiceName)
	apiServer.RegisterIngestRoutes(ingestHandler)

	jobRepo := exports.NewJobRepository(store.Pool())
	exportsHandler := api.NewExportsHandler(jobRepo, logger)
	apiServer.RegisterExportsRoutes(exportsHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.IngestPort),
		Handler:      apiServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting telemetry pipeline",
			zap.String("service", cfg.ServiceName),
			zap.String("environment", cfg.Environment),
			zap.Int("port", cfg.IngestPort),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	drivers := make([]*driver.Driver, 0, cfg.WorkerConcurrency)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		d := driver.New(driver.Config{
			Pool:         store.Pool(),
			Queue:        queueStore,
			Logger:       logger,
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
		})
		drivers = append(drivers, d)
		go func() {
			if err := d.Start(ctx); err != nil {
				logger.Error("batch driver failed", zap.Error(err))
			}
		}()
	}
	defer func() {
		for _, d := range drivers {
			d.Stop()
		}
	}()

	if opsCache != nil {
		go runOpsCacheSync(ctx, opsCache, queueStore, cfg.OpsCacheTTL, logger)
	}

	var exportWorker *exports.JobRunner
	if cfg.S3Endpoint != "" && cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		s3Delivery, err := exports.NewS3Delivery(
			cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey,
			cfg.S3Bucket, cfg.S3Region, cfg.ExportSignedURLTTL, logger,
		)
		if err != nil {
			logger.Error("failed to initialize S3 delivery adapter, export worker disabled", zap.Error(err))
		} else {
			exportWorker = exports.NewJobRunner(exports.RunnerConfig{
				Pool:       store.Pool(),
				S3Delivery: s3Delivery,
				Logger:     logger,
				Interval:   cfg.ExportWorkerInterval,
				Workers:    cfg.ExportWorkerConcurrency,
			})
			go func() {
				if err := exportWorker.Start(ctx); err != nil {
					logger.Error("export job runner failed", zap.Error(err))
				}
			}()
			defer exportWorker.Stop()
		}
	} else {
		logger.Warn("S3 delivery not configured, export jobs will remain pending")
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("server error", zap.Error(err))
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
			if err := srv.Close(); err != nil {
				logger.Error("force close failed", zap.Error(err))
			}
		}
		logger.Info("shutdown complete")
	}
}

// runOpsCacheSync periodically refreshes the operator-visibility
// queue-depth snapshot every half of the cache's TTL (every 5s when the
// TTL is zero), so a fresh snapshot is written before the last one expires.
func runOpsCacheSync(ctx context.Context, cache *opscache.Cache, source opscache.CountSource, ttl time.Duration, logger *zap.Logger) {
	interval := ttl / 2
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.SyncFromDB(ctx, source); err != nil {
				logger.Warn("failed to sync queue-depth cache", zap.Error(err))
			}
		}
	}
}
