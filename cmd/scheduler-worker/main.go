package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-automation/internal/config"
	"github.com/hackgods/appointment-automation/internal/engine"
	"github.com/hackgods/appointment-automation/internal/logger"
	"github.com/hackgods/appointment-automation/internal/metrics"
	redisclient "github.com/hackgods/appointment-automation/internal/redis"
)

func main() {
	log := logger.For(logger.ComponentWorker)
	defer logger.Sync()
	log.Infow("scheduler-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("config load error", logger.Err(err))
	}

	log.Infow("running scheduler worker",
		"env", cfg.Env,
		"interval", cfg.SchedulerInterval,
		"batch_size", cfg.SchedulerBatchSize,
		"tenants", cfg.TenantIDs(),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.Fatalw("redis connection error", logger.Err(err))
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warnw("error closing redis", logger.Err(err))
			}
		}()
		log.Infow("connected to Redis", "addr", cfg.RedisAddr)
	}

	workerID := workerName()
	openCtx, cancelOpen := context.WithTimeout(rootCtx, 30*time.Second)
	tenants, err := engine.Open(openCtx, cfg, engine.SharedFromConfig(cfg, rdb), workerID)
	cancelOpen()
	if err != nil {
		log.Fatalw("tenant setup error", logger.Err(err))
	}
	defer tenants.Close()

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go serveMetrics(log, addr)
	}

	var wg sync.WaitGroup
	for _, id := range tenants.IDs() {
		eng, err := tenants.Get(id)
		if err != nil {
			log.Fatalw("tenant lookup error", "tenant", id, logger.Err(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runTenant(rootCtx, eng, cfg, log.With("tenant", id, "worker_id", workerID))
		}()
	}

	wg.Wait()
	log.Infow("scheduler-worker stopped")
}

func workerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func serveMetrics(log *zap.SugaredLogger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorw("metrics server error", logger.Err(err))
	}
}

// runTenant polls one tenant until ctx is done. Cleanup runs once per
// CLEANUP_INTERVAL on top of the regular poll.
func runTenant(ctx context.Context, eng *engine.Engine, cfg config.Config, log *zap.SugaredLogger) {
	// Run once at startup
	runOnce(ctx, eng, cfg, log)

	ticker := time.NewTicker(cfg.SchedulerInterval)
	defer ticker.Stop()

	lastCleanup := time.Time{}
	for {
		select {
		case <-ctx.Done():
			log.Infow("shutdown signal received, stopping tenant poll loop")
			return
		case <-ticker.C:
			runOnce(ctx, eng, cfg, log)
			if time.Since(lastCleanup) >= cfg.CleanupInterval {
				cleanup(ctx, eng, cfg, log)
				lastCleanup = time.Now()
			}
		}
	}
}

func runOnce(ctx context.Context, eng *engine.Engine, cfg config.Config, log *zap.SugaredLogger) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.SchedulerRunTimeout)
	defer cancel()

	start := time.Now()

	if stale, err := eng.RecoverStale(runCtx); err != nil {
		log.Errorw("stale recovery failed", logger.Err(err))
	} else if stale.Jobs > 0 || stale.Actions > 0 {
		log.Infow("stale work failed for retry", "jobs", stale.Jobs, "actions", stale.Actions)
	}

	if _, err := eng.RetryFailedJobs(runCtx); err != nil {
		log.Errorw("retry failed jobs failed", logger.Err(err))
	}

	report, err := eng.ProcessDueJobs(runCtx, cfg.SchedulerBatchSize)
	if err != nil {
		log.Errorw("poll run error", logger.Err(err))
		return
	}
	if report.Skipped {
		return
	}
	log.Infow("poll run complete",
		"claimed", report.Claimed,
		"completed", report.Completed,
		"failed", report.Failed,
		"discarded", report.Discarded,
		"took", time.Since(start),
	)
}

func cleanup(ctx context.Context, eng *engine.Engine, cfg config.Config, log *zap.SugaredLogger) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.SchedulerRunTimeout)
	defer cancel()

	report, err := eng.CleanupOldJobs(runCtx, cfg.JobRetentionDays)
	if err != nil {
		log.Errorw("cleanup failed", logger.Err(err))
		return
	}
	log.Infow("cleanup complete", "jobs_deleted", report.Jobs, "actions_deleted", report.Actions)
}
