package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/appointment-automation/internal/api"
	"github.com/hackgods/appointment-automation/internal/config"
	"github.com/hackgods/appointment-automation/internal/engine"
	"github.com/hackgods/appointment-automation/internal/logger"
	redisclient "github.com/hackgods/appointment-automation/internal/redis"
)

var version = "dev"

func main() {
	log := logger.For(logger.ComponentAPI)
	defer logger.Sync()
	log.Infow("api-server starting up", "version", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("config load error", logger.Err(err))
	}

	log.Infow("configuration loaded", "env", cfg.Env, "http_port", cfg.HTTPPort, "tenants", cfg.TenantIDs())

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
	} else {
		log.Warnw("REDIS_ADDR not set, using process-local locks")
	}

	openCtx, cancelOpen := context.WithTimeout(rootCtx, 30*time.Second)
	tenants, err := engine.Open(openCtx, cfg, engine.SharedFromConfig(cfg, rdb), "api-"+cfg.HTTPPort)
	cancelOpen()
	if err != nil {
		log.Fatalw("tenant setup error", logger.Err(err))
	}
	defer tenants.Close()

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Tenants:       tenants,
			Redis:         rdb,
			Env:           cfg.Env,
			Version:       version,
			BatchSize:     cfg.SchedulerBatchSize,
			RetentionDays: cfg.JobRetentionDays,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infow("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server error", logger.Err(err))
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Infow("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown error", logger.Err(err))
	}
}
