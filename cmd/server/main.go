package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/api"
	"github.com/ignite/campaign-engine/internal/audience"
	"github.com/ignite/campaign-engine/internal/audit"
	"github.com/ignite/campaign-engine/internal/campaign"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, scheduler lock falls back to advisory locks", "error", err.Error())
			redisClient = nil
		}
		cancel()
	}

	store := campaign.NewStore(db)
	resolver := audience.NewResolver(db)
	followUp := audience.NewFollowUpFilter(db)
	auditor := audit.LogEmitter{}

	populator := campaign.NewPopulator(store, resolver, followUp, cfg.Delivery.MaxAttempts, auditor)
	controller := campaign.NewController(store, populator, auditor)

	scheduler := campaign.NewScheduler(store, controller, redisClient)
	scheduler.SetTickInterval(time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second)
	scheduler.SetLockTTL(time.Duration(cfg.Scheduler.LockTTLSeconds) * time.Second)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err.Error())
		os.Exit(1)
	}

	srv := api.NewServer(store, controller)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", addr)
		errCh <- srv.ListenAndServe(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server error", "error", err.Error())
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err.Error())
	}
	logger.Info("server stopped")
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
