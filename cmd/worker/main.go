package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/campaign-engine/internal/audit"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/delivery"
	"github.com/ignite/campaign-engine/internal/mailer"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		logger.Error("failed to ping database", "error", err.Error())
		os.Exit(1)
	}
	cancel()
	logger.Info("connected to database")

	sesMailer, err := mailer.NewSESMailer(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	if err != nil {
		logger.Error("failed to create SES mailer", "error", err.Error())
		os.Exit(1)
	}

	pool := delivery.NewWorkerPool(db, sesMailer, cfg.Delivery.NumWorkers)
	pool.SetBatchSize(cfg.Delivery.BatchSize)
	pool.SetPollInterval(cfg.PollInterval())
	pool.SetSendTimeout(cfg.MailerTimeout())
	pool.SetBackoff(delivery.BackoffPolicy{
		Base:       time.Duration(cfg.Delivery.RetryBaseSeconds) * time.Second,
		Cap:        time.Duration(cfg.Delivery.RetryCapMinutes) * time.Minute,
		JitterFrac: cfg.Delivery.RetryJitterPercent,
	})
	pool.SetAuditEmitter(audit.LogEmitter{})

	pool.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	pool.Stop()
}
