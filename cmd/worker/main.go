package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-checkout-reconciler/internal/app"
	"github.com/ariefcatur/go-checkout-reconciler/internal/config"
	"github.com/ariefcatur/go-checkout-reconciler/internal/erpsync"
	kafkax "github.com/ariefcatur/go-checkout-reconciler/internal/kafka"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	cfg.ServiceName += "-worker"
	log, err := logx.New(logx.Config{AppEnv: cfg.AppEnv, Level: cfg.Log.Level, Encoding: cfg.Log.Encoding})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.ServiceName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup", zap.Error(err))
	}

	fulfillment := erpsync.NewFulfillmentHandler(a.Orchestrator, redisx.NewDedup(a.Redis, "erp-submit"), log)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Fulfillment.GroupID, cfg.Fulfillment.Topic, cfg.Fulfillment.Workers, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("fulfillment consumer started",
			zap.String("group", cfg.Fulfillment.GroupID),
			zap.String("topic", cfg.Fulfillment.Topic),
			zap.Int("workers", cfg.Fulfillment.Workers))
		return cons.Start(gctx, fulfillment.Handle)
	})
	g.Go(func() error {
		a.SyncJob.Start(gctx, cfg.Sync.Interval)
		return nil
	})

	err = g.Wait()
	failed := err != nil && ctx.Err() == nil
	if failed {
		log.Error("worker stopped", zap.Error(err))
	}
	log.Info("shutting down worker")

	shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a.Close(shutdown)
	cancel()
	if failed {
		os.Exit(1)
	}
}
