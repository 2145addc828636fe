// Package app wires the shared dependencies of the api, worker and opsctl
// binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/config"
	"github.com/ariefcatur/go-checkout-reconciler/internal/erp"
	"github.com/ariefcatur/go-checkout-reconciler/internal/erpsync"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	kafkax "github.com/ariefcatur/go-checkout-reconciler/internal/kafka"
	"github.com/ariefcatur/go-checkout-reconciler/internal/notify"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"github.com/ariefcatur/go-checkout-reconciler/internal/postgres"
	"github.com/ariefcatur/go-checkout-reconciler/internal/redisx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/tasks"
)

const lockAttempts = 3

type App struct {
	Cfg config.Config
	Log *zap.Logger

	DB     *pgxpool.Pool
	Redis  *redis.Client
	Locker *redisx.Locker

	ERP          *erp.Client
	Orders       *orders.Repo
	Stock        *inventory.StockRepo
	SyncStatus   *inventory.StatusRepo
	SyncJob      *inventory.SyncJob
	Notifier     *notify.KafkaNotifier
	Tasks        *tasks.Runner
	Orchestrator *erpsync.Orchestrator

	producers []*kafkax.Producer
	stop      context.CancelFunc
}

// Build connects to Postgres, Redis and Kafka and assembles the services
// every binary shares. The caller must Close the result.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.Options{})
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	rdb, err := redisx.New(ctx, cfg.RedisAddr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	// producers outlive request contexts and are stopped by Close
	pctx, stop := context.WithCancel(context.Background())
	paid := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPaid, 1024, log)
	notes := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicNotifications, 1024, log)
	paid.Start(pctx)
	notes.Start(pctx)

	a := &App{
		Cfg:        cfg,
		Log:        log,
		DB:         db,
		Redis:      rdb,
		Locker:     redisx.NewLocker(rdb, lockAttempts),
		Orders:     &orders.Repo{DB: db},
		Stock:      &inventory.StockRepo{DB: db},
		SyncStatus: &inventory.StatusRepo{DB: db},
		Notifier:   notify.NewKafkaNotifier(paid, notes, cfg.ServiceName, log),
		producers:  []*kafkax.Producer{paid, notes},
		stop:       stop,
	}
	a.ERP = erp.NewClient(erp.Config{
		BaseURL:   cfg.ERP.BaseURL,
		APIKey:    cfg.ERP.APIKey,
		APISecret: cfg.ERP.APISecret,
		Warehouse: cfg.ERP.Warehouse,
		Timeout:   cfg.ERP.WriteTimeout,
	}, log)
	if !a.ERP.Configured() {
		log.Warn("ERP credentials missing, document sync and stock checks will fail over to the cache")
	}

	a.SyncJob = inventory.NewSyncJob(a.ERP, &inventory.ProductRepo{DB: db}, a.Stock, a.SyncStatus, a.Locker, inventory.SyncConfig{
		Warehouse:  cfg.ERP.Warehouse,
		BatchSize:  cfg.Stock.BatchSize,
		Attempts:   cfg.Sync.Attempts,
		WriteBatch: cfg.Sync.WriteBatch,
	}, log)

	a.Tasks = tasks.NewRunner(context.Background(), &tasks.PGRecorder{DB: db}, 0, log)
	a.Orchestrator = erpsync.NewOrchestrator(a.Orders, a.ERP, a.Locker, a.Notifier, a.Tasks, erpsync.Config{
		Company:   cfg.ERP.Company,
		Customer:  cfg.ERP.Customer,
		Warehouse: cfg.ERP.Warehouse,
		Timeout:   cfg.ERP.WriteTimeout,
	}, log)
	return a, nil
}

// Close waits for background tasks, flushes the producers and releases the
// connections. ctx bounds the wait for tasks.
func (a *App) Close(ctx context.Context) {
	if err := a.Tasks.Wait(ctx); err != nil {
		a.Log.Warn("background tasks still running at shutdown", zap.Error(err))
	}
	a.stop()
	for _, p := range a.producers {
		p.WaitClosed()
	}
	if err := a.Redis.Close(); err != nil {
		a.Log.Warn("redis close", zap.Error(err))
	}
	a.DB.Close()
}
