package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

const (
	SyncTypeInventory = "inventory"
	syncLockKey       = "lock:sync:" + SyncTypeInventory
)

type ERPSource interface {
	BinQuantities(ctx context.Context, codes []string) (map[string]int, error)
	ItemPrices(ctx context.Context, codes []string) (map[string]decimal.Decimal, error)
}

type ProductStore interface {
	ActiveProducts(ctx context.Context) ([]Product, error)
	SaveProducts(ctx context.Context, batch []Product) error
}

type StockWriter interface {
	SetActual(ctx context.Context, warehouse string, actual map[string]int) error
}

type SyncStatus struct {
	SyncType         string     `json:"sync_type"`
	LastSuccessAt    *time.Time `json:"last_success_at,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type StatusStore interface {
	Touch(ctx context.Context, syncType string, at time.Time) error
	RecordSuccess(ctx context.Context, syncType string, at time.Time) error
	RecordFailure(ctx context.Context, syncType string, at time.Time, msg string) error
}

// Locker is a cross-process mutex; ok is false when another holder exists.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

type SyncConfig struct {
	Warehouse  string
	BatchSize  int
	Attempts   int
	WriteBatch int
	// Backoff returns the wait after failed attempt n (1-based).
	Backoff func(n int) time.Duration
	LockTTL time.Duration
	Now     func() time.Time
}

type SyncReport struct {
	Warehouse       string        `json:"warehouse"`
	ProductsScanned int           `json:"products_scanned"`
	ProductsUpdated int           `json:"products_updated"`
	CodesTracked    int           `json:"size_variants_tracked"`
	PricesSynced    int           `json:"prices_synced"`
	Took            time.Duration `json:"took"`
}

// SyncJob rebuilds the product and stock caches from ERP bins and prices.
type SyncJob struct {
	erp      ERPSource
	products ProductStore
	stock    StockWriter
	status   StatusStore
	lock     Locker
	cfg      SyncConfig
	log      *zap.Logger
}

func NewSyncJob(erp ERPSource, products ProductStore, stock StockWriter, status StatusStore, lock Locker, cfg SyncConfig, log *zap.Logger) *SyncJob {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.WriteBatch <= 0 {
		cfg.WriteBatch = 25
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(n int) time.Duration { return time.Duration(n) * 250 * time.Millisecond }
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SyncJob{
		erp: erp, products: products, stock: stock, status: status, lock: lock,
		cfg: cfg, log: logx.OrNop(log).Named("inventory.sync"),
	}
}

// Run performs one sync and records its outcome in the status store.
func (j *SyncJob) Run(ctx context.Context) (SyncReport, error) {
	const op = "inventory.sync"
	if j.lock != nil {
		unlock, ok, err := j.lock.TryLock(ctx, syncLockKey, j.cfg.LockTTL)
		if err != nil {
			return SyncReport{}, apperr.Unavailable(op, fmt.Errorf("acquire lock: %w", err))
		}
		if !ok {
			return SyncReport{}, apperr.Conflict(op, "an inventory sync is already running")
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				j.log.Warn("release sync lock", zap.Error(err))
			}
		}()
	}

	if err := j.status.Touch(ctx, SyncTypeInventory, j.cfg.Now()); err != nil {
		j.log.Warn("sync status touch failed", zap.Error(err))
	}

	report, err := j.run(ctx)
	at := j.cfg.Now()
	if err != nil {
		j.log.Error("inventory sync failed", zap.Error(err))
		if serr := j.status.RecordFailure(context.WithoutCancel(ctx), SyncTypeInventory, at, err.Error()); serr != nil {
			j.log.Warn("record sync failure", zap.Error(serr))
		}
		return report, err
	}
	if serr := j.status.RecordSuccess(ctx, SyncTypeInventory, at); serr != nil {
		j.log.Warn("record sync success", zap.Error(serr))
	}
	j.log.Info("inventory sync done",
		zap.Int("products", report.ProductsUpdated),
		zap.Int("codes", report.CodesTracked),
		zap.Int("prices", report.PricesSynced),
		zap.Duration("took", report.Took),
	)
	return report, nil
}

// Start runs the job immediately and then every interval until ctx ends.
func (j *SyncJob) Start(ctx context.Context, interval time.Duration) {
	j.log.Info("inventory sync scheduled", zap.Duration("interval", interval))
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := j.Run(ctx); err != nil && !errors.Is(err, apperr.ErrConflict) {
			j.log.Warn("scheduled sync run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (j *SyncJob) run(ctx context.Context) (SyncReport, error) {
	start := j.cfg.Now()
	report := SyncReport{Warehouse: j.cfg.Warehouse}

	list, err := j.products.ActiveProducts(ctx)
	if err != nil {
		return report, fmt.Errorf("load products: %w", err)
	}
	report.ProductsScanned = len(list)

	seen := make(map[string]struct{})
	var codes []string
	for _, p := range list {
		for _, c := range p.ItemCodes() {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				codes = append(codes, c)
			}
		}
	}
	sort.Strings(codes)
	report.CodesTracked = len(codes)

	stock := make(map[string]int, len(codes))
	prices := make(map[string]decimal.Decimal)
	for _, batch := range chunk(codes, j.cfg.BatchSize) {
		qty, err := withRetry(ctx, j.cfg.Attempts, j.cfg.Backoff, func() (map[string]int, error) {
			return j.erp.BinQuantities(ctx, batch)
		})
		if err != nil {
			return report, fmt.Errorf("fetch bins: %w", err)
		}
		for c, n := range qty {
			stock[c] = n
		}

		pr, err := withRetry(ctx, j.cfg.Attempts, j.cfg.Backoff, func() (map[string]decimal.Decimal, error) {
			return j.erp.ItemPrices(ctx, batch)
		})
		if err != nil {
			return report, fmt.Errorf("fetch prices: %w", err)
		}
		for c, p := range pr {
			if p.IsPositive() {
				prices[c] = p
			}
		}
	}
	report.PricesSynced = len(prices)

	if len(codes) > 0 {
		if err := j.stock.SetActual(ctx, j.cfg.Warehouse, stock); err != nil {
			return report, fmt.Errorf("write stock cache: %w", err)
		}
	}

	now := j.cfg.Now()
	updates := make([]Product, 0, len(list))
	for _, p := range list {
		if p.ID == "" {
			continue
		}
		updates = append(updates, Reconcile(p, stock, prices, now))
	}
	for _, batch := range chunk(updates, j.cfg.WriteBatch) {
		if err := j.products.SaveProducts(ctx, batch); err != nil {
			return report, fmt.Errorf("write products: %w", err)
		}
		report.ProductsUpdated += len(batch)
	}

	report.Took = j.cfg.Now().Sub(start)
	return report, nil
}

func withRetry[T any](ctx context.Context, attempts int, backoff func(int) time.Duration, fn func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for i := 1; i <= attempts; i++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == attempts {
			break
		}
		select {
		case <-time.After(backoff(i)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
