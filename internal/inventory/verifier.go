package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

const (
	SourceERP   = "erp"
	SourceCache = "cache"

	staleWarning = "Stock data may be slightly outdated. Final availability will be confirmed at checkout."
)

// BinSource reads on-hand quantities from the ERP.
type BinSource interface {
	Configured() bool
	BinQuantities(ctx context.Context, codes []string) (map[string]int, error)
}

type StockReader interface {
	Records(ctx context.Context, codes []string) (map[string]StockRecord, error)
}

type VerifierConfig struct {
	SafetyBuffer int
	BatchSize    int
	Timeout      time.Duration
	// Parallel bounds concurrent ERP batch requests.
	Parallel int
}

type ItemAvailability struct {
	ItemCode  string `json:"item_code"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	InStock   bool   `json:"in_stock"`
}

type Verification struct {
	AllAvailable bool               `json:"all_available"`
	Items        []ItemAvailability `json:"items"`
	Source       string             `json:"source"`
	Warning      string             `json:"warning,omitempty"`
}

// Verifier answers whether a cart can still be bought, asking the ERP first
// and falling back to the local cache.
type Verifier struct {
	erp   BinSource
	cache StockReader
	cfg   VerifierConfig
	log   *zap.Logger
}

func NewVerifier(erp BinSource, cache StockReader, cfg VerifierConfig, log *zap.Logger) *Verifier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	return &Verifier{erp: erp, cache: cache, cfg: cfg, log: logx.OrNop(log).Named("verifier")}
}

func (v *Verifier) Verify(ctx context.Context, lines []Line) (Verification, error) {
	const op = "inventory.verify"
	agg, err := aggregate(op, lines)
	if err != nil {
		return Verification{}, err
	}
	codes := codesOf(agg)

	if v.erp != nil && v.erp.Configured() {
		actual, err := v.fromERP(ctx, codes)
		if err == nil {
			return v.build(agg, func(code string) int { return clampZero(actual[code] - v.cfg.SafetyBuffer) }, SourceERP, ""), nil
		}
		v.log.Warn("ERP stock check failed, falling back to cache", zap.Int("items", len(codes)), zap.Error(err))
		return v.fromCache(ctx, op, agg, staleWarning)
	}
	return v.fromCache(ctx, op, agg, "")
}

func (v *Verifier) fromERP(ctx context.Context, codes []string) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	var (
		mu  sync.Mutex
		out = make(map[string]int, len(codes))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Parallel)
	for _, batch := range chunk(codes, v.cfg.BatchSize) {
		batch := batch
		g.Go(func() error {
			qty, err := v.erp.BinQuantities(gctx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for code, n := range qty {
				out[code] = n
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (v *Verifier) fromCache(ctx context.Context, op string, agg []Line, warning string) (Verification, error) {
	records, err := v.cache.Records(ctx, codesOf(agg))
	if err != nil {
		return Verification{}, apperr.Unavailable(op, fmt.Errorf("stock cache: %w", err))
	}
	return v.build(agg, func(code string) int {
		rec, ok := records[code]
		if !ok {
			return 0
		}
		return rec.Available(v.cfg.SafetyBuffer)
	}, SourceCache, warning), nil
}

func (v *Verifier) build(agg []Line, available func(code string) int, source, warning string) Verification {
	res := Verification{AllAvailable: true, Source: source, Warning: warning, Items: make([]ItemAvailability, 0, len(agg))}
	for _, l := range agg {
		avail := available(l.ItemCode)
		ok := l.Qty <= avail
		if !ok {
			res.AllAvailable = false
		}
		res.Items = append(res.Items, ItemAvailability{ItemCode: l.ItemCode, Requested: l.Qty, Available: avail, InStock: ok})
	}
	return res
}
