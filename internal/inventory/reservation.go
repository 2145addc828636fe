package inventory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

// ErrOverReserve is returned by a StockStore when a guarded increment would
// push reserved above actual.
var ErrOverReserve = errors.New("reservation would exceed actual stock")

type StockStore interface {
	Records(ctx context.Context, codes []string) (map[string]StockRecord, error)
	// Increment adds n to reserved_qty only while reserved+n <= actual.
	Increment(ctx context.Context, code string, n int) error
	// Decrement subtracts n from reserved_qty, never below zero.
	Decrement(ctx context.Context, code string, n int) error
}

// ReservationService holds stock for a checkout until the ERP takes over.
// The availability pre-check is optimistic; the guarded increment in the
// store is what keeps reserved within actual.
type ReservationService struct {
	store  StockStore
	buffer int
	log    *zap.Logger
}

func NewReservationService(store StockStore, buffer int, log *zap.Logger) *ReservationService {
	return &ReservationService{store: store, buffer: buffer, log: logx.OrNop(log).Named("reservation")}
}

// Reserve reserves every line or none. Duplicate item codes are merged.
func (s *ReservationService) Reserve(ctx context.Context, lines []Line) ([]Line, error) {
	const op = "inventory.reserve"
	agg, err := aggregate(op, lines)
	if err != nil {
		return nil, err
	}

	records, err := s.store.Records(ctx, codesOf(agg))
	if err != nil {
		return nil, fmt.Errorf("%s: load stock: %w", op, err)
	}

	var shortages []Shortage
	for _, l := range agg {
		avail := 0
		if rec, ok := records[l.ItemCode]; ok {
			avail = rec.Available(s.buffer)
		}
		if l.Qty > avail {
			shortages = append(shortages, Shortage{ItemCode: l.ItemCode, Requested: l.Qty, Available: avail})
		}
	}
	if len(shortages) > 0 {
		s.log.Info("reservation rejected", zap.Int("shortages", len(shortages)), zap.String("first", shortages[0].ItemCode))
		return nil, insufficient(op, shortages)
	}

	for i, l := range agg {
		if err := s.store.Increment(ctx, l.ItemCode, l.Qty); err != nil {
			s.rollback(ctx, agg[:i])
			if errors.Is(err, ErrOverReserve) {
				avail := records[l.ItemCode].Available(s.buffer)
				return nil, insufficient(op, []Shortage{{ItemCode: l.ItemCode, Requested: l.Qty, Available: avail}})
			}
			return nil, fmt.Errorf("%s: reserve %s: %w", op, l.ItemCode, err)
		}
	}
	return agg, nil
}

// Release returns reserved quantities. It keeps going past individual
// failures and reports them together.
func (s *ReservationService) Release(ctx context.Context, lines []Line) error {
	const op = "inventory.release"
	agg, err := aggregate(op, lines)
	if err != nil {
		return err
	}
	var errs []error
	for _, l := range agg {
		if err := s.store.Decrement(ctx, l.ItemCode, l.Qty); err != nil {
			s.log.Error("release failed", zap.String("item_code", l.ItemCode), zap.Int("qty", l.Qty), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", l.ItemCode, err))
		}
	}
	if len(errs) > 0 {
		return apperr.New(apperr.KindInternal, op, "", errors.Join(errs...))
	}
	return nil
}

func (s *ReservationService) rollback(ctx context.Context, done []Line) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range done {
		if err := s.store.Decrement(ctx, l.ItemCode, l.Qty); err != nil {
			s.log.Error("reservation rollback failed", zap.String("item_code", l.ItemCode), zap.Int("qty", l.Qty), zap.Error(err))
		}
	}
}
