package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
)

// memStock is an in-memory StockStore with the same guard as the SQL one.
type memStock struct {
	mu         sync.Mutex
	rows       map[string]StockRecord
	failIncr   map[string]error
	recordsErr error
	increments []string
}

func newMemStock(rows ...StockRecord) *memStock {
	m := &memStock{rows: map[string]StockRecord{}, failIncr: map[string]error{}}
	for _, r := range rows {
		m.rows[r.ItemCode] = r
	}
	return m
}

func (m *memStock) Records(_ context.Context, codes []string) (map[string]StockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordsErr != nil {
		return nil, m.recordsErr
	}
	out := map[string]StockRecord{}
	for _, c := range codes {
		if r, ok := m.rows[c]; ok {
			out[c] = r
		}
	}
	return out, nil
}

func (m *memStock) Increment(_ context.Context, code string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failIncr[code]; err != nil {
		return err
	}
	r, ok := m.rows[code]
	if !ok || r.ReservedQty+n > r.ActualQty {
		return ErrOverReserve
	}
	r.ReservedQty += n
	m.rows[code] = r
	m.increments = append(m.increments, code)
	return nil
}

func (m *memStock) Decrement(_ context.Context, code string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[code]
	if !ok {
		return nil
	}
	r.ReservedQty -= n
	if r.ReservedQty < 0 {
		r.ReservedQty = 0
	}
	m.rows[code] = r
	return nil
}

func (m *memStock) SetActual(_ context.Context, warehouse string, actual map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, qty := range actual {
		r := m.rows[code]
		r.ItemCode, r.Warehouse, r.ActualQty, r.UpdatedAt = code, warehouse, qty, time.Now()
		m.rows[code] = r
	}
	return nil
}

func (m *memStock) reserved(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[code].ReservedQty
}

func TestReserveAllOrNothing(t *testing.T) {
	t.Parallel()

	// Scenario C: one item is short, nothing is written.
	store := newMemStock(
		StockRecord{ItemCode: "A", ActualQty: 10},
		StockRecord{ItemCode: "B", ActualQty: 1},
	)
	svc := NewReservationService(store, 0, nil)

	_, err := svc.Reserve(context.Background(), []Line{{ItemCode: "A", Qty: 2}, {ItemCode: "B", Qty: 3}})
	if !errors.Is(err, apperr.ErrStockInsufficient) {
		t.Fatalf("expected stock insufficient, got %v", err)
	}
	var se *ShortageError
	if !errors.As(err, &se) || len(se.Shortages) != 1 || se.Shortages[0].ItemCode != "B" || se.Shortages[0].Available != 1 {
		t.Fatalf("unexpected shortages %+v", se)
	}
	if store.reserved("A") != 0 || store.reserved("B") != 0 || len(store.increments) != 0 {
		t.Fatalf("rejected batch must not write anything")
	}
}

func TestReserveAggregatesDuplicates(t *testing.T) {
	t.Parallel()

	store := newMemStock(StockRecord{ItemCode: "A", ActualQty: 5})
	svc := NewReservationService(store, 0, nil)

	_, err := svc.Reserve(context.Background(), []Line{{ItemCode: "A", Qty: 3}, {ItemCode: "A", Qty: 3}})
	if !errors.Is(err, apperr.ErrStockInsufficient) {
		t.Fatalf("3+3 of a 5-unit item must be rejected, got %v", err)
	}

	got, err := svc.Reserve(context.Background(), []Line{{ItemCode: "A", Qty: 2}, {ItemCode: "A", Qty: 3}})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(got) != 1 || got[0].Qty != 5 || store.reserved("A") != 5 {
		t.Fatalf("unexpected reservation %+v reserved=%d", got, store.reserved("A"))
	}
}

func TestReserveRollsBackOnWriteFailure(t *testing.T) {
	t.Parallel()

	store := newMemStock(
		StockRecord{ItemCode: "A", ActualQty: 10},
		StockRecord{ItemCode: "B", ActualQty: 10},
		StockRecord{ItemCode: "C", ActualQty: 10},
	)
	store.failIncr["C"] = errors.New("connection reset")
	svc := NewReservationService(store, 0, nil)

	_, err := svc.Reserve(context.Background(), []Line{{ItemCode: "A", Qty: 1}, {ItemCode: "B", Qty: 2}, {ItemCode: "C", Qty: 3}})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, code := range []string{"A", "B", "C"} {
		if n := store.reserved(code); n != 0 {
			t.Fatalf("%s still reserved %d after rollback", code, n)
		}
	}
}

func TestReserveGuardTurnsRaceIntoShortage(t *testing.T) {
	t.Parallel()

	store := newMemStock(StockRecord{ItemCode: "A", ActualQty: 10}, StockRecord{ItemCode: "B", ActualQty: 4})
	// The pre-check passes but a concurrent checkout already took B.
	store.failIncr["B"] = ErrOverReserve
	svc := NewReservationService(store, 0, nil)

	_, err := svc.Reserve(context.Background(), []Line{{ItemCode: "A", Qty: 1}, {ItemCode: "B", Qty: 4}})
	if !errors.Is(err, apperr.ErrStockInsufficient) {
		t.Fatalf("expected stock insufficient, got %v", err)
	}
	if store.reserved("A") != 0 {
		t.Fatalf("A must be rolled back")
	}
}

func TestReserveUnknownItemAndBuffer(t *testing.T) {
	t.Parallel()

	store := newMemStock(StockRecord{ItemCode: "A", ActualQty: 5, ReservedQty: 1})
	svc := NewReservationService(store, 2, nil)

	tests := []struct {
		name  string
		lines []Line
		ok    bool
	}{
		{name: "within_buffer", lines: []Line{{ItemCode: "A", Qty: 2}}, ok: true},
		{name: "eats_buffer", lines: []Line{{ItemCode: "A", Qty: 3}}, ok: false},
		{name: "unknown_item", lines: []Line{{ItemCode: "ZZ", Qty: 1}}, ok: false},
	}
	for _, tt := range tests {
		_, err := svc.Reserve(context.Background(), tt.lines)
		if tt.ok != (err == nil) {
			t.Fatalf("%s: ok=%v err=%v", tt.name, tt.ok, err)
		}
		if err == nil {
			_ = svc.Release(context.Background(), tt.lines)
		}
	}
}

func TestReserveValidation(t *testing.T) {
	t.Parallel()

	svc := NewReservationService(newMemStock(), 0, nil)
	for _, lines := range [][]Line{nil, {{ItemCode: "", Qty: 1}}, {{ItemCode: "A", Qty: 0}}} {
		if _, err := svc.Reserve(context.Background(), lines); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%v: expected validation error, got %v", lines, err)
		}
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	t.Parallel()

	store := newMemStock(StockRecord{ItemCode: "A", ActualQty: 5, ReservedQty: 1})
	svc := NewReservationService(store, 0, nil)

	if err := svc.Release(context.Background(), []Line{{ItemCode: "A", Qty: 3}}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.reserved("A") != 0 {
		t.Fatalf("reserved went to %d", store.reserved("A"))
	}
}
