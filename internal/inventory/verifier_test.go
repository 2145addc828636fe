package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
)

type fakeBins struct {
	mu         sync.Mutex
	configured bool
	qty        map[string]int
	err        error
	delay      time.Duration
	batches    [][]string
}

func (f *fakeBins) Configured() bool { return f.configured }

func (f *fakeBins) BinQuantities(ctx context.Context, codes []string) (map[string]int, error) {
	f.mu.Lock()
	f.batches = append(f.batches, codes)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]int{}
	for _, c := range codes {
		out[c] = f.qty[c]
	}
	return out, nil
}

func TestVerifyFromERPSubtractsBuffer(t *testing.T) {
	t.Parallel()

	bins := &fakeBins{configured: true, qty: map[string]int{"A": 5, "B": 2}}
	v := NewVerifier(bins, newMemStock(), VerifierConfig{SafetyBuffer: 2}, nil)

	res, err := v.Verify(context.Background(), []Line{{ItemCode: "A", Qty: 3}, {ItemCode: "B", Qty: 1}})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Source != SourceERP || res.Warning != "" {
		t.Fatalf("unexpected source %q warning %q", res.Source, res.Warning)
	}
	if res.AllAvailable {
		t.Fatal("B has 2 on hand and a buffer of 2, it must not be available")
	}
	if res.Items[0].Available != 3 || !res.Items[0].InStock || res.Items[1].Available != 0 {
		t.Fatalf("unexpected items %+v", res.Items)
	}
}

func TestVerifyFallsBackToCacheOnTimeout(t *testing.T) {
	t.Parallel()

	// Scenario D: ERP too slow, cache answers with a warning.
	bins := &fakeBins{configured: true, delay: time.Second}
	cache := newMemStock(StockRecord{ItemCode: "A", ActualQty: 10, ReservedQty: 3})
	v := NewVerifier(bins, cache, VerifierConfig{SafetyBuffer: 2, Timeout: 20 * time.Millisecond}, nil)

	res, err := v.Verify(context.Background(), []Line{{ItemCode: "A", Qty: 5}})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Source != SourceCache || res.Warning == "" {
		t.Fatalf("expected cache with warning, got %+v", res)
	}
	if !res.AllAvailable || res.Items[0].Available != 5 {
		t.Fatalf("expected 10-3-2=5 available, got %+v", res.Items)
	}
}

func TestVerifyCacheWithoutERP(t *testing.T) {
	t.Parallel()

	cache := newMemStock(StockRecord{ItemCode: "A", ActualQty: 1})
	v := NewVerifier(&fakeBins{}, cache, VerifierConfig{SafetyBuffer: 2}, nil)

	res, err := v.Verify(context.Background(), []Line{{ItemCode: "A", Qty: 1}, {ItemCode: "missing", Qty: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceCache || res.Warning != "" || res.AllAvailable {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestVerifyBothSourcesDown(t *testing.T) {
	t.Parallel()

	cache := newMemStock()
	cache.recordsErr = errors.New("db down")
	v := NewVerifier(&fakeBins{configured: true, err: errors.New("502")}, cache, VerifierConfig{}, nil)

	if _, err := v.Verify(context.Background(), []Line{{ItemCode: "A", Qty: 1}}); !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestVerifyBatchesERPCalls(t *testing.T) {
	t.Parallel()

	bins := &fakeBins{configured: true, qty: map[string]int{}}
	v := NewVerifier(bins, newMemStock(), VerifierConfig{BatchSize: 2}, nil)

	lines := []Line{{ItemCode: "A", Qty: 1}, {ItemCode: "B", Qty: 1}, {ItemCode: "C", Qty: 1}, {ItemCode: "D", Qty: 1}, {ItemCode: "E", Qty: 1}}
	if _, err := v.Verify(context.Background(), lines); err != nil {
		t.Fatal(err)
	}
	if len(bins.batches) != 3 {
		t.Fatalf("expected 3 batches of at most 2, got %v", bins.batches)
	}
	for _, b := range bins.batches {
		if len(b) > 2 {
			t.Fatalf("batch too large: %v", b)
		}
	}
}
