package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	kafkax "github.com/ariefcatur/go-checkout-reconciler/internal/kafka"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

type fakeSubmitter struct {
	calls   []string
	errs    []error // consumed per call before err
	err     error
	flagged []string
	flagErr error
}

func (f *fakeSubmitter) SubmitDocuments(_ context.Context, id string) (SubmitResult, error) {
	f.calls = append(f.calls, id)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return SubmitResult{OrderID: id}, err
	}
	return SubmitResult{OrderID: id}, f.err
}

func (f *fakeSubmitter) FlagFailure(_ context.Context, id string, _ error) error {
	if f.flagErr != nil {
		return f.flagErr
	}
	f.flagged = append(f.flagged, id)
	return nil
}

func newTestHandler(sub *fakeSubmitter, seen dedup) *FulfillmentHandler {
	h := NewFulfillmentHandler(sub, seen, nil)
	h.backoff = func(int) time.Duration { return 0 }
	return h
}

type memDedup map[string]bool

func (m memDedup) Seen(_ context.Context, id string) (bool, error) { return m[id], nil }
func (m memDedup) Mark(_ context.Context, id string) error         { m[id] = true; return nil }

func photoEvent(t *testing.T, orderID, photoType string) kafkago.Message {
	t.Helper()
	env, err := orders.NewEnvelope(orders.EventDeliveryPhotoCaptured, "driver-app", orderID, "", orders.DeliveryPhotoCapturedPayload{
		OrderID: orderID, PhotoType: photoType, CapturedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := kafkax.NewMessage(orders.PartitionKey(orderID), env.EventType, 1, env)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestFulfillmentSubmitsOnDeliveryPhoto(t *testing.T) {
	t.Parallel()

	sub, seen := &fakeSubmitter{}, memDedup{}
	h := newTestHandler(sub, seen)

	m := photoEvent(t, "o1", orders.PhotoTypeDelivery)
	for i := 0; i < 2; i++ {
		if err := h.Handle(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}
	if len(sub.calls) != 1 || sub.calls[0] != "o1" {
		t.Fatalf("redelivered event must be processed once, got %v", sub.calls)
	}

	if err := h.Handle(context.Background(), photoEvent(t, "o2", "pickup")); err != nil {
		t.Fatal(err)
	}
	if len(sub.calls) != 1 {
		t.Fatal("pickup photos must not trigger submission")
	}
}

func TestFulfillmentErrorHandling(t *testing.T) {
	t.Parallel()

	busy := apperr.Conflict("erpsync.submit", "ERP sync already running for order o1")
	tests := []struct {
		name        string
		sub         *fakeSubmitter
		wantErr     bool
		wantCalls   int
		wantFlagged bool
	}{
		{
			name:      "flagged_sync_failure_is_committed",
			sub:       &fakeSubmitter{err: apperr.ERPSync("erpsync.submit", errors.New("502"))},
			wantCalls: 1,
		},
		{
			name:      "unknown_order_is_committed",
			sub:       &fakeSubmitter{err: apperr.NotFound("orders.get", "missing")},
			wantCalls: 1,
		},
		{
			name:      "lock_released_during_retries",
			sub:       &fakeSubmitter{errs: []error{busy, busy}},
			wantCalls: 3,
		},
		{
			name:        "busy_lock_is_flagged_after_retries",
			sub:         &fakeSubmitter{err: busy},
			wantCalls:   submitAttempts,
			wantFlagged: true,
		},
		{
			name:        "unreachable_store_is_flagged_after_retries",
			sub:         &fakeSubmitter{err: apperr.Unavailable("erpsync.submit", errors.New("redis down"))},
			wantCalls:   submitAttempts,
			wantFlagged: true,
		},
		{
			name:      "unflaggable_failure_is_redelivered",
			sub:       &fakeSubmitter{err: busy, flagErr: errors.New("db down")},
			wantErr:   true,
			wantCalls: submitAttempts,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			seen := memDedup{}
			h := newTestHandler(tt.sub, seen)
			m := photoEvent(t, "o1", orders.PhotoTypeDelivery)
			err := h.Handle(context.Background(), m)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if len(tt.sub.calls) != tt.wantCalls {
				t.Fatalf("expected %d submissions, got %d", tt.wantCalls, len(tt.sub.calls))
			}
			if flagged := len(tt.sub.flagged) == 1 && tt.sub.flagged[0] == "o1"; flagged != tt.wantFlagged {
				t.Fatalf("flagged=%v want %v", tt.sub.flagged, tt.wantFlagged)
			}
			if tt.wantErr == (len(seen) != 0) {
				t.Fatalf("only committed events are marked processed, seen=%v", seen)
			}
		})
	}
}

func TestFulfillmentStopsRetryingOnShutdown(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{err: apperr.Conflict("erpsync.submit", "running")}
	h := NewFulfillmentHandler(sub, memDedup{}, nil)
	h.backoff = func(int) time.Duration { return time.Hour }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Handle(ctx, photoEvent(t, "o1", orders.PhotoTypeDelivery)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(sub.flagged) != 0 {
		t.Fatal("shutdown must not flag the order")
	}
}

func TestFulfillmentIgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	h := NewFulfillmentHandler(sub, nil, nil)
	raw, _ := json.Marshal(orders.Envelope{EventType: orders.EventOrderPaid})
	if err := h.Handle(context.Background(), kafkago.Message{Value: raw}); err != nil {
		t.Fatal(err)
	}
	if err := h.Handle(context.Background(), kafkago.Message{Value: []byte("{not json")}); err != nil {
		t.Fatal(err)
	}
	if len(sub.calls) != 0 {
		t.Fatal("no submission expected")
	}
}

func TestFulfillmentFlagsOrderWhenLockStaysHeld(t *testing.T) {
	t.Parallel()

	store := newMemOrders(paidOrder("o1"))
	orch := NewOrchestrator(store, newFakeERP(), busyLock{}, nil, nil, Config{Now: func() time.Time { return fixed }}, nil)
	seen := memDedup{}
	h := NewFulfillmentHandler(orch, seen, nil)
	h.backoff = func(int) time.Duration { return 0 }

	m := photoEvent(t, "o1", orders.PhotoTypeDelivery)
	if err := h.Handle(context.Background(), m); err != nil {
		t.Fatalf("a flagged order commits the event, got %v", err)
	}
	o := store.order("o1")
	if !o.NeedsAttention || o.ERPSyncError == "" || o.Docs.SubmittedAt != nil {
		t.Fatalf("order must be left for the operator retry: %+v", o)
	}
	if len(seen) != 1 {
		t.Fatal("event must be marked processed")
	}
}
