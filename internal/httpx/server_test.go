package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/bank"
	"github.com/ariefcatur/go-checkout-reconciler/internal/erpsync"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

type fakeGateway struct {
	mu          sync.Mutex
	confirmedID bank.PaymentRequestID
	err         error
}

func (f *fakeGateway) Initiate(_ context.Context, in bank.InitiateInput) (bank.InitiateOutcome, error) {
	if f.err != nil {
		return bank.InitiateOutcome{}, f.err
	}
	return bank.InitiateOutcome{PaymentRequestID: "123456789012345678", VendorRef: in.VendorRef}, nil
}

func (f *fakeGateway) Confirm(_ context.Context, id bank.PaymentRequestID, _ string) (bank.ConfirmOutcome, error) {
	f.mu.Lock()
	f.confirmedID = id
	f.mu.Unlock()
	return bank.ConfirmOutcome{PaymentRequestID: id, State: bank.StateConfirmed}, f.err
}

func (f *fakeGateway) Verify(context.Context, string) (bank.VerifyOutcome, error) {
	return bank.VerifyOutcome{}, f.err
}

type fakeLedger struct {
	existed bool
	err     error
}

func (f *fakeLedger) CreateOrder(_ context.Context, in orders.CreateOrderInput) (*orders.Order, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if in.PaymentRequestID != "123456789012345678" {
		return nil, false, apperr.Validation("orders.create", "payment request id lost in decoding")
	}
	return &orders.Order{ID: "o1", PaymentRequestID: in.PaymentRequestID.String(), PaymentStatus: orders.PaymentPaid}, f.existed, nil
}

func (f *fakeLedger) CreatePendingOrder(context.Context, orders.CreateOrderInput) (*orders.Order, error) {
	return &orders.Order{ID: "o2", PaymentStatus: orders.PaymentPending}, f.err
}

func (f *fakeLedger) UpdateOrderPayment(_ context.Context, id string, u orders.PaymentUpdate) (*orders.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &orders.Order{ID: id, PaymentStatus: u.PaymentStatus}, nil
}

func (f *fakeLedger) Get(_ context.Context, id string) (*orders.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &orders.Order{ID: id}, nil
}

type fakeOps struct {
	runs  atomic.Int32
	syncs atomic.Int32
	tasks inlineRunner
}

func (f *fakeOps) CreateDocuments(_ context.Context, id string) (erpsync.CreateResult, error) {
	f.runs.Add(1)
	return erpsync.CreateResult{OrderID: id}, nil
}

func (f *fakeOps) SubmitDocuments(_ context.Context, id string) (erpsync.SubmitResult, error) {
	return erpsync.SubmitResult{OrderID: id}, nil
}

func (f *fakeOps) NeedingAttention(context.Context, int) ([]orders.Order, error) { return nil, nil }

func (f *fakeOps) Run(ctx context.Context) (inventory.SyncReport, error) {
	if ctx.Err() != nil {
		return inventory.SyncReport{}, ctx.Err()
	}
	f.syncs.Add(1)
	return inventory.SyncReport{ProductsScanned: 3}, nil
}

// inlineRunner runs tasks before GoFor returns, detached from the request.
type inlineRunner struct {
	mu      sync.Mutex
	names   []string
	timeout time.Duration
	err     error
}

func (r *inlineRunner) GoFor(name, _ string, timeout time.Duration, fn func(context.Context) error) string {
	err := fn(context.Background())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.timeout, r.err = timeout, err
	return "task-1"
}

func (f *fakeOps) Get(_ context.Context, t string) (inventory.SyncStatus, error) {
	return inventory.SyncStatus{SyncType: t}, nil
}

func newTestServer(gw *fakeGateway, ledger *fakeLedger, ops *fakeOps) *httptest.Server {
	return httptest.NewServer(NewRouter(nil, Handlers{
		Payments:    NewPaymentsHandler(gw, nil),
		Orders:      NewOrdersHandler(ledger, nil),
		Internal:    NewInternalHandler(ops, ops, &ops.tasks, ops, nil),
		InternalKey: "s3cret",
	}))
}

func do(t *testing.T, method, url, body string, headers map[string]string) (*http.Response, errorBody) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var eb errorBody
	if resp.StatusCode >= 400 {
		_ = json.NewDecoder(resp.Body).Decode(&eb)
	}
	return resp, eb
}

func TestInternalRoutesNeedKey(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{}
	srv := newTestServer(&fakeGateway{}, &fakeLedger{}, ops)
	defer srv.Close()

	resp, _ := do(t, http.MethodPost, srv.URL+"/internal/orders/o1/erp-sync", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || ops.runs.Load() != 0 {
		t.Fatalf("missing key: status %d runs %d", resp.StatusCode, ops.runs.Load())
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/internal/orders/o1/erp-sync", "", map[string]string{internalKeyHeader: "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: status %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/internal/orders/o1/erp-sync", "", map[string]string{internalKeyHeader: "s3cret"})
	if resp.StatusCode != http.StatusOK || ops.runs.Load() != 1 {
		t.Fatalf("valid key: status %d runs %d", resp.StatusCode, ops.runs.Load())
	}
}

func TestInventorySyncRunsInBackground(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{}
	srv := newTestServer(&fakeGateway{}, &fakeLedger{}, ops)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/internal/inventory/sync", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(internalKeyHeader, "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted || body["task_id"] != "task-1" || body["sync_type"] != "inventory" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}

	ops.tasks.mu.Lock()
	defer ops.tasks.mu.Unlock()
	if len(ops.tasks.names) != 1 || ops.tasks.names[0] != "inventory.sync" || ops.tasks.timeout != inventorySyncTimeout {
		t.Fatalf("sync not handed to the runner: %+v", ops.tasks.names)
	}
	if ops.tasks.err != nil || ops.syncs.Load() != 1 {
		t.Fatalf("sync task: err=%v runs=%d", ops.tasks.err, ops.syncs.Load())
	}
}

func TestConfirmKeepsLongPaymentRequestID(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	srv := newTestServer(gw, &fakeLedger{}, &fakeOps{})
	defer srv.Close()

	resp, _ := do(t, http.MethodPost, srv.URL+"/payments/confirm", `{"payment_request_id":123456789012345678,"otp":"1234"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.confirmedID != "123456789012345678" {
		t.Fatalf("id lost precision: %q", gw.confirmedID)
	}
}

func TestErrorsAreMappedAndSanitized(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "declined", err: apperr.Declined("bank.confirm", "Invalid or expired OTP", errors.New(`{"errorCode":"170","raw":"secret"}`)), status: http.StatusPaymentRequired},
		{name: "timeout", err: apperr.Timeout("bank.initiate", context.DeadlineExceeded), status: http.StatusGatewayTimeout},
		{name: "auth", err: apperr.Authentication("bank.signin", errors.New("401 body")), status: http.StatusBadGateway},
		{name: "internal", err: errors.New("pq: connection refused to 10.0.0.3"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(&fakeGateway{err: tt.err}, &fakeLedger{}, &fakeOps{})
			defer srv.Close()

			resp, eb := do(t, http.MethodPost, srv.URL+"/payments/initiate", `{"amount":"50000","phone":"77123456"}`, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status %d want %d", resp.StatusCode, tt.status)
			}
			if strings.Contains(eb.Error, "secret") || strings.Contains(eb.Error, "10.0.0.3") || eb.Error == "" {
				t.Fatalf("leaky or empty message %q", eb.Error)
			}
			if eb.RequestID == "" {
				t.Fatal("request id missing")
			}
		})
	}
}

func TestCreateOrderStatusCodes(t *testing.T) {
	t.Parallel()

	body := `{"customer_name":"Amina","customer_phone":"77123456","payment_request_id":123456789012345678,"items":[{"item_code":"A","quantity":1,"unit_price":"100"}]}`

	srv := newTestServer(&fakeGateway{}, &fakeLedger{}, &fakeOps{})
	defer srv.Close()
	if resp, _ := do(t, http.MethodPost, srv.URL+"/orders", body, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("new order: %d", resp.StatusCode)
	}

	replay := newTestServer(&fakeGateway{}, &fakeLedger{existed: true}, &fakeOps{})
	defer replay.Close()
	if resp, _ := do(t, http.MethodPost, replay.URL+"/orders", body, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("replayed order: %d", resp.StatusCode)
	}

	short := apperr.New(apperr.KindStockInsufficient, "inventory.reserve", "Only 1 left of A",
		&inventory.ShortageError{Shortages: []inventory.Shortage{{ItemCode: "A", Requested: 3, Available: 1}}})
	oos := newTestServer(&fakeGateway{}, &fakeLedger{err: short}, &fakeOps{})
	defer oos.Close()
	resp, eb := do(t, http.MethodPost, oos.URL+"/orders", body, nil)
	if resp.StatusCode != http.StatusConflict || len(eb.Shortages) != 1 || eb.Shortages[0].Available != 1 {
		t.Fatalf("shortage: status %d body %+v", resp.StatusCode, eb)
	}

	if resp, _ := do(t, http.MethodPost, srv.URL+"/orders", `{"items":`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json: %d", resp.StatusCode)
	}
}

func TestUpdatePaymentConflict(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeGateway{}, &fakeLedger{err: apperr.Conflict("orders.update_payment", "payment status cannot go from paid to pending")}, &fakeOps{})
	defer srv.Close()

	resp, eb := do(t, http.MethodPatch, srv.URL+"/orders/o1/payment", `{"payment_status":"pending"}`, nil)
	if resp.StatusCode != http.StatusConflict || !strings.Contains(eb.Error, "paid to pending") {
		t.Fatalf("status %d body %+v", resp.StatusCode, eb)
	}
}
