package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/notify"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

type orderLedger interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (*orders.Order, bool, error)
	CreatePendingOrder(ctx context.Context, in orders.CreateOrderInput) (*orders.Order, error)
	UpdateOrderPayment(ctx context.Context, id string, u orders.PaymentUpdate) (*orders.Order, error)
	Get(ctx context.Context, id string) (*orders.Order, error)
}

type OrdersHandler struct {
	ledger orderLedger
	log    *zap.Logger
}

func NewOrdersHandler(ledger orderLedger, log *zap.Logger) *OrdersHandler {
	return &OrdersHandler{ledger: ledger, log: logx.OrNop(log).Named("orders")}
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Post("/orders/pending", h.createPending)
	r.Get("/orders/{id}", h.getOrder)
	r.Patch("/orders/{id}/payment", h.updatePayment)
}

type CreateOrderResp struct {
	Order      *orders.Order `json:"order"`
	Idempotent bool          `json:"idempotent"`
}

// traced tags events published for this request with its request id.
func traced(r *http.Request) context.Context {
	return notify.WithTraceID(r.Context(), middleware.GetReqID(r.Context()))
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var in orders.CreateOrderInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	o, existed, err := h.ledger.CreateOrder(traced(r), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	writeJSON(w, code, CreateOrderResp{Order: o, Idempotent: existed})
}

func (h *OrdersHandler) createPending(w http.ResponseWriter, r *http.Request) {
	var in orders.CreateOrderInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	o, err := h.ledger.CreatePendingOrder(traced(r), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateOrderResp{Order: o})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) updatePayment(w http.ResponseWriter, r *http.Request) {
	var u orders.PaymentUpdate
	if err := decode(w, r, &u); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	o, err := h.ledger.UpdateOrderPayment(traced(r), chi.URLParam(r, "id"), u)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
