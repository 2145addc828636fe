package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

type stockVerifier interface {
	Verify(ctx context.Context, lines []inventory.Line) (inventory.Verification, error)
}

type StockHandler struct {
	v   stockVerifier
	log *zap.Logger
}

func NewStockHandler(v stockVerifier, log *zap.Logger) *StockHandler {
	return &StockHandler{v: v, log: logx.OrNop(log).Named("stock")}
}

func (h *StockHandler) Register(r chi.Router) {
	r.Post("/stock/verify", h.verify)
}

func (h *StockHandler) verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []inventory.Line `json:"items"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.v.Verify(r.Context(), req.Items)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
