package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/erpsync"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

type erpOrchestrator interface {
	CreateDocuments(ctx context.Context, orderID string) (erpsync.CreateResult, error)
	SubmitDocuments(ctx context.Context, orderID string) (erpsync.SubmitResult, error)
	NeedingAttention(ctx context.Context, limit int) ([]orders.Order, error)
}

type inventorySync interface {
	Run(ctx context.Context) (inventory.SyncReport, error)
}

type taskRunner interface {
	GoFor(name, key string, timeout time.Duration, fn func(ctx context.Context) error) string
}

// inventorySyncTimeout bounds a manual full catalog sync.
const inventorySyncTimeout = 15 * time.Minute

type syncStatusReader interface {
	Get(ctx context.Context, syncType string) (inventory.SyncStatus, error)
}

// InternalHandler serves the operator and scheduler endpoints.
type InternalHandler struct {
	erp    erpOrchestrator
	sync   inventorySync
	tasks  taskRunner
	status syncStatusReader
	log    *zap.Logger
}

func NewInternalHandler(erp erpOrchestrator, sync inventorySync, tasks taskRunner, status syncStatusReader, log *zap.Logger) *InternalHandler {
	return &InternalHandler{erp: erp, sync: sync, tasks: tasks, status: status, log: logx.OrNop(log).Named("internal")}
}

func (h *InternalHandler) Register(r chi.Router) {
	r.Post("/orders/{id}/erp-sync", h.erpSync)
	r.Post("/orders/{id}/erp-submit", h.erpSubmit)
	r.Get("/orders/erp-attention", h.attention)
	r.Post("/inventory/sync", h.inventorySync)
	r.Get("/sync-status/{type}", h.syncStatus)
}

func (h *InternalHandler) erpSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.erp.CreateDocuments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *InternalHandler) erpSubmit(w http.ResponseWriter, r *http.Request) {
	res, err := h.erp.SubmitDocuments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *InternalHandler) attention(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.erp.NeedingAttention(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list, "count": len(list)})
}

// inventorySync starts a full sync in the background and answers 202 with the
// task id. Progress and overlap failures show in the task record and in
// /internal/sync-status/inventory.
func (h *InternalHandler) inventorySync(w http.ResponseWriter, r *http.Request) {
	id := h.tasks.GoFor("inventory.sync", inventory.SyncTypeInventory, inventorySyncTimeout, func(ctx context.Context) error {
		rep, err := h.sync.Run(ctx)
		if err != nil {
			return err
		}
		h.log.Info("manual inventory sync done",
			zap.Int("products_scanned", rep.ProductsScanned),
			zap.Int("products_updated", rep.ProductsUpdated),
			zap.Duration("took", rep.Took))
		return nil
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "sync_type": inventory.SyncTypeInventory})
}

func (h *InternalHandler) syncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.status.Get(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
