package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/bank"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

type paymentGateway interface {
	Initiate(ctx context.Context, in bank.InitiateInput) (bank.InitiateOutcome, error)
	Confirm(ctx context.Context, id bank.PaymentRequestID, otp string) (bank.ConfirmOutcome, error)
	Verify(ctx context.Context, reference string) (bank.VerifyOutcome, error)
}

type PaymentsHandler struct {
	gw  paymentGateway
	log *zap.Logger
}

func NewPaymentsHandler(gw paymentGateway, log *zap.Logger) *PaymentsHandler {
	return &PaymentsHandler{gw: gw, log: logx.OrNop(log).Named("payments")}
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/payments/initiate", h.initiate)
	r.Post("/payments/confirm", h.confirm)
	r.Post("/payments/verify", h.verify)
}

type initiateReq struct {
	Amount      decimal.Decimal `json:"amount"`
	Phone       string          `json:"phone"`
	Description string          `json:"description"`
	VendorRef   string          `json:"vendor_ref"`
}

func (h *PaymentsHandler) initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	out, err := h.gw.Initiate(r.Context(), bank.InitiateInput{
		Amount:      req.Amount,
		Phone:       req.Phone,
		Description: req.Description,
		VendorRef:   req.VendorRef,
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type confirmReq struct {
	PaymentRequestID bank.PaymentRequestID `json:"payment_request_id"`
	OTP              string                `json:"otp"`
}

func (h *PaymentsHandler) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmReq
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	out, err := h.gw.Confirm(r.Context(), req.PaymentRequestID, req.OTP)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PaymentsHandler) verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reference string `json:"reference"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	out, err := h.gw.Verify(r.Context(), req.Reference)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
