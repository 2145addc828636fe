package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
)

type errorBody struct {
	Error     string               `json:"error"`
	Kind      string               `json:"kind"`
	RequestID string               `json:"request_id,omitempty"`
	Shortages []inventory.Shortage `json:"shortages,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and a customer-safe body. The full
// chain only goes to the log.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{
		Error:     apperr.Message(err),
		Kind:      string(apperr.KindOf(err)),
		RequestID: middleware.GetReqID(r.Context()),
	}
	var se *inventory.ShortageError
	if errors.As(err, &se) {
		body.Shortages = se.Shortages
	}

	fields := []zap.Field{zap.String("request_id", body.RequestID), zap.String("path", r.URL.Path), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
	} else {
		log.Info("request rejected", fields...)
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("http.decode", "invalid JSON body")
	}
	return nil
}
