package httpx

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

// Handlers groups everything the router mounts. Nil groups are skipped.
type Handlers struct {
	Payments *PaymentsHandler
	Orders   *OrdersHandler
	Stock    *StockHandler
	Internal *InternalHandler
	// InternalKey guards /internal. Without it the group is not mounted.
	InternalKey string
}

func NewRouter(log *zap.Logger, h Handlers) *chi.Mux {
	log = logx.OrNop(log)
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog(log), middleware.Recoverer)
	// bank calls may take 30s; leave room for the response
	r.Use(middleware.Timeout(45 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if h.Payments != nil {
		h.Payments.Register(r)
	}
	if h.Orders != nil {
		h.Orders.Register(r)
	}
	if h.Stock != nil {
		h.Stock.Register(r)
	}
	if h.Internal != nil && h.InternalKey != "" {
		r.Route("/internal", func(ir chi.Router) {
			ir.Use(requireKey(h.InternalKey))
			h.Internal.Register(ir)
		})
	}
	return r
}

// accessLog writes one zap line per request.
func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

const internalKeyHeader = "X-Internal-Key"

func requireKey(key string) func(http.Handler) http.Handler {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(internalKeyHeader))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Kind: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
