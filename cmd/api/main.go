package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/app"
	"github.com/ariefcatur/go-checkout-reconciler/internal/bank"
	"github.com/ariefcatur/go-checkout-reconciler/internal/config"
	"github.com/ariefcatur/go-checkout-reconciler/internal/httpx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logx.New(logx.Config{AppEnv: cfg.AppEnv, Level: cfg.Log.Level, Encoding: cfg.Log.Encoding})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.ServiceName))

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup", zap.Error(err))
	}

	// Bank
	bc := bank.NewClient(cfg.Bank.RelayURL, cfg.Bank.Timeout, log)
	session := bank.NewSession(bc, bank.SessionConfig{
		Credentials: bank.Credentials{Username: cfg.Bank.Username, Password: cfg.Bank.Password},
		TTL:         cfg.Bank.TokenTTL,
		Attempts:    cfg.Bank.AuthAttempts,
	}, log)
	gw, err := bank.NewGateway(session, bc, bank.GatewayConfig{
		Currency:      cfg.Bank.Currency,
		MinAmount:     cfg.Bank.MinAmount,
		MaxAmount:     cfg.Bank.MaxAmount,
		PhonePattern:  cfg.Bank.PhonePattern,
		TestMode:      cfg.Bank.TestMode,
		TestModeDelay: cfg.Bank.TestModeDelay,
	}, log)
	if err != nil {
		log.Fatal("bank gateway", zap.Error(err))
	}

	// Stock & ledger
	reservations := inventory.NewReservationService(a.Stock, cfg.Stock.ReservationBuffer, log)
	verifier := inventory.NewVerifier(a.ERP, a.Stock, inventory.VerifierConfig{
		SafetyBuffer: cfg.Stock.SafetyBuffer,
		BatchSize:    cfg.Stock.BatchSize,
		Timeout:      cfg.ERP.StockTimeout,
	}, log)
	ledger := orders.NewLedger(a.Orders, reservations, gw, a.Orchestrator, a.Notifier, a.Locker, log)

	router := httpx.NewRouter(log, httpx.Handlers{
		Payments:    httpx.NewPaymentsHandler(gw, log),
		Orders:      httpx.NewOrdersHandler(ledger, log),
		Stock:       httpx.NewStockHandler(verifier, log),
		Internal:    httpx.NewInternalHandler(a.Orchestrator, a.SyncJob, a.Tasks, a.SyncStatus, log),
		InternalKey: cfg.InternalKey,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	a.Close(ctx2)
}
