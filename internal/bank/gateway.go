package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

const (
	msgInactiveWallet = "Phone number does not have an active CAC Wallet account. Please call 6363 to activate your wallet."
	msgPaymentExpired = "Payment not found. The payment request may have expired or is invalid."
	msgInvalidOTP     = "Invalid or expired OTP. Please try again."
	msgConfirmFailed  = "Payment confirmation failed."
	msgInitiateFailed = "Payment initiation failed."
)

var otpPattern = regexp.MustCompile(`^\d{4,6}$`)

// PaymentState tracks one payment request through the OTP flow.
type PaymentState string

const (
	StateInitiated  PaymentState = "initiated"
	StateOtpPending PaymentState = "otp_pending"
	StateConfirmed  PaymentState = "confirmed"
	StateFailed     PaymentState = "failed"
)

var validNextState = map[PaymentState]map[PaymentState]bool{
	StateInitiated:  {StateOtpPending: true, StateFailed: true},
	StateOtpPending: {StateConfirmed: true, StateFailed: true},
}

func (s PaymentState) Terminal() bool { return s == StateConfirmed || s == StateFailed }

func canTransition(from, to PaymentState) bool { return validNextState[from][to] }

// PaymentRequest is the gateway's record of an initiated payment. The token
// used at initiation is pinned so confirmation presents the same session.
type PaymentRequest struct {
	ID        PaymentRequestID
	Amount    decimal.Decimal
	Phone     string
	VendorRef string
	State     PaymentState
	// Reference is the bank transaction reference, set on confirmation.
	Reference string
	CreatedAt time.Time

	token Token
}

type authenticator interface {
	Authenticate(ctx context.Context, forceNew bool) (Token, bool, error)
	ClearCache()
}

type bankAPI interface {
	InitiatePayment(ctx context.Context, token string, req InitiateRequest) (InitiateResult, error)
	ConfirmPayment(ctx context.Context, token string, req ConfirmRequest) (ConfirmResult, error)
	VerifyPayment(ctx context.Context, token, reference string) (VerifyResult, error)
}

type GatewayConfig struct {
	Currency           string
	MinAmount          decimal.Decimal
	MaxAmount          decimal.Decimal
	PhonePattern       string
	DefaultDescription string
	TestMode           bool
	TestModeDelay      time.Duration
	// RequestTTL is how long an unfinished request is remembered.
	RequestTTL time.Duration
	Now        func() time.Time
}

type Gateway struct {
	auth  authenticator
	api   bankAPI
	cfg   GatewayConfig
	phone *regexp.Regexp
	log   *zap.Logger

	mu       sync.Mutex
	inFlight map[PaymentRequestID]*PaymentRequest
}

func NewGateway(auth authenticator, api bankAPI, cfg GatewayConfig, log *zap.Logger) (*Gateway, error) {
	if cfg.PhonePattern == "" {
		cfg.PhonePattern = `^77\d{6}$`
	}
	phone, err := regexp.Compile(cfg.PhonePattern)
	if err != nil {
		return nil, fmt.Errorf("phone pattern: %w", err)
	}
	if cfg.Currency == "" {
		cfg.Currency = "DJF"
	}
	if cfg.MinAmount.IsZero() && cfg.MaxAmount.IsZero() {
		cfg.MinAmount = decimal.NewFromInt(10)
		cfg.MaxAmount = decimal.NewFromInt(100000)
	}
	if cfg.DefaultDescription == "" {
		cfg.DefaultDescription = "Urban Jungle Purchase"
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 2 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := logx.OrNop(log).Named("bank.gateway")
	if cfg.TestMode {
		l.Warn("payment test mode is ON, confirmations are simulated")
	}
	return &Gateway{
		auth:     auth,
		api:      api,
		cfg:      cfg,
		phone:    phone,
		log:      l,
		inFlight: make(map[PaymentRequestID]*PaymentRequest),
	}, nil
}

type InitiateInput struct {
	Amount      decimal.Decimal
	Phone       string
	Description string
	VendorRef   string
}

type InitiateOutcome struct {
	PaymentRequestID PaymentRequestID `json:"paymentRequestId"`
	VendorRef        string           `json:"vendorRef"`
	Message          string           `json:"message"`
}

type ConfirmOutcome struct {
	PaymentRequestID PaymentRequestID `json:"paymentRequestId"`
	State            PaymentState     `json:"state"`
	Reference        string           `json:"reference,omitempty"`
	ConfirmReference string           `json:"confirmReference,omitempty"`
	Message          string           `json:"message"`
	Simulated        bool             `json:"simulated,omitempty"`
}

type VerifyOutcome struct {
	Reference       string          `json:"reference"`
	Status          string          `json:"status"`
	Paid            bool            `json:"paid"`
	Amount          decimal.Decimal `json:"amount"`
	CustomerName    string          `json:"customerName,omitempty"`
	TransactionNo   string          `json:"transactionNo,omitempty"`
	TransactionDate string          `json:"transactionDate,omitempty"`
	Description     string          `json:"description,omitempty"`
}

// Initiate validates the request, obtains a token and asks the bank to send
// an OTP to the customer's phone.
func (g *Gateway) Initiate(ctx context.Context, in InitiateInput) (InitiateOutcome, error) {
	const op = "bank.initiate"
	in.Phone = strings.TrimSpace(in.Phone)
	if err := g.validateInitiate(op, in); err != nil {
		return InitiateOutcome{}, err
	}
	if in.Description == "" {
		in.Description = g.cfg.DefaultDescription
	}
	now := g.cfg.Now()
	if in.VendorRef == "" {
		in.VendorRef = fmt.Sprintf("UJ-%d", now.UnixMilli())
	}

	tok, _, err := g.auth.Authenticate(ctx, false)
	if err != nil {
		return InitiateOutcome{}, err
	}

	res, err := g.api.InitiatePayment(ctx, tok.Value, InitiateRequest{
		CustomerMobile: in.Phone,
		Currency:       g.cfg.Currency,
		Desc:           in.Description,
		VenderRef:      in.VendorRef,
		Amount:         json.Number(in.Amount.String()),
	})
	if err != nil {
		return InitiateOutcome{}, g.mapInitiateError(op, err)
	}
	if !res.PaymentRequestID.Valid() {
		return InitiateOutcome{}, apperr.Unavailable(op, fmt.Errorf("bank returned malformed payment request id %q", res.PaymentRequestID))
	}

	pr := &PaymentRequest{
		ID:        res.PaymentRequestID,
		Amount:    in.Amount,
		Phone:     in.Phone,
		VendorRef: in.VendorRef,
		State:     StateOtpPending,
		CreatedAt: now,
		token:     tok,
	}
	g.track(pr)

	g.log.Info("payment initiated",
		zap.String("payment_request_id", pr.ID.String()),
		zap.String("vendor_ref", pr.VendorRef),
		zap.String("amount", pr.Amount.String()),
	)
	return InitiateOutcome{
		PaymentRequestID: pr.ID,
		VendorRef:        pr.VendorRef,
		Message:          "OTP sent to customer mobile",
	}, nil
}

// Confirm submits the customer's OTP. An expired or declined request is
// finalized as failed; a wrong OTP or a timeout leaves it pending.
func (g *Gateway) Confirm(ctx context.Context, id PaymentRequestID, otp string) (ConfirmOutcome, error) {
	const op = "bank.confirm"
	otp = strings.TrimSpace(otp)
	if !id.Valid() {
		return ConfirmOutcome{}, apperr.Validation(op, "invalid payment request id")
	}
	if !otpPattern.MatchString(otp) {
		return ConfirmOutcome{}, apperr.Validation(op, "OTP must be 4 to 6 digits")
	}

	pr, known := g.lookup(id)
	if known && pr.State.Terminal() {
		return ConfirmOutcome{}, apperr.Conflict(op, fmt.Sprintf("payment request already %s", pr.State))
	}

	if g.cfg.TestMode {
		return g.simulateConfirm(ctx, id)
	}

	token, err := g.tokenFor(ctx, pr, known)
	if err != nil {
		return ConfirmOutcome{}, err
	}

	res, err := g.api.ConfirmPayment(ctx, token, ConfirmRequest{PaymentRequestID: id, OTP: otp})
	if err != nil {
		mapped, final := g.mapConfirmError(op, err)
		if final {
			g.finish(id, StateFailed, "")
		}
		g.log.Warn("payment confirmation failed",
			zap.String("payment_request_id", id.String()),
			zap.String("kind", string(apperr.KindOf(mapped))),
			zap.Error(err),
		)
		return ConfirmOutcome{PaymentRequestID: id, State: g.stateOf(id)}, mapped
	}

	ref := firstNonEmpty(res.Reference, res.ConfirmReference)
	g.finish(id, StateConfirmed, ref)
	g.log.Info("payment confirmed", zap.String("payment_request_id", id.String()), zap.String("reference", ref))
	return ConfirmOutcome{
		PaymentRequestID: id,
		State:            StateConfirmed,
		Reference:        ref,
		ConfirmReference: res.ConfirmReference,
		Message:          "Payment confirmed",
	}, nil
}

// Verify looks up a completed transaction by bank reference.
func (g *Gateway) Verify(ctx context.Context, reference string) (VerifyOutcome, error) {
	const op = "bank.verify"
	reference = strings.TrimSpace(reference)
	if reference == "" || len(reference) > 100 {
		return VerifyOutcome{}, apperr.Validation(op, "reference is required")
	}
	tok, _, err := g.auth.Authenticate(ctx, false)
	if err != nil {
		return VerifyOutcome{}, err
	}
	res, err := g.api.VerifyPayment(ctx, tok.Value, reference)
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			if ue.Status == 404 || ue.Code == "160" {
				return VerifyOutcome{}, apperr.NotFound(op, "transaction not found")
			}
			if ue.Status == 401 {
				return VerifyOutcome{}, apperr.Authentication(op, ue)
			}
			return VerifyOutcome{}, apperr.Unavailable(op, ue)
		}
		return VerifyOutcome{}, err
	}
	status := strings.ToLower(res.Status)
	paid := status == "success" || status == "completed" || status == "paid" ||
		(status == "" && res.TransactionNo != "")
	return VerifyOutcome{
		Reference:       firstNonEmpty(res.Reference, reference),
		Status:          res.Status,
		Paid:            paid,
		Amount:          res.Amount,
		CustomerName:    res.CustomerName,
		TransactionNo:   res.TransactionNo,
		TransactionDate: res.TransactionDate,
		Description:     res.Description,
	}, nil
}

// Confirmed returns the request only when this gateway saw the bank confirm
// it. Orders are never marked paid on anything else.
func (g *Gateway) Confirmed(id PaymentRequestID) (PaymentRequest, bool) {
	pr, ok := g.lookup(id)
	if !ok || pr.State != StateConfirmed {
		return PaymentRequest{}, false
	}
	return *pr, true
}

func (g *Gateway) validateInitiate(op string, in InitiateInput) error {
	if !in.Amount.IsPositive() {
		return apperr.Validation(op, "amount must be a positive number")
	}
	if in.Amount.LessThan(g.cfg.MinAmount) || in.Amount.GreaterThan(g.cfg.MaxAmount) {
		return apperr.Validation(op, fmt.Sprintf("amount must be between %s and %s %s",
			g.cfg.MinAmount, g.cfg.MaxAmount, g.cfg.Currency))
	}
	if !g.phone.MatchString(in.Phone) {
		return apperr.Validation(op, "phone number must be 8 digits starting with 77")
	}
	if len(in.Description) > 500 {
		return apperr.Validation(op, "description must be at most 500 characters")
	}
	if len(in.VendorRef) > 100 {
		return apperr.Validation(op, "vendor reference must be at most 100 characters")
	}
	return nil
}

// tokenFor prefers the token pinned at initiation. It never forces a new
// sign-in, which would invalidate the session the bank tied the OTP to.
func (g *Gateway) tokenFor(ctx context.Context, pr *PaymentRequest, known bool) (string, error) {
	if known && pr.token.Valid(g.cfg.Now()) {
		return pr.token.Value, nil
	}
	tok, _, err := g.auth.Authenticate(ctx, false)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

func (g *Gateway) simulateConfirm(ctx context.Context, id PaymentRequestID) (ConfirmOutcome, error) {
	select {
	case <-time.After(g.cfg.TestModeDelay):
	case <-ctx.Done():
		return ConfirmOutcome{}, apperr.Timeout("bank.confirm", ctx.Err())
	}
	ref := fmt.Sprintf("TEST-%d", g.cfg.Now().UnixMilli())
	g.finish(id, StateConfirmed, ref)
	g.log.Warn("simulated payment confirmation", zap.String("payment_request_id", id.String()), zap.String("reference", ref))
	return ConfirmOutcome{
		PaymentRequestID: id,
		State:            StateConfirmed,
		Reference:        ref,
		ConfirmReference: ref,
		Message:          "Payment confirmed (test mode)",
		Simulated:        true,
	}, nil
}

func (g *Gateway) mapInitiateError(op string, err error) error {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return err
	}
	switch {
	case ue.Status == 401:
		// No payment is in flight yet, so a fresh sign-in is safe next time.
		g.auth.ClearCache()
		return apperr.Authentication(op, ue)
	case ue.Code == "155" || ue.mentions("CAC Wallet"):
		return apperr.Declined(op, msgInactiveWallet, ue)
	case ue.Status >= 500:
		return apperr.Unavailable(op, ue)
	default:
		return apperr.Declined(op, msgInitiateFailed, ue)
	}
}

// mapConfirmError classifies a failed confirmation. final reports whether
// the bank has given up on the request; a mistyped OTP may be retried.
func (g *Gateway) mapConfirmError(op string, err error) (mapped error, final bool) {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return err, false
	}
	switch {
	case ue.Status == 401:
		return apperr.Authentication(op, ue), false
	case ue.Code == "160":
		return apperr.Declined(op, msgPaymentExpired, ue), true
	case ue.mentions("otp"):
		return apperr.Declined(op, msgInvalidOTP, ue), false
	case ue.Status >= 500:
		return apperr.Unavailable(op, ue), false
	default:
		return apperr.Declined(op, msgConfirmFailed, ue), true
	}
}

func (g *Gateway) track(pr *PaymentRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := pr.CreatedAt.Add(-g.cfg.RequestTTL)
	for id, old := range g.inFlight {
		if old.CreatedAt.Before(cutoff) {
			delete(g.inFlight, id)
		}
	}
	g.inFlight[pr.ID] = pr
}

func (g *Gateway) lookup(id PaymentRequestID) (*PaymentRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pr, ok := g.inFlight[id]
	if !ok {
		return nil, false
	}
	cp := *pr
	return &cp, true
}

func (g *Gateway) finish(id PaymentRequestID, to PaymentState, ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pr, ok := g.inFlight[id]
	if !ok || !canTransition(pr.State, to) {
		return
	}
	pr.State = to
	pr.Reference = ref
}

func (g *Gateway) stateOf(id PaymentRequestID) PaymentState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pr, ok := g.inFlight[id]; ok {
		return pr.State
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
