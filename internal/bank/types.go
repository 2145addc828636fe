package bank

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRequestID is the bank's payment request identifier. It can exceed
// 17 digits, so it is carried as the exact decimal text and never as a float.
type PaymentRequestID string

var paymentRequestIDPattern = regexp.MustCompile(`^\d{1,20}$`)

func (id PaymentRequestID) String() string { return string(id) }

func (id PaymentRequestID) Valid() bool { return paymentRequestIDPattern.MatchString(string(id)) }

// UnmarshalJSON accepts a JSON string or a bare JSON number and keeps the
// literal digits unchanged.
func (id *PaymentRequestID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = PaymentRequestID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("payment request id: %w", err)
	}
	*id = PaymentRequestID(n.String())
	return nil
}

// Token is a bearer credential issued by the bank sign-in endpoint.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be presented at now.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ---- relay request/response shapes ----

type SignInResult struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
}

type InitiateRequest struct {
	CustomerMobile string      `json:"customer_mobile"`
	Currency       string      `json:"currency"`
	Desc           string      `json:"desc"`
	VenderRef      string      `json:"vender_ref"`
	Amount         json.Number `json:"amount"`
}

type InitiateResult struct {
	PaymentRequestID PaymentRequestID `json:"paymentRequestId"`
	Description      string           `json:"description"`
}

type ConfirmRequest struct {
	PaymentRequestID PaymentRequestID `json:"payment_request_id"`
	OTP              string           `json:"otp"`
}

// ConfirmResult may be entirely empty: the bank often answers 2xx with no body.
type ConfirmResult struct {
	Reference        string `json:"reference"`
	ConfirmReference string `json:"confirmReference"`
	Description      string `json:"description"`
}

type VerifyRequest struct {
	Reference string `json:"reference"`
}

type VerifyResult struct {
	CustomerName    string          `json:"customerName"`
	Reference       string          `json:"reference"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionDate string          `json:"transactionDate"`
	TransactionNo   string          `json:"transactionNo"`
	Description     string          `json:"description"`
	Status          string          `json:"status"`
}

// UpstreamError is a non-2xx answer from the relay, parsed once here so
// callers never look at the raw body.
type UpstreamError struct {
	Op          string
	Status      int
	Code        string
	Message     string
	Description string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: bank responded %d (code=%s): %s", e.Op, e.Status, e.Code, e.text())
}

func (e *UpstreamError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Description
}

// mentions reports whether the bank's message or description contains s.
func (e *UpstreamError) mentions(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(strings.ToLower(e.Message), s) ||
		strings.Contains(strings.ToLower(e.Description), s)
}

type errorBody struct {
	ErrorCode   json.Number `json:"errorCode"`
	Message     string      `json:"message"`
	Description string      `json:"description"`
	Error       string      `json:"error"`
}

func parseUpstreamError(op string, status int, raw []byte) *UpstreamError {
	ue := &UpstreamError{Op: op, Status: status}
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		ue.Code = body.ErrorCode.String()
		ue.Message = body.Message
		if ue.Message == "" {
			ue.Message = body.Error
		}
		ue.Description = body.Description
	}
	return ue
}
