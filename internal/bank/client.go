package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

const maxBodyBytes = 1 << 20

// Client talks to the bank through the allow-listed relay. The relay adds
// the app/api keys, so only the bearer token travels from here.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(relayURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: relayURL,
		http:    &http.Client{Timeout: timeout},
		log:     logx.OrNop(log).Named("bank"),
	}
}

func (c *Client) SignIn(ctx context.Context, creds Credentials) (SignInResult, error) {
	var out SignInResult
	err := c.post(ctx, "bank.signin", "/auth/signin", "", creds, &out)
	return out, err
}

func (c *Client) InitiatePayment(ctx context.Context, token string, req InitiateRequest) (InitiateResult, error) {
	var out InitiateResult
	err := c.post(ctx, "bank.initiate", "/PaymentInitiateRequest", token, req, &out)
	return out, err
}

func (c *Client) ConfirmPayment(ctx context.Context, token string, req ConfirmRequest) (ConfirmResult, error) {
	var out ConfirmResult
	err := c.post(ctx, "bank.confirm", "/PaymentConfirmationRequest", token, req, &out)
	return out, err
}

func (c *Client) VerifyPayment(ctx context.Context, token, reference string) (VerifyResult, error) {
	var out VerifyResult
	err := c.post(ctx, "bank.verify", "/verify-payment", token, VerifyRequest{Reference: reference}, &out)
	return out, err
}

func (c *Client) post(ctx context.Context, op, path, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("bank call failed", zap.String("op", op), zap.Duration("took", time.Since(start)), zap.Error(err))
		if isTimeout(err) {
			return apperr.Timeout(op, err)
		}
		return apperr.Unavailable(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return apperr.Unavailable(op, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ue := parseUpstreamError(op, resp.StatusCode, raw)
		fields := []zap.Field{
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("code", ue.Code),
			zap.String("body", logx.Truncate(raw, 500)),
		}
		if resp.StatusCode == http.StatusForbidden {
			c.log.Error("bank rejected caller, relay address may not be allow-listed", fields...)
		} else {
			c.log.Warn("bank call rejected", fields...)
		}
		return ue
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.log.Error("bank response not decodable", zap.String("op", op), zap.String("body", logx.Truncate(raw, 200)))
		return apperr.Unavailable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
