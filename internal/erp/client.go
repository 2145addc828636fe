// Package erp is a thin ERPNext REST client covering stock levels, item
// prices and the sales documents mirrored for each paid order.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

const (
	DocSalesOrder   = "Sales Order"
	DocSalesInvoice = "Sales Invoice"
	DocDeliveryNote = "Delivery Note"
	// DocStockEntry is never written here: submitting the Delivery Note is
	// what reduces stock in the ERP.
	DocStockEntry = "Stock Entry"

	DocStatusDraft     = 0
	DocStatusSubmitted = 1
	DocStatusCancelled = 2
)

type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Warehouse string
	Timeout   time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logx.OrNop(log).Named("erp"),
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.cfg.BaseURL != "" && c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

func (c *Client) Warehouse() string { return c.cfg.Warehouse }

type binRow struct {
	ItemCode  string  `json:"item_code"`
	ActualQty float64 `json:"actual_qty"`
	Warehouse string  `json:"warehouse"`
}

// BinQuantities returns the on-hand quantity per item code in the configured
// warehouse. Negative bins are ignored, totals are floored, and codes with no
// bin are reported as zero.
func (c *Client) BinQuantities(ctx context.Context, codes []string) (map[string]int, error) {
	const op = "erp.bin"
	out := make(map[string]int, len(codes))
	for _, code := range codes {
		out[code] = 0
	}
	if len(codes) == 0 {
		return out, nil
	}

	q, err := listQuery(
		[]string{"item_code", "actual_qty", "warehouse"},
		[][]any{{"item_code", "in", codes}, {"warehouse", "=", c.cfg.Warehouse}},
	)
	if err != nil {
		return nil, err
	}
	var res struct {
		Data []binRow `json:"data"`
	}
	if err := c.do(ctx, op, http.MethodGet, "/api/resource/Bin?"+q, nil, &res); err != nil {
		return nil, err
	}

	sums := make(map[string]float64, len(codes))
	for _, row := range res.Data {
		if row.ActualQty > 0 {
			sums[row.ItemCode] += row.ActualQty
		}
	}
	for code, qty := range sums {
		out[code] = int(math.Floor(qty))
	}
	return out, nil
}

type itemRow struct {
	ItemCode     string          `json:"item_code"`
	SellingPrice decimal.Decimal `json:"custom_ecommerce_selling_price"`
	StandardRate decimal.Decimal `json:"standard_rate"`
	Valuation    decimal.Decimal `json:"valuation_rate"`
}

// price is the first positive of selling price, standard rate, valuation.
func (r itemRow) price() decimal.Decimal {
	for _, p := range []decimal.Decimal{r.SellingPrice, r.StandardRate, r.Valuation} {
		if p.IsPositive() {
			return p
		}
	}
	return decimal.Zero
}

// ItemPrices returns the e-commerce price for each code that has one.
func (c *Client) ItemPrices(ctx context.Context, codes []string) (map[string]decimal.Decimal, error) {
	const op = "erp.item"
	out := make(map[string]decimal.Decimal, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	q, err := listQuery(
		[]string{"item_code", "custom_ecommerce_selling_price", "standard_rate", "valuation_rate"},
		[][]any{{"item_code", "in", codes}},
	)
	if err != nil {
		return nil, err
	}
	var res struct {
		Data []itemRow `json:"data"`
	}
	if err := c.do(ctx, op, http.MethodGet, "/api/resource/Item?"+q, nil, &res); err != nil {
		return nil, err
	}
	for _, row := range res.Data {
		if p := row.price(); p.IsPositive() {
			out[row.ItemCode] = p
		}
	}
	return out, nil
}

type DocRef struct {
	Name      string `json:"name"`
	DocStatus int    `json:"docstatus"`
}

// CreateDocument inserts a draft document and returns its ERP name.
func (c *Client) CreateDocument(ctx context.Context, doctype string, doc any) (DocRef, error) {
	op := "erp.create " + doctype
	var res struct {
		Data DocRef `json:"data"`
	}
	if err := c.do(ctx, op, http.MethodPost, resourcePath(doctype, ""), doc, &res); err != nil {
		return DocRef{}, err
	}
	if res.Data.Name == "" {
		return DocRef{}, apperr.Unavailable(op, errors.New("ERP returned no document name"))
	}
	c.log.Info("erp document created", zap.String("doctype", doctype), zap.String("name", res.Data.Name))
	return res.Data, nil
}

func (c *Client) DocStatus(ctx context.Context, doctype, name string) (int, error) {
	op := "erp.get " + doctype
	var res struct {
		Data DocRef `json:"data"`
	}
	if err := c.do(ctx, op, http.MethodGet, resourcePath(doctype, name), nil, &res); err != nil {
		return 0, err
	}
	return res.Data.DocStatus, nil
}

// SubmitDocument moves a draft to docstatus 1.
func (c *Client) SubmitDocument(ctx context.Context, doctype, name string) error {
	op := "erp.submit " + doctype
	var res struct {
		Data DocRef `json:"data"`
	}
	if err := c.do(ctx, op, http.MethodPut, resourcePath(doctype, name), map[string]int{"docstatus": DocStatusSubmitted}, &res); err != nil {
		return err
	}
	if res.Data.DocStatus != DocStatusSubmitted {
		return apperr.Unavailable(op, fmt.Errorf("%s %s still has docstatus %d", doctype, name, res.Data.DocStatus))
	}
	c.log.Info("erp document submitted", zap.String("doctype", doctype), zap.String("name", name))
	return nil
}

func resourcePath(doctype, name string) string {
	p := "/api/resource/" + url.PathEscape(doctype)
	if name != "" {
		p += "/" + url.PathEscape(name)
	}
	return p
}

func listQuery(fields []string, filters [][]any) (string, error) {
	f, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	flt, err := json.Marshal(filters)
	if err != nil {
		return "", err
	}
	v := url.Values{}
	v.Set("fields", string(f))
	v.Set("filters", string(flt))
	v.Set("limit_page_length", "99999")
	return v.Encode(), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if !c.Configured() {
		return apperr.Unavailable(op, errors.New("ERP is not configured"))
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "token "+c.cfg.APIKey+":"+c.cfg.APISecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return apperr.Timeout(op, err)
		}
		return apperr.Unavailable(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return apperr.Unavailable(op, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode == http.StatusNotFound {
		return apperr.New(apperr.KindNotFound, op, "ERP document not found", fmt.Errorf("status 404: %s", logx.Truncate(raw, 200)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("erp request rejected",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("body", logx.Truncate(raw, 500)),
		)
		return apperr.Unavailable(op, fmt.Errorf("status %d: %s", resp.StatusCode, logx.Truncate(raw, 200)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
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
