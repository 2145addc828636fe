// Package inventory keeps the local stock cache honest: reservations made
// during checkout, availability checks against the ERP and the periodic
// sync that rebuilds the cache from ERP bins.
package inventory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
)

// Line is a requested quantity of one ERP item code.
type Line struct {
	ItemCode string `json:"item_code"`
	Qty      int    `json:"quantity"`
}

// StockRecord is one row of the flat stock cache.
type StockRecord struct {
	ItemCode    string    `json:"item_code"`
	Warehouse   string    `json:"warehouse"`
	ActualQty   int       `json:"actual_qty"`
	ReservedQty int       `json:"reserved_qty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Available is actual minus reserved minus buffer, floored at zero.
func (r StockRecord) Available(buffer int) int {
	return clampZero(r.ActualQty - r.ReservedQty - buffer)
}

type Shortage struct {
	ItemCode  string `json:"item_code"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// ShortageError lists every line that could not be satisfied. It travels as
// the cause of an apperr stock_insufficient error.
type ShortageError struct {
	Shortages []Shortage
}

func (e *ShortageError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s requested=%d available=%d", s.ItemCode, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func insufficient(op string, shortages []Shortage) error {
	msg := "Some items are no longer available in the requested quantity"
	if len(shortages) == 1 {
		msg = fmt.Sprintf("Only %d left of %s", shortages[0].Available, shortages[0].ItemCode)
	}
	return apperr.New(apperr.KindStockInsufficient, op, msg, &ShortageError{Shortages: shortages})
}

// aggregate merges duplicate item codes and returns the lines sorted by code
// so concurrent reservations touch rows in the same order.
func aggregate(op string, lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, apperr.Validation(op, "at least one item is required")
	}
	byCode := make(map[string]int, len(lines))
	for _, l := range lines {
		code := strings.TrimSpace(l.ItemCode)
		if code == "" {
			return nil, apperr.Validation(op, "item code is required")
		}
		if l.Qty <= 0 {
			return nil, apperr.Validation(op, fmt.Sprintf("quantity for %s must be positive", code))
		}
		byCode[code] += l.Qty
	}
	out := make([]Line, 0, len(byCode))
	for code, qty := range byCode {
		out = append(out, Line{ItemCode: code, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemCode < out[j].ItemCode })
	return out, nil
}

func codesOf(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.ItemCode
	}
	return out
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func chunk[T any](in []T, size int) [][]T {
	if size <= 0 {
		size = len(in)
	}
	var out [][]T
	for i := 0; i < len(in); i += size {
		end := i + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[i:end])
	}
	return out
}
