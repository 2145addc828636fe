package inventory

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Size is one sellable variant of a product. Each carries its own ERP code.
type Size struct {
	Size      string `json:"size"`
	ItemCode  string `json:"item_code,omitempty"`
	ColorCode string `json:"color_code,omitempty"`
	Stock     int    `json:"stock"`
	Available bool   `json:"available"`
}

type Color struct {
	Code      string `json:"code"`
	Color     string `json:"color,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Stock     int    `json:"stock"`
	Available bool   `json:"available"`
}

// Product is a row of the storefront product cache.
type Product struct {
	ID            string          `json:"id"`
	ItemCode      string          `json:"item_code"`
	Name          string          `json:"product_name"`
	Sizes         []Size          `json:"sizes"`
	Colors        []Color         `json:"colors"`
	StockQuantity int             `json:"stock_quantity"`
	Price         decimal.Decimal `json:"price"`
	Active        bool            `json:"is_active"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty"`
}

// ItemCodes returns the base code followed by every size code.
func (p Product) ItemCodes() []string {
	var out []string
	if c := strings.TrimSpace(p.ItemCode); c != "" {
		out = append(out, c)
	}
	for _, s := range p.Sizes {
		if c := strings.TrimSpace(s.ItemCode); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Reconcile rebuilds stock and price of p from ERP quantities and prices.
// Size stock comes straight from its bin; colour stock is the sum of its
// sizes; the product total is the sum of all sizes, or the base code's bin
// when the product has no sizes. The price is the base item price when
// positive, raised to the highest size price.
func Reconcile(p Product, stock map[string]int, prices map[string]decimal.Decimal, now time.Time) Product {
	out := p
	out.Sizes = make([]Size, len(p.Sizes))
	colorTotals := make(map[string]int)
	total := 0

	for i, s := range p.Sizes {
		code := strings.TrimSpace(s.ItemCode)
		qty := 0
		if code != "" {
			qty = clampZero(stock[code])
		}
		s.Stock = qty
		s.Available = qty > 0
		out.Sizes[i] = s

		total += qty
		if cc := strings.TrimSpace(s.ColorCode); cc != "" {
			colorTotals[cc] += qty
		}
	}
	if len(p.Sizes) == 0 {
		if code := strings.TrimSpace(p.ItemCode); code != "" {
			total = clampZero(stock[code])
		}
	}

	if len(p.Colors) > 0 {
		out.Colors = make([]Color, len(p.Colors))
		for i, c := range p.Colors {
			c.Stock = colorTotals[strings.TrimSpace(c.Code)]
			c.Available = c.Stock > 0
			out.Colors[i] = c
		}
	}
	out.StockQuantity = total

	price := p.Price
	if base, ok := prices[strings.TrimSpace(p.ItemCode)]; ok && base.IsPositive() {
		price = base
	}
	for _, s := range p.Sizes {
		if sp, ok := prices[strings.TrimSpace(s.ItemCode)]; ok && sp.GreaterThan(price) {
			price = sp
		}
	}
	out.Price = price

	synced := now
	out.SyncedAt = &synced
	return out
}
