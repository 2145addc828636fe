package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderItem struct {
	ItemCode  string          `json:"item_code"`
	Name      string          `json:"name,omitempty"`
	ColorCode string          `json:"color_code,omitempty"`
	Size      string          `json:"size,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ERPDocumentSet holds the ERP names of the documents mirrored for an order.
// Names are stored one by one as they are created.
type ERPDocumentSet struct {
	SalesOrderID   string     `json:"sales_order_id,omitempty"`
	SalesInvoiceID string     `json:"sales_invoice_id,omitempty"`
	DeliveryNoteID string     `json:"delivery_note_id,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
}

// Complete reports whether all three documents exist.
func (d ERPDocumentSet) Complete() bool {
	return d.SalesOrderID != "" && d.SalesInvoiceID != "" && d.DeliveryNoteID != ""
}

type Order struct {
	ID               string          `json:"id"`
	OrderNumber      string          `json:"order_number"`
	CustomerName     string          `json:"customer_name"`
	CustomerPhone    string          `json:"customer_phone"`
	CustomerEmail    string          `json:"customer_email,omitempty"`
	DeliveryAddress  string          `json:"delivery_address,omitempty"`
	Items            []OrderItem     `json:"items"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Currency         string          `json:"currency"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	DeliveryStatus   DeliveryStatus  `json:"delivery_status"`
	PaymentMethod    string          `json:"payment_method"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	PaymentRequestID string          `json:"payment_request_id,omitempty"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	// StockReserved is true while this order holds a reservation that has
	// not been released yet.
	StockReserved bool `json:"-"`

	SyncedToERP     bool           `json:"synced_to_erp"`
	ERPOrderID      string         `json:"erp_order_id,omitempty"`
	Docs            ERPDocumentSet `json:"erp_documents"`
	ERPSyncError    string         `json:"erp_sync_error,omitempty"`
	ERPSyncFailedAt *time.Time     `json:"erp_sync_failed_at,omitempty"`
	NeedsAttention  bool           `json:"needs_attention"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Submitted reports whether the ERP documents have been finalized.
func (o *Order) Submitted() bool { return o.Docs.SubmittedAt != nil }

func sumItems(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.LineTotal())
	}
	return total
}
