package erp

import "github.com/shopspring/decimal"

// DocItem is a line shared by the three sales documents. The linking fields
// are only set on the document that needs them.
type DocItem struct {
	ItemCode          string          `json:"item_code"`
	Qty               int             `json:"qty"`
	Rate              decimal.Decimal `json:"rate"`
	Warehouse         string          `json:"warehouse,omitempty"`
	DeliveryDate      string          `json:"delivery_date,omitempty"`
	SalesOrder        string          `json:"sales_order,omitempty"`
	AgainstSalesOrder string          `json:"against_sales_order,omitempty"`
}

type SalesOrder struct {
	Customer        string    `json:"customer"`
	Company         string    `json:"company"`
	TransactionDate string    `json:"transaction_date"`
	DeliveryDate    string    `json:"delivery_date"`
	SetWarehouse    string    `json:"set_warehouse"`
	PONo            string    `json:"po_no"`
	Items           []DocItem `json:"items"`
}

type SalesInvoice struct {
	Customer    string    `json:"customer"`
	Company     string    `json:"company"`
	PostingDate string    `json:"posting_date"`
	DueDate     string    `json:"due_date"`
	PONo        string    `json:"po_no"`
	UpdateStock int       `json:"update_stock"`
	Items       []DocItem `json:"items"`
}

type DeliveryNote struct {
	Customer     string    `json:"customer"`
	Company      string    `json:"company"`
	PostingDate  string    `json:"posting_date"`
	SetWarehouse string    `json:"set_warehouse"`
	PONo         string    `json:"po_no"`
	Items        []DocItem `json:"items"`
}
