package orders

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderPaid                     = "OrderPaid"
	EventDeliveryPhotoCaptured         = "DeliveryPhotoCaptured"
	EventCustomerNotificationRequested = "CustomerNotificationRequested"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g. "checkout-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually order_id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload as a version 1 event correlated to orderID.
func NewEnvelope(eventType, producer, orderID, traceID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}

// ---- payloads ----

type ItemQty struct {
	ItemCode string `json:"item_code"`
	Qty      int    `json:"qty"`
}

type OrderPaidPayload struct {
	OrderID       string    `json:"order_id"`
	OrderNumber   string    `json:"order_number"`
	TotalAmount   string    `json:"total_amount"`
	Currency      string    `json:"currency"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Items         []ItemQty `json:"items"`
}

const PhotoTypeDelivery = "delivery"

// DeliveryPhotoCapturedPayload is produced by the driver app once the
// proof-of-delivery photo is uploaded.
type DeliveryPhotoCapturedPayload struct {
	OrderID    string    `json:"order_id"`
	PhotoType  string    `json:"photo_type"` // delivery | pickup
	PhotoURL   string    `json:"photo_url,omitempty"`
	CapturedBy string    `json:"captured_by,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

const (
	NotifyOrderConfirmation = "order_confirmation"
	NotifyOrderDelivered    = "order_delivered"
)

type CustomerNotificationPayload struct {
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	Kind          string `json:"kind"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	CustomerEmail string `json:"customer_email,omitempty"`
	TotalAmount   string `json:"total_amount"`
}

func PaidPayload(o *Order) OrderPaidPayload {
	items := make([]ItemQty, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemQty{ItemCode: it.ItemCode, Qty: it.Quantity})
	}
	return OrderPaidPayload{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		TotalAmount:   o.TotalAmount.String(),
		Currency:      o.Currency,
		TransactionID: o.TransactionID,
		Items:         items,
	}
}

func NotificationPayload(o *Order, kind string) CustomerNotificationPayload {
	return CustomerNotificationPayload{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		Kind:          kind,
		CustomerName:  o.CustomerName,
		CustomerPhone: o.CustomerPhone,
		CustomerEmail: o.CustomerEmail,
		TotalAmount:   o.TotalAmount.String(),
	}
}
