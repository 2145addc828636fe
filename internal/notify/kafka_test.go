package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	kafkax "github.com/ariefcatur/go-checkout-reconciler/internal/kafka"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

type sink struct{ msgs []kafka.Message }

func (s *sink) TryPublish(m kafka.Message) error {
	s.msgs = append(s.msgs, m)
	return nil
}

func TestOrderPaidEvent(t *testing.T) {
	t.Parallel()

	paid := &sink{}
	n := NewKafkaNotifier(paid, nil, "checkout-api", nil)
	o := &orders.Order{
		ID: "o-1", OrderNumber: "UJ-1", TotalAmount: decimal.NewFromInt(50000), Currency: "DJF",
		Items: []orders.OrderItem{{ItemCode: "TS", Quantity: 2}},
	}
	n.OrderPaid(WithTraceID(context.Background(), "req-9"), o)
	n.Notify(context.Background(), o, orders.NotifyOrderConfirmation) // customer stream disabled

	if len(paid.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(paid.msgs))
	}
	m := paid.msgs[0]
	if string(m.Key) != "o-1" || kafkax.Header(m, kafkax.HeaderEventType) != orders.EventOrderPaid {
		t.Fatalf("bad key or headers: %s %+v", m.Key, m.Headers)
	}
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		t.Fatal(err)
	}
	p, err := kafkax.UnwrapPayload[orders.OrderPaidPayload](env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if env.TraceID != "req-9" || env.CorrelationID != "o-1" || p.TotalAmount != "50000" || len(p.Items) != 1 {
		t.Fatalf("unexpected event %+v %+v", env, p)
	}
}

func TestNotifySkipsWithoutContact(t *testing.T) {
	t.Parallel()

	customer := &sink{}
	n := NewKafkaNotifier(nil, customer, "worker", nil)
	n.Notify(context.Background(), &orders.Order{ID: "o-2"}, orders.NotifyOrderDelivered)
	n.Notify(context.Background(), &orders.Order{ID: "o-3", CustomerPhone: "77123456"}, orders.NotifyOrderDelivered)

	if len(customer.msgs) != 1 || string(customer.msgs[0].Key) != "o-3" {
		t.Fatalf("expected only o-3 to be notified, got %d", len(customer.msgs))
	}
}
