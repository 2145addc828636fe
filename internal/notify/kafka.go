// Package notify publishes order events and customer notification requests.
// Delivery is best effort: failures are logged and never reach the caller.
package notify

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-checkout-reconciler/internal/kafka"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

type publisher interface {
	TryPublish(m kafka.Message) error
}

type KafkaNotifier struct {
	paid     publisher
	customer publisher
	producer string
	log      *zap.Logger
}

// NewKafkaNotifier publishes OrderPaid on paid and notification requests on
// customer. Either may be nil to disable that stream.
func NewKafkaNotifier(paid, customer publisher, producer string, log *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{paid: paid, customer: customer, producer: producer, log: logx.OrNop(log).Named("notify")}
}

func (n *KafkaNotifier) OrderPaid(ctx context.Context, o *orders.Order) {
	if n.paid == nil {
		return
	}
	n.send(ctx, n.paid, o.ID, orders.EventOrderPaid, orders.PaidPayload(o))
}

// Notify asks the notification service to message the customer.
func (n *KafkaNotifier) Notify(ctx context.Context, o *orders.Order, kind string) {
	if n.customer == nil {
		return
	}
	if o.CustomerEmail == "" && o.CustomerPhone == "" {
		n.log.Debug("no contact for customer, skipping", zap.String("order_id", o.ID))
		return
	}
	n.send(ctx, n.customer, o.ID, orders.EventCustomerNotificationRequested, orders.NotificationPayload(o, kind))
}

func (n *KafkaNotifier) send(ctx context.Context, p publisher, orderID, eventType string, payload any) {
	log := n.log.With(zap.String("order_id", orderID), zap.String("event", eventType))
	env, err := orders.NewEnvelope(eventType, n.producer, orderID, traceID(ctx), payload)
	if err != nil {
		log.Error("build event", zap.Error(err))
		return
	}
	m, err := kafkax.NewMessage(orders.PartitionKey(orderID), eventType, env.EventVersion, env)
	if err != nil {
		log.Error("encode event", zap.Error(err))
		return
	}
	if err := p.TryPublish(m); err != nil {
		log.Warn("event dropped", zap.Error(err))
	}
}

type traceKey struct{}

// WithTraceID tags events published under ctx with id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func traceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
