package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	kafkax "github.com/ariefcatur/go-checkout-reconciler/internal/kafka"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

type dedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type submitter interface {
	SubmitDocuments(ctx context.Context, orderID string) (SubmitResult, error)
	FlagFailure(ctx context.Context, orderID string, cause error) error
}

const submitAttempts = 3

// FulfillmentHandler submits ERP documents when a delivery photo is captured.
type FulfillmentHandler struct {
	sub      submitter
	dedup    dedup
	log      *zap.Logger
	attempts int
	backoff  func(attempt int) time.Duration
}

func NewFulfillmentHandler(sub submitter, dedup dedup, log *zap.Logger) *FulfillmentHandler {
	return &FulfillmentHandler{
		sub:      sub,
		dedup:    dedup,
		log:      logx.OrNop(log).Named("fulfillment"),
		attempts: submitAttempts,
		backoff:  func(n int) time.Duration { return time.Duration(n) * 2 * time.Second },
	}
}

// settled reports errors the orchestrator already recorded on the order or
// that no retry can fix.
func settled(err error) bool {
	return errors.Is(err, apperr.ErrERPSync) || errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation)
}

// Handle is a kafka.Handler. A submission that stays blocked, for example by
// a held order lock, is retried a few times and then flagged on the order for
// the operator retry. Handle returns an error, leaving the event
// uncommitted, only when even the flag cannot be written.
func (h *FulfillmentHandler) Handle(ctx context.Context, m kafkago.Message) error {
	if t := kafkax.Header(m, kafkax.HeaderEventType); t != "" && t != orders.EventDeliveryPhotoCaptured {
		return nil
	}
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		h.log.Warn("undecodable fulfillment event, skipping", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventDeliveryPhotoCaptured {
		return nil
	}
	log := h.log.With(zap.String("event_id", env.EventID), zap.String("trace_id", env.TraceID))

	if h.dedup != nil && env.EventID != "" {
		seen, err := h.dedup.Seen(ctx, env.EventID)
		if err != nil {
			log.Warn("dedup lookup failed, processing anyway", zap.Error(err))
		} else if seen {
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[orders.DeliveryPhotoCapturedPayload](env.Payload)
	if err != nil {
		log.Warn("bad payload, skipping", zap.Error(err))
		return nil
	}
	if p.PhotoType != orders.PhotoTypeDelivery || p.OrderID == "" {
		return nil
	}
	log = log.With(zap.String("order_id", p.OrderID))

	var res SubmitResult
	for attempt := 1; ; attempt++ {
		res, err = h.sub.SubmitDocuments(ctx, p.OrderID)
		if err == nil || settled(err) || attempt >= h.attempts {
			break
		}
		d := h.backoff(attempt)
		log.Warn("erp submission blocked, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", d), zap.Error(err))
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	switch {
	case err == nil:
		log.Info("erp documents finalized",
			zap.Bool("already_submitted", res.AlreadySubmitted),
			zap.Bool("auto_synced", res.AutoSynced),
			zap.Strings("submitted", res.Submitted))
	case settled(err):
		log.Error("erp submission not completed", zap.Error(err))
	case ctx.Err() != nil:
		return err
	default:
		if ferr := h.sub.FlagFailure(ctx, p.OrderID, err); ferr != nil {
			log.Error("cannot flag order, leaving event uncommitted", zap.NamedError("cause", err), zap.Error(ferr))
			return err
		}
		log.Error("erp submission gave up, order flagged for retry", zap.Error(err))
	}

	if h.dedup != nil && env.EventID != "" {
		if err := h.dedup.Mark(ctx, env.EventID); err != nil {
			log.Warn("dedup mark failed", zap.Error(err))
		}
	}
	return nil
}
