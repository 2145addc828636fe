package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/bank"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

// Store is the persistence the ledger needs. *Repo implements it.
type Store interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	FindByTransaction(ctx context.Context, txID string) (*Order, error)
	Update(ctx context.Context, id string, fn func(*Order) error) (*Order, error)
}

type reserver interface {
	Reserve(ctx context.Context, lines []inventory.Line) ([]inventory.Line, error)
	Release(ctx context.Context, lines []inventory.Line) error
}

// Payments reports bank confirmations. *bank.Gateway implements it.
type Payments interface {
	Confirmed(id bank.PaymentRequestID) (bank.PaymentRequest, bool)
}

// Scheduler queues background ERP document creation for a paid order.
type Scheduler interface {
	ScheduleCreate(orderID string)
}

// Publisher announces paid orders. Implementations must not block.
type Publisher interface {
	OrderPaid(ctx context.Context, o *Order)
}

const (
	DefaultCurrency      = "DJF"
	DefaultPaymentMethod = "cac_pay"

	createLockTTL = 30 * time.Second
)

type Ledger struct {
	store    Store
	stock    reserver
	payments Payments
	sched    Scheduler
	pub      Publisher
	lock     inventory.Locker
	log      *zap.Logger
	now      func() time.Time
}

// NewLedger wires the ledger. sched, pub and lock may be nil. Without
// payments no order can become paid.
func NewLedger(store Store, stock reserver, payments Payments, sched Scheduler, pub Publisher, lock inventory.Locker, log *zap.Logger) *Ledger {
	return &Ledger{
		store:    store,
		stock:    stock,
		payments: payments,
		sched:    sched,
		pub:      pub,
		lock:     lock,
		log:      logx.OrNop(log).Named("ledger"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type CreateOrderInput struct {
	OrderNumber      string                `json:"order_number"`
	CustomerName     string                `json:"customer_name"`
	CustomerPhone    string                `json:"customer_phone"`
	CustomerEmail    string                `json:"customer_email"`
	DeliveryAddress  string                `json:"delivery_address"`
	Items            []OrderItem           `json:"items"`
	TotalAmount      decimal.Decimal       `json:"total_amount"`
	Currency         string                `json:"currency"`
	PaymentMethod    string               `json:"payment_method"`
	TransactionID    string               `json:"transaction_id"`
	PaymentRequestID bank.PaymentRequestID `json:"payment_request_id"`
}

func (in CreateOrderInput) validate(op string, needPayment bool) error {
	switch {
	case strings.TrimSpace(in.CustomerName) == "":
		return apperr.Validation(op, "customer name is required")
	case strings.TrimSpace(in.CustomerPhone) == "":
		return apperr.Validation(op, "customer phone is required")
	case len(in.Items) == 0:
		return apperr.Validation(op, "an order needs at least one item")
	case in.TotalAmount.IsNegative():
		return apperr.Validation(op, "total amount cannot be negative")
	case needPayment && !in.PaymentRequestID.Valid():
		return apperr.Validation(op, "a confirmed payment request id is required for a paid order")
	case in.PaymentRequestID != "" && !in.PaymentRequestID.Valid():
		return apperr.Validation(op, "invalid payment request id")
	}
	for _, it := range in.Items {
		if strings.TrimSpace(it.ItemCode) == "" || it.Quantity <= 0 {
			return apperr.Validation(op, "every item needs an item code and a positive quantity")
		}
		if it.UnitPrice.IsNegative() {
			return apperr.Validation(op, "item prices cannot be negative")
		}
	}
	return nil
}

func linesOf(items []OrderItem) []inventory.Line {
	out := make([]inventory.Line, 0, len(items))
	for _, it := range items {
		out = append(out, inventory.Line{ItemCode: it.ItemCode, Qty: it.Quantity})
	}
	return out
}

func (l *Ledger) newOrder(in CreateOrderInput, now time.Time) *Order {
	o := &Order{
		ID:               uuid.NewString(),
		OrderNumber:      in.OrderNumber,
		CustomerName:     strings.TrimSpace(in.CustomerName),
		CustomerPhone:    strings.TrimSpace(in.CustomerPhone),
		CustomerEmail:    strings.TrimSpace(in.CustomerEmail),
		DeliveryAddress:  in.DeliveryAddress,
		Items:            in.Items,
		TotalAmount:      in.TotalAmount,
		Currency:         in.Currency,
		PaymentStatus:    PaymentPending,
		DeliveryStatus:   DeliveryPending,
		PaymentMethod:    in.PaymentMethod,
		TransactionID:    strings.TrimSpace(in.TransactionID),
		PaymentRequestID: in.PaymentRequestID.String(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if o.OrderNumber == "" {
		o.OrderNumber = orderNumber(now)
	}
	if o.TotalAmount.IsZero() {
		o.TotalAmount = sumItems(o.Items)
	}
	if o.Currency == "" {
		o.Currency = DefaultCurrency
	}
	if o.PaymentMethod == "" {
		o.PaymentMethod = DefaultPaymentMethod
	}
	return o
}

// orderNumber looks like UJ-20260301-4F1A9C.
func orderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("UJ-%s-%s", now.Format("20060102"), suffix)
}

// CreateOrder records an order whose payment the bank already confirmed
// through this service. The payment amount must equal the order total and the
// transaction id is the bank reference. It is idempotent on that reference: a
// repeated call returns the existing order with existed set.
func (l *Ledger) CreateOrder(ctx context.Context, in CreateOrderInput) (o *Order, existed bool, err error) {
	const op = "orders.create"
	if err := in.validate(op, true); err != nil {
		return nil, false, err
	}
	if in.TotalAmount.IsZero() {
		in.TotalAmount = sumItems(in.Items)
	}
	pr, err := l.confirmation(op, in.PaymentRequestID, in.TotalAmount)
	if err != nil {
		return nil, false, err
	}
	txID := transactionOf(pr)
	if t := strings.TrimSpace(in.TransactionID); t != "" && t != txID {
		return nil, false, apperr.Conflict(op, "transaction id does not match the bank confirmation")
	}
	in.TransactionID = txID

	if l.lock != nil {
		unlock, ok, err := l.lock.TryLock(ctx, "lock:order:create:"+txID, createLockTTL)
		if err != nil {
			l.log.Warn("create lock unavailable, relying on unique index", zap.Error(err))
		} else if !ok {
			return nil, false, apperr.Conflict(op, "this payment is already being recorded")
		} else {
			defer func() { _ = unlock(context.WithoutCancel(ctx)) }()
		}
	}

	if prev, err := l.store.FindByTransaction(ctx, txID); err != nil {
		return nil, false, fmt.Errorf("lookup transaction: %w", err)
	} else if prev != nil {
		return prev, true, nil
	}

	lines := linesOf(in.Items)
	if _, err := l.stock.Reserve(ctx, lines); err != nil {
		return nil, false, err
	}

	now := l.now()
	o = l.newOrder(in, now)
	o.PaymentStatus = PaymentPaid
	o.PaidAt = &now

	if err := l.store.Insert(ctx, o); err != nil {
		l.release(ctx, o.ID, lines)
		// a concurrent request may have won the unique transaction id
		if prev, ferr := l.store.FindByTransaction(context.WithoutCancel(ctx), txID); ferr == nil && prev != nil {
			return prev, true, nil
		}
		return nil, false, fmt.Errorf("persist order: %w", err)
	}
	l.release(ctx, o.ID, lines)

	l.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.OrderNumber),
		zap.String("payment_request_id", o.PaymentRequestID),
		zap.String("total", o.TotalAmount.String()))
	l.announce(ctx, o)
	l.schedule(o)
	return o, false, nil
}

// confirmation returns the bank-confirmed request id for an amount.
func (l *Ledger) confirmation(op string, id bank.PaymentRequestID, amount decimal.Decimal) (bank.PaymentRequest, error) {
	if !id.Valid() {
		return bank.PaymentRequest{}, apperr.Validation(op, "a confirmed payment request id is required")
	}
	if l.payments == nil {
		return bank.PaymentRequest{}, apperr.Unavailable(op, fmt.Errorf("no payment confirmation source"))
	}
	pr, ok := l.payments.Confirmed(id)
	if !ok {
		return bank.PaymentRequest{}, apperr.Conflict(op, "payment "+id.String()+" has not been confirmed by the bank")
	}
	if !pr.Amount.Equal(amount) {
		return bank.PaymentRequest{}, apperr.Conflict(op,
			fmt.Sprintf("paid amount %s does not match the order total %s", pr.Amount, amount))
	}
	return pr, nil
}

// transactionOf is the bank reference, or the request id when the bank
// confirmed without one.
func transactionOf(pr bank.PaymentRequest) string {
	if pr.Reference != "" {
		return pr.Reference
	}
	return pr.ID.String()
}

// CreatePendingOrder records an order before its payment is confirmed. The
// stock stays reserved until UpdateOrderPayment settles the payment.
func (l *Ledger) CreatePendingOrder(ctx context.Context, in CreateOrderInput) (*Order, error) {
	const op = "orders.create_pending"
	if err := in.validate(op, false); err != nil {
		return nil, err
	}
	lines := linesOf(in.Items)
	if _, err := l.stock.Reserve(ctx, lines); err != nil {
		return nil, err
	}
	o := l.newOrder(in, l.now())
	o.StockReserved = true
	if err := l.store.Insert(ctx, o); err != nil {
		l.release(ctx, o.ID, lines)
		return nil, fmt.Errorf("persist order: %w", err)
	}
	l.log.Info("pending order created", zap.String("order_id", o.ID), zap.String("order_number", o.OrderNumber))
	return o, nil
}

// PaymentUpdate carries the fields UpdateOrderPayment may change. Zero
// values leave the field untouched. TransactionID is only checked against
// the bank confirmation, never taken as proof of payment.
type PaymentUpdate struct {
	PaymentStatus    PaymentStatus         `json:"payment_status"`
	DeliveryStatus   DeliveryStatus        `json:"delivery_status"`
	TransactionID    string                `json:"transaction_id"`
	PaymentRequestID bank.PaymentRequestID `json:"payment_request_id"`
}

// UpdateOrderPayment applies a validated status change. Entering paid needs
// a bank-confirmed payment request for the order total and releases the
// order's reservation. ERP mirroring is scheduled once the order is both
// paid and confirmed.
func (l *Ledger) UpdateOrderPayment(ctx context.Context, id string, u PaymentUpdate) (*Order, error) {
	const op = "orders.update_payment"
	if u.PaymentStatus == "" && u.DeliveryStatus == "" && u.TransactionID == "" && u.PaymentRequestID == "" {
		return nil, apperr.Validation(op, "nothing to update")
	}
	if u.PaymentStatus != "" && !u.PaymentStatus.Valid() {
		return nil, apperr.Validation(op, "unknown payment status "+string(u.PaymentStatus))
	}
	if u.DeliveryStatus != "" && !u.DeliveryStatus.Valid() {
		return nil, apperr.Validation(op, "unknown delivery status "+string(u.DeliveryStatus))
	}

	var (
		becamePaid, readyForERP bool
		release                 []inventory.Line
	)
	o, err := l.store.Update(ctx, id, func(o *Order) error {
		becamePaid, readyForERP, release = false, false, nil
		wasReady := o.PaymentStatus == PaymentPaid && o.DeliveryStatus == DeliveryConfirmed
		if u.PaymentStatus != "" && u.PaymentStatus != o.PaymentStatus {
			if !CanTransitionPayment(o.PaymentStatus, u.PaymentStatus) {
				return apperr.Conflict(op, fmt.Sprintf("payment status cannot go from %s to %s", o.PaymentStatus, u.PaymentStatus))
			}
			if u.PaymentStatus == PaymentPaid {
				reqID := u.PaymentRequestID
				if reqID == "" {
					reqID = bank.PaymentRequestID(o.PaymentRequestID)
				}
				pr, err := l.confirmation(op, reqID, o.TotalAmount)
				if err != nil {
					return err
				}
				txID := transactionOf(pr)
				if o.TransactionID != "" && o.TransactionID != txID {
					return apperr.Conflict(op, "order already carries a different transaction id")
				}
				o.TransactionID, o.PaymentRequestID = txID, pr.ID.String()
			}
			o.PaymentStatus = u.PaymentStatus
			if u.PaymentStatus == PaymentPaid {
				now := l.now()
				o.PaidAt = &now
				becamePaid = true
			}
		}
		if u.DeliveryStatus != "" && u.DeliveryStatus != o.DeliveryStatus {
			if !CanTransitionDelivery(o.DeliveryStatus, u.DeliveryStatus) {
				return apperr.Conflict(op, fmt.Sprintf("delivery status cannot go from %s to %s", o.DeliveryStatus, u.DeliveryStatus))
			}
			o.DeliveryStatus = u.DeliveryStatus
		}
		if u.TransactionID != "" && u.TransactionID != o.TransactionID {
			if o.TransactionID == "" {
				return apperr.Validation(op, "a transaction id is only recorded from a bank confirmation")
			}
			return apperr.Conflict(op, "order already carries a different transaction id")
		}
		if u.PaymentRequestID != "" && u.PaymentRequestID.String() != o.PaymentRequestID {
			if o.PaymentStatus == PaymentPaid {
				return apperr.Conflict(op, "a paid order cannot change its payment request")
			}
			if !u.PaymentRequestID.Valid() {
				return apperr.Validation(op, "invalid payment request id")
			}
			o.PaymentRequestID = u.PaymentRequestID.String()
		}
		settled := o.PaymentStatus != PaymentPending || o.DeliveryStatus == DeliveryCancelled
		if o.StockReserved && settled {
			o.StockReserved = false
			release = linesOf(o.Items)
		}
		readyForERP = !wasReady && o.PaymentStatus == PaymentPaid && o.DeliveryStatus == DeliveryConfirmed
		return nil
	})
	if err != nil {
		return nil, err
	}

	if release != nil {
		l.release(ctx, o.ID, release)
	}
	l.log.Info("order payment updated",
		zap.String("order_id", o.ID),
		zap.String("payment_status", string(o.PaymentStatus)),
		zap.String("delivery_status", string(o.DeliveryStatus)))
	if becamePaid {
		l.announce(ctx, o)
	}
	if readyForERP {
		l.schedule(o)
	}
	return o, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*Order, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("orders.get", "order id is required")
	}
	return l.store.Get(ctx, id)
}

func (l *Ledger) announce(ctx context.Context, o *Order) {
	if l.pub != nil {
		l.pub.OrderPaid(ctx, o)
	}
}

// schedule queues ERP document creation unless the order is mirrored already.
func (l *Ledger) schedule(o *Order) {
	if l.sched != nil && !o.SyncedToERP {
		l.sched.ScheduleCreate(o.ID)
	}
}

func (l *Ledger) release(ctx context.Context, orderID string, lines []inventory.Line) {
	if err := l.stock.Release(context.WithoutCancel(ctx), lines); err != nil {
		// the reservation leaks until an operator reconciles stock_cache
		l.log.Error("release reservation", zap.String("order_id", orderID), zap.Error(err))
	}
}
