// Package erpsync mirrors paid orders into the ERP as draft sales documents
// and submits them once the order is delivered.
package erpsync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/erp"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"github.com/ariefcatur/go-checkout-reconciler/internal/redisx"
)

// Store is the slice of the order repository the orchestrator writes to.
type Store interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	SaveDocument(ctx context.Context, id, doctype, name string) error
	MarkSynced(ctx context.Context, id string, at time.Time) error
	MarkSubmitted(ctx context.Context, id string, at time.Time) error
	FlagSyncFailure(ctx context.Context, id, msg string, at time.Time) error
	NeedingAttention(ctx context.Context, limit int) ([]orders.Order, error)
}

type ERP interface {
	CreateDocument(ctx context.Context, doctype string, doc any) (erp.DocRef, error)
	DocStatus(ctx context.Context, doctype, name string) (int, error)
	SubmitDocument(ctx context.Context, doctype, name string) error
}

type Notifier interface {
	Notify(ctx context.Context, o *orders.Order, kind string)
}

type runner interface {
	Go(name, key string, fn func(ctx context.Context) error) string
}

type Config struct {
	Company   string
	Customer  string
	Warehouse string
	// Timeout bounds each ERP write.
	Timeout time.Duration
	LockTTL time.Duration
	// DeliveryLead is added to the order date for the sales order delivery date.
	DeliveryLead time.Duration
	Now          func() time.Time
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = redisx.TTLERPLock
	}
	if c.DeliveryLead <= 0 {
		c.DeliveryLead = 3 * 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
}

type Orchestrator struct {
	store  Store
	erp    ERP
	lock   inventory.Locker
	notify Notifier
	tasks  runner
	cfg    Config
	log    *zap.Logger
}

// NewOrchestrator wires the orchestrator. lock, notify and tasks may be nil;
// without tasks ScheduleCreate runs inline.
func NewOrchestrator(store Store, erpc ERP, lock inventory.Locker, notify Notifier, tasks runner, cfg Config, log *zap.Logger) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		store:  store,
		erp:    erpc,
		lock:   lock,
		notify: notify,
		tasks:  tasks,
		cfg:    cfg,
		log:    logx.OrNop(log).Named("erpsync"),
	}
}

type CreateResult struct {
	OrderID       string                `json:"order_id"`
	AlreadySynced bool                  `json:"already_synced"`
	Documents     orders.ERPDocumentSet `json:"erp_documents"`
}

type SubmitResult struct {
	OrderID          string    `json:"order_id"`
	AlreadySubmitted bool      `json:"already_submitted"`
	AutoSynced       bool      `json:"auto_synced"`
	Submitted        []string  `json:"submitted"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// ScheduleCreate mirrors the order in the background.
func (o *Orchestrator) ScheduleCreate(orderID string) {
	task := func(ctx context.Context) error {
		_, err := o.CreateDocuments(ctx, orderID)
		return err
	}
	if o.tasks == nil {
		_ = task(context.Background())
		return
	}
	o.tasks.Go("erp.create_documents", orderID, task)
}

// CreateDocuments creates the draft Sales Order, Sales Invoice and Delivery
// Note for a paid order. Names already recorded are never created again, so
// a retry after a partial failure only creates what is missing.
func (o *Orchestrator) CreateDocuments(ctx context.Context, orderID string) (CreateResult, error) {
	unlock, err := o.acquire(ctx, "erpsync.create", orderID)
	if err != nil {
		return CreateResult{}, err
	}
	defer unlock()
	return o.create(ctx, orderID)
}

// SubmitDocuments finalizes the documents of a delivered order, creating
// them first when the background creation never succeeded.
func (o *Orchestrator) SubmitDocuments(ctx context.Context, orderID string) (SubmitResult, error) {
	unlock, err := o.acquire(ctx, "erpsync.submit", orderID)
	if err != nil {
		return SubmitResult{}, err
	}
	defer unlock()
	return o.submit(ctx, orderID)
}

func (o *Orchestrator) NeedingAttention(ctx context.Context, limit int) ([]orders.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return o.store.NeedingAttention(ctx, limit)
}

func (o *Orchestrator) acquire(ctx context.Context, op, orderID string) (func(), error) {
	if orderID == "" {
		return nil, apperr.Validation(op, "order id is required")
	}
	if o.lock == nil {
		return func() {}, nil
	}
	unlock, ok, err := o.lock.TryLock(ctx, fmt.Sprintf(redisx.KeyERPOrderLock, orderID), o.cfg.LockTTL)
	if err != nil {
		return nil, apperr.Unavailable(op, err)
	}
	if !ok {
		return nil, apperr.Conflict(op, "ERP sync already running for order "+orderID)
	}
	return func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			o.log.Warn("release order lock", zap.String("order_id", orderID), zap.Error(err))
		}
	}, nil
}

func (o *Orchestrator) create(ctx context.Context, orderID string) (CreateResult, error) {
	const op = "erpsync.create"
	ord, err := o.store.Get(ctx, orderID)
	if err != nil {
		return CreateResult{}, err
	}
	res := CreateResult{OrderID: ord.ID, Documents: ord.Docs}
	if ord.SyncedToERP && ord.Docs.Complete() {
		res.AlreadySynced = true
		return res, nil
	}
	if ord.PaymentStatus != orders.PaymentPaid {
		return res, apperr.Conflict(op, "only paid orders are mirrored to the ERP")
	}
	log := o.log.With(zap.String("order_id", ord.ID), zap.String("order_number", ord.OrderNumber))

	docs := o.documents(ord)
	for _, d := range []struct {
		doctype string
		have    *string
	}{
		{erp.DocSalesOrder, &res.Documents.SalesOrderID},
		{erp.DocSalesInvoice, &res.Documents.SalesInvoiceID},
		{erp.DocDeliveryNote, &res.Documents.DeliveryNoteID},
	} {
		if *d.have != "" {
			continue
		}
		name, err := o.createOne(ctx, d.doctype, docs.forType(d.doctype, res.Documents.SalesOrderID))
		if err != nil {
			return res, o.fail(ctx, op, ord.ID, fmt.Errorf("create %s: %w", d.doctype, err))
		}
		if err := o.store.SaveDocument(context.WithoutCancel(ctx), ord.ID, d.doctype, name); err != nil {
			log.Error("created document could not be recorded", zap.String("doctype", d.doctype), zap.String("name", name), zap.Error(err))
			return res, o.fail(ctx, op, ord.ID, fmt.Errorf("record %s %s: %w", d.doctype, name, err))
		}
		*d.have = name
		log.Info("erp document created", zap.String("doctype", d.doctype), zap.String("name", name))
	}

	now := o.cfg.Now()
	if err := o.store.MarkSynced(context.WithoutCancel(ctx), ord.ID, now); err != nil {
		return res, o.fail(ctx, op, ord.ID, fmt.Errorf("mark synced: %w", err))
	}
	res.Documents.CreatedAt = &now
	ord.SyncedToERP, ord.ERPOrderID, ord.Docs = true, res.Documents.SalesOrderID, res.Documents

	log.Info("order mirrored to erp", zap.String("sales_order", res.Documents.SalesOrderID))
	if o.notify != nil {
		o.notify.Notify(ctx, ord, orders.NotifyOrderConfirmation)
	}
	return res, nil
}

func (o *Orchestrator) createOne(ctx context.Context, doctype string, doc any) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	ref, err := o.erp.CreateDocument(cctx, doctype, doc)
	if err != nil {
		return "", err
	}
	if ref.Name == "" {
		return "", fmt.Errorf("erp returned no name for %s", doctype)
	}
	return ref.Name, nil
}

// submission order: the delivery note performs the stock reduction and the
// invoice is submitted last.
var submitOrder = []string{erp.DocSalesOrder, erp.DocDeliveryNote, erp.DocSalesInvoice}

func (o *Orchestrator) submit(ctx context.Context, orderID string) (SubmitResult, error) {
	const op = "erpsync.submit"
	ord, err := o.store.Get(ctx, orderID)
	if err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{OrderID: ord.ID}
	if ord.Submitted() {
		res.AlreadySubmitted = true
		res.SubmittedAt = *ord.Docs.SubmittedAt
		return res, nil
	}
	log := o.log.With(zap.String("order_id", ord.ID))

	docs := ord.Docs
	if !ord.SyncedToERP || !docs.Complete() {
		log.Info("documents missing at submission, creating them first")
		created, err := o.create(ctx, ord.ID)
		if err != nil {
			return res, apperr.ERPSync(op, fmt.Errorf("auto-sync before submission: %w", err))
		}
		docs, res.AutoSynced = created.Documents, true
	}

	names := map[string]string{
		erp.DocSalesOrder:   docs.SalesOrderID,
		erp.DocDeliveryNote: docs.DeliveryNoteID,
		erp.DocSalesInvoice: docs.SalesInvoiceID,
	}
	for _, doctype := range submitOrder {
		name := names[doctype]
		submitted, err := o.submitOne(ctx, doctype, name)
		if err != nil {
			return res, o.fail(ctx, op, ord.ID, fmt.Errorf("submit %s %s: %w", doctype, name, err))
		}
		if submitted {
			res.Submitted = append(res.Submitted, doctype)
			log.Info("erp document submitted", zap.String("doctype", doctype), zap.String("name", name))
		}
	}

	now := o.cfg.Now()
	if err := o.store.MarkSubmitted(context.WithoutCancel(ctx), ord.ID, now); err != nil {
		return res, o.fail(ctx, op, ord.ID, fmt.Errorf("mark submitted: %w", err))
	}
	res.SubmittedAt = now
	if o.notify != nil {
		o.notify.Notify(ctx, ord, orders.NotifyOrderDelivered)
	}
	return res, nil
}

// submitOne submits a draft. Already submitted documents are skipped.
func (o *Orchestrator) submitOne(ctx context.Context, doctype, name string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	status, err := o.erp.DocStatus(cctx, doctype, name)
	if err != nil {
		return false, err
	}
	switch status {
	case erp.DocStatusSubmitted:
		return false, nil
	case erp.DocStatusCancelled:
		return false, fmt.Errorf("%s %s was cancelled in the ERP", doctype, name)
	}
	if err := o.erp.SubmitDocument(cctx, doctype, name); err != nil {
		return false, err
	}
	return true, nil
}

// fail records the failure on the order for operator retry and returns the
// classified error.
func (o *Orchestrator) fail(ctx context.Context, op, orderID string, cause error) error {
	if err := o.FlagFailure(ctx, orderID, cause); err != nil {
		o.log.Error("flag sync failure", zap.String("order_id", orderID), zap.Error(err))
	}
	o.log.Error("erp sync failed", zap.String("op", op), zap.String("order_id", orderID), zap.Error(cause))
	return apperr.ERPSync(op, cause)
}

// FlagFailure records cause on the order and marks it as needing attention,
// where the operator retry picks it up.
func (o *Orchestrator) FlagFailure(ctx context.Context, orderID string, cause error) error {
	msg := logx.Truncate([]byte(cause.Error()), 500)
	return o.store.FlagSyncFailure(context.WithoutCancel(ctx), orderID, msg, o.cfg.Now())
}
