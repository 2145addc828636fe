package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/erp"
)

type Repo struct{ DB *pgxpool.Pool }

const selectOrder = `
	SELECT id, order_number, customer_name, customer_phone, COALESCE(customer_email, ''),
	       COALESCE(delivery_address, ''), items, total_amount::text, currency,
	       payment_status, delivery_status, payment_method, COALESCE(transaction_id, ''),
	       COALESCE(payment_request_id, ''), paid_at, stock_reserved,
	       synced_to_erp, COALESCE(erp_order_id, ''), COALESCE(erp_sales_order, ''),
	       COALESCE(erp_sales_invoice, ''), COALESCE(erp_delivery_note, ''),
	       erp_created_at, erp_submitted_at, COALESCE(erp_sync_error, ''), erp_sync_failed_at,
	       needs_attention, created_at, updated_at
	FROM orders`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o     Order
		items []byte
		total string
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.CustomerName, &o.CustomerPhone, &o.CustomerEmail,
		&o.DeliveryAddress, &items, &total, &o.Currency,
		&o.PaymentStatus, &o.DeliveryStatus, &o.PaymentMethod, &o.TransactionID,
		&o.PaymentRequestID, &o.PaidAt, &o.StockReserved,
		&o.SyncedToERP, &o.ERPOrderID, &o.Docs.SalesOrderID,
		&o.Docs.SalesInvoiceID, &o.Docs.DeliveryNoteID,
		&o.Docs.CreatedAt, &o.Docs.SubmittedAt, &o.ERPSyncError, &o.ERPSyncFailedAt,
		&o.NeedsAttention, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("order %s items: %w", o.ID, err)
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("order %s total: %w", o.ID, err)
	}
	return &o, nil
}

func notFound(op, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, "order "+id+" not found")
	}
	return err
}

// Insert persists a new order. ID and timestamps are filled in when empty.
func (r *Repo) Insert(ctx context.Context, o *Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO orders(id, order_number, customer_name, customer_phone, customer_email,
		                   delivery_address, items, total_amount, currency, payment_status,
		                   delivery_status, payment_method, transaction_id, payment_request_id,
		                   paid_at, stock_reserved, created_at, updated_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8::text::numeric,$9,$10,$11,$12,
		        NULLIF($13,''),NULLIF($14,''),$15,$16,$17,$17)`,
		o.ID, o.OrderNumber, o.CustomerName, o.CustomerPhone, o.CustomerEmail,
		o.DeliveryAddress, items, o.TotalAmount.String(), o.Currency, string(o.PaymentStatus),
		string(o.DeliveryStatus), o.PaymentMethod, o.TransactionID, o.PaymentRequestID,
		o.PaidAt, o.StockReserved, o.CreatedAt,
	)
	return err
}

func (r *Repo) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, selectOrder+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("orders.get", id, err)
	}
	return o, nil
}

// FindByTransaction returns the order already recorded for a bank
// transaction, or nil when there is none.
func (r *Repo) FindByTransaction(ctx context.Context, txID string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, selectOrder+` WHERE transaction_id = $1`, txID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// Update loads the order FOR UPDATE, applies fn and writes back the mutable
// payment and delivery fields in the same transaction.
func (r *Repo) Update(ctx context.Context, id string, fn func(*Order) error) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := scanOrder(tx.QueryRow(ctx, selectOrder+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound("orders.update", id, err)
	}
	if err := fn(o); err != nil {
		return nil, err
	}
	o.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET payment_status = $2, delivery_status = $3, transaction_id = NULLIF($4,''),
		    payment_request_id = NULLIF($5,''), paid_at = $6, stock_reserved = $7, updated_at = $8
		WHERE id = $1`,
		o.ID, string(o.PaymentStatus), string(o.DeliveryStatus), o.TransactionID,
		o.PaymentRequestID, o.PaidAt, o.StockReserved, o.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

var docColumns = map[string]string{
	erp.DocSalesOrder:   "erp_sales_order",
	erp.DocSalesInvoice: "erp_sales_invoice",
	erp.DocDeliveryNote: "erp_delivery_note",
}

// SaveDocument records the ERP name of one created document. An existing
// name is never overwritten.
func (r *Repo) SaveDocument(ctx context.Context, id, doctype, name string) error {
	col, ok := docColumns[doctype]
	if !ok {
		return fmt.Errorf("unknown doctype %q", doctype)
	}
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET `+col+` = $2, updated_at = now()
		WHERE id = $1 AND `+col+` IS NULL`, id, name)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return apperr.Conflict("orders.save_document", doctype+" already recorded for order "+id)
	}
	return nil
}

// MarkSynced flips synced_to_erp once a sales order exists and clears any
// earlier failure flag.
func (r *Repo) MarkSynced(ctx context.Context, id string, at time.Time) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET synced_to_erp = true, erp_order_id = erp_sales_order, erp_created_at = $2,
		    erp_sync_error = NULL, erp_sync_failed_at = NULL, needs_attention = false, updated_at = now()
		WHERE id = $1 AND erp_sales_order IS NOT NULL`, id, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return apperr.Conflict("orders.mark_synced", "order "+id+" has no sales order")
	}
	return nil
}

func (r *Repo) MarkSubmitted(ctx context.Context, id string, at time.Time) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET erp_submitted_at = $2, erp_sync_error = NULL, erp_sync_failed_at = NULL,
		    needs_attention = false, updated_at = now()
		WHERE id = $1 AND erp_created_at IS NOT NULL AND erp_created_at <= $2`, id, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return apperr.Conflict("orders.mark_submitted", "order "+id+" has no created documents")
	}
	return nil
}

func (r *Repo) FlagSyncFailure(ctx context.Context, id, msg string, at time.Time) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET erp_sync_error = $2, erp_sync_failed_at = $3, needs_attention = true, updated_at = now()
		WHERE id = $1`, id, msg, at)
	return err
}

// NeedingAttention lists orders whose ERP mirroring failed, oldest first.
func (r *Repo) NeedingAttention(ctx context.Context, limit int) ([]Order, error) {
	rows, err := r.DB.Query(ctx, selectOrder+`
		WHERE needs_attention ORDER BY erp_sync_failed_at ASC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
