package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
)

// StockRepo is the stock_cache table.
type StockRepo struct{ DB *pgxpool.Pool }

func (r *StockRepo) Records(ctx context.Context, codes []string) (map[string]StockRecord, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT item_code, warehouse, actual_qty, reserved_qty, updated_at
		FROM stock_cache WHERE item_code = ANY($1)`, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]StockRecord, len(codes))
	for rows.Next() {
		var rec StockRecord
		if err := rows.Scan(&rec.ItemCode, &rec.Warehouse, &rec.ActualQty, &rec.ReservedQty, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out[rec.ItemCode] = rec
	}
	return out, rows.Err()
}

func (r *StockRepo) Increment(ctx context.Context, code string, n int) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE stock_cache
		SET reserved_qty = reserved_qty + $2, updated_at = now()
		WHERE item_code = $1 AND reserved_qty + $2 <= actual_qty`, code, n)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrOverReserve
	}
	return nil
}

func (r *StockRepo) Decrement(ctx context.Context, code string, n int) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE stock_cache
		SET reserved_qty = GREATEST(reserved_qty - $2, 0), updated_at = now()
		WHERE item_code = $1`, code, n)
	return err
}

// SetActual upserts ERP quantities. Reserved quantities are left alone.
func (r *StockRepo) SetActual(ctx context.Context, warehouse string, actual map[string]int) error {
	b := &pgx.Batch{}
	for code, qty := range actual {
		b.Queue(`
			INSERT INTO stock_cache(item_code, warehouse, actual_qty, reserved_qty, updated_at)
			VALUES ($1, $2, $3, 0, now())
			ON CONFLICT (item_code) DO UPDATE
			SET actual_qty = EXCLUDED.actual_qty, warehouse = EXCLUDED.warehouse, updated_at = now()`,
			code, warehouse, qty)
	}
	return r.DB.SendBatch(ctx, b).Close()
}

// ProductRepo is the products_cache table.
type ProductRepo struct{ DB *pgxpool.Pool }

func (r *ProductRepo) ActiveProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, COALESCE(item_code, ''), COALESCE(product_name, ''), sizes, colors,
		       stock_quantity, COALESCE(price, 0)::text, is_active, synced_at
		FROM products_cache WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var (
			p             Product
			sizes, colors []byte
			price         string
		)
		if err := rows.Scan(&p.ID, &p.ItemCode, &p.Name, &sizes, &colors, &p.StockQuantity, &price, &p.Active, &p.SyncedAt); err != nil {
			return nil, err
		}
		if len(sizes) > 0 {
			if err := json.Unmarshal(sizes, &p.Sizes); err != nil {
				return nil, fmt.Errorf("product %s sizes: %w", p.ID, err)
			}
		}
		if len(colors) > 0 {
			if err := json.Unmarshal(colors, &p.Colors); err != nil {
				return nil, fmt.Errorf("product %s colors: %w", p.ID, err)
			}
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("product %s price: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveProducts writes one batch in a single transaction.
func (r *ProductRepo) SaveProducts(ctx context.Context, batch []Product) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, p := range batch {
		sizes, err := json.Marshal(nonNil(p.Sizes))
		if err != nil {
			return err
		}
		colors, err := json.Marshal(nonNil(p.Colors))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE products_cache
			SET sizes = $2, colors = $3, stock_quantity = $4, price = $5::text::numeric,
			    synced_at = $6, updated_at = now()
			WHERE id = $1`,
			p.ID, sizes, colors, p.StockQuantity, p.Price.String(), p.SyncedAt); err != nil {
			return fmt.Errorf("product %s: %w", p.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// StatusRepo is the sync_status table.
type StatusRepo struct{ DB *pgxpool.Pool }

func (r *StatusRepo) Touch(ctx context.Context, syncType string, at time.Time) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO sync_status(sync_type, updated_at) VALUES ($1, $2)
		ON CONFLICT (sync_type) DO UPDATE SET updated_at = EXCLUDED.updated_at`, syncType, at)
	return err
}

func (r *StatusRepo) RecordSuccess(ctx context.Context, syncType string, at time.Time) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO sync_status(sync_type, last_success_at, updated_at) VALUES ($1, $2, $2)
		ON CONFLICT (sync_type) DO UPDATE
		SET last_success_at = EXCLUDED.last_success_at, last_error_at = NULL,
		    last_error_message = NULL, updated_at = EXCLUDED.updated_at`, syncType, at)
	return err
}

func (r *StatusRepo) RecordFailure(ctx context.Context, syncType string, at time.Time, msg string) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO sync_status(sync_type, last_error_at, last_error_message, updated_at) VALUES ($1, $2, $3, $2)
		ON CONFLICT (sync_type) DO UPDATE
		SET last_error_at = EXCLUDED.last_error_at, last_error_message = EXCLUDED.last_error_message,
		    updated_at = EXCLUDED.updated_at`, syncType, at, msg)
	return err
}

func (r *StatusRepo) Get(ctx context.Context, syncType string) (SyncStatus, error) {
	var (
		s   SyncStatus
		msg *string
	)
	err := r.DB.QueryRow(ctx, `
		SELECT sync_type, last_success_at, last_error_at, last_error_message, updated_at
		FROM sync_status WHERE sync_type = $1`, syncType).
		Scan(&s.SyncType, &s.LastSuccessAt, &s.LastErrorAt, &msg, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SyncStatus{}, apperr.NotFound("inventory.sync_status", "no sync has run for "+syncType)
	}
	if err != nil {
		return SyncStatus{}, err
	}
	if msg != nil {
		s.LastErrorMessage = *msg
	}
	return s, nil
}
