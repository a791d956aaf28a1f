package receiving

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/branchstock/branchstock/internal/batch"
)

// Repository persists delivery receipts in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside one repeatable-read transaction shared with the batch
// mutations.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const receiptColumns = `id, purchase_order_id, branch_id, received_by, received_at, total_payable,
       notes, created_at`

const receiptItemColumns = `id, receipt_id, product_id, product_name, ordered_qty, received_qty,
       discrepancy, unit_price, line_total, batch_id, expires_at`

func scanReceipt(row pgx.Row) (DeliveryReceipt, error) {
	var r DeliveryReceipt
	err := row.Scan(&r.ID, &r.PurchaseOrderID, &r.BranchID, &r.ReceivedBy, &r.ReceivedAt,
		&r.TotalPayable, &r.Notes, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeliveryReceipt{}, ErrReceiptNotFound
	}
	return r, err
}

func (r *Repository) loadItems(ctx context.Context, receiptID string) ([]ReceiptItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+receiptItemColumns+` FROM delivery_receipt_items
		WHERE receipt_id = $1 ORDER BY id`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ReceiptItem
	for rows.Next() {
		var it ReceiptItem
		if err := rows.Scan(&it.ID, &it.ReceiptID, &it.ProductID, &it.ProductName, &it.OrderedQty,
			&it.ReceivedQty, &it.Discrepancy, &it.UnitPrice, &it.LineTotal, &it.BatchID, &it.ExpiresAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetReceipt loads one receipt with items.
func (r *Repository) GetReceipt(ctx context.Context, id string) (DeliveryReceipt, error) {
	receipt, err := scanReceipt(r.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM delivery_receipts WHERE id = $1`, id))
	if err != nil {
		return DeliveryReceipt{}, err
	}
	receipt.Items, err = r.loadItems(ctx, id)
	return receipt, err
}

// ListReceipts returns receipt headers matching the filter, newest first.
func (r *Repository) ListReceipts(ctx context.Context, f ReceiptFilter) ([]DeliveryReceipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM delivery_receipts WHERE 1=1`
	var args []any
	if f.BranchID != nil {
		args = append(args, *f.BranchID)
		query += ` AND branch_id = $` + strconv.Itoa(len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		query += ` AND received_at >= $` + strconv.Itoa(len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		query += ` AND received_at <= $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY received_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryReceipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, receipt)
	}
	return out, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) Batches() batch.TxRepository {
	return batch.NewTxRepo(t.tx)
}

func (t *txRepo) InsertReceipt(ctx context.Context, r DeliveryReceipt) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO delivery_receipts (`+receiptColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.PurchaseOrderID, r.BranchID, r.ReceivedBy, r.ReceivedAt, r.TotalPayable,
		r.Notes, r.CreatedAt)
	return err
}

func (t *txRepo) InsertReceiptItem(ctx context.Context, it ReceiptItem) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO delivery_receipt_items (`+receiptItemColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		it.ID, it.ReceiptID, it.ProductID, it.ProductName, it.OrderedQty, it.ReceivedQty,
		it.Discrepancy, it.UnitPrice, it.LineTotal, it.BatchID, it.ExpiresAt)
	return err
}

// OrderRepository reads purchase orders the upstream lifecycle marked
// in-transit.
type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// GetInTransitOrder loads one in-transit purchase order with items.
func (r *OrderRepository) GetInTransitOrder(ctx context.Context, orderID string) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := r.pool.QueryRow(ctx, `SELECT id, branch_id FROM purchase_orders
		WHERE id = $1 AND status = 'IN_TRANSIT'`, orderID).Scan(&po.ID, &po.BranchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, ErrOrderNotFound
	}
	if err != nil {
		return PurchaseOrder{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT product_id, ordered_qty, unit_price
		FROM purchase_order_items WHERE order_id = $1 ORDER BY product_id`, orderID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it PurchaseOrderItem
		if err := rows.Scan(&it.ProductID, &it.OrderedQty, &it.UnitPrice); err != nil {
			return PurchaseOrder{}, err
		}
		po.Items = append(po.Items, it)
	}
	return po, rows.Err()
}
