package transfer

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/branchstock/branchstock/internal/batch"
)

// Repository persists transfer requests in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside one repeatable-read transaction. Status checks and
// stock movements share the transaction, so concurrent double-approval or
// double-receive attempts serialize on the request row lock.
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

const requestColumns = `id, type, from_branch_id, to_branch_id, status, requested_by, approved_by,
       reason, notes, completed_at, created_at, updated_at`

const itemColumns = `id, request_id, product_id, usage_type, requested_qty, approved_qty,
       returned_qty, batch_id`

const consumptionColumns = `id, item_id, batch_id, batch_number, qty, returned_qty, unit_cost,
       usage_type, expires_at`

func scanRequest(row pgx.Row) (Request, error) {
	var r Request
	err := row.Scan(&r.ID, &r.Type, &r.FromBranchID, &r.ToBranchID, &r.Status, &r.RequestedBy,
		&r.ApprovedBy, &r.Reason, &r.Notes, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return r, err
}

func collectRequests(rows pgx.Rows) ([]Request, error) {
	defer rows.Close()
	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func loadItems(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, requestID string) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT `+itemColumns+` FROM transfer_items WHERE request_id = $1 ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.RequestID, &it.ProductID, &it.UsageType, &it.RequestedQty,
			&it.ApprovedQty, &it.ReturnedQty, &it.BatchID); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range items {
		crows, err := q.Query(ctx, `SELECT `+consumptionColumns+` FROM transfer_consumptions WHERE item_id = $1 ORDER BY id`, items[i].ID)
		if err != nil {
			return nil, err
		}
		for crows.Next() {
			var c Consumption
			if err := crows.Scan(&c.ID, &c.ItemID, &c.BatchID, &c.BatchNumber, &c.Qty,
				&c.ReturnedQty, &c.UnitCost, &c.UsageType, &c.ExpiresAt); err != nil {
				crows.Close()
				return nil, err
			}
			items[i].Consumptions = append(items[i].Consumptions, c)
		}
		crows.Close()
		if err := crows.Err(); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// GetRequest loads one request with items and consumptions.
func (r *Repository) GetRequest(ctx context.Context, id string) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM transfer_requests WHERE id = $1`, id))
	if err != nil {
		return Request{}, err
	}
	req.Items, err = loadItems(ctx, r.pool, id)
	return req, err
}

// List returns request headers matching the filter, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM transfer_requests WHERE 1=1`
	var args []any
	if f.BranchID != nil {
		args = append(args, *f.BranchID)
		n := strconv.Itoa(len(args))
		query += ` AND (from_branch_id = $` + n + ` OR to_branch_id = $` + n + `)`
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if f.Type != nil {
		args = append(args, *f.Type)
		query += ` AND type = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
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
	return collectRequests(rows)
}

// PendingInbox lists pending borrows awaiting the branch's decision.
func (r *Repository) PendingInbox(ctx context.Context, branchID int64) ([]Request, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM transfer_requests
		WHERE type = $1 AND status = $2 AND from_branch_id = $3
		ORDER BY created_at ASC`, TypeBorrow, StatusPending, branchID)
	if err != nil {
		return nil, err
	}
	reqs, err := collectRequests(rows)
	if err != nil {
		return nil, err
	}
	for i := range reqs {
		reqs[i].Items, err = loadItems(ctx, r.pool, reqs[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) Batches() batch.TxRepository {
	return batch.NewTxRepo(t.tx)
}

func (t *txRepo) InsertRequest(ctx context.Context, r Request) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO transfer_requests (`+requestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.Type, r.FromBranchID, r.ToBranchID, r.Status, r.RequestedBy, r.ApprovedBy,
		r.Reason, r.Notes, r.CompletedAt, r.CreatedAt, r.UpdatedAt)
	return err
}

func (t *txRepo) InsertItem(ctx context.Context, it Item) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO transfer_items (`+itemColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		it.ID, it.RequestID, it.ProductID, it.UsageType, it.RequestedQty, it.ApprovedQty,
		it.ReturnedQty, it.BatchID)
	return err
}

func (t *txRepo) InsertConsumption(ctx context.Context, c Consumption) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO transfer_consumptions (`+consumptionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.ItemID, c.BatchID, c.BatchNumber, c.Qty, c.ReturnedQty, c.UnitCost,
		c.UsageType, c.ExpiresAt)
	return err
}

func (t *txRepo) GetRequestForUpdate(ctx context.Context, id string) (Request, error) {
	req, err := scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM transfer_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Request{}, err
	}
	req.Items, err = loadItems(ctx, t.tx, id)
	return req, err
}

func (t *txRepo) UpdateStatus(ctx context.Context, id string, status Status, approvedBy *int64, completedAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE transfer_requests
		SET status = $2,
		    approved_by = COALESCE($3, approved_by),
		    completed_at = COALESCE($4, completed_at),
		    updated_at = NOW()
		WHERE id = $1`, id, status, approvedBy, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) SetItemApproved(ctx context.Context, itemID string, qty float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE transfer_items SET approved_qty = $2 WHERE id = $1`, itemID, qty)
	return err
}

func (t *txRepo) AddItemReturned(ctx context.Context, itemID string, qty float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE transfer_items SET returned_qty = returned_qty + $2 WHERE id = $1`, itemID, qty)
	return err
}

func (t *txRepo) AddConsumptionReturned(ctx context.Context, consumptionID string, qty float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE transfer_consumptions SET returned_qty = returned_qty + $2 WHERE id = $1`, consumptionID, qty)
	return err
}
