package batch

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for stock batches.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := NewTxRepo(tx)
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const batchColumns = `id, branch_id, product_id, batch_number, usage_type, original_qty, remaining_qty,
       unit_cost, expires_at, received_at, status, source_type, source_ref, origin_batch_id,
       created_at, updated_at`

func scanBatch(row pgx.Row) (StockBatch, error) {
	var b StockBatch
	err := row.Scan(
		&b.ID, &b.BranchID, &b.ProductID, &b.BatchNumber, &b.UsageType, &b.OriginalQty,
		&b.RemainingQty, &b.UnitCost, &b.ExpiresAt, &b.ReceivedAt, &b.Status, &b.SourceType,
		&b.SourceRef, &b.OriginBatchID, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

func collectBatches(rows pgx.Rows) ([]StockBatch, error) {
	defer rows.Close()
	var batches []StockBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// SumRemaining totals remaining quantity over active batches.
func (r *Repository) SumRemaining(ctx context.Context, branchID, productID int64, usage *UsageType) (float64, error) {
	query := `SELECT COALESCE(SUM(remaining_qty), 0) FROM stock_batches
		WHERE branch_id = $1 AND product_id = $2 AND status = 'ACTIVE'`
	args := []any{branchID, productID}
	if usage != nil {
		query += ` AND usage_type = $3`
		args = append(args, *usage)
	}
	var sum float64
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// GetBatch fetches one batch by id.
func (r *Repository) GetBatch(ctx context.Context, id string) (StockBatch, error) {
	b, err := scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockBatch{}, ErrBatchNotFound
		}
		return StockBatch{}, err
	}
	return b, nil
}

// ListBatches lists batches matching the filter in FIFO order.
func (r *Repository) ListBatches(ctx context.Context, f Filter) ([]StockBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM stock_batches WHERE branch_id = $1 AND product_id = $2`
	args := []any{f.BranchID, f.ProductID}
	if f.UsageType != nil {
		args = append(args, *f.UsageType)
		query += ` AND usage_type = $3`
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY expires_at ASC NULLS LAST, batch_number ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// txRepo implements TxRepository over one pgx transaction.
type txRepo struct {
	tx pgx.Tx
}

// NewTxRepo binds batch operations to an externally owned transaction so the
// transfer engine and receiving reconciler can mutate batches inside their
// own atomic groups.
func NewTxRepo(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

func (r *txRepo) ListActiveForUpdate(ctx context.Context, branchID, productID int64, usage UsageType) ([]StockBatch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+` FROM stock_batches
		WHERE branch_id = $1 AND product_id = $2 AND usage_type = $3 AND status = 'ACTIVE'
		ORDER BY expires_at ASC NULLS LAST, batch_number ASC
		FOR UPDATE`, branchID, productID, usage)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (r *txRepo) ListBySourceForUpdate(ctx context.Context, branchID, productID int64, sourceRef string) ([]StockBatch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+` FROM stock_batches
		WHERE branch_id = $1 AND product_id = $2 AND source_ref = $3 AND status = 'ACTIVE'
		ORDER BY expires_at ASC NULLS LAST, batch_number ASC
		FOR UPDATE`, branchID, productID, sourceRef)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (r *txRepo) GetForUpdate(ctx context.Context, batchID string) (StockBatch, error) {
	b, err := scanBatch(r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE id = $1 FOR UPDATE`, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockBatch{}, ErrBatchNotFound
		}
		return StockBatch{}, err
	}
	return b, nil
}

func (r *txRepo) UpdateQty(ctx context.Context, batchID string, remaining float64, status Status) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_batches SET remaining_qty = $2, status = $3, updated_at = NOW() WHERE id = $1`,
		batchID, remaining, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (r *txRepo) Insert(ctx context.Context, b StockBatch) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		b.ID, b.BranchID, b.ProductID, b.BatchNumber, b.UsageType, b.OriginalQty, b.RemainingQty,
		b.UnitCost, b.ExpiresAt, b.ReceivedAt, b.Status, b.SourceType, b.SourceRef, b.OriginBatchID,
		b.CreatedAt, b.UpdatedAt)
	return err
}

func (r *txRepo) SyncLedger(ctx context.Context, branchID, productID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_ledger_entries
		SET realtime_stock = (
			SELECT COALESCE(SUM(remaining_qty), 0) FROM stock_batches
			WHERE branch_id = $1 AND product_id = $2 AND status = 'ACTIVE'
		), updated_at = NOW()
		WHERE branch_id = $1 AND product_id = $2 AND period_start <= NOW() AND period_end >= NOW()`,
		branchID, productID)
	return err
}

func (r *txRepo) MarkExpired(ctx context.Context, now time.Time) ([]Pair, error) {
	rows, err := r.tx.Query(ctx, `UPDATE stock_batches SET status = 'EXPIRED', updated_at = NOW()
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at < $1
		RETURNING branch_id, product_id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := make(map[Pair]struct{})
	var pairs []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.BranchID, &p.ProductID); err != nil {
			return nil, err
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
