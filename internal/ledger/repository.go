package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for ledger entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const entryColumns = `id, branch_id, product_id, period_start, period_end, beginning_stock,
       week1_stock, week2_stock, week3_stock, week4_stock, realtime_stock, min_stock,
       created_at, updated_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.BranchID, &e.ProductID, &e.PeriodStart, &e.PeriodEnd, &e.BeginningStock,
		&e.WeekStock[0], &e.WeekStock[1], &e.WeekStock[2], &e.WeekStock[3],
		&e.RealTimeStock, &e.MinStock, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

func (r *Repository) GetCurrentEntry(ctx context.Context, branchID, productID int64, at time.Time) (Entry, error) {
	return scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_ledger_entries
		WHERE branch_id = $1 AND product_id = $2 AND period_start <= $3 AND period_end >= $3
		ORDER BY period_start DESC LIMIT 1`, branchID, productID, at))
}

func (r *Repository) GetEntryForPeriod(ctx context.Context, branchID, productID int64, periodStart time.Time) (Entry, error) {
	return scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_ledger_entries
		WHERE branch_id = $1 AND product_id = $2 AND period_start = $3`, branchID, productID, periodStart))
}

func (r *Repository) GetNextEntry(ctx context.Context, branchID, productID int64, after time.Time) (Entry, error) {
	return scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_ledger_entries
		WHERE branch_id = $1 AND product_id = $2 AND period_start > $3
		ORDER BY period_start ASC LIMIT 1`, branchID, productID, after))
}

func (r *Repository) InsertEntry(ctx context.Context, e Entry) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO stock_ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.BranchID, e.ProductID, e.PeriodStart, e.PeriodEnd, e.BeginningStock,
		e.WeekStock[0], e.WeekStock[1], e.WeekStock[2], e.WeekStock[3],
		e.RealTimeStock, e.MinStock, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_ledger_period" {
			return ErrPeriodExists
		}
		return err
	}
	return nil
}

func (r *Repository) UpdateRealTime(ctx context.Context, entryID string, value float64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE stock_ledger_entries SET realtime_stock = $2, updated_at = NOW() WHERE id = $1`, entryID, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *Repository) SetWeekStock(ctx context.Context, entryID string, week int, count float64) error {
	if week < 1 || week > 4 {
		return ErrInvalidWeek
	}
	columns := []string{"week1_stock", "week2_stock", "week3_stock", "week4_stock"}
	tag, err := r.pool.Exec(ctx, `UPDATE stock_ledger_entries SET `+columns[week-1]+` = $2, updated_at = NOW() WHERE id = $1`, entryID, count)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *Repository) ListHistory(ctx context.Context, branchID, productID int64, limit int) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM stock_ledger_entries
		WHERE branch_id = $1 AND product_id = $2
		ORDER BY period_start DESC LIMIT $3`, branchID, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Repository) DeliveriesBetween(ctx context.Context, branchID, productID int64, from, to time.Time) (float64, error) {
	var sum float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(original_qty), 0) FROM stock_batches
		WHERE branch_id = $1 AND product_id = $2 AND source_type = 'PURCHASE'
		AND received_at >= $3 AND received_at <= $4`, branchID, productID, from, to).Scan(&sum)
	return sum, err
}

func (r *Repository) ListPairs(ctx context.Context) ([]Pair, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT branch_id, product_id FROM stock_ledger_entries ORDER BY branch_id, product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pairs []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.BranchID, &p.ProductID); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
