package audit

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const timelineColumns = `occurred_at, action, entity, entity_id, branch_id, performed_by, reason, notes`

// PgRepository reads activity_logs through a pgx pool.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns a PgRepository bound to the pool.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// TimelineWindow returns a slice of the timeline ordered newest first.
func (r *PgRepository) TimelineWindow(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	where, args := buildFilter(filters)
	args = append(args, limit, offset)
	sql := `SELECT ` + timelineColumns + ` FROM activity_logs` + where +
		` ORDER BY occurred_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	return r.query(ctx, sql, args)
}

// TimelineAll returns the filtered timeline up to limit rows.
func (r *PgRepository) TimelineAll(ctx context.Context, filters TimelineFilters, limit int) ([]TimelineRow, error) {
	where, args := buildFilter(filters)
	args = append(args, limit)
	sql := `SELECT ` + timelineColumns + ` FROM activity_logs` + where +
		` ORDER BY occurred_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))
	return r.query(ctx, sql, args)
}

func (r *PgRepository) query(ctx context.Context, sql string, args []any) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		if err := rows.Scan(&row.At, &row.Action, &row.Entity, &row.EntityID, &row.BranchID, &row.PerformedBy, &row.Reason, &row.Notes); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func buildFilter(filters TimelineFilters) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, clause+"$"+strconv.Itoa(len(args)))
	}
	if !filters.From.IsZero() {
		add("occurred_at >= ", filters.From)
	}
	if !filters.To.IsZero() {
		add("occurred_at <= ", filters.To)
	}
	if filters.BranchID > 0 {
		add("branch_id = ", filters.BranchID)
	}
	if entity := strings.TrimSpace(filters.Entity); entity != "" {
		add("entity = ", entity)
	}
	if action := strings.TrimSpace(filters.Action); action != "" {
		add("action = ", action)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
