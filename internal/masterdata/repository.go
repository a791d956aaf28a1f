package masterdata

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads catalog and branch master data from Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetProduct loads one product.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name, shelf_life, otc_eligible, salon_eligible, active
		FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.ShelfLife, &p.OTCEligible, &p.SalonEligible, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

// GetBranch loads one branch.
func (r *Repository) GetBranch(ctx context.Context, id int64) (Branch, error) {
	var b Branch
	err := r.pool.QueryRow(ctx, `SELECT id, name, is_active FROM branches WHERE id = $1`, id).
		Scan(&b.ID, &b.Name, &b.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Branch{}, ErrBranchNotFound
	}
	return b, err
}

// HasProduct reports whether the branch carries the product.
func (r *Repository) HasProduct(ctx context.Context, branchID, productID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM branch_products WHERE branch_id = $1 AND product_id = $2
	)`, branchID, productID).Scan(&exists)
	return exists, err
}

// ManagerCodeHash returns the branch's stored override code hash.
func (r *Repository) ManagerCodeHash(ctx context.Context, branchID int64) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx, `SELECT manager_code_hash FROM branches WHERE id = $1`, branchID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrBranchNotFound
	}
	return hash, err
}
