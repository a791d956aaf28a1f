package app

import (
	"context"

	"github.com/branchstock/branchstock/internal/batch"
	"github.com/branchstock/branchstock/internal/masterdata"
	"github.com/branchstock/branchstock/internal/receiving"
)

// BatchStockSource adapts the batch service to the ledger's read-only stock
// view. The ledger reconciles against the full remaining quantity across both
// usage types.
type BatchStockSource struct {
	Batches *batch.Service
}

func (a BatchStockSource) SumRemaining(ctx context.Context, branchID, productID int64) (float64, error) {
	return a.Batches.SumRemaining(ctx, branchID, productID, nil)
}

// CatalogProducts adapts master data to the receiving reconciler's product
// lookup.
type CatalogProducts struct {
	Catalog *masterdata.Service
}

func (a CatalogProducts) GetProduct(ctx context.Context, productID int64) (receiving.ProductInfo, error) {
	p, err := a.Catalog.GetProduct(ctx, productID)
	if err != nil {
		return receiving.ProductInfo{}, err
	}
	return receiving.ProductInfo{Name: p.Name, ShelfLife: p.ShelfLife}, nil
}
