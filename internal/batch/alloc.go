package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// TxRepository exposes the batch mutations available inside one atomic group.
// Implementations are bound to a single database transaction; the transfer
// engine and receiving reconciler obtain one from NewTxRepo so their own
// writes and the batch mutations commit together or not at all.
type TxRepository interface {
	// ListActiveForUpdate returns active batches for the branch/product/usage
	// with row locks held for the remainder of the transaction. Allocation
	// sorts the result itself, so implementations owe no particular order.
	ListActiveForUpdate(ctx context.Context, branchID, productID int64, usage UsageType) ([]StockBatch, error)
	// ListBySourceForUpdate returns active batches whose source reference
	// matches, with row locks held.
	ListBySourceForUpdate(ctx context.Context, branchID, productID int64, sourceRef string) ([]StockBatch, error)
	GetForUpdate(ctx context.Context, batchID string) (StockBatch, error)
	UpdateQty(ctx context.Context, batchID string, remaining float64, status Status) error
	Insert(ctx context.Context, b StockBatch) error
	// SyncLedger recomputes the ledger realtime aggregate for the pair from
	// the batch table, inside the same transaction as the mutation.
	SyncLedger(ctx context.Context, branchID, productID int64) error
	// MarkExpired flips past-expiry active batches to EXPIRED and reports the
	// affected (branch, product) pairs.
	MarkExpired(ctx context.Context, now time.Time) ([]Pair, error)
}

// AllocateFIFOTx walks active batches oldest-expiring first and consumes until
// the requested quantity is satisfied. If total remaining falls short the
// operation fails before any batch is touched.
func AllocateFIFOTx(ctx context.Context, tx TxRepository, in AllocationInput) ([]Consumption, error) {
	if in.Qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	if !in.UsageType.IsValid() {
		return nil, fmt.Errorf("%w: unknown usage type %q", ErrUsageMismatch, in.UsageType)
	}
	batches, err := tx.ListActiveForUpdate(ctx, in.BranchID, in.ProductID, in.UsageType)
	if err != nil {
		return nil, err
	}
	sortFIFO(batches)
	var available float64
	for _, b := range batches {
		available += b.RemainingQty
	}
	if available < in.Qty {
		return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientStock, in.Qty, available)
	}
	return drain(ctx, tx, batches, in.Qty, in.BranchID, in.ProductID)
}

// AllocateSpecificTx consumes from one operator-selected batch.
func AllocateSpecificTx(ctx context.Context, tx TxRepository, batchID string, qty float64, usage UsageType) (Consumption, error) {
	if qty <= 0 {
		return Consumption{}, ErrInvalidQuantity
	}
	b, err := tx.GetForUpdate(ctx, batchID)
	if err != nil {
		return Consumption{}, err
	}
	if b.UsageType != usage {
		return Consumption{}, fmt.Errorf("%w: batch %s is %s", ErrUsageMismatch, b.BatchNumber, b.UsageType)
	}
	if b.Status != StatusActive || b.RemainingQty < qty {
		return Consumption{}, fmt.Errorf("%w: batch %s has %.2f remaining", ErrInsufficientStock, b.BatchNumber, b.RemainingQty)
	}
	remaining := b.RemainingQty - qty
	status := StatusActive
	if remaining == 0 {
		status = StatusDepleted
	}
	if err := tx.UpdateQty(ctx, b.ID, remaining, status); err != nil {
		return Consumption{}, err
	}
	if err := tx.SyncLedger(ctx, b.BranchID, b.ProductID); err != nil {
		return Consumption{}, err
	}
	return Consumption{
		BatchID:       b.ID,
		BatchNumber:   b.BatchNumber,
		Qty:           qty,
		UnitCost:      b.UnitCost,
		UsageType:     b.UsageType,
		ExpiresAt:     b.ExpiresAt,
		OriginBatchID: b.OriginBatchID,
	}, nil
}

// ReplenishTx creates a new batch record. Expiration is mandatory by policy,
// except for transfer-in batches mirroring an undated origin lot, which may
// carry the origin's null expiration.
func ReplenishTx(ctx context.Context, tx TxRepository, b StockBatch) (StockBatch, error) {
	if b.ExpiresAt == nil && !(b.SourceType == SourceTransferIn && b.OriginBatchID != nil) {
		return StockBatch{}, ErrMissingExpiration
	}
	if b.OriginalQty <= 0 {
		return StockBatch{}, ErrInvalidQuantity
	}
	if !b.UsageType.IsValid() {
		return StockBatch{}, fmt.Errorf("%w: unknown usage type %q", ErrUsageMismatch, b.UsageType)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.RemainingQty = b.OriginalQty
	b.Status = StatusActive
	now := time.Now().UTC()
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = now
	}
	b.CreatedAt = now
	b.UpdatedAt = now
	if err := tx.Insert(ctx, b); err != nil {
		return StockBatch{}, err
	}
	if err := tx.SyncLedger(ctx, b.BranchID, b.ProductID); err != nil {
		return StockBatch{}, err
	}
	return b, nil
}

// ReturnTx reverses a completed transfer for one product. The receiving
// branch's transfer-in batches are consumed in FIFO order, then the sending
// branch's origin batch is refilled. When the origin batch is no longer
// addressable the returned quantity lands in a replacement batch at the
// sending branch instead of an arbitrary existing lot, so the cost basis of
// unrelated batches is never disturbed.
func ReturnTx(ctx context.Context, tx TxRepository, in ReturnInput) error {
	if in.Qty <= 0 {
		return ErrInvalidQuantity
	}

	inbound, err := tx.ListBySourceForUpdate(ctx, in.ToBranchID, in.ProductID, in.SourceRef)
	if err != nil {
		return err
	}
	sortFIFO(inbound)
	var available float64
	for _, b := range inbound {
		available += b.RemainingQty
	}
	if available < in.Qty {
		return fmt.Errorf("%w: transfer-in batches hold %.2f, returning %.2f", ErrInsufficientStock, available, in.Qty)
	}
	consumed, err := drain(ctx, tx, inbound, in.Qty, in.ToBranchID, in.ProductID)
	if err != nil {
		return err
	}

	origin, err := tx.GetForUpdate(ctx, in.OriginBatchID)
	switch {
	case err == nil:
		remaining := origin.RemainingQty + in.Qty
		if remaining > origin.OriginalQty {
			return fmt.Errorf("%w: batch %s original %.2f", ErrOverfill, origin.BatchNumber, origin.OriginalQty)
		}
		status := StatusActive
		if origin.Expired(time.Now().UTC()) {
			status = StatusExpired
		}
		if err := tx.UpdateQty(ctx, origin.ID, remaining, status); err != nil {
			return err
		}
	case errors.Is(err, ErrBatchNotFound):
		// Origin gone: spawn a replacement lot carrying the attributes of the
		// stock that physically came back.
		src := consumed[0]
		replacement := StockBatch{
			ID:           uuid.NewString(),
			BranchID:     in.FromBranchID,
			ProductID:    in.ProductID,
			BatchNumber:  fmt.Sprintf("%s-RET", in.SourceRef),
			UsageType:    src.UsageType,
			OriginalQty:  in.Qty,
			RemainingQty: in.Qty,
			UnitCost:     src.UnitCost,
			ExpiresAt:    src.ExpiresAt,
			ReceivedAt:   time.Now().UTC(),
			Status:       StatusActive,
			SourceType:   SourceTransferIn,
			SourceRef:    in.SourceRef,
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
		}
		if err := tx.Insert(ctx, replacement); err != nil {
			return err
		}
	default:
		return err
	}

	return tx.SyncLedger(ctx, in.FromBranchID, in.ProductID)
}

// drain consumes qty across the ordered batches, flipping emptied batches to
// DEPLETED, and refreshes the ledger aggregate once at the end. Callers have
// already verified availability.
func drain(ctx context.Context, tx TxRepository, batches []StockBatch, qty float64, branchID, productID int64) ([]Consumption, error) {
	var consumed []Consumption
	left := qty
	for _, b := range batches {
		if left <= 0 {
			break
		}
		take := b.RemainingQty
		if take > left {
			take = left
		}
		if take <= 0 {
			continue
		}
		remaining := b.RemainingQty - take
		status := StatusActive
		if remaining == 0 {
			status = StatusDepleted
		}
		if err := tx.UpdateQty(ctx, b.ID, remaining, status); err != nil {
			return nil, err
		}
		consumed = append(consumed, Consumption{
			BatchID:       b.ID,
			BatchNumber:   b.BatchNumber,
			Qty:           take,
			UnitCost:      b.UnitCost,
			UsageType:     b.UsageType,
			ExpiresAt:     b.ExpiresAt,
			OriginBatchID: b.OriginBatchID,
		})
		left -= take
	}
	if left > 0 {
		return nil, fmt.Errorf("%w: %.2f unallocated", ErrInsufficientStock, left)
	}
	if err := tx.SyncLedger(ctx, branchID, productID); err != nil {
		return nil, err
	}
	return consumed, nil
}

// sortFIFO orders batches the way allocation consumes them: expiration
// ascending with unknown expirations last, then batch number ascending.
func sortFIFO(batches []StockBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			return a.BatchNumber < b.BatchNumber
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.BatchNumber < b.BatchNumber
		default:
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
	})
}
