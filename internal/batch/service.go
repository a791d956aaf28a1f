package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/branchstock/branchstock/internal/shared"
)

// Pair identifies one (branch, product) stock dimension.
type Pair struct {
	BranchID  int64
	ProductID int64
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	SumRemaining(ctx context.Context, branchID, productID int64, usage *UsageType) (float64, error)
	GetBatch(ctx context.Context, id string) (StockBatch, error)
	ListBatches(ctx context.Context, f Filter) ([]StockBatch, error)
}

// AuthPort gates force-adjustment operations behind a manager code check.
type AuthPort interface {
	VerifyManagerCode(ctx context.Context, branchID int64, code string) (bool, error)
}

// ErrManagerCodeRejected indicates the override code failed verification.
var ErrManagerCodeRejected = errors.New("batch: manager code rejected")

// Service owns all StockBatch mutations. No other component writes batch
// quantities directly.
type Service struct {
	repo  RepositoryPort
	audit shared.ActivityRecorder
	authz AuthPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit shared.ActivityRecorder, authz AuthPort) *Service {
	return &Service{repo: repo, audit: audit, authz: authz}
}

// AllocateFIFO deducts stock for a sale or internal use, oldest expiration
// first. All touched batches commit in one atomic group.
func (s *Service) AllocateFIFO(ctx context.Context, in AllocationInput, actorID int64, reason string) ([]Consumption, error) {
	var consumed []Consumption
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		consumed, err = AllocateFIFOTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, shared.ActivityLog{
		Action:      "batch:allocate_fifo",
		Entity:      "stock_batch",
		EntityID:    fmt.Sprintf("%d:%d", in.BranchID, in.ProductID),
		BranchID:    in.BranchID,
		PerformedBy: actorID,
		AfterState:  map[string]any{"qty": in.Qty, "usage_type": in.UsageType, "batches": len(consumed)},
		Reason:      reason,
	})
	return consumed, nil
}

// AllocateSpecific deducts from one operator-selected batch.
func (s *Service) AllocateSpecific(ctx context.Context, batchID string, qty float64, usage UsageType, actorID int64, reason string) (Consumption, error) {
	var consumed Consumption
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		consumed, err = AllocateSpecificTx(ctx, tx, batchID, qty, usage)
		return err
	})
	if err != nil {
		return Consumption{}, err
	}
	s.record(ctx, shared.ActivityLog{
		Action:      "batch:allocate_specific",
		Entity:      "stock_batch",
		EntityID:    batchID,
		PerformedBy: actorID,
		AfterState:  map[string]any{"qty": qty, "usage_type": usage},
		Reason:      reason,
	})
	return consumed, nil
}

// Replenish creates a new batch record from purchase intake or transfer-in.
func (s *Service) Replenish(ctx context.Context, b StockBatch, actorID int64) (StockBatch, error) {
	var created StockBatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = ReplenishTx(ctx, tx, b)
		return err
	})
	if err != nil {
		return StockBatch{}, err
	}
	s.record(ctx, shared.ActivityLog{
		Action:      "batch:replenish",
		Entity:      "stock_batch",
		EntityID:    created.ID,
		BranchID:    created.BranchID,
		PerformedBy: actorID,
		AfterState:  map[string]any{"batch_number": created.BatchNumber, "qty": created.OriginalQty, "source": created.SourceType},
	})
	return created, nil
}

// Return restores transferred stock to its origin batch, deducting the
// receiving branch's transfer-in batches in the same atomic group.
func (s *Service) Return(ctx context.Context, in ReturnInput, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return ReturnTx(ctx, tx, in)
	})
	if err != nil {
		return err
	}
	s.record(ctx, shared.ActivityLog{
		Action:      "batch:return",
		Entity:      "stock_batch",
		EntityID:    in.OriginBatchID,
		BranchID:    in.FromBranchID,
		PerformedBy: actorID,
		AfterState:  map[string]any{"qty": in.Qty, "source_ref": in.SourceRef},
		Reason:      in.Reason,
	})
	return nil
}

// ForceAdjust overrides a batch's remaining quantity outside normal
// allocation. Requires a valid manager code for the batch's branch.
func (s *Service) ForceAdjust(ctx context.Context, batchID string, newRemaining float64, managerCode string, actorID int64, reason string) error {
	if newRemaining < 0 {
		return ErrInvalidQuantity
	}
	current, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if s.authz != nil {
		ok, err := s.authz.VerifyManagerCode(ctx, current.BranchID, managerCode)
		if err != nil {
			return err
		}
		if !ok {
			return ErrManagerCodeRejected
		}
	}
	if newRemaining > current.OriginalQty {
		return ErrOverfill
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.GetForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		status := StatusActive
		if newRemaining == 0 {
			status = StatusDepleted
		}
		if b.Expired(time.Now().UTC()) {
			status = StatusExpired
		}
		if err := tx.UpdateQty(ctx, b.ID, newRemaining, status); err != nil {
			return err
		}
		return tx.SyncLedger(ctx, b.BranchID, b.ProductID)
	})
	if err != nil {
		return err
	}
	s.record(ctx, shared.ActivityLog{
		Action:      "batch:force_adjust",
		Entity:      "stock_batch",
		EntityID:    batchID,
		BranchID:    current.BranchID,
		PerformedBy: actorID,
		BeforeState: map[string]any{"remaining_qty": current.RemainingQty},
		AfterState:  map[string]any{"remaining_qty": newRemaining},
		Reason:      reason,
	})
	return nil
}

// MarkExpired flips past-expiry active batches to EXPIRED and refreshes the
// ledger aggregates of every affected (branch, product) pair. Used by the
// nightly sweep job.
func (s *Service) MarkExpired(ctx context.Context, now time.Time) ([]Pair, error) {
	var pairs []Pair
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		pairs, err = tx.MarkExpired(ctx, now)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			if err := tx.SyncLedger(ctx, p.BranchID, p.ProductID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		s.record(ctx, shared.ActivityLog{
			Action:     "batch:expire",
			Entity:     "stock_batch",
			EntityID:   fmt.Sprintf("%d:%d", p.BranchID, p.ProductID),
			BranchID:   p.BranchID,
			AfterState: map[string]any{"swept_at": now},
		})
	}
	return pairs, nil
}

// SumRemaining totals remaining quantity across active batches. Usage may be
// nil to span both usage types.
func (s *Service) SumRemaining(ctx context.Context, branchID, productID int64, usage *UsageType) (float64, error) {
	return s.repo.SumRemaining(ctx, branchID, productID, usage)
}

// GetBatch returns one batch by id.
func (s *Service) GetBatch(ctx context.Context, id string) (StockBatch, error) {
	return s.repo.GetBatch(ctx, id)
}

// ListBatches lists batches for the query surface.
func (s *Service) ListBatches(ctx context.Context, f Filter) ([]StockBatch, error) {
	if f.Limit <= 0 {
		f.Limit = 200
	}
	return s.repo.ListBatches(ctx, f)
}

func (s *Service) record(ctx context.Context, log shared.ActivityLog) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, log)
}
