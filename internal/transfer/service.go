package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/branchstock/branchstock/internal/batch"
	"github.com/branchstock/branchstock/internal/shared"
)

// TxRepository is the transfer persistence surface bound to one database
// transaction. Batches exposes the batch mutations running inside the same
// transaction, so a request row and its stock movements commit together.
type TxRepository interface {
	InsertRequest(ctx context.Context, r Request) error
	InsertItem(ctx context.Context, it Item) error
	InsertConsumption(ctx context.Context, c Consumption) error
	// GetRequestForUpdate loads the request, its items and consumptions with
	// the request row locked for the remainder of the transaction.
	GetRequestForUpdate(ctx context.Context, id string) (Request, error)
	UpdateStatus(ctx context.Context, id string, status Status, approvedBy *int64, completedAt *time.Time) error
	SetItemApproved(ctx context.Context, itemID string, qty float64) error
	AddItemReturned(ctx context.Context, itemID string, qty float64) error
	AddConsumptionReturned(ctx context.Context, consumptionID string, qty float64) error
	Batches() batch.TxRepository
}

// RepositoryPort abstracts transfer persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequest(ctx context.Context, id string) (Request, error)
	List(ctx context.Context, f Filter) ([]Request, error)
	// PendingInbox lists pending borrow requests directed at the branch.
	PendingInbox(ctx context.Context, branchID int64) ([]Request, error)
}

// CatalogPort answers whether a branch carries a product. Backed by master
// data; the borrow intersection check is the only consumer.
type CatalogPort interface {
	HasProduct(ctx context.Context, branchID, productID int64) (bool, error)
}

// IdempotencyPort guards duplicate creates keyed by a client-supplied code.
// Delete releases a key whose operation failed so the client can retry.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service drives the transfer/borrow state machine.
type Service struct {
	repo    RepositoryPort
	catalog CatalogPort
	idem    IdempotencyPort
	audit   shared.ActivityRecorder
}

// NewService builds Service.
func NewService(repo RepositoryPort, catalog CatalogPort, idem IdempotencyPort, audit shared.ActivityRecorder) *Service {
	return &Service{repo: repo, catalog: catalog, idem: idem, audit: audit}
}

// Create registers a new request. Transfers deduct the sender's stock line by
// line inside the same transaction that persists the request; any line
// failure aborts the whole create with no batch touched. Borrows only verify
// that both branches carry each product and defer allocation to approval.
func (s *Service) Create(ctx context.Context, in CreateInput, actorID int64) (Request, error) {
	if !in.Type.IsValid() {
		return Request{}, fmt.Errorf("%w: unknown type %q", ErrValidation, in.Type)
	}
	if in.FromBranchID == in.ToBranchID {
		return Request{}, fmt.Errorf("%w: branches must differ", ErrValidation)
	}
	if len(in.Lines) == 0 {
		return Request{}, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	if in.Type == TypeBorrow {
		// A borrow may only request products both branches already carry.
		for _, line := range in.Lines {
			for _, branchID := range []int64{in.FromBranchID, in.ToBranchID} {
				ok, err := s.catalog.HasProduct(ctx, branchID, line.ProductID)
				if err != nil {
					return Request{}, err
				}
				if !ok {
					return Request{}, fmt.Errorf("%w: product %d at branch %d", ErrUnknownProduct, line.ProductID, branchID)
				}
			}
		}
	}

	inserted := false
	if s.idem != nil && in.IdempotencyKey != "" {
		if err := s.idem.CheckAndInsert(ctx, in.IdempotencyKey, "transfer"); err != nil {
			return Request{}, err
		}
		inserted = true
	}

	now := time.Now().UTC()
	req := Request{
		ID:           uuid.NewString(),
		Type:         in.Type,
		FromBranchID: in.FromBranchID,
		ToBranchID:   in.ToBranchID,
		Status:       StatusPending,
		RequestedBy:  actorID,
		Reason:       in.Reason,
		Notes:        in.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertRequest(ctx, req); err != nil {
			return err
		}
		for _, line := range in.Lines {
			item := Item{
				ID:           uuid.NewString(),
				RequestID:    req.ID,
				ProductID:    line.ProductID,
				UsageType:    line.UsageType,
				RequestedQty: line.Qty,
				BatchID:      line.BatchID,
			}
			if in.Type == TypeTransfer {
				item.ApprovedQty = line.Qty
				consumed, err := s.allocateLine(ctx, tx, req.FromBranchID, line)
				if err != nil {
					return fmt.Errorf("product %d: %w", line.ProductID, err)
				}
				item.Consumptions = consumed
			}
			if err := tx.InsertItem(ctx, item); err != nil {
				return err
			}
			for i := range item.Consumptions {
				item.Consumptions[i].ID = uuid.NewString()
				item.Consumptions[i].ItemID = item.ID
				if err := tx.InsertConsumption(ctx, item.Consumptions[i]); err != nil {
					return err
				}
			}
			req.Items = append(req.Items, item)
		}
		return nil
	})
	if err != nil {
		// Nothing was applied; release the key so the client can retry.
		if inserted {
			_ = s.idem.Delete(ctx, in.IdempotencyKey)
		}
		return Request{}, err
	}

	s.record(ctx, "transfer:create", req.ID, req.FromBranchID, actorID, nil,
		map[string]any{"type": req.Type, "status": req.Status, "to_branch": req.ToBranchID}, in.Reason, in.Notes)
	return req, nil
}

func (s *Service) allocateLine(ctx context.Context, tx TxRepository, branchID int64, line LineInput) ([]Consumption, error) {
	if line.BatchID != nil {
		c, err := batch.AllocateSpecificTx(ctx, tx.Batches(), *line.BatchID, line.Qty, line.UsageType)
		if err != nil {
			return nil, err
		}
		return []Consumption{fromBatchConsumption(c)}, nil
	}
	consumed, err := batch.AllocateFIFOTx(ctx, tx.Batches(), batch.AllocationInput{
		BranchID:  branchID,
		ProductID: line.ProductID,
		Qty:       line.Qty,
		UsageType: line.UsageType,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Consumption, 0, len(consumed))
	for _, c := range consumed {
		out = append(out, fromBatchConsumption(c))
	}
	return out, nil
}

func fromBatchConsumption(c batch.Consumption) Consumption {
	return Consumption{
		BatchID:     c.BatchID,
		BatchNumber: c.BatchNumber,
		Qty:         c.Qty,
		UnitCost:    c.UnitCost,
		UsageType:   c.UsageType,
		ExpiresAt:   c.ExpiresAt,
	}
}

// Dispatch moves a pending transfer into transit. Stock was already deducted
// at creation, so this is a pure status advance by the sending branch.
func (s *Service) Dispatch(ctx context.Context, requestID string, branchID, actorID int64) (Request, error) {
	var req Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		req, err = tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Type != TypeTransfer {
			return fmt.Errorf("%w: only transfers are dispatched", ErrInvalidTransition)
		}
		if req.FromBranchID != branchID {
			return ErrWrongBranch
		}
		if !req.Status.CanDispatch() {
			return fmt.Errorf("%w: status %s", ErrInvalidTransition, req.Status)
		}
		if err := tx.UpdateStatus(ctx, req.ID, StatusInTransit, nil, nil); err != nil {
			return err
		}
		req.Status = StatusInTransit
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.record(ctx, "transfer:dispatch", req.ID, branchID, actorID,
		map[string]any{"status": StatusPending}, map[string]any{"status": StatusInTransit}, "", "")
	return req, nil
}

// Approve is the lending branch's per-line decision on a pending borrow.
// Each approved line allocates FIFO at the lender; if no line is granted a
// positive quantity the whole approval is rejected rather than recorded as a
// no-op.
func (s *Service) Approve(ctx context.Context, requestID string, approvals []ItemApproval, branchID, actorID int64) (Request, error) {
	byItem := make(map[string]float64, len(approvals))
	for _, a := range approvals {
		byItem[a.ItemID] = a.Qty
	}

	var req Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		req, err = tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Type != TypeBorrow {
			return fmt.Errorf("%w: only borrows are approved", ErrInvalidTransition)
		}
		if req.FromBranchID != branchID {
			return ErrWrongBranch
		}
		if !req.Status.CanApprove() {
			return fmt.Errorf("%w: status %s", ErrInvalidTransition, req.Status)
		}

		granted := false
		for i := range req.Items {
			item := &req.Items[i]
			qty := byItem[item.ID]
			if qty <= 0 {
				continue
			}
			if qty > item.RequestedQty {
				return fmt.Errorf("%w: approved %.2f exceeds requested %.2f", ErrValidation, qty, item.RequestedQty)
			}
			consumed, err := batch.AllocateFIFOTx(ctx, tx.Batches(), batch.AllocationInput{
				BranchID:  req.FromBranchID,
				ProductID: item.ProductID,
				Qty:       qty,
				UsageType: item.UsageType,
			})
			if err != nil {
				return fmt.Errorf("product %d: %w", item.ProductID, err)
			}
			if err := tx.SetItemApproved(ctx, item.ID, qty); err != nil {
				return err
			}
			item.ApprovedQty = qty
			for _, c := range consumed {
				record := fromBatchConsumption(c)
				record.ID = uuid.NewString()
				record.ItemID = item.ID
				if err := tx.InsertConsumption(ctx, record); err != nil {
					return err
				}
				item.Consumptions = append(item.Consumptions, record)
			}
			granted = true
		}
		if !granted {
			return ErrNoItemsApproved
		}
		if err := tx.UpdateStatus(ctx, req.ID, StatusInTransit, &actorID, nil); err != nil {
			return err
		}
		req.Status = StatusInTransit
		req.ApprovedBy = &actorID
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.record(ctx, "transfer:approve", req.ID, branchID, actorID,
		map[string]any{"status": StatusPending}, map[string]any{"status": StatusInTransit}, "", "")
	return req, nil
}

// Decline rejects a pending borrow. No stock ever moved, so no reversal.
func (s *Service) Decline(ctx context.Context, requestID string, branchID, actorID int64, reason string) (Request, error) {
	var req Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		req, err = tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Type != TypeBorrow {
			return fmt.Errorf("%w: only borrows are declined", ErrInvalidTransition)
		}
		if req.FromBranchID != branchID {
			return ErrWrongBranch
		}
		if !req.Status.CanDecline() {
			return fmt.Errorf("%w: status %s", ErrInvalidTransition, req.Status)
		}
		if err := tx.UpdateStatus(ctx, req.ID, StatusCancelled, nil, nil); err != nil {
			return err
		}
		req.Status = StatusCancelled
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.record(ctx, "transfer:decline", req.ID, branchID, actorID,
		map[string]any{"status": StatusPending}, map[string]any{"status": StatusCancelled}, reason, "")
	return req, nil
}

// Cancel withdraws a pending request. A pending transfer already deducted the
// sender's batches, so cancellation restores every consumption to its batch
// in the same transaction that flips the status. Only the initiating branch
// may cancel.
func (s *Service) Cancel(ctx context.Context, requestID string, branchID, actorID int64, reason string) (Request, error) {
	var req Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		req, err = tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		initiator := req.FromBranchID
		if req.Type == TypeBorrow {
			initiator = req.ToBranchID
		}
		if initiator != branchID {
			return ErrWrongBranch
		}
		if !req.Status.CanCancel() {
			return fmt.Errorf("%w: status %s", ErrInvalidTransition, req.Status)
		}
		if req.Type == TypeTransfer {
			if err := s.restoreConsumptions(ctx, tx, req); err != nil {
				return err
			}
		}
		if err := tx.UpdateStatus(ctx, req.ID, StatusCancelled, nil, nil); err != nil {
			return err
		}
		req.Status = StatusCancelled
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.record(ctx, "transfer:cancel", req.ID, branchID, actorID,
		map[string]any{"status": StatusPending}, map[string]any{"status": StatusCancelled}, reason, "")
	return req, nil
}

// restoreConsumptions puts cancelled-transfer stock back into the exact
// batches it was taken from.
func (s *Service) restoreConsumptions(ctx context.Context, tx TxRepository, req Request) error {
	batches := tx.Batches()
	touched := map[int64]bool{}
	for _, item := range req.Items {
		for _, c := range item.Consumptions {
			b, err := batches.GetForUpdate(ctx, c.BatchID)
			if err != nil {
				return err
			}
			remaining := b.RemainingQty + c.Qty
			if remaining > b.OriginalQty {
				return fmt.Errorf("%w: batch %s", batch.ErrOverfill, b.BatchNumber)
			}
			if err := batches.UpdateQty(ctx, b.ID, remaining, batch.StatusActive); err != nil {
				return err
			}
		}
		touched[item.ProductID] = true
	}
	for productID := range touched {
		if err := batches.SyncLedger(ctx, req.FromBranchID, productID); err != nil {
			return err
		}
	}
	return nil
}

// Receive confirms intake at the destination branch. Each consumption becomes
// a transfer-in batch at the receiver carrying the origin batch pointer, so a
// later return can find its way back.
func (s *Service) Receive(ctx context.Context, requestID string, branchID, actorID int64) (Request, error) {
	var req Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		req, err = tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.ToBranchID != branchID {
			return ErrWrongBranch
		}
		if !req.Status.CanReceive() {
			return fmt.Errorf("%w: status %s", ErrInvalidTransition, req.Status)
		}
		now := time.Now().UTC()
		for _, item := range req.Items {
			for _, c := range item.Consumptions {
				originID := c.BatchID
				_, err := batch.ReplenishTx(ctx, tx.Batches(), batch.StockBatch{
					BranchID:      req.ToBranchID,
					ProductID:     item.ProductID,
					BatchNumber:   c.BatchNumber,
					UsageType:     c.UsageType,
					OriginalQty:   c.Qty,
					UnitCost:      c.UnitCost,
					ExpiresAt:     c.ExpiresAt,
					ReceivedAt:    now,
					SourceType:    batch.SourceTransferIn,
					SourceRef:     req.ID,
					OriginBatchID: &originID,
				})
				if err != nil {
					return fmt.Errorf("product %d: %w", item.ProductID, err)
				}
			}
		}
		if err := tx.UpdateStatus(ctx, req.ID, StatusCompleted, nil, &now); err != nil {
			return err
		}
		req.Status = StatusCompleted
		req.CompletedAt = &now
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.record(ctx, "transfer:receive", req.ID, branchID, actorID,
		map[string]any{"status": StatusInTransit}, map[string]any{"status": StatusCompleted}, "", "")
	return req, nil
}

// Return sends stock from a completed transfer back to the origin branch.
// Only the original sender may initiate it, and cumulative returns per line
// never exceed what was transferred. Each consumption segment is unwound
// individually so the stock lands back in the batch it came from.
func (s *Service) Return(ctx context.Context, requestID string, returns []ItemReturn, branchID, actorID int64, reason string) error {
	byItem := make(map[string]float64, len(returns))
	for _, r := range returns {
		if r.Qty <= 0 {
			return fmt.Errorf("%w: return quantity must be positive", ErrValidation)
		}
		byItem[r.ItemID] = r.Qty
	}
	if len(byItem) == 0 {
		return fmt.Errorf("%w: at least one return line required", ErrValidation)
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.FromBranchID != branchID {
			return ErrWrongBranch
		}
		if !req.Status.CanReturn() {
			return fmt.Errorf("%w: status %s", ErrInvalidTransition, req.Status)
		}
		for i := range req.Items {
			item := &req.Items[i]
			qty, ok := byItem[item.ID]
			if !ok {
				continue
			}
			transferred := item.ApprovedQty
			if item.ReturnedQty+qty > transferred {
				return fmt.Errorf("%w: item %s transferred %.2f, already returned %.2f", ErrReturnExceeded, item.ID, transferred, item.ReturnedQty)
			}
			left := qty
			for j := range item.Consumptions {
				c := &item.Consumptions[j]
				if left <= 0 {
					break
				}
				take := c.Qty - c.ReturnedQty
				if take > left {
					take = left
				}
				if take <= 0 {
					continue
				}
				err := batch.ReturnTx(ctx, tx.Batches(), batch.ReturnInput{
					OriginBatchID: c.BatchID,
					FromBranchID:  req.FromBranchID,
					ToBranchID:    req.ToBranchID,
					ProductID:     item.ProductID,
					Qty:           take,
					SourceRef:     req.ID,
					Reason:        reason,
				})
				if err != nil {
					return fmt.Errorf("product %d: %w", item.ProductID, err)
				}
				if err := tx.AddConsumptionReturned(ctx, c.ID, take); err != nil {
					return err
				}
				c.ReturnedQty += take
				left -= take
			}
			if left > 0 {
				return fmt.Errorf("%w: item %s", ErrReturnExceeded, item.ID)
			}
			if err := tx.AddItemReturned(ctx, item.ID, qty); err != nil {
				return err
			}
			item.ReturnedQty += qty
			delete(byItem, item.ID)
		}
		if len(byItem) > 0 {
			return fmt.Errorf("%w: unknown return line", ErrValidation)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, "transfer:return", requestID, branchID, actorID, nil,
		map[string]any{"returns": len(returns)}, reason, "")
	return nil
}

// Get loads one request with its items and consumptions.
func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.repo.GetRequest(ctx, id)
}

// List returns filtered transfer requests.
func (s *Service) List(ctx context.Context, f Filter) ([]Request, error) {
	return s.repo.List(ctx, f)
}

// PendingInbox lists pending borrow requests awaiting the branch's decision.
func (s *Service) PendingInbox(ctx context.Context, branchID int64) ([]Request, error) {
	return s.repo.PendingInbox(ctx, branchID)
}

func (s *Service) record(ctx context.Context, action, entityID string, branchID, actorID int64, before, after map[string]any, reason, notes string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.ActivityLog{
		Action:      action,
		Entity:      "transfer_request",
		EntityID:    entityID,
		BranchID:    branchID,
		PerformedBy: actorID,
		BeforeState: before,
		AfterState:  after,
		Reason:      reason,
		Notes:       notes,
	})
}
