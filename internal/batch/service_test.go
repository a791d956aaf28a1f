package batch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	batches map[string]*StockBatch
	ledger  map[Pair]float64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{batches: make(map[string]*StockBatch), ledger: make(map[Pair]float64)}
}

func (r *memoryRepo) snapshot() map[string]*StockBatch {
	out := make(map[string]*StockBatch, len(r.batches))
	for id, b := range r.batches {
		clone := *b
		out[id] = &clone
	}
	return out
}

// WithTx emulates the atomic group: on error every mutation is rolled back.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	before := r.snapshot()
	ledgerBefore := make(map[Pair]float64, len(r.ledger))
	for k, v := range r.ledger {
		ledgerBefore[k] = v
	}
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.batches = before
		r.ledger = ledgerBefore
		return err
	}
	return nil
}

func (r *memoryRepo) SumRemaining(ctx context.Context, branchID, productID int64, usage *UsageType) (float64, error) {
	var sum float64
	for _, b := range r.batches {
		if b.BranchID != branchID || b.ProductID != productID || b.Status != StatusActive {
			continue
		}
		if usage != nil && b.UsageType != *usage {
			continue
		}
		sum += b.RemainingQty
	}
	return sum, nil
}

func (r *memoryRepo) GetBatch(ctx context.Context, id string) (StockBatch, error) {
	if b, ok := r.batches[id]; ok {
		return *b, nil
	}
	return StockBatch{}, ErrBatchNotFound
}

func (r *memoryRepo) ListBatches(ctx context.Context, f Filter) ([]StockBatch, error) {
	var out []StockBatch
	for _, b := range r.batches {
		if b.BranchID == f.BranchID && b.ProductID == f.ProductID {
			out = append(out, *b)
		}
	}
	sortFIFO(out)
	return out, nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (t *memoryTx) ListActiveForUpdate(ctx context.Context, branchID, productID int64, usage UsageType) ([]StockBatch, error) {
	var out []StockBatch
	for _, b := range t.repo.batches {
		if b.BranchID == branchID && b.ProductID == productID && b.UsageType == usage && b.Status == StatusActive {
			out = append(out, *b)
		}
	}
	// Map-iteration order: allocation is expected to sort.
	return out, nil
}

func (t *memoryTx) ListBySourceForUpdate(ctx context.Context, branchID, productID int64, sourceRef string) ([]StockBatch, error) {
	var out []StockBatch
	for _, b := range t.repo.batches {
		if b.BranchID == branchID && b.ProductID == productID && b.SourceRef == sourceRef && b.Status == StatusActive {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (t *memoryTx) GetForUpdate(ctx context.Context, batchID string) (StockBatch, error) {
	return t.repo.GetBatch(ctx, batchID)
}

func (t *memoryTx) UpdateQty(ctx context.Context, batchID string, remaining float64, status Status) error {
	b, ok := t.repo.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	b.RemainingQty = remaining
	b.Status = status
	return nil
}

func (t *memoryTx) Insert(ctx context.Context, b StockBatch) error {
	clone := b
	t.repo.batches[b.ID] = &clone
	return nil
}

func (t *memoryTx) SyncLedger(ctx context.Context, branchID, productID int64) error {
	sum, _ := t.repo.SumRemaining(ctx, branchID, productID, nil)
	t.repo.ledger[Pair{BranchID: branchID, ProductID: productID}] = sum
	return nil
}

func (t *memoryTx) MarkExpired(ctx context.Context, now time.Time) ([]Pair, error) {
	seen := make(map[Pair]struct{})
	var pairs []Pair
	for _, b := range t.repo.batches {
		if b.Status == StatusActive && b.Expired(now) {
			b.Status = StatusExpired
			p := Pair{BranchID: b.BranchID, ProductID: b.ProductID}
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				pairs = append(pairs, p)
			}
		}
	}
	return pairs, nil
}

func seedBatch(repo *memoryRepo, branchID, productID int64, number string, qty float64, expires *time.Time, usage UsageType) string {
	id := uuid.NewString()
	repo.batches[id] = &StockBatch{
		ID:           id,
		BranchID:     branchID,
		ProductID:    productID,
		BatchNumber:  number,
		UsageType:    usage,
		OriginalQty:  qty,
		RemainingQty: qty,
		UnitCost:     10,
		ExpiresAt:    expires,
		ReceivedAt:   time.Now(),
		Status:       StatusActive,
		SourceType:   SourcePurchase,
		SourceRef:    "PO-1",
	}
	return id
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestAllocateFIFOOrdering(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	early := seedBatch(repo, 1, 7, "B-001", 10, datePtr(2026, time.January, 1), UsageOTC)
	late := seedBatch(repo, 1, 7, "B-002", 10, datePtr(2026, time.June, 1), UsageOTC)
	undated := seedBatch(repo, 1, 7, "B-003", 10, nil, UsageOTC)

	consumed, err := svc.AllocateFIFO(ctx, AllocationInput{BranchID: 1, ProductID: 7, Qty: 15, UsageType: UsageOTC}, 1, "sale")
	require.NoError(t, err)
	require.Len(t, consumed, 2)
	require.Equal(t, early, consumed[0].BatchID)
	require.InDelta(t, 10, consumed[0].Qty, 0.0001)
	require.Equal(t, late, consumed[1].BatchID)
	require.InDelta(t, 5, consumed[1].Qty, 0.0001)

	require.Equal(t, StatusDepleted, repo.batches[early].Status)
	require.InDelta(t, 0, repo.batches[early].RemainingQty, 0.0001)
	require.InDelta(t, 5, repo.batches[late].RemainingQty, 0.0001)
	// The undated batch is untouched while dated batches hold stock.
	require.InDelta(t, 10, repo.batches[undated].RemainingQty, 0.0001)
}

func TestAllocateFIFOInsufficientLeavesNoPartialMutation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	id := seedBatch(repo, 1, 7, "B-001", 10, datePtr(2026, time.January, 1), UsageOTC)

	_, err := svc.AllocateFIFO(ctx, AllocationInput{BranchID: 1, ProductID: 7, Qty: 11, UsageType: UsageOTC}, 1, "")
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.InDelta(t, 10, repo.batches[id].RemainingQty, 0.0001)
	require.Equal(t, StatusActive, repo.batches[id].Status)
}

func TestAllocateFIFOUsageIsolation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	seedBatch(repo, 1, 7, "B-001", 10, datePtr(2026, time.January, 1), UsageSalon)

	_, err := svc.AllocateFIFO(ctx, AllocationInput{BranchID: 1, ProductID: 7, Qty: 1, UsageType: UsageOTC}, 1, "")
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestAllocateSpecific(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	id := seedBatch(repo, 1, 7, "B-001", 10, datePtr(2026, time.January, 1), UsageOTC)

	_, err := svc.AllocateSpecific(ctx, id, 3, UsageSalon, 1, "")
	require.ErrorIs(t, err, ErrUsageMismatch)

	_, err = svc.AllocateSpecific(ctx, id, 30, UsageOTC, 1, "")
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = svc.AllocateSpecific(ctx, "missing", 1, UsageOTC, 1, "")
	require.ErrorIs(t, err, ErrBatchNotFound)

	c, err := svc.AllocateSpecific(ctx, id, 10, UsageOTC, 1, "")
	require.NoError(t, err)
	require.InDelta(t, 10, c.Qty, 0.0001)
	require.Equal(t, StatusDepleted, repo.batches[id].Status)
}

func TestReplenishRequiresExpiration(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.Replenish(ctx, StockBatch{
		BranchID: 1, ProductID: 7, BatchNumber: "B-001", UsageType: UsageOTC, OriginalQty: 10,
	}, 1)
	require.ErrorIs(t, err, ErrMissingExpiration)

	created, err := svc.Replenish(ctx, StockBatch{
		BranchID: 1, ProductID: 7, BatchNumber: "B-001", UsageType: UsageOTC, OriginalQty: 10,
		ExpiresAt: datePtr(2026, time.March, 1), SourceType: SourcePurchase, SourceRef: "PO-9",
	}, 1)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.InDelta(t, 10, created.RemainingQty, 0.0001)
	require.Equal(t, StatusActive, created.Status)
}

func TestLedgerSyncedAfterEveryMutation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	seedBatch(repo, 1, 7, "B-001", 10, datePtr(2026, time.January, 1), UsageOTC)
	seedBatch(repo, 1, 7, "B-002", 5, datePtr(2026, time.February, 1), UsageOTC)

	_, err := svc.AllocateFIFO(ctx, AllocationInput{BranchID: 1, ProductID: 7, Qty: 12, UsageType: UsageOTC}, 1, "")
	require.NoError(t, err)

	sum, err := svc.SumRemaining(ctx, 1, 7, nil)
	require.NoError(t, err)
	require.InDelta(t, sum, repo.ledger[Pair{BranchID: 1, ProductID: 7}], 0.0001)
	require.InDelta(t, 3, sum, 0.0001)
}

func TestReturnRestoresOrigin(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	origin := seedBatch(repo, 1, 7, "B-001", 10, datePtr(2026, time.January, 1), UsageOTC)
	repo.batches[origin].RemainingQty = 4 // 6 transferred out earlier

	inbound := seedBatch(repo, 2, 7, "B-001-T", 6, datePtr(2026, time.January, 1), UsageOTC)
	repo.batches[inbound].SourceRef = "TRF-1"
	repo.batches[inbound].OriginBatchID = &origin
	repo.batches[inbound].SourceType = SourceTransferIn

	err := svc.Return(ctx, ReturnInput{
		OriginBatchID: origin,
		FromBranchID:  1,
		ToBranchID:    2,
		ProductID:     7,
		Qty:           6,
		SourceRef:     "TRF-1",
		Reason:        "unused",
	}, 1)
	require.NoError(t, err)

	require.InDelta(t, 10, repo.batches[origin].RemainingQty, 0.0001)
	require.InDelta(t, 0, repo.batches[inbound].RemainingQty, 0.0001)
	require.Equal(t, StatusDepleted, repo.batches[inbound].Status)
}

func TestReturnFallbackWhenOriginGone(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	inbound := seedBatch(repo, 2, 7, "B-001-T", 6, datePtr(2026, time.January, 1), UsageOTC)
	repo.batches[inbound].SourceRef = "TRF-1"
	repo.batches[inbound].SourceType = SourceTransferIn

	err := svc.Return(ctx, ReturnInput{
		OriginBatchID: "gone",
		FromBranchID:  1,
		ToBranchID:    2,
		ProductID:     7,
		Qty:           6,
		SourceRef:     "TRF-1",
	}, 1)
	require.NoError(t, err)

	require.InDelta(t, 0, repo.batches[inbound].RemainingQty, 0.0001)
	sum, _ := svc.SumRemaining(ctx, 1, 7, nil)
	require.InDelta(t, 6, sum, 0.0001)
}

func TestReturnOverfillRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	origin := seedBatch(repo, 1, 7, "B-001", 10, datePtr(2026, time.January, 1), UsageOTC)
	inbound := seedBatch(repo, 2, 7, "B-001-T", 20, datePtr(2026, time.January, 1), UsageOTC)
	repo.batches[inbound].SourceRef = "TRF-1"

	err := svc.Return(ctx, ReturnInput{
		OriginBatchID: origin,
		FromBranchID:  1,
		ToBranchID:    2,
		ProductID:     7,
		Qty:           11,
		SourceRef:     "TRF-1",
	}, 1)
	require.ErrorIs(t, err, ErrOverfill)
	// Atomic group rolled back: the inbound batch is untouched.
	require.InDelta(t, 20, repo.batches[inbound].RemainingQty, 0.0001)
}

func TestMarkExpired(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	past := seedBatch(repo, 1, 7, "B-001", 10, datePtr(2020, time.January, 1), UsageOTC)
	future := seedBatch(repo, 1, 7, "B-002", 10, datePtr(2030, time.January, 1), UsageOTC)

	pairs, err := svc.MarkExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, []Pair{{BranchID: 1, ProductID: 7}}, pairs)
	require.Equal(t, StatusExpired, repo.batches[past].Status)
	require.Equal(t, StatusActive, repo.batches[future].Status)

	// Expired stock no longer counts toward the realtime aggregate.
	require.InDelta(t, 10, repo.ledger[Pair{BranchID: 1, ProductID: 7}], 0.0001)
}

type fakeAuth struct{ ok bool }

func (f fakeAuth) VerifyManagerCode(ctx context.Context, branchID int64, code string) (bool, error) {
	return f.ok, nil
}

func TestForceAdjustRequiresManagerCode(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	id := seedBatch(repo, 1, 7, "B-001", 10, datePtr(2026, time.January, 1), UsageOTC)

	svc := NewService(repo, nil, fakeAuth{ok: false})
	err := svc.ForceAdjust(ctx, id, 5, "0000", 1, "shrinkage")
	require.ErrorIs(t, err, ErrManagerCodeRejected)
	require.InDelta(t, 10, repo.batches[id].RemainingQty, 0.0001)

	svc = NewService(repo, nil, fakeAuth{ok: true})
	require.NoError(t, svc.ForceAdjust(ctx, id, 5, "1234", 1, "shrinkage"))
	require.InDelta(t, 5, repo.batches[id].RemainingQty, 0.0001)
}
