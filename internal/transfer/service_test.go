package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/branchstock/branchstock/internal/batch"
)

// memStore backs both the transfer and the batch side of the in-memory
// repository so a rolled-back transaction leaves neither half mutated.
type memStore struct {
	batches  map[string]batch.StockBatch
	requests map[string]Request
	ledger   map[batch.Pair]float64
}

func newMemStore() *memStore {
	return &memStore{
		batches:  map[string]batch.StockBatch{},
		requests: map[string]Request{},
		ledger:   map[batch.Pair]float64{},
	}
}

func (s *memStore) clone() *memStore {
	c := newMemStore()
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = cloneRequest(v)
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	return c
}

func cloneRequest(r Request) Request {
	out := r
	out.Items = make([]Item, len(r.Items))
	for i, it := range r.Items {
		copied := it
		copied.Consumptions = append([]Consumption(nil), it.Consumptions...)
		out.Items[i] = copied
	}
	return out
}

type memBatchTx struct {
	store *memStore
}

func (m *memBatchTx) ListActiveForUpdate(ctx context.Context, branchID, productID int64, usage batch.UsageType) ([]batch.StockBatch, error) {
	var out []batch.StockBatch
	for _, b := range m.store.batches {
		if b.BranchID == branchID && b.ProductID == productID && b.UsageType == usage && b.Status == batch.StatusActive {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memBatchTx) ListBySourceForUpdate(ctx context.Context, branchID, productID int64, sourceRef string) ([]batch.StockBatch, error) {
	var out []batch.StockBatch
	for _, b := range m.store.batches {
		if b.BranchID == branchID && b.ProductID == productID && b.SourceRef == sourceRef && b.Status == batch.StatusActive {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memBatchTx) GetForUpdate(ctx context.Context, batchID string) (batch.StockBatch, error) {
	b, ok := m.store.batches[batchID]
	if !ok {
		return batch.StockBatch{}, batch.ErrBatchNotFound
	}
	return b, nil
}

func (m *memBatchTx) UpdateQty(ctx context.Context, batchID string, remaining float64, status batch.Status) error {
	b, ok := m.store.batches[batchID]
	if !ok {
		return batch.ErrBatchNotFound
	}
	b.RemainingQty = remaining
	b.Status = status
	m.store.batches[batchID] = b
	return nil
}

func (m *memBatchTx) Insert(ctx context.Context, b batch.StockBatch) error {
	m.store.batches[b.ID] = b
	return nil
}

func (m *memBatchTx) SyncLedger(ctx context.Context, branchID, productID int64) error {
	var sum float64
	for _, b := range m.store.batches {
		if b.BranchID == branchID && b.ProductID == productID && b.Status == batch.StatusActive {
			sum += b.RemainingQty
		}
	}
	m.store.ledger[batch.Pair{BranchID: branchID, ProductID: productID}] = sum
	return nil
}

func (m *memBatchTx) MarkExpired(ctx context.Context, now time.Time) ([]batch.Pair, error) {
	var pairs []batch.Pair
	for id, b := range m.store.batches {
		if b.Status == batch.StatusActive && b.Expired(now) {
			b.Status = batch.StatusExpired
			m.store.batches[id] = b
			pairs = append(pairs, batch.Pair{BranchID: b.BranchID, ProductID: b.ProductID})
		}
	}
	return pairs, nil
}

type memTx struct {
	store *memStore
}

func (m *memTx) Batches() batch.TxRepository { return &memBatchTx{store: m.store} }

func (m *memTx) InsertRequest(ctx context.Context, r Request) error {
	m.store.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *memTx) InsertItem(ctx context.Context, it Item) error {
	r, ok := m.store.requests[it.RequestID]
	if !ok {
		return ErrNotFound
	}
	stored := it
	stored.Consumptions = nil
	r.Items = append(r.Items, stored)
	m.store.requests[it.RequestID] = r
	return nil
}

func (m *memTx) InsertConsumption(ctx context.Context, c Consumption) error {
	for id, r := range m.store.requests {
		for i := range r.Items {
			if r.Items[i].ID == c.ItemID {
				r.Items[i].Consumptions = append(r.Items[i].Consumptions, c)
				m.store.requests[id] = r
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *memTx) GetRequestForUpdate(ctx context.Context, id string) (Request, error) {
	r, ok := m.store.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *memTx) UpdateStatus(ctx context.Context, id string, status Status, approvedBy *int64, completedAt *time.Time) error {
	r, ok := m.store.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if approvedBy != nil {
		r.ApprovedBy = approvedBy
	}
	if completedAt != nil {
		r.CompletedAt = completedAt
	}
	m.store.requests[id] = r
	return nil
}

func (m *memTx) SetItemApproved(ctx context.Context, itemID string, qty float64) error {
	return m.updateItem(itemID, func(it *Item) { it.ApprovedQty = qty })
}

func (m *memTx) AddItemReturned(ctx context.Context, itemID string, qty float64) error {
	return m.updateItem(itemID, func(it *Item) { it.ReturnedQty += qty })
}

func (m *memTx) AddConsumptionReturned(ctx context.Context, consumptionID string, qty float64) error {
	for id, r := range m.store.requests {
		for i := range r.Items {
			for j := range r.Items[i].Consumptions {
				if r.Items[i].Consumptions[j].ID == consumptionID {
					r.Items[i].Consumptions[j].ReturnedQty += qty
					m.store.requests[id] = r
					return nil
				}
			}
		}
	}
	return ErrNotFound
}

func (m *memTx) updateItem(itemID string, fn func(*Item)) error {
	for id, r := range m.store.requests {
		for i := range r.Items {
			if r.Items[i].ID == itemID {
				fn(&r.Items[i])
				m.store.requests[id] = r
				return nil
			}
		}
	}
	return ErrNotFound
}

type memRepo struct {
	store *memStore
}

func newMemRepo() *memRepo { return &memRepo{store: newMemStore()} }

// WithTx emulates transactional atomicity by restoring a snapshot on error.
func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := m.store.clone()
	if err := fn(ctx, &memTx{store: m.store}); err != nil {
		*m.store = *snapshot
		return err
	}
	return nil
}

func (m *memRepo) GetRequest(ctx context.Context, id string) (Request, error) {
	r, ok := m.store.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *memRepo) List(ctx context.Context, f Filter) ([]Request, error) {
	var out []Request
	for _, r := range m.store.requests {
		out = append(out, cloneRequest(r))
	}
	return out, nil
}

func (m *memRepo) PendingInbox(ctx context.Context, branchID int64) ([]Request, error) {
	var out []Request
	for _, r := range m.store.requests {
		if r.Type == TypeBorrow && r.Status == StatusPending && r.FromBranchID == branchID {
			out = append(out, cloneRequest(r))
		}
	}
	return out, nil
}

type fakeCatalog struct {
	missing map[[2]int64]bool
}

func (f *fakeCatalog) HasProduct(ctx context.Context, branchID, productID int64) (bool, error) {
	if f.missing[[2]int64{branchID, productID}] {
		return false, nil
	}
	return true, nil
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func seedBatch(repo *memRepo, id string, branchID, productID int64, qty float64, expires *time.Time) {
	repo.store.batches[id] = batch.StockBatch{
		ID:           id,
		BranchID:     branchID,
		ProductID:    productID,
		BatchNumber:  id,
		UsageType:    batch.UsageOTC,
		OriginalQty:  qty,
		RemainingQty: qty,
		UnitCost:     5,
		ExpiresAt:    expires,
		Status:       batch.StatusActive,
		SourceType:   batch.SourcePurchase,
		SourceRef:    "PO-1",
	}
}

func newTestService(repo *memRepo) *Service {
	return NewService(repo, &fakeCatalog{}, nil, nil)
}

func TestCreateTransferDeductsImmediately(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 40, datePtr(2026, time.October, 1))
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		Type:         TypeTransfer,
		FromBranchID: 1,
		ToBranchID:   2,
		Lines:        []LineInput{{ProductID: 7, UsageType: batch.UsageOTC, Qty: 15}},
	}, 9)
	require.NoError(t, err)
	require.Equal(t, StatusPending, created.Status)
	require.Len(t, created.Items, 1)
	require.Len(t, created.Items[0].Consumptions, 1)
	require.Equal(t, 15.0, created.Items[0].Consumptions[0].Qty)

	require.Equal(t, 25.0, repo.store.batches["B-001"].RemainingQty)
	require.Equal(t, 25.0, repo.store.ledger[batch.Pair{BranchID: 1, ProductID: 7}])
}

func TestCreateTransferAllOrNothing(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 40, datePtr(2026, time.October, 1))
	seedBatch(repo, "B-002", 1, 8, 5, datePtr(2026, time.October, 1))
	svc := newTestService(repo)

	_, err := svc.Create(context.Background(), CreateInput{
		Type:         TypeTransfer,
		FromBranchID: 1,
		ToBranchID:   2,
		Lines: []LineInput{
			{ProductID: 7, UsageType: batch.UsageOTC, Qty: 15},
			{ProductID: 8, UsageType: batch.UsageOTC, Qty: 10},
		},
	}, 9)
	require.ErrorIs(t, err, batch.ErrInsufficientStock)

	// First line's batch is untouched after the failed second line.
	require.Equal(t, 40.0, repo.store.batches["B-001"].RemainingQty)
	require.Equal(t, 5.0, repo.store.batches["B-002"].RemainingQty)
	require.Empty(t, repo.store.requests)
}

func TestCreateBorrowAllocatesNothing(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 40, datePtr(2026, time.October, 1))
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		Type:         TypeBorrow,
		FromBranchID: 1,
		ToBranchID:   2,
		Lines:        []LineInput{{ProductID: 7, UsageType: batch.UsageOTC, Qty: 50}},
	}, 9)
	require.NoError(t, err)
	require.Equal(t, StatusPending, created.Status)
	require.Empty(t, created.Items[0].Consumptions)
	require.Equal(t, 40.0, repo.store.batches["B-001"].RemainingQty)
}

func TestCreateBorrowRejectsUnknownProduct(t *testing.T) {
	repo := newMemRepo()
	catalog := &fakeCatalog{missing: map[[2]int64]bool{{2, 7}: true}}
	svc := NewService(repo, catalog, nil, nil)

	_, err := svc.Create(context.Background(), CreateInput{
		Type:         TypeBorrow,
		FromBranchID: 1,
		ToBranchID:   2,
		Lines:        []LineInput{{ProductID: 7, UsageType: batch.UsageOTC, Qty: 10}},
	}, 9)
	require.ErrorIs(t, err, ErrUnknownProduct)
}

func createBorrow(t *testing.T, svc *Service, qty float64) Request {
	t.Helper()
	created, err := svc.Create(context.Background(), CreateInput{
		Type:         TypeBorrow,
		FromBranchID: 1,
		ToBranchID:   2,
		Lines:        []LineInput{{ProductID: 7, UsageType: batch.UsageOTC, Qty: qty}},
	}, 9)
	require.NoError(t, err)
	return created
}

func TestBorrowPartialApproval(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 30, datePtr(2026, time.October, 1))
	svc := newTestService(repo)

	created := createBorrow(t, svc, 50)

	approved, err := svc.Approve(context.Background(), created.ID,
		[]ItemApproval{{ItemID: created.Items[0].ID, Qty: 30}}, 1, 11)
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, approved.Status)
	require.Equal(t, 30.0, approved.Items[0].ApprovedQty)

	// The lender's stock dropped by exactly the approved quantity.
	require.Equal(t, 0.0, repo.store.batches["B-001"].RemainingQty)
	require.Equal(t, batch.StatusDepleted, repo.store.batches["B-001"].Status)
}

func TestApproveZeroItemsRejected(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 30, datePtr(2026, time.October, 1))
	svc := newTestService(repo)

	created := createBorrow(t, svc, 10)

	_, err := svc.Approve(context.Background(), created.ID,
		[]ItemApproval{{ItemID: created.Items[0].ID, Qty: 0}}, 1, 11)
	require.ErrorIs(t, err, ErrNoItemsApproved)
	require.Equal(t, 30.0, repo.store.batches["B-001"].RemainingQty)

	stored, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
}

func TestApproveRequiresLendingBranch(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 30, datePtr(2026, time.October, 1))
	svc := newTestService(repo)

	created := createBorrow(t, svc, 10)

	_, err := svc.Approve(context.Background(), created.ID,
		[]ItemApproval{{ItemID: created.Items[0].ID, Qty: 10}}, 2, 11)
	require.ErrorIs(t, err, ErrWrongBranch)
}

func TestDecline(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	created := createBorrow(t, svc, 10)

	declined, err := svc.Decline(context.Background(), created.ID, 1, 11, "out of stock")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, declined.Status)

	// Terminal: a declined borrow cannot be approved afterwards.
	_, err = svc.Approve(context.Background(), created.ID,
		[]ItemApproval{{ItemID: created.Items[0].ID, Qty: 5}}, 1, 11)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelPendingTransferRestoresStock(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 40, datePtr(2026, time.October, 1))
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		Type:         TypeTransfer,
		FromBranchID: 1,
		ToBranchID:   2,
		Lines:        []LineInput{{ProductID: 7, UsageType: batch.UsageOTC, Qty: 15}},
	}, 9)
	require.NoError(t, err)
	require.Equal(t, 25.0, repo.store.batches["B-001"].RemainingQty)

	cancelled, err := svc.Cancel(context.Background(), created.ID, 1, 9, "wrong branch picked")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, 40.0, repo.store.batches["B-001"].RemainingQty)
	require.Equal(t, 40.0, repo.store.ledger[batch.Pair{BranchID: 1, ProductID: 7}])
}

func TestReceiveRequiresInTransit(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 40, datePtr(2026, time.October, 1))
	svc := newTestService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		Type:         TypeTransfer,
		FromBranchID: 1,
		ToBranchID:   2,
		Lines:        []LineInput{{ProductID: 7, UsageType: batch.UsageOTC, Qty: 15}},
	}, 9)
	require.NoError(t, err)

	before := len(repo.store.batches)
	_, err = svc.Receive(context.Background(), created.ID, 2, 12)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Len(t, repo.store.batches, before)
}

func completedTransfer(t *testing.T, svc *Service, repo *memRepo, qty float64) Request {
	t.Helper()
	ctx := context.Background()
	batchID := "B-001"
	created, err := svc.Create(ctx, CreateInput{
		Type:         TypeTransfer,
		FromBranchID: 1,
		ToBranchID:   2,
		Lines:        []LineInput{{ProductID: 7, UsageType: batch.UsageOTC, Qty: qty, BatchID: &batchID}},
	}, 9)
	require.NoError(t, err)
	_, err = svc.Dispatch(ctx, created.ID, 1, 9)
	require.NoError(t, err)
	received, err := svc.Receive(ctx, created.ID, 2, 12)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, received.Status)
	return received
}

func transferInBatches(repo *memRepo, branchID int64, sourceRef string) []batch.StockBatch {
	var out []batch.StockBatch
	for _, b := range repo.store.batches {
		if b.BranchID == branchID && b.SourceRef == sourceRef {
			out = append(out, b)
		}
	}
	return out
}

func TestRoundTripTransferReceiveReturn(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 40, datePtr(2026, time.October, 1))
	svc := newTestService(repo)
	ctx := context.Background()

	received := completedTransfer(t, svc, repo, 15)

	inbound := transferInBatches(repo, 2, received.ID)
	require.Len(t, inbound, 1)
	require.Equal(t, 15.0, inbound[0].RemainingQty)
	require.Equal(t, batch.SourceTransferIn, inbound[0].SourceType)
	require.NotNil(t, inbound[0].OriginBatchID)
	require.Equal(t, "B-001", *inbound[0].OriginBatchID)

	err := svc.Return(ctx, received.ID,
		[]ItemReturn{{ItemID: received.Items[0].ID, Qty: 15}}, 1, 9, "overstock")
	require.NoError(t, err)

	// Sender's origin batch is back to its pre-transfer quantity and the
	// receiver's transfer-in batch is emptied.
	require.Equal(t, 40.0, repo.store.batches["B-001"].RemainingQty)
	inbound = transferInBatches(repo, 2, received.ID)
	require.Equal(t, 0.0, inbound[0].RemainingQty)
	require.Equal(t, batch.StatusDepleted, inbound[0].Status)

	require.Equal(t, 40.0, repo.store.ledger[batch.Pair{BranchID: 1, ProductID: 7}])
	require.Equal(t, 0.0, repo.store.ledger[batch.Pair{BranchID: 2, ProductID: 7}])
}

func TestReturnCumulativeCap(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 40, datePtr(2026, time.October, 1))
	svc := newTestService(repo)
	ctx := context.Background()

	received := completedTransfer(t, svc, repo, 15)
	itemID := received.Items[0].ID

	require.NoError(t, svc.Return(ctx, received.ID, []ItemReturn{{ItemID: itemID, Qty: 10}}, 1, 9, ""))
	require.NoError(t, svc.Return(ctx, received.ID, []ItemReturn{{ItemID: itemID, Qty: 5}}, 1, 9, ""))

	err := svc.Return(ctx, received.ID, []ItemReturn{{ItemID: itemID, Qty: 1}}, 1, 9, "")
	require.ErrorIs(t, err, ErrReturnExceeded)
	require.Equal(t, 40.0, repo.store.batches["B-001"].RemainingQty)
}

func TestReturnOnlyBySendingBranch(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 40, datePtr(2026, time.October, 1))
	svc := newTestService(repo)

	received := completedTransfer(t, svc, repo, 15)

	err := svc.Return(context.Background(), received.ID,
		[]ItemReturn{{ItemID: received.Items[0].ID, Qty: 5}}, 2, 12, "")
	require.ErrorIs(t, err, ErrWrongBranch)
}

type singleUseIdem struct {
	seen map[string]bool
}

func (s *singleUseIdem) CheckAndInsert(ctx context.Context, key, module string) error {
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	if s.seen[key] {
		return errDuplicate
	}
	s.seen[key] = true
	return nil
}

func (s *singleUseIdem) Delete(ctx context.Context, key string) error {
	delete(s.seen, key)
	return nil
}

var errDuplicate = errorString("duplicate")

type errorString string

func (e errorString) Error() string { return string(e) }

func TestCreateIdempotencyKeyRejected(t *testing.T) {
	repo := newMemRepo()
	seedBatch(repo, "B-001", 1, 7, 40, datePtr(2026, time.October, 1))
	svc := NewService(repo, &fakeCatalog{}, &singleUseIdem{}, nil)
	ctx := context.Background()

	in := CreateInput{
		Type:           TypeTransfer,
		FromBranchID:   1,
		ToBranchID:     2,
		IdempotencyKey: "req-123",
		Lines:          []LineInput{{ProductID: 7, UsageType: batch.UsageOTC, Qty: 5}},
	}
	_, err := svc.Create(ctx, in, 9)
	require.NoError(t, err)

	_, err = svc.Create(ctx, in, 9)
	require.ErrorIs(t, err, errDuplicate)
	require.Equal(t, 35.0, repo.store.batches["B-001"].RemainingQty)
}

func TestCreateFailureReleasesIdempotencyKey(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &fakeCatalog{}, &singleUseIdem{}, nil)
	ctx := context.Background()

	in := CreateInput{
		Type:           TypeTransfer,
		FromBranchID:   1,
		ToBranchID:     2,
		IdempotencyKey: "req-777",
		Lines:          []LineInput{{ProductID: 7, UsageType: batch.UsageOTC, Qty: 5}},
	}

	// No stock seeded yet: the create fails without applying anything.
	_, err := svc.Create(ctx, in, 9)
	require.ErrorIs(t, err, batch.ErrInsufficientStock)

	// The same key must be usable again once the cause is resolved.
	seedBatch(repo, "B-001", 1, 7, 40, datePtr(2026, time.October, 1))
	created, err := svc.Create(ctx, in, 9)
	require.NoError(t, err)
	require.Equal(t, StatusPending, created.Status)
	require.Equal(t, 35.0, repo.store.batches["B-001"].RemainingQty)
}
