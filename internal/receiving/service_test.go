package receiving

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/branchstock/branchstock/internal/batch"
)

type memStore struct {
	receipts map[string]DeliveryReceipt
	batches  map[string]batch.StockBatch
	ledger   map[batch.Pair]float64
}

func newMemStore() *memStore {
	return &memStore{
		receipts: map[string]DeliveryReceipt{},
		batches:  map[string]batch.StockBatch{},
		ledger:   map[batch.Pair]float64{},
	}
}

func (s *memStore) clone() *memStore {
	c := newMemStore()
	for k, v := range s.receipts {
		copied := v
		copied.Items = append([]ReceiptItem(nil), v.Items...)
		c.receipts[k] = copied
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	return c
}

type memBatchTx struct {
	store *memStore
}

func (m *memBatchTx) ListActiveForUpdate(ctx context.Context, branchID, productID int64, usage batch.UsageType) ([]batch.StockBatch, error) {
	return nil, nil
}

func (m *memBatchTx) ListBySourceForUpdate(ctx context.Context, branchID, productID int64, sourceRef string) ([]batch.StockBatch, error) {
	return nil, nil
}

func (m *memBatchTx) GetForUpdate(ctx context.Context, batchID string) (batch.StockBatch, error) {
	b, ok := m.store.batches[batchID]
	if !ok {
		return batch.StockBatch{}, batch.ErrBatchNotFound
	}
	return b, nil
}

func (m *memBatchTx) UpdateQty(ctx context.Context, batchID string, remaining float64, status batch.Status) error {
	b := m.store.batches[batchID]
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
	return nil, nil
}

type memTx struct {
	store *memStore
}

func (m *memTx) Batches() batch.TxRepository { return &memBatchTx{store: m.store} }

func (m *memTx) InsertReceipt(ctx context.Context, r DeliveryReceipt) error {
	m.store.receipts[r.ID] = r
	return nil
}

func (m *memTx) InsertReceiptItem(ctx context.Context, it ReceiptItem) error {
	r, ok := m.store.receipts[it.ReceiptID]
	if !ok {
		return ErrReceiptNotFound
	}
	r.Items = append(r.Items, it)
	m.store.receipts[it.ReceiptID] = r
	return nil
}

type memRepo struct {
	store *memStore
}

func newMemRepo() *memRepo { return &memRepo{store: newMemStore()} }

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := m.store.clone()
	if err := fn(ctx, &memTx{store: m.store}); err != nil {
		*m.store = *snapshot
		return err
	}
	return nil
}

func (m *memRepo) GetReceipt(ctx context.Context, id string) (DeliveryReceipt, error) {
	r, ok := m.store.receipts[id]
	if !ok {
		return DeliveryReceipt{}, ErrReceiptNotFound
	}
	return r, nil
}

func (m *memRepo) ListReceipts(ctx context.Context, f ReceiptFilter) ([]DeliveryReceipt, error) {
	var out []DeliveryReceipt
	for _, r := range m.store.receipts {
		out = append(out, r)
	}
	return out, nil
}

type fakeOrders struct {
	orders map[string]PurchaseOrder
}

func (f *fakeOrders) GetInTransitOrder(ctx context.Context, orderID string) (PurchaseOrder, error) {
	po, ok := f.orders[orderID]
	if !ok {
		return PurchaseOrder{}, ErrOrderNotFound
	}
	return po, nil
}

type fakeProducts struct {
	shelfLife map[int64]string
}

func (f *fakeProducts) GetProduct(ctx context.Context, productID int64) (ProductInfo, error) {
	return ProductInfo{Name: "Product", ShelfLife: f.shelfLife[productID]}, nil
}

func testOrder() *fakeOrders {
	return &fakeOrders{orders: map[string]PurchaseOrder{
		"PO-100": {
			ID:       "PO-100",
			BranchID: 1,
			Items: []PurchaseOrderItem{
				{ProductID: 7, OrderedQty: 100, UnitPrice: 10},
				{ProductID: 8, OrderedQty: 20, UnitPrice: 4},
			},
		},
	}}
}

func TestReconcileDiscrepancyScenario(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, testOrder(), &fakeProducts{shelfLife: map[int64]string{7: "6 months"}}, nil, nil)

	receivedAt := time.Date(2024, time.August, 31, 0, 0, 0, 0, time.UTC)
	receipt, err := svc.Reconcile(context.Background(), ReconcileInput{
		PurchaseOrderID: "PO-100",
		ReceivedAt:      receivedAt,
		Items: []CheckItem{
			{ProductID: 7, ReceivedQty: 95, Checked: true},
			{ProductID: 8, ReceivedQty: 20, Checked: false},
		},
	}, 9)
	require.NoError(t, err)

	// Only the checked line appears, with its shortfall and reduced payable.
	require.Len(t, receipt.Items, 1)
	require.Equal(t, -5.0, receipt.Items[0].Discrepancy)
	require.Equal(t, 950.0, receipt.TotalPayable)

	// Exactly one batch was created, carrying the shelf-life expiration.
	require.Len(t, repo.store.batches, 1)
	for _, b := range repo.store.batches {
		require.Equal(t, 95.0, b.OriginalQty)
		require.Equal(t, 95.0, b.RemainingQty)
		require.Equal(t, batch.SourcePurchase, b.SourceType)
		require.Equal(t, "PO-100", b.SourceRef)
		require.NotNil(t, b.ExpiresAt)
		require.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), *b.ExpiresAt)
	}
	require.Equal(t, 95.0, repo.store.ledger[batch.Pair{BranchID: 1, ProductID: 7}])
}

func TestReconcileRejectsZeroCheckedItems(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, testOrder(), &fakeProducts{}, nil, nil)

	_, err := svc.Reconcile(context.Background(), ReconcileInput{
		PurchaseOrderID: "PO-100",
		Items: []CheckItem{
			{ProductID: 7, ReceivedQty: 95, Checked: false},
		},
	}, 9)
	require.ErrorIs(t, err, ErrNoItemsChecked)
	require.Empty(t, repo.store.batches)
}

func TestReconcileRejectsUnknownItem(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, testOrder(), &fakeProducts{}, nil, nil)

	_, err := svc.Reconcile(context.Background(), ReconcileInput{
		PurchaseOrderID: "PO-100",
		Items: []CheckItem{
			{ProductID: 7, ReceivedQty: 95, Checked: true},
			{ProductID: 99, ReceivedQty: 5, Checked: true},
		},
	}, 9)
	require.ErrorIs(t, err, ErrUnknownItem)

	// The failed line aborts the whole reconciliation.
	require.Empty(t, repo.store.batches)
	require.Empty(t, repo.store.receipts)
}

func TestReconcileRejectsCheckedWithNothingReceived(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, testOrder(), &fakeProducts{}, nil, nil)

	_, err := svc.Reconcile(context.Background(), ReconcileInput{
		PurchaseOrderID: "PO-100",
		Items: []CheckItem{
			{ProductID: 7, ReceivedQty: 0, Checked: true},
		},
	}, 9)
	require.ErrorIs(t, err, ErrValidation)
}

func TestReconcileUnknownOrder(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, testOrder(), &fakeProducts{}, nil, nil)

	_, err := svc.Reconcile(context.Background(), ReconcileInput{
		PurchaseOrderID: "PO-404",
		Items:           []CheckItem{{ProductID: 7, ReceivedQty: 5, Checked: true}},
	}, 9)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestRenderReceipt(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, testOrder(), &fakeProducts{shelfLife: map[int64]string{7: "6"}}, nil, nil)

	receipt, err := svc.Reconcile(context.Background(), ReconcileInput{
		PurchaseOrderID: "PO-100",
		ReceivedAt:      time.Date(2026, time.May, 2, 10, 0, 0, 0, time.UTC),
		Items:           []CheckItem{{ProductID: 7, ReceivedQty: 95, Checked: true}},
	}, 9)
	require.NoError(t, err)

	text, err := RenderReceipt(receipt)
	require.NoError(t, err)
	require.Contains(t, text, "PO-100")
	require.Contains(t, text, "TOTAL PAYABLE")
	require.Contains(t, text, "950.00")
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

func TestReconcileIdempotencyKeyRejected(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, testOrder(), &fakeProducts{}, &singleUseIdem{}, nil)

	in := ReconcileInput{
		PurchaseOrderID: "PO-100",
		IdempotencyKey:  "rcv-100",
		Items:           []CheckItem{{ProductID: 7, ReceivedQty: 95, Checked: true}},
	}
	_, err := svc.Reconcile(context.Background(), in, 9)
	require.NoError(t, err)

	_, err = svc.Reconcile(context.Background(), in, 9)
	require.ErrorIs(t, err, errDuplicate)
	require.Len(t, repo.store.batches, 1)
}

func TestReconcileFailureReleasesIdempotencyKey(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, testOrder(), &fakeProducts{}, &singleUseIdem{}, nil)

	in := ReconcileInput{
		PurchaseOrderID: "PO-100",
		IdempotencyKey:  "rcv-42",
		Items: []CheckItem{
			{ProductID: 7, ReceivedQty: 95, Checked: true},
			{ProductID: 99, ReceivedQty: 5, Checked: true},
		},
	}
	// A line outside the order rolls back the whole reconciliation.
	_, err := svc.Reconcile(context.Background(), in, 9)
	require.ErrorIs(t, err, ErrUnknownItem)
	require.Empty(t, repo.store.receipts)

	// The same key must be usable again once the input is corrected.
	in.Items = in.Items[:1]
	receipt, err := svc.Reconcile(context.Background(), in, 9)
	require.NoError(t, err)
	require.Len(t, receipt.Items, 1)
	require.Len(t, repo.store.batches, 1)
}
