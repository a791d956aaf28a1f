package receiving

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/branchstock/branchstock/internal/batch"
	"github.com/branchstock/branchstock/internal/shared"
)

// OrderPort delivers in-transit purchase orders from the upstream order
// lifecycle. Receiving only ever reads them.
type OrderPort interface {
	GetInTransitOrder(ctx context.Context, orderID string) (PurchaseOrder, error)
}

// ProductPort resolves the product attributes receiving needs.
type ProductPort interface {
	GetProduct(ctx context.Context, productID int64) (ProductInfo, error)
}

// ProductInfo carries the catalog fields used at reconciliation time.
type ProductInfo struct {
	Name      string
	ShelfLife string
}

// IdempotencyPort guards duplicate reconciliations keyed by a client code.
// Delete releases a key whose reconciliation failed so the client can retry.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// TxRepository is the receipt persistence surface bound to one transaction.
// Batches exposes batch creation inside the same transaction so a receipt and
// its inventory intake commit together.
type TxRepository interface {
	InsertReceipt(ctx context.Context, r DeliveryReceipt) error
	InsertReceiptItem(ctx context.Context, it ReceiptItem) error
	Batches() batch.TxRepository
}

// RepositoryPort abstracts receipt persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetReceipt(ctx context.Context, id string) (DeliveryReceipt, error)
	ListReceipts(ctx context.Context, f ReceiptFilter) ([]DeliveryReceipt, error)
}

// Service reconciles deliveries against purchase orders.
type Service struct {
	repo     RepositoryPort
	orders   OrderPort
	products ProductPort
	idem     IdempotencyPort
	audit    shared.ActivityRecorder
}

// NewService builds Service.
func NewService(repo RepositoryPort, orders OrderPort, products ProductPort, idem IdempotencyPort, audit shared.ActivityRecorder) *Service {
	return &Service{repo: repo, orders: orders, products: products, idem: idem, audit: audit}
}

// Reconcile commits the checked portion of a delivery: per checked line it
// records the discrepancy against the ordered quantity, computes the batch
// expiration from the product's shelf life, and creates the intake batch.
// Unchecked lines are excluded from the receipt, from inventory and from the
// payable total. The receipt and every batch commit in one transaction.
func (s *Service) Reconcile(ctx context.Context, in ReconcileInput, actorID int64) (DeliveryReceipt, error) {
	checked := make([]CheckItem, 0, len(in.Items))
	for _, it := range in.Items {
		if it.Checked {
			checked = append(checked, it)
		}
	}
	if len(checked) == 0 {
		return DeliveryReceipt{}, ErrNoItemsChecked
	}
	order, err := s.orders.GetInTransitOrder(ctx, in.PurchaseOrderID)
	if err != nil {
		return DeliveryReceipt{}, err
	}
	ordered := make(map[int64]PurchaseOrderItem, len(order.Items))
	for _, it := range order.Items {
		ordered[it.ProductID] = it
	}

	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	inserted := false
	if s.idem != nil && in.IdempotencyKey != "" {
		if err := s.idem.CheckAndInsert(ctx, in.IdempotencyKey, "receiving"); err != nil {
			return DeliveryReceipt{}, err
		}
		inserted = true
	}

	receipt := DeliveryReceipt{
		ID:              uuid.NewString(),
		PurchaseOrderID: order.ID,
		BranchID:        order.BranchID,
		ReceivedBy:      actorID,
		ReceivedAt:      receivedAt,
		Notes:           in.Notes,
		CreatedAt:       time.Now().UTC(),
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, line := range checked {
			orderLine, ok := ordered[line.ProductID]
			if !ok {
				return fmt.Errorf("%w: product %d", ErrUnknownItem, line.ProductID)
			}
			if line.ReceivedQty <= 0 {
				return fmt.Errorf("%w: checked product %d received nothing", ErrValidation, line.ProductID)
			}
			usage := batch.UsageType(line.UsageType)
			if line.UsageType == "" {
				usage = batch.UsageOTC
			}
			if !usage.IsValid() {
				return fmt.Errorf("%w: unknown usage type %q", ErrValidation, line.UsageType)
			}

			product, err := s.products.GetProduct(ctx, line.ProductID)
			if err != nil {
				return err
			}
			expires := AddMonths(receivedAt, ParseShelfLifeMonths(product.ShelfLife))

			batchNumber := line.BatchNumber
			if batchNumber == "" {
				batchNumber = fmt.Sprintf("%s-%d", order.ID, line.ProductID)
			}
			created, err := batch.ReplenishTx(ctx, tx.Batches(), batch.StockBatch{
				BranchID:    order.BranchID,
				ProductID:   line.ProductID,
				BatchNumber: batchNumber,
				UsageType:   usage,
				OriginalQty: line.ReceivedQty,
				UnitCost:    orderLine.UnitPrice,
				ExpiresAt:   &expires,
				ReceivedAt:  receivedAt,
				SourceType:  batch.SourcePurchase,
				SourceRef:   order.ID,
			})
			if err != nil {
				return fmt.Errorf("product %d: %w", line.ProductID, err)
			}

			item := ReceiptItem{
				ID:          uuid.NewString(),
				ReceiptID:   receipt.ID,
				ProductID:   line.ProductID,
				ProductName: product.Name,
				OrderedQty:  orderLine.OrderedQty,
				ReceivedQty: line.ReceivedQty,
				Discrepancy: line.ReceivedQty - orderLine.OrderedQty,
				UnitPrice:   orderLine.UnitPrice,
				LineTotal:   line.ReceivedQty * orderLine.UnitPrice,
				BatchID:     created.ID,
				ExpiresAt:   created.ExpiresAt,
			}
			receipt.Items = append(receipt.Items, item)
			receipt.TotalPayable += item.LineTotal
		}
		if err := tx.InsertReceipt(ctx, receipt); err != nil {
			return err
		}
		for _, it := range receipt.Items {
			if err := tx.InsertReceiptItem(ctx, it); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Nothing was applied; release the key so the client can retry.
		if inserted {
			_ = s.idem.Delete(ctx, in.IdempotencyKey)
		}
		return DeliveryReceipt{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.ActivityLog{
			Action:      "receiving:reconcile",
			Entity:      "delivery_receipt",
			EntityID:    receipt.ID,
			BranchID:    receipt.BranchID,
			PerformedBy: actorID,
			AfterState: map[string]any{
				"purchase_order_id": order.ID,
				"items":             len(receipt.Items),
				"total_payable":     receipt.TotalPayable,
			},
			Notes: in.Notes,
		})
	}
	return receipt, nil
}

// Receipt loads one receipt with items.
func (s *Service) Receipt(ctx context.Context, id string) (DeliveryReceipt, error) {
	return s.repo.GetReceipt(ctx, id)
}

// Receipts lists receipts for a branch and date range.
func (s *Service) Receipts(ctx context.Context, f ReceiptFilter) ([]DeliveryReceipt, error) {
	return s.repo.ListReceipts(ctx, f)
}
