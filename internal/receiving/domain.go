package receiving

import (
	"errors"
	"time"
)

// PurchaseOrder is the upstream order this package consumes once the order
// lifecycle marks it in transit. Only the fields receiving needs are carried.
type PurchaseOrder struct {
	ID       string              `json:"id"`
	BranchID int64               `json:"branch_id"`
	Items    []PurchaseOrderItem `json:"items"`
}

// PurchaseOrderItem is one ordered line.
type PurchaseOrderItem struct {
	ProductID  int64   `json:"product_id"`
	OrderedQty float64 `json:"ordered_qty"`
	UnitPrice  float64 `json:"unit_price"`
}

// DeliveryReceipt is the reconciliation outcome of one delivery. Only checked
// items appear on it; unchecked lines never reach inventory or payables.
type DeliveryReceipt struct {
	ID              string        `json:"id"`
	PurchaseOrderID string        `json:"purchase_order_id"`
	BranchID        int64         `json:"branch_id"`
	ReceivedBy      int64         `json:"received_by"`
	ReceivedAt      time.Time     `json:"received_at"`
	TotalPayable    float64       `json:"total_payable"`
	Notes           string        `json:"notes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	Items           []ReceiptItem `json:"items,omitempty"`
}

// ReceiptItem is one checked line with its discrepancy and the batch it
// produced.
type ReceiptItem struct {
	ID          string     `json:"id"`
	ReceiptID   string     `json:"receipt_id"`
	ProductID   int64      `json:"product_id"`
	ProductName string     `json:"product_name"`
	OrderedQty  float64    `json:"ordered_qty"`
	ReceivedQty float64    `json:"received_qty"`
	Discrepancy float64    `json:"discrepancy"`
	UnitPrice   float64    `json:"unit_price"`
	LineTotal   float64    `json:"line_total"`
	BatchID     string     `json:"batch_id"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// CheckItem is the operator's per-line verdict during reconciliation.
type CheckItem struct {
	ProductID   int64   `json:"product_id" validate:"required,gt=0"`
	ReceivedQty float64 `json:"received_qty" validate:"gte=0"`
	Checked     bool    `json:"checked"`
	BatchNumber string  `json:"batch_number"`
	UsageType   string  `json:"usage_type"`
}

// ReconcileInput reconciles one in-transit purchase order.
type ReconcileInput struct {
	PurchaseOrderID string      `json:"purchase_order_id" validate:"required"`
	ReceivedAt      time.Time   `json:"received_at"`
	Notes           string      `json:"notes"`
	IdempotencyKey  string      `json:"idempotency_key,omitempty"`
	Items           []CheckItem `json:"items" validate:"required,min=1,dive"`
}

// ReceiptFilter narrows receipt listings.
type ReceiptFilter struct {
	BranchID *int64
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

var (
	// ErrOrderNotFound indicates no in-transit purchase order matches.
	ErrOrderNotFound = errors.New("receiving: purchase order not found")
	// ErrReceiptNotFound indicates the receipt does not exist.
	ErrReceiptNotFound = errors.New("receiving: receipt not found")
	// ErrNoItemsChecked rejects reconciliations where nothing was verified.
	// A reconciliation must move at least one unit or it is rejected.
	ErrNoItemsChecked = errors.New("receiving: no items checked")
	// ErrUnknownItem rejects checked lines absent from the purchase order.
	ErrUnknownItem = errors.New("receiving: item not on purchase order")
	// ErrValidation indicates malformed reconciliation input.
	ErrValidation = errors.New("receiving: invalid input")
)
