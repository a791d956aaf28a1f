package batch

import (
	"errors"
	"time"
)

// UsageType classifies stock as over-the-counter sale stock or internal
// salon-use stock. Batches of different usage types are never interchangeable
// during allocation.
type UsageType string

const (
	// UsageOTC marks stock sold over the counter.
	UsageOTC UsageType = "OTC"
	// UsageSalon marks stock consumed internally by the salon.
	UsageSalon UsageType = "SALON_USE"
)

// IsValid reports whether the usage type is known.
func (u UsageType) IsValid() bool {
	return u == UsageOTC || u == UsageSalon
}

// Status is the lifecycle state of a batch. Batches are never deleted; a
// fully consumed batch stays on record as DEPLETED for audit and returns.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusDepleted Status = "DEPLETED"
	StatusExpired  Status = "EXPIRED"
)

// SourceType records how a batch entered the branch.
type SourceType string

const (
	// SourcePurchase marks a batch created by receiving a purchase order.
	SourcePurchase SourceType = "PURCHASE"
	// SourceTransferIn marks a batch spawned at the receiving branch of a transfer.
	SourceTransferIn SourceType = "TRANSFER_IN"
)

// StockBatch is one received or transferred-in lot of a product at a branch.
type StockBatch struct {
	ID            string     `json:"id"`
	BranchID      int64      `json:"branch_id"`
	ProductID     int64      `json:"product_id"`
	BatchNumber   string     `json:"batch_number"`
	UsageType     UsageType  `json:"usage_type"`
	OriginalQty   float64    `json:"original_qty"`
	RemainingQty  float64    `json:"remaining_qty"`
	UnitCost      float64    `json:"unit_cost"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
	Status        Status     `json:"status"`
	SourceType    SourceType `json:"source_type"`
	SourceRef     string     `json:"source_ref"`
	OriginBatchID *string    `json:"origin_batch_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Expired reports whether the batch has a known expiration in the past.
func (b StockBatch) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && b.ExpiresAt.Before(now)
}

// Consumption describes how much was taken from one batch during an
// allocation, sufficient for cost and return traceability.
type Consumption struct {
	BatchID       string     `json:"batch_id"`
	BatchNumber   string     `json:"batch_number"`
	Qty           float64    `json:"qty"`
	UnitCost      float64    `json:"unit_cost"`
	UsageType     UsageType  `json:"usage_type"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	OriginBatchID *string    `json:"origin_batch_id,omitempty"`
}

// AllocationInput asks for a FIFO deduction at one branch.
type AllocationInput struct {
	BranchID  int64
	ProductID int64
	Qty       float64
	UsageType UsageType
}

// ReturnInput restores previously transferred stock to its origin. The
// receiving branch's transfer-in batches (matched by SourceRef) are deducted
// in the same atomic group so both branches stay balanced.
type ReturnInput struct {
	OriginBatchID string
	FromBranchID  int64
	ToBranchID    int64
	ProductID     int64
	Qty           float64
	SourceRef     string
	Reason        string
}

// Filter narrows batch listings.
type Filter struct {
	BranchID  int64
	ProductID int64
	UsageType *UsageType
	Status    *Status
	Limit     int
}

var (
	// ErrInsufficientStock indicates the requested quantity exceeds the
	// allocatable remaining quantity. No partial mutation is ever applied.
	ErrInsufficientStock = errors.New("batch: insufficient stock")
	// ErrBatchNotFound indicates the batch does not exist.
	ErrBatchNotFound = errors.New("batch: not found")
	// ErrUsageMismatch indicates the selected batch does not carry the
	// caller's declared usage type.
	ErrUsageMismatch = errors.New("batch: usage type mismatch")
	// ErrMissingExpiration rejects batch creation without an expiration date.
	ErrMissingExpiration = errors.New("batch: expiration date required")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("batch: quantity must be positive")
	// ErrOverfill indicates a return would push a batch beyond its original quantity.
	ErrOverfill = errors.New("batch: return exceeds original quantity")
)
