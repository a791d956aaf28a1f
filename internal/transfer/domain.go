package transfer

import (
	"errors"
	"time"

	"github.com/branchstock/branchstock/internal/batch"
)

// ============================================================================
// TRANSFER TYPE
// ============================================================================

// Type discriminates the two request variants. A TRANSFER is initiated by the
// sending branch and deducts stock at creation; a BORROW is initiated by the
// requesting branch and deducts nothing until the lender approves.
type Type string

const (
	TypeTransfer Type = "TRANSFER"
	TypeBorrow   Type = "BORROW"
)

// IsValid checks if the type is valid
func (t Type) IsValid() bool {
	return t == TypeTransfer || t == TypeBorrow
}

// ============================================================================
// TRANSFER STATUS
// ============================================================================

// Status represents the lifecycle of a transfer request
type Status string

const (
	StatusPending   Status = "PENDING"    // Created, awaiting movement or approval
	StatusInTransit Status = "IN_TRANSIT" // Stock deducted at sender, not yet received
	StatusCompleted Status = "COMPLETED"  // Receiver confirmed intake
	StatusCancelled Status = "CANCELLED"  // Declined or cancelled before transit
)

// IsValid checks if the status is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInTransit, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanApprove checks if a borrow can be approved in this status
func (s Status) CanApprove() bool {
	return s == StatusPending
}

// CanDecline checks if a borrow can be declined
func (s Status) CanDecline() bool {
	return s == StatusPending
}

// CanCancel checks if the request can be cancelled. Once in transit the stock
// has left the sender, so the request must complete or be reversed through an
// explicit return, never silently cancelled.
func (s Status) CanCancel() bool {
	return s == StatusPending
}

// CanDispatch checks if a transfer can move to in-transit
func (s Status) CanDispatch() bool {
	return s == StatusPending
}

// CanReceive checks if the receiving branch can confirm intake
func (s Status) CanReceive() bool {
	return s == StatusInTransit
}

// CanReturn checks if stock can flow back to the sender
func (s Status) CanReturn() bool {
	return s == StatusCompleted
}

// ============================================================================
// ENTITIES
// ============================================================================

// Request is a stock movement between two branches. Stock always flows from
// FromBranchID to ToBranchID regardless of which side initiated the request.
type Request struct {
	ID           string     `json:"id"`
	Type         Type       `json:"type"`
	FromBranchID int64      `json:"from_branch_id"`
	ToBranchID   int64      `json:"to_branch_id"`
	Status       Status     `json:"status"`
	RequestedBy  int64      `json:"requested_by"`
	ApprovedBy   *int64     `json:"approved_by,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Items        []Item     `json:"items,omitempty"`
}

// Item is one product line on a request. ApprovedQty equals RequestedQty for
// transfers; for borrows it is set per line at approval time and may be lower.
type Item struct {
	ID           string          `json:"id"`
	RequestID    string          `json:"request_id"`
	ProductID    int64           `json:"product_id"`
	UsageType    batch.UsageType `json:"usage_type"`
	RequestedQty float64         `json:"requested_qty"`
	ApprovedQty  float64         `json:"approved_qty"`
	ReturnedQty  float64         `json:"returned_qty"`
	BatchID      *string         `json:"batch_id,omitempty"`
	Consumptions []Consumption   `json:"consumptions,omitempty"`
}

// Consumption records one batch the sender's stock was taken from, kept per
// line for traceability and partial-return accounting.
type Consumption struct {
	ID          string          `json:"id"`
	ItemID      string          `json:"item_id"`
	BatchID     string          `json:"batch_id"`
	BatchNumber string          `json:"batch_number"`
	Qty         float64         `json:"qty"`
	ReturnedQty float64         `json:"returned_qty"`
	UnitCost    float64         `json:"unit_cost"`
	UsageType   batch.UsageType `json:"usage_type"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// ============================================================================
// REQUEST DTOs
// ============================================================================

// LineInput is one requested product line.
type LineInput struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	UsageType batch.UsageType `json:"usage_type" validate:"required"`
	Qty       float64         `json:"qty" validate:"required,gt=0"`
	BatchID   *string         `json:"batch_id,omitempty"`
}

// CreateInput creates a transfer or borrow request.
type CreateInput struct {
	Type           Type        `json:"type"`
	FromBranchID   int64       `json:"from_branch_id" validate:"required,gt=0"`
	ToBranchID     int64       `json:"to_branch_id" validate:"required,gt=0"`
	Reason         string      `json:"reason"`
	Notes          string      `json:"notes"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Lines          []LineInput `json:"lines" validate:"required,min=1,dive"`
}

// ItemApproval is the lender's per-line decision on a borrow.
type ItemApproval struct {
	ItemID string  `json:"item_id" validate:"required"`
	Qty    float64 `json:"qty" validate:"gte=0"`
}

// ItemReturn sends part of a completed transfer back to the origin branch.
type ItemReturn struct {
	ItemID string  `json:"item_id" validate:"required"`
	Qty    float64 `json:"qty" validate:"required,gt=0"`
}

// Filter narrows transfer listings.
type Filter struct {
	BranchID *int64
	Status   *Status
	Type     *Type
	Limit    int
	Offset   int
}

var (
	// ErrNotFound indicates the transfer request does not exist.
	ErrNotFound = errors.New("transfer: request not found")
	// ErrInvalidTransition rejects operations against a request in the wrong
	// status for them.
	ErrInvalidTransition = errors.New("transfer: invalid state transition")
	// ErrWrongBranch rejects operations performed by a branch that does not
	// hold the required role on the request.
	ErrWrongBranch = errors.New("transfer: branch not permitted for this action")
	// ErrNoItemsApproved rejects approvals where every line ends up at zero.
	ErrNoItemsApproved = errors.New("transfer: approval must grant at least one item")
	// ErrUnknownProduct rejects borrow lines for products the requesting or
	// lending branch does not carry.
	ErrUnknownProduct = errors.New("transfer: product not carried by branch")
	// ErrReturnExceeded rejects returns beyond the transferred quantity.
	ErrReturnExceeded = errors.New("transfer: return exceeds transferred quantity")
	// ErrValidation indicates malformed request input.
	ErrValidation = errors.New("transfer: invalid input")
)
