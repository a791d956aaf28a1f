package ledger

import (
	"errors"
	"time"
)

// Entry is the aggregate, human-facing stock record per (branch, product,
// period). Realtime stock is derived from the batch table; weekly counts are
// manual physical counts and never feed back into it.
type Entry struct {
	ID             string      `json:"id"`
	BranchID       int64       `json:"branch_id"`
	ProductID      int64       `json:"product_id"`
	PeriodStart    time.Time   `json:"period_start"`
	PeriodEnd      time.Time   `json:"period_end"`
	BeginningStock float64     `json:"beginning_stock"`
	WeekStock      [4]*float64 `json:"week_stock"`
	RealTimeStock  float64     `json:"realtime_stock"`
	MinStock       float64     `json:"min_stock"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// CurrentPeriod reports whether the entry covers the given instant.
func (e Entry) CurrentPeriod(now time.Time) bool {
	return !now.Before(e.PeriodStart) && !now.After(e.PeriodEnd)
}

// ReconcileResult describes one reconciliation pass.
type ReconcileResult struct {
	BranchID  int64   `json:"branch_id"`
	ProductID int64   `json:"product_id"`
	Stored    float64 `json:"stored"`
	Computed  float64 `json:"computed"`
	Diverged  bool    `json:"diverged"`
}

// EndingStock is the closed-period figure: the next period's recorded
// beginning plus deliveries received during the period, so manual corrections
// applied between periods are respected over a pure arithmetic rollforward.
type EndingStock struct {
	NextPeriodBeginning float64 `json:"next_period_beginning"`
	DeliveriesInPeriod  float64 `json:"deliveries_in_period"`
	CalculatedEnding    float64 `json:"calculated_ending"`
}

var (
	// ErrEntryNotFound indicates no ledger entry covers the requested pair/period.
	ErrEntryNotFound = errors.New("ledger: entry not found")
	// ErrInvalidWeek rejects week numbers outside 1..4.
	ErrInvalidWeek = errors.New("ledger: week number must be 1..4")
	// ErrPeriodClosed rejects mutations of historical periods other than the
	// terminal week count.
	ErrPeriodClosed = errors.New("ledger: period closed")
	// ErrPeriodExists indicates a period entry already exists for the pair.
	ErrPeriodExists = errors.New("ledger: period already open")
)
