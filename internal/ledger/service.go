package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/branchstock/branchstock/internal/shared"
)

// RepositoryPort abstracts ledger persistence.
type RepositoryPort interface {
	GetCurrentEntry(ctx context.Context, branchID, productID int64, at time.Time) (Entry, error)
	GetEntryForPeriod(ctx context.Context, branchID, productID int64, periodStart time.Time) (Entry, error)
	GetNextEntry(ctx context.Context, branchID, productID int64, after time.Time) (Entry, error)
	InsertEntry(ctx context.Context, e Entry) error
	UpdateRealTime(ctx context.Context, entryID string, value float64) error
	SetWeekStock(ctx context.Context, entryID string, week int, count float64) error
	ListHistory(ctx context.Context, branchID, productID int64, limit int) ([]Entry, error)
	// DeliveriesBetween sums purchase intake received during the window.
	DeliveriesBetween(ctx context.Context, branchID, productID int64, from, to time.Time) (float64, error)
	ListPairs(ctx context.Context) ([]Pair, error)
}

// Pair identifies one (branch, product) stock dimension.
type Pair struct {
	BranchID  int64
	ProductID int64
}

// StockSource exposes the batch-side ground truth the ledger reconciles
// against. The ledger only reads from it.
type StockSource interface {
	SumRemaining(ctx context.Context, branchID, productID int64) (float64, error)
}

// Service owns the aggregate stock records.
type Service struct {
	repo    RepositoryPort
	batches StockSource
	cache   *Cache
	audit   shared.ActivityRecorder
}

// NewService builds Service.
func NewService(repo RepositoryPort, batches StockSource, cache *Cache, audit shared.ActivityRecorder) *Service {
	return &Service{repo: repo, batches: batches, cache: cache, audit: audit}
}

// Reconcile recomputes realtime stock from the batch table. Divergence is
// corrected in place and recorded as an activity event, never silently
// dropped and never fatal.
func (s *Service) Reconcile(ctx context.Context, branchID, productID int64) (ReconcileResult, error) {
	entry, err := s.repo.GetCurrentEntry(ctx, branchID, productID, time.Now().UTC())
	if err != nil {
		return ReconcileResult{}, err
	}
	computed, err := s.batches.SumRemaining(ctx, branchID, productID)
	if err != nil {
		return ReconcileResult{}, err
	}
	result := ReconcileResult{
		BranchID:  branchID,
		ProductID: productID,
		Stored:    entry.RealTimeStock,
		Computed:  computed,
		Diverged:  math.Abs(entry.RealTimeStock-computed) > 0.0001,
	}
	if !result.Diverged {
		return result, nil
	}
	if err := s.repo.UpdateRealTime(ctx, entry.ID, computed); err != nil {
		return ReconcileResult{}, err
	}
	_ = s.cache.Invalidate(ctx, branchID, productID)
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.ActivityLog{
			Action:      "ledger:reconcile_divergence",
			Entity:      "stock_ledger_entry",
			EntityID:    entry.ID,
			BranchID:    branchID,
			BeforeState: map[string]any{"realtime_stock": entry.RealTimeStock},
			AfterState:  map[string]any{"realtime_stock": computed},
			Reason:      "ledger diverged from batch sum",
		})
	}
	return result, nil
}

// RecordWeeklyCount stores a manual physical count. It never feeds back into
// realtime stock.
func (s *Service) RecordWeeklyCount(ctx context.Context, branchID, productID int64, week int, count float64, actorID int64) error {
	if week < 1 || week > 4 {
		return ErrInvalidWeek
	}
	entry, err := s.repo.GetCurrentEntry(ctx, branchID, productID, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := s.repo.SetWeekStock(ctx, entry.ID, week, count); err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.ActivityLog{
			Action:      "ledger:weekly_count",
			Entity:      "stock_ledger_entry",
			EntityID:    entry.ID,
			BranchID:    branchID,
			PerformedBy: actorID,
			AfterState:  map[string]any{"week": week, "count": count},
		})
	}
	return nil
}

// CalculateEndingStock resolves the closed-period ending figure: the next
// period's recorded beginning plus deliveries received during the period.
func (s *Service) CalculateEndingStock(ctx context.Context, branchID, productID int64, periodStart, periodEnd time.Time) (EndingStock, error) {
	next, err := s.repo.GetNextEntry(ctx, branchID, productID, periodEnd)
	if err != nil {
		return EndingStock{}, err
	}
	deliveries, err := s.repo.DeliveriesBetween(ctx, branchID, productID, periodStart, periodEnd)
	if err != nil {
		return EndingStock{}, err
	}
	return EndingStock{
		NextPeriodBeginning: next.BeginningStock,
		DeliveriesInPeriod:  deliveries,
		CalculatedEnding:    next.BeginningStock + deliveries,
	}, nil
}

// CurrentStock is the single accessor for "how much stock is there now".
// Fallback order, defined once: realtime figure, then the latest recorded
// weekly count, then the period's beginning stock.
func (s *Service) CurrentStock(ctx context.Context, branchID, productID int64) (float64, error) {
	return s.cache.FetchCurrent(ctx, branchID, productID, func(ctx context.Context) (float64, error) {
		entry, err := s.repo.GetCurrentEntry(ctx, branchID, productID, time.Now().UTC())
		if err != nil {
			return 0, err
		}
		return resolveCurrent(entry), nil
	})
}

func resolveCurrent(e Entry) float64 {
	// A zero realtime figure is treated as not-yet-populated, not as empty
	// stock, so it resolves through the weekly counts and beginning stock.
	// A branch that genuinely sold out therefore reports its latest count
	// until the batch sync writes the aggregate.
	if e.RealTimeStock != 0 {
		return e.RealTimeStock
	}
	for i := len(e.WeekStock) - 1; i >= 0; i-- {
		if e.WeekStock[i] != nil {
			return *e.WeekStock[i]
		}
	}
	return e.BeginningStock
}

// OpenPeriod creates the ledger entry for a new period, seeding beginning
// stock from the batch-side ground truth.
func (s *Service) OpenPeriod(ctx context.Context, branchID, productID int64, periodStart, periodEnd time.Time, minStock float64, actorID int64) (Entry, error) {
	if !periodEnd.After(periodStart) {
		return Entry{}, fmt.Errorf("%w: period end must follow start", ErrPeriodClosed)
	}
	if _, err := s.repo.GetEntryForPeriod(ctx, branchID, productID, periodStart); err == nil {
		return Entry{}, ErrPeriodExists
	}
	beginning, err := s.batches.SumRemaining(ctx, branchID, productID)
	if err != nil {
		return Entry{}, err
	}
	now := time.Now().UTC()
	entry := Entry{
		ID:             uuid.NewString(),
		BranchID:       branchID,
		ProductID:      productID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		BeginningStock: beginning,
		RealTimeStock:  beginning,
		MinStock:       minStock,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.InsertEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.ActivityLog{
			Action:      "ledger:open_period",
			Entity:      "stock_ledger_entry",
			EntityID:    entry.ID,
			BranchID:    branchID,
			PerformedBy: actorID,
			AfterState:  map[string]any{"beginning_stock": beginning, "period_start": periodStart},
		})
	}
	return entry, nil
}

// History lists ledger entries for a pair, newest first.
func (s *Service) History(ctx context.Context, branchID, productID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 24
	}
	return s.repo.ListHistory(ctx, branchID, productID, limit)
}

// Pairs lists every (branch, product) dimension known to the ledger. Used by
// the reconciliation job.
func (s *Service) Pairs(ctx context.Context) ([]Pair, error) {
	return s.repo.ListPairs(ctx)
}
