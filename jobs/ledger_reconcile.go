package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/branchstock/branchstock/internal/jobs"
	"github.com/branchstock/branchstock/internal/ledger"
)

// reconcileConcurrency bounds parallel pair scans so the sweep cannot drain
// the connection pool.
const reconcileConcurrency = 8

// NewLedgerReconcileHandler builds the handler that walks every known
// (branch, product) pair and corrects ledger drift against the batch table.
func NewLedgerReconcileHandler(ledgers *ledger.Service, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track(TaskLedgerReconcile)
		pairs, err := ledgers.Pairs(ctx)
		if err != nil {
			return tracker.End(err)
		}

		var diverged atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(reconcileConcurrency)
		for _, p := range pairs {
			p := p
			g.Go(func() error {
				result, err := ledgers.Reconcile(gctx, p.BranchID, p.ProductID)
				if err != nil {
					return err
				}
				if result.Diverged {
					diverged.Add(1)
					logger.Warn("ledger drift corrected",
						slog.Int64("branch_id", p.BranchID),
						slog.Int64("product_id", p.ProductID),
						slog.Float64("stored", result.Stored),
						slog.Float64("computed", result.Computed))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return tracker.End(err)
		}
		metrics.AddDivergences(int(diverged.Load()))
		logger.Info("ledger reconcile finished",
			slog.Int("pairs", len(pairs)),
			slog.Int64("diverged", diverged.Load()))
		return tracker.End(nil)
	}
}
