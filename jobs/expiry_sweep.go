package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/branchstock/branchstock/internal/batch"
	jobmetrics "github.com/branchstock/branchstock/internal/jobs"
	"github.com/branchstock/branchstock/internal/ledger"
)

// NewExpirySweepHandler builds the handler that expires past-date batches.
// Expired batches drop out of the active set, so the sweep resyncs the ledger
// pair inside the same transaction and then drops the cached figure.
func NewExpirySweepHandler(batches *batch.Service, cache *ledger.Cache, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track(TaskBatchExpirySweep)
		pairs, err := batches.MarkExpired(ctx, time.Now().UTC())
		if err != nil {
			return tracker.End(err)
		}
		for _, p := range pairs {
			_ = cache.Invalidate(ctx, p.BranchID, p.ProductID)
		}
		metrics.AddExpired(len(pairs))
		logger.Info("expiry sweep finished",
			slog.Int("pairs_affected", len(pairs)),
			slog.Time("scheduled_for", payload.ScheduledFor))
		return tracker.End(nil)
	}
}
