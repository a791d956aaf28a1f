package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBatchExpirySweep flips past-expiry batches and resyncs their
	// ledger pairs.
	TaskBatchExpirySweep = "inventory:expiry_sweep"
	// TaskLedgerReconcile recomputes every ledger realtime figure from the
	// batch table.
	TaskLedgerReconcile = "inventory:ledger_reconcile"
	// TaskIdempotencyCleanup prunes stale idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// SweepPayload carries scheduling metadata for maintenance tasks.
type SweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewExpirySweepTask constructs an Asynq task for the expiry sweep.
func NewExpirySweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBatchExpirySweep, body, asynq.Queue(QueueDefault)), nil
}

// NewLedgerReconcileTask constructs an Asynq task for the full reconcile scan.
func NewLedgerReconcileTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask constructs the key-pruning task.
func NewIdempotencyCleanupTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client}, nil
}

// EnqueueExpirySweep enqueues an immediate expiry sweep.
func (c *Client) EnqueueExpirySweep(ctx context.Context) (*asynq.TaskInfo, error) {
	task, err := NewExpirySweepTask(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// EnqueueLedgerReconcile enqueues an immediate full reconcile scan.
func (c *Client) EnqueueLedgerReconcile(ctx context.Context) (*asynq.TaskInfo, error) {
	task, err := NewLedgerReconcileTask(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
