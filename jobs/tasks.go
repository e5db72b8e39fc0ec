package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/purchasing/internal/procurement"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReceiptPosted fans a committed goods receipt out to downstream consumers.
	TaskReceiptPosted = "procurement:receipt_posted"
	// TaskIdempotencyCleanup purges expired receipt idempotency keys.
	TaskIdempotencyCleanup = "procurement:idempotency_cleanup"
)

// NewReceiptPostedTask builds the task for evt. The task id is derived from the receipt so
// a re-published event is not queued twice.
func NewReceiptPostedTask(evt procurement.ReceiptPostedEvent) (*asynq.Task, error) {
	if evt.ReceiptID <= 0 {
		return nil, fmt.Errorf("jobs: receipt id required")
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReceiptPosted, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(10),
		asynq.TaskID(fmt.Sprintf("receipt-posted:%d", evt.ReceiptID)),
		asynq.Retention(24*time.Hour),
	), nil
}

// IdempotencyCleanupPayload configures how old a key must be before it is purged.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask builds the periodic cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
