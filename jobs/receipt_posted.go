package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/purchasing/internal/jobs"
	"github.com/odyssey-erp/purchasing/internal/procurement"
	"github.com/odyssey-erp/purchasing/internal/shared"
)

// Enqueuer is the part of *asynq.Client the publisher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ReceiptPublisher queues receipt events for the worker. It implements
// procurement.IntegrationHandler.
type ReceiptPublisher struct {
	client Enqueuer
}

// NewReceiptPublisher wraps an asynq client.
func NewReceiptPublisher(client Enqueuer) *ReceiptPublisher {
	return &ReceiptPublisher{client: client}
}

// HandleReceiptPosted enqueues evt. A task already queued for the same receipt is not an error.
func (p *ReceiptPublisher) HandleReceiptPosted(ctx context.Context, evt procurement.ReceiptPostedEvent) error {
	if p == nil || p.client == nil {
		return errors.New("jobs: receipt publisher not configured")
	}
	task, err := NewReceiptPostedTask(evt)
	if err != nil {
		return err
	}
	if _, err := p.client.EnqueueContext(ctx, task); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("jobs: enqueue receipt %d: %w", evt.ReceiptID, err)
	}
	return nil
}

// ReceiptPostedJob consumes TaskReceiptPosted and hands the event to Sink.
type ReceiptPostedJob struct {
	Sink    procurement.IntegrationHandler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReceiptPostedJob wires the worker handler.
func NewReceiptPostedJob(sink procurement.IntegrationHandler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReceiptPostedJob {
	return &ReceiptPostedJob{Sink: sink, Logger: logger, Metrics: metrics}
}

// Handle processes one task. Undecodable payloads are not retried.
func (j *ReceiptPostedJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sink == nil {
		return errors.New("receipt posted: handler not configured")
	}
	var evt procurement.ReceiptPostedEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil || evt.ReceiptID <= 0 {
		return fmt.Errorf("receipt posted: bad payload: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskReceiptPosted)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.Int64("receipt_id", evt.ReceiptID), slog.Int64("po_id", evt.PurchaseOrderID))
	if err := j.Sink.HandleReceiptPosted(ctx, evt); err != nil {
		logger.Error("deliver receipt event", slog.Any("error", err))
		return err
	}
	logger.Info("receipt event delivered", slog.Int("lines", len(evt.Lines)), slog.Bool("closed", evt.Closed()))
	return nil
}

func (j *ReceiptPostedJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry shared.AuditLog) error
}

// AuditTrail records delivered receipt events in the audit log. Accrual postings hook in here.
type AuditTrail struct {
	Audit AuditRecorder
}

// HandleReceiptPosted implements procurement.IntegrationHandler.
func (a AuditTrail) HandleReceiptPosted(ctx context.Context, evt procurement.ReceiptPostedEvent) error {
	if a.Audit == nil {
		return errors.New("jobs: audit recorder not configured")
	}
	return a.Audit.Record(ctx, shared.AuditLog{
		Action:   "PO_RECEIPT_POSTED",
		Entity:   "po_receipt",
		EntityID: strconv.FormatInt(evt.ReceiptID, 10),
		Meta: map[string]any{
			"purchase_order_id": evt.PurchaseOrderID,
			"number":            evt.Number,
			"store_id":          evt.StoreID,
			"lines":             len(evt.Lines),
			"closed":            evt.Closed(),
		},
		At: evt.ReceivedAt,
	})
}
