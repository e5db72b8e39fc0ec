package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/purchasing/internal/jobs"
	"github.com/odyssey-erp/purchasing/internal/procurement"
	"github.com/odyssey-erp/purchasing/internal/shared"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type recordingSink struct {
	events []procurement.ReceiptPostedEvent
	err    error
}

func (s *recordingSink) HandleReceiptPosted(ctx context.Context, evt procurement.ReceiptPostedEvent) error {
	s.events = append(s.events, evt)
	return s.err
}

type recordingAudit struct {
	entries []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, entry shared.AuditLog) error {
	a.entries = append(a.entries, entry)
	return nil
}

func sampleEvent() procurement.ReceiptPostedEvent {
	return procurement.ReceiptPostedEvent{
		ReceiptID:       9,
		PurchaseOrderID: 42,
		Number:          "PO-42",
		SupplierID:      7,
		StoreID:         3,
		Stage:           procurement.StageReceived,
		ReceivedAt:      time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Lines: []procurement.ReceiptLineEvent{
			{LineItemID: 4201, ProductID: 500, Quantity: decimal.RequireFromString("100"), UnitCost: decimal.RequireFromString("10.00")},
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReceiptPublisherEnqueuesEvent(t *testing.T) {
	client := &fakeEnqueuer{}
	publisher := NewReceiptPublisher(client)

	require.NoError(t, publisher.HandleReceiptPosted(context.Background(), sampleEvent()))
	require.Len(t, client.tasks, 1)
	assert.Equal(t, TaskReceiptPosted, client.tasks[0].Type())

	var decoded procurement.ReceiptPostedEvent
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &decoded))
	assert.Equal(t, int64(42), decoded.PurchaseOrderID)
	assert.True(t, decoded.Lines[0].Quantity.Equal(decimal.RequireFromString("100")))
}

func TestReceiptPublisherToleratesDuplicateTask(t *testing.T) {
	publisher := NewReceiptPublisher(&fakeEnqueuer{err: asynq.ErrTaskIDConflict})
	require.NoError(t, publisher.HandleReceiptPosted(context.Background(), sampleEvent()))

	publisher = NewReceiptPublisher(&fakeEnqueuer{err: errors.New("redis down")})
	require.Error(t, publisher.HandleReceiptPosted(context.Background(), sampleEvent()))

	_, err := NewReceiptPostedTask(procurement.ReceiptPostedEvent{})
	require.Error(t, err)
}

func TestReceiptPostedJobDeliversToSink(t *testing.T) {
	sink := &recordingSink{}
	job := NewReceiptPostedJob(sink, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewReceiptPostedTask(sampleEvent())
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, sink.events, 1)
	assert.True(t, sink.events[0].Closed())

	sink.err = errors.New("accrual failed")
	require.ErrorIs(t, job.Handle(context.Background(), task), sink.err)
}

func TestReceiptPostedJobSkipsRetryOnBadPayload(t *testing.T) {
	job := NewReceiptPostedJob(&recordingSink{}, discardLogger(), nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskReceiptPosted, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskReceiptPosted, []byte(`{"receipt_id":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAuditTrailRecordsReceipt(t *testing.T) {
	audit := &recordingAudit{}
	require.NoError(t, AuditTrail{Audit: audit}.HandleReceiptPosted(context.Background(), sampleEvent()))
	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, "PO_RECEIPT_POSTED", entry.Action)
	assert.Equal(t, "9", entry.EntityID)
	assert.Equal(t, true, entry.Meta["closed"])
}

type fakePurger struct {
	retention time.Duration
}

func (p *fakePurger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	p.retention = olderThan
	return 3, nil
}

func TestIdempotencyCleanupJob(t *testing.T) {
	purger := &fakePurger{}
	job := &IdempotencyCleanupJob{Store: purger, Logger: discardLogger()}

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 48*time.Hour, purger.retention)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, []byte(`{}`))))
	assert.Equal(t, defaultKeyRetention, purger.retention)
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func TestHealthHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 4}}, discardLogger()).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"default","pending":4,"retry":0,"archived":0}`, rec.Body.String())

	r = chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{err: errors.New("down")}, discardLogger()).MountRoutes)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
