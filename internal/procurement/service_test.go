package procurement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/purchasing/internal/shared"
)

func TestReceiveFullOrderClosesIt(t *testing.T) {
	f := newFixture(Config{})
	po := dispatchedOrder(42, [2]string{"50", "0"})
	f.repo.put(po)
	lineID := po.Items[0].ID

	got, err := f.svc.Receive(context.Background(), 42, ReceiveInput{
		StoreID:   3,
		GRNNumber: "GRN-0001",
		Items:     []ReceiveLine{{LineItemID: lineID, Quantity: dec("50")}},
		ActorID:   9,
	})
	require.NoError(t, err)

	assert.Equal(t, StageReceived, got.Stage)
	assert.True(t, got.Items[0].QuantityReceivedTotal.Equal(dec("50")))
	assert.Equal(t, int64(4), got.Version)

	require.Len(t, f.ledger.credits, 1)
	credit := f.ledger.credits[0]
	assert.Equal(t, int64(3), credit.StoreID)
	assert.Equal(t, int64(500), credit.ProductID)
	assert.True(t, credit.Quantity.Equal(dec("50")))
	assert.True(t, credit.UnitCost.Equal(dec("10.00")))
	assert.Equal(t, int64(7), credit.SupplierID)

	stored := f.repo.order(42)
	assert.Equal(t, StageReceived, stored.Stage)
	assert.True(t, stored.Items[0].QuantityReceivedTotal.Equal(dec("50")))
	assert.Equal(t, 1, f.repo.receiptCount())

	require.Len(t, f.events.events, 1)
	assert.True(t, f.events.events[0].Closed())
	assert.Equal(t, "GRN-0001", f.events.events[0].GRNNumber)
	assert.Equal(t, []string{ReceiptResultClosed}, f.metrics.results)
	assert.Contains(t, f.audit.actions, "PO_RECEIVE")
}

func TestReceivePartialThenComplete(t *testing.T) {
	f := newFixture(Config{})
	po := dispatchedOrder(1, [2]string{"100", "0"})
	f.repo.put(po)
	lineID := po.Items[0].ID
	ctx := context.Background()

	got, err := f.svc.Receive(ctx, 1, ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: lineID, Quantity: dec("60")}}})
	require.NoError(t, err)
	assert.Equal(t, StageDispatched, got.Stage)
	assert.True(t, got.Items[0].QuantityReceivedTotal.Equal(dec("60")))
	assert.False(t, got.Items[0].FullyReceived())

	got, err = f.svc.Receive(ctx, 1, ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: lineID, Quantity: dec("40")}}})
	require.NoError(t, err)
	assert.Equal(t, StageReceived, got.Stage)
	assert.True(t, got.Items[0].QuantityReceivedTotal.Equal(dec("100")))
	assert.True(t, got.Items[0].FullyReceived())

	assert.Equal(t, 2, f.repo.receiptCount())
	assert.Equal(t, []string{ReceiptResultPartial, ReceiptResultClosed}, f.metrics.results)

	_, err = f.svc.Receive(ctx, 1, ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: lineID, Quantity: dec("1")}}})
	require.ErrorIs(t, err, ErrStageViolation)
}

func TestReceiveLastOutstandingLineClosesOrder(t *testing.T) {
	f := newFixture(Config{})
	po := dispatchedOrder(5, [2]string{"10", "10"}, [2]string{"4", "1"})
	f.repo.put(po)

	got, err := f.svc.Receive(context.Background(), 5, ReceiveInput{StoreID: 3, Items: []ReceiveLine{
		{LineItemID: po.Items[0].ID, Quantity: dec("0")},
		{LineItemID: po.Items[1].ID, Quantity: dec("3")},
	}})
	require.NoError(t, err)
	assert.Equal(t, StageReceived, got.Stage)
	require.Len(t, f.ledger.credits, 1, "zero quantity lines are not credited")
}

func TestReceiveOverReceiptRejected(t *testing.T) {
	f := newFixture(Config{})
	po := dispatchedOrder(2, [2]string{"10", "8"})
	f.repo.put(po)

	_, err := f.svc.Receive(context.Background(), 2, ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: po.Items[0].ID, Quantity: dec("5")}}})
	require.ErrorIs(t, err, ErrOverReceipt)
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "items_received.0.quantity_received")

	stored := f.repo.order(2)
	assert.True(t, stored.Items[0].QuantityReceivedTotal.Equal(dec("8")))
	assert.Empty(t, f.ledger.credits)
	assert.Equal(t, []string{ReceiptResultRejected}, f.metrics.results)
}

func TestReceiveOverReceiptClampPolicy(t *testing.T) {
	f := newFixture(Config{OverReceipt: OverReceiptClamp})
	po := dispatchedOrder(2, [2]string{"10", "8"})
	f.repo.put(po)

	got, err := f.svc.Receive(context.Background(), 2, ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: po.Items[0].ID, Quantity: dec("5")}}})
	require.NoError(t, err)
	assert.True(t, got.Items[0].QuantityReceivedTotal.Equal(dec("10")))
	require.Len(t, f.ledger.credits, 1)
	assert.True(t, f.ledger.credits[0].Quantity.Equal(dec("2")))
	assert.Equal(t, StageReceived, got.Stage)
}

func TestReceiveNothingToReceiveLeavesOrderUntouched(t *testing.T) {
	f := newFixture(Config{})
	po := dispatchedOrder(3, [2]string{"10", "0"}, [2]string{"5", "0"})
	f.repo.put(po)
	ctx := context.Background()

	_, err := f.svc.Receive(ctx, 3, ReceiveInput{StoreID: 3, Items: []ReceiveLine{
		{LineItemID: po.Items[0].ID, Quantity: dec("0")},
		{LineItemID: po.Items[1].ID, Quantity: dec("0")},
	}})
	require.ErrorIs(t, err, ErrNothingToReceive)

	_, err = f.svc.Receive(ctx, 3, ReceiveInput{StoreID: 3})
	require.ErrorIs(t, err, ErrNothingToReceive)

	stored := f.repo.order(3)
	for _, item := range stored.Items {
		assert.True(t, item.QuantityReceivedTotal.IsZero())
	}
	assert.Equal(t, int64(3), stored.Version)
	assert.Zero(t, f.ledger.calls)
	assert.Zero(t, f.repo.receiptCount())
}

func TestReceiveAdapterFailureRollsBackEveryLine(t *testing.T) {
	f := newFixture(Config{})
	f.ledger.failOn = 2
	po := dispatchedOrder(4, [2]string{"10", "0"}, [2]string{"20", "0"}, [2]string{"30", "0"})
	f.repo.put(po)

	_, err := f.svc.Receive(context.Background(), 4, ReceiveInput{StoreID: 3, Items: []ReceiveLine{
		{LineItemID: po.Items[0].ID, Quantity: dec("10")},
		{LineItemID: po.Items[1].ID, Quantity: dec("20")},
		{LineItemID: po.Items[2].ID, Quantity: dec("30")},
	}})
	require.ErrorIs(t, err, ErrAdapterFailure)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2, f.ledger.calls)

	stored := f.repo.order(4)
	assert.Equal(t, StageDispatched, stored.Stage)
	for _, item := range stored.Items {
		assert.True(t, item.QuantityReceivedTotal.IsZero(), "line %d must be unchanged", item.ID)
	}
	assert.Zero(t, f.repo.receiptCount())
	assert.Empty(t, f.events.events)
	assert.Equal(t, []string{ReceiptResultFailed}, f.metrics.results)
}

func TestReceiveRequiresDispatchedStage(t *testing.T) {
	f := newFixture(Config{})
	po := dispatchedOrder(6, [2]string{"10", "0"})
	po.Stage = StageApproved
	f.repo.put(po)

	_, err := f.svc.Receive(context.Background(), 6, ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: po.Items[0].ID, Quantity: dec("1")}}})
	var stageErr *StageViolationError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, TransitionReceive, stageErr.Transition)
	assert.Equal(t, StageApproved, stageErr.Current)
	assert.Equal(t, StageDispatched, stageErr.Required)
	assert.Zero(t, f.ledger.calls)

	_, err = f.svc.Receive(context.Background(), 404, ReceiveInput{StoreID: 3})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReceiveStoreRules(t *testing.T) {
	ctx := context.Background()

	f := newFixture(Config{})
	po := dispatchedOrder(7, [2]string{"10", "0"})
	f.repo.put(po)
	items := []ReceiveLine{{LineItemID: po.Items[0].ID, Quantity: dec("1")}}

	_, err := f.svc.Receive(ctx, 7, ReceiveInput{Items: items})
	require.ErrorIs(t, err, ErrMissingStore)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "receiving_store_id")

	_, err = f.svc.Receive(ctx, 7, ReceiveInput{StoreID: 4, Items: items})
	require.ErrorIs(t, err, ErrMissingStore, "inactive store")

	_, err = f.svc.Receive(ctx, 7, ReceiveInput{StoreID: 99, Items: items})
	require.ErrorIs(t, err, ErrMissingStore, "unknown store")

	f.stores.items = nil
	_, err = f.svc.Receive(ctx, 7, ReceiveInput{Items: items})
	require.NoError(t, err)
	require.Len(t, f.ledger.credits, 1)
	assert.Equal(t, po.FacilityID, f.ledger.credits[0].StoreID)
}

func TestReceiveLineValidation(t *testing.T) {
	f := newFixture(Config{})
	po := dispatchedOrder(8, [2]string{"10", "0"}, [2]string{"10", "0"})
	f.repo.put(po)
	ctx := context.Background()

	_, err := f.svc.Receive(ctx, 8, ReceiveInput{StoreID: 3, Items: []ReceiveLine{
		{LineItemID: po.Items[0].ID, Quantity: dec("1")},
		{LineItemID: 123456, Quantity: dec("1")},
	}})
	require.ErrorIs(t, err, ErrUnknownLineItem)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "items_received.1.line_item_id")

	_, err = f.svc.Receive(ctx, 8, ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: po.Items[1].ID, Quantity: dec("-1")}}})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "items_received.0.quantity_received")

	assert.Zero(t, f.ledger.calls)
}

func TestReceiveRetriesPersistenceConflict(t *testing.T) {
	f := newFixture(Config{MaxRetries: 2})
	po := dispatchedOrder(9, [2]string{"10", "0"})
	f.repo.put(po)
	f.repo.conflicts = 1

	got, err := f.svc.Receive(context.Background(), 9, ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: po.Items[0].ID, Quantity: dec("4")}}})
	require.NoError(t, err)
	assert.True(t, got.Items[0].QuantityReceivedTotal.Equal(dec("4")))
	assert.Equal(t, 1, f.repo.receiptCount(), "the failed attempt left nothing behind")

	f = newFixture(Config{MaxRetries: 0})
	f.repo.put(po)
	f.repo.conflicts = 1
	_, err = f.svc.Receive(context.Background(), 9, ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: po.Items[0].ID, Quantity: dec("4")}}})
	require.ErrorIs(t, err, ErrPersistenceConflict)
	assert.True(t, IsRetryable(err))
	assert.True(t, f.repo.order(9).Items[0].QuantityReceivedTotal.IsZero())
	assert.Equal(t, []string{ReceiptResultConflict}, f.metrics.results)
}

func TestConcurrentReceiptsAreSerialised(t *testing.T) {
	f := newFixture(Config{})
	po := dispatchedOrder(10, [2]string{"10", "0"})
	f.repo.put(po)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Receive(context.Background(), 10, ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: po.Items[0].ID, Quantity: dec("6")}}})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrOverReceipt)
	}
	assert.Equal(t, 1, succeeded)
	assert.True(t, f.repo.order(10).Items[0].QuantityReceivedTotal.Equal(dec("6")))
}

func TestReceiveIdempotencyKey(t *testing.T) {
	f := newFixture(Config{})
	f.ledger.failOn = 1
	po := dispatchedOrder(11, [2]string{"10", "0"})
	f.repo.put(po)
	ctx := context.Background()
	input := ReceiveInput{StoreID: 3, IdempotencyKey: "abc", Items: []ReceiveLine{{LineItemID: po.Items[0].ID, Quantity: dec("2")}}}

	_, err := f.svc.Receive(ctx, 11, input)
	require.ErrorIs(t, err, ErrAdapterFailure)

	_, err = f.svc.Receive(ctx, 11, input)
	require.NoError(t, err, "a failed receipt releases its key")

	_, err = f.svc.Receive(ctx, 11, input)
	require.ErrorIs(t, err, ErrDuplicateReceipt)
	assert.True(t, f.repo.order(11).Items[0].QuantityReceivedTotal.Equal(dec("2")))
}

func TestReceiveHonoursDistributedLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := shared.NewLocker(client)

	f := newFixture(Config{LockWait: 30 * time.Millisecond}, func(d *Dependencies) { d.Locker = locker })
	po := dispatchedOrder(12, [2]string{"10", "0"})
	f.repo.put(po)
	ctx := context.Background()
	input := ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: po.Items[0].ID, Quantity: dec("1")}}}

	held, err := locker.Acquire(ctx, shared.ReceiveLockKey(12), time.Minute, 0)
	require.NoError(t, err)
	_, err = f.svc.Receive(ctx, 12, input)
	require.ErrorIs(t, err, ErrPersistenceConflict)
	require.NoError(t, held.Release(ctx))

	_, err = f.svc.Receive(ctx, 12, input)
	require.NoError(t, err)
	assert.False(t, mr.Exists(shared.ReceiveLockKey(12)), "lock released after receipt")
}

func TestLifecycle(t *testing.T) {
	f := newFixture(Config{ApprovalRemarksRequired: true})
	ctx := shared.ContextWithActor(context.Background(), 77)

	po, err := f.svc.Create(ctx, OrderInput{
		SupplierID: 7,
		FacilityID: 1,
		Remarks:    " urgent ",
		Items: []LineInput{
			{ProductID: 500, Quantity: dec("2"), UnitPrice: dec("12.50")},
			{ProductID: 501, Quantity: dec("1"), UnitPrice: dec("5")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StagePending, po.Stage)
	assert.True(t, po.Total.Equal(dec("30")))
	assert.Equal(t, "urgent", po.Remarks)
	assert.NotEmpty(t, po.Number)

	po, err = f.svc.Update(ctx, po.ID, OrderInput{
		SupplierID: 7,
		FacilityID: 1,
		Items:      []LineInput{{ProductID: 500, Quantity: dec("4"), UnitPrice: dec("12.50")}},
	})
	require.NoError(t, err)
	assert.True(t, po.Total.Equal(dec("50")))
	require.Len(t, po.Items, 1)

	_, err = f.svc.Dispatch(ctx, po.ID, 77, DispatchInput{RecipientName: "A", RecipientContact: "B"})
	require.ErrorIs(t, err, ErrStageViolation)

	_, err = f.svc.Approve(ctx, po.ID, 77, "  ")
	require.ErrorIs(t, err, ErrValidation)

	po, err = f.svc.Approve(ctx, po.ID, 77, "within budget")
	require.NoError(t, err)
	assert.Equal(t, StageApproved, po.Stage)
	require.Len(t, f.approvals.logs, 1)
	assert.Equal(t, shared.ApprovalRef(approvalModule, po.ID), f.approvals.logs[0].RefID)

	_, err = f.svc.Update(ctx, po.ID, OrderInput{SupplierID: 7, FacilityID: 1, Items: []LineInput{{ProductID: 1, Quantity: dec("1")}}})
	require.ErrorIs(t, err, ErrStageViolation)
	require.ErrorIs(t, f.svc.Delete(ctx, po.ID, 77), ErrStageViolation)

	_, err = f.svc.Dispatch(ctx, po.ID, 77, DispatchInput{RecipientName: " ", RecipientContact: ""})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "recipient_name")
	assert.Contains(t, verr.Fields, "recipient_contact")

	po, err = f.svc.Dispatch(ctx, po.ID, 77, DispatchInput{RecipientName: "Dock 2", RecipientContact: "+62 811"})
	require.NoError(t, err)
	assert.Equal(t, StageDispatched, po.Stage)
	require.NotNil(t, po.Dispatch)
	assert.Equal(t, "Dock 2", po.Dispatch.RecipientName)

	_, err = f.svc.MarkPaid(ctx, po.ID, 77, "TRX-1")
	require.ErrorIs(t, err, ErrStageViolation)

	po, err = f.svc.Receive(ctx, po.ID, ReceiveInput{StoreID: 3, Items: []ReceiveLine{{LineItemID: po.Items[0].ID, Quantity: dec("4")}}})
	require.NoError(t, err)
	assert.Equal(t, StageReceived, po.Stage)
	assert.Equal(t, int64(77), f.ledger.credits[0].ActorID)

	_, err = f.svc.MarkPaid(ctx, po.ID, 77, "")
	require.ErrorIs(t, err, ErrValidation)
	po, err = f.svc.MarkPaid(ctx, po.ID, 77, "TRX-1")
	require.NoError(t, err)
	assert.Equal(t, StagePaid, po.Stage)
	assert.Equal(t, "TRX-1", po.PaymentReference)

	assert.Equal(t, []string{"PO_CREATE", "PO_UPDATE", "PO_APPROVE", "PO_DISPATCH", "PO_RECEIVE", "PO_PAY"}, f.audit.actions)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(Config{})
	_, err := f.svc.Create(context.Background(), OrderInput{
		Items: []LineInput{
			{ProductID: 0, Quantity: dec("0"), UnitPrice: dec("-1")},
		},
		Document: &Attachment{},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	for _, path := range []string{"supplier_id", "facility_id", "items.0.product_id", "items.0.quantity", "items.0.unit_price", "document.url", "document.filename"} {
		assert.Contains(t, verr.Fields, path)
	}

	_, err = f.svc.Create(context.Background(), OrderInput{SupplierID: 1, FacilityID: 1})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "items")
}

func TestCreateRejectsAmountsBeyondStoredScale(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, OrderInput{SupplierID: 1, FacilityID: 1, Items: []LineInput{{ProductID: 1, Quantity: dec("1.00005"), UnitPrice: dec("10.005")}}})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "items.0.quantity")
	assert.Contains(t, verr.Fields, "items.0.unit_price")

	_, err = f.svc.Create(ctx, OrderInput{SupplierID: 1, FacilityID: 1, Items: []LineInput{{ProductID: 1, Quantity: dec("1"), UnitPrice: dec("10.005")}}})
	require.ErrorIs(t, err, ErrValidation)
	require.NotErrorIs(t, err, ErrInvalidQuantity)
}

func TestCreateTotalFitsStoredScale(t *testing.T) {
	f := newFixture(Config{})
	po, err := f.svc.Create(context.Background(), OrderInput{SupplierID: 1, FacilityID: 1, Items: []LineInput{
		{ProductID: 1, Quantity: dec("1.5555"), UnitPrice: dec("1.11")},
		{ProductID: 2, Quantity: dec("0.0001"), UnitPrice: dec("0.01")},
	}})
	require.NoError(t, err)
	assert.True(t, po.Total.Equal(dec("1.726606")), po.Total.String())
	assert.True(t, po.Total.Equal(po.Total.Round(TotalScale)))

	stored := f.repo.order(po.ID)
	assert.True(t, stored.Total.Equal(po.Total))
}

func TestDeletePendingOnly(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	po, err := f.svc.Create(ctx, OrderInput{SupplierID: 1, FacilityID: 1, Items: []LineInput{{ProductID: 1, Quantity: dec("1"), UnitPrice: dec("1")}}})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, po.ID, 1))
	_, err = f.svc.Get(ctx, po.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReceivingSheet(t *testing.T) {
	f := newFixture(Config{})
	po := dispatchedOrder(13, [2]string{"10", "10"}, [2]string{"8", "3"})
	f.repo.put(po)

	sheet, err := f.svc.ReceivingSheet(context.Background(), 13)
	require.NoError(t, err)
	require.Len(t, sheet.Lines, 2)
	assert.False(t, sheet.Lines[0].Receivable)
	assert.Equal(t, "0", sheet.Lines[0].Remaining)
	assert.True(t, sheet.Lines[1].Receivable)
	assert.Equal(t, "5", sheet.Lines[1].Remaining)
	assert.True(t, sheet.StoreRequired)
	require.Len(t, sheet.Stores, 1)
	assert.Equal(t, int64(3), sheet.Stores[0].ID)

	_, err = f.svc.ReceivingSheet(context.Background(), 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListRejectsUnknownStage(t *testing.T) {
	f := newFixture(Config{})
	f.repo.put(dispatchedOrder(14, [2]string{"1", "0"}))

	_, _, err := f.svc.List(context.Background(), ListFilters{Stage: Stage(9)})
	require.ErrorIs(t, err, ErrValidation)

	items, total, err := f.svc.List(context.Background(), ListFilters{Stage: StageDispatched})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, int64(14), items[0].ID)
}
