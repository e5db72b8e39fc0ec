package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/purchasing/internal/masterdata/stores"
	"github.com/odyssey-erp/purchasing/internal/shared"
)

// Receipt outcomes reported to ReceiptObserver.
const (
	ReceiptResultPartial  = "partial"
	ReceiptResultClosed   = "closed"
	ReceiptResultRejected = "rejected"
	ReceiptResultConflict = "conflict"
	ReceiptResultFailed   = "failed"
)

// Receive applies a goods receipt to a Dispatched order. Line increments, stock credits, the
// receipt record and the stage change commit together or not at all.
func (s *Service) Receive(ctx context.Context, poID int64, input ReceiveInput) (PurchaseOrder, error) {
	if input.ActorID == 0 {
		input.ActorID = shared.ActorFromContext(ctx)
	}
	logger := s.logger.With(slog.Int64("po_id", poID))

	if input.IdempotencyKey != "" && s.idempotency != nil {
		key := receiptIdempotencyKey(poID, input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return PurchaseOrder{}, ErrDuplicateReceipt
			}
			return PurchaseOrder{}, fmt.Errorf("procurement: claim receipt key: %w", err)
		}
		committed := false
		defer func() {
			if committed {
				return
			}
			if err := s.idempotency.Delete(context.WithoutCancel(ctx), key, idempotencyModule); err != nil {
				logger.Warn("release receipt key", slog.Any("error", err))
			}
		}()
		po, err := s.receiveLocked(ctx, logger, poID, input)
		committed = err == nil
		return po, err
	}
	return s.receiveLocked(ctx, logger, poID, input)
}

func (s *Service) receiveLocked(ctx context.Context, logger *slog.Logger, poID int64, input ReceiveInput) (PurchaseOrder, error) {
	if s.locker != nil {
		lock, err := s.locker.Acquire(ctx, shared.ReceiveLockKey(poID), s.cfg.LockTTL, s.cfg.LockWait)
		if err != nil {
			s.observe(ReceiptResultConflict, ReceiptPlan{})
			if errors.Is(err, shared.ErrLockBusy) {
				return PurchaseOrder{}, fmt.Errorf("%w: another receipt is in progress", ErrPersistenceConflict)
			}
			return PurchaseOrder{}, fmt.Errorf("procurement: acquire receipt lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release receipt lock", slog.Any("error", err))
			}
		}()
	}

	var (
		po      PurchaseOrder
		receipt Receipt
		plan    ReceiptPlan
		err     error
	)
	for attempt := 0; ; attempt++ {
		po, receipt, plan, err = s.receiveOnce(ctx, poID, input)
		if err == nil || !errors.Is(err, ErrPersistenceConflict) || attempt >= s.cfg.MaxRetries {
			break
		}
		logger.Warn("receipt conflict, retrying", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	if err != nil {
		s.observe(receiptFailureResult(err), ReceiptPlan{})
		if !errors.Is(err, ErrValidation) && !errors.Is(err, ErrStageViolation) && !errors.Is(err, ErrNotFound) {
			logger.Error("receive failed", slog.Any("error", err))
		}
		return PurchaseOrder{}, err
	}

	result := ReceiptResultPartial
	if po.Stage == StageReceived {
		result = ReceiptResultClosed
	}
	s.observe(result, plan)
	s.recordActorAudit(ctx, input.ActorID, "PO_RECEIVE", po.ID, map[string]any{
		"receipt_id": receipt.ID,
		"store_id":   receipt.StoreID,
		"grn_number": receipt.GRNNumber,
		"quantity":   plan.Quantity().String(),
		"stage":      po.Stage.String(),
	})
	s.publishReceipt(ctx, logger, po, receipt)
	logger.Info("receipt posted", slog.Int64("receipt_id", receipt.ID), slog.String("stage", po.Stage.String()), slog.Int("lines", len(receipt.Lines)))
	return po, nil
}

func (s *Service) receiveOnce(ctx context.Context, poID int64, input ReceiveInput) (PurchaseOrder, Receipt, ReceiptPlan, error) {
	var (
		out     PurchaseOrder
		receipt Receipt
		plan    ReceiptPlan
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.LockPO(ctx, poID)
		if err != nil {
			return err
		}
		if err := Guard(TransitionReceive, po.Stage); err != nil {
			return err
		}
		active, err := s.stores.CountActive(ctx)
		if err != nil {
			return fmt.Errorf("procurement: count stores: %w", err)
		}
		plan, err = PlanReceipt(po, input, PlanOptions{StoresConfigured: active > 0, OverReceipt: s.cfg.OverReceipt})
		if err != nil {
			return err
		}
		if input.StoreID != 0 {
			ok, err := s.stores.Exists(ctx, input.StoreID)
			if err != nil {
				return fmt.Errorf("procurement: lookup store: %w", err)
			}
			if !ok {
				return newValidationError(ErrMissingStore, FieldErrors{"receiving_store_id": "unknown or inactive store"})
			}
		}

		receipt = Receipt{
			PurchaseOrderID: po.ID,
			StoreID:         plan.StoreID,
			GRNNumber:       input.GRNNumber,
			Remarks:         input.Remarks,
			DeliveryNote:    input.DeliveryNote,
			Invoice:         input.Invoice,
			ReceivedBy:      input.ActorID,
			ReceivedAt:      s.now(),
		}
		for _, line := range plan.Lines {
			receipt.Lines = append(receipt.Lines, ReceiptLine{LineItemID: line.LineItemID, ProductID: line.ProductID, Quantity: line.Quantity, UnitCost: line.UnitCost})
		}
		receipt.ID, err = tx.InsertReceipt(ctx, receipt)
		if err != nil {
			return err
		}

		for _, line := range plan.Lines {
			if err := tx.IncrementReceived(ctx, line.LineItemID, line.Quantity); err != nil {
				return err
			}
		}
		for _, line := range plan.Lines {
			credit := StockCredit{
				StoreID:    plan.StoreID,
				ProductID:  line.ProductID,
				Quantity:   line.Quantity,
				UnitCost:   line.UnitCost,
				SupplierID: po.SupplierID,
				Reference:  fmt.Sprintf("RCV-%s-%d-%d", po.Number, receipt.ID, line.LineItemID),
				Key:        fmt.Sprintf("PO:%d:RCPT:%d:LINE:%d", po.ID, receipt.ID, line.LineItemID),
				ActorID:    input.ActorID,
			}
			if err := s.stock.CreditStock(ctx, credit); err != nil {
				return fmt.Errorf("%w: line item %d: %w", ErrAdapterFailure, line.LineItemID, err)
			}
		}

		expected := po.Version
		plan.apply(&po)
		po.UpdatedAt = s.now()
		if err := tx.SavePO(ctx, po, expected); err != nil {
			return err
		}
		po.Version = expected + 1
		out = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, Receipt{}, ReceiptPlan{}, err
	}
	return out, receipt, plan, nil
}

func (s *Service) publishReceipt(ctx context.Context, logger *slog.Logger, po PurchaseOrder, receipt Receipt) {
	if s.events == nil {
		return
	}
	evt := ReceiptPostedEvent{
		ReceiptID:       receipt.ID,
		PurchaseOrderID: po.ID,
		Number:          po.Number,
		SupplierID:      po.SupplierID,
		StoreID:         receipt.StoreID,
		GRNNumber:       receipt.GRNNumber,
		Stage:           po.Stage,
		ReceivedAt:      receipt.ReceivedAt,
	}
	for _, line := range receipt.Lines {
		evt.Lines = append(evt.Lines, ReceiptLineEvent(line))
	}
	if err := s.events.HandleReceiptPosted(ctx, evt); err != nil {
		logger.Error("publish receipt posted", slog.Int64("receipt_id", receipt.ID), slog.Any("error", err))
	}
}

func (s *Service) observe(result string, plan ReceiptPlan) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveReceipt(result, plan.Quantity().InexactFloat64())
}

func receiptFailureResult(err error) string {
	switch {
	case errors.Is(err, ErrPersistenceConflict):
		return ReceiptResultConflict
	case errors.Is(err, ErrValidation), errors.Is(err, ErrStageViolation), errors.Is(err, ErrNotFound):
		return ReceiptResultRejected
	default:
		return ReceiptResultFailed
	}
}

func receiptIdempotencyKey(poID int64, key string) string {
	return "po:" + strconv.FormatInt(poID, 10) + ":" + key
}

// SheetLine is one line of the receiving sheet.
type SheetLine struct {
	LineItem
	Remaining  string `json:"remaining"`
	Receivable bool   `json:"receivable"`
}

// ReceivingSheet is what a receiving clerk needs to fill in a receipt.
type ReceivingSheet struct {
	Order    PurchaseOrder  `json:"order"`
	Lines    []SheetLine    `json:"lines"`
	Stores   []stores.Store `json:"stores"`
	Receipts []Receipt      `json:"receipts"`
	// StoreRequired mirrors the receiving_store_id rule.
	StoreRequired bool `json:"store_required"`
}

// ReceivingSheet loads the order, active stores and prior receipts concurrently. Lines with
// nothing remaining, or on an order that is not Dispatched, are marked non-receivable.
func (s *Service) ReceivingSheet(ctx context.Context, poID int64) (ReceivingSheet, error) {
	var (
		sheet    ReceivingSheet
		po       PurchaseOrder
		active   []stores.Store
		receipts []Receipt
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		po, err = s.Get(gctx, poID)
		return err
	})
	g.Go(func() error {
		var err error
		active, err = s.stores.List(gctx, stores.ListFilters{ActiveOnly: true})
		return err
	})
	g.Go(func() error {
		var err error
		receipts, err = s.repo.ListReceipts(gctx, poID)
		return err
	})
	if err := g.Wait(); err != nil {
		return ReceivingSheet{}, err
	}
	if active == nil {
		active = []stores.Store{}
	}
	if receipts == nil {
		receipts = []Receipt{}
	}
	open := Guard(TransitionReceive, po.Stage) == nil
	sheet.Lines = make([]SheetLine, 0, len(po.Items))
	sheet.Order = po
	sheet.Stores = active
	sheet.Receipts = receipts
	sheet.StoreRequired = len(active) > 0
	for _, item := range po.Items {
		remaining := Remaining(item)
		sheet.Lines = append(sheet.Lines, SheetLine{LineItem: item, Remaining: remaining.String(), Receivable: open && remaining.IsPositive()})
	}
	return sheet, nil
}
