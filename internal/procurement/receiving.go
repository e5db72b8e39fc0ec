package procurement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OverReceiptPolicy decides what happens when a line asks for more than remains.
type OverReceiptPolicy string

const (
	// OverReceiptReject fails the whole receipt with ErrOverReceipt.
	OverReceiptReject OverReceiptPolicy = "reject"
	// OverReceiptClamp reduces the line to its remaining quantity.
	OverReceiptClamp OverReceiptPolicy = "clamp"
)

// ReceiveInput is a proposed goods receipt.
type ReceiveInput struct {
	StoreID        int64
	GRNNumber      string
	Remarks        string
	DeliveryNote   *Attachment
	Invoice        *Attachment
	Items          []ReceiveLine
	ActorID        int64
	IdempotencyKey string
}

// ReceiveLine asks to take in Quantity of one line item.
type ReceiveLine struct {
	LineItemID int64
	Quantity   decimal.Decimal
}

// PlanOptions carries the environment PlanReceipt checks against.
type PlanOptions struct {
	// StoresConfigured is true when at least one active store exists.
	StoresConfigured bool
	OverReceipt      OverReceiptPolicy
}

// PlannedLine is a positive quantity to apply to one line item.
type PlannedLine struct {
	LineItemID int64
	ProductID  int64
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
}

// ReceiptPlan is a validated receipt ready to apply.
type ReceiptPlan struct {
	StoreID int64
	Lines   []PlannedLine
	// Closes is true when applying the plan receives every line in full.
	Closes bool
}

// Quantity returns the total quantity across planned lines.
func (p ReceiptPlan) Quantity() decimal.Decimal {
	total := decimal.Zero
	for _, line := range p.Lines {
		total = total.Add(line.Quantity)
	}
	return total
}

// PlanReceipt validates input against order without side effects. Zero quantity lines are
// accepted and ignored. Repeated line item ids are accumulated before comparing against the
// remaining quantity. When no stores are configured and none is given, the order's facility
// is used as the destination.
func PlanReceipt(order PurchaseOrder, input ReceiveInput, opts PlanOptions) (ReceiptPlan, error) {
	if err := Guard(TransitionReceive, order.Stage); err != nil {
		return ReceiptPlan{}, err
	}

	var kind error
	fields := FieldErrors{}
	fail := func(k error, path, msg string) {
		if kind == nil {
			kind = k
		}
		fields.Add(path, msg)
	}

	requested := make(map[int64]decimal.Decimal, len(input.Items))
	ids := make([]int64, 0, len(input.Items))
	for i, line := range input.Items {
		item, _, ok := order.Item(line.LineItemID)
		if !ok {
			fail(ErrUnknownLineItem, ReceivedItemPath(i, "line_item_id"), fmt.Sprintf("line item %d is not part of purchase order %d", line.LineItemID, order.ID))
			continue
		}
		if line.Quantity.IsNegative() {
			fail(ErrInvalidQuantity, ReceivedItemPath(i, "quantity_received"), "must not be negative")
			continue
		}
		if !fitsScale(line.Quantity, QuantityScale) {
			fail(ErrInvalidQuantity, ReceivedItemPath(i, "quantity_received"), fmt.Sprintf("must have at most %d decimal places", QuantityScale))
			continue
		}
		if line.Quantity.IsZero() {
			continue
		}
		remaining := Remaining(item)
		already, seen := requested[item.ID]
		want := already.Add(line.Quantity)
		if want.GreaterThan(remaining) {
			if opts.OverReceipt != OverReceiptClamp {
				fail(ErrOverReceipt, ReceivedItemPath(i, "quantity_received"), fmt.Sprintf("must not exceed remaining quantity %s", remaining.Sub(already)))
				continue
			}
			want = remaining
		}
		if !seen {
			ids = append(ids, item.ID)
		}
		requested[item.ID] = want
	}
	if kind != nil {
		return ReceiptPlan{}, newValidationError(kind, fields)
	}

	plan := ReceiptPlan{StoreID: input.StoreID}
	for _, id := range ids {
		qty := requested[id]
		if !qty.IsPositive() {
			continue
		}
		item, _, _ := order.Item(id)
		plan.Lines = append(plan.Lines, PlannedLine{LineItemID: id, ProductID: item.ProductID, Quantity: qty, UnitCost: item.UnitPrice})
	}
	if len(plan.Lines) == 0 {
		return ReceiptPlan{}, newValidationError(ErrNothingToReceive, FieldErrors{"items_received": "at least one line must have a positive quantity"})
	}

	if plan.StoreID == 0 {
		if opts.StoresConfigured {
			return ReceiptPlan{}, newValidationError(ErrMissingStore, FieldErrors{"receiving_store_id": "is required"})
		}
		plan.StoreID = order.FacilityID
	}

	plan.Closes = true
	for _, item := range order.Items {
		if Remaining(item).Sub(requested[item.ID]).IsPositive() {
			plan.Closes = false
			break
		}
	}
	return plan, nil
}

// apply adds the plan's quantities to the order's lines and advances the stage when the
// order is fully received.
func (p ReceiptPlan) apply(order *PurchaseOrder) {
	for _, line := range p.Lines {
		if _, idx, ok := order.Item(line.LineItemID); ok {
			order.Items[idx].QuantityReceivedTotal = order.Items[idx].QuantityReceivedTotal.Add(line.Quantity)
		}
	}
	if order.FullyReceived() {
		order.Stage = StageReceived
	}
}
