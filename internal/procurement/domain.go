package procurement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stage is the purchase order lifecycle position. Wire codes are fixed.
type Stage int

const (
	StagePending Stage = iota + 1
	StageApproved
	StageDispatched
	StageReceived
	StagePaid
)

var stageNames = map[Stage]string{
	StagePending:    "Pending",
	StageApproved:   "Approved",
	StageDispatched: "Dispatched",
	StageReceived:   "Received",
	StagePaid:       "Paid",
}

// IsValid reports whether s is one of the defined stages.
func (s Stage) IsValid() bool {
	_, ok := stageNames[s]
	return ok
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Attachment references a document held by external storage.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MIME     string `json:"mime"`
}

// Dispatch records the hand off of an approved order to the supplier.
type Dispatch struct {
	RecipientName    string      `json:"recipient_name"`
	RecipientContact string      `json:"recipient_contact"`
	Remarks          string      `json:"remarks,omitempty"`
	Document         *Attachment `json:"document,omitempty"`
	DispatchedAt     time.Time   `json:"dispatched_at"`
}

// PurchaseOrder domain model.
type PurchaseOrder struct {
	ID               int64           `json:"id"`
	Number           string          `json:"number"`
	SupplierID       int64           `json:"supplier_id"`
	FacilityID       int64           `json:"facility_id"`
	Stage            Stage           `json:"stage"`
	Total            decimal.Decimal `json:"total"`
	Remarks          string          `json:"remarks,omitempty"`
	ApprovalRemarks  string          `json:"approval_remarks,omitempty"`
	Dispatch         *Dispatch       `json:"dispatch,omitempty"`
	Document         *Attachment     `json:"document,omitempty"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Items            []LineItem      `json:"items"`
}

// LineItem is one ordered product on a purchase order.
type LineItem struct {
	ID                    int64           `json:"id"`
	PurchaseOrderID       int64           `json:"purchase_order_id"`
	ProductID             int64           `json:"product_id"`
	QuantityOrdered       decimal.Decimal `json:"quantity_ordered"`
	UnitPrice             decimal.Decimal `json:"unit_price"`
	QuantityReceivedTotal decimal.Decimal `json:"quantity_received_total"`
}

// Decimal places persisted for each kind of amount. Inputs with more places are rejected.
const (
	QuantityScale int32 = 4
	PriceScale    int32 = 2
	TotalScale          = QuantityScale + PriceScale
)

func fitsScale(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

// Remaining is ordered minus cumulative received quantity. It is the only source of
// truth for how much of a line may still be received.
func Remaining(line LineItem) decimal.Decimal {
	return line.QuantityOrdered.Sub(line.QuantityReceivedTotal)
}

// FullyReceived reports whether nothing remains outstanding on the line.
func (l LineItem) FullyReceived() bool {
	return !Remaining(l).IsPositive()
}

// Subtotal is quantity ordered times unit price.
func (l LineItem) Subtotal() decimal.Decimal {
	return l.QuantityOrdered.Mul(l.UnitPrice)
}

// RecomputeTotal sets Total from the current items. Quantities and prices within their
// scales keep the sum within TotalScale.
func (po *PurchaseOrder) RecomputeTotal() {
	total := decimal.Zero
	for _, item := range po.Items {
		total = total.Add(item.Subtotal())
	}
	po.Total = total
}

// FullyReceived reports whether every line has been received in full.
func (po PurchaseOrder) FullyReceived() bool {
	if len(po.Items) == 0 {
		return false
	}
	for _, item := range po.Items {
		if !item.FullyReceived() {
			return false
		}
	}
	return true
}

// Item returns the line with id, if it belongs to the order.
func (po PurchaseOrder) Item(id int64) (LineItem, int, bool) {
	for i, item := range po.Items {
		if item.ID == id {
			return item, i, true
		}
	}
	return LineItem{}, -1, false
}

// Receipt is the persisted provenance of one goods receipt against an order.
type Receipt struct {
	ID              int64         `json:"id"`
	PurchaseOrderID int64         `json:"purchase_order_id"`
	StoreID         int64         `json:"store_id"`
	GRNNumber       string        `json:"grn_number,omitempty"`
	Remarks         string        `json:"remarks,omitempty"`
	DeliveryNote    *Attachment   `json:"delivery_note,omitempty"`
	Invoice         *Attachment   `json:"invoice,omitempty"`
	ReceivedBy      int64         `json:"received_by,omitempty"`
	ReceivedAt      time.Time     `json:"received_at"`
	Lines           []ReceiptLine `json:"lines"`
}

// ReceiptLine is the quantity of one line item taken in by a receipt.
type ReceiptLine struct {
	LineItemID int64           `json:"line_item_id"`
	ProductID  int64           `json:"product_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

// ListFilters narrows order listings.
type ListFilters struct {
	Stage      Stage
	SupplierID int64
	Search     string
	SortBy     string
	SortDir    string
	Limit      int
	Offset     int
}
