package procurement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptLineEvent describes individual line values for integration mapping.
type ReceiptLineEvent struct {
	LineItemID int64           `json:"line_item_id"`
	ProductID  int64           `json:"product_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

// ReceiptPostedEvent is emitted after a receipt commits.
type ReceiptPostedEvent struct {
	ReceiptID       int64              `json:"receipt_id"`
	PurchaseOrderID int64              `json:"purchase_order_id"`
	Number          string             `json:"number"`
	SupplierID      int64              `json:"supplier_id"`
	StoreID         int64              `json:"store_id"`
	GRNNumber       string             `json:"grn_number,omitempty"`
	Stage           Stage              `json:"stage"`
	ReceivedAt      time.Time          `json:"received_at"`
	Lines           []ReceiptLineEvent `json:"lines"`
}

// Closed reports whether the receipt completed the order.
func (e ReceiptPostedEvent) Closed() bool {
	return e.Stage == StageReceived
}

// IntegrationHandler receives procurement domain events for downstream processing.
type IntegrationHandler interface {
	HandleReceiptPosted(ctx context.Context, evt ReceiptPostedEvent) error
}
