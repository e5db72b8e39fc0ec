package procurement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/purchasing/internal/inventory"
)

// StockCredit is one stock increase issued for a received line.
type StockCredit struct {
	StoreID    int64
	ProductID  int64
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
	SupplierID int64
	// Reference is a human readable movement code.
	Reference string
	// Key identifies the movement deterministically.
	Key     string
	ActorID int64
}

// StockLedger credits store stock. Implementations must join the transaction carried by ctx.
type StockLedger interface {
	CreditStock(ctx context.Context, credit StockCredit) error
}

// InboundPoster is the inventory operation InventoryLedger delegates to.
type InboundPoster interface {
	PostInbound(ctx context.Context, input inventory.InboundInput) (inventory.StockCardEntry, error)
}

// InventoryLedger adapts the inventory service to StockLedger.
type InventoryLedger struct {
	inventory InboundPoster
}

// NewInventoryLedger wraps an inventory service.
func NewInventoryLedger(inv InboundPoster) *InventoryLedger {
	return &InventoryLedger{inventory: inv}
}

var receiptNamespace = uuid.MustParse("0d6f5a44-2f8e-4a63-8f7d-8d1c0b9e7a25")

// CreditStock posts a supplier to store inbound movement.
func (l *InventoryLedger) CreditStock(ctx context.Context, credit StockCredit) error {
	if l == nil || l.inventory == nil {
		return fmt.Errorf("procurement: inventory ledger not configured")
	}
	source := inventory.Party{}
	if credit.SupplierID > 0 {
		source = inventory.Supplier(credit.SupplierID)
	}
	_, err := l.inventory.PostInbound(ctx, inventory.InboundInput{
		Code:        credit.Reference,
		Source:      source,
		Destination: inventory.Store(credit.StoreID),
		ProductID:   credit.ProductID,
		Qty:         credit.Quantity,
		UnitCost:    credit.UnitCost,
		Note:        fmt.Sprintf("Goods receipt %s", credit.Reference),
		ActorID:     credit.ActorID,
		RefModule:   "PROCUREMENT",
		RefID:       uuid.NewSHA1(receiptNamespace, []byte(credit.Key)).String(),
	})
	return err
}
