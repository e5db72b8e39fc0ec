package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates supported inventory movements.
type TransactionType string

const (
	// TransactionTypeIn represents an inbound movement.
	TransactionTypeIn TransactionType = "IN"
)

// Transaction models the header of inventory transaction.
type Transaction struct {
	ID          int64
	Code        string
	Type        TransactionType
	Source      Party
	Destination Party
	RefModule   string
	RefID       string
	Note        string
	PostedAt    time.Time
	CreatedBy   int64
}

// TransactionLine models each product movement line.
type TransactionLine struct {
	ID            int64
	TransactionID int64
	ProductID     int64
	Qty           decimal.Decimal
	UnitCost      decimal.Decimal
}

// Balance summarises stock held by a store per product.
type Balance struct {
	StoreID   int64
	ProductID int64
	Qty       decimal.Decimal
	AvgCost   decimal.Decimal
	UpdatedAt time.Time
}

// StockCardEntry describes inventory card entry for reports.
type StockCardEntry struct {
	TxCode      string          `json:"tx_code"`
	TxType      TransactionType `json:"tx_type"`
	PostedAt    time.Time       `json:"posted_at"`
	QtyIn       decimal.Decimal `json:"qty_in"`
	QtyOut      decimal.Decimal `json:"qty_out"`
	BalanceQty  decimal.Decimal `json:"balance_qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	BalanceCost decimal.Decimal `json:"balance_cost"`
	Note        string          `json:"note"`
}

// InboundInput is used for GRN posting. Destination must be a store.
type InboundInput struct {
	Code        string
	Source      Party
	Destination Party
	ProductID   int64
	Qty         decimal.Decimal
	UnitCost    decimal.Decimal
	Note        string
	ActorID     int64
	RefModule   string
	RefID       string
}

// StockCardFilter filters card entries.
type StockCardFilter struct {
	StoreID   int64
	ProductID int64
	From      time.Time
	To        time.Time
	Limit     int
}

var (
	// ErrInvalidQuantity indicates invalid qty.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrInvalidUnitCost indicates invalid cost value.
	ErrInvalidUnitCost = errors.New("inventory: unit cost must be >= 0")
	// ErrInvalidDestination is returned when stock is credited to something other than a store.
	ErrInvalidDestination = errors.New("inventory: destination must be a store")
	// ErrProductRequired is returned when a movement has no product.
	ErrProductRequired = errors.New("inventory: product required")
)

// avgCostPlaces bounds the stored precision of moving average cost.
const avgCostPlaces = 6
