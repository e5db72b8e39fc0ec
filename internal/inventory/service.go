package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/purchasing/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates inventory operations.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	now   func() time.Time
}

// NewService builds Service. audit may be nil.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: func() time.Time { return time.Now().UTC() }}
}

// PostInbound credits a store with stock using moving average costing. It joins the caller's
// transaction when ctx carries one, so a failure rolls back together with the caller's writes.
func (s *Service) PostInbound(ctx context.Context, input InboundInput) (StockCardEntry, error) {
	if !input.Destination.IsStore() {
		return StockCardEntry{}, ErrInvalidDestination
	}
	if input.ProductID == 0 {
		return StockCardEntry{}, ErrProductRequired
	}
	if !input.Qty.IsPositive() {
		return StockCardEntry{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return StockCardEntry{}, ErrInvalidUnitCost
	}
	if input.RefID != "" {
		if _, err := uuid.Parse(input.RefID); err != nil {
			return StockCardEntry{}, fmt.Errorf("inventory: invalid ref id: %w", err)
		}
	}

	now := s.now()
	code := input.Code
	if code == "" {
		code = fmt.Sprintf("INV-%d", now.UnixNano())
	}
	storeID := input.Destination.ID()

	var card StockCardEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		balance, err := tx.GetBalanceForUpdate(ctx, storeID, input.ProductID)
		if err != nil {
			return err
		}
		newQty := balance.Qty.Add(input.Qty)
		totalCost := balance.Qty.Mul(balance.AvgCost).Add(input.Qty.Mul(input.UnitCost))
		newAvg := totalCost.Div(newQty).Round(avgCostPlaces)

		txID, err := tx.InsertTransaction(ctx, Transaction{
			Code:        code,
			Type:        TransactionTypeIn,
			Source:      input.Source,
			Destination: input.Destination,
			RefModule:   input.RefModule,
			RefID:       input.RefID,
			Note:        input.Note,
			PostedAt:    now,
			CreatedBy:   input.ActorID,
		})
		if err != nil {
			return err
		}
		line := TransactionLine{TransactionID: txID, ProductID: input.ProductID, Qty: input.Qty, UnitCost: input.UnitCost}
		if err := tx.InsertTransactionLines(ctx, txID, []TransactionLine{line}); err != nil {
			return err
		}
		balance.Qty = newQty
		balance.AvgCost = newAvg
		if err := tx.UpsertBalance(ctx, balance); err != nil {
			return err
		}
		card = StockCardEntry{
			TxCode:      code,
			TxType:      TransactionTypeIn,
			PostedAt:    now,
			QtyIn:       input.Qty,
			QtyOut:      decimal.Zero,
			BalanceQty:  newQty,
			UnitCost:    input.UnitCost,
			BalanceCost: newAvg,
			Note:        input.Note,
		}
		if err := tx.InsertCardEntry(ctx, card, storeID, input.ProductID, txID); err != nil {
			return err
		}
		if s.audit != nil {
			return s.audit.Record(ctx, shared.AuditLog{
				ActorID:  input.ActorID,
				Action:   "inventory:IN",
				Entity:   "inventory_tx",
				EntityID: code,
				Meta: map[string]any{
					"store_id":   storeID,
					"product_id": input.ProductID,
					"qty":        input.Qty.String(),
					"source":     input.Source.String(),
				},
			})
		}
		return nil
	})
	if err != nil {
		return StockCardEntry{}, err
	}
	return card, nil
}

// GetStockCard lists stock card entries.
func (s *Service) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if filter.StoreID == 0 || filter.ProductID == 0 {
		return nil, fmt.Errorf("inventory: store and product required")
	}
	return s.repo.GetStockCard(ctx, filter)
}
