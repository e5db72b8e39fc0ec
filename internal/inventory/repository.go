package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/purchasing/internal/platform/db"
)

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)
	InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error
	// GetBalanceForUpdate locks the balance row; a missing row yields a zero balance.
	GetBalanceForUpdate(ctx context.Context, storeID, productID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	InsertCardEntry(ctx context.Context, card StockCardEntry, storeID, productID int64, txID int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx runs fn inside the ambient transaction, or a new repeatable-read one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if r == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT tx_code, tx_type, posted_at, qty_in, qty_out, balance_qty, unit_cost, balance_cost, note
FROM inventory_cards
WHERE store_id=$1 AND product_id=$2 AND posted_at BETWEEN COALESCE($3::timestamptz, '-infinity') AND COALESCE($4::timestamptz, 'infinity')
ORDER BY posted_at ASC, id ASC
LIMIT $5`, filter.StoreID, filter.ProductID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cards := []StockCardEntry{}
	for rows.Next() {
		var entry StockCardEntry
		if err := rows.Scan(&entry.TxCode, &entry.TxType, &entry.PostedAt, &entry.QtyIn, &entry.QtyOut, &entry.BalanceQty, &entry.UnitCost, &entry.BalanceCost, &entry.Note); err != nil {
			return nil, err
		}
		cards = append(cards, entry)
	}
	return cards, rows.Err()
}

func (r *txRepository) InsertTransaction(ctx context.Context, tx Transaction) (int64, error) {
	srcType, srcID := tx.Source.columns()
	dstType, dstID := tx.Destination.columns()
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_tx (code, tx_type, src_party_type, src_party_id, dst_party_type, dst_party_id, ref_module, ref_id, note, posted_at, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW()) RETURNING id`,
		tx.Code, string(tx.Type), srcType, srcID, dstType, dstID, tx.RefModule, nullString(tx.RefID), tx.Note, tx.PostedAt, nullInt(tx.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) InsertTransactionLines(ctx context.Context, txID int64, lines []TransactionLine) error {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO inventory_tx_lines (tx_id, product_id, qty, unit_cost) VALUES ($1,$2,$3,$4)`,
			txID, line.ProductID, line.Qty, line.UnitCost)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, storeID, productID int64) (Balance, error) {
	var bal Balance
	err := r.tx.QueryRow(ctx, `SELECT store_id, product_id, qty, avg_cost, updated_at FROM inventory_balances WHERE store_id=$1 AND product_id=$2 FOR UPDATE`, storeID, productID).
		Scan(&bal.StoreID, &bal.ProductID, &bal.Qty, &bal.AvgCost, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{StoreID: storeID, ProductID: productID}, nil
	}
	return bal, err
}

func (r *txRepository) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_balances (store_id, product_id, qty, avg_cost, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (store_id, product_id) DO UPDATE SET qty=EXCLUDED.qty, avg_cost=EXCLUDED.avg_cost, updated_at=NOW()`, balance.StoreID, balance.ProductID, balance.Qty, balance.AvgCost)
	return err
}

func (r *txRepository) InsertCardEntry(ctx context.Context, card StockCardEntry, storeID, productID int64, txID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_cards (store_id, product_id, tx_id, tx_code, tx_type, qty_in, qty_out, balance_qty, unit_cost, balance_cost, posted_at, note)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, storeID, productID, txID, card.TxCode, string(card.TxType), card.QtyIn, card.QtyOut, card.BalanceQty, card.UnitCost, card.BalanceCost, card.PostedAt, card.Note)
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
