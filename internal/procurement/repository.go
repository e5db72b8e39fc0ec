package procurement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/purchasing/internal/platform/db"
)

// Repository persists procurement data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction. Serialization failures
// and deadlocks surface as ErrPersistenceConflict.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("procurement repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && db.IsConcurrencyFailure(err) {
		return fmt.Errorf("%w: %v", ErrPersistenceConflict, err)
	}
	return err
}

const poColumns = `id, number, supplier_id, facility_id, stage, total, remarks, approval_remarks,
	COALESCE(recipient_name, ''), COALESCE(recipient_contact, ''), COALESCE(dispatch_remarks, ''), dispatch_document, dispatched_at,
	document, COALESCE(payment_reference, ''), version, created_at, updated_at`

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var (
		po           PurchaseOrder
		dispatch     Dispatch
		dispatchedAt *time.Time
	)
	err := row.Scan(&po.ID, &po.Number, &po.SupplierID, &po.FacilityID, &po.Stage, &po.Total, &po.Remarks, &po.ApprovalRemarks,
		&dispatch.RecipientName, &dispatch.RecipientContact, &dispatch.Remarks, &dispatch.Document, &dispatchedAt,
		&po.Document, &po.PaymentReference, &po.Version, &po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	if dispatchedAt != nil {
		dispatch.DispatchedAt = *dispatchedAt
		po.Dispatch = &dispatch
	}
	po.Items = []LineItem{}
	return po, nil
}

func loadItems(ctx context.Context, q db.Querier, poID int64) ([]LineItem, error) {
	rows, err := q.Query(ctx, `SELECT id, po_id, product_id, quantity_ordered, unit_price, quantity_received_total
FROM po_line_items WHERE po_id = $1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (LineItem, error) {
		var item LineItem
		err := row.Scan(&item.ID, &item.PurchaseOrderID, &item.ProductID, &item.QuantityOrdered, &item.UnitPrice, &item.QuantityReceivedTotal)
		return item, err
	})
}

// GetPO returns an order with its items.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	q := db.Conn(ctx, r.pool)
	po, err := scanPO(q.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id = $1`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items, err = loadItems(ctx, q, id)
	return po, err
}

var poSortColumns = map[string]string{
	"number":     "number",
	"created_at": "created_at",
	"total":      "total",
	"stage":      "stage",
}

// ListPOs returns headers only; items are loaded by GetPO.
func (r *Repository) ListPOs(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filters.Stage != 0 {
		where = append(where, "stage = "+arg(int(filters.Stage)))
	}
	if filters.SupplierID != 0 {
		where = append(where, "supplier_id = "+arg(filters.SupplierID))
	}
	if filters.Search != "" {
		p := arg("%" + filters.Search + "%")
		where = append(where, "(number ILIKE "+p+" OR remarks ILIKE "+p+")")
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sortCol, ok := poSortColumns[filters.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(filters.SortDir, "asc") {
		dir = "ASC"
	}
	query := `SELECT ` + poColumns + ` FROM purchase_orders` + cond +
		` ORDER BY ` + sortCol + ` ` + dir + `, id ` + dir +
		` LIMIT ` + arg(filters.Limit) + ` OFFSET ` + arg(filters.Offset)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := []PurchaseOrder{}
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, po)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListReceipts returns the receipts recorded against an order, oldest first.
func (r *Repository) ListReceipts(ctx context.Context, poID int64) ([]Receipt, error) {
	q := db.Conn(ctx, r.pool)
	rows, err := q.Query(ctx, `SELECT id, po_id, store_id, COALESCE(grn_number, ''), COALESCE(remarks, ''), delivery_note, invoice, COALESCE(received_by, 0), received_at
FROM po_receipts WHERE po_id = $1 ORDER BY received_at, id`, poID)
	if err != nil {
		return nil, err
	}
	receipts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Receipt, error) {
		var rc Receipt
		err := row.Scan(&rc.ID, &rc.PurchaseOrderID, &rc.StoreID, &rc.GRNNumber, &rc.Remarks, &rc.DeliveryNote, &rc.Invoice, &rc.ReceivedBy, &rc.ReceivedAt)
		return rc, err
	})
	if err != nil || len(receipts) == 0 {
		return receipts, err
	}

	index := make(map[int64]int, len(receipts))
	for i, rc := range receipts {
		index[rc.ID] = i
	}
	lineRows, err := q.Query(ctx, `SELECT l.receipt_id, l.line_item_id, l.product_id, l.quantity, l.unit_cost
FROM po_receipt_lines l JOIN po_receipts r ON r.id = l.receipt_id
WHERE r.po_id = $1 ORDER BY l.receipt_id, l.line_item_id`, poID)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var (
			receiptID int64
			line      ReceiptLine
		)
		if err := lineRows.Scan(&receiptID, &line.LineItemID, &line.ProductID, &line.Quantity, &line.UnitCost); err != nil {
			return nil, err
		}
		if i, ok := index[receiptID]; ok {
			receipts[i].Lines = append(receipts[i].Lines, line)
		}
	}
	return receipts, lineRows.Err()
}

func (t *txRepository) LockPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanPO(t.tx.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items, err = loadItems(ctx, t.tx, id)
	return po, err
}

func (t *txRepository) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_id, facility_id, stage, total, remarks, approval_remarks, document, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, '', $7, 1, NOW(), NOW()) RETURNING id`,
		po.Number, po.SupplierID, po.FacilityID, int(po.Stage), po.Total, po.Remarks, po.Document).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, newValidationError(ErrValidation, FieldErrors{"number": "already exists"})
	}
	return id, err
}

func (t *txRepository) ReplaceLineItems(ctx context.Context, poID int64, items []LineItem) ([]LineItem, error) {
	if _, err := t.tx.Exec(ctx, `DELETE FROM po_line_items WHERE po_id = $1`, poID); err != nil {
		return nil, err
	}
	out := make([]LineItem, len(items))
	for i, item := range items {
		item.PurchaseOrderID = poID
		if err := t.tx.QueryRow(ctx, `INSERT INTO po_line_items (po_id, product_id, quantity_ordered, unit_price, quantity_received_total)
VALUES ($1, $2, $3, $4, 0) RETURNING id`, poID, item.ProductID, item.QuantityOrdered, item.UnitPrice).Scan(&item.ID); err != nil {
			return nil, err
		}
		item.QuantityReceivedTotal = decimal.Zero
		out[i] = item
	}
	return out, nil
}

func (t *txRepository) SavePO(ctx context.Context, po PurchaseOrder, expectedVersion int64) error {
	var (
		recipientName, recipientContact, dispatchRemarks any
		dispatchDocument                                 *Attachment
		dispatchedAt                                     *time.Time
	)
	if po.Dispatch != nil {
		recipientName, recipientContact, dispatchRemarks = po.Dispatch.RecipientName, po.Dispatch.RecipientContact, po.Dispatch.Remarks
		dispatchDocument = po.Dispatch.Document
		dispatchedAt = &po.Dispatch.DispatchedAt
	}
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET
	number = $3, supplier_id = $4, facility_id = $5, stage = $6, total = $7, remarks = $8, approval_remarks = $9,
	recipient_name = $10, recipient_contact = $11, dispatch_remarks = $12, dispatch_document = $13, dispatched_at = $14,
	document = $15, payment_reference = NULLIF($16, ''), version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $2 AND stage <= $6`,
		po.ID, expectedVersion, po.Number, po.SupplierID, po.FacilityID, int(po.Stage), po.Total, po.Remarks, po.ApprovalRemarks,
		recipientName, recipientContact, dispatchRemarks, dispatchDocument, dispatchedAt,
		po.Document, po.PaymentReference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: purchase order %d version %d", ErrPersistenceConflict, po.ID, expectedVersion)
	}
	return nil
}

func (t *txRepository) IncrementReceived(ctx context.Context, lineID int64, qty decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE po_line_items SET quantity_received_total = quantity_received_total + $2
WHERE id = $1 AND quantity_received_total + $2 <= quantity_ordered`, lineID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: line item %d", ErrPersistenceConflict, lineID)
	}
	return nil
}

func (t *txRepository) InsertReceipt(ctx context.Context, receipt Receipt) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO po_receipts (po_id, store_id, grn_number, remarks, delivery_note, invoice, received_by, received_at)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, 0), $8) RETURNING id`,
		receipt.PurchaseOrderID, receipt.StoreID, receipt.GRNNumber, receipt.Remarks, receipt.DeliveryNote, receipt.Invoice, receipt.ReceivedBy, receipt.ReceivedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, line := range receipt.Lines {
		batch.Queue(`INSERT INTO po_receipt_lines (receipt_id, line_item_id, product_id, quantity, unit_cost) VALUES ($1, $2, $3, $4, $5)`,
			id, line.LineItemID, line.ProductID, line.Quantity, line.UnitCost)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *txRepository) DeletePO(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM purchase_orders WHERE id = $1 AND stage = $2`, id, int(StagePending))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
