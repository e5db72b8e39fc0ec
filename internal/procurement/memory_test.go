package procurement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/purchasing/internal/masterdata/stores"
	"github.com/odyssey-erp/purchasing/internal/shared"
)

// memoryRepo applies a transaction's writes only when its callback succeeds. The mutex
// serialises transactions the way the row lock does in PostgreSQL.
type memoryRepo struct {
	mu        sync.Mutex
	orders    map[int64]PurchaseOrder
	receipts  []Receipt
	nextID    int64
	conflicts int
}

type memoryTx struct {
	repo     *memoryRepo
	orders   map[int64]PurchaseOrder
	receipts []Receipt
	nextID   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{orders: make(map[int64]PurchaseOrder), nextID: 1000}
}

func cloneOrder(po PurchaseOrder) PurchaseOrder {
	po.Items = append([]LineItem(nil), po.Items...)
	return po
}

func (r *memoryRepo) put(po PurchaseOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[po.ID] = cloneOrder(po)
}

func (r *memoryRepo) order(id int64) PurchaseOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneOrder(r.orders[id])
}

func (r *memoryRepo) receiptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.receipts)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, orders: make(map[int64]PurchaseOrder, len(r.orders)), receipts: append([]Receipt(nil), r.receipts...), nextID: r.nextID}
	for id, po := range r.orders {
		tx.orders[id] = cloneOrder(po)
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.orders, r.receipts, r.nextID = tx.orders, tx.receipts, tx.nextID
	return nil
}

func (r *memoryRepo) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.orders[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return cloneOrder(po), nil
}

func (r *memoryRepo) ListPOs(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PurchaseOrder
	for _, po := range r.orders {
		if filters.Stage != 0 && po.Stage != filters.Stage {
			continue
		}
		if filters.SupplierID != 0 && po.SupplierID != filters.SupplierID {
			continue
		}
		out = append(out, cloneOrder(po))
	}
	return out, len(out), nil
}

func (r *memoryRepo) ListReceipts(ctx context.Context, poID int64) ([]Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Receipt
	for _, rc := range r.receipts {
		if rc.PurchaseOrderID == poID {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (t *memoryTx) LockPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, ok := t.orders[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return cloneOrder(po), nil
}

func (t *memoryTx) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	t.nextID++
	po.ID = t.nextID
	po.Items = nil
	t.orders[po.ID] = po
	return po.ID, nil
}

func (t *memoryTx) ReplaceLineItems(ctx context.Context, poID int64, items []LineItem) ([]LineItem, error) {
	po, ok := t.orders[poID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]LineItem, len(items))
	for i, item := range items {
		t.nextID++
		item.ID = t.nextID
		item.PurchaseOrderID = poID
		item.QuantityReceivedTotal = decimal.Zero
		out[i] = item
	}
	po.Items = append([]LineItem(nil), out...)
	t.orders[poID] = po
	return out, nil
}

func (t *memoryTx) SavePO(ctx context.Context, po PurchaseOrder, expectedVersion int64) error {
	if t.repo.conflicts > 0 {
		t.repo.conflicts--
		return fmt.Errorf("%w: simulated", ErrPersistenceConflict)
	}
	stored, ok := t.orders[po.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion || po.Stage < stored.Stage {
		return ErrPersistenceConflict
	}
	items := stored.Items
	stored = po
	stored.Items = items
	stored.Version = expectedVersion + 1
	t.orders[po.ID] = stored
	return nil
}

func (t *memoryTx) IncrementReceived(ctx context.Context, lineID int64, qty decimal.Decimal) error {
	for id, po := range t.orders {
		for i, item := range po.Items {
			if item.ID != lineID {
				continue
			}
			next := item.QuantityReceivedTotal.Add(qty)
			if next.GreaterThan(item.QuantityOrdered) {
				return ErrPersistenceConflict
			}
			po.Items[i].QuantityReceivedTotal = next
			t.orders[id] = po
			return nil
		}
	}
	return ErrPersistenceConflict
}

func (t *memoryTx) InsertReceipt(ctx context.Context, receipt Receipt) (int64, error) {
	t.nextID++
	receipt.ID = t.nextID
	t.receipts = append(t.receipts, receipt)
	return receipt.ID, nil
}

func (t *memoryTx) DeletePO(ctx context.Context, id int64) error {
	delete(t.orders, id)
	return nil
}

type fakeLedger struct {
	mu      sync.Mutex
	credits []StockCredit
	calls   int
	failOn  int
}

func (l *fakeLedger) CreditStock(ctx context.Context, credit StockCredit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failOn > 0 && l.calls == l.failOn {
		return errors.New("ledger offline")
	}
	l.credits = append(l.credits, credit)
	return nil
}

type fakeStores struct {
	items []stores.Store
	err   error
}

func (f *fakeStores) List(ctx context.Context, filters stores.ListFilters) ([]stores.Store, error) {
	var out []stores.Store
	for _, st := range f.items {
		if !filters.ActiveOnly || st.Active {
			out = append(out, st)
		}
	}
	return out, f.err
}

func (f *fakeStores) Exists(ctx context.Context, id int64) (bool, error) {
	for _, st := range f.items {
		if st.ID == id {
			return st.Active, nil
		}
	}
	return false, f.err
}

func (f *fakeStores) CountActive(ctx context.Context) (int, error) {
	n := 0
	for _, st := range f.items {
		if st.Active {
			n++
		}
	}
	return n, f.err
}

type fakeIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (f *fakeIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = map[string]bool{}
	}
	if f.keys[module+"/"+key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[module+"/"+key] = true
	return nil
}

func (f *fakeIdempotency) Delete(ctx context.Context, key, module string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, module+"/"+key)
	return nil
}

type recordingEvents struct {
	events []ReceiptPostedEvent
}

func (r *recordingEvents) HandleReceiptPosted(ctx context.Context, evt ReceiptPostedEvent) error {
	r.events = append(r.events, evt)
	return nil
}

type recordingMetrics struct {
	mu      sync.Mutex
	results []string
	qty     float64
}

func (m *recordingMetrics) ObserveReceipt(result string, quantity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	m.qty += quantity
}

type recordingAudit struct {
	actions []string
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.actions = append(a.actions, log.Action)
	return nil
}

type recordingApprovals struct {
	logs []shared.ApprovalLog
}

func (a *recordingApprovals) Record(ctx context.Context, log shared.ApprovalLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type fixture struct {
	repo      *memoryRepo
	ledger    *fakeLedger
	stores    *fakeStores
	events    *recordingEvents
	metrics   *recordingMetrics
	audit     *recordingAudit
	approvals *recordingApprovals
	idem      *fakeIdempotency
	svc       *Service
}

func newFixture(cfg Config, opts ...func(*Dependencies)) *fixture {
	f := &fixture{
		repo:      newMemoryRepo(),
		ledger:    &fakeLedger{},
		stores:    &fakeStores{items: []stores.Store{{ID: 3, Code: "MAIN", Name: "Main", Active: true}, {ID: 4, Code: "OLD", Name: "Old"}}},
		events:    &recordingEvents{},
		metrics:   &recordingMetrics{},
		audit:     &recordingAudit{},
		approvals: &recordingApprovals{},
		idem:      &fakeIdempotency{},
	}
	deps := Dependencies{
		Repo:        f.repo,
		Stock:       f.ledger,
		Stores:      f.stores,
		Audit:       f.audit,
		Approvals:   f.approvals,
		Idempotency: f.idem,
		Events:      f.events,
		Metrics:     f.metrics,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.svc = NewService(deps, cfg)
	f.svc.now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	return f
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// dispatchedOrder seeds an order in the Dispatched stage. Each line is ordered/received.
func dispatchedOrder(id int64, lines ...[2]string) PurchaseOrder {
	po := PurchaseOrder{ID: id, Number: fmt.Sprintf("PO-%d", id), SupplierID: 7, FacilityID: 1, Stage: StageDispatched, Version: 3}
	for i, l := range lines {
		po.Items = append(po.Items, LineItem{
			ID:                    id*100 + int64(i+1),
			PurchaseOrderID:       id,
			ProductID:             int64(500 + i),
			QuantityOrdered:       dec(l[0]),
			UnitPrice:             dec("10.00"),
			QuantityReceivedTotal: dec(l[1]),
		})
	}
	po.RecomputeTotal()
	return po
}
