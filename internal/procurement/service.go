package procurement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/purchasing/internal/masterdata/stores"
	"github.com/odyssey-erp/purchasing/internal/shared"
)

const (
	auditEntity       = "purchase_order"
	approvalModule    = "procurement.po"
	idempotencyModule = "procurement.receipt"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id int64) (PurchaseOrder, error)
	ListPOs(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error)
	ListReceipts(ctx context.Context, poID int64) ([]Receipt, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	// LockPO loads the order with its items and holds a row lock until the transaction ends.
	LockPO(ctx context.Context, id int64) (PurchaseOrder, error)
	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	ReplaceLineItems(ctx context.Context, poID int64, items []LineItem) ([]LineItem, error)
	// SavePO writes header fields when the stored version equals expectedVersion and bumps it.
	SavePO(ctx context.Context, po PurchaseOrder, expectedVersion int64) error
	// IncrementReceived adds qty to a line, never beyond its ordered quantity.
	IncrementReceived(ctx context.Context, lineID int64, qty decimal.Decimal) error
	InsertReceipt(ctx context.Context, receipt Receipt) (int64, error)
	DeletePO(ctx context.Context, id int64) error
}

// StoreDirectory is the receiving store lookup.
type StoreDirectory interface {
	List(ctx context.Context, filters stores.ListFilters) ([]stores.Store, error)
	Exists(ctx context.Context, id int64) (bool, error)
	CountActive(ctx context.Context) (int, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort records approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// IdempotencyPort claims request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// LockPort serialises receipts across replicas.
type LockPort interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*shared.Lock, error)
}

// ReceiptObserver records receipt outcomes.
type ReceiptObserver interface {
	ObserveReceipt(result string, quantity float64)
}

// Config holds procurement policies.
type Config struct {
	ApprovalRemarksRequired bool
	OverReceipt             OverReceiptPolicy
	MaxRetries              int
	LockTTL                 time.Duration
	LockWait                time.Duration
}

// Dependencies groups collaborators. Only Repo, Stock and Stores are required.
type Dependencies struct {
	Repo        RepositoryPort
	Stock       StockLedger
	Stores      StoreDirectory
	Audit       AuditPort
	Approvals   ApprovalPort
	Idempotency IdempotencyPort
	Locker      LockPort
	Events      IntegrationHandler
	Metrics     ReceiptObserver
	Logger      *slog.Logger
}

// Service orchestrates procurement flows.
type Service struct {
	repo        RepositoryPort
	stock       StockLedger
	stores      StoreDirectory
	audit       AuditPort
	approvals   ApprovalPort
	idempotency IdempotencyPort
	locker      LockPort
	events      IntegrationHandler
	metrics     ReceiptObserver
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time
}

// NewService constructs procurement service.
func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.OverReceipt == "" {
		cfg.OverReceipt = OverReceiptReject
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        deps.Repo,
		stock:       deps.Stock,
		stores:      deps.Stores,
		audit:       deps.Audit,
		approvals:   deps.Approvals,
		idempotency: deps.Idempotency,
		locker:      deps.Locker,
		events:      deps.Events,
		metrics:     deps.Metrics,
		logger:      logger.With(slog.String("module", "procurement")),
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Get returns an order with its items.
func (s *Service) Get(ctx context.Context, id int64) (PurchaseOrder, error) {
	if id <= 0 {
		return PurchaseOrder{}, ErrNotFound
	}
	return s.repo.GetPO(ctx, id)
}

// List returns one page of orders and the total matching count.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	if filters.Stage != 0 && !filters.Stage.IsValid() {
		return nil, 0, newValidationError(ErrValidation, FieldErrors{"stage": "unknown stage"})
	}
	page := shared.NewPage(filters.Limit, filters.Offset)
	filters.Limit, filters.Offset = page.Limit, page.Offset
	filters.Search = strings.TrimSpace(filters.Search)
	return s.repo.ListPOs(ctx, filters)
}

// Create persists a new Pending order.
func (s *Service) Create(ctx context.Context, input OrderInput) (PurchaseOrder, error) {
	if err := validateOrderInput(input); err != nil {
		return PurchaseOrder{}, err
	}
	if err := Guard(TransitionCreate, 0); err != nil {
		return PurchaseOrder{}, err
	}
	po := PurchaseOrder{
		Number:     strings.TrimSpace(input.Number),
		SupplierID: input.SupplierID,
		FacilityID: input.FacilityID,
		Stage:      StagePending,
		Remarks:    strings.TrimSpace(input.Remarks),
		Document:   input.Document,
		Version:    1,
		Items:      lineItems(input.Items),
	}
	if po.Number == "" {
		po.Number = generateNumber("PO", s.now())
	}
	po.RecomputeTotal()

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		items, err := tx.ReplaceLineItems(ctx, id, po.Items)
		if err != nil {
			return err
		}
		po.Items = items
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "PO_CREATE", po.ID, map[string]any{"number": po.Number, "total": po.Total.String()})
	return po, nil
}

// Update replaces the items, remarks and document of a Pending order.
func (s *Service) Update(ctx context.Context, id int64, input OrderInput) (PurchaseOrder, error) {
	if err := validateOrderInput(input); err != nil {
		return PurchaseOrder{}, err
	}
	po, err := s.mutate(ctx, id, TransitionUpdate, func(ctx context.Context, tx TxRepository, po *PurchaseOrder) error {
		items, err := tx.ReplaceLineItems(ctx, po.ID, lineItems(input.Items))
		if err != nil {
			return err
		}
		if number := strings.TrimSpace(input.Number); number != "" {
			po.Number = number
		}
		po.SupplierID = input.SupplierID
		po.FacilityID = input.FacilityID
		po.Remarks = strings.TrimSpace(input.Remarks)
		po.Document = input.Document
		po.Items = items
		po.RecomputeTotal()
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "PO_UPDATE", po.ID, map[string]any{"total": po.Total.String()})
	return po, nil
}

// Approve moves a Pending order to Approved and logs the approval.
func (s *Service) Approve(ctx context.Context, id int64, actorID int64, remarks string) (PurchaseOrder, error) {
	po, err := s.mutate(ctx, id, TransitionApprove, func(ctx context.Context, _ TxRepository, po *PurchaseOrder) error {
		if err := validateApproval(remarks, s.cfg.ApprovalRemarksRequired); err != nil {
			return err
		}
		po.ApprovalRemarks = strings.TrimSpace(remarks)
		po.Stage = StageApproved
		if s.approvals == nil {
			return nil
		}
		return s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  approvalModule,
			RefID:   shared.ApprovalRef(approvalModule, po.ID),
			ActorID: actorID,
			Action:  shared.ApprovalApprove,
			Note:    fmt.Sprintf("PO %s approved", po.Number),
		})
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordActorAudit(ctx, actorID, "PO_APPROVE", po.ID, map[string]any{"remarks": po.ApprovalRemarks})
	return po, nil
}

// Dispatch records the recipient and moves an Approved order to Dispatched.
func (s *Service) Dispatch(ctx context.Context, id int64, actorID int64, input DispatchInput) (PurchaseOrder, error) {
	po, err := s.mutate(ctx, id, TransitionDispatch, func(ctx context.Context, _ TxRepository, po *PurchaseOrder) error {
		if err := validateDispatch(input); err != nil {
			return err
		}
		po.Dispatch = &Dispatch{
			RecipientName:    strings.TrimSpace(input.RecipientName),
			RecipientContact: strings.TrimSpace(input.RecipientContact),
			Remarks:          strings.TrimSpace(input.Remarks),
			Document:         input.Document,
			DispatchedAt:     s.now(),
		}
		po.Stage = StageDispatched
		if s.approvals == nil {
			return nil
		}
		return s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  approvalModule,
			RefID:   shared.ApprovalRef(approvalModule, po.ID),
			ActorID: actorID,
			Action:  shared.ApprovalDispatch,
			Note:    fmt.Sprintf("PO %s dispatched to %s", po.Number, po.Dispatch.RecipientName),
		})
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordActorAudit(ctx, actorID, "PO_DISPATCH", po.ID, map[string]any{"recipient": po.Dispatch.RecipientName})
	return po, nil
}

// MarkPaid settles a Received order.
func (s *Service) MarkPaid(ctx context.Context, id int64, actorID int64, reference string) (PurchaseOrder, error) {
	po, err := s.mutate(ctx, id, TransitionPay, func(ctx context.Context, _ TxRepository, po *PurchaseOrder) error {
		reference = strings.TrimSpace(reference)
		if reference == "" {
			return newValidationError(ErrValidation, FieldErrors{"payment_reference": "is required"})
		}
		po.PaymentReference = reference
		po.Stage = StagePaid
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordActorAudit(ctx, actorID, "PO_PAY", po.ID, map[string]any{"reference": po.PaymentReference})
	return po, nil
}

// Delete removes a Pending order.
func (s *Service) Delete(ctx context.Context, id int64, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.LockPO(ctx, id)
		if err != nil {
			return err
		}
		if err := Guard(TransitionDelete, po.Stage); err != nil {
			return err
		}
		return tx.DeletePO(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordActorAudit(ctx, actorID, "PO_DELETE", id, nil)
	return nil
}

// mutate locks the order, checks the guard, applies fn and saves the header under the
// optimistic version check, all in one transaction.
func (s *Service) mutate(ctx context.Context, id int64, transition Transition, fn func(context.Context, TxRepository, *PurchaseOrder) error) (PurchaseOrder, error) {
	var out PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.LockPO(ctx, id)
		if err != nil {
			return err
		}
		if err := Guard(transition, po.Stage); err != nil {
			return err
		}
		expected := po.Version
		if err := fn(ctx, tx, &po); err != nil {
			return err
		}
		po.UpdatedAt = s.now()
		if err := tx.SavePO(ctx, po, expected); err != nil {
			return err
		}
		po.Version = expected + 1
		out = po
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	return out, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	s.recordActorAudit(ctx, shared.ActorFromContext(ctx), action, entityID, meta)
}

func (s *Service) recordActorAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: auditEntity, EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Int64("po_id", entityID), slog.Any("error", err))
	}
}

func lineItems(inputs []LineInput) []LineItem {
	items := make([]LineItem, len(inputs))
	for i, in := range inputs {
		items[i] = LineItem{ProductID: in.ProductID, QuantityOrdered: in.Quantity, UnitPrice: in.UnitPrice, QuantityReceivedTotal: decimal.Zero}
	}
	return items
}

func generateNumber(prefix string, at time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, at.UnixNano())
}
