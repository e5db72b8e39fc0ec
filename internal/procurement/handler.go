package procurement

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/purchasing/internal/platform/httpx"
	"github.com/odyssey-erp/purchasing/internal/shared"
)

// Handler wires HTTP endpoints for procurement module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs procurement handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, service: service, validator: v}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Put("/", h.update)
		r.Delete("/", h.delete)
		r.Post("/approve", h.approve)
		r.Post("/dispatch", h.dispatch)
		r.Get("/receiving", h.receivingSheet)
		r.Post("/receive", h.receive)
		r.Post("/pay", h.pay)
	})
}

type attachmentRequest struct {
	URL      string `json:"url" validate:"required,url"`
	Filename string `json:"filename" validate:"required,max=255"`
	Size     int64  `json:"size" validate:"gte=0"`
	MIME     string `json:"mime" validate:"max=127"`
}

func (a *attachmentRequest) toAttachment() *Attachment {
	if a == nil {
		return nil
	}
	return &Attachment{URL: a.URL, Filename: a.Filename, Size: a.Size, MIME: a.MIME}
}

type lineRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type orderRequest struct {
	Number     string             `json:"number" validate:"max=64"`
	SupplierID int64              `json:"supplier_id" validate:"required,gt=0"`
	FacilityID int64              `json:"facility_id" validate:"required,gt=0"`
	Remarks    string             `json:"remarks" validate:"max=2000"`
	Document   *attachmentRequest `json:"document"`
	Items      []lineRequest      `json:"items" validate:"required,min=1,dive"`
}

func (r orderRequest) toInput() OrderInput {
	input := OrderInput{Number: r.Number, SupplierID: r.SupplierID, FacilityID: r.FacilityID, Remarks: r.Remarks, Document: r.Document.toAttachment()}
	for _, item := range r.Items {
		input.Items = append(input.Items, LineInput{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}
	return input
}

type approveRequest struct {
	Remarks string `json:"remarks" validate:"max=2000"`
}

type dispatchRequest struct {
	RecipientName    string             `json:"recipient_name" validate:"max=255"`
	RecipientContact string             `json:"recipient_contact" validate:"max=255"`
	Remarks          string             `json:"remarks" validate:"max=2000"`
	Document         *attachmentRequest `json:"document"`
}

type receiveLineRequest struct {
	LineItemID       int64           `json:"line_item_id"`
	QuantityReceived decimal.Decimal `json:"quantity_received"`
}

type receiveRequest struct {
	ReceivingStoreID int64                `json:"receiving_store_id" validate:"gte=0"`
	GRNNumber        string               `json:"grn_number" validate:"max=64"`
	Remarks          string               `json:"remarks" validate:"max=2000"`
	DeliveryNote     *attachmentRequest   `json:"delivery_note"`
	Invoice          *attachmentRequest   `json:"invoice"`
	ItemsReceived    []receiveLineRequest `json:"items_received" validate:"dive"`
}

type payRequest struct {
	PaymentReference string `json:"payment_reference" validate:"max=128"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ListFilters{Search: q.Get("q"), SortBy: q.Get("sort"), SortDir: q.Get("dir")}
	fields := FieldErrors{}
	if raw := q.Get("stage"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			fields.Add("stage", "must be an integer stage code")
		}
		filters.Stage = Stage(n)
	}
	filters.SupplierID = queryInt64(q.Get("supplier_id"), "supplier_id", fields)
	filters.Limit = int(queryInt64(q.Get("limit"), "limit", fields))
	filters.Offset = int(queryInt64(q.Get("offset"), "offset", fields))
	if len(fields) > 0 {
		h.respondError(w, r, newValidationError(ErrValidation, fields))
		return
	}
	items, total, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if items == nil {
		items = []PurchaseOrder{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": items, "total": total})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	po, err := h.service.Get(r.Context(), id)
	h.respond(w, r, http.StatusOK, po, err)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decode(w, r, &req) {
		return
	}
	po, err := h.service.Create(r.Context(), req.toInput())
	h.respond(w, r, http.StatusCreated, po, err)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req orderRequest
	if !h.decode(w, r, &req) {
		return
	}
	po, err := h.service.Update(r.Context(), id, req.toInput())
	h.respond(w, r, http.StatusOK, po, err)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !h.decode(w, r, &req) {
		return
	}
	po, err := h.service.Approve(r.Context(), id, shared.ActorFromContext(r.Context()), req.Remarks)
	h.respond(w, r, http.StatusOK, po, err)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req dispatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	po, err := h.service.Dispatch(r.Context(), id, shared.ActorFromContext(r.Context()), DispatchInput{
		RecipientName:    req.RecipientName,
		RecipientContact: req.RecipientContact,
		Remarks:          req.Remarks,
		Document:         req.Document.toAttachment(),
	})
	h.respond(w, r, http.StatusOK, po, err)
}

func (h *Handler) receivingSheet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sheet, err := h.service.ReceivingSheet(r.Context(), id)
	h.respond(w, r, http.StatusOK, sheet, err)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := ReceiveInput{
		StoreID:        req.ReceivingStoreID,
		GRNNumber:      strings.TrimSpace(req.GRNNumber),
		Remarks:        strings.TrimSpace(req.Remarks),
		DeliveryNote:   req.DeliveryNote.toAttachment(),
		Invoice:        req.Invoice.toAttachment(),
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	for _, line := range req.ItemsReceived {
		input.Items = append(input.Items, ReceiveLine{LineItemID: line.LineItemID, Quantity: line.QuantityReceived})
	}
	po, err := h.service.Receive(r.Context(), id, input)
	h.respond(w, r, http.StatusOK, po, err)
}

func (h *Handler) pay(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req payRequest
	if !h.decode(w, r, &req) {
		return
	}
	po, err := h.service.MarkPaid(r.Context(), id, shared.ActorFromContext(r.Context()), req.PaymentReference)
	h.respond(w, r, http.StatusOK, po, err)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, httpx.ProblemDetail{Status: http.StatusNotFound, Title: "Not Found", Detail: "invalid purchase order id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, httpx.ProblemDetail{Status: http.StatusBadRequest, Title: "Bad Request", Detail: err.Error()})
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			h.respondError(w, r, err)
			return false
		}
		fields := FieldErrors{}
		for _, fe := range verrs {
			fields.Add(fieldPath(fe.Namespace()), fieldMessage(fe))
		}
		h.respondError(w, r, newValidationError(ErrValidation, fields))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, body any, err error) {
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, status, body)
}

// respondError maps procurement errors to problem responses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	httpx.Problem(w, problemFor(err))
	if !errors.Is(err, ErrValidation) && !errors.Is(err, ErrStageViolation) && !errors.Is(err, ErrNotFound) {
		h.logger.Error("procurement request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
}

var problemKinds = []struct {
	kind  error
	code  string
	title string
}{
	{ErrMissingStore, "missing-store", "Missing Store"},
	{ErrUnknownLineItem, "unknown-line-item", "Unknown Line Item"},
	{ErrInvalidQuantity, "invalid-quantity", "Invalid Quantity"},
	{ErrOverReceipt, "over-receipt", "Over Receipt"},
	{ErrNothingToReceive, "nothing-to-receive", "Nothing To Receive"},
}

func problemFor(err error) httpx.ProblemDetail {
	var stage *StageViolationError
	switch {
	case errors.Is(err, ErrNotFound):
		return httpx.ProblemDetail{Type: "/problems/not-found", Status: http.StatusNotFound, Title: "Not Found", Detail: "purchase order not found"}
	case errors.As(err, &stage):
		return httpx.ProblemDetail{
			Type:   "/problems/stage-violation",
			Status: http.StatusConflict,
			Title:  "Stage Violation",
			Detail: fmt.Sprintf("Cannot %s a purchase order that is %s; it must be %s.", stage.Transition, stage.Current, stage.Required),
		}
	case errors.Is(err, ErrValidation):
		p := httpx.ProblemDetail{Type: "/problems/validation", Status: http.StatusUnprocessableEntity, Title: "Validation Failed", Detail: err.Error(), Errors: httpx.FieldsOf(err)}
		for _, k := range problemKinds {
			if errors.Is(err, k.kind) {
				p.Type, p.Title = "/problems/"+k.code, k.title
				break
			}
		}
		return p
	case errors.Is(err, ErrDuplicateReceipt):
		return httpx.ProblemDetail{Type: "/problems/duplicate-receipt", Status: http.StatusConflict, Title: "Duplicate Receipt", Detail: err.Error()}
	case errors.Is(err, ErrPersistenceConflict):
		return httpx.ProblemDetail{Type: "/problems/persistence-conflict", Status: http.StatusConflict, Title: "Persistence Conflict", Detail: "the purchase order changed while saving; reload and retry", Retryable: true}
	case errors.Is(err, ErrAdapterFailure):
		return httpx.ProblemDetail{Type: "/problems/adapter-failure", Status: http.StatusServiceUnavailable, Title: "Stock Ledger Unavailable", Detail: "no changes were applied; retry later", Retryable: true}
	default:
		return httpx.ProblemDetail{Status: http.StatusInternalServerError, Title: "Internal Error"}
	}
}

var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

// fieldPath turns orderRequest.items[0].quantity into items.0.quantity.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		namespace = rest
	}
	return indexPattern.ReplaceAllString(namespace, ".$1")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "min":
		return "must contain at least " + fe.Param() + " entries"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "url":
		return "must be a valid URL"
	default:
		return "is invalid"
	}
}

func queryInt64(raw, name string, fields FieldErrors) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		fields.Add(name, "must be a non-negative integer")
		return 0
	}
	return n
}
