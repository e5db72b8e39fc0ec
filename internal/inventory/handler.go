package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/purchasing/internal/platform/httpx"
)

// StockCardReader is the read side used by the HTTP handler.
type StockCardReader interface {
	GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error)
}

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service StockCardReader
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service StockCardReader) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stock-card", h.handleStockCard)
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	filter, fields := parseStockCardQuery(r)
	if len(fields) > 0 {
		httpx.Problem(w, httpx.ProblemDetail{Status: http.StatusUnprocessableEntity, Title: "Validation Failed", Errors: fields})
		return
	}
	entries, err := h.service.GetStockCard(r.Context(), filter)
	if err != nil {
		h.logger.Error("stock card", slog.Any("error", err), slog.Int64("store_id", filter.StoreID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": entries})
}

func parseStockCardQuery(r *http.Request) (StockCardFilter, map[string]string) {
	q := r.URL.Query()
	fields := map[string]string{}
	var filter StockCardFilter
	parseID := func(name string) int64 {
		v, err := strconv.ParseInt(q.Get(name), 10, 64)
		if err != nil || v <= 0 {
			fields[name] = "must be a positive integer"
		}
		return v
	}
	filter.StoreID = parseID("store_id")
	filter.ProductID = parseID("product_id")
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			fields[name] = fmt.Sprintf("must be formatted %s", time.DateOnly)
			continue
		}
		*dst = t
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			fields["limit"] = "must be a non-negative integer"
		}
		filter.Limit = limit
	}
	return filter, fields
}
