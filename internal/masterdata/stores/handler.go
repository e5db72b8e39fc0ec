package stores

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/purchasing/internal/platform/httpx"
)

// Handler serves the store directory API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
}

type createRequest struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Active  *bool  `json:"active"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filters := ListFilters{
		ActiveOnly: r.URL.Query().Get("active") == "true",
		Search:     r.URL.Query().Get("q"),
	}
	items, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": items})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	st := Store{Code: req.Code, Name: req.Name, Address: req.Address, Active: true}
	if req.Active != nil {
		st.Active = *req.Active
	}
	created, err := h.service.Create(r.Context(), st)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, httpx.ProblemDetail{Status: http.StatusUnprocessableEntity, Title: "Validation Failed", Detail: err.Error(), Errors: httpx.FieldsOf(err)})
	case errors.Is(err, ErrDuplicate):
		httpx.Problem(w, httpx.ProblemDetail{Status: http.StatusConflict, Title: "Duplicate", Detail: err.Error(), Errors: map[string]string{"code": "already exists"}})
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, httpx.ProblemDetail{Status: http.StatusNotFound, Title: "Not Found", Detail: err.Error()})
	default:
		h.logger.Error("stores request", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
