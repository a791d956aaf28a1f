package receiving

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/branchstock/branchstock/internal/batch"
	"github.com/branchstock/branchstock/internal/platform/httpx"
	"github.com/branchstock/branchstock/internal/shared"
)

// Handler wires HTTP endpoints for delivery receiving.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the receiving handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers receiving routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receiving/reconcile", h.reconcile)
	r.Get("/receipts", h.list)
	r.Get("/receipts/{id}", h.get)
	r.Get("/receipts/{id}/print", h.print)
}

type reconcileRequest struct {
	ReconcileInput
	ActorID int64 `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	receipt, err := h.service.Reconcile(r.Context(), req.ReconcileInput, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receipt)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.service.Receipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receipt)
}

func (h *Handler) print(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.service.Receipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	text, err := RenderReceipt(receipt)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f ReceiptFilter
	if v := q.Get("branch_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id must be numeric")
			return
		}
		f.BranchID = &id
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := q.Get(p.name); v != "" {
			ts, err := time.Parse("2006-01-02", v)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", p.name+" must be YYYY-MM-DD")
				return
			}
			*p.dst = &ts
		}
	}
	f.Limit, f.Offset = shared.PageParams(q.Get("page"), q.Get("page_size"))
	receipts, err := h.service.Receipts(r.Context(), f)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrReceiptNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrNoItemsChecked), errors.Is(err, ErrUnknownItem), errors.Is(err, ErrValidation),
		errors.Is(err, batch.ErrInvalidQuantity), errors.Is(err, batch.ErrMissingExpiration),
		errors.Is(err, batch.ErrUsageMismatch):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("receiving request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
