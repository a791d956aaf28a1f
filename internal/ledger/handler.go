package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/branchstock/branchstock/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ledger/current", h.currentStock)
	r.Get("/ledger/history", h.history)
	r.Get("/ledger/ending-stock", h.endingStock)
	r.Post("/ledger/reconcile", h.reconcile)
	r.Post("/ledger/weekly-count", h.weeklyCount)
	r.Post("/ledger/periods", h.openPeriod)
}

func pairParams(r *http.Request) (int64, int64, bool) {
	q := r.URL.Query()
	branchID, err1 := strconv.ParseInt(q.Get("branch_id"), 10, 64)
	productID, err2 := strconv.ParseInt(q.Get("product_id"), 10, 64)
	return branchID, productID, err1 == nil && err2 == nil
}

func (h *Handler) currentStock(w http.ResponseWriter, r *http.Request) {
	branchID, productID, ok := pairParams(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id and product_id are required")
		return
	}
	stock, err := h.service.CurrentStock(r.Context(), branchID, productID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"branch_id": branchID, "product_id": productID, "current_stock": stock})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	branchID, productID, ok := pairParams(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id and product_id are required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.History(r.Context(), branchID, productID, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) endingStock(w http.ResponseWriter, r *http.Request) {
	branchID, productID, ok := pairParams(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id and product_id are required")
		return
	}
	q := r.URL.Query()
	start, err1 := time.Parse("2006-01-02", q.Get("period_start"))
	end, err2 := time.Parse("2006-01-02", q.Get("period_end"))
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "period_start and period_end must be YYYY-MM-DD")
		return
	}
	ending, err := h.service.CalculateEndingStock(r.Context(), branchID, productID, start, end)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ending)
}

type reconcileRequest struct {
	BranchID  int64 `json:"branch_id" validate:"required,gt=0"`
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
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
	result, err := h.service.Reconcile(r.Context(), req.BranchID, req.ProductID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if result.Diverged {
		h.logger.Warn("ledger divergence corrected",
			slog.Int64("branch_id", req.BranchID),
			slog.Int64("product_id", req.ProductID),
			slog.Float64("stored", result.Stored),
			slog.Float64("computed", result.Computed))
	}
	httpx.JSON(w, http.StatusOK, result)
}

type weeklyCountRequest struct {
	BranchID  int64   `json:"branch_id" validate:"required,gt=0"`
	ProductID int64   `json:"product_id" validate:"required,gt=0"`
	Week      int     `json:"week" validate:"required,min=1,max=4"`
	Count     float64 `json:"count" validate:"gte=0"`
	ActorID   int64   `json:"actor_id"`
}

func (h *Handler) weeklyCount(w http.ResponseWriter, r *http.Request) {
	var req weeklyCountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.RecordWeeklyCount(r.Context(), req.BranchID, req.ProductID, req.Week, req.Count, req.ActorID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type openPeriodRequest struct {
	BranchID    int64     `json:"branch_id" validate:"required,gt=0"`
	ProductID   int64     `json:"product_id" validate:"required,gt=0"`
	PeriodStart time.Time `json:"period_start" validate:"required"`
	PeriodEnd   time.Time `json:"period_end" validate:"required"`
	MinStock    float64   `json:"min_stock" validate:"gte=0"`
	ActorID     int64     `json:"actor_id"`
}

func (h *Handler) openPeriod(w http.ResponseWriter, r *http.Request) {
	var req openPeriodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.OpenPeriod(r.Context(), req.BranchID, req.ProductID, req.PeriodStart, req.PeriodEnd, req.MinStock, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEntryNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidWeek), errors.Is(err, ErrPeriodClosed):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrPeriodExists):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
