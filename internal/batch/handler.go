package batch

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

// Handler wires HTTP endpoints for the batch store.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the batch handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers batch routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/batches", h.listBatches)
	r.Get("/batches/{id}", h.getBatch)
	r.Get("/stock/sum", h.sumRemaining)
	r.Post("/batches", h.replenish)
	r.Post("/batches/{id}/force-adjust", h.forceAdjust)
	r.Post("/allocations", h.allocate)
}

type replenishRequest struct {
	BranchID    int64      `json:"branch_id" validate:"required,gt=0"`
	ProductID   int64      `json:"product_id" validate:"required,gt=0"`
	BatchNumber string     `json:"batch_number" validate:"required"`
	UsageType   UsageType  `json:"usage_type" validate:"required"`
	Qty         float64    `json:"qty" validate:"required,gt=0"`
	UnitCost    float64    `json:"unit_cost" validate:"gte=0"`
	ExpiresAt   *time.Time `json:"expires_at"`
	SourceRef   string     `json:"source_ref"`
	ActorID     int64      `json:"actor_id"`
}

type allocateRequest struct {
	BranchID  int64     `json:"branch_id" validate:"required,gt=0"`
	ProductID int64     `json:"product_id" validate:"required,gt=0"`
	Qty       float64   `json:"qty" validate:"required,gt=0"`
	UsageType UsageType `json:"usage_type" validate:"required"`
	BatchID   string    `json:"batch_id"`
	ActorID   int64     `json:"actor_id"`
	Reason    string    `json:"reason"`
}

type forceAdjustRequest struct {
	RemainingQty float64 `json:"remaining_qty" validate:"gte=0"`
	ManagerCode  string  `json:"manager_code" validate:"required"`
	ActorID      int64   `json:"actor_id"`
	Reason       string  `json:"reason" validate:"required"`
}

func (h *Handler) replenish(w http.ResponseWriter, r *http.Request) {
	var req replenishRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	created, err := h.service.Replenish(r.Context(), StockBatch{
		BranchID:    req.BranchID,
		ProductID:   req.ProductID,
		BatchNumber: req.BatchNumber,
		UsageType:   req.UsageType,
		OriginalQty: req.Qty,
		UnitCost:    req.UnitCost,
		ExpiresAt:   req.ExpiresAt,
		SourceType:  SourcePurchase,
		SourceRef:   req.SourceRef,
	}, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var (
		consumed []Consumption
		err      error
	)
	if req.BatchID != "" {
		var c Consumption
		c, err = h.service.AllocateSpecific(r.Context(), req.BatchID, req.Qty, req.UsageType, req.ActorID, req.Reason)
		if err == nil {
			consumed = []Consumption{c}
		}
	} else {
		consumed, err = h.service.AllocateFIFO(r.Context(), AllocationInput{
			BranchID:  req.BranchID,
			ProductID: req.ProductID,
			Qty:       req.Qty,
			UsageType: req.UsageType,
		}, req.ActorID, req.Reason)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"consumed": consumed})
}

func (h *Handler) forceAdjust(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req forceAdjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.ForceAdjust(r.Context(), id, req.RemainingQty, req.ManagerCode, req.ActorID, req.Reason); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "adjusted"})
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	branchID, err1 := strconv.ParseInt(q.Get("branch_id"), 10, 64)
	productID, err2 := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id and product_id are required")
		return
	}
	f := Filter{BranchID: branchID, ProductID: productID}
	if u := q.Get("usage_type"); u != "" {
		usage := UsageType(u)
		f.UsageType = &usage
	}
	if s := q.Get("status"); s != "" {
		status := Status(s)
		f.Status = &status
	}
	batches, err := h.service.ListBatches(r.Context(), f)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *Handler) sumRemaining(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	branchID, err1 := strconv.ParseInt(q.Get("branch_id"), 10, 64)
	productID, err2 := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id and product_id are required")
		return
	}
	var usage *UsageType
	if u := q.Get("usage_type"); u != "" {
		v := UsageType(u)
		usage = &v
	}
	sum, err := h.service.SumRemaining(r.Context(), branchID, productID, usage)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"branch_id": branchID, "product_id": productID, "remaining_qty": sum})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBatchNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrUsageMismatch), errors.Is(err, ErrMissingExpiration),
		errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrOverfill):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrManagerCodeRejected):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		h.logger.Error("batch request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
