package transfer

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/branchstock/branchstock/internal/batch"
	"github.com/branchstock/branchstock/internal/platform/httpx"
	"github.com/branchstock/branchstock/internal/shared"
)

// Handler wires HTTP endpoints for the transfer/borrow engine.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the transfer handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/transfers", h.list)
	r.Get("/transfers/{id}", h.get)
	r.Get("/transfers/inbox", h.inbox)
	r.Post("/transfers", h.create)
	r.Post("/transfers/{id}/dispatch", h.dispatch)
	r.Post("/transfers/{id}/approve", h.approve)
	r.Post("/transfers/{id}/decline", h.decline)
	r.Post("/transfers/{id}/cancel", h.cancel)
	r.Post("/transfers/{id}/receive", h.receive)
	r.Post("/transfers/{id}/return", h.returnStock)
}

type createRequest struct {
	CreateInput
	ActorID int64 `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	created, err := h.service.Create(r.Context(), req.CreateInput, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

// actionRequest carries the acting branch and user for state transitions.
type actionRequest struct {
	BranchID int64  `json:"branch_id" validate:"required,gt=0"`
	ActorID  int64  `json:"actor_id" validate:"required,gt=0"`
	Reason   string `json:"reason"`
}

func (h *Handler) decodeAction(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return req, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return req, false
	}
	return req, true
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	updated, err := h.service.Dispatch(r.Context(), chi.URLParam(r, "id"), req.BranchID, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

type approveRequest struct {
	BranchID  int64          `json:"branch_id" validate:"required,gt=0"`
	ActorID   int64          `json:"actor_id" validate:"required,gt=0"`
	Approvals []ItemApproval `json:"approvals" validate:"required,min=1,dive"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	updated, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), req.Approvals, req.BranchID, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) decline(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	updated, err := h.service.Decline(r.Context(), chi.URLParam(r, "id"), req.BranchID, req.ActorID, req.Reason)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	updated, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), req.BranchID, req.ActorID, req.Reason)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	updated, err := h.service.Receive(r.Context(), chi.URLParam(r, "id"), req.BranchID, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

type returnRequest struct {
	BranchID int64        `json:"branch_id" validate:"required,gt=0"`
	ActorID  int64        `json:"actor_id" validate:"required,gt=0"`
	Reason   string       `json:"reason"`
	Returns  []ItemReturn `json:"returns" validate:"required,min=1,dive"`
}

func (h *Handler) returnStock(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.Return(r.Context(), chi.URLParam(r, "id"), req.Returns, req.BranchID, req.ActorID, req.Reason); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "returned"})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f Filter
	if v := q.Get("branch_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id must be numeric")
			return
		}
		f.BranchID = &id
	}
	if v := q.Get("status"); v != "" {
		st := Status(v)
		if !st.IsValid() {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown status")
			return
		}
		f.Status = &st
	}
	if v := q.Get("type"); v != "" {
		tp := Type(v)
		if !tp.IsValid() {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown type")
			return
		}
		f.Type = &tp
	}
	f.Limit, f.Offset = shared.PageParams(q.Get("page"), q.Get("page_size"))
	requests, err := h.service.List(r.Context(), f)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transfers": requests})
}

func (h *Handler) inbox(w http.ResponseWriter, r *http.Request) {
	branchID, err := strconv.ParseInt(r.URL.Query().Get("branch_id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id is required")
		return
	}
	requests, err := h.service.PendingInbox(r.Context(), branchID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, batch.ErrBatchNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, batch.ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrWrongBranch):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrNoItemsApproved), errors.Is(err, ErrUnknownProduct),
		errors.Is(err, ErrReturnExceeded), errors.Is(err, ErrValidation),
		errors.Is(err, batch.ErrUsageMismatch), errors.Is(err, batch.ErrInvalidQuantity),
		errors.Is(err, batch.ErrMissingExpiration), errors.Is(err, batch.ErrOverfill):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("transfer request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
