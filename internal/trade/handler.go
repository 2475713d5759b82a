package trade

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/greenlot-erp/greenlot-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for trade line processing.
type Handler struct {
	logger    *slog.Logger
	processor *Processor
	validator *validator.Validate
}

// NewHandler constructs the trade handler.
func NewHandler(logger *slog.Logger, processor *Processor) *Handler {
	return &Handler{logger: logger, processor: processor, validator: validator.New()}
}

// MountRoutes registers trade routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/lines", h.handleApply)
	r.Put("/lines/{lineID}", h.handleAmend)
	r.Post("/lines/{lineID}/reverse", h.handleReverse)
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	var req LineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.processor.Apply(r.Context(), req.Line()); err != nil {
		h.logger.Error("apply trade line", slog.String("line_id", req.ID.String()), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"line_id": req.ID})
}

func (h *Handler) handleAmend(w http.ResponseWriter, r *http.Request) {
	lineID, err := uuid.Parse(chi.URLParam(r, "lineID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line id")
		return
	}
	var req LineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	req.ID = lineID
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.processor.Amend(r.Context(), req.Line()); err != nil {
		h.logger.Error("amend trade line", slog.String("line_id", lineID.String()), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"line_id": lineID})
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	lineID, err := uuid.Parse(chi.URLParam(r, "lineID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid line id")
		return
	}
	if err := h.processor.Reverse(r.Context(), lineID); err != nil {
		h.logger.Error("reverse trade line", slog.String("line_id", lineID.String()), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"line_id": lineID})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, ErrLineNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrLineLocked), errors.Is(err, ErrLineReversed):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		httpx.Problem(w, http.StatusConflict, "Conflict", "line already applied")
	default:
		httpx.RespondError(w, err)
	}
}
