package settlement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/greenlot-erp/greenlot-erp/internal/platform/httpx"
	"github.com/greenlot-erp/greenlot-erp/internal/shared"
)

// Handler wires HTTP endpoints for period closings.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the settlement handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers settlement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/closings", h.handleList)
	r.Get("/closings.csv", h.handleExportList)
	r.Post("/closings", h.handleClose)
	r.Get("/closings/{id}.csv", h.handleExportOne)
	r.Delete("/closings/{id}", h.handleUndo)
}

type closeRequest struct {
	PeriodStart string  `json:"period_start" validate:"required"`
	PeriodEnd   string  `json:"period_end" validate:"required"`
	ActualCash  float64 `json:"actual_cash"`
	Note        string  `json:"note"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	closings, err := h.service.ListClosings(r.Context(), limit)
	if err != nil {
		h.logger.Error("list closings", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"closings": closings})
}

func (h *Handler) handleExportList(w http.ResponseWriter, r *http.Request) {
	closings, err := h.service.ListClosings(r.Context(), 0)
	if err != nil {
		h.logger.Error("export closings", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="closings.csv"`)
	if err := WriteClosingsCSV(w, closings); err != nil {
		h.logger.Error("write closings csv", slog.Any("error", err))
	}
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	start, err := time.Parse("2006-01-02", req.PeriodStart)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid period_start")
		return
	}
	end, err := time.Parse("2006-01-02", req.PeriodEnd)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid period_end")
		return
	}
	closing, err := h.service.Close(r.Context(), CloseInput{
		PeriodStart: start,
		PeriodEnd:   end.Add(24*time.Hour - time.Nanosecond),
		ActualCash:  req.ActualCash,
		Note:        req.Note,
		ActorID:     shared.ActorFromRequest(r),
	})
	if err != nil {
		h.logger.Error("close period", slog.String("period_start", req.PeriodStart), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, closing)
}

func (h *Handler) handleExportOne(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid closing id")
		return
	}
	closing, err := h.service.GetClosing(r.Context(), id)
	if err != nil {
		h.logger.Error("export closing", slog.Int64("closing_id", id), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="closing.csv"`)
	if err := WriteClosingCSV(w, closing); err != nil {
		h.logger.Error("write closing csv", slog.Any("error", err))
	}
}

func (h *Handler) handleUndo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid closing id")
		return
	}
	if err := h.service.UndoClosing(r.Context(), id, shared.ActorFromRequest(r)); err != nil {
		h.logger.Error("undo closing", slog.Int64("closing_id", id), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"closing_id": id})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrClosingNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrPeriodSequence), errors.Is(err, ErrNotLatestClosing), errors.Is(err, ErrCloseInProgress):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrPeriodOrder):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
