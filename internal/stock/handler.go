package stock

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/greenlot-erp/greenlot-erp/internal/platform/httpx"
	"github.com/greenlot-erp/greenlot-erp/internal/shared"
)

// Handler wires HTTP endpoints for stock state and corrections.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/aggregates", h.handleListAggregates)
	r.Get("/aggregates/{productID}", h.handleGetAggregate)
	r.Get("/lots", h.handleListLots)
	r.Get("/adjustments", h.handleListAdjustments)
	r.Post("/adjustments", h.handleAdjust)
	r.Post("/adjustments/{id}/cancel", h.handleCancelAdjustment)
}

type adjustRequest struct {
	Code        string  `json:"code"`
	ProductID   int64   `json:"product_id" validate:"required,gt=0"`
	NewQuantity float64 `json:"new_qty" validate:"gte=0"`
	Reason      string  `json:"reason" validate:"required"`
}

func (h *Handler) handleListAggregates(w http.ResponseWriter, r *http.Request) {
	aggregates, err := h.service.ListAggregates(r.Context())
	if err != nil {
		h.logger.Error("list aggregates", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"aggregates": aggregates})
}

func (h *Handler) handleGetAggregate(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return
	}
	agg, err := h.service.GetAggregate(r.Context(), productID)
	if err != nil {
		h.logger.Error("get aggregate", slog.Int64("product_id", productID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, agg)
}

func (h *Handler) handleListLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := LotFilter{}
	filter.ProductID, _ = strconv.ParseInt(q.Get("product_id"), 10, 64)
	filter.WarehouseID, _ = strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	lots, err := h.service.ListLots(r.Context(), filter)
	if err != nil {
		h.logger.Error("list lots", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lots": lots})
}

func (h *Handler) handleListAdjustments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, _ := strconv.ParseInt(q.Get("product_id"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	adjustments, err := h.service.ListAdjustments(r.Context(), productID, limit)
	if err != nil {
		h.logger.Error("list adjustments", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"adjustments": adjustments})
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	adjustment, err := h.service.Adjust(r.Context(), AdjustInput{
		Code:        req.Code,
		ProductID:   req.ProductID,
		NewQuantity: req.NewQuantity,
		Reason:      req.Reason,
		ActorID:     shared.ActorFromRequest(r),
	})
	if err != nil {
		h.logger.Error("post adjustment", slog.Int64("product_id", req.ProductID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, adjustment)
}

func (h *Handler) handleCancelAdjustment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid adjustment id")
		return
	}
	if err := h.service.CancelAdjustment(r.Context(), id, shared.ActorFromRequest(r)); err != nil {
		h.logger.Error("cancel adjustment", slog.Int64("adjustment_id", id), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"adjustment_id": id})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAdjustmentNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrReasonRequired):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrAdjustmentCancelled), errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
