package movements

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/greenlot-erp/greenlot-erp/internal/platform/httpx"
	"github.com/greenlot-erp/greenlot-erp/internal/shared"
	"github.com/greenlot-erp/greenlot-erp/internal/stock"
	"github.com/greenlot-erp/greenlot-erp/internal/trade"
)

// Handler wires HTTP endpoints for transfers and production.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the movements handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers movement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/transfers", h.handleListTransfers)
	r.Post("/transfers", h.handleTransfer)
	r.Post("/transfers/{id}/cancel", h.handleCancelTransfer)
	r.Get("/production", h.handleListProduction)
	r.Post("/production", h.handleProduce)
	r.Post("/production/{id}/cancel", h.handleCancelProduction)
}

type transferRequest struct {
	Code          string  `json:"code"`
	SourceLotID   int64   `json:"source_lot_id" validate:"required,gt=0"`
	ToWarehouseID int64   `json:"to_warehouse_id" validate:"required,gt=0"`
	Qty           float64 `json:"qty" validate:"required,gt=0"`
}

type produceRequest struct {
	Code            string             `json:"code"`
	OutputProductID int64              `json:"output_product_id" validate:"required,gt=0"`
	OutputQty       float64            `json:"output_qty" validate:"required,gt=0"`
	WarehouseID     int64              `json:"warehouse_id"`
	Overhead        float64            `json:"overhead" validate:"gte=0"`
	Inputs          []produceInputSpec `json:"inputs" validate:"required,min=1,dive"`
}

type produceInputSpec struct {
	ProductID int64   `json:"product_id" validate:"required,gt=0"`
	LotID     int64   `json:"lot_id"`
	Qty       float64 `json:"qty" validate:"required,gt=0"`
}

func (h *Handler) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.service.ListTransfers(r.Context(), limit)
	if err != nil {
		h.logger.Error("list transfers", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transfers": records})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	record, err := h.service.Transfer(r.Context(), TransferInput{
		Code:          req.Code,
		SourceLotID:   req.SourceLotID,
		ToWarehouseID: req.ToWarehouseID,
		Qty:           req.Qty,
		ActorID:       shared.ActorFromRequest(r),
	})
	if err != nil {
		h.logger.Error("post transfer", slog.Int64("source_lot", req.SourceLotID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, record)
}

func (h *Handler) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid transfer id")
		return
	}
	if err := h.service.CancelTransfer(r.Context(), id, shared.ActorFromRequest(r)); err != nil {
		h.logger.Error("cancel transfer", slog.Int64("transfer_id", id), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transfer_id": id})
}

func (h *Handler) handleListProduction(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.service.ListProductionJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error("list production jobs", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) handleProduce(w http.ResponseWriter, r *http.Request) {
	var req produceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	inputs := make([]InputSpec, 0, len(req.Inputs))
	for _, spec := range req.Inputs {
		inputs = append(inputs, InputSpec{ProductID: spec.ProductID, LotID: spec.LotID, Qty: spec.Qty})
	}
	job, err := h.service.Produce(r.Context(), ProduceInput{
		Code:            req.Code,
		OutputProductID: req.OutputProductID,
		OutputQty:       req.OutputQty,
		WarehouseID:     req.WarehouseID,
		Inputs:          inputs,
		Overhead:        req.Overhead,
		ActorID:         shared.ActorFromRequest(r),
	})
	if err != nil {
		h.logger.Error("post production", slog.Int64("output_product", req.OutputProductID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, job)
}

func (h *Handler) handleCancelProduction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid production id")
		return
	}
	if err := h.service.CancelProduction(r.Context(), id, shared.ActorFromRequest(r)); err != nil {
		h.logger.Error("cancel production", slog.Int64("production_id", id), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"production_id": id})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTransferNotFound), errors.Is(err, ErrProductionNotFound), errors.Is(err, stock.ErrLotNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, trade.ErrInsufficientStock), errors.Is(err, trade.ErrLineLocked),
		errors.Is(err, ErrTransferCancelled), errors.Is(err, ErrProductionCancelled),
		errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrSameWarehouse):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
