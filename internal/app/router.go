package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/greenlot-erp/greenlot-erp/internal/ledger"
	"github.com/greenlot-erp/greenlot-erp/internal/movements"
	"github.com/greenlot-erp/greenlot-erp/internal/observability"
	"github.com/greenlot-erp/greenlot-erp/internal/settlement"
	"github.com/greenlot-erp/greenlot-erp/internal/stock"
	"github.com/greenlot-erp/greenlot-erp/internal/trade"
	"github.com/greenlot-erp/greenlot-erp/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	TradeHandler      *trade.Handler
	StockHandler      *stock.Handler
	LedgerHandler     *ledger.Handler
	MovementsHandler  *movements.Handler
	SettlementHandler *settlement.Handler
	JobsHandler       *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with Greenlot defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.TradeHandler != nil {
		r.Route("/trade", params.TradeHandler.MountRoutes)
	}
	if params.StockHandler != nil {
		r.Route("/stock", params.StockHandler.MountRoutes)
	}
	if params.LedgerHandler != nil {
		r.Route("/ledger", params.LedgerHandler.MountRoutes)
	}
	if params.MovementsHandler != nil {
		r.Route("/movements", params.MovementsHandler.MountRoutes)
	}
	if params.SettlementHandler != nil {
		r.Route("/settlement", params.SettlementHandler.MountRoutes)
	}
	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
