package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenlot-erp/greenlot-erp/internal/observability"
)

// StockIntegrityJob compares each product aggregate against the sum of its
// lot remainders. An aggregate above the lot sum is an anomaly; below it is
// the expected oversold state from unmatched sales.
type StockIntegrityJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *observability.Metrics
	clock   func() time.Time
}

// NewStockIntegrityJob initialises the integrity scan handler.
func NewStockIntegrityJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *observability.Metrics) *StockIntegrityJob {
	return &StockIntegrityJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity scan.
func (j *StockIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("stock integrity: handler not configured")
	}
	var payload StockIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Epsilon <= 0 {
		payload.Epsilon = 1e-6
	}

	start := j.now()
	logger := j.logger()
	logger.Info("starting stock integrity scan")

	drifts, err := j.scan(ctx, payload.Epsilon)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return err
	}

	anomalies := 0
	for _, d := range drifts {
		if j.Metrics != nil {
			j.Metrics.SetIntegrityDrift(d.ProductID, d.Drift)
		}
		if d.Drift > payload.Epsilon {
			anomalies++
			logger.Warn("aggregate exceeds lot remainders",
				slog.Int64("product_id", d.ProductID),
				slog.Float64("aggregate_qty", d.AggregateQty),
				slog.Float64("lot_qty", d.LotQty),
				slog.Float64("drift", d.Drift))
		} else if d.Drift < -payload.Epsilon {
			logger.Info("product oversold",
				slog.Int64("product_id", d.ProductID),
				slog.Float64("aggregate_qty", d.AggregateQty),
				slog.Float64("lot_qty", d.LotQty))
		}
	}

	logger.Info("completed stock integrity scan",
		slog.Int("products", len(drifts)),
		slog.Int("anomalies", anomalies),
		slog.Duration("duration", time.Since(start)))
	return nil
}

type productDrift struct {
	ProductID    int64
	AggregateQty float64
	LotQty       float64
	Drift        float64
}

func (j *StockIntegrityJob) scan(ctx context.Context, epsilon float64) ([]productDrift, error) {
	if j.Pool == nil {
		return nil, errors.New("stock integrity: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `
		SELECT a.product_id, a.qty, COALESCE(l.remaining, 0)
		FROM stock_aggregates a
		LEFT JOIN (
			SELECT product_id, SUM(remaining_qty) AS remaining
			FROM stock_lots WHERE status != 'CANCELLED' GROUP BY product_id
		) l ON l.product_id = a.product_id
		ORDER BY a.product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drifts := []productDrift{}
	for rows.Next() {
		var d productDrift
		if err := rows.Scan(&d.ProductID, &d.AggregateQty, &d.LotQty); err != nil {
			return nil, err
		}
		d.Drift = d.AggregateQty - d.LotQty
		if math.Abs(d.Drift) <= epsilon {
			d.Drift = 0
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

func (j *StockIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockIntegrityScan))
	}
	return slog.Default().With(slog.String("job", TaskStockIntegrityScan))
}

func (j *StockIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
