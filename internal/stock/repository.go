package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenlot-erp/greenlot-erp/internal/ledger"
	"github.com/greenlot-erp/greenlot-erp/internal/platform/db"
)

// Repository reads and corrects stock state in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside one repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetAggregate returns the per-product running total, zero when untouched.
func (r *Repository) GetAggregate(ctx context.Context, productID int64) (Aggregate, error) {
	var agg Aggregate
	err := r.pool.QueryRow(ctx,
		`SELECT product_id, qty, weight, updated_at FROM stock_aggregates WHERE product_id=$1`,
		productID).Scan(&agg.ProductID, &agg.Qty, &agg.Weight, &agg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Aggregate{ProductID: productID, UpdatedAt: time.Now()}, nil
	}
	return agg, err
}

// ListAggregates returns every product's running total.
func (r *Repository) ListAggregates(ctx context.Context) ([]Aggregate, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT product_id, qty, weight, updated_at FROM stock_aggregates ORDER BY product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	aggregates := []Aggregate{}
	for rows.Next() {
		var agg Aggregate
		if err := rows.Scan(&agg.ProductID, &agg.Qty, &agg.Weight, &agg.UpdatedAt); err != nil {
			return nil, err
		}
		aggregates = append(aggregates, agg)
	}
	return aggregates, rows.Err()
}

// ListLots returns lots matching the filter, oldest receipt first.
func (r *Repository) ListLots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, product_id, warehouse_id, COALESCE(line_id,'00000000-0000-0000-0000-000000000000'::uuid),
		 COALESCE(origin_lot_id,0), original_qty, remaining_qty, unit_cost, weight, COALESCE(sender_id,0), origin, received_at, status, created_at
		 FROM stock_lots
		 WHERE ($1 = 0 OR product_id = $1) AND ($2 = 0 OR warehouse_id = $2)
		 ORDER BY received_at ASC, id ASC LIMIT $3`,
		filter.ProductID, filter.WarehouseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lots := []Lot{}
	for rows.Next() {
		var lot Lot
		var status string
		if err := rows.Scan(&lot.ID, &lot.ProductID, &lot.WarehouseID, &lot.LineID, &lot.OriginLotID,
			&lot.OriginalQty, &lot.RemainingQty, &lot.UnitCost, &lot.Weight, &lot.SenderID,
			&lot.Origin, &lot.ReceivedAt, &status, &lot.CreatedAt); err != nil {
			return nil, err
		}
		lot.Status = LotStatus(status)
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// ListAdjustments returns corrections, newest first.
func (r *Repository) ListAdjustments(ctx context.Context, productID int64, limit int) ([]Adjustment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, product_id, prev_qty, new_qty, value, weight_delta, reason, COALESCE(actor_id,0), created_at, cancelled_at
		 FROM stock_adjustments WHERE ($1 = 0 OR product_id = $1) ORDER BY id DESC LIMIT $2`,
		productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	adjustments := []Adjustment{}
	for rows.Next() {
		var adj Adjustment
		if err := rows.Scan(&adj.ID, &adj.ProductID, &adj.PrevQty, &adj.NewQty, &adj.Value,
			&adj.WeightDelta, &adj.Reason, &adj.ActorID, &adj.CreatedAt, &adj.CancelledAt); err != nil {
			return nil, err
		}
		adjustments = append(adjustments, adj)
	}
	return adjustments, rows.Err()
}

// TxRepository exposes the transactional operations corrections need.
type TxRepository interface {
	GetAggregateForUpdate(ctx context.Context, productID int64) (Aggregate, error)
	UpdateAggregate(ctx context.Context, agg Aggregate) error
	WeightedLotCost(ctx context.Context, productID int64) (float64, error)
	InsertAdjustment(ctx context.Context, adj Adjustment) (int64, error)
	GetAdjustmentForUpdate(ctx context.Context, id int64) (Adjustment, error)
	MarkAdjustmentCancelled(ctx context.Context, id int64, at time.Time) error
	InsertEntry(ctx context.Context, entry ledger.Entry) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) GetAggregateForUpdate(ctx context.Context, productID int64) (Aggregate, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stock_aggregates (product_id, qty, weight, updated_at) VALUES ($1,0,0,NOW())
		 ON CONFLICT (product_id) DO NOTHING`, productID)
	if err != nil {
		return Aggregate{}, err
	}
	var agg Aggregate
	err = t.tx.QueryRow(ctx,
		`SELECT product_id, qty, weight, updated_at FROM stock_aggregates WHERE product_id=$1 FOR UPDATE`,
		productID).Scan(&agg.ProductID, &agg.Qty, &agg.Weight, &agg.UpdatedAt)
	return agg, err
}

func (t *txRepository) UpdateAggregate(ctx context.Context, agg Aggregate) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE stock_aggregates SET qty=$2, weight=$3, updated_at=NOW() WHERE product_id=$1`,
		agg.ProductID, agg.Qty, agg.Weight)
	return err
}

// WeightedLotCost averages the unit cost over remaining quantities so a
// correction carries a defensible monetary value.
func (t *txRepository) WeightedLotCost(ctx context.Context, productID int64) (float64, error) {
	var cost float64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(remaining_qty * unit_cost) / NULLIF(SUM(remaining_qty), 0), 0)
		 FROM stock_lots WHERE product_id=$1 AND status=$2`,
		productID, string(LotStatusAvailable)).Scan(&cost)
	return cost, err
}

func (t *txRepository) InsertAdjustment(ctx context.Context, adj Adjustment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO stock_adjustments (product_id, prev_qty, new_qty, value, weight_delta, reason, actor_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NOW()) RETURNING id`,
		adj.ProductID, adj.PrevQty, adj.NewQty, adj.Value, adj.WeightDelta, adj.Reason, adj.ActorID).Scan(&id)
	return id, err
}

func (t *txRepository) GetAdjustmentForUpdate(ctx context.Context, id int64) (Adjustment, error) {
	var adj Adjustment
	err := t.tx.QueryRow(ctx,
		`SELECT id, product_id, prev_qty, new_qty, value, weight_delta, reason, COALESCE(actor_id,0), created_at, cancelled_at
		 FROM stock_adjustments WHERE id=$1 FOR UPDATE`, id).Scan(
		&adj.ID, &adj.ProductID, &adj.PrevQty, &adj.NewQty, &adj.Value,
		&adj.WeightDelta, &adj.Reason, &adj.ActorID, &adj.CreatedAt, &adj.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Adjustment{}, ErrAdjustmentNotFound
	}
	return adj, err
}

func (t *txRepository) MarkAdjustmentCancelled(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE stock_adjustments SET cancelled_at=$2 WHERE id=$1`, id, at)
	return err
}

func (t *txRepository) InsertEntry(ctx context.Context, entry ledger.Entry) (int64, error) {
	return ledger.InsertEntryTx(ctx, t.tx, entry)
}
