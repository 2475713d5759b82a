package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenlot-erp/greenlot-erp/internal/stock"
	"github.com/greenlot-erp/greenlot-erp/internal/trade"
)

// Repository reads and writes closings in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const closingColumns = `id, period_start, period_end, opening_value, closing_value, purchases_value,
adjustments_value, derived_cogs, bookkeeping_cogs, variance, variance_warning,
cash_inflow, cash_outflow, actual_cash, note, COALESCE(closed_by,0), created_at`

func scanClosing(row pgx.Row) (PeriodClosing, error) {
	var closing PeriodClosing
	err := row.Scan(&closing.ID, &closing.PeriodStart, &closing.PeriodEnd, &closing.OpeningValue,
		&closing.ClosingValue, &closing.PurchasesValue, &closing.AdjustmentsValue,
		&closing.DerivedCOGS, &closing.BookkeepingCOGS, &closing.Variance,
		&closing.VarianceWarning, &closing.CashInflow, &closing.CashOutflow,
		&closing.ActualCash, &closing.Note, &closing.ClosedBy, &closing.CreatedAt)
	return closing, err
}

// LatestClosing returns the newest closing when one exists.
func (r *Repository) LatestClosing(ctx context.Context) (PeriodClosing, bool, error) {
	closing, err := scanClosing(r.pool.QueryRow(ctx,
		`SELECT `+closingColumns+` FROM period_closings ORDER BY period_end DESC, id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return PeriodClosing{}, false, nil
	}
	if err != nil {
		return PeriodClosing{}, false, err
	}
	return closing, true, nil
}

// GetClosing returns one closing by id.
func (r *Repository) GetClosing(ctx context.Context, id int64) (PeriodClosing, error) {
	closing, err := scanClosing(r.pool.QueryRow(ctx,
		`SELECT `+closingColumns+` FROM period_closings WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return PeriodClosing{}, ErrClosingNotFound
	}
	return closing, err
}

// ListClosings returns closings, newest first.
func (r *Repository) ListClosings(ctx context.Context, limit int) ([]PeriodClosing, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+closingColumns+` FROM period_closings ORDER BY period_end DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	closings := []PeriodClosing{}
	for rows.Next() {
		closing, err := scanClosing(rows)
		if err != nil {
			return nil, err
		}
		closings = append(closings, closing)
	}
	return closings, rows.Err()
}

// InsertClosing persists one closing.
func (r *Repository) InsertClosing(ctx context.Context, closing PeriodClosing) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO period_closings
		 (period_start, period_end, opening_value, closing_value, purchases_value, adjustments_value,
		  derived_cogs, bookkeeping_cogs, variance, variance_warning,
		  cash_inflow, cash_outflow, actual_cash, note, closed_by, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW()) RETURNING id`,
		closing.PeriodStart, closing.PeriodEnd, closing.OpeningValue, closing.ClosingValue,
		closing.PurchasesValue, closing.AdjustmentsValue, closing.DerivedCOGS,
		closing.BookkeepingCOGS, closing.Variance, closing.VarianceWarning,
		closing.CashInflow, closing.CashOutflow, closing.ActualCash, closing.Note,
		closing.ClosedBy).Scan(&id)
	return id, err
}

// DeleteClosing removes one closing.
func (r *Repository) DeleteClosing(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM period_closings WHERE id=$1`, id)
	return err
}

// StockValue totals remaining lot quantities at unit cost.
func (r *Repository) StockValue(ctx context.Context) (float64, error) {
	var value float64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(remaining_qty * unit_cost),0) FROM stock_lots WHERE status != $1`,
		string(stock.LotStatusCancelled)).Scan(&value)
	return value, err
}

// PurchasesValue totals live purchase lines inside the period, vendor
// returns included through their negative quantities.
func (r *Repository) PurchasesValue(ctx context.Context, from, to time.Time) (float64, error) {
	var value float64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(qty * unit_cost),0) FROM trade_lines
		 WHERE kind=$1 AND reversed_at IS NULL AND occurred_at BETWEEN $2 AND $3`,
		string(trade.LineKindPurchase), from, to).Scan(&value)
	return value, err
}

// BookkeepingCOGS totals the sale matches booked inside the period at their
// snapshotted lot cost.
func (r *Repository) BookkeepingCOGS(ctx context.Context, from, to time.Time) (float64, error) {
	var value float64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(qty * unit_cost),0) FROM lot_matches
		 WHERE line_kind=$1 AND matched_at BETWEEN $2 AND $3`,
		string(trade.LineKindSale), from, to).Scan(&value)
	return value, err
}

// AdjustmentsValue totals live audit-tool corrections inside the period.
func (r *Repository) AdjustmentsValue(ctx context.Context, from, to time.Time) (float64, error) {
	var value float64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(value),0) FROM stock_adjustments
		 WHERE cancelled_at IS NULL AND created_at BETWEEN $1 AND $2`,
		from, to).Scan(&value)
	return value, err
}

// PgCashLedger reads cash_entries, a table fed by the document layer.
type PgCashLedger struct {
	pool *pgxpool.Pool
}

// NewPgCashLedger constructs PgCashLedger.
func NewPgCashLedger(pool *pgxpool.Pool) *PgCashLedger {
	return &PgCashLedger{pool: pool}
}

// Totals sums cash inflow and outflow over a period.
func (c *PgCashLedger) Totals(ctx context.Context, from, to time.Time) (CashTotals, error) {
	var totals CashTotals
	err := c.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END),0),
		        COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END),0)
		 FROM cash_entries WHERE occurred_at BETWEEN $1 AND $2`,
		from, to).Scan(&totals.Inflow, &totals.Outflow)
	return totals, err
}
