package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenlot-erp/greenlot-erp/internal/ledger"
	"github.com/greenlot-erp/greenlot-erp/internal/platform/db"
	"github.com/greenlot-erp/greenlot-erp/internal/stock"
)

// Repository runs trade transactions against PostgreSQL.
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
		return errors.New("trade repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) InsertLine(ctx context.Context, line Line) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trade_lines
		 (id, document_id, kind, direction, product_id, warehouse_id, qty, unit_cost, total_weight, sender_id, origin, parent_line_id, occurred_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())`,
		line.ID, nullUUID(line.DocumentID), string(line.Kind), string(line.Direction),
		line.ProductID, line.WarehouseID, line.Quantity, line.UnitCost, line.TotalWeight,
		nullInt(line.SenderID), line.Origin, nullUUID(line.ParentLineID), line.OccurredAt)
	return err
}

func (t *txRepository) GetLineForUpdate(ctx context.Context, lineID uuid.UUID) (Line, error) {
	var line Line
	var kind, direction string
	err := t.tx.QueryRow(ctx,
		`SELECT id, COALESCE(document_id,'00000000-0000-0000-0000-000000000000'::uuid), kind, direction,
		 product_id, warehouse_id, qty, unit_cost, total_weight, COALESCE(sender_id,0), origin,
		 COALESCE(parent_line_id,'00000000-0000-0000-0000-000000000000'::uuid), occurred_at, reversed_at
		 FROM trade_lines WHERE id=$1 FOR UPDATE`, lineID).Scan(
		&line.ID, &line.DocumentID, &kind, &direction, &line.ProductID, &line.WarehouseID,
		&line.Quantity, &line.UnitCost, &line.TotalWeight, &line.SenderID, &line.Origin,
		&line.ParentLineID, &line.OccurredAt, &line.ReversedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Line{}, ErrLineNotFound
	}
	if err != nil {
		return Line{}, err
	}
	line.Kind = LineKind(kind)
	line.Direction = Direction(direction)
	return line, nil
}

func (t *txRepository) UpdateLine(ctx context.Context, line Line) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE trade_lines SET kind=$2, direction=$3, product_id=$4, warehouse_id=$5, qty=$6,
		 unit_cost=$7, total_weight=$8, sender_id=$9, origin=$10, occurred_at=$11 WHERE id=$1`,
		line.ID, string(line.Kind), string(line.Direction), line.ProductID, line.WarehouseID,
		line.Quantity, line.UnitCost, line.TotalWeight, nullInt(line.SenderID), line.Origin, line.OccurredAt)
	return err
}

func (t *txRepository) MarkLineReversed(ctx context.Context, lineID uuid.UUID, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE trade_lines SET reversed_at=$2 WHERE id=$1`, lineID, at)
	return err
}

// GetAggregateForUpdate locks the per-product aggregate row, creating a zero
// row on first touch so the lock target always exists.
func (t *txRepository) GetAggregateForUpdate(ctx context.Context, productID int64) (stock.Aggregate, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stock_aggregates (product_id, qty, weight, updated_at) VALUES ($1,0,0,NOW())
		 ON CONFLICT (product_id) DO NOTHING`, productID)
	if err != nil {
		return stock.Aggregate{}, fmt.Errorf("trade: ensure aggregate %d: %w", productID, err)
	}
	var agg stock.Aggregate
	err = t.tx.QueryRow(ctx,
		`SELECT product_id, qty, weight, updated_at FROM stock_aggregates WHERE product_id=$1 FOR UPDATE`,
		productID).Scan(&agg.ProductID, &agg.Qty, &agg.Weight, &agg.UpdatedAt)
	if err != nil {
		return stock.Aggregate{}, fmt.Errorf("trade: lock aggregate %d: %w", productID, err)
	}
	return agg, nil
}

func (t *txRepository) UpdateAggregate(ctx context.Context, agg stock.Aggregate) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE stock_aggregates SET qty=$2, weight=$3, updated_at=NOW() WHERE product_id=$1`,
		agg.ProductID, agg.Qty, agg.Weight)
	return err
}

const lotColumns = `id, product_id, warehouse_id, COALESCE(line_id,'00000000-0000-0000-0000-000000000000'::uuid),
COALESCE(origin_lot_id,0), original_qty, remaining_qty, unit_cost, weight, COALESCE(sender_id,0), origin, received_at, status, created_at`

func scanLot(row pgx.Row) (stock.Lot, error) {
	var lot stock.Lot
	var status string
	err := row.Scan(&lot.ID, &lot.ProductID, &lot.WarehouseID, &lot.LineID, &lot.OriginLotID,
		&lot.OriginalQty, &lot.RemainingQty, &lot.UnitCost, &lot.Weight, &lot.SenderID,
		&lot.Origin, &lot.ReceivedAt, &status, &lot.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return stock.Lot{}, stock.ErrLotNotFound
	}
	if err != nil {
		return stock.Lot{}, err
	}
	lot.Status = stock.LotStatus(status)
	return lot, nil
}

func (t *txRepository) GetLotForUpdate(ctx context.Context, lotID int64) (stock.Lot, error) {
	return scanLot(t.tx.QueryRow(ctx,
		`SELECT `+lotColumns+` FROM stock_lots WHERE id=$1 FOR UPDATE`, lotID))
}

func (t *txRepository) GetLotByLineForUpdate(ctx context.Context, lineID uuid.UUID) (stock.Lot, error) {
	return scanLot(t.tx.QueryRow(ctx,
		`SELECT `+lotColumns+` FROM stock_lots WHERE line_id=$1 FOR UPDATE`, lineID))
}

// ListAvailableLotsForUpdate locks candidate lots in id order. FIFO ordering
// is the matcher's concern; the lock order must stay fixed across callers.
func (t *txRepository) ListAvailableLotsForUpdate(ctx context.Context, productID int64) ([]stock.Lot, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+lotColumns+` FROM stock_lots
		 WHERE product_id=$1 AND status=$2 AND remaining_qty > 0
		 ORDER BY id ASC FOR UPDATE`, productID, string(stock.LotStatusAvailable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lots := []stock.Lot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (t *txRepository) InsertLot(ctx context.Context, lot stock.Lot) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO stock_lots
		 (product_id, warehouse_id, line_id, origin_lot_id, original_qty, remaining_qty, unit_cost, weight, sender_id, origin, received_at, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW()) RETURNING id`,
		lot.ProductID, lot.WarehouseID, nullUUID(lot.LineID), nullInt(lot.OriginLotID),
		lot.OriginalQty, lot.RemainingQty, lot.UnitCost, lot.Weight, nullInt(lot.SenderID),
		lot.Origin, lot.ReceivedAt, string(lot.Status)).Scan(&id)
	return id, err
}

func (t *txRepository) UpdateLot(ctx context.Context, lot stock.Lot) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE stock_lots SET remaining_qty=$2, status=$3 WHERE id=$1`,
		lot.ID, lot.RemainingQty, string(lot.Status))
	return err
}

func (t *txRepository) DeleteLot(ctx context.Context, lotID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM stock_lots WHERE id=$1`, lotID)
	return err
}

func (t *txRepository) InsertMatch(ctx context.Context, match stock.Match) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO lot_matches (line_id, line_kind, lot_id, qty, unit_cost, matched_at)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		match.LineID, match.LineKind, match.LotID, match.Qty, match.UnitCost, match.MatchedAt).Scan(&id)
	return id, err
}

const matchColumns = `id, line_id, line_kind, lot_id, qty, unit_cost, matched_at`

func (t *txRepository) listMatches(ctx context.Context, where string, arg any) ([]stock.Match, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+matchColumns+` FROM lot_matches WHERE `+where+` ORDER BY id ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	matches := []stock.Match{}
	for rows.Next() {
		var m stock.Match
		if err := rows.Scan(&m.ID, &m.LineID, &m.LineKind, &m.LotID, &m.Qty, &m.UnitCost, &m.MatchedAt); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (t *txRepository) ListMatchesByLine(ctx context.Context, lineID uuid.UUID) ([]stock.Match, error) {
	return t.listMatches(ctx, "line_id=$1", lineID)
}

func (t *txRepository) ListMatchesByLot(ctx context.Context, lotID int64) ([]stock.Match, error) {
	return t.listMatches(ctx, "lot_id=$1", lotID)
}

func (t *txRepository) DeleteMatchesByLine(ctx context.Context, lineID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM lot_matches WHERE line_id=$1`, lineID)
	return err
}

func (t *txRepository) DeleteMatch(ctx context.Context, matchID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM lot_matches WHERE id=$1`, matchID)
	return err
}

func (t *txRepository) UpdateMatch(ctx context.Context, match stock.Match) error {
	_, err := t.tx.Exec(ctx, `UPDATE lot_matches SET qty=$2 WHERE id=$1`, match.ID, match.Qty)
	return err
}

func (t *txRepository) SumMatchedByLine(ctx context.Context, lineID uuid.UUID) (float64, error) {
	var total float64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(qty),0) FROM lot_matches WHERE line_id=$1`, lineID).Scan(&total)
	return total, err
}

func (t *txRepository) CountActiveTransfersFromLot(ctx context.Context, lotID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM transfer_records WHERE source_lot_id=$1 AND cancelled_at IS NULL`, lotID).Scan(&count)
	return count, err
}

func (t *txRepository) InsertEntry(ctx context.Context, entry ledger.Entry) (int64, error) {
	return ledger.InsertEntryTx(ctx, t.tx, entry)
}

func (t *txRepository) DeleteEntriesByLine(ctx context.Context, lineID uuid.UUID) error {
	return ledger.DeleteEntriesByLineTx(ctx, t.tx, lineID)
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
