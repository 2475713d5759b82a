package movements

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenlot-erp/greenlot-erp/internal/ledger"
	"github.com/greenlot-erp/greenlot-erp/internal/platform/db"
	"github.com/greenlot-erp/greenlot-erp/internal/stock"
)

// Repository runs movement transactions against PostgreSQL.
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
		return errors.New("movements repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const transferColumns = `id, product_id, source_lot_id, new_lot_id, from_warehouse_id, to_warehouse_id, qty, COALESCE(actor_id,0), created_at, cancelled_at`

// ListTransfers returns transfer records, newest first.
func (r *Repository) ListTransfers(ctx context.Context, limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+transferColumns+` FROM transfer_records ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []TransferRecord{}
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

const jobColumns = `id, output_product_id, output_qty, output_lot_id, output_unit_cost, overhead, COALESCE(actor_id,0), created_at, cancelled_at`

// ListProductionJobs returns production jobs, newest first.
func (r *Repository) ListProductionJobs(ctx context.Context, limit int) ([]ProductionJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM production_jobs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs := []ProductionJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanTransfer(row pgx.Row) (TransferRecord, error) {
	var record TransferRecord
	err := row.Scan(&record.ID, &record.ProductID, &record.SourceLotID, &record.NewLotID,
		&record.FromWarehouseID, &record.ToWarehouseID, &record.Qty, &record.ActorID,
		&record.CreatedAt, &record.CancelledAt)
	return record, err
}

func scanJob(row pgx.Row) (ProductionJob, error) {
	var job ProductionJob
	err := row.Scan(&job.ID, &job.OutputProductID, &job.OutputQty, &job.OutputLotID,
		&job.OutputUnitCost, &job.Overhead, &job.ActorID, &job.CreatedAt, &job.CancelledAt)
	return job, err
}

// TxRepository exposes the transactional operations movements need. Lock
// order matches the trade module: aggregate row first, lots in id order.
type TxRepository interface {
	GetAggregateForUpdate(ctx context.Context, productID int64) (stock.Aggregate, error)
	UpdateAggregate(ctx context.Context, agg stock.Aggregate) error
	GetLot(ctx context.Context, lotID int64) (stock.Lot, error)
	GetLotForUpdate(ctx context.Context, lotID int64) (stock.Lot, error)
	ListAvailableLotsForUpdate(ctx context.Context, productID int64) ([]stock.Lot, error)
	FindTransferTargetLot(ctx context.Context, originLotID, warehouseID int64) (stock.Lot, bool, error)
	InsertLot(ctx context.Context, lot stock.Lot) (int64, error)
	UpdateLot(ctx context.Context, lot stock.Lot) error
	DeleteLot(ctx context.Context, lotID int64) error
	CountActiveTransfersFromLot(ctx context.Context, lotID int64) (int, error)
	ListMatchesByLot(ctx context.Context, lotID int64) ([]stock.Match, error)
	InsertTransfer(ctx context.Context, record TransferRecord) (int64, error)
	GetTransferForUpdate(ctx context.Context, id int64) (TransferRecord, error)
	MarkTransferCancelled(ctx context.Context, id int64, at time.Time) error
	InsertProductionJob(ctx context.Context, job ProductionJob) (int64, error)
	UpdateProductionJob(ctx context.Context, job ProductionJob) error
	GetProductionJobForUpdate(ctx context.Context, id int64) (ProductionJob, error)
	MarkProductionCancelled(ctx context.Context, id int64, at time.Time) error
	InsertProductionInput(ctx context.Context, input ProductionInput) (int64, error)
	ListProductionInputs(ctx context.Context, jobID int64) ([]ProductionInput, error)
	InsertEntry(ctx context.Context, entry ledger.Entry) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
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

func (t *txRepository) GetAggregateForUpdate(ctx context.Context, productID int64) (stock.Aggregate, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stock_aggregates (product_id, qty, weight, updated_at) VALUES ($1,0,0,NOW())
		 ON CONFLICT (product_id) DO NOTHING`, productID)
	if err != nil {
		return stock.Aggregate{}, err
	}
	var agg stock.Aggregate
	err = t.tx.QueryRow(ctx,
		`SELECT product_id, qty, weight, updated_at FROM stock_aggregates WHERE product_id=$1 FOR UPDATE`,
		productID).Scan(&agg.ProductID, &agg.Qty, &agg.Weight, &agg.UpdatedAt)
	return agg, err
}

func (t *txRepository) UpdateAggregate(ctx context.Context, agg stock.Aggregate) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE stock_aggregates SET qty=$2, weight=$3, updated_at=NOW() WHERE product_id=$1`,
		agg.ProductID, agg.Qty, agg.Weight)
	return err
}

func (t *txRepository) GetLot(ctx context.Context, lotID int64) (stock.Lot, error) {
	return scanLot(t.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE id=$1`, lotID))
}

func (t *txRepository) GetLotForUpdate(ctx context.Context, lotID int64) (stock.Lot, error) {
	return scanLot(t.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE id=$1 FOR UPDATE`, lotID))
}

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

func (t *txRepository) FindTransferTargetLot(ctx context.Context, originLotID, warehouseID int64) (stock.Lot, bool, error) {
	lot, err := scanLot(t.tx.QueryRow(ctx,
		`SELECT `+lotColumns+` FROM stock_lots WHERE origin_lot_id=$1 AND warehouse_id=$2 FOR UPDATE`,
		originLotID, warehouseID))
	if errors.Is(err, stock.ErrLotNotFound) {
		return stock.Lot{}, false, nil
	}
	if err != nil {
		return stock.Lot{}, false, err
	}
	return lot, true, nil
}

func (t *txRepository) InsertLot(ctx context.Context, lot stock.Lot) (int64, error) {
	var id int64
	var lineID, senderID, originLotID any
	if lot.LineID != uuid.Nil {
		lineID = lot.LineID
	}
	if lot.SenderID != 0 {
		senderID = lot.SenderID
	}
	if lot.OriginLotID != 0 {
		originLotID = lot.OriginLotID
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO stock_lots
		 (product_id, warehouse_id, line_id, origin_lot_id, original_qty, remaining_qty, unit_cost, weight, sender_id, origin, received_at, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW()) RETURNING id`,
		lot.ProductID, lot.WarehouseID, lineID, originLotID,
		lot.OriginalQty, lot.RemainingQty, lot.UnitCost, lot.Weight, senderID,
		lot.Origin, lot.ReceivedAt, string(lot.Status)).Scan(&id)
	return id, err
}

func (t *txRepository) UpdateLot(ctx context.Context, lot stock.Lot) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE stock_lots SET original_qty=$2, remaining_qty=$3, weight=$4, status=$5 WHERE id=$1`,
		lot.ID, lot.OriginalQty, lot.RemainingQty, lot.Weight, string(lot.Status))
	return err
}

func (t *txRepository) DeleteLot(ctx context.Context, lotID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM stock_lots WHERE id=$1`, lotID)
	return err
}

func (t *txRepository) CountActiveTransfersFromLot(ctx context.Context, lotID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM transfer_records WHERE source_lot_id=$1 AND cancelled_at IS NULL`, lotID).Scan(&count)
	return count, err
}

func (t *txRepository) ListMatchesByLot(ctx context.Context, lotID int64) ([]stock.Match, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, line_id, line_kind, lot_id, qty, unit_cost, matched_at
		 FROM lot_matches WHERE lot_id=$1 ORDER BY id ASC`, lotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	matches := []stock.Match{}
	for rows.Next() {
		var match stock.Match
		if err := rows.Scan(&match.ID, &match.LineID, &match.LineKind, &match.LotID,
			&match.Qty, &match.UnitCost, &match.MatchedAt); err != nil {
			return nil, err
		}
		matches = append(matches, match)
	}
	return matches, rows.Err()
}

func (t *txRepository) InsertTransfer(ctx context.Context, record TransferRecord) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transfer_records
		 (product_id, source_lot_id, new_lot_id, from_warehouse_id, to_warehouse_id, qty, actor_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NOW()) RETURNING id`,
		record.ProductID, record.SourceLotID, record.NewLotID, record.FromWarehouseID,
		record.ToWarehouseID, record.Qty, record.ActorID).Scan(&id)
	return id, err
}

func (t *txRepository) GetTransferForUpdate(ctx context.Context, id int64) (TransferRecord, error) {
	record, err := scanTransfer(t.tx.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfer_records WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return TransferRecord{}, ErrTransferNotFound
	}
	return record, err
}

func (t *txRepository) MarkTransferCancelled(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE transfer_records SET cancelled_at=$2 WHERE id=$1`, id, at)
	return err
}

func (t *txRepository) InsertProductionJob(ctx context.Context, job ProductionJob) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO production_jobs
		 (output_product_id, output_qty, output_lot_id, output_unit_cost, overhead, actor_id, created_at)
		 VALUES ($1,$2,0,0,$3,$4,NOW()) RETURNING id`,
		job.OutputProductID, job.OutputQty, job.Overhead, job.ActorID).Scan(&id)
	return id, err
}

func (t *txRepository) UpdateProductionJob(ctx context.Context, job ProductionJob) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE production_jobs SET output_lot_id=$2, output_unit_cost=$3 WHERE id=$1`,
		job.ID, job.OutputLotID, job.OutputUnitCost)
	return err
}

func (t *txRepository) GetProductionJobForUpdate(ctx context.Context, id int64) (ProductionJob, error) {
	job, err := scanJob(t.tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM production_jobs WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ProductionJob{}, ErrProductionNotFound
	}
	return job, err
}

func (t *txRepository) MarkProductionCancelled(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE production_jobs SET cancelled_at=$2 WHERE id=$1`, id, at)
	return err
}

func (t *txRepository) InsertProductionInput(ctx context.Context, input ProductionInput) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO production_inputs (job_id, product_id, lot_id, qty, unit_cost)
		 VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		input.JobID, input.ProductID, input.LotID, input.Qty, input.UnitCost).Scan(&id)
	return id, err
}

func (t *txRepository) ListProductionInputs(ctx context.Context, jobID int64) ([]ProductionInput, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, job_id, product_id, lot_id, qty, unit_cost FROM production_inputs WHERE job_id=$1 ORDER BY id ASC`,
		jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	inputs := []ProductionInput{}
	for rows.Next() {
		var input ProductionInput
		if err := rows.Scan(&input.ID, &input.JobID, &input.ProductID, &input.LotID, &input.Qty, &input.UnitCost); err != nil {
			return nil, err
		}
		inputs = append(inputs, input)
	}
	return inputs, rows.Err()
}

func (t *txRepository) InsertEntry(ctx context.Context, entry ledger.Entry) (int64, error) {
	return ledger.InsertEntryTx(ctx, t.tx, entry)
}
