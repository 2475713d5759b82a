package ledger

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads the ledger from PostgreSQL. Writes happen inside the
// mutating modules' transactions via InsertEntryTx so the entry always
// commits or rolls back with the quantities it describes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertEntrySQL = `INSERT INTO ledger_entries
(occurred_at, entry_type, product_id, warehouse_id, qty, weight, before_qty, after_qty, line_id, ref_id, sender_id, origin, reason, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW()) RETURNING id`

// InsertEntryTx appends an entry within the caller's transaction.
func InsertEntryTx(ctx context.Context, tx pgx.Tx, e Entry) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, insertEntrySQL,
		e.OccurredAt, string(e.Type), e.ProductID, nullInt(e.WarehouseID), e.Qty, e.Weight,
		e.BeforeQty, e.AfterQty, nullUUID(e.LineID), nullInt(e.RefID), nullInt(e.SenderID),
		e.Origin, e.Reason).Scan(&id)
	return id, err
}

// DeleteEntriesByLineTx removes every entry tied to a line. Only the legacy
// history-pruning mode calls this.
func DeleteEntriesByLineTx(ctx context.Context, tx pgx.Tx, lineID uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM ledger_entries WHERE line_id=$1`, lineID)
	return err
}

// listQuery renders the entry listing SQL for a filter. The free-text search
// spans the provenance columns: origin, reason, and the sender id.
func listQuery(filter Filter) (string, []any) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	var sb strings.Builder
	sb.WriteString(`SELECT id, occurred_at, entry_type, product_id, COALESCE(warehouse_id,0), qty, weight, before_qty, after_qty,
COALESCE(line_id,'00000000-0000-0000-0000-000000000000'::uuid), COALESCE(ref_id,0), COALESCE(sender_id,0), origin, reason, created_at
FROM ledger_entries WHERE 1=1`)
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		sb.WriteString(" AND " + strings.Replace(clause, "?", placeholder(len(args)), 1))
	}
	if !filter.From.IsZero() {
		add("occurred_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at <= ?", filter.To)
	}
	if filter.ProductID != 0 {
		add("product_id = ?", filter.ProductID)
	}
	if filter.WarehouseID != 0 {
		add("warehouse_id = ?", filter.WarehouseID)
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		p := placeholder(len(args))
		sb.WriteString(" AND (origin ILIKE " + p + " OR reason ILIKE " + p +
			" OR CAST(sender_id AS TEXT) ILIKE " + p + ")")
	}
	args = append(args, limit)
	sb.WriteString(" ORDER BY occurred_at ASC, id ASC LIMIT " + placeholder(len(args)))
	return sb.String(), args
}

// List returns entries in chronological order with a running balance.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	query, args := listQuery(filter)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var entryType string
		if err := rows.Scan(&e.ID, &e.OccurredAt, &entryType, &e.ProductID, &e.WarehouseID, &e.Qty, &e.Weight,
			&e.BeforeQty, &e.AfterQty, &e.LineID, &e.RefID, &e.SenderID, &e.Origin, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(entryType)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// SumAdjustmentValue totals audit-tool adjustment values over a date range,
// consumed by the settlement engine.
func (r *Repository) SumAdjustmentValue(ctx context.Context, from, to time.Time) (float64, error) {
	var total float64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(value),0) FROM stock_adjustments WHERE cancelled_at IS NULL AND created_at BETWEEN $1 AND $2`,
		from, to).Scan(&total)
	return total, err
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
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
