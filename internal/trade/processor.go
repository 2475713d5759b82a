package trade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/greenlot-erp/greenlot-erp/internal/ledger"
	"github.com/greenlot-erp/greenlot-erp/internal/refdata"
	"github.com/greenlot-erp/greenlot-erp/internal/shared"
	"github.com/greenlot-erp/greenlot-erp/internal/stock"
)

// RepositoryPort abstracts repository usage for the processor.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// RefDataPort resolves product attributes needed by the ledger.
type RefDataPort interface {
	GetProduct(ctx context.Context, id int64) (refdata.Product, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts successful postings.
type MetricsPort interface {
	CountPosting(entryType string)
}

// ProcessorConfig groups optional settings.
type ProcessorConfig struct {
	// PruneReversedHistory deletes a reversed line's ledger rows instead of
	// appending compensating entries, matching the legacy behaviour.
	PruneReversedHistory bool
}

// Processor orchestrates ledger state transitions for trade lines. Apply,
// Reverse and Amend each run inside one atomic transaction; a failed
// precondition aborts the whole transaction with no partial effect.
type Processor struct {
	repo    RepositoryPort
	refdata RefDataPort
	audit   AuditPort
	metrics MetricsPort
	prune   bool
	now     func() time.Time
}

// NewProcessor builds Processor.
func NewProcessor(repo RepositoryPort, ref RefDataPort, audit AuditPort, metrics MetricsPort, cfg ProcessorConfig) *Processor {
	return &Processor{
		repo:    repo,
		refdata: ref,
		audit:   audit,
		metrics: metrics,
		prune:   cfg.PruneReversedHistory,
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (p *Processor) WithNow(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Apply persists a newly created trade line and posts it to the ledger in
// one transaction.
func (p *Processor) Apply(ctx context.Context, line Line) error {
	line, op, err := p.prepare(ctx, line)
	if err != nil {
		return err
	}
	err = p.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertLine(ctx, line); err != nil {
			return err
		}
		return op.apply(ctx, tx, p, line, "")
	})
	if err != nil {
		return err
	}
	p.recordAudit(ctx, "apply", line)
	return nil
}

// Reverse undoes a previously applied line, restoring aggregate stock and
// every touched lot to the pre-apply state. The line row survives with a
// reversal timestamp.
func (p *Processor) Reverse(ctx context.Context, lineID uuid.UUID) error {
	var reversed Line
	err := p.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		line, err := tx.GetLineForUpdate(ctx, lineID)
		if err != nil {
			return err
		}
		if line.ReversedAt != nil {
			return ErrLineReversed
		}
		op, err := opFor(line.Kind)
		if err != nil {
			return err
		}
		if err := op.reverse(ctx, tx, p, line, ledger.ReasonReverse, p.prune); err != nil {
			return err
		}
		reversed = line
		return tx.MarkLineReversed(ctx, lineID, p.now().UTC())
	})
	if err != nil {
		return err
	}
	p.recordAudit(ctx, "reverse", reversed)
	return nil
}

// Amend replaces an applied line with its edited version. A pure metadata
// edit updates the row without touching the ledger; otherwise the old
// version is reversed and the new one applied inside the same transaction,
// leaving an UPDATE_REVERSE and an UPDATE_APPLY entry so history stays
// reconstructable. A sale whose product is unchanged keeps its existing
// matches and only the quantity delta is rematched (or unwound newest-first
// on a decrease).
func (p *Processor) Amend(ctx context.Context, newLine Line) error {
	newLine, newOp, err := p.prepare(ctx, newLine)
	if err != nil {
		return err
	}
	err = p.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		oldLine, err := tx.GetLineForUpdate(ctx, newLine.ID)
		if err != nil {
			return err
		}
		if oldLine.ReversedAt != nil {
			return ErrLineReversed
		}
		newLine.DocumentID = oldLine.DocumentID
		if err := tx.UpdateLine(ctx, newLine); err != nil {
			return err
		}
		if oldLine.SameEconomics(newLine) {
			return nil
		}
		if keepsMatches(oldLine, newLine) {
			return amendSaleDelta(ctx, tx, p, oldLine, newLine)
		}
		oldOp, err := opFor(oldLine.Kind)
		if err != nil {
			return err
		}
		if err := oldOp.reverse(ctx, tx, p, oldLine, ledger.ReasonUpdateReverse, false); err != nil {
			return err
		}
		return newOp.apply(ctx, tx, p, newLine, ledger.ReasonUpdateApply)
	})
	if err != nil {
		return err
	}
	p.recordAudit(ctx, "amend", newLine)
	return nil
}

// keepsMatches reports whether an amendment can leave existing lot matches
// in place and settle only the quantity delta.
func keepsMatches(oldLine, newLine Line) bool {
	if oldLine.Kind != LineKindSale || newLine.Kind != LineKindSale {
		return false
	}
	return oldLine.ProductID == newLine.ProductID && oldLine.WarehouseID == newLine.WarehouseID
}

// amendSaleDelta adjusts the aggregate by reverse+apply entries but never
// reshuffles existing matches: an increase allocates only the outstanding
// delta, a decrease unwinds the newest matches down to the new quantity.
func amendSaleDelta(ctx context.Context, tx TxRepository, p *Processor, oldLine, newLine Line) error {
	agg, err := tx.GetAggregateForUpdate(ctx, oldLine.ProductID)
	if err != nil {
		return err
	}
	before := agg.Qty
	agg.Qty += oldLine.Quantity
	agg.Weight += oldLine.TotalWeight
	if err := tx.UpdateAggregate(ctx, agg); err != nil {
		return err
	}
	if err := p.postEntry(ctx, tx, oldLine, ledger.EntryTypeIn, oldLine.Quantity, oldLine.TotalWeight, before, agg.Qty, ledger.ReasonUpdateReverse); err != nil {
		return err
	}

	before = agg.Qty
	agg.Qty -= newLine.Quantity
	agg.Weight -= newLine.TotalWeight
	if err := tx.UpdateAggregate(ctx, agg); err != nil {
		return err
	}
	if err := p.postEntry(ctx, tx, newLine, ledger.EntryTypeOut, -newLine.Quantity, -newLine.TotalWeight, before, agg.Qty, ledger.ReasonUpdateApply); err != nil {
		return err
	}

	matched, err := tx.SumMatchedByLine(ctx, newLine.ID)
	if err != nil {
		return err
	}
	if matched > newLine.Quantity+qtyEpsilon {
		return unwindMatches(ctx, tx, newLine.ID, newLine.Quantity)
	}
	return matchLots(ctx, tx, newLine, newLine.Quantity-matched, p.now())
}

// prepare validates the line, normalises production direction and resolves
// the effective weight before the transaction starts. Reference data is
// immutable for ledger purposes, so the lookup can live outside the tx.
func (p *Processor) prepare(ctx context.Context, line Line) (Line, lineOp, error) {
	line = line.Normalize()
	if err := line.Validate(); err != nil {
		return Line{}, nil, err
	}
	op, err := opFor(line.Kind)
	if err != nil {
		return Line{}, nil, err
	}
	if line.TotalWeight == 0 {
		product, err := p.refdata.GetProduct(ctx, line.ProductID)
		if err != nil {
			return Line{}, nil, fmt.Errorf("trade: resolve product %d: %w", line.ProductID, err)
		}
		line.TotalWeight = product.UnitWeight * math.Abs(line.Quantity)
	}
	if line.OccurredAt.IsZero() {
		line.OccurredAt = p.now().UTC()
	}
	return line, op, nil
}

func (p *Processor) recordAudit(ctx context.Context, action string, line Line) {
	if p.metrics != nil {
		p.metrics.CountPosting(string(line.Kind))
	}
	if p.audit == nil {
		return
	}
	_ = p.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   fmt.Sprintf("trade:%s", action),
		Entity:   "trade_line",
		EntityID: line.ID.String(),
		Meta: map[string]any{
			"kind":       string(line.Kind),
			"product_id": line.ProductID,
			"qty":        line.Quantity,
		},
	})
}

// postEntry appends one ledger entry inside the transaction.
func (p *Processor) postEntry(ctx context.Context, tx TxRepository, line Line, entryType ledger.EntryType, qty, weight, before, after float64, reason string) error {
	_, err := tx.InsertEntry(ctx, ledger.Entry{
		OccurredAt:  line.OccurredAt,
		Type:        entryType,
		ProductID:   line.ProductID,
		WarehouseID: line.WarehouseID,
		Qty:         qty,
		Weight:      weight,
		BeforeQty:   before,
		AfterQty:    after,
		LineID:      line.ID,
		SenderID:    line.SenderID,
		Origin:      line.Origin,
		Reason:      reason,
	})
	return err
}

// lineOp is the tagged-variant seam: one implementation per line kind.
type lineOp interface {
	apply(ctx context.Context, tx TxRepository, p *Processor, line Line, reason string) error
	reverse(ctx context.Context, tx TxRepository, p *Processor, line Line, reason string, prune bool) error
}

func opFor(kind LineKind) (lineOp, error) {
	switch kind {
	case LineKindPurchase:
		return purchaseOp{}, nil
	case LineKindSale:
		return saleOp{}, nil
	case LineKindProduction:
		return productionOp{}, nil
	default:
		return nil, errors.New("trade: unknown line kind")
	}
}

type purchaseOp struct{}

func (purchaseOp) apply(ctx context.Context, tx TxRepository, p *Processor, line Line, reason string) error {
	// Lock order invariant: aggregate row first, then lot rows.
	agg, err := tx.GetAggregateForUpdate(ctx, line.ProductID)
	if err != nil {
		return err
	}
	if line.IsVendorReturn() {
		lot, err := tx.GetLotByLineForUpdate(ctx, line.ParentLineID)
		if err != nil {
			return err
		}
		returned := -line.Quantity
		if lot.RemainingQty-returned < -qtyEpsilon {
			return fmt.Errorf("%w: return of %.3f exceeds lot remainder %.3f", ErrInsufficientStock, returned, lot.RemainingQty)
		}
		lot.RemainingQty -= returned
		if lot.RemainingQty < qtyEpsilon {
			lot.RemainingQty = 0
			lot.Status = stock.LotStatusDepleted
		}
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return err
		}
		before := agg.Qty
		agg.Qty -= returned
		agg.Weight -= line.TotalWeight
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return err
		}
		return p.postEntry(ctx, tx, line, ledger.EntryTypeOut, -returned, -line.TotalWeight, before, agg.Qty, reason)
	}

	lot := stock.Lot{
		ProductID:    line.ProductID,
		WarehouseID:  line.WarehouseID,
		LineID:       line.ID,
		OriginalQty:  line.Quantity,
		RemainingQty: line.Quantity,
		UnitCost:     line.UnitCost,
		Weight:       line.TotalWeight,
		SenderID:     line.SenderID,
		Origin:       line.Origin,
		ReceivedAt:   line.OccurredAt,
		Status:       stock.LotStatusAvailable,
	}
	if _, err := tx.InsertLot(ctx, lot); err != nil {
		return err
	}
	before := agg.Qty
	agg.Qty += line.Quantity
	agg.Weight += line.TotalWeight
	if err := tx.UpdateAggregate(ctx, agg); err != nil {
		return err
	}
	return p.postEntry(ctx, tx, line, ledger.EntryTypeIn, line.Quantity, line.TotalWeight, before, agg.Qty, reason)
}

func (purchaseOp) reverse(ctx context.Context, tx TxRepository, p *Processor, line Line, reason string, prune bool) error {
	agg, err := tx.GetAggregateForUpdate(ctx, line.ProductID)
	if err != nil {
		return err
	}
	if line.IsVendorReturn() {
		lot, err := tx.GetLotByLineForUpdate(ctx, line.ParentLineID)
		if err != nil {
			return err
		}
		returned := -line.Quantity
		lot.RemainingQty += returned
		if lot.Status == stock.LotStatusDepleted {
			lot.Status = stock.LotStatusAvailable
		}
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return err
		}
		before := agg.Qty
		agg.Qty += returned
		agg.Weight += line.TotalWeight
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return err
		}
		return p.settleHistory(ctx, tx, line, ledger.EntryTypeIn, returned, line.TotalWeight, before, agg.Qty, reason, prune)
	}

	lot, err := tx.GetLotByLineForUpdate(ctx, line.ID)
	if err != nil {
		return err
	}
	matches, err := tx.ListMatchesByLot(ctx, lot.ID)
	if err != nil {
		return err
	}
	if len(matches) > 0 {
		return fmt.Errorf("%w: lot %d has %d matches", ErrLineLocked, lot.ID, len(matches))
	}
	transfers, err := tx.CountActiveTransfersFromLot(ctx, lot.ID)
	if err != nil {
		return err
	}
	if transfers > 0 {
		return fmt.Errorf("%w: lot %d has outbound transfers", ErrLineLocked, lot.ID)
	}
	if err := tx.DeleteLot(ctx, lot.ID); err != nil {
		return err
	}
	before := agg.Qty
	agg.Qty -= lot.OriginalQty
	agg.Weight -= lot.Weight
	if err := tx.UpdateAggregate(ctx, agg); err != nil {
		return err
	}
	return p.settleHistory(ctx, tx, line, ledger.EntryTypeOut, -lot.OriginalQty, -lot.Weight, before, agg.Qty, reason, prune)
}

type saleOp struct{}

func (saleOp) apply(ctx context.Context, tx TxRepository, p *Processor, line Line, reason string) error {
	agg, err := tx.GetAggregateForUpdate(ctx, line.ProductID)
	if err != nil {
		return err
	}
	// Negative stock is a permitted business state for sales.
	before := agg.Qty
	agg.Qty -= line.Quantity
	agg.Weight -= line.TotalWeight
	if err := tx.UpdateAggregate(ctx, agg); err != nil {
		return err
	}
	if err := p.postEntry(ctx, tx, line, ledger.EntryTypeOut, -line.Quantity, -line.TotalWeight, before, agg.Qty, reason); err != nil {
		return err
	}
	matched, err := tx.SumMatchedByLine(ctx, line.ID)
	if err != nil {
		return err
	}
	return matchLots(ctx, tx, line, line.Quantity-matched, p.now())
}

func (saleOp) reverse(ctx context.Context, tx TxRepository, p *Processor, line Line, reason string, prune bool) error {
	agg, err := tx.GetAggregateForUpdate(ctx, line.ProductID)
	if err != nil {
		return err
	}
	if err := unmatchLine(ctx, tx, line.ID); err != nil {
		return err
	}
	before := agg.Qty
	agg.Qty += line.Quantity
	agg.Weight += line.TotalWeight
	if err := tx.UpdateAggregate(ctx, agg); err != nil {
		return err
	}
	return p.settleHistory(ctx, tx, line, ledger.EntryTypeIn, line.Quantity, line.TotalWeight, before, agg.Qty, reason, prune)
}

type productionOp struct{}

func (productionOp) apply(ctx context.Context, tx TxRepository, p *Processor, line Line, reason string) error {
	agg, err := tx.GetAggregateForUpdate(ctx, line.ProductID)
	if err != nil {
		return err
	}
	if line.Direction == DirectionConsume {
		// Production, unlike sale, enforces non-negative stock.
		if agg.Qty-line.Quantity < -qtyEpsilon {
			return fmt.Errorf("%w: consumption of %.3f exceeds stock %.3f", ErrInsufficientStock, line.Quantity, agg.Qty)
		}
		before := agg.Qty
		agg.Qty -= line.Quantity
		agg.Weight -= line.TotalWeight
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return err
		}
		if err := p.postEntry(ctx, tx, line, ledger.EntryTypeOut, -line.Quantity, -line.TotalWeight, before, agg.Qty, reason); err != nil {
			return err
		}
		matched, err := tx.SumMatchedByLine(ctx, line.ID)
		if err != nil {
			return err
		}
		return matchLots(ctx, tx, line, line.Quantity-matched, p.now())
	}

	lot := stock.Lot{
		ProductID:    line.ProductID,
		WarehouseID:  line.WarehouseID,
		LineID:       line.ID,
		OriginalQty:  line.Quantity,
		RemainingQty: line.Quantity,
		UnitCost:     line.UnitCost,
		Weight:       line.TotalWeight,
		SenderID:     line.SenderID,
		Origin:       line.Origin,
		ReceivedAt:   line.OccurredAt,
		Status:       stock.LotStatusAvailable,
	}
	if _, err := tx.InsertLot(ctx, lot); err != nil {
		return err
	}
	before := agg.Qty
	agg.Qty += line.Quantity
	agg.Weight += line.TotalWeight
	if err := tx.UpdateAggregate(ctx, agg); err != nil {
		return err
	}
	return p.postEntry(ctx, tx, line, ledger.EntryTypeIn, line.Quantity, line.TotalWeight, before, agg.Qty, reason)
}

func (productionOp) reverse(ctx context.Context, tx TxRepository, p *Processor, line Line, reason string, prune bool) error {
	if line.Direction == DirectionConsume {
		agg, err := tx.GetAggregateForUpdate(ctx, line.ProductID)
		if err != nil {
			return err
		}
		if err := unmatchLine(ctx, tx, line.ID); err != nil {
			return err
		}
		before := agg.Qty
		agg.Qty += line.Quantity
		agg.Weight += line.TotalWeight
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return err
		}
		return p.settleHistory(ctx, tx, line, ledger.EntryTypeIn, line.Quantity, line.TotalWeight, before, agg.Qty, reason, prune)
	}
	return purchaseOp{}.reverse(ctx, tx, p, line, reason, prune)
}

// settleHistory closes out a reversed line's ledger trail: by default a
// compensating entry is appended, in pruning mode the line's rows are
// deleted outright.
func (p *Processor) settleHistory(ctx context.Context, tx TxRepository, line Line, entryType ledger.EntryType, qty, weight, before, after float64, reason string, prune bool) error {
	if prune {
		return tx.DeleteEntriesByLine(ctx, line.ID)
	}
	return p.postEntry(ctx, tx, line, entryType, qty, weight, before, after, reason)
}

// TxRepository exposes the transactional operations the processor needs. The
// implementation must lock the aggregate row before any lot row and lots in
// id order.
type TxRepository interface {
	InsertLine(ctx context.Context, line Line) error
	GetLineForUpdate(ctx context.Context, lineID uuid.UUID) (Line, error)
	UpdateLine(ctx context.Context, line Line) error
	MarkLineReversed(ctx context.Context, lineID uuid.UUID, at time.Time) error
	GetAggregateForUpdate(ctx context.Context, productID int64) (stock.Aggregate, error)
	UpdateAggregate(ctx context.Context, agg stock.Aggregate) error
	GetLotForUpdate(ctx context.Context, lotID int64) (stock.Lot, error)
	GetLotByLineForUpdate(ctx context.Context, lineID uuid.UUID) (stock.Lot, error)
	ListAvailableLotsForUpdate(ctx context.Context, productID int64) ([]stock.Lot, error)
	InsertLot(ctx context.Context, lot stock.Lot) (int64, error)
	UpdateLot(ctx context.Context, lot stock.Lot) error
	DeleteLot(ctx context.Context, lotID int64) error
	InsertMatch(ctx context.Context, match stock.Match) (int64, error)
	ListMatchesByLine(ctx context.Context, lineID uuid.UUID) ([]stock.Match, error)
	ListMatchesByLot(ctx context.Context, lotID int64) ([]stock.Match, error)
	DeleteMatchesByLine(ctx context.Context, lineID uuid.UUID) error
	DeleteMatch(ctx context.Context, matchID int64) error
	UpdateMatch(ctx context.Context, match stock.Match) error
	SumMatchedByLine(ctx context.Context, lineID uuid.UUID) (float64, error)
	CountActiveTransfersFromLot(ctx context.Context, lotID int64) (int, error)
	InsertEntry(ctx context.Context, entry ledger.Entry) (int64, error)
	DeleteEntriesByLine(ctx context.Context, lineID uuid.UUID) error
}
