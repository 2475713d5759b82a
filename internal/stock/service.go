package stock

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/greenlot-erp/greenlot-erp/internal/ledger"
	"github.com/greenlot-erp/greenlot-erp/internal/shared"
)

// RepositoryPort abstracts the repository for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAggregate(ctx context.Context, productID int64) (Aggregate, error)
	ListAggregates(ctx context.Context) ([]Aggregate, error)
	ListLots(ctx context.Context, filter LotFilter) ([]Lot, error)
	ListAdjustments(ctx context.Context, productID int64, limit int) ([]Adjustment, error)
}

// IdempotencyPort deduplicates audit-tool submissions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ledgerReasonAdjustCancel marks the compensating entry of a cancelled
// correction.
const ledgerReasonAdjustCancel = "ADJUST_CANCEL"

// Service handles stock queries and audit-tool corrections.
type Service struct {
	repo  RepositoryPort
	idem  IdempotencyPort
	audit AuditPort
	now   func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, idem IdempotencyPort, audit AuditPort) *Service {
	return &Service{repo: repo, idem: idem, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// GetAggregate returns the running total for one product.
func (s *Service) GetAggregate(ctx context.Context, productID int64) (Aggregate, error) {
	return s.repo.GetAggregate(ctx, productID)
}

// ListAggregates returns every product's running total.
func (s *Service) ListAggregates(ctx context.Context) ([]Aggregate, error) {
	return s.repo.ListAggregates(ctx)
}

// ListLots returns lots matching the filter.
func (s *Service) ListLots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	return s.repo.ListLots(ctx, filter)
}

// ListAdjustments returns corrections for review.
func (s *Service) ListAdjustments(ctx context.Context, productID int64, limit int) ([]Adjustment, error) {
	return s.repo.ListAdjustments(ctx, productID, limit)
}

// Adjust applies an absolute quantity correction from the external audit
// tool. The aggregate moves to the submitted quantity; lots stay untouched,
// so the integrity job can surface the resulting drift for investigation.
// The correction's monetary value is the quantity delta at the weighted
// remaining lot cost, consumed later by period settlement.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (Adjustment, error) {
	if input.Reason == "" {
		return Adjustment{}, ErrReasonRequired
	}
	if input.ProductID == 0 {
		return Adjustment{}, fmt.Errorf("stock: product required")
	}
	if input.Code != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, input.Code, "stock"); err != nil {
			return Adjustment{}, err
		}
	}

	var adjustment Adjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		agg, err := tx.GetAggregateForUpdate(ctx, input.ProductID)
		if err != nil {
			return err
		}
		delta := input.NewQuantity - agg.Qty
		cost, err := tx.WeightedLotCost(ctx, input.ProductID)
		if err != nil {
			return err
		}
		weightDelta := 0.0
		if math.Abs(agg.Qty) > 1e-9 {
			weightDelta = delta * (agg.Weight / agg.Qty)
		}
		adjustment = Adjustment{
			ProductID:   input.ProductID,
			PrevQty:     agg.Qty,
			NewQty:      input.NewQuantity,
			Value:       delta * cost,
			WeightDelta: weightDelta,
			Reason:      input.Reason,
			ActorID:     input.ActorID,
			CreatedAt:   s.now(),
		}
		adjustment.ID, err = tx.InsertAdjustment(ctx, adjustment)
		if err != nil {
			return err
		}
		before := agg.Qty
		agg.Qty = input.NewQuantity
		agg.Weight += weightDelta
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return err
		}
		_, err = tx.InsertEntry(ctx, ledger.Entry{
			OccurredAt: s.now(),
			Type:       ledger.EntryTypeAdjust,
			ProductID:  input.ProductID,
			Qty:        delta,
			Weight:     weightDelta,
			BeforeQty:  before,
			AfterQty:   agg.Qty,
			RefID:      adjustment.ID,
			Reason:     input.Reason,
		})
		return err
	})
	if err != nil {
		if input.Code != "" && s.idem != nil {
			_ = s.idem.Delete(ctx, input.Code)
		}
		return Adjustment{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "stock:adjust",
			Entity:   "stock_adjustment",
			EntityID: strconv.FormatInt(adjustment.ID, 10),
			Meta: map[string]any{
				"product_id": input.ProductID,
				"prev_qty":   adjustment.PrevQty,
				"new_qty":    adjustment.NewQty,
				"reason":     input.Reason,
			},
		})
	}
	return adjustment, nil
}

// CancelAdjustment undoes one correction independently of any submitted
// later. The inverse delta is applied to the current aggregate rather than
// restoring the recorded previous quantity, so intervening movements survive.
func (s *Service) CancelAdjustment(ctx context.Context, id, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := tx.GetAdjustmentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if adj.CancelledAt != nil {
			return ErrAdjustmentCancelled
		}
		agg, err := tx.GetAggregateForUpdate(ctx, adj.ProductID)
		if err != nil {
			return err
		}
		delta := adj.NewQty - adj.PrevQty
		before := agg.Qty
		agg.Qty -= delta
		agg.Weight -= adj.WeightDelta
		if err := tx.UpdateAggregate(ctx, agg); err != nil {
			return err
		}
		if err := tx.MarkAdjustmentCancelled(ctx, id, s.now()); err != nil {
			return err
		}
		_, err = tx.InsertEntry(ctx, ledger.Entry{
			OccurredAt: s.now(),
			Type:       ledger.EntryTypeAdjust,
			ProductID:  adj.ProductID,
			Qty:        -delta,
			Weight:     -adj.WeightDelta,
			BeforeQty:  before,
			AfterQty:   agg.Qty,
			RefID:      adj.ID,
			Reason:     ledgerReasonAdjustCancel,
		})
		return err
	})
	if err != nil {
		return err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "stock:adjust-cancel",
			Entity:   "stock_adjustment",
			EntityID: strconv.FormatInt(id, 10),
		})
	}
	return nil
}
