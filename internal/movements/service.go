package movements

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/greenlot-erp/greenlot-erp/internal/ledger"
	"github.com/greenlot-erp/greenlot-erp/internal/shared"
	"github.com/greenlot-erp/greenlot-erp/internal/stock"
	"github.com/greenlot-erp/greenlot-erp/internal/trade"
)

const qtyEpsilon = 1e-9

// RepositoryPort abstracts the repository for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListTransfers(ctx context.Context, limit int) ([]TransferRecord, error)
	ListProductionJobs(ctx context.Context, limit int) ([]ProductionJob, error)
}

// IdempotencyPort deduplicates submissions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service moves stock between warehouses and through production.
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

// ListTransfers returns transfer records, newest first.
func (s *Service) ListTransfers(ctx context.Context, limit int) ([]TransferRecord, error) {
	return s.repo.ListTransfers(ctx, limit)
}

// ListProductionJobs returns production jobs, newest first.
func (s *Service) ListProductionJobs(ctx context.Context, limit int) ([]ProductionJob, error) {
	return s.repo.ListProductionJobs(ctx, limit)
}

// Transfer moves quantity from one lot into another warehouse. The moved
// quantity keeps its receipt date and unit cost so its place in the FIFO
// queue survives the move. A prior transfer of the same lot to the same
// destination is merged instead of spawning a sibling lot.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (TransferRecord, error) {
	if input.Qty <= 0 {
		return TransferRecord{}, fmt.Errorf("movements: transfer qty must be positive")
	}
	if input.Code != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, input.Code, "movements"); err != nil {
			return TransferRecord{}, err
		}
	}

	var record TransferRecord
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Peek without locking so the aggregate row can be locked first.
		peek, err := tx.GetLot(ctx, input.SourceLotID)
		if err != nil {
			return err
		}
		if peek.WarehouseID == input.ToWarehouseID {
			return ErrSameWarehouse
		}
		agg, err := tx.GetAggregateForUpdate(ctx, peek.ProductID)
		if err != nil {
			return err
		}
		source, err := tx.GetLotForUpdate(ctx, input.SourceLotID)
		if err != nil {
			return err
		}
		if source.RemainingQty-input.Qty < -qtyEpsilon {
			return fmt.Errorf("%w: transfer of %.3f exceeds lot remainder %.3f",
				trade.ErrInsufficientStock, input.Qty, source.RemainingQty)
		}
		weight := 0.0
		if source.OriginalQty > 0 {
			weight = source.Weight / source.OriginalQty * input.Qty
		}
		source.RemainingQty -= input.Qty
		if source.RemainingQty < qtyEpsilon {
			source.RemainingQty = 0
			source.Status = stock.LotStatusDepleted
		}
		if err := tx.UpdateLot(ctx, source); err != nil {
			return err
		}

		target, found, err := tx.FindTransferTargetLot(ctx, source.ID, input.ToWarehouseID)
		if err != nil {
			return err
		}
		if found {
			target.OriginalQty += input.Qty
			target.RemainingQty += input.Qty
			target.Weight += weight
			if target.Status == stock.LotStatusDepleted {
				target.Status = stock.LotStatusAvailable
			}
			if err := tx.UpdateLot(ctx, target); err != nil {
				return err
			}
		} else {
			target = stock.Lot{
				ProductID:    source.ProductID,
				WarehouseID:  input.ToWarehouseID,
				OriginLotID:  source.ID,
				OriginalQty:  input.Qty,
				RemainingQty: input.Qty,
				UnitCost:     source.UnitCost,
				Weight:       weight,
				SenderID:     source.SenderID,
				Origin:       source.Origin,
				ReceivedAt:   source.ReceivedAt,
				Status:       stock.LotStatusAvailable,
			}
			target.ID, err = tx.InsertLot(ctx, target)
			if err != nil {
				return err
			}
		}

		record = TransferRecord{
			ProductID:       source.ProductID,
			SourceLotID:     source.ID,
			NewLotID:        target.ID,
			FromWarehouseID: source.WarehouseID,
			ToWarehouseID:   input.ToWarehouseID,
			Qty:             input.Qty,
			ActorID:         input.ActorID,
			CreatedAt:       s.now(),
		}
		record.ID, err = tx.InsertTransfer(ctx, record)
		if err != nil {
			return err
		}
		return s.postPair(ctx, tx, pairSpec{
			productID:     source.ProductID,
			fromWarehouse: source.WarehouseID,
			toWarehouse:   input.ToWarehouseID,
			qty:           input.Qty,
			weight:        weight,
			refID:         record.ID,
			origin:        source.Origin,
			reason:        ReasonTransfer,
			aggQty:        agg.Qty,
		})
	})
	if err != nil {
		if input.Code != "" && s.idem != nil {
			_ = s.idem.Delete(ctx, input.Code)
		}
		return TransferRecord{}, err
	}

	s.recordAudit(ctx, input.ActorID, "movements:transfer", "transfer_record", record.ID, map[string]any{
		"source_lot": record.SourceLotID,
		"qty":        record.Qty,
	})
	return record, nil
}

// CancelTransfer undoes one transfer. The moved quantity must still sit
// unconsumed in the destination lot; anything already matched or moved on
// blocks the cancellation.
func (s *Service) CancelTransfer(ctx context.Context, id, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		record, err := tx.GetTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if record.CancelledAt != nil {
			return ErrTransferCancelled
		}
		agg, err := tx.GetAggregateForUpdate(ctx, record.ProductID)
		if err != nil {
			return err
		}
		target, err := tx.GetLotForUpdate(ctx, record.NewLotID)
		if err != nil {
			return err
		}
		if target.RemainingQty-record.Qty < -qtyEpsilon {
			return fmt.Errorf("%w: transferred stock already consumed", trade.ErrLineLocked)
		}
		matches, err := tx.ListMatchesByLot(ctx, target.ID)
		if err != nil {
			return err
		}
		if len(matches) > 0 {
			return fmt.Errorf("%w: transferred stock already matched", trade.ErrLineLocked)
		}
		onward, err := tx.CountActiveTransfersFromLot(ctx, target.ID)
		if err != nil {
			return err
		}
		if onward > 0 {
			return fmt.Errorf("%w: transferred stock moved onward", trade.ErrLineLocked)
		}

		weight := 0.0
		if target.OriginalQty > 0 {
			weight = target.Weight / target.OriginalQty * record.Qty
		}
		target.OriginalQty -= record.Qty
		target.RemainingQty -= record.Qty
		target.Weight -= weight
		if target.OriginalQty < qtyEpsilon {
			if err := tx.DeleteLot(ctx, target.ID); err != nil {
				return err
			}
		} else if err := tx.UpdateLot(ctx, target); err != nil {
			return err
		}

		source, err := tx.GetLotForUpdate(ctx, record.SourceLotID)
		if err != nil {
			return err
		}
		source.RemainingQty += record.Qty
		if source.Status == stock.LotStatusDepleted {
			source.Status = stock.LotStatusAvailable
		}
		if err := tx.UpdateLot(ctx, source); err != nil {
			return err
		}
		if err := tx.MarkTransferCancelled(ctx, id, s.now()); err != nil {
			return err
		}
		return s.postPair(ctx, tx, pairSpec{
			productID:     record.ProductID,
			fromWarehouse: record.ToWarehouseID,
			toWarehouse:   record.FromWarehouseID,
			qty:           record.Qty,
			weight:        weight,
			refID:         record.ID,
			origin:        source.Origin,
			reason:        ReasonTransferCancel,
			aggQty:        agg.Qty,
		})
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, actorID, "movements:transfer-cancel", "transfer_record", id, nil)
	return nil
}

// Produce consumes input stock and books the output lot at derived cost:
// consumed value plus overhead, divided by output quantity. Inputs without
// an explicit lot are drawn FIFO; consumption never drives stock negative.
func (s *Service) Produce(ctx context.Context, input ProduceInput) (ProductionJob, error) {
	if input.OutputQty <= 0 {
		return ProductionJob{}, fmt.Errorf("movements: output qty must be positive")
	}
	if len(input.Inputs) == 0 {
		return ProductionJob{}, fmt.Errorf("movements: at least one input required")
	}
	if input.Code != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, input.Code, "movements"); err != nil {
			return ProductionJob{}, err
		}
	}

	var job ProductionJob
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		job = ProductionJob{
			OutputProductID: input.OutputProductID,
			OutputQty:       input.OutputQty,
			Overhead:        input.Overhead,
			ActorID:         input.ActorID,
			CreatedAt:       s.now(),
		}
		var err error
		job.ID, err = tx.InsertProductionJob(ctx, job)
		if err != nil {
			return err
		}

		// Input aggregates lock in product id order; caller-supplied order
		// would let two concurrent jobs acquire the rows in opposite order.
		specs := make([]InputSpec, len(input.Inputs))
		copy(specs, input.Inputs)
		sort.SliceStable(specs, func(i, j int) bool { return specs[i].ProductID < specs[j].ProductID })

		totalCost := input.Overhead
		var totalWeight float64
		for _, spec := range specs {
			consumed, weight, err := s.consumeInput(ctx, tx, job.ID, spec)
			if err != nil {
				return err
			}
			totalCost += consumed
			totalWeight += weight
		}

		job.OutputUnitCost = totalCost / input.OutputQty
		outAgg, err := tx.GetAggregateForUpdate(ctx, input.OutputProductID)
		if err != nil {
			return err
		}
		lot := stock.Lot{
			ProductID:    input.OutputProductID,
			WarehouseID:  input.WarehouseID,
			OriginalQty:  input.OutputQty,
			RemainingQty: input.OutputQty,
			UnitCost:     job.OutputUnitCost,
			Weight:       totalWeight,
			Origin:       "production",
			ReceivedAt:   s.now(),
			Status:       stock.LotStatusAvailable,
		}
		job.OutputLotID, err = tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		if err := tx.UpdateProductionJob(ctx, job); err != nil {
			return err
		}

		before := outAgg.Qty
		outAgg.Qty += input.OutputQty
		outAgg.Weight += totalWeight
		if err := tx.UpdateAggregate(ctx, outAgg); err != nil {
			return err
		}
		_, err = tx.InsertEntry(ctx, ledger.Entry{
			OccurredAt:  s.now(),
			Type:        ledger.EntryTypeIn,
			ProductID:   input.OutputProductID,
			WarehouseID: input.WarehouseID,
			Qty:         input.OutputQty,
			Weight:      totalWeight,
			BeforeQty:   before,
			AfterQty:    outAgg.Qty,
			RefID:       job.ID,
			Origin:      "production",
			Reason:      ReasonProduction,
		})
		return err
	})
	if err != nil {
		if input.Code != "" && s.idem != nil {
			_ = s.idem.Delete(ctx, input.Code)
		}
		return ProductionJob{}, err
	}

	s.recordAudit(ctx, input.ActorID, "movements:produce", "production_job", job.ID, map[string]any{
		"output_product": input.OutputProductID,
		"output_qty":     input.OutputQty,
	})
	return job, nil
}

// consumeInput draws one input spec from stock and records the consumed
// slices. Returns the consumed value and weight.
func (s *Service) consumeInput(ctx context.Context, tx TxRepository, jobID int64, spec InputSpec) (float64, float64, error) {
	if spec.Qty <= 0 {
		return 0, 0, fmt.Errorf("movements: input qty must be positive")
	}
	agg, err := tx.GetAggregateForUpdate(ctx, spec.ProductID)
	if err != nil {
		return 0, 0, err
	}
	if agg.Qty-spec.Qty < -qtyEpsilon {
		return 0, 0, fmt.Errorf("%w: consumption of %.3f exceeds stock %.3f",
			trade.ErrInsufficientStock, spec.Qty, agg.Qty)
	}

	var slices []stock.Lot
	var takes []float64
	if spec.LotID != 0 {
		lot, err := tx.GetLotForUpdate(ctx, spec.LotID)
		if err != nil {
			return 0, 0, err
		}
		if lot.RemainingQty-spec.Qty < -qtyEpsilon {
			return 0, 0, fmt.Errorf("%w: lot %d holds only %.3f",
				trade.ErrInsufficientStock, lot.ID, lot.RemainingQty)
		}
		slices, takes = []stock.Lot{lot}, []float64{spec.Qty}
	} else {
		lots, err := tx.ListAvailableLotsForUpdate(ctx, spec.ProductID)
		if err != nil {
			return 0, 0, err
		}
		allocations := trade.AllocateFIFO(lots, spec.Qty)
		var covered float64
		for _, alloc := range allocations {
			slices = append(slices, alloc.Lot)
			takes = append(takes, alloc.Qty)
			covered += alloc.Qty
		}
		if covered < spec.Qty-qtyEpsilon {
			return 0, 0, fmt.Errorf("%w: only %.3f available in lots",
				trade.ErrInsufficientStock, covered)
		}
	}

	var value, weight float64
	for i, lot := range slices {
		take := takes[i]
		slice := 0.0
		if lot.OriginalQty > 0 {
			slice = lot.Weight / lot.OriginalQty * take
		}
		lot.RemainingQty -= take
		if lot.RemainingQty < qtyEpsilon {
			lot.RemainingQty = 0
			lot.Status = stock.LotStatusDepleted
		}
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return 0, 0, err
		}
		if _, err := tx.InsertProductionInput(ctx, ProductionInput{
			JobID:     jobID,
			ProductID: spec.ProductID,
			LotID:     lot.ID,
			Qty:       take,
			UnitCost:  lot.UnitCost,
		}); err != nil {
			return 0, 0, err
		}
		value += take * lot.UnitCost
		weight += slice
	}

	before := agg.Qty
	agg.Qty -= spec.Qty
	agg.Weight -= weight
	if err := tx.UpdateAggregate(ctx, agg); err != nil {
		return 0, 0, err
	}
	_, err = tx.InsertEntry(ctx, ledger.Entry{
		OccurredAt: s.now(),
		Type:       ledger.EntryTypeOut,
		ProductID:  spec.ProductID,
		Qty:        -spec.Qty,
		Weight:     -weight,
		BeforeQty:  before,
		AfterQty:   agg.Qty,
		RefID:      jobID,
		Origin:     "production",
		Reason:     ReasonProduction,
	})
	return value, weight, err
}

// CancelProduction undoes one job. The output lot must still be fully
// unconsumed; every recorded input slice is handed back to its lot.
func (s *Service) CancelProduction(ctx context.Context, id, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		job, err := tx.GetProductionJobForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if job.CancelledAt != nil {
			return ErrProductionCancelled
		}
		outAgg, err := tx.GetAggregateForUpdate(ctx, job.OutputProductID)
		if err != nil {
			return err
		}
		output, err := tx.GetLotForUpdate(ctx, job.OutputLotID)
		if err != nil {
			return err
		}
		if output.RemainingQty < output.OriginalQty-qtyEpsilon {
			return fmt.Errorf("%w: produced stock already consumed", trade.ErrLineLocked)
		}
		onward, err := tx.CountActiveTransfersFromLot(ctx, output.ID)
		if err != nil {
			return err
		}
		if onward > 0 {
			return fmt.Errorf("%w: produced stock moved onward", trade.ErrLineLocked)
		}
		if err := tx.DeleteLot(ctx, output.ID); err != nil {
			return err
		}
		before := outAgg.Qty
		outAgg.Qty -= job.OutputQty
		outAgg.Weight -= output.Weight
		if err := tx.UpdateAggregate(ctx, outAgg); err != nil {
			return err
		}
		if _, err := tx.InsertEntry(ctx, ledger.Entry{
			OccurredAt:  s.now(),
			Type:        ledger.EntryTypeOut,
			ProductID:   job.OutputProductID,
			WarehouseID: output.WarehouseID,
			Qty:         -job.OutputQty,
			Weight:      -output.Weight,
			BeforeQty:   before,
			AfterQty:    outAgg.Qty,
			RefID:       job.ID,
			Origin:      "production",
			Reason:      ReasonProductionCancel,
		}); err != nil {
			return err
		}

		inputs, err := tx.ListProductionInputs(ctx, job.ID)
		if err != nil {
			return err
		}
		restored := map[int64]float64{}
		for _, in := range inputs {
			lot, err := tx.GetLotForUpdate(ctx, in.LotID)
			if err != nil {
				return err
			}
			lot.RemainingQty += in.Qty
			if lot.Status == stock.LotStatusDepleted {
				lot.Status = stock.LotStatusAvailable
			}
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
			restored[in.ProductID] += in.Qty
		}
		productIDs := make([]int64, 0, len(restored))
		for productID := range restored {
			productIDs = append(productIDs, productID)
		}
		sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })
		for _, productID := range productIDs {
			qty := restored[productID]
			agg, err := tx.GetAggregateForUpdate(ctx, productID)
			if err != nil {
				return err
			}
			before := agg.Qty
			agg.Qty += qty
			if err := tx.UpdateAggregate(ctx, agg); err != nil {
				return err
			}
			if _, err := tx.InsertEntry(ctx, ledger.Entry{
				OccurredAt: s.now(),
				Type:       ledger.EntryTypeIn,
				ProductID:  productID,
				Qty:        qty,
				BeforeQty:  before,
				AfterQty:   agg.Qty,
				RefID:      job.ID,
				Origin:     "production",
				Reason:     ReasonProductionCancel,
			}); err != nil {
				return err
			}
		}
		return tx.MarkProductionCancelled(ctx, id, s.now())
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, actorID, "movements:produce-cancel", "production_job", id, nil)
	return nil
}

type pairSpec struct {
	productID     int64
	fromWarehouse int64
	toWarehouse   int64
	qty           float64
	weight        float64
	refID         int64
	origin        string
	reason        string
	aggQty        float64
}

// postPair writes the OUT/IN entry pair of a warehouse move. The product
// aggregate is untouched, so the pair nets to zero on the running balance.
func (s *Service) postPair(ctx context.Context, tx TxRepository, spec pairSpec) error {
	now := s.now()
	if _, err := tx.InsertEntry(ctx, ledger.Entry{
		OccurredAt:  now,
		Type:        ledger.EntryTypeOut,
		ProductID:   spec.productID,
		WarehouseID: spec.fromWarehouse,
		Qty:         -spec.qty,
		Weight:      -spec.weight,
		BeforeQty:   spec.aggQty,
		AfterQty:    spec.aggQty - spec.qty,
		RefID:       spec.refID,
		Origin:      spec.origin,
		Reason:      spec.reason,
	}); err != nil {
		return err
	}
	_, err := tx.InsertEntry(ctx, ledger.Entry{
		OccurredAt:  now,
		Type:        ledger.EntryTypeIn,
		ProductID:   spec.productID,
		WarehouseID: spec.toWarehouse,
		Qty:         spec.qty,
		Weight:      spec.weight,
		BeforeQty:   spec.aggQty - spec.qty,
		AfterQty:    spec.aggQty,
		RefID:       spec.refID,
		Origin:      spec.origin,
		Reason:      spec.reason,
	})
	return err
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
}
