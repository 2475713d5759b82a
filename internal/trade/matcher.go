package trade

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/greenlot-erp/greenlot-erp/internal/stock"
)

// Allocation is one matcher decision: take Qty from Lot.
type Allocation struct {
	Lot stock.Lot
	Qty float64
}

// AllocateFIFO greedily allocates demand against available lots, oldest
// receipt first and lowest id first among same-date lots. Allocation is
// best-effort: when candidates run out the remainder stays unmatched, which
// is a permitted oversold state.
func AllocateFIFO(lots []stock.Lot, demand float64) []Allocation {
	candidates := make([]stock.Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.Available() {
			candidates = append(candidates, lot)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ReceivedAt.Equal(candidates[j].ReceivedAt) {
			return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	outstanding := demand
	var allocations []Allocation
	for _, lot := range candidates {
		if outstanding <= qtyEpsilon {
			break
		}
		take := lot.RemainingQty
		if take > outstanding {
			take = outstanding
		}
		allocations = append(allocations, Allocation{Lot: lot, Qty: take})
		outstanding -= take
	}
	return allocations
}

// matchLots locks the candidate lots, allocates demand FIFO, persists one
// match per allocation and decrements each lot. Existing matches are never
// reshuffled; callers pass only the outstanding delta.
func matchLots(ctx context.Context, tx TxRepository, line Line, demand float64, now time.Time) error {
	if demand <= qtyEpsilon {
		return nil
	}
	// Lots are locked in id order by the repository; FIFO ordering is
	// decided in memory afterwards so the lock order stays fixed.
	lots, err := tx.ListAvailableLotsForUpdate(ctx, line.ProductID)
	if err != nil {
		return err
	}
	for _, alloc := range AllocateFIFO(lots, demand) {
		lot := alloc.Lot
		lot.RemainingQty -= alloc.Qty
		if lot.RemainingQty < qtyEpsilon {
			lot.RemainingQty = 0
			lot.Status = stock.LotStatusDepleted
		}
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return err
		}
		match := stock.Match{
			LineID:    line.ID,
			LineKind:  string(line.Kind),
			LotID:     lot.ID,
			Qty:       alloc.Qty,
			UnitCost:  lot.UnitCost,
			MatchedAt: now,
		}
		if _, err := tx.InsertMatch(ctx, match); err != nil {
			return err
		}
	}
	return nil
}

// unmatchLine restores every lot touched by a line's matches and deletes the
// match rows. Matches are walked in lot id order to honour the lock order.
func unmatchLine(ctx context.Context, tx TxRepository, lineID uuid.UUID) error {
	matches, err := tx.ListMatchesByLine(ctx, lineID)
	if err != nil {
		return err
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].LotID < matches[j].LotID })
	for _, m := range matches {
		lot, err := tx.GetLotForUpdate(ctx, m.LotID)
		if err != nil {
			return err
		}
		lot.RemainingQty += m.Qty
		if lot.Status == stock.LotStatusDepleted {
			lot.Status = stock.LotStatusAvailable
		}
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return err
		}
	}
	return tx.DeleteMatchesByLine(ctx, lineID)
}

// unwindMatches trims a line's matched total down to target by unwinding the
// newest matches first, leaving older allocations untouched.
func unwindMatches(ctx context.Context, tx TxRepository, lineID uuid.UUID, target float64) error {
	matches, err := tx.ListMatchesByLine(ctx, lineID)
	if err != nil {
		return err
	}
	var matched float64
	for _, m := range matches {
		matched += m.Qty
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID > matches[j].ID })
	for _, m := range matches {
		excess := matched - target
		if excess <= qtyEpsilon {
			break
		}
		giveBack := m.Qty
		if giveBack > excess {
			giveBack = excess
		}
		lot, err := tx.GetLotForUpdate(ctx, m.LotID)
		if err != nil {
			return err
		}
		lot.RemainingQty += giveBack
		if lot.Status == stock.LotStatusDepleted {
			lot.Status = stock.LotStatusAvailable
		}
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return err
		}
		if giveBack >= m.Qty-qtyEpsilon {
			if err := tx.DeleteMatch(ctx, m.ID); err != nil {
				return err
			}
		} else {
			m.Qty -= giveBack
			if err := tx.UpdateMatch(ctx, m); err != nil {
				return err
			}
		}
		matched -= giveBack
	}
	return nil
}
