package trade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/greenlot-erp/greenlot-erp/internal/stock"
)

func lot(id int64, day int, remaining float64) stock.Lot {
	return stock.Lot{
		ID:           id,
		ProductID:    1,
		RemainingQty: remaining,
		ReceivedAt:   time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC),
		Status:       stock.LotStatusAvailable,
	}
}

func TestAllocateFIFOOrdersByReceiptThenID(t *testing.T) {
	lots := []stock.Lot{lot(2, 1, 5), lot(1, 1, 3), lot(3, 2, 10)}

	allocations := AllocateFIFO(lots, 4)
	require.Len(t, allocations, 2)
	// same receipt date: lower id drains first
	require.Equal(t, int64(1), allocations[0].Lot.ID)
	require.Equal(t, 3.0, allocations[0].Qty)
	require.Equal(t, int64(2), allocations[1].Lot.ID)
	require.Equal(t, 1.0, allocations[1].Qty)
}

func TestAllocateFIFOSkipsUnavailableLots(t *testing.T) {
	depleted := lot(1, 1, 0)
	depleted.Status = stock.LotStatusDepleted
	cancelled := lot(2, 1, 5)
	cancelled.Status = stock.LotStatusCancelled
	open := lot(3, 2, 2)

	allocations := AllocateFIFO([]stock.Lot{depleted, cancelled, open}, 4)
	require.Len(t, allocations, 1)
	require.Equal(t, int64(3), allocations[0].Lot.ID)
	require.Equal(t, 2.0, allocations[0].Qty)
}

func TestAllocateFIFOBestEffortUnderDemand(t *testing.T) {
	allocations := AllocateFIFO([]stock.Lot{lot(1, 1, 3)}, 10)
	require.Len(t, allocations, 1)
	require.Equal(t, 3.0, allocations[0].Qty)
}
