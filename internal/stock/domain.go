package stock

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// LotStatus enumerates inventory lot lifecycle stages.
type LotStatus string

const (
	// LotStatusAvailable marks a lot with remaining quantity open for matching.
	LotStatusAvailable LotStatus = "AVAILABLE"
	// LotStatusDepleted marks a fully consumed lot. Reversals flip it back.
	LotStatusDepleted LotStatus = "DEPLETED"
	// LotStatusCancelled is terminal and reached only via administrative override.
	LotStatusCancelled LotStatus = "CANCELLED"
)

// Lot is a quantity of one product received at a single date and unit cost,
// tracked independently for FIFO consumption.
type Lot struct {
	ID           int64
	ProductID    int64
	WarehouseID  int64
	LineID       uuid.UUID // originating trade line; zero for transfer-created lots
	OriginLotID  int64     // source lot when created by a transfer
	OriginalQty  float64
	RemainingQty float64
	UnitCost     float64
	Weight       float64
	SenderID     int64
	Origin       string
	ReceivedAt   time.Time
	Status       LotStatus
	CreatedAt    time.Time
}

// Available reports whether the lot can supply FIFO matching.
func (l Lot) Available() bool {
	return l.Status == LotStatusAvailable && l.RemainingQty > 0
}

// Aggregate is the denormalised per-product running total. One row per
// product; each row is an independently lockable unit.
type Aggregate struct {
	ProductID int64
	Qty       float64
	Weight    float64
	UpdatedAt time.Time
}

// Match links one outbound trade line to one lot with a matched quantity.
// UnitCost snapshots the lot cost at match time for bookkeeping COGS.
type Match struct {
	ID        int64
	LineID    uuid.UUID
	LineKind  string
	LotID     int64
	Qty       float64
	UnitCost  float64
	MatchedAt time.Time
}

// Adjustment records a one-off quantity correction submitted by the external
// inventory audit tool. Keeping the previous quantity makes it independently
// cancellable.
type Adjustment struct {
	ID          int64
	ProductID   int64
	PrevQty     float64
	NewQty      float64
	Value       float64 // quantity delta valued at the weighted lot cost
	WeightDelta float64 // aggregate weight moved alongside the quantity
	Reason      string
	ActorID     int64
	CreatedAt   time.Time
	CancelledAt *time.Time
}

// AdjustInput describes an audit-tool correction request.
type AdjustInput struct {
	Code        string
	ProductID   int64
	NewQuantity float64
	Reason      string
	ActorID     int64
}

// LotFilter selects lots for the query surface.
type LotFilter struct {
	ProductID   int64
	WarehouseID int64
	Limit       int
}

// ErrLotNotFound indicates a missing lot row.
var ErrLotNotFound = errors.New("stock: lot not found")

// ErrAdjustmentNotFound indicates a missing adjustment row.
var ErrAdjustmentNotFound = errors.New("stock: adjustment not found")

// ErrAdjustmentCancelled indicates the adjustment was already cancelled.
var ErrAdjustmentCancelled = errors.New("stock: adjustment already cancelled")

// ErrReasonRequired indicates a correction without justification.
var ErrReasonRequired = errors.New("stock: adjustment reason required")
