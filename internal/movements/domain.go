package movements

import (
	"errors"
	"time"
)

// TransferRecord documents one lot-to-warehouse move so it can be cancelled
// symmetrically later.
type TransferRecord struct {
	ID              int64
	ProductID       int64
	SourceLotID     int64
	NewLotID        int64
	FromWarehouseID int64
	ToWarehouseID   int64
	Qty             float64
	ActorID         int64
	CreatedAt       time.Time
	CancelledAt     *time.Time
}

// ProductionJob converts input stock into an output lot at derived cost.
type ProductionJob struct {
	ID              int64
	OutputProductID int64
	OutputQty       float64
	OutputLotID     int64
	OutputUnitCost  float64
	Overhead        float64
	ActorID         int64
	CreatedAt       time.Time
	CancelledAt     *time.Time
}

// ProductionInput records one consumed slice of an input lot, kept so a
// cancellation can give the exact quantities back.
type ProductionInput struct {
	ID        int64
	JobID     int64
	ProductID int64
	LotID     int64
	Qty       float64
	UnitCost  float64
}

// TransferInput describes a transfer request.
type TransferInput struct {
	Code          string
	SourceLotID   int64
	ToWarehouseID int64
	Qty           float64
	ActorID       int64
}

// InputSpec names one production input. LotID zero means consume FIFO.
type InputSpec struct {
	ProductID int64
	LotID     int64
	Qty       float64
}

// ProduceInput describes a production request.
type ProduceInput struct {
	Code            string
	OutputProductID int64
	OutputQty       float64
	WarehouseID     int64
	Inputs          []InputSpec
	Overhead        float64
	ActorID         int64
}

// Ledger reason codes written by transfer and production flows.
const (
	ReasonTransfer         = "TRANSFER"
	ReasonTransferCancel   = "TRANSFER_CANCEL"
	ReasonProduction       = "PRODUCTION"
	ReasonProductionCancel = "PRODUCTION_CANCEL"
)

// ErrTransferNotFound indicates a missing transfer record.
var ErrTransferNotFound = errors.New("movements: transfer not found")

// ErrTransferCancelled indicates a repeat cancellation.
var ErrTransferCancelled = errors.New("movements: transfer already cancelled")

// ErrProductionNotFound indicates a missing production job.
var ErrProductionNotFound = errors.New("movements: production job not found")

// ErrProductionCancelled indicates a repeat cancellation.
var ErrProductionCancelled = errors.New("movements: production job already cancelled")

// ErrSameWarehouse indicates a transfer onto its own source warehouse.
var ErrSameWarehouse = errors.New("movements: source and destination warehouse are equal")
