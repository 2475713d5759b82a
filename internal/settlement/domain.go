package settlement

import (
	"errors"
	"time"
)

// PeriodClosing freezes one accounting period. DerivedCOGS comes from the
// inventory equation, BookkeepingCOGS from the lot matches booked in the
// period; a gap between them is reported, never enforced.
type PeriodClosing struct {
	ID               int64
	PeriodStart      time.Time
	PeriodEnd        time.Time
	OpeningValue     float64
	ClosingValue     float64
	PurchasesValue   float64
	AdjustmentsValue float64
	DerivedCOGS      float64
	BookkeepingCOGS  float64
	Variance         float64
	VarianceWarning  bool
	CashInflow       float64
	CashOutflow      float64
	ActualCash       float64 // counted balance submitted with the close
	Note             string
	ClosedBy         int64
	CreatedAt        time.Time
}

// CloseInput describes a close request.
type CloseInput struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	ActualCash  float64
	Note        string
	ActorID     int64
}

// CashTotals summarises the cash book over a period for the close report.
type CashTotals struct {
	Inflow  float64
	Outflow float64
}

// ErrPeriodSequence indicates a close that does not directly follow the
// previous period.
var ErrPeriodSequence = errors.New("settlement: period must start the day after the previous close")

// ErrPeriodOrder indicates a period whose end precedes its start.
var ErrPeriodOrder = errors.New("settlement: period end before start")

// ErrNotLatestClosing indicates an undo against anything but the newest
// closing.
var ErrNotLatestClosing = errors.New("settlement: only the latest closing can be undone")

// ErrClosingNotFound indicates a missing closing row.
var ErrClosingNotFound = errors.New("settlement: closing not found")

// ErrCloseInProgress indicates a concurrent close holds the lock.
var ErrCloseInProgress = errors.New("settlement: another close is in progress")
