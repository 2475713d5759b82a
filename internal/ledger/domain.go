package ledger

import (
	"time"

	"github.com/google/uuid"
)

// EntryType enumerates quantity-affecting event classes.
type EntryType string

const (
	// EntryTypeIn represents an inbound movement.
	EntryTypeIn EntryType = "IN"
	// EntryTypeOut represents an outbound movement.
	EntryTypeOut EntryType = "OUT"
	// EntryTypeAdjust indicates an audit-tool correction.
	EntryTypeAdjust EntryType = "ADJUST"
)

// Reason codes stamped on entries written by amendment and reversal flows.
const (
	ReasonUpdateReverse = "UPDATE_REVERSE"
	ReasonUpdateApply   = "UPDATE_APPLY"
	ReasonReverse       = "REVERSE"
)

// Entry is an append-only audit record of one quantity-affecting event.
// Entries are never mutated; reversal either appends a compensating entry or,
// in legacy pruning mode, removes the originating line's rows wholesale.
type Entry struct {
	ID          int64
	OccurredAt  time.Time
	Type        EntryType
	ProductID   int64
	WarehouseID int64
	Qty         float64 // signed
	Weight      float64 // signed
	BeforeQty   float64
	AfterQty    float64
	LineID      uuid.UUID // originating trade line, zero for adjustments/transfers
	RefID       int64     // transfer record, production job, or adjustment id
	SenderID    int64
	Origin      string
	Reason      string
	CreatedAt   time.Time
}

// Filter narrows the chronological ledger view.
type Filter struct {
	From        time.Time
	To          time.Time
	ProductID   int64
	WarehouseID int64
	// Search matches free text across provenance fields (origin, reason,
	// sender).
	Search string
	Limit  int
}
