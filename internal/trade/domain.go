package trade

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// LineKind enumerates trade line kinds. Each kind carries its own apply and
// reverse implementation behind the lineOp interface; there is no string
// dispatch at the call sites.
type LineKind string

const (
	LineKindPurchase   LineKind = "PURCHASE"
	LineKindSale       LineKind = "SALE"
	LineKindProduction LineKind = "PRODUCTION"
)

// Direction disambiguates production lines. The legacy system overloaded the
// quantity sign for this; incoming lines with an empty direction are
// normalised from the sign.
type Direction string

const (
	DirectionOutput  Direction = "OUTPUT"
	DirectionConsume Direction = "CONSUME"
)

// Line is a signed-quantity event against one product, owned by exactly one
// trade document. The document layer supplies the stable identifiers.
type Line struct {
	ID           uuid.UUID
	DocumentID   uuid.UUID
	Kind         LineKind
	Direction    Direction // production lines only
	ProductID    int64
	WarehouseID  int64
	Quantity     float64 // negative only on vendor-return purchase lines
	UnitCost     float64
	TotalWeight  float64 // zero means derive from product unit weight
	SenderID     int64
	Origin       string
	ParentLineID uuid.UUID // parent purchase line for vendor returns
	OccurredAt   time.Time
	ReversedAt   *time.Time
}

// qtyEpsilon absorbs float drift on quantity comparisons.
const qtyEpsilon = 1e-9

// IsVendorReturn reports whether the purchase line returns goods to the
// vendor against a parent purchase line.
func (l Line) IsVendorReturn() bool {
	return l.Kind == LineKindPurchase && l.Quantity < 0 && l.ParentLineID != uuid.Nil
}

// Normalize fills the production direction from the legacy quantity sign and
// makes production quantities non-negative.
func (l Line) Normalize() Line {
	if l.Kind != LineKindProduction {
		return l
	}
	if l.Direction == "" {
		if l.Quantity < 0 {
			l.Direction = DirectionConsume
		} else {
			l.Direction = DirectionOutput
		}
	}
	l.Quantity = math.Abs(l.Quantity)
	return l
}

// Validate checks structural coherence before any transaction starts.
func (l Line) Validate() error {
	if l.ID == uuid.Nil {
		return errors.New("trade: line id required")
	}
	if l.ProductID == 0 {
		return errors.New("trade: product required")
	}
	switch l.Kind {
	case LineKindPurchase:
		if l.Quantity == 0 {
			return errors.New("trade: quantity must be non zero")
		}
		if l.Quantity < 0 && l.ParentLineID == uuid.Nil {
			return errors.New("trade: negative purchase requires a parent line")
		}
	case LineKindSale:
		if l.Quantity <= 0 {
			return errors.New("trade: sale quantity must be positive")
		}
	case LineKindProduction:
		if l.Direction != DirectionOutput && l.Direction != DirectionConsume {
			return errors.New("trade: production direction required")
		}
		if l.Quantity <= 0 {
			return errors.New("trade: production quantity must be positive")
		}
	default:
		return errors.New("trade: unknown line kind")
	}
	if l.UnitCost < 0 {
		return errors.New("trade: unit cost must be >= 0")
	}
	return nil
}

// SameEconomics reports whether two versions of a line are equal in every
// field the ledger cares about. Amending such a pair is a pure metadata edit.
func (l Line) SameEconomics(other Line) bool {
	return l.Kind == other.Kind &&
		l.Direction == other.Direction &&
		l.ProductID == other.ProductID &&
		l.WarehouseID == other.WarehouseID &&
		math.Abs(l.Quantity-other.Quantity) < qtyEpsilon &&
		math.Abs(l.UnitCost-other.UnitCost) < qtyEpsilon &&
		math.Abs(l.TotalWeight-other.TotalWeight) < qtyEpsilon
}

// ErrInsufficientStock indicates a production consumption or vendor return
// that would drive stock negative. Fatal to the operation, never retried.
var ErrInsufficientStock = errors.New("trade: insufficient stock")

// ErrLineLocked indicates a reversal of inventory already consumed
// downstream. The caller must reverse the downstream consumer first.
var ErrLineLocked = errors.New("trade: line locked by downstream consumption")

// ErrLineNotFound indicates a missing line row.
var ErrLineNotFound = errors.New("trade: line not found")

// ErrLineReversed indicates a mutation against an already reversed line.
var ErrLineReversed = errors.New("trade: line already reversed")
