package trade

import (
	"time"

	"github.com/google/uuid"
)

// LineRequest is the wire form of a trade line event from the document layer.
type LineRequest struct {
	ID           uuid.UUID `json:"id" validate:"required"`
	DocumentID   uuid.UUID `json:"document_id"`
	Kind         string    `json:"kind" validate:"required,oneof=PURCHASE SALE PRODUCTION"`
	Direction    string    `json:"direction" validate:"omitempty,oneof=OUTPUT CONSUME"`
	ProductID    int64     `json:"product_id" validate:"required,gt=0"`
	WarehouseID  int64     `json:"warehouse_id"`
	Quantity     float64   `json:"qty" validate:"required"`
	UnitCost     float64   `json:"unit_cost" validate:"gte=0"`
	TotalWeight  float64   `json:"total_weight" validate:"gte=0"`
	SenderID     int64     `json:"sender_id"`
	Origin       string    `json:"origin"`
	ParentLineID uuid.UUID `json:"parent_line_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Line converts the request into the domain form.
func (r LineRequest) Line() Line {
	return Line{
		ID:           r.ID,
		DocumentID:   r.DocumentID,
		Kind:         LineKind(r.Kind),
		Direction:    Direction(r.Direction),
		ProductID:    r.ProductID,
		WarehouseID:  r.WarehouseID,
		Quantity:     r.Quantity,
		UnitCost:     r.UnitCost,
		TotalWeight:  r.TotalWeight,
		SenderID:     r.SenderID,
		Origin:       r.Origin,
		ParentLineID: r.ParentLineID,
		OccurredAt:   r.OccurredAt,
	}
}
