package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Operation names carried on audit events.
const (
	OpPurchase        = "record_purchase"
	OpReserve         = "reserve"
	OpRelease         = "release"
	OpConfirmSale     = "confirm_sale"
	OpCorporateAction = "apply_corporate_action"
	OpReconcile       = "recalculate"
)

// AggregateSnapshot is a point-in-time copy of the aggregate's numbers,
// used for before/after views on events, summaries and reports.
type AggregateSnapshot struct {
	TotalQuantity     decimal.Decimal
	AvailableQuantity decimal.Decimal
	BookedQuantity    decimal.Decimal
	WeightedAvgPrice  decimal.Decimal
	LandingPrice      decimal.Decimal
}

// Equal compares snapshots by numeric value, not decimal representation.
func (s AggregateSnapshot) Equal(o AggregateSnapshot) bool {
	return s.TotalQuantity.Equal(o.TotalQuantity) &&
		s.AvailableQuantity.Equal(o.AvailableQuantity) &&
		s.BookedQuantity.Equal(o.BookedQuantity) &&
		s.WeightedAvgPrice.Equal(o.WeightedAvgPrice) &&
		s.LandingPrice.Equal(o.LandingPrice)
}

func (a InventoryAggregate) Snapshot() AggregateSnapshot {
	return AggregateSnapshot{
		TotalQuantity:     a.TotalQuantity,
		AvailableQuantity: a.AvailableQuantity,
		BookedQuantity:    a.BookedQuantity,
		WeightedAvgPrice:  a.WeightedAvgPrice,
		LandingPrice:      a.LandingPrice,
	}
}

// InventoryEvent is the structured payload handed to the audit sink after
// every mutating call. Sink failure never rolls back the mutation.
type InventoryEvent struct {
	InstrumentID uuid.UUID
	Operation    string
	Actor        string
	Before       AggregateSnapshot
	After        AggregateSnapshot
	OccurredAt   time.Time
}
