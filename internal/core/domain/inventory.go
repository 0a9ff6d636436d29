package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InventoryAggregate is the single mutable source of truth for sellable
// quantity, one row per instrument. Invariants:
//
//	AvailableQuantity + BookedQuantity == TotalQuantity
//	AvailableQuantity >= 0
//	TotalQuantity == sum of CostLot quantities
type InventoryAggregate struct {
	InstrumentID      uuid.UUID
	TotalQuantity     decimal.Decimal
	AvailableQuantity decimal.Decimal
	BookedQuantity    decimal.Decimal
	WeightedAvgPrice  decimal.Decimal
	LandingPrice      decimal.Decimal
	Version           int64 // optimistic locking
	UpdatedAt         time.Time
}

// Consistent reports whether the quantity invariants hold.
func (a InventoryAggregate) Consistent() bool {
	return a.AvailableQuantity.Add(a.BookedQuantity).Equal(a.TotalQuantity) &&
		!a.AvailableQuantity.IsNegative() &&
		!a.BookedQuantity.IsNegative()
}

// AbsorbPurchase folds a new lot into the aggregate:
//
//	wap' = (wap*total + price*qty) / (total+qty)
func (a *InventoryAggregate) AbsorbPurchase(qty, price decimal.Decimal) {
	newTotal := a.TotalQuantity.Add(qty)
	cost := a.WeightedAvgPrice.Mul(a.TotalQuantity).Add(price.Mul(qty))
	a.WeightedAvgPrice = cost.Div(newTotal)
	a.TotalQuantity = newTotal
	a.AvailableQuantity = a.AvailableQuantity.Add(qty)
}

// RecomputeAggregate rebuilds the aggregate quantities strictly from the
// lot ledger and the non-terminal bookings. Prices other than the WAP are
// left to the caller.
func RecomputeAggregate(lots []CostLot, bookings []Booking) (total, wap, booked decimal.Decimal) {
	total, wap, booked = decimal.Zero, decimal.Zero, decimal.Zero

	cost := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.Quantity)
		cost = cost.Add(lot.Quantity.Mul(lot.UnitPrice))
	}
	if total.IsPositive() {
		wap = cost.Div(total)
	}

	for _, b := range bookings {
		if b.Open() {
			booked = booked.Add(b.Quantity)
		}
	}
	return total, wap, booked
}

// ReconciliationReport records one self-healing pass over an instrument.
type ReconciliationReport struct {
	InstrumentID uuid.UUID
	Before       AggregateSnapshot
	After        AggregateSnapshot
	Drifted      bool
	CheckedAt    time.Time
}
