package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingStatusOpen      BookingStatus = "open"
	BookingStatusClosed    BookingStatus = "closed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusVoided    BookingStatus = "voided"
)

// Booking is a reservation of sellable quantity for one order. BuyingPrice
// is captured from the aggregate's weighted-average price inside the same
// transaction that decrements availability.
type Booking struct {
	ID           uuid.UUID
	InstrumentID uuid.UUID
	Quantity     decimal.Decimal
	BuyingPrice  decimal.Decimal
	SellingPrice decimal.Decimal
	Status       BookingStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Open reports whether the booking still holds reserved quantity.
func (b Booking) Open() bool {
	return b.Status == BookingStatusOpen
}
