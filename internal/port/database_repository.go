package port

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kabidey/privity-inventory/internal/core/domain"
)

// DatabaseRepository is the durable, authoritative store. Every method that
// mutates the inventory aggregate is a single transaction; reserve and
// release are implemented as guarded updates evaluated by the store itself,
// never as a read-compare-write in application code.
type DatabaseRepository interface {
	CreateInstrument(ctx context.Context, ins domain.Instrument) error
	GetInstrument(ctx context.Context, id uuid.UUID) (*domain.Instrument, error)
	ListInstrumentIDs(ctx context.Context) ([]uuid.UUID, error)

	// GetAggregate returns domain.ErrAggregateNotFound when the instrument
	// has never had a purchase recorded.
	GetAggregate(ctx context.Context, instrumentID uuid.UUID) (*domain.InventoryAggregate, error)
	ListLots(ctx context.Context, instrumentID uuid.UUID) ([]domain.CostLot, error)
	GetBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error)

	// InsertPurchase appends the lot and folds it into the aggregate
	// (WAP, total, available) as one atomic unit, creating the aggregate
	// row on the first purchase. The snapshot is the aggregate as it
	// stood inside the transaction before the fold.
	InsertPurchase(ctx context.Context, lot domain.CostLot) (*domain.InventoryAggregate, domain.AggregateSnapshot, error)

	// ReserveQuantity converts available into booked iff available >= qty
	// at commit, and creates the open booking with the buying price
	// captured from the aggregate in the same transaction. Returns
	// domain.ErrInsufficientInventory with no partial mutation otherwise.
	ReserveQuantity(ctx context.Context, bookingID, instrumentID uuid.UUID, qty decimal.Decimal) (*domain.Booking, *domain.InventoryAggregate, error)

	// ReleaseReservation flips the booking open -> cancelled and returns
	// its quantity to available. A second release fails with
	// domain.ErrReservationClosed and mutates nothing. The snapshot is
	// the aggregate before the quantity moved back.
	ReleaseReservation(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, *domain.InventoryAggregate, domain.AggregateSnapshot, error)

	// ConfirmSale flips the booking open -> closed, removes the quantity
	// from booked and total, and draws it down from cost lots oldest-first.
	// The snapshot is the aggregate before the draw-down.
	ConfirmSale(ctx context.Context, bookingID uuid.UUID, sellingPrice decimal.Decimal) (*domain.Booking, *domain.InventoryAggregate, domain.AggregateSnapshot, error)

	CreateCorporateAction(ctx context.Context, action domain.CorporateAction) error
	GetCorporateAction(ctx context.Context, id uuid.UUID) (*domain.CorporateAction, error)

	// ApplyCorporateAction transitions the action pending -> applied
	// (guarded, domain.ErrAlreadyApplied on a second attempt) and rescales
	// the aggregate, every cost lot, and every open booking of the
	// instrument in one transaction.
	ApplyCorporateAction(ctx context.Context, action domain.CorporateAction) (*domain.AdjustmentSummary, error)

	// RecalculateAggregate rebuilds the aggregate from lots and bookings,
	// holding the row lock so no reservation can interleave.
	RecalculateAggregate(ctx context.Context, instrumentID uuid.UUID) (*domain.ReconciliationReport, error)
}
