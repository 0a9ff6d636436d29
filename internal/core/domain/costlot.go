package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CostLot is one discrete acquisition at a specific price. Lots are
// append-mostly: created by a purchase, rescaled in place by corporate
// actions, and drawn down oldest-first when a sale is confirmed. A fully
// consumed lot keeps a zero quantity rather than being deleted.
type CostLot struct {
	ID           uuid.UUID
	InstrumentID uuid.UUID
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	AcquiredOn   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
