package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Instrument struct {
	ID        uuid.UUID
	Symbol    string
	FaceValue decimal.Decimal // mutated only by a split carrying a new face value
	Sector    string
	Exchange  string
	CreatedAt time.Time
	UpdatedAt time.Time
}
