package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ActionType string

const (
	ActionTypeSplit ActionType = "split"
	ActionTypeBonus ActionType = "bonus"
)

type ActionStatus string

const (
	ActionStatusPending ActionStatus = "pending"
	ActionStatusApplied ActionStatus = "applied"
)

// CorporateAction rescales an instrument's prices and quantities on its
// record date. RatioFrom:RatioTo reads as "for every RatioFrom held" —
// a 1:2 split turns one share into two; a 1:2 bonus grants two free shares
// per share held.
type CorporateAction struct {
	ID           uuid.UUID
	InstrumentID uuid.UUID
	Type         ActionType
	RatioFrom    int64
	RatioTo      int64
	NewFaceValue *decimal.Decimal // split only, optional
	RecordDate   time.Time
	Status       ActionStatus
	AppliedAt    *time.Time
	CreatedAt    time.Time
}

func (a CorporateAction) Validate() error {
	if a.Type != ActionTypeSplit && a.Type != ActionTypeBonus {
		return &ValidationError{Message: fmt.Sprintf("unknown action type %q", a.Type)}
	}
	if a.RatioFrom <= 0 || a.RatioTo <= 0 {
		return &ValidationError{Message: "ratio components must be positive"}
	}
	if a.NewFaceValue != nil {
		if a.Type != ActionTypeSplit {
			return &ValidationError{Message: "face value can only change on a split"}
		}
		if !a.NewFaceValue.IsPositive() {
			return &ValidationError{Message: "new face value must be positive"}
		}
	}
	if a.RecordDate.IsZero() {
		return &ValidationError{Message: "record date is required"}
	}
	return nil
}

// Ratio returns the rational price factor as numerator/denominator.
// Every price multiplies by num/den; every quantity by den/num. Expressing
// both scalings from the same exact pair keeps sum(lot qty) == total and
// sum(qty*price) reconcilable after the rescale.
func (a CorporateAction) Ratio() (num, den decimal.Decimal) {
	from := decimal.NewFromInt(a.RatioFrom)
	to := decimal.NewFromInt(a.RatioTo)
	switch a.Type {
	case ActionTypeBonus:
		return from, from.Add(to)
	default: // split
		return from, to
	}
}

// PriceFactor returns the multiplier applied to every price
// (WAP, landing price, lot unit prices, open booking prices).
func (a CorporateAction) PriceFactor() decimal.Decimal {
	num, den := a.Ratio()
	return num.Div(den)
}

// ScalePrice applies the price factor with a single division.
func (a CorporateAction) ScalePrice(p decimal.Decimal) decimal.Decimal {
	num, den := a.Ratio()
	return p.Mul(num).Div(den)
}

// ScaleQuantity applies the inverse factor with a single division.
func (a CorporateAction) ScaleQuantity(q decimal.Decimal) decimal.Decimal {
	num, den := a.Ratio()
	return q.Mul(den).Div(num)
}

// Rescale rewrites the aggregate in place per the action's factor.
func (a CorporateAction) Rescale(agg *InventoryAggregate) {
	agg.TotalQuantity = a.ScaleQuantity(agg.TotalQuantity)
	agg.AvailableQuantity = a.ScaleQuantity(agg.AvailableQuantity)
	agg.BookedQuantity = a.ScaleQuantity(agg.BookedQuantity)
	agg.WeightedAvgPrice = a.ScalePrice(agg.WeightedAvgPrice)
	agg.LandingPrice = a.ScalePrice(agg.LandingPrice)
}

// AdjustmentSummary reports what one corporate action changed.
type AdjustmentSummary struct {
	ActionID        uuid.UUID
	InstrumentID    uuid.UUID
	Type            ActionType
	PriceFactor     decimal.Decimal
	Before          AggregateSnapshot
	After           AggregateSnapshot
	LotsRescaled    int64
	BookingsScaled  int64
	FaceValueUpdate *decimal.Decimal
	AppliedAt       time.Time
}
