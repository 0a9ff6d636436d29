package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/kabidey/privity-inventory/internal/core/domain"
)

// GateResult is the outcome of the cache-side availability gate. The gate
// only sheds load; the durable store's guarded update remains the
// authoritative decision.
type GateResult int

const (
	GatePassed       GateResult = iota // mirror had enough, drawn down
	GateInsufficient                   // mirror says not enough, fail fast
	GateUnknown                        // no mirror for this instrument
)

type CacheRepository interface {
	// ReserveGate atomically draws qty from the cached availability mirror.
	ReserveGate(ctx context.Context, instrumentID string, qty decimal.Decimal) (GateResult, error)

	// RefundGate restores mirror quantity after the durable store rejected
	// a reservation the gate had admitted.
	RefundGate(ctx context.Context, instrumentID string, qty decimal.Decimal) error

	// SyncGate overwrites the mirror with the authoritative availability.
	SyncGate(ctx context.Context, instrumentID string, available decimal.Decimal) error

	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency removes a key so a failed attempt can be retried.
	ClearIdempotency(ctx context.Context, key string) error

	// GetAggregate returns the cached read snapshot, or nil on a miss.
	GetAggregate(ctx context.Context, instrumentID string) (*domain.InventoryAggregate, error)
	SetAggregate(ctx context.Context, agg domain.InventoryAggregate) error
	InvalidateAggregate(ctx context.Context, instrumentID string) error
}
