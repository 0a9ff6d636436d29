package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kabidey/privity-inventory/internal/core/domain"
	"github.com/kabidey/privity-inventory/internal/port"
)

const (
	availableKeyPrefix = "available:"
	aggregateKeyPrefix = "aggregate:"
	idempotencyKeyTTL  = 24 * time.Hour
	aggregateTTL       = 30 * time.Second
)

// reserveGateScript draws qty from the availability mirror only when enough
// remains. Quantities are fractional after corporate actions, so the value
// is stored as a plain number and rewritten rather than DECRBY'd.
// Returns 1 drawn, 0 insufficient, -1 no mirror.
var reserveGateScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

local current = redis.call('GET', key)
if not current then
	return -1
end

current = tonumber(current)
if current >= quantity then
	redis.call('SET', key, current - quantity, 'KEEPTTL')
	return 1
end

return 0
`)

var refundGateScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

local current = redis.call('GET', key)
if not current then
	return 0
end

redis.call('SET', key, tonumber(current) + quantity, 'KEEPTTL')
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) ReserveGate(ctx context.Context, instrumentID string, qty decimal.Decimal) (port.GateResult, error) {
	key := availableKeyPrefix + instrumentID

	result, err := reserveGateScript.Run(ctx, r.client, []string{key}, qty.String()).Int()
	if err != nil {
		return port.GateUnknown, err
	}

	switch result {
	case 1:
		return port.GatePassed, nil
	case 0:
		return port.GateInsufficient, nil
	default:
		return port.GateUnknown, nil
	}
}

func (r *RedisAdapter) RefundGate(ctx context.Context, instrumentID string, qty decimal.Decimal) error {
	key := availableKeyPrefix + instrumentID
	return refundGateScript.Run(ctx, r.client, []string{key}, qty.String()).Err()
}

func (r *RedisAdapter) SyncGate(ctx context.Context, instrumentID string, available decimal.Decimal) error {
	key := availableKeyPrefix + instrumentID
	return r.client.Set(ctx, key, available.String(), 0).Err()
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// aggregateSnapshot is the cached wire form of the aggregate.
type aggregateSnapshot struct {
	InstrumentID      string    `json:"instrument_id"`
	TotalQuantity     string    `json:"total_quantity"`
	AvailableQuantity string    `json:"available_quantity"`
	BookedQuantity    string    `json:"booked_quantity"`
	WeightedAvgPrice  string    `json:"weighted_avg_price"`
	LandingPrice      string    `json:"landing_price"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (r *RedisAdapter) GetAggregate(ctx context.Context, instrumentID string) (*domain.InventoryAggregate, error) {
	raw, err := r.client.Get(ctx, aggregateKeyPrefix+instrumentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap aggregateSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return snap.toDomain()
}

func (r *RedisAdapter) SetAggregate(ctx context.Context, agg domain.InventoryAggregate) error {
	snap := aggregateSnapshot{
		InstrumentID:      agg.InstrumentID.String(),
		TotalQuantity:     agg.TotalQuantity.String(),
		AvailableQuantity: agg.AvailableQuantity.String(),
		BookedQuantity:    agg.BookedQuantity.String(),
		WeightedAvgPrice:  agg.WeightedAvgPrice.String(),
		LandingPrice:      agg.LandingPrice.String(),
		Version:           agg.Version,
		UpdatedAt:         agg.UpdatedAt,
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, aggregateKeyPrefix+agg.InstrumentID.String(), raw, aggregateTTL).Err()
}

func (r *RedisAdapter) InvalidateAggregate(ctx context.Context, instrumentID string) error {
	return r.client.Del(ctx, aggregateKeyPrefix+instrumentID).Err()
}

func (s aggregateSnapshot) toDomain() (*domain.InventoryAggregate, error) {
	agg := domain.InventoryAggregate{
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
	}
	var err error
	if agg.InstrumentID, err = uuid.Parse(s.InstrumentID); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&agg.TotalQuantity, s.TotalQuantity},
		{&agg.AvailableQuantity, s.AvailableQuantity},
		{&agg.BookedQuantity, s.BookedQuantity},
		{&agg.WeightedAvgPrice, s.WeightedAvgPrice},
		{&agg.LandingPrice, s.LandingPrice},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, err
		}
	}
	return &agg, nil
}
