package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kabidey/privity-inventory/internal/core/domain"
	"github.com/kabidey/privity-inventory/internal/port"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestReserveGate_Passed(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	id := uuid.NewString()

	if err := adapter.SyncGate(ctx, id, dec("10")); err != nil {
		t.Fatalf("SyncGate failed: %v", err)
	}
	result, err := adapter.ReserveGate(ctx, id, dec("3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != port.GatePassed {
		t.Errorf("result = %d, want GatePassed", result)
	}

	remaining, _ := client.Get(ctx, availableKeyPrefix+id).Result()
	if remaining != "7" {
		t.Errorf("mirror = %s, want 7", remaining)
	}
}

func TestReserveGate_FractionalQuantities(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	id := uuid.NewString()

	// Post-split mirrors can hold fractional quantities.
	if err := adapter.SyncGate(ctx, id, dec("2.5")); err != nil {
		t.Fatalf("SyncGate failed: %v", err)
	}
	result, err := adapter.ReserveGate(ctx, id, dec("1.25"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != port.GatePassed {
		t.Errorf("result = %d, want GatePassed", result)
	}

	remaining, _ := client.Get(ctx, availableKeyPrefix+id).Result()
	if remaining != "1.25" {
		t.Errorf("mirror = %s, want 1.25", remaining)
	}
}

func TestReserveGate_Insufficient(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	id := uuid.NewString()

	if err := adapter.SyncGate(ctx, id, dec("5")); err != nil {
		t.Fatalf("SyncGate failed: %v", err)
	}
	result, err := adapter.ReserveGate(ctx, id, dec("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != port.GateInsufficient {
		t.Errorf("result = %d, want GateInsufficient", result)
	}

	remaining, _ := client.Get(ctx, availableKeyPrefix+id).Result()
	if remaining != "5" {
		t.Errorf("mirror changed on rejection: %s", remaining)
	}
}

func TestReserveGate_NoMirror(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	result, err := adapter.ReserveGate(ctx, uuid.NewString(), dec("1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != port.GateUnknown {
		t.Errorf("result = %d, want GateUnknown", result)
	}
}

func TestReserveGate_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	id := uuid.NewString()

	if err := adapter.SyncGate(ctx, id, dec("20")); err != nil {
		t.Fatalf("SyncGate failed: %v", err)
	}

	totalRequests := 50
	var passed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := adapter.ReserveGate(ctx, id, dec("1"))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if result == port.GatePassed {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()

	if passed.Load() != 20 {
		t.Errorf("expected 20 passes, got %d", passed.Load())
	}
	remaining, _ := client.Get(ctx, availableKeyPrefix+id).Result()
	if remaining != "0" {
		t.Errorf("mirror = %s, want 0", remaining)
	}
}

func TestRefundGate(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	id := uuid.NewString()

	if err := adapter.SyncGate(ctx, id, dec("10")); err != nil {
		t.Fatalf("SyncGate failed: %v", err)
	}
	if _, err := adapter.ReserveGate(ctx, id, dec("4")); err != nil {
		t.Fatalf("ReserveGate failed: %v", err)
	}
	if err := adapter.RefundGate(ctx, id, dec("4")); err != nil {
		t.Fatalf("RefundGate failed: %v", err)
	}

	remaining, _ := client.Get(ctx, availableKeyPrefix+id).Result()
	if remaining != "10" {
		t.Errorf("mirror = %s, want 10", remaining)
	}
}

func TestRefundGate_NoMirror(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	id := uuid.NewString()

	// Refunding an absent mirror must not conjure availability.
	if err := adapter.RefundGate(ctx, id, dec("4")); err != nil {
		t.Fatalf("RefundGate failed: %v", err)
	}
	if err := client.Get(ctx, availableKeyPrefix+id).Err(); err != redis.Nil {
		t.Errorf("expected no mirror, got err=%v", err)
	}
}

func TestSetIdempotency(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	key := "idem-" + uuid.NewString()
	defer client.Del(ctx, key)

	ok, err := adapter.SetIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first set to succeed")
	}

	ok, err = adapter.SetIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second set to fail")
	}

	if err := adapter.ClearIdempotency(ctx, key); err != nil {
		t.Fatalf("ClearIdempotency failed: %v", err)
	}
	ok, err = adapter.SetIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected set after clear to succeed")
	}
}

func TestAggregateCache_RoundTrip(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	agg := domain.InventoryAggregate{
		InstrumentID:      uuid.New(),
		TotalQuantity:     dec("40"),
		AvailableQuantity: dec("32"),
		BookedQuantity:    dec("8"),
		WeightedAvgPrice:  dec("175.5"),
		LandingPrice:      dec("200"),
		Version:           7,
		UpdatedAt:         time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := adapter.SetAggregate(ctx, agg); err != nil {
		t.Fatalf("SetAggregate failed: %v", err)
	}

	got, err := adapter.GetAggregate(ctx, agg.InstrumentID.String())
	if err != nil {
		t.Fatalf("GetAggregate failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected cached aggregate, got nil")
	}
	if !got.Snapshot().Equal(agg.Snapshot()) || got.Version != agg.Version {
		t.Errorf("cached aggregate mismatch: got %+v, want %+v", got, agg)
	}

	if err := adapter.InvalidateAggregate(ctx, agg.InstrumentID.String()); err != nil {
		t.Fatalf("InvalidateAggregate failed: %v", err)
	}
	got, err = adapter.GetAggregate(ctx, agg.InstrumentID.String())
	if err != nil {
		t.Fatalf("GetAggregate after invalidate failed: %v", err)
	}
	if got != nil {
		t.Error("expected miss after invalidate")
	}
}
