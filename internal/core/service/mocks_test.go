package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kabidey/privity-inventory/internal/core/domain"
	"github.com/kabidey/privity-inventory/internal/port"
)

// mockDB is an in-memory DatabaseRepository that reproduces the store's
// atomic semantics under a single mutex, so concurrency tests exercise the
// same conditional-update contract the real adapter provides.
type mockDB struct {
	mu          sync.Mutex
	instruments map[uuid.UUID]domain.Instrument
	aggregates  map[uuid.UUID]*domain.InventoryAggregate
	lots        map[uuid.UUID][]*domain.CostLot
	bookings    map[uuid.UUID]*domain.Booking
	actions     map[uuid.UUID]*domain.CorporateAction
}

func newMockDB() *mockDB {
	return &mockDB{
		instruments: make(map[uuid.UUID]domain.Instrument),
		aggregates:  make(map[uuid.UUID]*domain.InventoryAggregate),
		lots:        make(map[uuid.UUID][]*domain.CostLot),
		bookings:    make(map[uuid.UUID]*domain.Booking),
		actions:     make(map[uuid.UUID]*domain.CorporateAction),
	}
}

func (m *mockDB) CreateInstrument(ctx context.Context, ins domain.Instrument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instruments[ins.ID] = ins
	return nil
}

func (m *mockDB) GetInstrument(ctx context.Context, id uuid.UUID) (*domain.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ins, ok := m.instruments[id]
	if !ok {
		return nil, domain.ErrInstrumentNotFound
	}
	return &ins, nil
}

func (m *mockDB) ListInstrumentIDs(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(m.instruments))
	for id := range m.instruments {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockDB) GetAggregate(ctx context.Context, instrumentID uuid.UUID) (*domain.InventoryAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.aggregates[instrumentID]
	if !ok {
		return nil, domain.ErrAggregateNotFound
	}
	cp := *agg
	return &cp, nil
}

func (m *mockDB) ListLots(ctx context.Context, instrumentID uuid.UUID) ([]domain.CostLot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CostLot
	for _, lot := range m.lots[instrumentID] {
		out = append(out, *lot)
	}
	return out, nil
}

func (m *mockDB) GetBooking(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *mockDB) InsertPurchase(ctx context.Context, lot domain.CostLot) (*domain.InventoryAggregate, domain.AggregateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.aggregates[lot.InstrumentID]
	if !ok {
		agg = &domain.InventoryAggregate{InstrumentID: lot.InstrumentID}
		m.aggregates[lot.InstrumentID] = agg
	}
	before := agg.Snapshot()
	agg.AbsorbPurchase(lot.Quantity, lot.UnitPrice)
	agg.LandingPrice = lot.UnitPrice
	agg.Version++
	agg.UpdatedAt = time.Now().UTC()

	cp := lot
	m.lots[lot.InstrumentID] = append(m.lots[lot.InstrumentID], &cp)

	out := *agg
	return &out, before, nil
}

func (m *mockDB) ReserveQuantity(ctx context.Context, bookingID, instrumentID uuid.UUID, qty decimal.Decimal) (*domain.Booking, *domain.InventoryAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.bookings[bookingID]; ok {
		if existing.Status != domain.BookingStatusOpen {
			return nil, nil, domain.ErrReservationClosed
		}
		b := *existing
		a := *m.aggregates[instrumentID]
		return &b, &a, nil
	}

	agg, ok := m.aggregates[instrumentID]
	if !ok {
		return nil, nil, domain.ErrAggregateNotFound
	}
	// The guarded conditional decrement: check and mutate are indivisible
	// under the mutex, like a single store-evaluated statement.
	if agg.AvailableQuantity.LessThan(qty) {
		return nil, nil, domain.ErrInsufficientInventory
	}
	agg.AvailableQuantity = agg.AvailableQuantity.Sub(qty)
	agg.BookedQuantity = agg.BookedQuantity.Add(qty)
	agg.Version++

	now := time.Now().UTC()
	booking := &domain.Booking{
		ID:           bookingID,
		InstrumentID: instrumentID,
		Quantity:     qty,
		BuyingPrice:  agg.WeightedAvgPrice,
		SellingPrice: decimal.Zero,
		Status:       domain.BookingStatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.bookings[bookingID] = booking

	b := *booking
	a := *agg
	return &b, &a, nil
}

func (m *mockDB) ReleaseReservation(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, *domain.InventoryAggregate, domain.AggregateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	booking, ok := m.bookings[bookingID]
	if !ok {
		return nil, nil, domain.AggregateSnapshot{}, domain.ErrReservationNotFound
	}
	if booking.Status != domain.BookingStatusOpen {
		return nil, nil, domain.AggregateSnapshot{}, domain.ErrReservationClosed
	}
	booking.Status = domain.BookingStatusCancelled

	agg := m.aggregates[booking.InstrumentID]
	before := agg.Snapshot()
	agg.AvailableQuantity = agg.AvailableQuantity.Add(booking.Quantity)
	agg.BookedQuantity = agg.BookedQuantity.Sub(booking.Quantity)
	agg.Version++

	b := *booking
	a := *agg
	return &b, &a, before, nil
}

func (m *mockDB) ConfirmSale(ctx context.Context, bookingID uuid.UUID, sellingPrice decimal.Decimal) (*domain.Booking, *domain.InventoryAggregate, domain.AggregateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	booking, ok := m.bookings[bookingID]
	if !ok {
		return nil, nil, domain.AggregateSnapshot{}, domain.ErrReservationNotFound
	}
	if booking.Status != domain.BookingStatusOpen {
		return nil, nil, domain.AggregateSnapshot{}, domain.ErrReservationClosed
	}
	booking.Status = domain.BookingStatusClosed
	booking.SellingPrice = sellingPrice

	agg := m.aggregates[booking.InstrumentID]
	before := agg.Snapshot()
	agg.TotalQuantity = agg.TotalQuantity.Sub(booking.Quantity)
	agg.BookedQuantity = agg.BookedQuantity.Sub(booking.Quantity)
	agg.Version++

	remaining := booking.Quantity
	for _, lot := range m.lots[booking.InstrumentID] {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lot.Quantity)
		lot.Quantity = lot.Quantity.Sub(take)
		remaining = remaining.Sub(take)
	}

	var lots []domain.CostLot
	for _, lot := range m.lots[booking.InstrumentID] {
		lots = append(lots, *lot)
	}
	total, wap, _ := domain.RecomputeAggregate(lots, nil)
	if total.Equal(agg.TotalQuantity) {
		agg.WeightedAvgPrice = wap
	}

	b := *booking
	a := *agg
	return &b, &a, before, nil
}

func (m *mockDB) CreateCorporateAction(ctx context.Context, action domain.CorporateAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := action
	m.actions[action.ID] = &cp
	return nil
}

func (m *mockDB) GetCorporateAction(ctx context.Context, id uuid.UUID) (*domain.CorporateAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, domain.ErrActionNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockDB) ApplyCorporateAction(ctx context.Context, action domain.CorporateAction) (*domain.AdjustmentSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.actions[action.ID]
	if !ok {
		return nil, domain.ErrActionNotFound
	}
	if stored.Status != domain.ActionStatusPending {
		return nil, domain.ErrAlreadyApplied
	}

	agg, ok := m.aggregates[action.InstrumentID]
	if !ok {
		return nil, domain.ErrAggregateNotFound
	}
	before := agg.Snapshot()

	var lotsTouched, bookingsTouched int64
	total := decimal.Zero
	for _, lot := range m.lots[action.InstrumentID] {
		lot.Quantity = action.ScaleQuantity(lot.Quantity)
		lot.UnitPrice = action.ScalePrice(lot.UnitPrice)
		total = total.Add(lot.Quantity)
		lotsTouched++
	}
	booked := decimal.Zero
	for _, b := range m.bookings {
		if b.InstrumentID == action.InstrumentID && b.Status == domain.BookingStatusOpen {
			b.Quantity = action.ScaleQuantity(b.Quantity)
			b.BuyingPrice = action.ScalePrice(b.BuyingPrice)
			b.SellingPrice = action.ScalePrice(b.SellingPrice)
			booked = booked.Add(b.Quantity)
			bookingsTouched++
		}
	}

	// Totals come from re-summing the rescaled rows, matching the store:
	// a per-row rounded sum is what the draw-down guard compares against.
	agg.WeightedAvgPrice = action.ScalePrice(agg.WeightedAvgPrice)
	agg.LandingPrice = action.ScalePrice(agg.LandingPrice)
	agg.TotalQuantity = total
	agg.BookedQuantity = booked
	agg.AvailableQuantity = total.Sub(booked)
	agg.Version++
	if action.Type == domain.ActionTypeSplit && action.NewFaceValue != nil {
		ins := m.instruments[action.InstrumentID]
		ins.FaceValue = *action.NewFaceValue
		m.instruments[action.InstrumentID] = ins
	}

	now := time.Now().UTC()
	stored.Status = domain.ActionStatusApplied
	stored.AppliedAt = &now

	return &domain.AdjustmentSummary{
		ActionID:        action.ID,
		InstrumentID:    action.InstrumentID,
		Type:            action.Type,
		PriceFactor:     action.PriceFactor(),
		Before:          before,
		After:           agg.Snapshot(),
		LotsRescaled:    lotsTouched,
		BookingsScaled:  bookingsTouched,
		FaceValueUpdate: action.NewFaceValue,
		AppliedAt:       now,
	}, nil
}

func (m *mockDB) RecalculateAggregate(ctx context.Context, instrumentID uuid.UUID) (*domain.ReconciliationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.aggregates[instrumentID]
	if !ok {
		agg = &domain.InventoryAggregate{InstrumentID: instrumentID}
		m.aggregates[instrumentID] = agg
	}
	before := agg.Snapshot()

	var lots []domain.CostLot
	for _, lot := range m.lots[instrumentID] {
		lots = append(lots, *lot)
	}
	var bookings []domain.Booking
	for _, b := range m.bookings {
		if b.InstrumentID == instrumentID {
			bookings = append(bookings, *b)
		}
	}

	total, wap, booked := domain.RecomputeAggregate(lots, bookings)
	agg.TotalQuantity = total
	agg.WeightedAvgPrice = wap
	agg.BookedQuantity = booked
	agg.AvailableQuantity = total.Sub(booked)
	after := agg.Snapshot()

	drifted := !before.Equal(after)
	if drifted {
		agg.Version++
	}

	return &domain.ReconciliationReport{
		InstrumentID: instrumentID,
		Before:       before,
		After:        after,
		Drifted:      drifted,
		CheckedAt:    time.Now().UTC(),
	}, nil
}

// mockCache mirrors the Redis adapter's observable behaviour in memory.
// The err fields simulate a degraded cache for the paths that must keep
// working when Redis is down.
type mockCache struct {
	mu              sync.Mutex
	gates           map[string]decimal.Decimal
	idempotencySet  map[string]bool
	aggregates      map[string]domain.InventoryAggregate
	idemSetErr      error
	aggregateSetErr error
	invalidated     []string
}

func newMockCache() *mockCache {
	return &mockCache{
		gates:          make(map[string]decimal.Decimal),
		idempotencySet: make(map[string]bool),
		aggregates:     make(map[string]domain.InventoryAggregate),
	}
}

func (m *mockCache) ReserveGate(ctx context.Context, instrumentID string, qty decimal.Decimal) (port.GateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.gates[instrumentID]
	if !ok {
		return port.GateUnknown, nil
	}
	if current.LessThan(qty) {
		return port.GateInsufficient, nil
	}
	m.gates[instrumentID] = current.Sub(qty)
	return port.GatePassed, nil
}

func (m *mockCache) RefundGate(ctx context.Context, instrumentID string, qty decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.gates[instrumentID]; ok {
		m.gates[instrumentID] = current.Add(qty)
	}
	return nil
}

func (m *mockCache) SyncGate(ctx context.Context, instrumentID string, available decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates[instrumentID] = available
	return nil
}

func (m *mockCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idemSetErr != nil {
		return false, m.idemSetErr
	}
	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCache) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotencySet, key)
	return nil
}

func (m *mockCache) GetAggregate(ctx context.Context, instrumentID string) (*domain.InventoryAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.aggregates[instrumentID]
	if !ok {
		return nil, nil
	}
	return &agg, nil
}

func (m *mockCache) SetAggregate(ctx context.Context, agg domain.InventoryAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aggregateSetErr != nil {
		return m.aggregateSetErr
	}
	m.aggregates[agg.InstrumentID.String()] = agg
	return nil
}

func (m *mockCache) InvalidateAggregate(ctx context.Context, instrumentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, instrumentID)
	delete(m.aggregates, instrumentID)
	return nil
}

// mockSink records published events.
type mockSink struct {
	mu     sync.Mutex
	events []domain.InventoryEvent
}

func (m *mockSink) Publish(event domain.InventoryEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockSink) Close() {}

func (m *mockSink) byOperation(op string) []domain.InventoryEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.InventoryEvent
	for _, e := range m.events {
		if e.Operation == op {
			out = append(out, e)
		}
	}
	return out
}
