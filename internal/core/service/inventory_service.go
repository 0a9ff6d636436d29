package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kabidey/privity-inventory/internal/core/domain"
	"github.com/kabidey/privity-inventory/internal/port"
)

const defaultConflictRetries = 3

// withConflictRetry runs fn with a bounded retry budget for transient
// store conflicts. The last conflict is surfaced, never swallowed: an
// exhausted budget must not look like a successful no-op.
func withConflictRetry(ctx context.Context, logger *slog.Logger, metrics *Metrics, retries int, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			metrics.IncConflictRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}
		err = fn()
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		logger.Warn("concurrency conflict, retrying", "op", op, "attempt", attempt+1)
	}
	return err
}

// InventoryService owns the purchase and reservation flows. It validates
// inputs, delegates every aggregate mutation to the store's atomic
// primitives, and keeps the cache mirror and audit sink fed best-effort.
type InventoryService struct {
	db              port.DatabaseRepository
	cache           port.CacheRepository
	sink            port.EventSink
	logger          *slog.Logger
	metrics         *Metrics
	conflictRetries int
	now             func() time.Time
}

func NewInventoryService(db port.DatabaseRepository, cache port.CacheRepository, sink port.EventSink, logger *slog.Logger, metrics *Metrics, conflictRetries int) *InventoryService {
	if logger == nil {
		logger = slog.Default()
	}
	if conflictRetries <= 0 {
		conflictRetries = defaultConflictRetries
	}
	return &InventoryService{
		db:              db,
		cache:           cache,
		sink:            sink,
		logger:          logger,
		metrics:         metrics,
		conflictRetries: conflictRetries,
		now:             time.Now,
	}
}

func (s *InventoryService) CreateInstrument(ctx context.Context, symbol string, faceValue decimal.Decimal, sector, exchange string) (*domain.Instrument, error) {
	if symbol == "" {
		return nil, &domain.ValidationError{Message: "symbol is required"}
	}
	if !faceValue.IsPositive() {
		return nil, &domain.ValidationError{Message: "face value must be positive"}
	}

	now := s.now().UTC()
	ins := domain.Instrument{
		ID:        uuid.New(),
		Symbol:    symbol,
		FaceValue: faceValue,
		Sector:    sector,
		Exchange:  exchange,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.CreateInstrument(ctx, ins); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	return &ins, nil
}

// RecordPurchase appends a cost lot and folds it into the aggregate in one
// atomic unit. The landing price follows the latest acquisition.
func (s *InventoryService) RecordPurchase(ctx context.Context, instrumentID uuid.UUID, qty, price decimal.Decimal, acquiredOn time.Time, actor string) (*domain.CostLot, error) {
	if !qty.IsPositive() {
		return nil, &domain.ValidationError{Message: "quantity must be positive"}
	}
	if !price.IsPositive() {
		return nil, &domain.ValidationError{Message: "unit price must be positive"}
	}
	if instrumentID == uuid.Nil {
		return nil, &domain.ValidationError{Message: "instrument id is required"}
	}

	if _, err := s.db.GetInstrument(ctx, instrumentID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if acquiredOn.IsZero() {
		acquiredOn = now
	}
	lot := domain.CostLot{
		ID:           uuid.New(),
		InstrumentID: instrumentID,
		Quantity:     qty,
		UnitPrice:    price,
		AcquiredOn:   acquiredOn,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var (
		agg    *domain.InventoryAggregate
		before domain.AggregateSnapshot
	)
	err := withConflictRetry(ctx, s.logger, s.metrics, s.conflictRetries, domain.OpPurchase, func() error {
		var err error
		agg, before, err = s.db.InsertPurchase(ctx, lot)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record purchase: %w", err)
	}

	s.syncCaches(ctx, agg)
	s.publish(domain.OpPurchase, actor, instrumentID, before, agg.Snapshot())

	s.logger.Info("purchase recorded",
		"instrument_id", instrumentID, "lot_id", lot.ID,
		"quantity", qty, "unit_price", price)
	return &lot, nil
}

// Reserve converts available quantity into booked for one booking id.
// Idempotent per booking id: a retried call returns the existing open
// booking and never double-reserves. The cache gate only sheds load; the
// store's guarded decrement is the decision.
func (s *InventoryService) Reserve(ctx context.Context, bookingID, instrumentID uuid.UUID, qty decimal.Decimal, actor string) (*domain.Booking, error) {
	start := s.now()
	if !qty.IsPositive() {
		return nil, &domain.ValidationError{Message: "quantity must be positive"}
	}
	if instrumentID == uuid.Nil {
		return nil, &domain.ValidationError{Message: "instrument id is required"}
	}
	if bookingID == uuid.Nil {
		bookingID = uuid.New()
	}

	idemKey := fmt.Sprintf("reserve:%s", bookingID)
	ok, err := s.cache.SetIdempotency(ctx, idemKey)
	if err != nil {
		// The booking primary key is the durable double-reserve guard.
		s.logger.Warn("idempotency check degraded", "err", err)
		ok = true
	}
	if !ok {
		existing, err := s.db.GetBooking(ctx, bookingID)
		if errors.Is(err, domain.ErrReservationNotFound) {
			return nil, domain.ErrDuplicateRequest
		}
		if err != nil {
			return nil, err
		}
		if !existing.Open() {
			return nil, domain.ErrReservationClosed
		}
		return existing, nil
	}

	gate, err := s.cache.ReserveGate(ctx, instrumentID.String(), qty)
	if err != nil {
		s.logger.Warn("reserve gate degraded", "err", err)
		gate = port.GateUnknown
	}
	if gate == port.GateInsufficient {
		s.clearIdempotency(ctx, idemKey)
		s.metrics.ObserveReserve("insufficient", s.now().Sub(start))
		return nil, domain.ErrInsufficientInventory
	}

	var (
		booking *domain.Booking
		agg     *domain.InventoryAggregate
	)
	err = withConflictRetry(ctx, s.logger, s.metrics, s.conflictRetries, domain.OpReserve, func() error {
		var err error
		booking, agg, err = s.db.ReserveQuantity(ctx, bookingID, instrumentID, qty)
		return err
	})
	if err != nil {
		if gate == port.GatePassed {
			if refundErr := s.cache.RefundGate(ctx, instrumentID.String(), qty); refundErr != nil {
				s.logger.Error("gate refund failed", "instrument_id", instrumentID, "err", refundErr)
			}
		}
		s.clearIdempotency(ctx, idemKey)
		switch {
		case errors.Is(err, domain.ErrInsufficientInventory):
			s.metrics.ObserveReserve("insufficient", s.now().Sub(start))
		case errors.Is(err, domain.ErrConcurrencyConflict):
			s.metrics.ObserveReserve("conflict", s.now().Sub(start))
		default:
			s.metrics.ObserveReserve("error", s.now().Sub(start))
		}
		return nil, err
	}

	s.syncCaches(ctx, agg)
	// A reserve moves quantity between buckets and never touches prices,
	// so rewinding the move reconstructs the prior snapshot exactly.
	after := agg.Snapshot()
	before := after
	before.AvailableQuantity = after.AvailableQuantity.Add(qty)
	before.BookedQuantity = after.BookedQuantity.Sub(qty)
	s.publish(domain.OpReserve, actor, instrumentID, before, after)

	s.metrics.ObserveReserve("accepted", s.now().Sub(start))
	s.logger.Info("quantity reserved",
		"instrument_id", instrumentID, "booking_id", booking.ID, "quantity", qty)
	return booking, nil
}

// Release reverses a reservation at most once; a second call fails with
// domain.ErrReservationClosed and changes nothing.
func (s *InventoryService) Release(ctx context.Context, bookingID uuid.UUID, actor string) (*domain.Booking, error) {
	if bookingID == uuid.Nil {
		return nil, &domain.ValidationError{Message: "booking id is required"}
	}

	var (
		booking *domain.Booking
		agg     *domain.InventoryAggregate
		before  domain.AggregateSnapshot
	)
	err := withConflictRetry(ctx, s.logger, s.metrics, s.conflictRetries, domain.OpRelease, func() error {
		var err error
		booking, agg, before, err = s.db.ReleaseReservation(ctx, bookingID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.syncCaches(ctx, agg)
	s.publish(domain.OpRelease, actor, booking.InstrumentID, before, agg.Snapshot())

	s.logger.Info("reservation released",
		"instrument_id", booking.InstrumentID, "booking_id", bookingID, "quantity", booking.Quantity)
	return booking, nil
}

// ConfirmSale finalizes a booking: quantity leaves the book and cost lots
// are drawn down oldest-first.
func (s *InventoryService) ConfirmSale(ctx context.Context, bookingID uuid.UUID, sellingPrice decimal.Decimal, actor string) (*domain.Booking, error) {
	if bookingID == uuid.Nil {
		return nil, &domain.ValidationError{Message: "booking id is required"}
	}
	if !sellingPrice.IsPositive() {
		return nil, &domain.ValidationError{Message: "selling price must be positive"}
	}

	var (
		booking *domain.Booking
		agg     *domain.InventoryAggregate
		before  domain.AggregateSnapshot
	)
	err := withConflictRetry(ctx, s.logger, s.metrics, s.conflictRetries, domain.OpConfirmSale, func() error {
		var err error
		booking, agg, before, err = s.db.ConfirmSale(ctx, bookingID, sellingPrice)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.syncCaches(ctx, agg)
	s.publish(domain.OpConfirmSale, actor, booking.InstrumentID, before, agg.Snapshot())

	s.logger.Info("sale confirmed",
		"instrument_id", booking.InstrumentID, "booking_id", bookingID,
		"quantity", booking.Quantity, "selling_price", sellingPrice)
	return booking, nil
}

// GetAggregate is the read-only display path; no locking, cache first.
func (s *InventoryService) GetAggregate(ctx context.Context, instrumentID uuid.UUID) (*domain.InventoryAggregate, error) {
	if cached, err := s.cache.GetAggregate(ctx, instrumentID.String()); err == nil && cached != nil {
		return cached, nil
	} else if err != nil {
		s.logger.Warn("aggregate cache read degraded", "err", err)
	}

	agg, err := s.db.GetAggregate(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetAggregate(ctx, *agg); err != nil {
		s.logger.Warn("aggregate cache write degraded", "err", err)
	}
	return agg, nil
}

func (s *InventoryService) clearIdempotency(ctx context.Context, key string) {
	if err := s.cache.ClearIdempotency(ctx, key); err != nil {
		s.logger.Warn("idempotency clear degraded", "key", key, "err", err)
	}
}

func (s *InventoryService) syncCaches(ctx context.Context, agg *domain.InventoryAggregate) {
	if err := s.cache.SetAggregate(ctx, *agg); err != nil {
		s.logger.Warn("aggregate cache sync degraded", "instrument_id", agg.InstrumentID, "err", err)
		// Drop the stale snapshot so reads fall through to the store
		// instead of serving the pre-mutation mirror.
		if err := s.cache.InvalidateAggregate(ctx, agg.InstrumentID.String()); err != nil {
			s.logger.Warn("aggregate cache invalidate degraded", "instrument_id", agg.InstrumentID, "err", err)
		}
	}
	if err := s.cache.SyncGate(ctx, agg.InstrumentID.String(), agg.AvailableQuantity); err != nil {
		s.logger.Warn("gate sync degraded", "instrument_id", agg.InstrumentID, "err", err)
	}
}

func (s *InventoryService) publish(op, actor string, instrumentID uuid.UUID, before, after domain.AggregateSnapshot) {
	s.sink.Publish(domain.InventoryEvent{
		InstrumentID: instrumentID,
		Operation:    op,
		Actor:        actor,
		Before:       before,
		After:        after,
		OccurredAt:   s.now().UTC(),
	})
}
