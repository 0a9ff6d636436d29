package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kabidey/privity-inventory/internal/core/domain"
	"github.com/kabidey/privity-inventory/internal/port"
)

// CorporateActionService applies splits and bonuses. Exactly-once is
// enforced by the store's guarded pending -> applied transition, not by
// anything in process.
type CorporateActionService struct {
	db              port.DatabaseRepository
	cache           port.CacheRepository
	sink            port.EventSink
	logger          *slog.Logger
	metrics         *Metrics
	conflictRetries int
	now             func() time.Time
}

func NewCorporateActionService(db port.DatabaseRepository, cache port.CacheRepository, sink port.EventSink, logger *slog.Logger, metrics *Metrics, conflictRetries int) *CorporateActionService {
	if logger == nil {
		logger = slog.Default()
	}
	if conflictRetries <= 0 {
		conflictRetries = defaultConflictRetries
	}
	return &CorporateActionService{
		db:              db,
		cache:           cache,
		sink:            sink,
		logger:          logger,
		metrics:         metrics,
		conflictRetries: conflictRetries,
		now:             time.Now,
	}
}

func (s *CorporateActionService) Create(ctx context.Context, instrumentID uuid.UUID, actionType domain.ActionType, ratioFrom, ratioTo int64, newFaceValue *decimal.Decimal, recordDate time.Time) (*domain.CorporateAction, error) {
	action := domain.CorporateAction{
		ID:           uuid.New(),
		InstrumentID: instrumentID,
		Type:         actionType,
		RatioFrom:    ratioFrom,
		RatioTo:      ratioTo,
		NewFaceValue: newFaceValue,
		RecordDate:   recordDate.UTC(),
		Status:       domain.ActionStatusPending,
		CreatedAt:    s.now().UTC(),
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.db.GetInstrument(ctx, instrumentID); err != nil {
		return nil, err
	}
	if err := s.db.CreateCorporateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("create corporate action: %w", err)
	}

	s.logger.Info("corporate action created",
		"action_id", action.ID, "instrument_id", instrumentID,
		"type", actionType, "ratio", fmt.Sprintf("%d:%d", ratioFrom, ratioTo),
		"record_date", action.RecordDate.Format("2006-01-02"))
	return &action, nil
}

// Apply rescales the instrument's aggregate, cost lots and open bookings
// on the action's record date. A second apply fails with
// domain.ErrAlreadyApplied and leaves state untouched.
func (s *CorporateActionService) Apply(ctx context.Context, actionID uuid.UUID, actor string) (*domain.AdjustmentSummary, error) {
	action, err := s.db.GetCorporateAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Status == domain.ActionStatusApplied {
		return nil, domain.ErrAlreadyApplied
	}
	if !sameDay(s.now().UTC(), action.RecordDate.UTC()) {
		return nil, domain.ErrNotOnRecordDate
	}

	var summary *domain.AdjustmentSummary
	err = withConflictRetry(ctx, s.logger, s.metrics, s.conflictRetries, domain.OpCorporateAction, func() error {
		var err error
		summary, err = s.db.ApplyCorporateAction(ctx, *action)
		return err
	})
	if err != nil {
		return nil, err
	}

	if agg, aggErr := s.db.GetAggregate(ctx, action.InstrumentID); aggErr == nil {
		if cacheErr := s.cache.SetAggregate(ctx, *agg); cacheErr != nil {
			s.logger.Warn("aggregate cache sync degraded", "instrument_id", agg.InstrumentID, "err", cacheErr)
			if invErr := s.cache.InvalidateAggregate(ctx, agg.InstrumentID.String()); invErr != nil {
				s.logger.Warn("aggregate cache invalidate degraded", "instrument_id", agg.InstrumentID, "err", invErr)
			}
		}
		if gateErr := s.cache.SyncGate(ctx, agg.InstrumentID.String(), agg.AvailableQuantity); gateErr != nil {
			s.logger.Warn("gate sync degraded", "instrument_id", agg.InstrumentID, "err", gateErr)
		}
	}

	s.sink.Publish(domain.InventoryEvent{
		InstrumentID: action.InstrumentID,
		Operation:    domain.OpCorporateAction,
		Actor:        actor,
		Before:       summary.Before,
		After:        summary.After,
		OccurredAt:   s.now().UTC(),
	})
	s.metrics.IncActionApplied(string(action.Type))

	s.logger.Info("corporate action applied",
		"action_id", actionID, "instrument_id", action.InstrumentID,
		"type", action.Type, "price_factor", summary.PriceFactor,
		"lots_rescaled", summary.LotsRescaled, "bookings_rescaled", summary.BookingsScaled)
	return summary, nil
}

func (s *CorporateActionService) Get(ctx context.Context, actionID uuid.UUID) (*domain.CorporateAction, error) {
	return s.db.GetCorporateAction(ctx, actionID)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
