package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kabidey/privity-inventory/internal/core/domain"
	"github.com/kabidey/privity-inventory/internal/port"
)

// ReconcileService rebuilds aggregates from the lot and booking ledgers.
// Safe to rerun: a pass over an undrifted instrument writes nothing.
type ReconcileService struct {
	db              port.DatabaseRepository
	cache           port.CacheRepository
	sink            port.EventSink
	logger          *slog.Logger
	metrics         *Metrics
	conflictRetries int
	now             func() time.Time
}

func NewReconcileService(db port.DatabaseRepository, cache port.CacheRepository, sink port.EventSink, logger *slog.Logger, metrics *Metrics, conflictRetries int) *ReconcileService {
	if logger == nil {
		logger = slog.Default()
	}
	if conflictRetries <= 0 {
		conflictRetries = defaultConflictRetries
	}
	return &ReconcileService{
		db:              db,
		cache:           cache,
		sink:            sink,
		logger:          logger,
		metrics:         metrics,
		conflictRetries: conflictRetries,
		now:             time.Now,
	}
}

// Recalculate heals one instrument, or every known instrument when
// instrumentID is nil. Each instrument is its own transaction; one failure
// stops the sweep and surfaces.
func (s *ReconcileService) Recalculate(ctx context.Context, instrumentID *uuid.UUID, actor string) ([]domain.ReconciliationReport, error) {
	var ids []uuid.UUID
	if instrumentID != nil {
		if _, err := s.db.GetInstrument(ctx, *instrumentID); err != nil {
			return nil, err
		}
		ids = []uuid.UUID{*instrumentID}
	} else {
		var err error
		ids, err = s.db.ListInstrumentIDs(ctx)
		if err != nil {
			return nil, err
		}
	}

	reports := make([]domain.ReconciliationReport, 0, len(ids))
	for _, id := range ids {
		var report *domain.ReconciliationReport
		err := withConflictRetry(ctx, s.logger, s.metrics, s.conflictRetries, domain.OpReconcile, func() error {
			var err error
			report, err = s.db.RecalculateAggregate(ctx, id)
			return err
		})
		if err != nil {
			return reports, err
		}

		s.metrics.ObserveReconcile(report.Drifted)
		if report.Drifted {
			s.logger.Warn("aggregate drift healed",
				"instrument_id", id,
				"before_total", report.Before.TotalQuantity,
				"after_total", report.After.TotalQuantity,
				"before_available", report.Before.AvailableQuantity,
				"after_available", report.After.AvailableQuantity)
			s.sink.Publish(domain.InventoryEvent{
				InstrumentID: id,
				Operation:    domain.OpReconcile,
				Actor:        actor,
				Before:       report.Before,
				After:        report.After,
				OccurredAt:   s.now().UTC(),
			})
		}

		if agg, aggErr := s.db.GetAggregate(ctx, id); aggErr == nil {
			if cacheErr := s.cache.SetAggregate(ctx, *agg); cacheErr != nil {
				s.logger.Warn("aggregate cache sync degraded", "instrument_id", id, "err", cacheErr)
				if invErr := s.cache.InvalidateAggregate(ctx, id.String()); invErr != nil {
					s.logger.Warn("aggregate cache invalidate degraded", "instrument_id", id, "err", invErr)
				}
			}
			if gateErr := s.cache.SyncGate(ctx, id.String(), agg.AvailableQuantity); gateErr != nil {
				s.logger.Warn("gate sync degraded", "instrument_id", id, "err", gateErr)
			}
		}

		reports = append(reports, *report)
	}
	return reports, nil
}
