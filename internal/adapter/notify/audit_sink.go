package notify

import (
	"log/slog"
	"sync"

	"github.com/kabidey/privity-inventory/internal/core/domain"
)

// AuditSink fans audit events out to a worker pool over a buffered channel.
// Publish never blocks: when the queue is full the event is dropped and
// counted, because notification failure must not slow or roll back the
// inventory mutation that produced it.
type AuditSink struct {
	queue   chan domain.InventoryEvent
	logger  *slog.Logger
	onDrop  func()
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

func NewAuditSink(logger *slog.Logger, workers, queueSize int, onDrop func()) *AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if onDrop == nil {
		onDrop = func() {}
	}

	s := &AuditSink{
		queue:  make(chan domain.InventoryEvent, queueSize),
		logger: logger,
		onDrop: onDrop,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			s.workerLoop(id)
		}(i)
	}
	return s
}

func (s *AuditSink) Publish(event domain.InventoryEvent) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		s.onDrop()
		return
	}

	select {
	case s.queue <- event:
	default:
		s.onDrop()
		s.logger.Warn("audit queue full, event dropped",
			"instrument_id", event.InstrumentID, "op", event.Operation)
	}
}

// Close stops accepting events and drains the queue.
func (s *AuditSink) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.closeMu.Unlock()

	s.wg.Wait()
}

func (s *AuditSink) workerLoop(id int) {
	for event := range s.queue {
		s.logger.Info("inventory event",
			"worker", id,
			"instrument_id", event.InstrumentID,
			"op", event.Operation,
			"actor", event.Actor,
			"before_total", event.Before.TotalQuantity,
			"after_total", event.After.TotalQuantity,
			"before_available", event.Before.AvailableQuantity,
			"after_available", event.After.AvailableQuantity,
			"before_booked", event.Before.BookedQuantity,
			"after_booked", event.After.BookedQuantity,
			"before_wap", event.Before.WeightedAvgPrice,
			"after_wap", event.After.WeightedAvgPrice,
			"occurred_at", event.OccurredAt,
		)
	}
}
