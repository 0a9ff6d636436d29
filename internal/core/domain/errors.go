package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrInstrumentNotFound    = errors.New("instrument_not_found")
	ErrAggregateNotFound     = errors.New("aggregate_not_found")
	ErrInsufficientInventory = errors.New("insufficient_inventory")
	ErrReservationNotFound   = errors.New("reservation_not_found")
	ErrReservationClosed     = errors.New("reservation_closed")
	ErrActionNotFound        = errors.New("corporate_action_not_found")
	ErrAlreadyApplied        = errors.New("corporate_action_already_applied")
	ErrNotOnRecordDate       = errors.New("not_on_record_date")
	ErrDuplicateRequest      = errors.New("duplicate_request")
	ErrConcurrencyConflict   = errors.New("concurrency_conflict")
)

// ValidationError represents a request rejected before any mutation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
