package port

import "github.com/kabidey/privity-inventory/internal/core/domain"

// EventSink receives a structured event after each mutating call. Publish
// must never block the caller and its failure must never roll back the
// inventory mutation.
type EventSink interface {
	Publish(event domain.InventoryEvent)
	Close()
}
