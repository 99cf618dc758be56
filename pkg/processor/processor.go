// Package processor implements leader-elected, progress-tracked event
// processors over the event log: each processor polls for events past its
// last recorded position, hands them to a handler, and advances progress only
// after the handler succeeds. Delivery is at-least-once; handlers must be
// idempotent.
package processor

import (
	"context"

	"eventline/pkg/dcb"
)

// EventHandler consumes a batch of events for a processor. It returns the
// number of events handled; progress advances to the position of the last
// handled event. Handlers own their idempotency: after a crash between
// handling and the progress update, the same events are delivered again.
type EventHandler interface {
	Handle(ctx context.Context, processorID string, events []dcb.Event) (int, error)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, processorID string, events []dcb.Event) (int, error)

func (f EventHandlerFunc) Handle(ctx context.Context, processorID string, events []dcb.Event) (int, error) {
	return f(ctx, processorID, events)
}

// Processor is a named consumer of the event log.
type Processor struct {
	// ID identifies the processor in progress records and leader locks.
	ID string

	// Filter selects the events delivered to this processor. A zero Filter
	// delivers every event.
	Filter dcb.Query

	// Handler receives fetched batches.
	Handler EventHandler

	// BatchSize overrides the runtime's batch size when positive.
	BatchSize int
}

// Status is the lifecycle state of a processor.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusPaused Status = "PAUSED"
	StatusFailed Status = "FAILED"
)
