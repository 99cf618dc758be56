// Package dcb implements a PostgreSQL-backed event log with Dynamic
// Consistency Boundaries: a tag-indexed append-only store, an atomic
// append-if primitive, multi-projector state folding, and a
// single-transaction command executor.
package dcb

import (
	"fmt"
	"time"
)

// Event is a single stored event. Position and TransactionID are assigned by
// the store at commit time; Data is opaque to the engine.
type Event struct {
	Type          string    `json:"type"`
	Tags          []Tag     `json:"tags"`
	Data          []byte    `json:"data"`
	Position      int64     `json:"position"`
	TransactionID uint64    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Cursor returns the event's position in the log as a cursor.
func (e Event) Cursor() Cursor {
	return Cursor{TransactionID: e.TransactionID, Position: e.Position}
}

// InputEvent is an event to be appended. Position, transaction id and
// timestamp are assigned by the store.
type InputEvent struct {
	Type string `json:"type"`
	Tags []Tag  `json:"tags"`
	Data []byte `json:"data"`
}

// Tag is a key-value pair used for event categorization. A single event can
// carry tags for every entity it affects.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (t Tag) String() string {
	return t.Key + "=" + t.Value
}

// Cursor marks a position in the event stream. The zero value means "before
// all events".
type Cursor struct {
	TransactionID uint64 `json:"transaction_id"`
	Position      int64  `json:"position"`
}

// IsZero reports whether the cursor is before all events.
func (c Cursor) IsZero() bool {
	return c.TransactionID == 0 && c.Position == 0
}

// Before reports whether c is strictly before other in commit order.
// Events are ordered by (transaction_id, position).
func (c Cursor) Before(other Cursor) bool {
	if c.TransactionID != other.TransactionID {
		return c.TransactionID < other.TransactionID
	}
	return c.Position < other.Position
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d/%d", c.TransactionID, c.Position)
}

// Query is a disjunction of QueryItems. The empty query matches nothing.
type Query struct {
	Items []QueryItem `json:"items"`
}

// IsEmpty reports whether the query has no items and therefore matches no
// events.
func (q Query) IsEmpty() bool {
	return len(q.Items) == 0
}

// QueryItem is a single conjunction: the event type must be one of EventTypes
// (when non-empty) and the event must carry every tag in Tags. An item with
// neither field is invalid.
type QueryItem struct {
	EventTypes []string `json:"event_types"`
	Tags       []Tag    `json:"tags"`
}

// AppendCondition is the pair of queries and cursor that AppendIf evaluates
// atomically inside the writer's transaction.
type AppendCondition struct {
	// FailIfEventsMatch fails the append when any matching event exists past
	// After. It expresses "the decision model used is no longer current".
	FailIfEventsMatch Query `json:"fail_if_events_match"`

	// After is the cursor the decision model was projected up to.
	After Cursor `json:"after"`

	// Idempotency, when set, fails the append when any matching event exists
	// anywhere in the log. It expresses "this operation already happened" and
	// is checked before the consistency clause.
	Idempotency *Query `json:"idempotency,omitempty"`
}

// ReadOptions controls Read.
type ReadOptions struct {
	// After restricts the read to events past the cursor.
	After *Cursor
	// Limit caps the number of returned events.
	Limit *int
}

// StateProjector folds a filtered event stream into an in-memory state.
// TransitionFn must be pure: for equal inputs it produces equal outputs.
type StateProjector struct {
	Query        Query
	InitialState any
	TransitionFn func(state any, event Event) any
}

// BatchProjector pairs a StateProjector with an identifier so multiple
// projectors can share one pass over the stream.
type BatchProjector struct {
	ID             string
	StateProjector StateProjector
}

// ExecutionResult reports how the command executor disposed of a command.
type ExecutionResult int

const (
	// ResultCreated means new events were appended.
	ResultCreated ExecutionResult = iota + 1
	// ResultIdempotent means the operation had already been performed and no
	// events were appended.
	ResultIdempotent
)

func (r ExecutionResult) String() string {
	switch r {
	case ResultCreated:
		return "CREATED"
	case ResultIdempotent:
		return "IDEMPOTENT"
	default:
		return "UNKNOWN"
	}
}

// CommandResult is what a command handler returns: the events to append, the
// condition guarding them, and an optional human-readable reason (populated on
// idempotent no-ops).
type CommandResult struct {
	Events    []InputEvent
	Condition *AppendCondition
	Reason    string
}
