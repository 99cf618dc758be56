package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore is the core interface for appending, reading and projecting
// events.
type EventStore interface {
	// Append unconditionally appends events in commit order and returns the
	// cursor of the last appended event. It fails only on validation or
	// infrastructure errors.
	Append(ctx context.Context, events []InputEvent) (Cursor, error)

	// AppendIf appends events only when the condition holds: no event matches
	// the idempotency clause anywhere in the log, and no event matches the
	// consistency clause past the condition's cursor. Both checks run inside
	// the writer's transaction under the appender lock. An empty events slice
	// runs the checks without appending anything.
	AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (Cursor, error)

	// Read returns a lazy iterator over events matching the query, in
	// (transaction_id, position) order. The empty query yields no events.
	Read(ctx context.Context, query Query, opts ReadOptions) (EventIterator, error)

	// ReadAll collects the result of Read into a slice.
	ReadAll(ctx context.Context, query Query, opts ReadOptions) ([]Event, error)

	// ReadChannel streams events matching the query through a channel. The
	// channel closes when the stream is exhausted or ctx is cancelled.
	ReadChannel(ctx context.Context, query Query, opts ReadOptions) (<-chan Event, error)

	// Project folds events past the after cursor into one state per
	// projector, sharing a single pass over the stream, and returns the
	// AppendCondition that makes the decision safe: the combined projector
	// query with the cursor of the last event read (or after, when nothing
	// matched).
	Project(ctx context.Context, projectors []BatchProjector, after Cursor) (map[string]any, AppendCondition, error)

	// InTransaction runs fn inside one database transaction at the configured
	// isolation level. The TxEventStore passed to fn shares that transaction.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx TxEventStore) error) error

	// Config returns the store configuration.
	Config() EventStoreConfig

	// Pool exposes the underlying connection pool for collaborators that
	// manage their own tables (progress stores, views).
	Pool() *pgxpool.Pool
}

// TxEventStore is the transaction-scoped view of the store handed to command
// handlers. Handlers must not retain it past the transaction.
type TxEventStore interface {
	Read(ctx context.Context, query Query, opts ReadOptions) (EventIterator, error)
	ReadAll(ctx context.Context, query Query, opts ReadOptions) ([]Event, error)
	Project(ctx context.Context, projectors []BatchProjector, after Cursor) (map[string]any, AppendCondition, error)
	AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (Cursor, error)

	// CurrentTransactionID returns the xid8 of the surrounding transaction,
	// used to correlate command rows with the events they produced.
	CurrentTransactionID(ctx context.Context) (uint64, error)

	// StoreCommand inserts a row into the command audit log under the current
	// transaction id.
	StoreCommand(ctx context.Context, command Command) error
}

// EventIterator is a lazy cursor over a read result. Callers must Close it.
type EventIterator interface {
	// Next advances to the next event, returning false when exhausted.
	Next() bool
	// Event returns the current event.
	Event() Event
	// Err returns any error that occurred during iteration.
	Err() error
	// Close releases the underlying rows.
	Close()
}

// dbtx is the subset of pgx shared by pgxpool.Pool and pgx.Tx, so reads and
// checks can run against either.
type dbtx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// eventStore implements EventStore on a pgx connection pool.
type eventStore struct {
	pool   *pgxpool.Pool
	config EventStoreConfig
	clock  Clock
}

// NewEventStore creates an EventStore with DefaultConfig.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool) (EventStore, error) {
	return NewEventStoreWithConfig(ctx, pool, DefaultConfig())
}

// NewEventStoreWithConfig creates an EventStore, verifying connectivity and
// the shape of the target events table before handing it out.
func NewEventStoreWithConfig(ctx context.Context, pool *pgxpool.Pool, config EventStoreConfig) (EventStore, error) {
	if pool == nil {
		return nil, validationErr("NewEventStore", "pool", "nil", fmt.Errorf("pool cannot be nil"))
	}
	if config.TargetEventsTable == "" {
		config.TargetEventsTable = "events"
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultConfig().MaxBatchSize
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, resourceErr("NewEventStore", "database",
			fmt.Errorf("unable to connect to database: %w", err))
	}

	es := &eventStore{pool: pool, config: config, clock: SystemClock()}
	if err := es.validateTableStructure(ctx); err != nil {
		return nil, err
	}
	return es, nil
}

// WithClock returns a copy of the store reading time from clock. Intended for
// tests.
func WithClock(store EventStore, clock Clock) EventStore {
	es, ok := store.(*eventStore)
	if !ok {
		return store
	}
	clone := *es
	clone.clock = clock
	return &clone
}

func (es *eventStore) Config() EventStoreConfig { return es.config }

func (es *eventStore) Pool() *pgxpool.Pool { return es.pool }

// withTimeout applies the default timeout unless the caller already set a
// deadline.
func (es *eventStore) withTimeout(ctx context.Context, defaultTimeoutMs int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(defaultTimeoutMs)*time.Millisecond)
}

// requiredEventColumns maps column name to expected data type for the target
// events table.
var requiredEventColumns = map[string]string{
	"position":       "bigint",
	"transaction_id": "xid8",
	"type":           "character varying",
	"tags":           "ARRAY",
	"data":           "bytea",
	"occurred_at":    "timestamp with time zone",
}

func (es *eventStore) validateTableStructure(ctx context.Context) error {
	rows, err := es.pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = $1
	`, es.config.TargetEventsTable)
	if err != nil {
		return resourceErr("validateTableStructure", "database", err)
	}
	defer rows.Close()

	found := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return resourceErr("validateTableStructure", "database", err)
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return resourceErr("validateTableStructure", "database", err)
	}
	if len(found) == 0 {
		return &TableStructureError{
			EventStoreError: EventStoreError{
				Op:  "validateTableStructure",
				Err: fmt.Errorf("table %q does not exist", es.config.TargetEventsTable),
			},
			TableName: es.config.TargetEventsTable,
			Issue:     "missing table",
		}
	}
	for col, want := range requiredEventColumns {
		got, ok := found[col]
		if !ok {
			return &TableStructureError{
				EventStoreError: EventStoreError{
					Op:  "validateTableStructure",
					Err: fmt.Errorf("missing required column '%s' in table %q", col, es.config.TargetEventsTable),
				},
				TableName:  es.config.TargetEventsTable,
				ColumnName: col,
				Issue:      "missing column",
			}
		}
		if got != want {
			return &TableStructureError{
				EventStoreError: EventStoreError{
					Op:  "validateTableStructure",
					Err: fmt.Errorf("column '%s' has type %q, expected %q", col, got, want),
				},
				TableName:  es.config.TargetEventsTable,
				ColumnName: col,
				Issue:      "wrong type",
			}
		}
	}
	return nil
}
