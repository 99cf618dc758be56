package dcb

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

// rowEvent is a helper struct for scanning database rows.
type rowEvent struct {
	Type          string
	Tags          []string
	Data          []byte
	Position      int64
	TransactionID uint64
	OccurredAt    time.Time
}

func convertRowToEvent(row rowEvent) Event {
	return Event{
		Type:          row.Type,
		Tags:          ParseTagsArray(row.Tags),
		Data:          row.Data,
		Position:      row.Position,
		TransactionID: row.TransactionID,
		OccurredAt:    row.OccurredAt,
	}
}

// eventIterator wraps pgx.Rows into a lazy EventIterator.
type eventIterator struct {
	rows    pgx.Rows
	cancel  context.CancelFunc
	current Event
	err     error
}

func (it *eventIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var row rowEvent
	if err := it.rows.Scan(&row.Type, &row.Tags, &row.Data, &row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
		it.err = resourceErr("read", "database", fmt.Errorf("failed to scan event row: %w", err))
		return false
	}
	it.current = convertRowToEvent(row)
	return true
}

func (it *eventIterator) Event() Event { return it.current }

func (it *eventIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if err := it.rows.Err(); err != nil {
		return resourceErr("read", "database", fmt.Errorf("error iterating over events: %w", err))
	}
	return nil
}

func (it *eventIterator) Close() {
	it.rows.Close()
	if it.cancel != nil {
		it.cancel()
	}
}

func (es *eventStore) Read(ctx context.Context, query Query, opts ReadOptions) (EventIterator, error) {
	return readMatching(ctx, es.pool, es.config.TargetEventsTable, query, opts, es.config.QueryTimeout)
}

func (es *eventStore) ReadAll(ctx context.Context, query Query, opts ReadOptions) ([]Event, error) {
	return collect(es.Read(ctx, query, opts))
}

// readMatching executes a compiled read against db, which may be the pool or
// an open transaction.
func readMatching(ctx context.Context, db dbtx, table string, query Query, opts ReadOptions, timeoutMs int) (EventIterator, error) {
	if err := validateQuery("read", query); err != nil {
		return nil, err
	}

	queryCtx := ctx
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok && timeoutMs > 0 {
		queryCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	}

	sqlQuery, args := buildReadQuerySQL(table, query, opts)
	rows, err := db.Query(queryCtx, sqlQuery, args...)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, resourceErr("read", "database", fmt.Errorf("failed to execute read query: %w", err))
	}
	return &eventIterator{rows: rows, cancel: cancel}, nil
}

func collect(it EventIterator, err error) ([]Event, error) {
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var events []Event
	for it.Next() {
		events = append(events, it.Event())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadChannel streams matching events through a buffered channel. Suited to
// consumers that prefer range loops over explicit iterators.
func (es *eventStore) ReadChannel(ctx context.Context, query Query, opts ReadOptions) (<-chan Event, error) {
	it, err := es.Read(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, es.config.StreamBuffer)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("ReadChannel panic recovered: %v", r)
			}
			it.Close()
			close(out)
		}()
		for it.Next() {
			select {
			case out <- it.Event():
			case <-ctx.Done():
				return
			}
		}
		if err := it.Err(); err != nil {
			log.Printf("ReadChannel iteration error: %v", err)
		}
	}()
	return out, nil
}
