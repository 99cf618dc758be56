package dcb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func (es *eventStore) Append(ctx context.Context, events []InputEvent) (Cursor, error) {
	if len(events) == 0 {
		return Cursor{}, validationErr("append", "events", "empty",
			fmt.Errorf("events slice cannot be empty"))
	}
	return es.appendInNewTx(ctx, "append", events, nil)
}

func (es *eventStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (Cursor, error) {
	return es.appendInNewTx(ctx, "appendIf", events, &condition)
}

func (es *eventStore) appendInNewTx(ctx context.Context, op string, events []InputEvent, condition *AppendCondition) (Cursor, error) {
	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.pool.BeginTx(appendCtx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultIsolation),
	})
	if err != nil {
		return Cursor{}, resourceErr(op, "database",
			fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(appendCtx)

	cursor, err := es.appendInTx(appendCtx, tx, op, events, condition)
	if err != nil {
		return Cursor{}, err
	}

	if err := tx.Commit(appendCtx); err != nil {
		return Cursor{}, resourceErr(op, "database",
			fmt.Errorf("failed to commit transaction: %w", err))
	}
	return cursor, nil
}

// appendInTx is the append-if engine. It runs inside an open transaction:
// serialize on the appender lock, evaluate the idempotency clause, then the
// consistency clause, then insert. The check order is observable: a duplicate
// operation with a stale cursor reports idempotency, not concurrency.
func (es *eventStore) appendInTx(ctx context.Context, tx pgx.Tx, op string, events []InputEvent, condition *AppendCondition) (Cursor, error) {
	if len(events) > es.config.MaxBatchSize {
		return Cursor{}, validationErr(op, "events", fmt.Sprintf("count:%d", len(events)),
			fmt.Errorf("batch size %d exceeds maximum of %d", len(events), es.config.MaxBatchSize))
	}
	for i, event := range events {
		if err := validateEvent(op, event, i); err != nil {
			return Cursor{}, err
		}
	}

	// Conflicting appenders serialize here; the checks below therefore see
	// every previously committed event, never a stale snapshot.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", es.config.TargetEventsTable); err != nil {
		return Cursor{}, resourceErr(op, "database",
			fmt.Errorf("failed to acquire appender lock: %w", err))
	}

	if condition != nil {
		if err := es.checkCondition(ctx, tx, op, *condition); err != nil {
			return Cursor{}, err
		}
		if len(events) == 0 {
			// Probe call: checks passed, nothing to write.
			return condition.After, nil
		}
	}

	var txID uint64
	if err := tx.QueryRow(ctx, "SELECT pg_current_xact_id()").Scan(&txID); err != nil {
		return Cursor{}, resourceErr(op, "database",
			fmt.Errorf("failed to read transaction id: %w", err))
	}

	occurredAt := es.clock.Now()
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (type, tags, data, occurred_at) VALUES ($1, $2, $3, $4) RETURNING position",
		es.config.TargetEventsTable)

	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(insertSQL, event.Type, TagsToArray(event.Tags), event.Data, occurredAt)
	}
	br := tx.SendBatch(ctx, batch)

	var lastPosition int64
	for i := range events {
		if err := br.QueryRow().Scan(&lastPosition); err != nil {
			br.Close()
			return Cursor{}, resourceErr(op, "database",
				fmt.Errorf("failed to insert event %d: %w", i, err))
		}
	}
	if err := br.Close(); err != nil {
		return Cursor{}, resourceErr(op, "database",
			fmt.Errorf("failed to flush event batch: %w", err))
	}

	return Cursor{TransactionID: txID, Position: lastPosition}, nil
}

// checkCondition evaluates both clauses of the condition against tx.
func (es *eventStore) checkCondition(ctx context.Context, tx pgx.Tx, op string, condition AppendCondition) error {
	if condition.Idempotency != nil && !condition.Idempotency.IsEmpty() {
		n, err := es.countMatching(ctx, tx, op, *condition.Idempotency, ReadOptions{})
		if err != nil {
			return err
		}
		if n > 0 {
			return &IdempotencyError{
				EventStoreError: EventStoreError{
					Op:  op,
					Err: fmt.Errorf("idempotency clause matched: operation already performed"),
				},
				MatchingEvents: n,
			}
		}
	}

	if !condition.FailIfEventsMatch.IsEmpty() {
		after := condition.After
		n, err := es.countMatching(ctx, tx, op, condition.FailIfEventsMatch, ReadOptions{After: &after})
		if err != nil {
			return err
		}
		if n > 0 {
			return &ConcurrencyError{
				EventStoreError: EventStoreError{
					Op:  op,
					Err: fmt.Errorf("consistency clause matched: %d event(s) past cursor %s", n, condition.After),
				},
				MatchingEvents: n,
			}
		}
	}
	return nil
}

// countMatching probes for matching events with LIMIT 1: the engine only
// needs to know whether any exist.
func (es *eventStore) countMatching(ctx context.Context, tx pgx.Tx, op string, query Query, opts ReadOptions) (int, error) {
	if err := validateQuery(op, query); err != nil {
		return 0, err
	}
	one := 1
	opts.Limit = &one
	sqlQuery, args := buildReadQuerySQL(es.config.TargetEventsTable, query, opts)
	rows, err := tx.Query(ctx, sqlQuery, args...)
	if err != nil {
		return 0, resourceErr(op, "database",
			fmt.Errorf("failed to evaluate append condition: %w", err))
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, resourceErr(op, "database",
			fmt.Errorf("failed to evaluate append condition: %w", err))
	}
	return n, nil
}
