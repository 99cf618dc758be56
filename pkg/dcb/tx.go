package dcb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func (es *eventStore) InTransaction(ctx context.Context, fn func(ctx context.Context, tx TxEventStore) error) error {
	txCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.pool.BeginTx(txCtx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultIsolation),
	})
	if err != nil {
		return resourceErr("inTransaction", "database",
			fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(txCtx)

	if err := fn(txCtx, &txEventStore{es: es, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(txCtx); err != nil {
		return resourceErr("inTransaction", "database",
			fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// txEventStore is the transaction-scoped store handed to command handlers.
type txEventStore struct {
	es *eventStore
	tx pgx.Tx
}

func (ts *txEventStore) Read(ctx context.Context, query Query, opts ReadOptions) (EventIterator, error) {
	return readMatching(ctx, ts.tx, ts.es.config.TargetEventsTable, query, opts, 0)
}

func (ts *txEventStore) ReadAll(ctx context.Context, query Query, opts ReadOptions) ([]Event, error) {
	return collect(ts.Read(ctx, query, opts))
}

func (ts *txEventStore) Project(ctx context.Context, projectors []BatchProjector, after Cursor) (map[string]any, AppendCondition, error) {
	return projectOver(ctx, ts.tx, ts.es.config.TargetEventsTable, 0, projectors, after)
}

func (ts *txEventStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (Cursor, error) {
	return ts.es.appendInTx(ctx, ts.tx, "appendIf", events, &condition)
}

func (ts *txEventStore) CurrentTransactionID(ctx context.Context) (uint64, error) {
	var txID uint64
	if err := ts.tx.QueryRow(ctx, "SELECT pg_current_xact_id()").Scan(&txID); err != nil {
		return 0, resourceErr("currentTransactionID", "database", err)
	}
	return txID, nil
}

func (ts *txEventStore) StoreCommand(ctx context.Context, command Command) error {
	var metadata []byte
	if command.GetMetadata() != nil {
		var err error
		metadata, err = json.Marshal(command.GetMetadata())
		if err != nil {
			return resourceErr("storeCommand", "json",
				fmt.Errorf("failed to marshal command metadata: %w", err))
		}
	}
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO commands (transaction_id, type, data, metadata)
		VALUES (pg_current_xact_id(), $1, $2, $3)
	`, command.GetType(), command.GetData(), metadata)
	if err != nil {
		return resourceErr("storeCommand", "database",
			fmt.Errorf("failed to store command: %w", err))
	}
	return nil
}
