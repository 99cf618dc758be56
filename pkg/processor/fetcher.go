package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"eventline/pkg/dcb"
)

// Fetcher reads event batches for processors. Unlike store reads, a zero
// filter means "every event": topic selection is optional for a processor.
type Fetcher struct {
	pool  *pgxpool.Pool
	table string
}

// NewFetcher creates a fetcher over the events table.
func NewFetcher(pool *pgxpool.Pool, table string) *Fetcher {
	return &Fetcher{pool: pool, table: table}
}

// FetchEvents returns up to batchSize events with position > lastPosition
// matching the filter, in ascending position order.
//
// Only events below the current snapshot's xmin are returned. A transaction
// with a lower position can still be in flight while one with a higher
// position has committed; skipping past it would lose the event once it
// commits. The xmin watermark holds the fetcher back until every earlier
// writer has finished.
func (f *Fetcher) FetchEvents(ctx context.Context, filter dcb.Query, lastPosition int64, batchSize int) ([]dcb.Event, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb,
		"SELECT type, tags, data, position, transaction_id, occurred_at FROM %s WHERE position > $1", f.table)
	sb.WriteString(" AND transaction_id < pg_snapshot_xmin(pg_current_snapshot())")

	args := []any{lastPosition}
	if clause, filterArgs, ok := compileFilter(filter, len(args)); ok {
		sb.WriteString(" AND " + clause)
		args = append(args, filterArgs...)
	}

	args = append(args, batchSize)
	fmt.Fprintf(&sb, " ORDER BY position ASC LIMIT $%d", len(args))

	rows, err := f.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	defer rows.Close()

	var events []dcb.Event
	for rows.Next() {
		var (
			event dcb.Event
			tags  []string
		)
		if err := rows.Scan(&event.Type, &tags, &event.Data, &event.Position,
			&event.TransactionID, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("fetch events: %w", err)
		}
		event.Tags = dcb.ParseTagsArray(tags)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	return events, nil
}

// compileFilter renders the filter as a SQL predicate with placeholders
// starting at $argOffset+1. It returns ok=false when the filter imposes no
// constraint, either because it is zero or because one of its items is
// unconstrained and matches everything.
func compileFilter(filter dcb.Query, argOffset int) (string, []any, bool) {
	if filter.IsEmpty() {
		return "", nil, false
	}
	var (
		args      []any
		itemConds []string
	)
	for _, item := range filter.Items {
		var conds []string
		if len(item.EventTypes) > 0 {
			args = append(args, item.EventTypes)
			conds = append(conds, fmt.Sprintf("type = ANY($%d)", argOffset+len(args)))
		}
		if len(item.Tags) > 0 {
			args = append(args, dcb.TagsToArray(item.Tags))
			conds = append(conds, fmt.Sprintf("tags @> $%d::text[]", argOffset+len(args)))
		}
		if len(conds) == 0 {
			return "", nil, false
		}
		itemConds = append(itemConds, "("+strings.Join(conds, " AND ")+")")
	}
	return "(" + strings.Join(itemConds, " OR ") + ")", args, true
}

// HeadPosition returns the highest committed position, or 0 when the log is
// empty. Used for lag reporting.
func (f *Fetcher) HeadPosition(ctx context.Context) (int64, error) {
	var head int64
	err := f.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(position), 0) FROM %s", f.table)).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("head position: %w", err)
	}
	return head, nil
}
