package dcb

import (
	"context"
	"fmt"
)

func (es *eventStore) Project(ctx context.Context, projectors []BatchProjector, after Cursor) (map[string]any, AppendCondition, error) {
	return projectOver(ctx, es.pool, es.config.TargetEventsTable, es.config.QueryTimeout, projectors, after)
}

// projectOver folds events past the after cursor into one state per
// projector. All projectors share a single pass over the stream: the combined
// query is read once and each event is fanned out to the projectors whose
// query it matches.
func projectOver(ctx context.Context, db dbtx, table string, timeoutMs int, projectors []BatchProjector, after Cursor) (map[string]any, AppendCondition, error) {
	if len(projectors) == 0 {
		return nil, AppendCondition{}, validationErr("project", "projectors", "empty",
			fmt.Errorf("at least one projector is required"))
	}
	for _, bp := range projectors {
		if bp.ID == "" {
			return nil, AppendCondition{}, validationErr("project", "projector.id", "empty",
				fmt.Errorf("projector ID cannot be empty"))
		}
		if bp.StateProjector.TransitionFn == nil {
			return nil, AppendCondition{}, validationErr("project", "projector.transitionFn", "nil",
				fmt.Errorf("projector %s has nil transition function", bp.ID))
		}
		if err := validateQuery("project", bp.StateProjector.Query); err != nil {
			return nil, AppendCondition{}, err
		}
	}

	queries := make([]Query, len(projectors))
	for i, bp := range projectors {
		queries[i] = bp.StateProjector.Query
	}
	combined := combineQueries(queries...)

	states := make(map[string]any, len(projectors))
	for _, bp := range projectors {
		states[bp.ID] = bp.StateProjector.InitialState
	}

	condition := AppendCondition{FailIfEventsMatch: combined, After: after}
	if combined.IsEmpty() {
		// Nothing can match; the decision state is the initial state as of
		// the given cursor.
		return states, condition, nil
	}

	it, err := readMatching(ctx, db, table, combined, ReadOptions{After: &after}, timeoutMs)
	if err != nil {
		return nil, AppendCondition{}, err
	}
	defer it.Close()

	cursor := after
	for it.Next() {
		event := it.Event()
		cursor = event.Cursor()
		for _, bp := range projectors {
			if QueryMatches(bp.StateProjector.Query, event) {
				states[bp.ID] = bp.StateProjector.TransitionFn(states[bp.ID], event)
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, AppendCondition{}, err
	}

	condition.After = cursor
	return states, condition, nil
}
