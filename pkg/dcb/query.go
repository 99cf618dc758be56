package dcb

import (
	"fmt"
	"strings"
)

// validateQuery checks query items for structural validity: every item must
// have at least one event type or tag, and tag keys must be non-empty and
// free of the '=' storage separator.
func validateQuery(op string, q Query) error {
	for i, item := range q.Items {
		if len(item.EventTypes) == 0 && len(item.Tags) == 0 {
			return validationErr(op, fmt.Sprintf("items[%d]", i), "empty",
				fmt.Errorf("query item %d has neither event types nor tags", i))
		}
		for j, et := range item.EventTypes {
			if et == "" {
				return validationErr(op, fmt.Sprintf("items[%d].eventTypes[%d]", i, j), "empty",
					fmt.Errorf("empty event type at index %d of item %d", j, i))
			}
		}
		if err := validateTags(op, item.Tags); err != nil {
			return err
		}
	}
	return nil
}

func validateTags(op string, tags []Tag) error {
	for i, t := range tags {
		if t.Key == "" {
			return validationErr(op, "tag.key", "empty",
				fmt.Errorf("tag at index %d has empty key", i))
		}
		if strings.Contains(t.Key, "=") {
			return validationErr(op, "tag.key", t.Key,
				fmt.Errorf("tag key %q contains '='", t.Key))
		}
		if t.Value == "" {
			return validationErr(op, "tag.value", "empty",
				fmt.Errorf("tag %q has empty value", t.Key))
		}
	}
	return nil
}

func validateEvent(op string, event InputEvent, index int) error {
	if event.Type == "" {
		return validationErr(op, "type", "empty",
			fmt.Errorf("event at index %d has empty type", index))
	}
	if err := validateTags(op, event.Tags); err != nil {
		return err
	}
	keys := make(map[string]bool, len(event.Tags))
	for _, tag := range event.Tags {
		if keys[tag.Key] {
			return validationErr(op, "tag.key", tag.Key,
				fmt.Errorf("event at index %d has duplicate tag key: %s", index, tag.Key))
		}
		keys[tag.Key] = true
	}
	return nil
}

// buildReadQuerySQL compiles a (query, options) pair into a single SELECT.
// Items become OR-ed conjunctions of a type membership test and a tag
// containment test; the cursor floor is AND-ed on top. The empty query
// compiles to a predicate that never matches.
func buildReadQuerySQL(table string, q Query, opts ReadOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 8)
	argIndex := 1

	if len(q.Items) > 0 {
		orConditions := make([]string, 0, len(q.Items))
		for _, item := range q.Items {
			andConditions := make([]string, 0, 2)

			if len(item.EventTypes) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("type = ANY($%d::text[])", argIndex))
				args = append(args, item.EventTypes)
				argIndex++
			}

			// Containment, not equality: the event may carry more tags than
			// the item requires.
			if len(item.Tags) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("tags @> $%d::text[]", argIndex))
				args = append(args, TagsToArray(item.Tags))
				argIndex++
			}

			if len(andConditions) > 0 {
				orConditions = append(orConditions, "("+strings.Join(andConditions, " AND ")+")")
			}
		}
		if len(orConditions) > 0 {
			conditions = append(conditions, "("+strings.Join(orConditions, " OR ")+")")
		}
	} else {
		conditions = append(conditions, "FALSE")
	}

	if opts.After != nil && !opts.After.IsZero() {
		conditions = append(conditions, fmt.Sprintf(
			"((transaction_id = $%d AND position > $%d) OR transaction_id > $%d)",
			argIndex, argIndex+1, argIndex+2))
		args = append(args, opts.After.TransactionID, opts.After.Position, opts.After.TransactionID)
		argIndex += 3
	}

	var sqlQuery strings.Builder
	sqlQuery.WriteString("SELECT type, tags, data, position, transaction_id, occurred_at FROM ")
	sqlQuery.WriteString(table)
	if len(conditions) > 0 {
		sqlQuery.WriteString(" WHERE ")
		sqlQuery.WriteString(strings.Join(conditions, " AND "))
	}
	sqlQuery.WriteString(" ORDER BY transaction_id ASC, position ASC")
	if opts.Limit != nil {
		sqlQuery.WriteString(fmt.Sprintf(" LIMIT %d", *opts.Limit))
	}

	return sqlQuery.String(), args
}

// QueryMatches is the in-memory mirror of the compiled SQL predicate, used to
// fan events out to projectors and to filter fetched batches. Tag containment
// is set inclusion: the event must carry every tag the item names.
func QueryMatches(q Query, event Event) bool {
	for _, item := range q.Items {
		if len(item.EventTypes) == 0 && len(item.Tags) == 0 {
			continue
		}
		if len(item.EventTypes) > 0 {
			typeMatches := false
			for _, et := range item.EventTypes {
				if event.Type == et {
					typeMatches = true
					break
				}
			}
			if !typeMatches {
				continue
			}
		}
		if len(item.Tags) > 0 {
			eventTags := make(map[string]string, len(event.Tags))
			for _, tag := range event.Tags {
				eventTags[tag.Key] = tag.Value
			}
			allTagsMatch := true
			for _, required := range item.Tags {
				if eventTags[required.Key] != required.Value {
					allTagsMatch = false
					break
				}
			}
			if !allTagsMatch {
				continue
			}
		}
		return true
	}
	return false
}

// combineQueries merges the items of all queries into one disjunction.
func combineQueries(queries ...Query) Query {
	var items []QueryItem
	for _, q := range queries {
		items = append(items, q.Items...)
	}
	return NormalizeQuery(Query{Items: items})
}
