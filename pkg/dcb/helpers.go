package dcb

import (
	"sort"
	"strings"
)

// NewTags creates a slice of tags from alternating key-value pairs.
// It panics if the number of arguments is odd.
func NewTags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		panic("NewTags: odd number of arguments")
	}
	tags := make([]Tag, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags[i/2] = Tag{Key: kv[i], Value: kv[i+1]}
	}
	return tags
}

// NewQueryItem creates a single query conjunction over event types and tags.
func NewQueryItem(eventTypes []string, tags []Tag) QueryItem {
	return QueryItem{EventTypes: eventTypes, Tags: tags}
}

// NewQuery creates a single-item query: the event must carry every tag and,
// when eventTypes is non-empty, have one of the given types.
func NewQuery(tags []Tag, eventTypes ...string) Query {
	return Query{Items: []QueryItem{{EventTypes: eventTypes, Tags: tags}}}
}

// QueryFromItems combines items into a disjunction.
func QueryFromItems(items ...QueryItem) Query {
	return Query{Items: items}
}

// NewInputEvent creates an event to be appended.
func NewInputEvent(eventType string, tags []Tag, data []byte) InputEvent {
	return InputEvent{Type: eventType, Tags: tags, Data: data}
}

// TagsToArray converts tags to their "key=value" storage form, collapsing
// duplicates and sorting for a canonical representation.
func TagsToArray(tags []Tag) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		s := t.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ParseTagsArray converts the "key=value" storage form back to tags. The key
// ends at the first '='; values may contain further '=' characters.
func ParseTagsArray(arr []string) []Tag {
	tags := make([]Tag, 0, len(arr))
	for _, s := range arr {
		k, v, ok := strings.Cut(s, "=")
		if !ok {
			continue
		}
		tags = append(tags, Tag{Key: k, Value: v})
	}
	return tags
}

// NormalizeQuery returns an equivalent query with duplicate items removed and
// item-internal type/tag order made canonical. Item order is irrelevant to
// query semantics, so callers may compare normalized queries structurally.
func NormalizeQuery(q Query) Query {
	seen := make(map[string]struct{}, len(q.Items))
	items := make([]QueryItem, 0, len(q.Items))
	for _, item := range q.Items {
		types := append([]string(nil), item.EventTypes...)
		sort.Strings(types)
		types = dedupeSorted(types)
		tags := ParseTagsArray(TagsToArray(item.Tags))

		key := strings.Join(types, "\x00") + "\x01" + strings.Join(TagsToArray(tags), "\x00")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		items = append(items, QueryItem{EventTypes: types, Tags: tags})
	}
	return Query{Items: items}
}

func dedupeSorted(ss []string) []string {
	out := ss[:0]
	for i, s := range ss {
		if i > 0 && s == ss[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
