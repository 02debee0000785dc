package docstore

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Op is a filter operator.
type Op string

const (
	OpEqual         Op = "=="
	OpArrayContains Op = "array-contains"
)

// Filter restricts a collection query.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects either one document or a filtered, ordered slice of a
// collection.
type Query struct {
	Path    string
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Doc is a query for a single document.
func Doc(path string) Query { return Query{Path: path} }

// Collection is a query for every document of a collection.
func Collection(path string) Query { return Query{Path: path} }

// Where returns a copy of q with an extra filter.
func (q Query) Where(field string, op Op, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Order returns a copy of q ordered by field.
func (q Query) Order(field string, desc bool) Query {
	q.OrderBy = field
	q.Desc = desc
	return q
}

// Take returns a copy of q limited to n documents.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// IsDoc reports whether q addresses a single document.
func (q Query) IsDoc() bool { return IsDocPath(q.Path) }

// Affects reports whether a write to the document at path can change the
// result of q.
func (q Query) Affects(path string) bool {
	if q.IsDoc() {
		return path == strings.Trim(q.Path, "/")
	}
	return Parent(path) == strings.Trim(q.Path, "/")
}

// Validate checks the query path.
func (q Query) Validate() error {
	return ValidatePath(q.Path)
}

// Evaluate applies filters, ordering and limit to candidate documents. docs
// must already be restricted to q's collection.
func Evaluate(q Query, docs []Document) Snapshot {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if matches(q.Filters, d.Data) {
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy != "" {
			a, _ := Lookup(out[i].Data, q.OrderBy)
			b, _ := Lookup(out[j].Data, q.OrderBy)
			if c := compareValues(a, b); c != 0 {
				if q.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		if q.Desc {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return Snapshot{Docs: out}
}

func matches(filters []Filter, data map[string]any) bool {
	for _, f := range filters {
		want, err := normalize(f.Value)
		if err != nil {
			return false
		}
		got, ok := Lookup(data, f.Field)
		switch f.Op {
		case OpEqual:
			if !ok || !reflect.DeepEqual(got, want) {
				return false
			}
		case OpArrayContains:
			arr, isArr := got.([]any)
			if !ok || !isArr || !contains(arr, want) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compareValues orders stored values. Strings that parse as RFC 3339 times
// are compared as instants, since fractional seconds make them sort wrongly
// as text.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			ta, errA := time.Parse(time.RFC3339Nano, av)
			tb, errB := time.Parse(time.RFC3339Nano, bv)
			if errA == nil && errB == nil {
				return ta.Compare(tb)
			}
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
