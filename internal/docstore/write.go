package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

type transformKind int

const (
	transformDelete transformKind = iota + 1
	transformIncrement
	transformUnion
	transformRemove
)

// transform is a server-side field operation. Transforms are only honoured
// as top-level values of Fields, not nested inside map values.
type transform struct {
	kind   transformKind
	n      float64
	values []any
}

// Delete removes the field.
func Delete() any { return transform{kind: transformDelete} }

// Increment adds n to a numeric field, treating a missing field as zero.
func Increment(n int) any { return transform{kind: transformIncrement, n: float64(n)} }

// ArrayUnion appends values missing from an array field.
func ArrayUnion(values ...any) any { return transform{kind: transformUnion, values: values} }

// ArrayRemove removes values from an array field.
func ArrayRemove(values ...any) any { return transform{kind: transformRemove, values: values} }

// WriteOptions control how a write combines with the stored document.
type WriteOptions struct {
	Merge       bool
	MustExist   bool
	IfNotExists bool
	Expect      []Expectation
}

// Expectation is a field value the stored document must hold for the write
// to apply.
type Expectation struct {
	Field string
	Value any
}

// WriteOption configures a write.
type WriteOption func(*WriteOptions)

// Merge deep-merges the fields into the stored document instead of replacing it.
func Merge() WriteOption {
	return func(o *WriteOptions) { o.Merge = true }
}

// MustExist fails with ErrNotFound when the document does not exist. It
// implies Merge.
func MustExist() WriteOption {
	return func(o *WriteOptions) {
		o.MustExist = true
		o.Merge = true
	}
}

// IfNotExists fails with ErrExists when the document already exists.
func IfNotExists() WriteOption {
	return func(o *WriteOptions) { o.IfNotExists = true }
}

// Expect fails the write with ErrPrecondition unless field currently equals value.
func Expect(field string, value any) WriteOption {
	return func(o *WriteOptions) {
		o.Expect = append(o.Expect, Expectation{Field: field, Value: value})
	}
}

// NewWriteOptions folds opts.
func NewWriteOptions(opts ...WriteOption) WriteOptions {
	var o WriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Check verifies the preconditions against the stored state.
func (o WriteOptions) Check(existing map[string]any, exists bool) error {
	if o.IfNotExists && exists {
		return ErrExists
	}
	if o.MustExist && !exists {
		return ErrNotFound
	}
	for _, e := range o.Expect {
		if !exists {
			return fmt.Errorf("%w: document missing", ErrPrecondition)
		}
		want, err := normalize(e.Value)
		if err != nil {
			return err
		}
		got, _ := Lookup(existing, e.Field)
		if !reflect.DeepEqual(got, want) {
			return fmt.Errorf("%w: %s", ErrPrecondition, e.Field)
		}
	}
	return nil
}

// Commit checks preconditions and returns the document that results from
// applying fields to existing. existing is never modified.
func Commit(existing map[string]any, exists bool, fields Fields, o WriteOptions) (map[string]any, error) {
	if err := o.Check(existing, exists); err != nil {
		return nil, err
	}
	return Apply(existing, fields, o.Merge)
}

// Apply computes the document that results from writing fields onto existing.
func Apply(existing map[string]any, fields Fields, merge bool) (map[string]any, error) {
	out := map[string]any{}
	if merge && existing != nil {
		cp, err := normalize(existing)
		if err != nil {
			return nil, err
		}
		if m, ok := cp.(map[string]any); ok {
			out = m
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := setField(out, strings.Split(k, "."), fields[k], merge); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
	}
	return out, nil
}

func setField(doc map[string]any, segs []string, value any, merge bool) error {
	parent := doc
	for _, s := range segs[:len(segs)-1] {
		child, ok := parent[s].(map[string]any)
		if !ok {
			child = map[string]any{}
			parent[s] = child
		}
		parent = child
	}
	leaf := segs[len(segs)-1]

	if t, ok := value.(transform); ok {
		return t.apply(parent, leaf)
	}

	v, err := normalize(value)
	if err != nil {
		return err
	}
	if merge {
		if src, ok := v.(map[string]any); ok {
			if dst, ok := parent[leaf].(map[string]any); ok {
				deepMerge(dst, src)
				return nil
			}
		}
	}
	parent[leaf] = v
	return nil
}

func (t transform) apply(parent map[string]any, leaf string) error {
	switch t.kind {
	case transformDelete:
		delete(parent, leaf)
	case transformIncrement:
		cur, _ := parent[leaf].(float64)
		parent[leaf] = cur + t.n
	case transformUnion, transformRemove:
		arr, _ := parent[leaf].([]any)
		for _, raw := range t.values {
			v, err := normalize(raw)
			if err != nil {
				return err
			}
			if t.kind == transformUnion {
				if !contains(arr, v) {
					arr = append(arr, v)
				}
				continue
			}
			kept := arr[:0:0]
			for _, e := range arr {
				if !reflect.DeepEqual(e, v) {
					kept = append(kept, e)
				}
			}
			arr = kept
		}
		if arr == nil {
			arr = []any{}
		}
		parent[leaf] = arr
	}
	return nil
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				deepMerge(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

func contains(arr []any, v any) bool {
	for _, e := range arr {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

// normalize converts v to the generic JSON shape the stores hold, so that
// times become RFC 3339 strings and numbers become float64.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup resolves a dotted field path inside data.
func Lookup(data map[string]any, field string) (any, bool) {
	var cur any = data
	for _, s := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a deep copy of a stored document body.
func Clone(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	cp, err := normalize(data)
	if err != nil {
		return nil
	}
	m, _ := cp.(map[string]any)
	return m
}
