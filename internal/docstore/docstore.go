// Package docstore defines the document store contract the engine runs on:
// merge-writes with field transforms, and subscriptions that deliver whole
// snapshots of a query's result set. There are no cross-document
// transactions and no TTL.
//
// Paths are slash separated. An even number of segments addresses a document
// ("conversations/c1"), an odd number addresses a collection
// ("conversations/c1/messages"). Field keys in a write may be dotted to reach
// into nested maps ("delivered_to.u1").
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("docstore: document not found")
	ErrExists       = errors.New("docstore: document already exists")
	ErrPrecondition = errors.New("docstore: precondition failed")
	ErrClosed       = errors.New("docstore: store closed")
	ErrInvalidPath  = errors.New("docstore: invalid path")
)

// Store is implemented by every backend adapter.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	Write(ctx context.Context, path string, fields Fields, opts ...WriteOption) error
	Query(ctx context.Context, q Query) (Snapshot, error)
	// Subscribe delivers the current result set of q and then a fresh
	// snapshot after every change that may affect it. Callbacks for one
	// subscription never overlap; rapid changes may be coalesced.
	Subscribe(ctx context.Context, q Query, fn Listener) (Unsubscribe, error)
	Close() error
}

// Listener receives snapshots. A non-nil error means the snapshot is empty
// and the subscription continues.
type Listener func(Snapshot, error)

// Unsubscribe disposes a subscription. It is safe to call more than once.
type Unsubscribe func()

// Fields is the payload of a write.
type Fields map[string]any

// Document is a stored document.
type Document struct {
	ID   string
	Path string
	Data map[string]any
}

// DataTo decodes the document into v.
func (d Document) DataTo(v any) error {
	b, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Snapshot is the full result set of a query at one point in time.
type Snapshot struct {
	Docs []Document
}

// Exists reports whether a document query found its document.
func (s Snapshot) Exists() bool { return len(s.Docs) > 0 }

// First returns the first document of the snapshot.
func (s Snapshot) First() (Document, bool) {
	if len(s.Docs) == 0 {
		return Document{}, false
	}
	return s.Docs[0], true
}

// Split returns the segments of a path.
func Split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// IsDocPath reports whether path addresses a document.
func IsDocPath(path string) bool {
	n := len(Split(path))
	return n > 0 && n%2 == 0
}

// Parent returns the collection containing a document.
func Parent(path string) string {
	segs := Split(path)
	if len(segs) == 0 {
		return ""
	}
	return Join(segs[:len(segs)-1]...)
}

// Base returns the last segment of a path.
func Base(path string) string {
	segs := Split(path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// ValidatePath rejects empty segments and characters that cannot be mapped
// onto every backend's key space.
func ValidatePath(path string) error {
	segs := Split(path)
	if len(segs) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, ". *>\t\n") {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// ValidateDocPath validates path and requires it to address a document.
func ValidateDocPath(path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if !IsDocPath(path) {
		return fmt.Errorf("%w: %q is a collection", ErrInvalidPath, path)
	}
	return nil
}

// WriteArrayUnion adds values to an array field, skipping ones already present.
func WriteArrayUnion(ctx context.Context, s Store, path, field string, values ...any) error {
	return s.Write(ctx, path, Fields{field: ArrayUnion(values...)}, Merge())
}

// WriteArrayRemove removes every occurrence of values from an array field.
func WriteArrayRemove(ctx context.Context, s Store, path, field string, values ...any) error {
	return s.Write(ctx, path, Fields{field: ArrayRemove(values...)}, Merge())
}
