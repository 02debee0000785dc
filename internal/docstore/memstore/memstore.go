// Package memstore is an in-process document store used for tests and
// single-node development.
package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
)

const backend = "memory"

// Store keeps documents in a map keyed by path.
type Store struct {
	mu   sync.RWMutex
	docs map[string]map[string]any
	hub  *docstore.Hub
}

// New creates an empty store.
func New() *Store {
	return &Store{
		docs: make(map[string]map[string]any),
		hub:  docstore.NewHub(),
	}
}

func (s *Store) Get(ctx context.Context, path string) (docstore.Document, error) {
	if err := docstore.ValidateDocPath(path); err != nil {
		return docstore.Document{}, err
	}
	path = strings.Trim(path, "/")

	s.mu.RLock()
	data, ok := s.docs[path]
	s.mu.RUnlock()
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return docstore.Document{ID: docstore.Base(path), Path: path, Data: docstore.Clone(data)}, nil
}

func (s *Store) Write(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.WriteOption) error {
	if err := docstore.ValidateDocPath(path); err != nil {
		return err
	}
	path = strings.Trim(path, "/")
	o := docstore.NewWriteOptions(opts...)

	s.mu.Lock()
	existing, exists := s.docs[path]
	next, err := docstore.Commit(existing, exists, fields, o)
	if err == nil {
		s.docs[path] = next
	}
	s.mu.Unlock()

	metrics.RecordStoreWrite(backend, err)
	if err != nil {
		return err
	}
	s.hub.Publish(path)
	return nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) (docstore.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return docstore.Snapshot{}, err
	}
	if q.IsDoc() {
		doc, err := s.Get(ctx, q.Path)
		if err == docstore.ErrNotFound {
			return docstore.Snapshot{}, nil
		}
		if err != nil {
			return docstore.Snapshot{}, err
		}
		return docstore.Snapshot{Docs: []docstore.Document{doc}}, nil
	}

	collection := strings.Trim(q.Path, "/")
	var candidates []docstore.Document
	s.mu.RLock()
	for path, data := range s.docs {
		if docstore.Parent(path) == collection {
			candidates = append(candidates, docstore.Document{
				ID:   docstore.Base(path),
				Path: path,
				Data: docstore.Clone(data),
			})
		}
	}
	s.mu.RUnlock()

	return docstore.Evaluate(q, candidates), nil
}

func (s *Store) Subscribe(ctx context.Context, q docstore.Query, fn docstore.Listener) (docstore.Unsubscribe, error) {
	return s.hub.Subscribe(ctx, q, s.Query, fn)
}

// Subscriptions returns the number of live subscriptions.
func (s *Store) Subscriptions() int {
	return s.hub.Len()
}

func (s *Store) Close() error {
	s.hub.Close()
	return nil
}
