// Package pebblestore persists documents in an embedded Pebble database.
// Keys are document paths and values are JSON bodies; collection queries
// are prefix scans. Subscriptions are served from the local process.
package pebblestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
)

const backend = "pebble"

// Option configures Open.
type Option func(*pebble.Options)

// WithFS runs the database on a custom filesystem, e.g. vfs.NewMem() in tests.
func WithFS(fs vfs.FS) Option {
	return func(o *pebble.Options) { o.FS = fs }
}

// Store is a docstore.Store over Pebble.
type Store struct {
	db     *pebble.DB
	hub    *docstore.Hub
	logger *logger.Logger

	// serializes read-modify-write cycles
	writeMu sync.Mutex
}

// Open opens (or creates) the database at path.
func Open(path string, log *logger.Logger, opts ...Option) (*Store, error) {
	po := &pebble.Options{}
	for _, opt := range opts {
		opt(po)
	}

	db, err := pebble.Open(path, po)
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	log.Info("pebble_opened", zap.String("path", path))

	return &Store{db: db, hub: docstore.NewHub(), logger: log}, nil
}

func (s *Store) Get(ctx context.Context, path string) (docstore.Document, error) {
	if err := docstore.ValidateDocPath(path); err != nil {
		return docstore.Document{}, err
	}
	path = strings.Trim(path, "/")

	data, exists, err := s.load(path)
	if err != nil {
		return docstore.Document{}, err
	}
	if !exists {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return docstore.Document{ID: docstore.Base(path), Path: path, Data: data}, nil
}

func (s *Store) load(path string) (map[string]any, bool, error) {
	raw, closer, err := s.db.Get([]byte(path))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pebble get %s: %w", path, err)
	}
	defer closer.Close()

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return data, true, nil
}

func (s *Store) Write(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.WriteOption) error {
	if err := docstore.ValidateDocPath(path); err != nil {
		return err
	}
	path = strings.Trim(path, "/")
	o := docstore.NewWriteOptions(opts...)

	err := s.write(path, fields, o)
	metrics.RecordStoreWrite(backend, err)
	if err != nil {
		return err
	}
	s.hub.Publish(path)
	return nil
}

func (s *Store) write(path string, fields docstore.Fields, o docstore.WriteOptions) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, exists, err := s.load(path)
	if err != nil {
		return err
	}
	next, err := docstore.Commit(existing, exists, fields, o)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := s.db.Set([]byte(path), raw, pebble.Sync); err != nil {
		s.logger.Error("pebble_write_failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("pebble set %s: %w", path, err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) (docstore.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return docstore.Snapshot{}, err
	}
	if q.IsDoc() {
		doc, err := s.Get(ctx, q.Path)
		if errors.Is(err, docstore.ErrNotFound) {
			return docstore.Snapshot{}, nil
		}
		if err != nil {
			return docstore.Snapshot{}, err
		}
		return docstore.Snapshot{Docs: []docstore.Document{doc}}, nil
	}

	collection := strings.Trim(q.Path, "/")
	prefix := collection + "/"
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		// '0' is the byte after '/'
		UpperBound: []byte(collection + "0"),
	})
	if err != nil {
		return docstore.Snapshot{}, fmt.Errorf("pebble iter %s: %w", collection, err)
	}
	defer iter.Close()

	var candidates []docstore.Document
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		if strings.Contains(key[len(prefix):], "/") {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(iter.Value(), &data); err != nil {
			s.logger.Warn("pebble_decode_skipped", zap.String("path", key), zap.Error(err))
			continue
		}
		candidates = append(candidates, docstore.Document{ID: docstore.Base(key), Path: key, Data: data})
	}
	if err := iter.Error(); err != nil {
		return docstore.Snapshot{}, fmt.Errorf("pebble iter %s: %w", collection, err)
	}

	return docstore.Evaluate(q, candidates), nil
}

func (s *Store) Subscribe(ctx context.Context, q docstore.Query, fn docstore.Listener) (docstore.Unsubscribe, error) {
	return s.hub.Subscribe(ctx, q, s.Query, fn)
}

// Collections lists the document paths directly under collection. Used by
// maintenance tooling.
func (s *Store) Collections(ctx context.Context, collection string) ([]string, error) {
	snap, err := s.Query(ctx, docstore.Collection(collection))
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		paths = append(paths, d.Path)
	}
	return paths, nil
}

func (s *Store) Close() error {
	s.hub.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	s.logger.Info("pebble_closed")
	return nil
}
