package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
)

const (
	// DefaultBucket is the key-value bucket holding every document.
	DefaultBucket = "CONVERSATIONS"

	backend         = "nats"
	maxCASAttempts  = 8
	listWaitTimeout = 5 * time.Second
)

// KVStore is a docstore.Store over a JetStream key-value bucket. Writes are
// compare-and-swap on the key revision; subscriptions are key watchers whose
// updates are folded into a local cache and re-emitted as whole snapshots.
type KVStore struct {
	kv     jetstream.KeyValue
	logger *logger.Logger
}

// EnsureBucket returns the bucket, creating it when missing.
func EnsureBucket(ctx context.Context, client *Client, bucket string) (jetstream.KeyValue, error) {
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket %s: %w", bucket, err)
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Conversations, messages, presence and user documents",
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// NewKVStore wraps a bucket.
func NewKVStore(kv jetstream.KeyValue, log *logger.Logger) *KVStore {
	return &KVStore{kv: kv, logger: log}
}

// PathToKey maps a document path onto a bucket key.
func PathToKey(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

// KeyToPath maps a bucket key back onto a document path.
func KeyToPath(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// WatchPattern returns the key pattern covering a query's result set.
func WatchPattern(q docstore.Query) string {
	if q.IsDoc() {
		return PathToKey(q.Path)
	}
	return PathToKey(q.Path) + ".*"
}

func (s *KVStore) Get(ctx context.Context, path string) (docstore.Document, error) {
	if err := docstore.ValidateDocPath(path); err != nil {
		return docstore.Document{}, err
	}
	data, _, exists, err := s.load(ctx, PathToKey(path))
	if err != nil {
		return docstore.Document{}, err
	}
	if !exists {
		return docstore.Document{}, docstore.ErrNotFound
	}
	path = strings.Trim(path, "/")
	return docstore.Document{ID: docstore.Base(path), Path: path, Data: data}, nil
}

func (s *KVStore) load(ctx context.Context, key string) (map[string]any, uint64, bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	var data map[string]any
	if err := json.Unmarshal(entry.Value(), &data); err != nil {
		return nil, 0, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return data, entry.Revision(), true, nil
}

func (s *KVStore) Write(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.WriteOption) error {
	if err := docstore.ValidateDocPath(path); err != nil {
		return err
	}
	err := s.write(ctx, PathToKey(path), fields, docstore.NewWriteOptions(opts...))
	metrics.RecordStoreWrite(backend, err)
	return err
}

func (s *KVStore) write(ctx context.Context, key string, fields docstore.Fields, o docstore.WriteOptions) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		existing, revision, exists, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		next, err := docstore.Commit(existing, exists, fields, o)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}

		if exists {
			_, err = s.kv.Update(ctx, key, raw, revision)
		} else {
			_, err = s.kv.Create(ctx, key, raw)
		}
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) {
			return fmt.Errorf("kv put %s: %w", key, err)
		}
		metrics.StoreWriteConflicts.WithLabelValues(backend).Inc()
		s.logger.Debug("kv write conflict, retrying", zap.String("key", key), zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("kv put %s: too many concurrent updates", key)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *KVStore) Query(ctx context.Context, q docstore.Query) (docstore.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return docstore.Snapshot{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, listWaitTimeout)
	defer cancel()

	w, err := s.kv.Watch(ctx, WatchPattern(q), jetstream.IgnoreDeletes())
	if err != nil {
		return docstore.Snapshot{}, fmt.Errorf("kv watch %s: %w", q.Path, err)
	}
	defer w.Stop()

	cache := make(map[string]docstore.Document)
	for {
		select {
		case <-ctx.Done():
			return docstore.Snapshot{}, fmt.Errorf("kv list %s: %w", q.Path, ctx.Err())
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				return evaluate(q, cache), nil
			}
			s.apply(cache, entry)
		}
	}
}

func (s *KVStore) Subscribe(ctx context.Context, q docstore.Query, fn docstore.Listener) (docstore.Unsubscribe, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w, err := s.kv.Watch(ctx, WatchPattern(q))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("kv watch %s: %w", q.Path, err)
	}

	go s.watch(ctx, q, w, fn)
	return docstore.Unsubscribe(cancel), nil
}

func (s *KVStore) watch(ctx context.Context, q docstore.Query, w jetstream.KeyWatcher, fn docstore.Listener) {
	defer w.Stop()

	cache := make(map[string]docstore.Document)
	ready := false
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			if entry == nil {
				ready = true
				fn(evaluate(q, cache), nil)
				continue
			}
			s.apply(cache, entry)
			if !ready {
				continue
			}
			// fold whatever else is already queued into the same snapshot
			for drained := false; !drained; {
				select {
				case more, ok := <-w.Updates():
					if !ok {
						return
					}
					if more != nil {
						s.apply(cache, more)
					}
				default:
					drained = true
				}
			}
			fn(evaluate(q, cache), nil)
		}
	}
}

func (s *KVStore) apply(cache map[string]docstore.Document, entry jetstream.KeyValueEntry) {
	path := KeyToPath(entry.Key())
	if entry.Operation() != jetstream.KeyValuePut {
		delete(cache, path)
		return
	}
	var data map[string]any
	if err := json.Unmarshal(entry.Value(), &data); err != nil {
		s.logger.Warn("kv entry skipped", zap.String("key", entry.Key()), zap.Error(err))
		return
	}
	cache[path] = docstore.Document{ID: docstore.Base(path), Path: path, Data: data}
}

func evaluate(q docstore.Query, cache map[string]docstore.Document) docstore.Snapshot {
	docs := make([]docstore.Document, 0, len(cache))
	for _, d := range cache {
		docs = append(docs, docstore.Document{ID: d.ID, Path: d.Path, Data: docstore.Clone(d.Data)})
	}
	if q.IsDoc() {
		return docstore.Snapshot{Docs: docs}
	}
	return docstore.Evaluate(q, docs)
}

// Close is a no-op; the connection is owned by Client.
func (s *KVStore) Close() error { return nil }
