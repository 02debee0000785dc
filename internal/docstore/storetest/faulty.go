// Package storetest provides store wrappers for exercising failure paths.
package storetest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
)

// ErrInjected is returned by writes that were configured to fail.
var ErrInjected = errors.New("storetest: injected write failure")

// Faulty wraps a store and fails chosen writes.
type Faulty struct {
	docstore.Store

	mu       sync.Mutex
	prefixes map[string]struct{}
	paths    map[string]struct{}
	fields   map[string]struct{}
	writes   map[string]int
}

// NewFaulty wraps inner.
func NewFaulty(inner docstore.Store) *Faulty {
	return &Faulty{
		Store:    inner,
		prefixes: make(map[string]struct{}),
		paths:    make(map[string]struct{}),
		fields:   make(map[string]struct{}),
		writes:   make(map[string]int),
	}
}

// FailWrites makes every write under prefix fail until Heal is called.
func (f *Faulty) FailWrites(prefix string) {
	f.mu.Lock()
	f.prefixes[prefix] = struct{}{}
	f.mu.Unlock()
}

// FailPath makes writes to exactly path fail.
func (f *Faulty) FailPath(path string) {
	f.mu.Lock()
	f.paths[path] = struct{}{}
	f.mu.Unlock()
}

// FailField makes every write that sets field fail, whatever the path.
func (f *Faulty) FailField(field string) {
	f.mu.Lock()
	f.fields[field] = struct{}{}
	f.mu.Unlock()
}

// Heal clears all injected failures.
func (f *Faulty) Heal() {
	f.mu.Lock()
	f.prefixes = make(map[string]struct{})
	f.paths = make(map[string]struct{})
	f.fields = make(map[string]struct{})
	f.mu.Unlock()
}

// Writes returns how many writes (successful or not) targeted path.
func (f *Faulty) Writes(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[path]
}

func (f *Faulty) Write(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.WriteOption) error {
	f.mu.Lock()
	f.writes[path]++
	_, failing := f.paths[path]
	for p := range f.prefixes {
		if strings.HasPrefix(path, p) {
			failing = true
		}
	}
	for k := range fields {
		if _, ok := f.fields[k]; ok {
			failing = true
		}
	}
	f.mu.Unlock()

	if failing {
		return ErrInjected
	}
	return f.Store.Write(ctx, path, fields, opts...)
}
