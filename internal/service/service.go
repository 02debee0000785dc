// Package service implements the conversation engine's write paths and
// read views on top of a docstore.Store.
package service

import (
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
)

// ErrEmptyContent rejects sends and edits whose content has no text.
var ErrEmptyContent = apperr.Invalid("message", "message content is empty")

// Option configures a service.
type Option func(*options)

type options struct {
	now   func() time.Time
	spawn func(func())
}

func defaultOptions(opts []Option) options {
	o := options{
		now:   time.Now,
		spawn: func(f func()) { go f() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSpawn replaces the goroutine launcher used for background work such
// as link preview fetching.
func WithSpawn(spawn func(func())) Option {
	return func(o *options) { o.spawn = spawn }
}

// storeErr classifies a store failure for op.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docstore.ErrNotFound):
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Err: err}
	case errors.Is(err, docstore.ErrExists), errors.Is(err, docstore.ErrPrecondition):
		return &apperr.Error{Kind: apperr.KindConflict, Op: op, Err: err}
	case errors.Is(err, docstore.ErrInvalidPath):
		return &apperr.Error{Kind: apperr.KindInvalid, Op: op, Err: err}
	default:
		return apperr.Transient(op, err)
	}
}

// toFields flattens a model value into a full-document write.
func toFields(v any) (docstore.Fields, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var f docstore.Fields
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return f, nil
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
