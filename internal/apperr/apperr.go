// Package apperr classifies engine failures so callers can decide whether to
// retry, surface, or ignore them.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the category of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient is a write or subscribe failure; the caller may retry.
	KindTransient
	// KindPermissionDenied is surfaced to the caller and never retried.
	KindPermissionDenied
	// KindInvariant is a rule violation rejected before any write.
	KindInvariant
	KindNotFound
	KindInvalid
	// KindConflict is a lost optimistic-concurrency race.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermissionDenied:
		return "permission_denied"
	case KindInvariant:
		return "invariant_violation"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps a store failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func PermissionDenied(op, msg string) error {
	return &Error{Kind: KindPermissionDenied, Op: op, Msg: msg}
}

func Invariant(op, msg string) error {
	return &Error{Kind: KindInvariant, Op: op, Msg: msg}
}

func NotFound(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg}
}

func Invalid(op, msg string) error {
	return &Error{Kind: KindInvalid, Op: op, Msg: msg}
}

func Conflict(op, msg string) error {
	return &Error{Kind: KindConflict, Op: op, Msg: msg}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsTransient(err error) bool        { return KindOf(err) == KindTransient }
func IsPermissionDenied(err error) bool { return KindOf(err) == KindPermissionDenied }
func IsInvariant(err error) bool        { return KindOf(err) == KindInvariant }
func IsNotFound(err error) bool         { return KindOf(err) == KindNotFound }
func IsInvalid(err error) bool          { return KindOf(err) == KindInvalid }
func IsConflict(err error) bool         { return KindOf(err) == KindConflict }

// UnitResult is the outcome of one unit of a multi-target operation.
type UnitResult struct {
	Target string `json:"target"`
	ID     string `json:"id,omitempty"`
	Err    error  `json:"-"`
}

// OK reports whether the unit succeeded.
func (r UnitResult) OK() bool { return r.Err == nil }

// PartialFailure reports a multi-target operation where some units failed.
// Units that succeeded are never rolled back.
type PartialFailure struct {
	Op      string
	Results []UnitResult
}

func (p *PartialFailure) Error() string {
	failed := p.Failed()
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		parts = append(parts, fmt.Sprintf("%s: %v", r.Target, r.Err))
	}
	return fmt.Sprintf("%s: %d of %d failed (%s)", p.Op, len(failed), len(p.Results), strings.Join(parts, "; "))
}

// Failed returns the units that failed.
func (p *PartialFailure) Failed() []UnitResult {
	var out []UnitResult
	for _, r := range p.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Succeeded returns the units that succeeded.
func (p *PartialFailure) Succeeded() []UnitResult {
	var out []UnitResult
	for _, r := range p.Results {
		if r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Collect returns a *PartialFailure if any result failed, nil otherwise.
func Collect(op string, results []UnitResult) error {
	for _, r := range results {
		if !r.OK() {
			return &PartialFailure{Op: op, Results: results}
		}
	}
	return nil
}

// AsPartial extracts a *PartialFailure from err's chain.
func AsPartial(err error) (*PartialFailure, bool) {
	var p *PartialFailure
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}
