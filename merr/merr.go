// Package merr defines the error kinds returned by the mpool layers.
//
// Failures are plain values: a Kind classifies the failure and an Error
// carries the pool name, the object id, and the offending values so a
// caller can diagnose without re-running with extra instrumentation.
// Kinds are matched with errors.Is:
//
//	if errors.Is(err, merr.NotFound) { ... }
package merr

import (
	"errors"
	"fmt"

	"github.com/mblocks/mpool/oid"
)

type Kind uint8

const (
	InvalidArgument Kind = iota + 1
	NotFound
	AlreadyCommitted
	NotYetCommitted
	Busy
	NoSpace
	InternalInvariant
	MediaIO
)

func (k Kind) Error() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case NotFound:
		return "not found"
	case AlreadyCommitted:
		return "already committed"
	case NotYetCommitted:
		return "not yet committed"
	case Busy:
		return "busy"
	case NoSpace:
		return "no space"
	case InternalInvariant:
		return "internal invariant violation"
	case MediaIO:
		return "media I/O failure"
	}
	return "unknown error"
}

// Error is a failure annotated with the pool and object it concerns.
type Error struct {
	Kind  Kind
	Pool  string
	Objid oid.OID
	Msg   string
	Err   error // underlying cause, for MediaIO
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Pool != "" {
		s = fmt.Sprintf("mpool %s: %s", e.Pool, s)
	}
	if e.Objid != 0 {
		s = fmt.Sprintf("%s: object %v", s, e.Objid)
	}
	if e.Msg != "" {
		s = s + ": " + e.Msg
	}
	if e.Err != nil {
		s = s + ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, kind) match on the kind alone.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return errors.Is(err, k)
}

func New(k Kind, pool string, objid oid.OID, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Pool: pool, Objid: objid, Msg: fmt.Sprintf(format, args...)}
}

// WrapIO annotates a device or directory I/O failure without
// reinterpreting it.
func WrapIO(pool string, objid oid.OID, err error) *Error {
	return &Error{Kind: MediaIO, Pool: pool, Objid: objid, Err: err}
}
