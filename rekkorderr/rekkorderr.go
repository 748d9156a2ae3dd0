// Package rekkorderr holds the closed error taxonomy surfaced by the
// rekkord core so that callers across packages can dispatch on Kind
// without depending on string matching.
package rekkorderr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories the core surfaces.
type Kind int

const (
	// Unknown is never produced by this package; it is the zero value so
	// that a missing Kind fails loudly rather than silently matching NotFound.
	Unknown Kind = iota
	NotFound
	CorruptBlob
	Io
	Permission
	Auth
	Concurrent
	Cancelled
	Config
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case CorruptBlob:
		return "CorruptBlob"
	case Io:
		return "Io"
	case Permission:
		return "Permission"
	case Auth:
		return "Auth"
	case Concurrent:
		return "Concurrent"
	case Cancelled:
		return "Cancelled"
	case Config:
		return "Config"
	default:
		return "Unknown"
	}
}

// Error wraps a cause with a Kind and a short operation label.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or Unknown if err isn't a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Retryable reports whether a worker should retry the operation that
// produced err. Only transient Io qualifies; Auth, Config and Cancelled
// never do.
func Retryable(err error) bool {
	return KindOf(err) == Io
}
