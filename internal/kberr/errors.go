// Package kberr defines the error taxonomy shared across the knowledge
// service. Every surfaced error carries a stable machine-readable kind tag
// alongside a human-readable message, and wraps its cause so callers can use
// errors.Is / errors.As as usual.
package kberr

import (
	"errors"
	"fmt"
)

// Kind is a stable machine tag identifying an error category.
type Kind string

const (
	// InvalidInput marks malformed caller input: empty query text, mismatched
	// slice lengths, alpha outside [0,1], unknown search mode, delete with
	// neither ids nor filter.
	InvalidInput Kind = "invalid_input"

	// ConfigError marks an invalid configuration value at construction time.
	ConfigError Kind = "config_error"

	// NotFound marks a missing project or document.
	NotFound Kind = "not_found"

	// DuplicateName marks a project name collision on create, update or import.
	DuplicateName Kind = "duplicate_name"

	// BackendError marks vector-backend connectivity or operation failure.
	BackendError Kind = "backend_error"

	// EmbeddingError marks embedding model inference failure.
	EmbeddingError Kind = "embedding_error"

	// IOError marks filesystem or snapshot failure; retryable where noted.
	IOError Kind = "io_error"

	// CacheInvalid marks an unreadable or non-JSON snapshot file. It triggers
	// a rebuild and is never surfaced to callers.
	CacheInvalid Kind = "cache_invalid"
)

// Error is a kind-tagged error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works, but the
// KindOf / HasKind helpers below are the intended call sites.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New creates a kind-tagged error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. Returns nil when
// err is nil so it can be used on the bare return path.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or the empty Kind when err carries none.
// The outermost tagged error in the chain wins.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HasKind reports whether any error in the chain carries the given kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
