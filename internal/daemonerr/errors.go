// Package daemonerr defines the error kinds shared by every daemon
// subsystem and the uniform envelope the transport layer converts them
// into at the wire boundary.
package daemonerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-edge handling and retry policy.
type Kind string

const (
	// InvalidParams covers schema violations, size caps, and unknown
	// tool/action names. Never logged loudly.
	InvalidParams Kind = "invalid_params"
	// ProjectPath covers a missing, non-directory, or non-Git project root
	// where one is required.
	ProjectPath Kind = "project_path"
	// DaemonUnreachable is raised client-side only.
	DaemonUnreachable Kind = "daemon_unreachable"
	// PopupFailed covers UI unavailable, UI transport error, or explicit
	// user cancellation.
	PopupFailed Kind = "popup_failed"
	// Timeout covers a popup waiter or request channel elapsing. Retryable.
	Timeout Kind = "timeout"
	// IndexNotReady covers a search requested while the index state is
	// not Ready/Stale and no fallback produced results. Retryable.
	IndexNotReady Kind = "index_not_ready"
	// SearchEngineError covers an internal inverted-index or grep
	// failure. Retryable.
	SearchEngineError Kind = "search_engine_error"
	// IoError covers filesystem or SQL I/O. Retryable if transient.
	IoError Kind = "io_error"
	// SchemaMismatch covers a DB migration that failed in a way that
	// forces a fallback to the file-layout memory backend.
	SchemaMismatch Kind = "schema_mismatch"
	// ProviderError covers embedding provider non-2xx or transport
	// errors. Downgrades search silently; swallowed by callers that
	// treat rerank as best-effort.
	ProviderError Kind = "provider_error"
)

// Retryable reports whether the daemon-side caller's own retry policy
// (never the daemon itself, per spec §7) may reasonably retry.
func (k Kind) Retryable() bool {
	switch k {
	case Timeout, IndexNotReady, SearchEngineError, IoError:
		return true
	default:
		return false
	}
}

// Error is a daemon error tagged with a Kind, wrapping an underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to IoError for
// untagged errors so transport code always has something to report.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return IoError
}

// Is lets errors.Is(err, SomeKind) work by comparing Kind directly
// against a sentinel built with New(kind, "").
func (e *Error) Is(target error) bool {
	var de *Error
	if !errors.As(target, &de) {
		return false
	}
	return de.Kind == e.Kind
}
