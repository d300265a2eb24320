// Package errdefs defines the service-wide error taxonomy. Components wrap
// these sentinels with fmt.Errorf("...: %w", ...) and the HTTP surface maps
// them to status codes with errors.Is.
package errdefs

import "errors"

var (
	// ErrInvalidInput covers malformed user_id, path traversal attempts,
	// empty messages and other caller mistakes.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPathEscape is a path that normalizes outside the user's subtree.
	// It is a subtype of invalid input for HTTP mapping purposes.
	ErrPathEscape = errors.New("path escape")

	// ErrNotFound is a session id absent from the metadata store.
	ErrNotFound = errors.New("session not found")

	// ErrSessionBusy means the per-session lock is already held.
	ErrSessionBusy = errors.New("session busy")

	// ErrQuotaExceeded means the caller would exceed max_sessions_per_user.
	ErrQuotaExceeded = errors.New("per-user session quota exceeded")

	// ErrOverloaded means a fleet-wide cap would be breached: max_sessions,
	// memory_limit_mb, or max_concurrent_requests.
	ErrOverloaded = errors.New("service overloaded")

	// ErrStorageUnavailable is a transient storage backend failure.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrStorageBroken is an unrecoverable storage contract failure,
	// fatal at startup.
	ErrStorageBroken = errors.New("storage broken")

	// ErrSessionClosed is an operation against a client that has been closed.
	ErrSessionClosed = errors.New("session closed")
)
