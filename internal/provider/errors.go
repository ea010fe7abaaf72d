package provider

import "errors"

// Sentinel error kinds adapters wrap so callers can classify failures
// without string matching.
var (
	// ErrUnauthorized means the backend rejected our credentials.
	ErrUnauthorized = errors.New("provider: unauthorized")

	// ErrTransport means the backend was unreachable or the connection
	// died mid-stream.
	ErrTransport = errors.New("provider: transport failure")

	// ErrCancelled means the turn was interrupted by Cancel or context
	// cancellation before completing.
	ErrCancelled = errors.New("provider: turn cancelled")

	// ErrTimeout means the adapter's per-turn deadline elapsed before
	// the backend finished. Distinct from ErrCancelled: nobody asked for
	// this turn to stop.
	ErrTimeout = errors.New("provider: turn timed out")

	// ErrUnavailable means no provider is registered or the named one is
	// unknown.
	ErrUnavailable = errors.New("provider: unavailable")

	// ErrSessionStale means the provider no longer recognizes the
	// session token it previously issued. Callers drop the binding and
	// retry fresh.
	ErrSessionStale = errors.New("provider: session token stale")

	// ErrBusy means the session already has a turn in flight.
	ErrBusy = errors.New("provider: session busy")
)
