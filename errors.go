package llmstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
// These can be checked with errors.Is().
var (
	// ErrUnknownBackend indicates no normalizer is registered for a backend.
	ErrUnknownBackend = errors.New("llmstream: unknown backend")

	// ErrSessionCapacity indicates the broker's concurrent-session ceiling was
	// hit by a call that would have created a new session. The call fails
	// explicitly; existing sessions are never evicted to make room.
	ErrSessionCapacity = errors.New("llmstream: session capacity exceeded")

	// ErrSessionClosed indicates an operation on a session after Remove.
	ErrSessionClosed = errors.New("llmstream: session removed")

	// ErrStreamClosed indicates a read from a decoder that already terminated.
	ErrStreamClosed = errors.New("llmstream: stream closed")

	// ErrRateLimited indicates the dispatch limiter denied a request.
	ErrRateLimited = errors.New("llmstream: rate limit exceeded")

	// ErrBackendUnavailable indicates the backend is down or unreachable.
	ErrBackendUnavailable = errors.New("llmstream: backend unavailable")
)

// TransportError represents a hard failure of the underlying byte stream.
// Malformed individual frames are swallowed by the decoder; a broken
// transport is surfaced as a TransportError and terminates the sequence.
type TransportError struct {
	Backend string // The backend being streamed from, if known
	Op      string // The operation that failed ("read", "dial", "request")
	Err     error  // The underlying error
}

func (e *TransportError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("transport failure for backend '%s' during %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BackendError represents an error reported by the backend API itself,
// for example an SSE error frame or a non-2xx dispatch response.
type BackendError struct {
	Backend    string // The backend name
	StatusCode int    // HTTP status code (if applicable)
	Message    string // Error message from the backend
	Retryable  bool   // Whether this error is potentially retryable
	Err        error  // Wrapped sentinel error (ErrRateLimited, ErrBackendUnavailable, etc.)
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend '%s' error (status %d): %s", e.Backend, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend '%s' error: %s", e.Backend, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// SessionError represents a broker failure tied to a specific session.
type SessionError struct {
	StreamID string // The session the operation targeted
	Reason   string // Human-readable explanation
	Err      error  // Wrapped sentinel error (ErrSessionCapacity, ErrSessionClosed)
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session '%s': %s (%v)", e.StreamID, e.Reason, e.Err)
	}
	return fmt.Sprintf("session '%s': %s", e.StreamID, e.Reason)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error is potentially retryable.
// Returns true for rate limits, temporary unavailability, network errors, etc.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return backendErr.Retryable
	}

	if errors.Is(err, ErrRateLimited) {
		return true
	}

	if errors.Is(err, ErrBackendUnavailable) {
		return true
	}

	// A broken transport before any byte streamed is retryable; the caller
	// decides based on stream position, not here.
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Op != "read"
	}

	return false
}

// IsCapacityExceeded checks if an error is the broker's capacity ceiling.
func IsCapacityExceeded(err error) bool {
	return errors.Is(err, ErrSessionCapacity)
}
