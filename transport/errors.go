package transport

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotOpen is returned by Request and Close-sensitive operations on a closed transport.
	ErrNotOpen = errors.New("transport: not open")
	// ErrAlreadyOpen is returned by Open on an open transport.
	ErrAlreadyOpen = errors.New("transport: already open")
	// ErrTimedOut is returned by Request when no response arrived within the context timeout.
	// Retrying is usually safe.
	ErrTimedOut = errors.New("transport: request timed out")
	// ErrClosed is returned by Request when the transport closed while the request
	// was in flight. Retrying before the transport is reopened is pointless.
	ErrClosed = errors.New("transport: closed, request canceled")
	// ErrAlreadyRegistered is returned when a Context is used for a second request
	// while its first is still in flight.
	ErrAlreadyRegistered = errors.New("transport: context already registered")
)

// Retryable reports whether retrying the request that failed with err may succeed
// without any other intervention. Only timeouts qualify: a closed transport must
// be reopened first, and size or decode failures repeat deterministically.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimedOut)
}
