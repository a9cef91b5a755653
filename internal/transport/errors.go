package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveDevice means no paired device is connected. Surfaced
	// immediately, never retried at this layer.
	ErrNoActiveDevice = errors.New("no active device connected")

	// ErrClosed means the transport was shut down or the link dropped
	// while a call was in flight.
	ErrClosed = errors.New("transport closed")

	// ErrCallTimeout means the remote side never finished the response
	// stream. Eligible for caller-driven retry via reconciliation.
	ErrCallTimeout = errors.New("call timed out")
)

// ServerError is an explicit error returned by the remote side.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return "server error: " + e.Message
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// DecodeError marks a response missing or malforming an expected field.
// Non-retryable at this layer.
type DecodeError struct {
	What string
}

func (e *DecodeError) Error() string {
	return "invalid response: " + e.What
}

// IsConnectionError reports whether err is a connectivity failure, as
// opposed to a server/decode error. Connectivity failures on merge-only
// fetches do not overwrite last good state.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrNoActiveDevice) || errors.Is(err, ErrClosed)
}
