package connector

import (
	"errors"
	"fmt"
)

// Stable error kinds. Callers match with errors.Is / errors.As; connectors
// wrap them with protocol context.
var (
	// ErrNotConnected is returned by Send and HealthCheck before a
	// successful Connect (or after Disconnect).
	ErrNotConnected = errors.New("connector is not connected")

	// ErrDisconnected fails pending requests when the underlying transport
	// closes unexpectedly.
	ErrDisconnected = errors.New("connection lost")

	// ErrRequestTimeout fails a pending request whose per-request deadline
	// elapsed before a response frame arrived.
	ErrRequestTimeout = errors.New("request timed out")
)

type (
	// UpstreamHTTPError reports a 4xx/5xx response from the remote. It is
	// surfaced, never retried by the runtime.
	UpstreamHTTPError struct {
		Status int
		// Message is the error extracted via the response template's
		// error path, when available.
		Message string
		Body    string
	}

	// TransportError reports DNS, refused connection, TLS failure,
	// abnormal WebSocket close or timeout at the transport layer.
	TransportError struct {
		Op  string
		Err error
	}

	// UnknownKindError reports a connector kind outside the registered set.
	UnknownKindError struct {
		Kind      string
		Available []string
	}
)

// Error implements error.
func (e *UpstreamHTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream returned %d", e.Status)
}

// Error implements error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying transport failure.
func (e *TransportError) Unwrap() error { return e.Err }

// Error implements error.
func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown connector kind %q (available: %v)", e.Kind, e.Available)
}
