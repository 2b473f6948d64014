// Package connector defines the operation contract every protocol
// implementation exposes, the runtime's error taxonomy, and the type-keyed
// registry used to instantiate connectors for targets.
package connector

import (
	"context"
	"time"
)

type (
	// Result is the outcome of a successful Send.
	Result struct {
		// Content is the extracted reply text.
		Content string
		// Tokens is the raw usage object at the template's token usage
		// path, when present. Callers normalize vendor field names.
		Tokens any
		// Raw is the parsed response document.
		Raw any
		// Meta carries connector-specific response metadata.
		Meta map[string]any
	}

	// Health is the outcome of a health check.
	Health struct {
		Healthy   bool
		LatencyMS int64
		Error     string
		CheckedAt time.Time
	}

	// Connector is the common operation set. Send and HealthCheck fail with
	// ErrNotConnected before a successful Connect. Connect is idempotent:
	// concurrent callers share the same in-flight attempt.
	Connector interface {
		Connect(ctx context.Context) error
		Disconnect(ctx context.Context) error
		Connected() bool
		Send(ctx context.Context, msg string, meta map[string]any) (*Result, error)
		SupportsStreaming() bool
		HealthCheck(ctx context.Context) (*Health, error)
	}
)
