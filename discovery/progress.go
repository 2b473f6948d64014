package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
)

// Stage identifies a step of the discovery pipeline.
type Stage string

const (
	StageConnect     Stage = "connect"
	StageDiscovery   Stage = "discovery"
	StageWidget      Stage = "widget"
	StageCapture     Stage = "capture"
	StageClassify    Stage = "classify"
	StageCredentials Stage = "credentials"
	StageDone        Stage = "done"
	StageError       Stage = "error"
)

type (
	// ProgressEvent is streamed to the caller as each stage advances. The
	// wire form is one JSON object per line.
	ProgressEvent struct {
		Stage   Stage          `json:"stage"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data,omitempty"`
	}

	// ProgressFunc receives stage events in order on a single channel.
	ProgressFunc func(ProgressEvent)

	// Failure reports a discovery pipeline failure with enough context to
	// debug the page: failing stage, page title/URL, iframe count and the
	// selectors tried.
	Failure struct {
		Stage          Stage
		PageURL        string
		PageTitle      string
		IframeCount    int
		SelectorsTried []string
		Err            error
	}
)

// Error implements error.
func (e *Failure) Error() string {
	msg := fmt.Sprintf("discovery failed at stage %q", e.Stage)
	if e.PageURL != "" {
		msg += fmt.Sprintf(" (page %q title %q, %d iframes)", e.PageURL, e.PageTitle, e.IframeCount)
	}
	if len(e.SelectorsTried) > 0 {
		msg += fmt.Sprintf(", selectors tried: %v", e.SelectorsTried)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the stage failure cause.
func (e *Failure) Unwrap() error { return e.Err }

// Line renders the event as newline-delimited JSON for the progress
// channel.
func (e ProgressEvent) Line() []byte {
	buf, err := json.Marshal(e)
	if err != nil {
		return []byte(fmt.Sprintf(`{"stage":%q,"message":"progress marshal error"}`, e.Stage))
	}
	return append(buf, '\n')
}

// ProgressChannel returns the pub/sub channel carrying progress lines for a
// target. The namespace defaults to "krawall" when empty.
func ProgressChannel(namespace, targetID string) string {
	if namespace == "" {
		namespace = "krawall"
	}
	return namespace + ":discovery-progress:" + targetID
}

// RedisProgress returns a ProgressFunc that publishes each event line to the
// target's progress channel. Publish failures are logged and do not affect
// the run.
func RedisProgress(ctx context.Context, rdb redis.UniversalClient, namespace, targetID string) ProgressFunc {
	channel := ProgressChannel(namespace, targetID)
	return func(ev ProgressEvent) {
		if err := rdb.Publish(ctx, channel, ev.Line()).Err(); err != nil {
			log.Errorf(ctx, err, "publish progress to %s", channel)
		}
	}
}

// emit invokes the progress callback when set. Events are produced in stage
// order from a single goroutine.
func emit(_ context.Context, fn ProgressFunc, stage Stage, message string, data map[string]any) {
	if fn == nil {
		return
	}
	fn(ProgressEvent{Stage: stage, Message: message, Data: data})
}
