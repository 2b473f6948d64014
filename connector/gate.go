package connector

import (
	"context"
	"sync"
)

// ConnectGate makes Connect idempotent: concurrent callers share a single
// in-flight attempt and all observe its outcome.
type ConnectGate struct {
	mu       sync.Mutex
	inflight chan struct{}
	err      error
	done     bool
}

// Do runs connect once. Callers arriving while an attempt is in flight wait
// for it and share its result. After a successful attempt Do returns nil
// immediately until Reset is called.
func (g *ConnectGate) Do(ctx context.Context, connect func(ctx context.Context) error) error {
	g.mu.Lock()
	if g.done && g.err == nil {
		g.mu.Unlock()
		return nil
	}
	if g.inflight != nil {
		ch := g.inflight
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		g.mu.Lock()
		err := g.err
		g.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	g.inflight = ch
	g.mu.Unlock()

	err := connect(ctx)

	g.mu.Lock()
	g.err = err
	g.done = true
	g.inflight = nil
	close(ch)
	g.mu.Unlock()
	return err
}

// Reset clears the gate so the next Do runs a fresh attempt. Call it on
// disconnect.
func (g *ConnectGate) Reset() {
	g.mu.Lock()
	g.done = false
	g.err = nil
	g.mu.Unlock()
}
