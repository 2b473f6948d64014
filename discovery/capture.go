package discovery

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// capture records WebSocket activity observed on a tab through the DevTools
// protocol. Events for a socket can arrive before or after the handshake
// request event so headers are backfilled by request ID.
type capture struct {
	mu      sync.Mutex
	sockets []*CapturedWebSocket
	byReq   map[network.RequestID]*CapturedWebSocket
}

func newCapture() *capture {
	return &capture{byReq: make(map[network.RequestID]*CapturedWebSocket)}
}

// attach registers DevTools listeners on the tab context. Must be called
// before navigation so the initial socket open is not missed.
func (c *capture) attach(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventWebSocketCreated:
			c.onCreated(e)
		case *network.EventWebSocketWillSendHandshakeRequest:
			c.onHandshake(e)
		case *network.EventWebSocketFrameSent:
			c.onFrame(e.RequestID, DirectionSent, e.Response.PayloadData)
		case *network.EventWebSocketFrameReceived:
			c.onFrame(e.RequestID, DirectionReceived, e.Response.PayloadData)
		}
	})
}

func (c *capture) onCreated(e *network.EventWebSocketCreated) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.byReq[e.RequestID]
	if !ok {
		ws = &CapturedWebSocket{UpgradeHeaders: make(map[string]string), CreatedAt: time.Now()}
		c.byReq[e.RequestID] = ws
		c.sockets = append(c.sockets, ws)
	}
	ws.URL = e.URL
}

func (c *capture) onHandshake(e *network.EventWebSocketWillSendHandshakeRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.byReq[e.RequestID]
	if !ok {
		ws = &CapturedWebSocket{UpgradeHeaders: make(map[string]string), CreatedAt: time.Now()}
		c.byReq[e.RequestID] = ws
		c.sockets = append(c.sockets, ws)
	}
	for k, v := range e.Request.Headers {
		if s, ok := v.(string); ok {
			ws.UpgradeHeaders[k] = s
		}
	}
}

func (c *capture) onFrame(id network.RequestID, dir FrameDirection, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.byReq[id]
	if !ok {
		return
	}
	ws.Frames = append(ws.Frames, CapturedFrame{
		Direction: dir,
		Data:      payload,
		Timestamp: time.Now(),
	})
}

// snapshot returns a deep copy of the sockets captured so far, in creation
// order.
func (c *capture) snapshot() []CapturedWebSocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CapturedWebSocket, 0, len(c.sockets))
	for _, ws := range c.sockets {
		cp := CapturedWebSocket{
			URL:            ws.URL,
			UpgradeHeaders: make(map[string]string, len(ws.UpgradeHeaders)),
			Frames:         append([]CapturedFrame(nil), ws.Frames...),
			CreatedAt:      ws.CreatedAt,
		}
		for k, v := range ws.UpgradeHeaders {
			cp.UpgradeHeaders[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// minCapturedFrames is the traffic threshold before a socket is considered
// settled enough to classify.
const minCapturedFrames = 2

// selectSocket picks the captured socket to replay. Sockets are filtered by
// urlPattern when given, then indexed by position among matches. Negative or
// out-of-range index falls back to the last match.
func selectSocket(sockets []CapturedWebSocket, urlPattern *regexp.Regexp, index int) (CapturedWebSocket, bool) {
	var matches []CapturedWebSocket
	for _, ws := range sockets {
		if ws.URL == "" {
			continue
		}
		if urlPattern != nil && !urlPattern.MatchString(ws.URL) {
			continue
		}
		matches = append(matches, ws)
	}
	if len(matches) == 0 {
		return CapturedWebSocket{}, false
	}
	if index < 0 || index >= len(matches) {
		index = len(matches) - 1
	}
	return matches[index], true
}

// waitForWebSocket polls the capture until a socket matching the filter has
// accumulated enough frames, or the deadline passes. A matching socket with
// too few frames is still returned at deadline so classification can try a
// URL-only signal.
func waitForWebSocket(ctx context.Context, c *capture, urlPattern *regexp.Regexp, index int, timeout time.Duration) (CapturedWebSocket, bool) {
	deadline := time.Now().Add(timeout)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	var last CapturedWebSocket
	var found bool
	for {
		ws, ok := selectSocket(c.snapshot(), urlPattern, index)
		if ok {
			last, found = ws, true
			if len(ws.Frames) >= minCapturedFrames {
				return ws, true
			}
		}
		if time.Now().After(deadline) {
			return last, found
		}
		select {
		case <-ctx.Done():
			return last, found
		case <-tick.C:
		}
	}
}
