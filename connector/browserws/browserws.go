// Package browserws implements the browser-discovered WebSocket connector.
// It runs the discovery pipeline once to obtain a socket URL and credentials,
// replays the connection through the raw WS connector, and optionally layers
// the Socket.IO handler on top.
package browserws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/krawall/krawall/auth"
	"github.com/krawall/krawall/connector"
	"github.com/krawall/krawall/connector/wsconn"
	"github.com/krawall/krawall/discovery"
	"github.com/krawall/krawall/discovery/cache"
	"github.com/krawall/krawall/refresh"
	"github.com/krawall/krawall/socketio"
	"github.com/krawall/krawall/target"
	"github.com/krawall/krawall/template"
)

const (
	// DefaultSessionMaxAge is the discovery credential lifetime when the
	// protocol config is silent.
	DefaultSessionMaxAge = 5 * time.Minute
	// DefaultRequestTimeout bounds each Socket.IO send.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultEventName is the Socket.IO event used for sends.
	DefaultEventName = "message"
)

type (
	// Discoverer runs the browser discovery pipeline. Satisfied by
	// *discovery.Runner.
	Discoverer interface {
		Discover(ctx context.Context, req discovery.Request) (*discovery.Result, error)
	}

	// Options carries the collaborators a browser-WS connector composes.
	Options struct {
		Runner    Discoverer
		Cache     *cache.Cache
		Redis     redis.UniversalClient
		Namespace string
		// OnProgress streams discovery progress events. Optional.
		OnProgress discovery.ProgressFunc
	}

	// Connector drives a widget-hidden WebSocket endpoint. It owns one
	// inner raw-WS connector, at most one Socket.IO handler and one
	// refresh subscription.
	Connector struct {
		tgt   *target.Target
		proto target.BrowserProtocol
		opts  Options

		gate connector.ConnectGate
		// sendMu serializes Socket.IO sends: the handler resolves replies
		// off a single shared event channel.
		sendMu sync.Mutex

		mu      sync.Mutex
		inner   *wsconn.Connector
		handler *socketio.Handler
		result  *discovery.Result
		sub     *redis.PubSub
		subDone chan struct{}
	}

	// frameTransport adapts the raw WS connector to the Socket.IO handler's
	// transport surface.
	frameTransport struct {
		inner *wsconn.Connector
	}
)

// WriteFrame implements socketio.Transport.
func (t frameTransport) WriteFrame(ctx context.Context, data []byte) error {
	return t.inner.WriteRaw(ctx, data)
}

// Close implements socketio.Transport.
func (t frameTransport) Close(code int, reason string) error {
	return t.inner.CloseWithStatus(websocket.StatusCode(code), reason)
}

// New builds a browser-WS connector for the target.
func New(tgt *target.Target, opts Options) (*Connector, error) {
	proto, err := tgt.BrowserProtocol()
	if err != nil {
		return nil, err
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("browserws: discovery runner is required")
	}
	return &Connector{tgt: tgt, proto: proto, opts: opts}, nil
}

// Connect obtains (or reuses) a discovery result, replays the socket through
// the inner raw-WS connector and, for Socket.IO endpoints, starts the
// protocol handler. Concurrent callers share one in-flight attempt and a
// connected instance is left untouched.
func (c *Connector) Connect(ctx context.Context) error {
	return c.gate.Do(ctx, func(ctx context.Context) error {
		return c.connect(ctx, false)
	})
}

// reconnectFresh tears the connection down and rebuilds it with forced
// rediscovery.
func (c *Connector) reconnectFresh(ctx context.Context) error {
	if err := c.Disconnect(ctx); err != nil {
		log.Warnf(ctx, "disconnect before rediscovery failed: target=%s err=%v", c.tgt.ID, err)
	}
	return c.gate.Do(ctx, func(ctx context.Context) error {
		return c.connect(ctx, true)
	})
}

func (c *Connector) connect(ctx context.Context, forceFresh bool) error {
	res, err := c.discover(ctx, forceFresh)
	if err != nil {
		return err
	}

	innerTgt := c.innerTarget(res)
	inner, err := wsconn.New(innerTgt)
	if err != nil {
		return err
	}
	if err := inner.Connect(ctx); err != nil {
		return err
	}

	var handler *socketio.Handler
	if res.DetectedProtocol == socketio.ProtocolSocketIO {
		cfg := socketio.Config{}
		if res.SocketIOConfig != nil {
			cfg = *res.SocketIOConfig
		}
		handler = socketio.NewHandler(frameTransport{inner: inner}, cfg,
			socketio.WithErrorHandler(func(err error) {
				log.Warnf(ctx, "socket.io error: target=%s err=%v", c.tgt.ID, err)
			}))
		inner.SetFrameHandler(handler.HandleFrame)
		if err := handler.Start(ctx); err != nil {
			inner.Disconnect(ctx)
			return err
		}
	}

	c.mu.Lock()
	c.inner = inner
	c.handler = handler
	c.result = res
	c.mu.Unlock()

	if c.proto.RefreshEnabled {
		c.subscribeRefresh()
	}
	log.Printf(ctx, "browser-ws connected: target=%s url=%s protocol=%s", c.tgt.ID, res.WSSURL, res.DetectedProtocol)
	return nil
}

// discover returns a cached result when it is still fresh, otherwise runs
// the browser pipeline and caches the outcome.
func (c *Connector) discover(ctx context.Context, forceFresh bool) (*discovery.Result, error) {
	maxAge := c.sessionMaxAge()
	if !forceFresh && c.opts.Cache != nil {
		cached, err := c.opts.Cache.Get(ctx, c.tgt.ID)
		if err != nil {
			log.Warnf(ctx, "discovery cache read failed: target=%s err=%v", c.tgt.ID, err)
		}
		if cached != nil && cached.Age(time.Now()) < maxAge {
			log.Debugf(ctx, "reusing cached discovery: target=%s age=%s", c.tgt.ID, cached.Age(time.Now()))
			return cached, nil
		}
	}

	res, err := c.opts.Runner.Discover(ctx, discovery.Request{
		TargetID:   c.tgt.ID,
		Config:     c.proto,
		OnProgress: c.opts.OnProgress,
	})
	if err != nil {
		return nil, err
	}
	if c.opts.Cache != nil {
		c.opts.Cache.Set(ctx, c.tgt.ID, res, maxAge)
	}
	return res, nil
}

// innerTarget builds the raw-WS target that replays the discovered socket:
// CustomHeader auth carrying the captured upgrade headers plus a Cookie
// header synthesized from the captured cookies, reconnection disabled so a
// drop falls back to rediscovery.
func (c *Connector) innerTarget(res *discovery.Result) *target.Target {
	headers := replayHeaders(res)
	return &target.Target{
		ID:       c.tgt.ID,
		Name:     c.tgt.Name,
		Kind:     target.KindWebSocket,
		Endpoint: res.WSSURL,
		Auth:     auth.Config{Kind: auth.KindCustomHeader, Headers: headers},
		Request:  c.tgt.Request,
		Response: c.tgt.Response,
		Protocol: map[string]any{
			"noReconnect":      true,
			"requestTimeoutMs": c.proto.RequestTimeoutMS,
		},
	}
}

// hopHeaders are stripped from captured upgrade headers: the dialer manages
// its own handshake.
var hopHeaders = map[string]struct{}{
	"connection":               {},
	"upgrade":                  {},
	"host":                     {},
	"sec-websocket-key":        {},
	"sec-websocket-version":    {},
	"sec-websocket-extensions": {},
	"sec-websocket-protocol":   {},
	"cookie":                   {},
}

func replayHeaders(res *discovery.Result) map[string]string {
	headers := make(map[string]string, len(res.Headers)+1)
	for name, value := range res.Headers {
		if _, hop := hopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		headers[name] = value
	}
	if cookie := cookieHeader(res.Cookies); cookie != "" {
		headers["Cookie"] = cookie
	}
	return headers
}

func cookieHeader(cookies []discovery.Cookie) string {
	pairs := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		pairs = append(pairs, ck.Name+"="+ck.Value)
	}
	return strings.Join(pairs, "; ")
}

// Disconnect stops the protocol handler, the refresh subscription and the
// inner connector.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.gate.Reset()
	c.mu.Lock()
	handler := c.handler
	inner := c.inner
	sub := c.sub
	subDone := c.subDone
	c.handler, c.inner, c.sub, c.subDone = nil, nil, nil, nil
	c.mu.Unlock()

	if handler != nil {
		handler.Stop()
	}
	if sub != nil {
		sub.Close()
		if subDone != nil {
			<-subDone
		}
	}
	if inner != nil {
		return inner.Disconnect(ctx)
	}
	return nil
}

// Connected reports whether the inner socket is open.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	return inner != nil && inner.Connected()
}

// SupportsStreaming reports true.
func (c *Connector) SupportsStreaming() bool { return true }

// Send delegates to the inner connector in raw mode. In Socket.IO mode it
// emits the configured event and resolves with the next event frame.
// meta["_forceFresh"] set to true reconnects with forced rediscovery before
// sending.
func (c *Connector) Send(ctx context.Context, msg string, meta map[string]any) (*connector.Result, error) {
	c.mu.Lock()
	inner := c.inner
	handler := c.handler
	c.mu.Unlock()
	if inner == nil {
		return nil, connector.ErrNotConnected
	}

	if force, _ := meta["_forceFresh"].(bool); force {
		if err := c.reconnectFresh(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		inner = c.inner
		handler = c.handler
		c.mu.Unlock()
		if inner == nil {
			return nil, connector.ErrNotConnected
		}
	}

	if handler == nil {
		return inner.Send(ctx, msg, meta)
	}
	return c.sendSocketIO(ctx, handler, msg, meta)
}

func (c *Connector) sendSocketIO(ctx context.Context, handler *socketio.Handler, msg string, meta map[string]any) (*connector.Result, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	body, err := template.BuildRequest(msg, c.tgt.Request)
	if err != nil {
		return nil, err
	}

	timeout := DefaultRequestTimeout
	if c.proto.RequestTimeoutMS > 0 {
		timeout = time.Duration(c.proto.RequestTimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := handler.Send(ctx, c.eventName(), body); err != nil {
		return nil, err
	}
	ev, err := handler.NextEvent(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, connector.ErrRequestTimeout
		}
		return nil, err
	}

	content, err := template.ExtractResponse(ev.Data, c.tgt.Response)
	if err != nil {
		return nil, err
	}
	result := &connector.Result{Content: content, Raw: ev.Data, Meta: meta}
	if result.Meta == nil {
		result.Meta = map[string]any{}
	}
	result.Meta["event"] = ev.Name
	if tokens, ok := template.ExtractTokens(ev.Data, c.tgt.Response); ok {
		result.Tokens = tokens
	}
	return result, nil
}

func (c *Connector) eventName() string {
	if c.proto.EventName != "" {
		return c.proto.EventName
	}
	return DefaultEventName
}

// HealthCheck inspects the inner socket. In Socket.IO mode the protocol
// heartbeat already monitors liveness so the open state suffices; raw mode
// delegates to the inner ping. An unhealthy connector whose discovery result
// is past the session max-age is reconnected from scratch.
func (c *Connector) HealthCheck(ctx context.Context) (*connector.Health, error) {
	c.mu.Lock()
	inner := c.inner
	handler := c.handler
	res := c.result
	c.mu.Unlock()
	if inner == nil {
		return nil, connector.ErrNotConnected
	}

	var health *connector.Health
	if handler != nil {
		health = &connector.Health{CheckedAt: time.Now(), Healthy: inner.Connected()}
		if !health.Healthy {
			health.Error = "inner websocket closed"
		}
	} else {
		var err error
		health, err = inner.HealthCheck(ctx)
		if err != nil {
			return nil, err
		}
	}

	if !health.Healthy && res != nil && res.Age(time.Now()) > c.sessionMaxAge() {
		log.Printf(ctx, "stale credentials on unhealthy connector, rediscovering: target=%s", c.tgt.ID)
		if err := c.reconnectFresh(ctx); err != nil {
			health.Error = fmt.Sprintf("rediscovery failed: %v", err)
			return health, nil
		}
		return &connector.Health{CheckedAt: time.Now(), Healthy: true}, nil
	}
	return health, nil
}

// subscribeRefresh listens for token-refreshed notifications and stages the
// refreshed credentials on the inner connector for its next reconnect.
// In-flight sends are never interrupted.
func (c *Connector) subscribeRefresh() {
	if c.opts.Redis == nil {
		return
	}
	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		return
	}
	sub := c.opts.Redis.Subscribe(context.Background(), refresh.Channel(c.opts.Namespace))
	done := make(chan struct{})
	c.sub = sub
	c.subDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			c.onRefreshNotification(msg.Payload)
		}
	}()
}

func (c *Connector) onRefreshNotification(payload string) {
	var note refresh.Notification
	if err := json.Unmarshal([]byte(payload), &note); err != nil || note.TargetID != c.tgt.ID {
		return
	}
	ctx := context.Background()
	if c.opts.Cache == nil {
		return
	}
	res, err := c.opts.Cache.Get(ctx, c.tgt.ID)
	if err != nil || res == nil {
		log.Warnf(ctx, "refresh notification without cached discovery: target=%s err=%v", c.tgt.ID, err)
		return
	}

	hdr := http.Header{}
	for name, value := range replayHeaders(res) {
		hdr.Set(name, value)
	}

	c.mu.Lock()
	inner := c.inner
	c.result = res
	c.mu.Unlock()
	if inner != nil {
		inner.SetDialHeaders(hdr)
	}
	log.Printf(ctx, "staged refreshed credentials for next reconnect: target=%s triggeredBy=%s", c.tgt.ID, note.TriggeredBy)
}

func (c *Connector) sessionMaxAge() time.Duration {
	if c.proto.SessionMaxAgeMS > 0 {
		return time.Duration(c.proto.SessionMaxAgeMS) * time.Millisecond
	}
	return DefaultSessionMaxAge
}
