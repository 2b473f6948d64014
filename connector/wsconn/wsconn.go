// Package wsconn implements the raw WebSocket connector: bidirectional JSON
// messaging with a FIFO pending-request queue (positional correlation) and
// automatic reconnection with linear back-off.
package wsconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"goa.design/clue/log"

	"github.com/krawall/krawall/auth"
	"github.com/krawall/krawall/connector"
	"github.com/krawall/krawall/target"
	"github.com/krawall/krawall/template"
)

// State is the connector life-cycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

const (
	// DefaultRequestTimeout bounds each pending request.
	DefaultRequestTimeout = 30 * time.Second
	// DialTimeout bounds the WebSocket open handshake.
	DialTimeout = 10 * time.Second
	// HealthTimeout bounds the ping/pong health check.
	HealthTimeout = 5 * time.Second
	// DefaultMaxReconnects caps automatic reconnect attempts.
	DefaultMaxReconnects = 5
	// ReconnectStep is the linear back-off increment between attempts.
	ReconnectStep = 2 * time.Second
)

type (
	// Connector is a raw WebSocket connector. Responses correlate to
	// requests strictly by position: frame N in completes request N out.
	Connector struct {
		tgt   *target.Target
		proto target.WSProtocol

		gate connector.ConnectGate

		mu        sync.Mutex
		conn      *websocket.Conn
		state     State
		pending   []*pendingRequest
		closing   bool
		genFrames bool // frames are routed to frameHandler, not the queue
		dialHdr   http.Header
		readDone  chan struct{}

		frameHandler func([]byte)
		closeHandler func(error)
	}

	pendingRequest struct {
		ch      chan frameResult
		started time.Time
	}

	frameResult struct {
		doc any
		err error
	}
)

// New builds a raw WebSocket connector for the target.
func New(tgt *target.Target) (*Connector, error) {
	proto, err := tgt.WSProtocol()
	if err != nil {
		return nil, err
	}
	return &Connector{tgt: tgt, proto: proto, state: StateIdle}, nil
}

// State returns the current life-cycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetDialHeaders replaces the headers used by the next dial. Live
// connections are not interrupted; the new credentials take effect on the
// next (re)connect.
func (c *Connector) SetDialHeaders(h http.Header) {
	c.mu.Lock()
	c.dialHdr = h.Clone()
	c.mu.Unlock()
}

// SetFrameHandler routes every received frame to fn instead of the pending
// queue. Protocol handlers (Socket.IO) use this to take over framing so that
// control frames do not raise decode errors. Passing nil restores queue
// correlation.
func (c *Connector) SetFrameHandler(fn func(data []byte)) {
	c.mu.Lock()
	c.frameHandler = fn
	c.genFrames = fn != nil
	c.mu.Unlock()
}

// SetCloseHandler registers a callback invoked when the connection closes
// and will not be re-established by the reconnect loop.
func (c *Connector) SetCloseHandler(fn func(error)) {
	c.mu.Lock()
	c.closeHandler = fn
	c.mu.Unlock()
}

// Connect dials the endpoint. Concurrent callers share one in-flight
// attempt.
func (c *Connector) Connect(ctx context.Context) error {
	return c.gate.Do(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		c.closing = false
		c.state = StateConnecting
		c.mu.Unlock()
		if err := c.dial(ctx); err != nil {
			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
			return err
		}
		return nil
	})
}

// dial opens the socket and starts the read loop.
func (c *Connector) dial(ctx context.Context) error {
	dialURL, hdr, err := c.dialTarget()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, dialURL, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		// Some servers reject credential upgrade headers outright; retry
		// with the query-parameter fallback when the auth kind has one.
		if qs, ok := auth.QueryParams(c.tgt.Auth); ok && !c.proto.AuthInQuery {
			fallback, ferr := withQuery(dialURL, qs)
			if ferr == nil {
				log.Warnf(ctx, "ws dial with upgrade headers failed, retrying with query auth: target=%s err=%v", c.tgt.ID, err)
				conn, _, err = websocket.Dial(dialCtx, fallback, &websocket.DialOptions{HTTPHeader: hdr})
			}
		}
		if err != nil {
			return &connector.TransportError{Op: "ws dial", Err: err}
		}
	}
	conn.SetReadLimit(1 << 22)

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	done := make(chan struct{})
	c.readDone = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	return nil
}

// dialTarget computes the dial URL and header set from target auth and
// staged hot-swap headers.
func (c *Connector) dialTarget() (string, http.Header, error) {
	hdr, err := auth.Headers(c.tgt.Auth)
	if err != nil {
		return "", nil, err
	}
	c.mu.Lock()
	if c.dialHdr != nil {
		hdr = c.dialHdr.Clone()
	}
	c.mu.Unlock()

	dialURL := c.tgt.Endpoint
	if c.proto.AuthInQuery {
		if qs, ok := auth.QueryParams(c.tgt.Auth); ok {
			dialURL, err = withQuery(dialURL, qs)
			if err != nil {
				return "", nil, err
			}
			hdr.Del("Authorization")
		}
	}
	return dialURL, hdr, nil
}

// Disconnect closes the socket and fails any pending requests. The
// reconnect loop is not triggered for intentional closes.
func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	pend := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pend {
		p.ch <- frameResult{err: connector.ErrDisconnected}
	}
	c.gate.Reset()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Connected reports whether the socket is open.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen && c.conn != nil
}

// SupportsStreaming reports true: frames arrive as they are produced.
func (c *Connector) SupportsStreaming() bool { return true }

// Send writes the templated payload as a JSON text frame and returns the
// next received frame, extracted through the response template.
func (c *Connector) Send(ctx context.Context, msg string, meta map[string]any) (*connector.Result, error) {
	body, err := template.BuildRequest(msg, c.tgt.Request)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	raw, err := c.roundTrip(ctx, payload)
	if err != nil {
		return nil, err
	}
	content, err := template.ExtractResponse(raw, c.tgt.Response)
	if err != nil {
		return nil, err
	}
	result := &connector.Result{Content: content, Raw: raw, Meta: meta}
	if tokens, ok := template.ExtractTokens(raw, c.tgt.Response); ok {
		result.Tokens = tokens
	}
	return result, nil
}

// roundTrip queues a pending request, writes the frame and waits for the
// positionally correlated response frame.
func (c *Connector) roundTrip(ctx context.Context, payload []byte) (any, error) {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return nil, connector.ErrNotConnected
	}
	conn := c.conn
	req := &pendingRequest{ch: make(chan frameResult, 1), started: time.Now()}
	c.pending = append(c.pending, req)
	c.mu.Unlock()

	timeout := DefaultRequestTimeout
	if c.proto.RequestTimeoutMS > 0 {
		timeout = time.Duration(c.proto.RequestTimeoutMS) * time.Millisecond
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		c.remove(req)
		return nil, &connector.TransportError{Op: "ws write", Err: err}
	}

	select {
	case res := <-req.ch:
		return res.doc, res.err
	case <-writeCtx.Done():
		c.remove(req)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, connector.ErrRequestTimeout
	}
}

// remove drops a pending request from the queue (timeout or cancel).
func (c *Connector) remove(req *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == req {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// WriteRaw writes a raw text frame, bypassing templates. Protocol handlers
// use it for control and event frames.
func (c *Connector) WriteRaw(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return connector.ErrNotConnected
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &connector.TransportError{Op: "ws write", Err: err}
	}
	return nil
}

// CloseWithStatus closes the underlying socket with a specific status code.
// Protocol handlers use it (e.g. Socket.IO heartbeat expiry closes with
// code 4000).
func (c *Connector) CloseWithStatus(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()
	c.gate.Reset()
	if conn != nil {
		return conn.Close(code, reason)
	}
	return nil
}

// HealthCheck sends a WebSocket ping and waits for the pong.
func (c *Connector) HealthCheck(ctx context.Context) (*connector.Health, error) {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return nil, connector.ErrNotConnected
	}

	pingCtx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()
	started := time.Now()
	health := &connector.Health{CheckedAt: started}
	if err := conn.Ping(pingCtx); err != nil {
		health.Error = err.Error()
		return health, nil
	}
	health.Healthy = true
	health.LatencyMS = time.Since(started).Milliseconds()
	return health, nil
}

// readLoop drains frames from the socket. Each frame either goes to the
// protocol frame handler or completes the head of the pending queue.
func (c *Connector) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(err)
			return
		}
		c.dispatch(ctx, data)
	}
}

func (c *Connector) dispatch(ctx context.Context, data []byte) {
	c.mu.Lock()
	if c.genFrames && c.frameHandler != nil {
		fn := c.frameHandler
		c.mu.Unlock()
		fn(data)
		return
	}

	// Bare Engine.IO control frames (ping, pong, noop) parse as JSON
	// numbers but never answer a request.
	switch string(data) {
	case "2", "3", "6":
		c.mu.Unlock()
		return
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		pending := len(c.pending)
		c.mu.Unlock()
		// Unparseable frames with no pending request are likely protocol
		// frames; drop them silently.
		if pending > 0 {
			log.Warnf(ctx, "ws frame is not JSON with %d pending requests: target=%s err=%v", pending, c.tgt.ID, err)
		}
		return
	}
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	head := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()
	head.ch <- frameResult{doc: doc}
}

// handleClose fails pending requests and, unless the close was intentional
// or reconnection is disabled, runs the reconnect loop.
func (c *Connector) handleClose(cause error) {
	c.mu.Lock()
	intentional := c.closing
	pend := c.pending
	c.pending = nil
	c.conn = nil
	if !intentional {
		c.state = StateReconnecting
	}
	closeFn := c.closeHandler
	c.mu.Unlock()

	for _, p := range pend {
		p.ch <- frameResult{err: connector.ErrDisconnected}
	}
	if intentional {
		return
	}

	ctx := context.Background()
	if c.proto.NoReconnect {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.gate.Reset()
		if closeFn != nil {
			closeFn(cause)
		}
		return
	}

	if err := c.reconnect(ctx); err != nil {
		log.Errorf(ctx, err, "ws reconnect gave up: target=%s", c.tgt.ID)
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.gate.Reset()
		if closeFn != nil {
			closeFn(cause)
		}
	}
}

// reconnect retries the dial with linear back-off (2s x attempt) up to the
// configured ceiling.
func (c *Connector) reconnect(ctx context.Context) error {
	maxAttempts := c.proto.MaxReconnects
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnects
	}
	lin := &linearBackOff{step: ReconnectStep}
	attempt := 0
	operation := func() error {
		attempt++
		log.Printf(ctx, "ws reconnect attempt %d/%d: target=%s", attempt, maxAttempts, c.tgt.ID)
		return c.dial(ctx)
	}
	return backoff.Retry(operation, backoff.WithMaxRetries(lin, uint64(maxAttempts-1)))
}

// linearBackOff yields step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

// NextBackOff implements backoff.BackOff.
func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

// Reset implements backoff.BackOff.
func (b *linearBackOff) Reset() { b.attempt = 0 }

func withQuery(rawURL string, qs url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	for k, vs := range qs {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
