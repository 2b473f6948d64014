package socketio

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"
)

// StatusNormalClosure mirrors RFC 6455 close code 1000 without importing a
// websocket package here.
const StatusNormalClosure = 1000

type (
	// Transport is the raw WebSocket surface the handler writes to. The
	// raw WS connector satisfies it through a thin adapter.
	Transport interface {
		// WriteFrame writes one text frame.
		WriteFrame(ctx context.Context, data []byte) error
		// Close closes the socket with a status code.
		Close(code int, reason string) error
	}

	// Handler layers Socket.IO/Engine.IO semantics over an open raw
	// WebSocket: namespace connect, heartbeats, event decode and error
	// delivery. Feed it every received frame via HandleFrame; while it is
	// active the surrounding connector must not run its generic message
	// correlation on the same socket.
	Handler struct {
		tr        Transport
		cfg       Config
		namespace string
		onError   func(error)

		mu       sync.Mutex
		safety   *time.Timer
		started  bool
		stopped  bool
		events   chan Event
		connAckd bool
	}

	// HandlerOption configures a Handler.
	HandlerOption func(*Handler)
)

// WithNamespace connects to a non-default namespace on Start.
func WithNamespace(ns string) HandlerOption {
	return func(h *Handler) { h.namespace = ns }
}

// WithErrorHandler receives decoded connect-error ("44") frames and
// protocol errors.
func WithErrorHandler(fn func(error)) HandlerOption {
	return func(h *Handler) { h.onError = fn }
}

// NewHandler builds a handler over an open transport using the session
// parameters from the Engine.IO handshake.
func NewHandler(tr Transport, cfg Config, opts ...HandlerOption) *Handler {
	if cfg.PingIntervalMS == 0 {
		cfg.PingIntervalMS = DefaultPingIntervalMS
	}
	if cfg.PingTimeoutMS == 0 {
		cfg.PingTimeoutMS = DefaultPingTimeoutMS
	}
	h := &Handler{
		tr:     tr,
		cfg:    cfg,
		events: make(chan Event, 16),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start sends the namespace connect packet and arms the heartbeat safety
// timer.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	if err := h.tr.WriteFrame(ctx, []byte(ConnectFrame(h.namespace))); err != nil {
		return err
	}
	h.resetSafetyTimer()
	return nil
}

// Stop disarms the heartbeat timer. The underlying socket is left to the
// owning connector.
func (h *Handler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.safety != nil {
		h.safety.Stop()
		h.safety = nil
	}
}

// Send encodes and writes an event frame.
func (h *Handler) Send(ctx context.Context, event string, payload any) error {
	frame, err := EncodeMessage(event, payload)
	if err != nil {
		return err
	}
	return h.tr.WriteFrame(ctx, []byte(frame))
}

// NextEvent returns the next decoded Socket.IO event, in arrival order.
func (h *Handler) NextEvent(ctx context.Context) (Event, error) {
	select {
	case ev := <-h.events:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// ConnectAcked reports whether the server acknowledged the namespace
// connect.
func (h *Handler) ConnectAcked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connAckd
}

// HandleFrame processes one received text frame. It is the frame handler
// installed on the raw WS connector while Socket.IO mode is active.
func (h *Handler) HandleFrame(data []byte) {
	frame := string(data)
	if frame == "" {
		return
	}
	ctx := context.Background()
	switch frame[0] {
	case EngineOpen:
		// Late or replayed handshake: refresh session parameters.
		if cfg, ok := ParseHandshake(frame); ok {
			h.mu.Lock()
			h.cfg = cfg
			h.mu.Unlock()
			h.resetSafetyTimer()
		}
	case EnginePing:
		if err := h.tr.WriteFrame(ctx, []byte{EnginePong}); err != nil {
			log.Warnf(ctx, "socket.io pong write failed: %v", err)
		}
		h.resetSafetyTimer()
	case EnginePong:
		h.resetSafetyTimer()
	case EngineNoop, EngineUpgrade:
	case EngineClose:
		_ = h.tr.Close(StatusNormalClosure, "server close packet")
	case EngineMessage:
		h.handleMessage(frame)
	default:
		h.reportError(&ProtocolError{Frame: frame, Reason: "unknown engine.io packet type"})
	}
}

func (h *Handler) handleMessage(frame string) {
	if len(frame) < 2 {
		h.reportError(&ProtocolError{Frame: frame, Reason: "truncated socket.io packet"})
		return
	}
	switch frame[1] {
	case PacketConnect:
		h.mu.Lock()
		h.connAckd = true
		h.mu.Unlock()
	case PacketDisconnect:
		_ = h.tr.Close(StatusNormalClosure, "namespace disconnect")
	case PacketEvent:
		ev, err := DecodeMessage(frame)
		if err != nil {
			h.reportError(err)
			return
		}
		select {
		case h.events <- ev:
		default:
			log.Warnf(context.Background(), "socket.io event buffer full, dropping %q", ev.Name)
		}
	case PacketConnectError:
		if msg, ok := DecodeError(frame); ok {
			h.reportError(&ProtocolError{Frame: frame, Reason: "connect error: " + msg})
		}
	case PacketAck:
		// Acks carry no event payload the runtime consumes.
	default:
		h.reportError(&ProtocolError{Frame: frame, Reason: "unknown socket.io packet type"})
	}
}

// resetSafetyTimer (re)arms the single heartbeat safety timer at
// pingInterval + pingTimeout. Expiry closes the socket with code 4000.
func (h *Handler) resetSafetyTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	deadline := time.Duration(h.cfg.PingIntervalMS+h.cfg.PingTimeoutMS) * time.Millisecond
	if h.safety != nil {
		h.safety.Stop()
	}
	h.safety = time.AfterFunc(deadline, func() {
		log.Warnf(context.Background(), "socket.io heartbeat missed for %s, closing", deadline)
		_ = h.tr.Close(HeartbeatCloseCode, "heartbeat timeout")
	})
}

func (h *Handler) reportError(err error) {
	if h.onError != nil {
		h.onError(err)
		return
	}
	log.Warnf(context.Background(), "socket.io frame error: %v", err)
}
