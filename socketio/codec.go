// Package socketio implements the Engine.IO/Socket.IO text protocols used by
// many chat-widget vendors: handshake parsing, protocol classification from
// captured traffic, event encoding/decoding, and a heartbeat-aware handler
// layered on a raw WebSocket connection.
package socketio

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Engine.IO packet types (single-digit frame prefix).
const (
	EngineOpen    = '0'
	EngineClose   = '1'
	EnginePing    = '2'
	EnginePong    = '3'
	EngineMessage = '4'
	EngineUpgrade = '5'
	EngineNoop    = '6'
)

// Socket.IO packet types (carried inside an Engine.IO message).
const (
	PacketConnect      = '0'
	PacketDisconnect   = '1'
	PacketEvent        = '2'
	PacketAck          = '3'
	PacketConnectError = '4'
)

// HeartbeatCloseCode is the close code used when the heartbeat safety timer
// expires.
const HeartbeatCloseCode = 4000

// Defaults applied when the server handshake omits heartbeat parameters.
const (
	DefaultPingIntervalMS  = 25000
	DefaultPingTimeoutMS   = 20000
	DefaultEngineIOVersion = 4
)

type (
	// Config holds the Engine.IO session parameters parsed from the
	// server's OPEN handshake.
	Config struct {
		SID             string `json:"sid"`
		PingIntervalMS  int    `json:"pingInterval"`
		PingTimeoutMS   int    `json:"pingTimeout"`
		EngineIOVersion int    `json:"engineIoVersion"`
	}

	// Event is a decoded Socket.IO event frame.
	Event struct {
		Name string
		Data any
	}

	// ProtocolError reports a malformed Socket.IO/Engine.IO frame in a
	// context that requires one. It closes the connection when raised by
	// the handler.
	ProtocolError struct {
		Frame  string
		Reason string
	}
)

// Error implements error.
func (e *ProtocolError) Error() string {
	frame := e.Frame
	if len(frame) > 64 {
		frame = frame[:64] + "…"
	}
	return fmt.Sprintf("socket.io protocol error: %s (frame %q)", e.Reason, frame)
}

// ParseHandshake parses an Engine.IO OPEN frame ("0{...}") into a Config.
// The boolean reports whether the frame was an OPEN handshake at all;
// non-OPEN frames are not an error, they are simply not handshakes.
func ParseHandshake(frame string) (Config, bool) {
	if len(frame) < 2 || frame[0] != EngineOpen || frame[1] != '{' {
		return Config{}, false
	}
	var cfg Config
	if err := json.Unmarshal([]byte(frame[1:]), &cfg); err != nil {
		return Config{}, false
	}
	if cfg.SID == "" {
		return Config{}, false
	}
	if cfg.PingIntervalMS == 0 {
		cfg.PingIntervalMS = DefaultPingIntervalMS
	}
	if cfg.PingTimeoutMS == 0 {
		cfg.PingTimeoutMS = DefaultPingTimeoutMS
	}
	if cfg.EngineIOVersion == 0 {
		cfg.EngineIOVersion = DefaultEngineIOVersion
	}
	return cfg, true
}

// ConnectFrame returns the namespace connect packet: "40" for the default
// namespace, "40/<name>," otherwise.
func ConnectFrame(namespace string) string {
	if namespace == "" || namespace == "/" {
		return "40"
	}
	if !strings.HasPrefix(namespace, "/") {
		namespace = "/" + namespace
	}
	return "40" + namespace + ","
}

// EncodeMessage encodes an event frame: "42" + JSON [eventName, payload].
func EncodeMessage(event string, payload any) (string, error) {
	buf, err := json.Marshal([]any{event, payload})
	if err != nil {
		return "", fmt.Errorf("encode socket.io event: %w", err)
	}
	return "42" + string(buf), nil
}

// DecodeMessage decodes an event frame: strips the "42" prefix, an optional
// namespace ("/ns,"), an optional decimal ack id, then parses the JSON array
// [eventName, data...].
func DecodeMessage(frame string) (Event, error) {
	rest, ok := strings.CutPrefix(frame, "42")
	if !ok {
		return Event{}, &ProtocolError{Frame: frame, Reason: "not an event frame"}
	}
	if strings.HasPrefix(rest, "/") {
		comma := strings.Index(rest, ",")
		if comma < 0 {
			return Event{}, &ProtocolError{Frame: frame, Reason: "unterminated namespace"}
		}
		rest = rest[comma+1:]
	}
	for len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9' {
		rest = rest[1:] // ack id
	}
	var parts []any
	if err := json.Unmarshal([]byte(rest), &parts); err != nil {
		return Event{}, &ProtocolError{Frame: frame, Reason: "payload is not a JSON array"}
	}
	if len(parts) == 0 {
		return Event{}, &ProtocolError{Frame: frame, Reason: "empty event array"}
	}
	name, ok := parts[0].(string)
	if !ok {
		return Event{}, &ProtocolError{Frame: frame, Reason: "event name is not a string"}
	}
	ev := Event{Name: name}
	if len(parts) > 1 {
		ev.Data = parts[1]
	}
	return ev, nil
}

// DecodeError decodes a connect-error frame ("44..."), returning its payload
// rendered as a string.
func DecodeError(frame string) (string, bool) {
	rest, ok := strings.CutPrefix(frame, "44")
	if !ok {
		return "", false
	}
	var payload any
	if err := json.Unmarshal([]byte(rest), &payload); err != nil {
		return rest, true
	}
	switch p := payload.(type) {
	case string:
		return p, true
	case map[string]any:
		if msg, ok := p["message"].(string); ok {
			return msg, true
		}
	}
	return rest, true
}
