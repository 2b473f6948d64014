package socketio

import (
	"net/url"
	"strconv"
	"strings"
)

// Protocol is the wire protocol detected on a captured WebSocket.
type Protocol string

const (
	ProtocolRaw      Protocol = "raw"
	ProtocolSocketIO Protocol = "socketio"
)

// Classify decides raw WebSocket vs Socket.IO from the socket URL and early
// received frames, in priority order with early exit on high-confidence
// signals:
//
//  1. URL path contains "socket.io" or carries an EIO query parameter.
//  2. A received frame is an Engine.IO OPEN handshake with a sid; its
//     parameters populate the returned config.
//  3. At least two distinct Engine.IO frame patterns (ping, pong, event,
//     connect, noop) appear among the received frames.
//
// Otherwise the socket is raw. The config pointer is nil for raw sockets.
func Classify(wsURL string, received []string) (Protocol, *Config) {
	if urlLooksSocketIO(wsURL) {
		for _, frame := range received {
			if cfg, ok := ParseHandshake(frame); ok {
				applyVersionFromURL(&cfg, wsURL)
				return ProtocolSocketIO, &cfg
			}
		}
		return ProtocolSocketIO, DefaultConfig(wsURL)
	}

	for _, frame := range received {
		if cfg, ok := ParseHandshake(frame); ok {
			applyVersionFromURL(&cfg, wsURL)
			return ProtocolSocketIO, &cfg
		}
	}

	if countFrameSignals(received) >= 2 {
		return ProtocolSocketIO, DefaultConfig(wsURL)
	}
	return ProtocolRaw, nil
}

func urlLooksSocketIO(wsURL string) bool {
	u, err := url.Parse(wsURL)
	if err != nil {
		return strings.Contains(wsURL, "socket.io")
	}
	if strings.Contains(u.Path, "socket.io") {
		return true
	}
	return u.Query().Has("EIO")
}

// countFrameSignals counts distinct Engine.IO frame patterns among the
// received frames.
func countFrameSignals(received []string) int {
	var ping, pong, event, connect, noop bool
	for _, f := range received {
		switch {
		case f == "2":
			ping = true
		case f == "3":
			pong = true
		case strings.HasPrefix(f, "42["):
			event = true
		case f == "40" || strings.HasPrefix(f, "40/"):
			connect = true
		case f == "6":
			noop = true
		}
	}
	n := 0
	for _, b := range []bool{ping, pong, event, connect, noop} {
		if b {
			n++
		}
	}
	return n
}

// DefaultConfig builds a Config with protocol defaults, honoring the URL's
// EIO parameter. Used when a socket is known to speak Socket.IO but no OPEN
// handshake was observed.
func DefaultConfig(wsURL string) *Config {
	cfg := &Config{
		PingIntervalMS:  DefaultPingIntervalMS,
		PingTimeoutMS:   DefaultPingTimeoutMS,
		EngineIOVersion: DefaultEngineIOVersion,
	}
	applyVersionFromURL(cfg, wsURL)
	return cfg
}

// applyVersionFromURL overrides the Engine.IO version with the URL's EIO
// query parameter when present.
func applyVersionFromURL(cfg *Config, wsURL string) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return
	}
	if eio := u.Query().Get("EIO"); eio != "" {
		if v, err := strconv.Atoi(eio); err == nil && v > 0 {
			cfg.EngineIOVersion = v
		}
	}
}
