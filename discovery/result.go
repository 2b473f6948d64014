// Package discovery drives a headless browser to locate a chat widget on a
// page, capture the WebSocket it opens, classify the wire protocol and
// extract the credentials needed to replay the connection outside the
// browser.
package discovery

import (
	"time"

	"github.com/krawall/krawall/socketio"
)

type (
	// FrameDirection tags a captured WebSocket frame.
	FrameDirection string

	// CapturedFrame is one WebSocket frame observed during discovery.
	CapturedFrame struct {
		Direction FrameDirection `json:"direction"`
		Data      string         `json:"data"`
		Timestamp time.Time      `json:"timestamp"`
	}

	// CapturedWebSocket aggregates everything observed about one socket.
	CapturedWebSocket struct {
		URL            string            `json:"url"`
		UpgradeHeaders map[string]string `json:"upgradeHeaders"`
		Frames         []CapturedFrame   `json:"frames"`
		CreatedAt      time.Time         `json:"createdAt"`
	}

	// Cookie is a browser cookie captured from the page context.
	Cookie struct {
		Name   string `json:"name"`
		Value  string `json:"value"`
		Domain string `json:"domain"`
	}

	// Result is the outcome of a successful discovery run. It carries
	// everything a connector needs to replay the WebSocket outside the
	// browser.
	Result struct {
		WSSURL           string             `json:"wssUrl"`
		Cookies          []Cookie           `json:"cookies"`
		Headers          map[string]string  `json:"headers"`
		LocalStorage     map[string]string  `json:"localStorage"`
		SessionStorage   map[string]string  `json:"sessionStorage"`
		CapturedFrames   []CapturedFrame    `json:"capturedFrames"`
		DetectedProtocol socketio.Protocol  `json:"detectedProtocol"`
		SocketIOConfig   *socketio.Config   `json:"socketIoConfig,omitempty"`
		DiscoveredAt     time.Time          `json:"discoveredAt"`
	}
)

const (
	DirectionSent     FrameDirection = "sent"
	DirectionReceived FrameDirection = "received"
)

// ReceivedFrames returns the payloads of received frames, in capture order,
// for protocol classification.
func (r *Result) ReceivedFrames() []string {
	var out []string
	for _, f := range r.CapturedFrames {
		if f.Direction == DirectionReceived {
			out = append(out, f.Data)
		}
	}
	return out
}

// Age reports how long ago the result was produced.
func (r *Result) Age(now time.Time) time.Duration {
	return now.Sub(r.DiscoveredAt)
}
