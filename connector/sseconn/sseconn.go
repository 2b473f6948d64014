// Package sseconn implements the Server-Sent Events connector. Sends POST a
// templated body and aggregate the event stream into one response document.
package sseconn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/krawall/krawall/auth"
	"github.com/krawall/krawall/connector"
	"github.com/krawall/krawall/target"
	"github.com/krawall/krawall/template"
)

// DefaultTimeout bounds each send when the protocol config is silent.
const DefaultTimeout = 30 * time.Second

// Connector streams SSE responses to templated requests.
type Connector struct {
	tgt    *target.Target
	proto  target.HTTPProtocol
	client *http.Client

	mu        sync.Mutex
	connected bool
}

// New builds an SSE connector for the target.
func New(tgt *target.Target) (*Connector, error) {
	proto, err := tgt.HTTPProtocol()
	if err != nil {
		return nil, err
	}
	return &Connector{tgt: tgt, proto: proto}, nil
}

// Connect builds the HTTP client used for streaming requests.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	timeout := DefaultTimeout
	if c.proto.TimeoutMS > 0 {
		timeout = time.Duration(c.proto.TimeoutMS) * time.Millisecond
	}
	c.client = &http.Client{Timeout: timeout}
	c.connected = true
	log.Debugf(ctx, "sse connector ready: target=%s endpoint=%s", c.tgt.ID, c.tgt.Endpoint)
	return nil
}

// Disconnect releases idle pooled connections.
func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.CloseIdleConnections()
	}
	c.connected = false
	return nil
}

// Connected reports whether Connect succeeded.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SupportsStreaming reports true: the response arrives as a stream even
// though Send returns the aggregate.
func (c *Connector) SupportsStreaming() bool { return true }

// Send posts the templated body and aggregates data lines until the
// terminator event or end of stream, then applies the response template to
// the aggregated document.
func (c *Connector) Send(ctx context.Context, msg string, meta map[string]any) (*connector.Result, error) {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, connector.ErrNotConnected
	}

	body, err := template.BuildRequest(msg, c.tgt.Request)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	headers, err := auth.Headers(c.tgt.Auth)
	if err != nil {
		return nil, err
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Set(name, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &connector.TransportError{Op: "sse send", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		upstream := &connector.UpstreamHTTPError{Status: resp.StatusCode}
		if buf, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil {
			upstream.Body = string(buf)
			var doc any
			if json.Unmarshal(buf, &doc) == nil {
				if msg, ok := template.ExtractError(doc, c.tgt.Response); ok {
					upstream.Message = msg
				}
			}
		}
		return nil, upstream
	}

	payloads, err := readStream(resp.Body, c.proto.TerminatorEvent)
	if err != nil {
		return nil, &connector.TransportError{Op: "sse read", Err: err}
	}

	raw, content, err := c.aggregate(payloads)
	if err != nil {
		return nil, err
	}
	result := &connector.Result{Content: content, Raw: raw, Meta: map[string]any{"chunks": len(payloads)}}
	if tokens, ok := template.ExtractTokens(raw, c.tgt.Response); ok {
		result.Tokens = tokens
	}
	return result, nil
}

// aggregate parses the collected data payloads into one document and applies
// the response template. A stream whose chunks join into a single JSON
// document is treated as one response; otherwise each chunk is parsed on its
// own and the extracted contents are concatenated in arrival order.
func (c *Connector) aggregate(payloads []string) (any, string, error) {
	joined := strings.Join(payloads, "")
	var doc any
	if err := json.Unmarshal([]byte(joined), &doc); err == nil {
		content, err := template.ExtractResponse(doc, c.tgt.Response)
		if err != nil {
			return nil, "", err
		}
		return doc, content, nil
	}

	var (
		parts []string
		last  any
	)
	for _, p := range payloads {
		var chunk any
		if err := json.Unmarshal([]byte(p), &chunk); err != nil {
			continue
		}
		last = chunk
		if content, err := template.ExtractResponse(chunk, c.tgt.Response); err == nil {
			parts = append(parts, content)
		}
	}
	if len(parts) == 0 {
		return nil, "", &template.ResponseShapeError{Path: c.tgt.Response.ResponsePath}
	}
	return last, strings.Join(parts, ""), nil
}

// HealthCheck probes the endpoint origin with a GET; SSE endpoints rarely
// expose a dedicated health route so any response counts as reachable.
func (c *Connector) HealthCheck(ctx context.Context) (*connector.Health, error) {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, connector.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tgt.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}

	started := time.Now()
	health := &connector.Health{CheckedAt: started}
	resp, err := client.Do(req)
	health.LatencyMS = time.Since(started).Milliseconds()
	if err != nil {
		health.Error = err.Error()
		return health, nil
	}
	resp.Body.Close()
	health.Healthy = resp.StatusCode < 500
	if !health.Healthy {
		health.Error = fmt.Sprintf("health probe returned %d", resp.StatusCode)
	}
	return health, nil
}

func (c *Connector) sendURL() string {
	if c.proto.Path == "" {
		return c.tgt.Endpoint
	}
	return strings.TrimSuffix(c.tgt.Endpoint, "/") + "/" + strings.TrimPrefix(c.proto.Path, "/")
}

// readStream collects SSE data payloads until the terminator event, a
// matching terminator data payload, or end of stream.
func readStream(r io.Reader, terminator string) ([]string, error) {
	var (
		payloads []string
		event    string
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
			if terminator != "" && event == terminator {
				return payloads, nil
			}
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(line[len("data:"):])
			if terminator != "" && data == terminator {
				return payloads, nil
			}
			payloads = append(payloads, data)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return payloads, err
	}
	return payloads, nil
}
