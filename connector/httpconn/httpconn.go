// Package httpconn implements the HTTP/REST connector. One pooled client per
// connector; requests and responses are shaped by the target's templates.
package httpconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/krawall/krawall/auth"
	"github.com/krawall/krawall/connector"
	"github.com/krawall/krawall/target"
	"github.com/krawall/krawall/template"
)

const (
	// DefaultTimeout bounds each send when the protocol config is silent.
	DefaultTimeout = 30 * time.Second
	// HealthTimeout bounds health check probes.
	HealthTimeout = 5 * time.Second
	// MaxRedirects caps redirect following per request.
	MaxRedirects = 5
)

// Connector sends templated JSON requests over a pooled HTTP client.
type Connector struct {
	tgt    *target.Target
	proto  target.HTTPProtocol
	client *http.Client

	mu        sync.Mutex
	connected bool
}

// New builds an HTTP connector for the target. The target must already be
// validated.
func New(tgt *target.Target) (*Connector, error) {
	proto, err := tgt.HTTPProtocol()
	if err != nil {
		return nil, err
	}
	return &Connector{tgt: tgt, proto: proto}, nil
}

// Connect builds the pooled client. It is idempotent and cheap; the first
// request establishes actual connections.
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
	c.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			return nil
		},
	}
	c.connected = true
	log.Debugf(ctx, "http connector ready: target=%s endpoint=%s", c.tgt.ID, c.tgt.Endpoint)
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

// SupportsStreaming reports false: responses arrive in one body.
func (c *Connector) SupportsStreaming() bool { return false }

// Send applies the request template, issues the request and extracts the
// reply via the response template.
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

	method := c.proto.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, joinURL(c.tgt.Endpoint, c.proto.Path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
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
		return nil, &connector.TransportError{Op: "http send", Err: err}
	}
	defer resp.Body.Close()
	raw, parseErr := decodeJSON(resp.Body)

	if resp.StatusCode >= 400 {
		upstream := &connector.UpstreamHTTPError{Status: resp.StatusCode}
		if parseErr == nil {
			if msg, ok := template.ExtractError(raw, c.tgt.Response); ok {
				upstream.Message = msg
			}
			if buf, err := json.Marshal(raw); err == nil {
				upstream.Body = string(buf)
			}
		}
		return nil, upstream
	}
	if parseErr != nil {
		return nil, fmt.Errorf("decode response body: %w", parseErr)
	}

	content, err := template.ExtractResponse(raw, c.tgt.Response)
	if err != nil {
		return nil, err
	}
	result := &connector.Result{Content: content, Raw: raw, Meta: map[string]any{"status": resp.StatusCode}}
	if tokens, ok := template.ExtractTokens(raw, c.tgt.Response); ok {
		result.Tokens = tokens
	}
	return result, nil
}

// HealthCheck probes the configured health path, or the origin root when
// none is set. Healthy means a 2xx within the health timeout.
func (c *Connector) HealthCheck(ctx context.Context) (*connector.Health, error) {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, connector.ErrNotConnected
	}

	probeURL := c.healthURL()
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
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
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		health.Error = fmt.Sprintf("health probe returned %d", resp.StatusCode)
		return health, nil
	}
	health.Healthy = true
	return health, nil
}

func (c *Connector) healthURL() string {
	if c.proto.HealthPath != "" {
		return joinURL(c.tgt.Endpoint, c.proto.HealthPath)
	}
	if u, err := url.Parse(c.tgt.Endpoint); err == nil {
		u.Path, u.RawQuery, u.Fragment = "/", "", ""
		return u.String()
	}
	return c.tgt.Endpoint
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

func decodeJSON(r io.Reader) (any, error) {
	var doc any
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
