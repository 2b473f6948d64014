package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krawall/krawall/auth"
	"github.com/krawall/krawall/connector"
	"github.com/krawall/krawall/target"
	"github.com/krawall/krawall/template"
)

func wsTarget(endpoint string, proto map[string]any) *target.Target {
	return &target.Target{
		ID:       "t-ws",
		Kind:     target.KindWebSocket,
		Endpoint: endpoint,
		Request: &template.RequestTemplate{
			MessagePath: "message",
			Structure:   map[string]any{"message": ""},
		},
		Response: &template.ResponseTemplate{ResponsePath: "reply"},
		Protocol: proto,
	}
}

// serveWS starts a test server that hands each accepted connection to fn.
func serveWS(t *testing.T, fn func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fn(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echo reads request frames and answers each with {"reply": <message>}.
func echo(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		resp, _ := json.Marshal(map[string]any{"reply": req["message"]})
		if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
			return
		}
	}
}

func TestSendEcho(t *testing.T) {
	srv := serveWS(t, echo)
	c, err := New(wsTarget(wsURL(srv), nil))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Disconnect(context.Background()) }()

	res, err := c.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, StateOpen, c.State())
}

func TestSendBeforeConnect(t *testing.T) {
	c, err := New(wsTarget("ws://127.0.0.1:0", nil))
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "hello", nil)
	require.ErrorIs(t, err, connector.ErrNotConnected)
	_, err = c.HealthCheck(context.Background())
	require.ErrorIs(t, err, connector.ErrNotConnected)
}

func TestPositionalCorrelation(t *testing.T) {
	// The server buffers all requests, then answers them in arrival order.
	// Positional correlation means each send must still observe the reply
	// derived from its own request.
	const n = 5
	srv := serveWS(t, func(ctx context.Context, conn *websocket.Conn) {
		var received []map[string]any
		for len(received) < n {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req map[string]any
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			received = append(received, req)
		}
		for _, req := range received {
			resp, _ := json.Marshal(map[string]any{"reply": req["message"]})
			if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
				return
			}
		}
	})

	c, err := New(wsTarget(wsURL(srv), nil))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Disconnect(context.Background()) }()

	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	msgs := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Send(context.Background(), msgs[i], nil)
			errs[i] = err
			if err == nil {
				results[i] = res.Content
			}
		}(i)
		time.Sleep(20 * time.Millisecond) // enforce a deterministic send order
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, msgs[i], results[i])
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := serveWS(t, func(ctx context.Context, conn *websocket.Conn) {
		// Swallow requests without answering.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	c, err := New(wsTarget(wsURL(srv), map[string]any{"requestTimeoutMs": float64(100)}))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Disconnect(context.Background()) }()

	_, err = c.Send(context.Background(), "hello", nil)
	require.ErrorIs(t, err, connector.ErrRequestTimeout)

	c.mu.Lock()
	queued := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, queued, "timed out request must leave the queue")
}

func TestUnparseableFramesAreDropped(t *testing.T) {
	srv := serveWS(t, func(ctx context.Context, conn *websocket.Conn) {
		// Protocol noise between the request and the real response: the
		// pong frame and the garbage must not complete the pending send.
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			_ = conn.Write(ctx, websocket.MessageText, []byte("3"))
			_ = conn.Write(ctx, websocket.MessageText, []byte("not json"))
			var req map[string]any
			if json.Unmarshal(data, &req) != nil {
				continue
			}
			resp, _ := json.Marshal(map[string]any{"reply": req["message"]})
			if conn.Write(ctx, websocket.MessageText, resp) != nil {
				return
			}
		}
	})

	c, err := New(wsTarget(wsURL(srv), nil))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Disconnect(context.Background()) }()

	res, err := c.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
}

func TestServerCloseFailsPendingAndReconnects(t *testing.T) {
	var mu sync.Mutex
	accepts := 0
	srv := serveWS(t, func(ctx context.Context, conn *websocket.Conn) {
		mu.Lock()
		accepts++
		first := accepts == 1
		mu.Unlock()
		if first {
			_ = conn.Close(websocket.StatusInternalError, "going away")
			return
		}
		echo(ctx, conn)
	})

	c, err := New(wsTarget(wsURL(srv), map[string]any{"maxReconnects": float64(1)}))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Disconnect(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.State() == StateOpen && connCount(&mu, &accepts) == 2
	}, 5*time.Second, 25*time.Millisecond, "connector should reconnect once")

	res, err := c.Send(context.Background(), "after", nil)
	require.NoError(t, err)
	assert.Equal(t, "after", res.Content)
}

func connCount(mu *sync.Mutex, n *int) int {
	mu.Lock()
	defer mu.Unlock()
	return *n
}

func TestNoReconnectStaysClosed(t *testing.T) {
	srv := serveWS(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusInternalError, "going away")
	})

	closed := make(chan error, 1)
	c, err := New(wsTarget(wsURL(srv), map[string]any{"noReconnect": true}))
	require.NoError(t, err)
	c.SetCloseHandler(func(err error) { closed <- err })
	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("close handler not invoked")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Connected())
}

func TestHealthCheckPing(t *testing.T) {
	srv := serveWS(t, echo)
	c, err := New(wsTarget(wsURL(srv), nil))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Disconnect(context.Background()) }()

	health, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
}

func TestFrameHandlerReceivesAllFrames(t *testing.T) {
	srv := serveWS(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte("0{\"sid\":\"abc\"}"))
		_ = conn.Write(ctx, websocket.MessageText, []byte("42[\"message\",{\"ok\":true}]"))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	c, err := New(wsTarget(wsURL(srv), nil))
	require.NoError(t, err)

	var mu sync.Mutex
	var frames []string
	c.SetFrameHandler(func(data []byte) {
		mu.Lock()
		frames = append(frames, string(data))
		mu.Unlock()
	})
	require.NoError(t, c.Connect(context.Background()))
	defer func() { _ = c.Disconnect(context.Background()) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 2
	}, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "0{\"sid\":\"abc\"}", frames[0])
	assert.Equal(t, "42[\"message\",{\"ok\":true}]", frames[1])
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{step: 2 * time.Second}
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, 6*time.Second, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 2*time.Second, b.NextBackOff())
}

func TestQueryAuthFallbackURL(t *testing.T) {
	got, err := withQuery("wss://bot.example.com/ws?x=1", mustQuery(t))
	require.NoError(t, err)
	assert.Contains(t, got, "token=tok")
	assert.Contains(t, got, "x=1")
}

func mustQuery(t *testing.T) map[string][]string {
	t.Helper()
	qs, ok := auth.QueryParams(auth.Config{Kind: auth.KindBearer, Token: "tok"})
	require.True(t, ok)
	return qs
}
