package httpconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krawall/krawall/auth"
	"github.com/krawall/krawall/connector"
	"github.com/krawall/krawall/target"
	"github.com/krawall/krawall/template"
)

func chatTarget(endpoint string) *target.Target {
	return &target.Target{
		ID:       "t-http",
		Kind:     target.KindHTTP,
		Endpoint: endpoint,
		Auth:     auth.Config{Kind: auth.KindBearer, Token: "tok"},
		Request: &template.RequestTemplate{
			MessagePath: "messages.0.content",
			Structure: map[string]any{
				"model":    "x",
				"messages": []any{map[string]any{"role": "user", "content": ""}},
			},
		},
		Response: &template.ResponseTemplate{
			ResponsePath:   "choices.0.message.content",
			TokenUsagePath: "usage",
			ErrorPath:      "error.message",
		},
	}
}

func TestSend(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "hi"}}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`))
	}))
	defer srv.Close()

	c, err := New(chatTarget(srv.URL))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	res, err := c.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Content)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "hello", gotBody["messages"].([]any)[0].(map[string]any)["content"])
	assert.EqualValues(t, float64(2), res.Tokens.(map[string]any)["total_tokens"])
}

func TestSendBeforeConnect(t *testing.T) {
	c, err := New(chatTarget("http://127.0.0.1:0"))
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "hello", nil)
	require.ErrorIs(t, err, connector.ErrNotConnected)
	_, err = c.HealthCheck(context.Background())
	require.ErrorIs(t, err, connector.ErrNotConnected)
}

func TestSendUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	c, err := New(chatTarget(srv.URL))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	_, err = c.Send(context.Background(), "hello", nil)
	var upstream *connector.UpstreamHTTPError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusTooManyRequests, upstream.Status)
	assert.Equal(t, "rate limited", upstream.Message)
}

func TestSendResponseShapeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"totally": "different"}`))
	}))
	defer srv.Close()

	c, err := New(chatTarget(srv.URL))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	_, err = c.Send(context.Background(), "hello", nil)
	var shapeErr *template.ResponseShapeError
	require.ErrorAs(t, err, &shapeErr)
}

func TestSendUsesProtocolMethodAndPath(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer srv.Close()

	tgt := chatTarget(srv.URL)
	tgt.Protocol = map[string]any{"method": "PUT", "path": "/v2/chat"}
	c, err := New(tgt)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	_, err = c.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/v2/chat", gotPath)
}

func TestHealthCheck(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tgt := chatTarget(srv.URL)
	tgt.Protocol = map[string]any{"healthPath": "/healthz"}
	c, err := New(tgt)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	health, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, "/healthz", gotPath)
}

func TestHealthCheckUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(chatTarget(srv.URL))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	health, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, health.Healthy)
	assert.Contains(t, health.Error, "503")
}
