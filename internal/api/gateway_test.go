package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-gateway/internal/config"
	"workflow-gateway/internal/inference"
	"workflow-gateway/internal/modelmgr"
	"workflow-gateway/internal/proxy"
	"workflow-gateway/internal/ratelimit"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeModels struct {
	mu        sync.Mutex
	generates []inference.GenerateRequest
	err       error
	streamErr error
}

func (f *fakeModels) Healthy() bool { return true }

func (f *fakeModels) Available() []modelmgr.ModelSpec {
	return []modelmgr.ModelSpec{{ID: "qwen2_5_7b", Name: "qwen2.5:7b", Temperature: 0.7, TopP: 0.9, ContextWindow: 32768}}
}

func (f *fakeModels) Generate(_ context.Context, req inference.GenerateRequest) (inference.GenerateResponse, error) {
	f.mu.Lock()
	f.generates = append(f.generates, req)
	f.mu.Unlock()
	if f.err != nil {
		return inference.GenerateResponse{}, f.err
	}
	return inference.GenerateResponse{Model: req.Model, Response: "completed text", Done: true}, nil
}

func (f *fakeModels) StreamGenerate(_ context.Context, req inference.GenerateRequest, fn func(inference.Chunk) error) error {
	for _, part := range []string{"one ", "two"} {
		if err := fn(inference.Chunk{Model: req.Model, Content: part}); err != nil {
			return err
		}
	}
	if f.streamErr != nil {
		return f.streamErr
	}
	return fn(inference.Chunk{Model: req.Model, Done: true})
}

func nativeChatDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", http.NotFound)
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"qwen2.5:7b"}]}`)
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model    string              `json:"model"`
			Messages []inference.Message `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		last := body.Messages[len(body.Messages)-1]
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   body.Model,
			"message": map[string]string{"role": "assistant", "content": "echo: " + last.Content},
			"done":    true,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newGateway(t *testing.T, cfg config.Config, models *fakeModels) (*Gateway, *inference.Client) {
	t.Helper()
	client := inference.NewClient(inference.Config{BaseURL: nativeChatDaemon(t).URL, Logger: quiet()})
	return NewGateway(cfg, proxy.New(client, quiet()), models, client, quiet()), client
}

func do(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestGatewayHealthIsPublic(t *testing.T) {
	g, _ := newGateway(t, config.Config{GatewayAPIKey: "secret"}, &fakeModels{})
	rr := do(g.Router(), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["daemon_healthy"])
	assert.Equal(t, false, body["fallback"])

	rr = do(g.Router(), http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGatewayListingsArePublic(t *testing.T) {
	g, _ := newGateway(t, config.Config{GatewayAPIKey: "secret"}, &fakeModels{})
	router := g.Router()

	for _, path := range []string{"/models", "/api/tags", "/catalogue"} {
		rr := do(router, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}

func TestGatewayRequiresBearerKey(t *testing.T) {
	g, _ := newGateway(t, config.Config{GatewayAPIKey: "secret"}, &fakeModels{})
	router := g.Router()
	body := `{"model":"qwen2_5_7b","prompt":"hello"}`

	rr := do(router, http.MethodPost, "/completions", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "API key required")

	rr = do(router, http.MethodPost, "/completions", body, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Invalid API key")

	rr = do(router, http.MethodPost, "/completions", body, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCompletionUsesModelService(t *testing.T) {
	models := &fakeModels{}
	g, _ := newGateway(t, config.Config{}, models)

	rr := do(g.Router(), http.MethodPost, "/completions",
		`{"model":"qwen2_5_7b","prompt":"hello","system_prompt":"be brief","max_tokens":64}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp completionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "cmpl-"))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "completed text", resp.Choices[0].Text)

	require.Len(t, models.generates, 1)
	got := models.generates[0]
	assert.Equal(t, "be brief", got.System)
	assert.Nil(t, got.Options.Temperature, "unset temperature falls through to model defaults")
	assert.Equal(t, 64, *got.Options.NumPredict)
}

func TestCompletionValidation(t *testing.T) {
	g, _ := newGateway(t, config.Config{}, &fakeModels{})
	router := g.Router()

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/completions", `{bad`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/completions", `{"model":"m"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/completions", `{"model":"m","prompt":"p","temperature":3}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/completions", `{"model":"m","prompt":"p","max_tokens":0}`, nil).Code)
}

func TestCompletionErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"unknown model": {fmt.Errorf("%w: %q", modelmgr.ErrUnknownModel, "gpt-9"), http.StatusBadRequest},
		"timeout":       {&inference.Error{Kind: inference.KindTimeout, URL: "http://d"}, http.StatusGatewayTimeout},
		"unavailable":   {&inference.Error{Kind: inference.KindUnavailable, URL: "http://d"}, http.StatusServiceUnavailable},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			g, _ := newGateway(t, config.Config{}, &fakeModels{err: c.err})
			rr := do(g.Router(), http.MethodPost, "/completions", `{"model":"m","prompt":"p"}`, nil)
			assert.Equal(t, c.want, rr.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &m))
		out = append(out, m)
	}
	return out
}

func TestStreamEmitsSSE(t *testing.T) {
	g, _ := newGateway(t, config.Config{}, &fakeModels{})
	rr := do(g.Router(), http.MethodPost, "/stream", `{"model":"qwen2_5_7b","prompt":"count"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	events := sseEvents(t, rr.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "one ", events[0]["content"])
	assert.Equal(t, "two", events[1]["content"])
	assert.Equal(t, true, events[2]["done"])
}

func TestStreamErrorBecomesFinalEvent(t *testing.T) {
	g, _ := newGateway(t, config.Config{}, &fakeModels{streamErr: errors.New("stream interrupted")})
	rr := do(g.Router(), http.MethodPost, "/stream", `{"model":"qwen2_5_7b","prompt":"count"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	events := sseEvents(t, rr.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "stream interrupted", events[2]["error"])
}

func TestChatCompletionsShape(t *testing.T) {
	g, _ := newGateway(t, config.Config{}, &fakeModels{})
	rr := do(g.Router(), http.MethodPost, "/chat/completions",
		`{"model":"qwen2.5:7b","messages":[{"role":"user","content":"ping"}],"temperature":0.3}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "echo: ping", resp.Choices[0].Message.Content)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)

	rr = do(g.Router(), http.MethodPost, "/chat/completions", `{"model":"qwen2.5:7b","messages":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProxyRoutesAreMounted(t *testing.T) {
	g, _ := newGateway(t, config.Config{}, &fakeModels{})
	router := g.Router()

	rr := do(router, http.MethodGet, "/api/tags", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "qwen2.5:7b")

	rr = do(router, http.MethodPost, "/chat", `{"model":"qwen2.5:7b","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "echo: hi")

	rr = do(router, http.MethodGet, "/catalogue", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "qwen2_5_7b")
}

func TestGatewayRateLimitPerTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute)

	g, _ := newGateway(t, config.Config{}, &fakeModels{})
	router := g.WithRateLimit(limiter.Middleware(quiet())).Router()
	body := `{"model":"qwen2_5_7b","prompt":"hello"}`

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/completions", body, map[string]string{"X-Tenant-ID": "a"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(router, http.MethodPost, "/completions", body, map[string]string{"X-Tenant-ID": "a"}).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/completions", body, map[string]string{"X-Tenant-ID": "b"}).Code)

	// health stays outside the limiter
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/health", "", map[string]string{"X-Tenant-ID": "a"}).Code)
}
