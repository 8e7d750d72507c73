package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"workflow-gateway/internal/telemetry"
)

// Config configures a daemon client.
type Config struct {
	BaseURL              string
	FallbackURL          string
	Timeout              time.Duration
	ProbeTimeout         time.Duration
	MaxRetries           int
	NativeTunnelPatterns []string
	// Dialect forces a dialect and skips probing when set.
	Dialect    Dialect
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one inference daemon, failing over to a fallback location once.
type Client struct {
	cfg       Config
	http      *http.Client
	endpoints *endpoints
	logger    *slog.Logger

	mu      sync.Mutex
	dialect Dialect
}

// NewClient builds a client. One client (and its connection pool) should be shared per daemon.
func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.FallbackURL = strings.TrimRight(cfg.FallbackURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	c := &Client{
		cfg:       cfg,
		http:      httpClient,
		endpoints: newEndpoints(cfg.BaseURL, cfg.FallbackURL),
		logger:    logger,
		dialect:   DialectUndetermined,
	}
	switch {
	case cfg.Dialect == DialectNative || cfg.Dialect == DialectOpenAI:
		c.dialect = cfg.Dialect
	case isNativeTunnel(cfg.BaseURL, cfg.NativeTunnelPatterns):
		c.dialect = DialectNative
	}
	return c
}

func isNativeTunnel(base string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(base, p) {
			return true
		}
	}
	return false
}

// BaseURL returns the location calls currently target.
func (c *Client) BaseURL() string { return c.endpoints.current() }

// UsingFallback reports whether the sticky switch to the fallback has happened.
func (c *Client) UsingFallback() bool { return c.endpoints.onFallback() }

// Dialect returns the confirmed dialect, or DialectUndetermined before the first probe.
func (c *Client) Dialect() Dialect {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialect
}

// Detect confirms the daemon is reachable and returns its dialect.
func (c *Client) Detect(ctx context.Context) (Dialect, error) {
	var d Dialect
	err := c.call(ctx, "detect", func(_ string, dialect Dialect) error {
		d = dialect
		return nil
	})
	return d, err
}

// call runs fn against the current location with the dialect confirmed,
// repointing at the fallback once on a connection-class failure.
func (c *Client) call(ctx context.Context, op string, fn func(base string, d Dialect) error) error {
	attempt := func(base string) error {
		d, err := c.ensureDialect(ctx, base)
		if err != nil {
			return err
		}
		return fn(base, d)
	}

	base := c.endpoints.current()
	err := attempt(base)
	if err == nil {
		c.endpoints.markHealthy()
		return nil
	}
	if !IsConnection(err) {
		return err
	}
	fallback, ok := c.endpoints.switchToFallback(base)
	if !ok {
		return err
	}
	telemetry.DaemonFailovers.Inc()
	c.logger.Warn("daemon unreachable, switching to fallback",
		slog.String("op", op),
		slog.String("primary", base),
		slog.String("fallback", fallback),
		slog.String("error", err.Error()),
	)
	if ferr := attempt(fallback); ferr != nil {
		return fmt.Errorf("tried %s and fallback %s: %w", base, fallback, ferr)
	}
	return nil
}

func (c *Client) ensureDialect(ctx context.Context, base string) (Dialect, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialect != DialectUndetermined {
		return c.dialect, nil
	}
	d, err := c.probe(ctx, base)
	if err != nil {
		return DialectUndetermined, err
	}
	c.dialect = d
	c.logger.Info("daemon dialect detected", slog.String("dialect", string(d)), slog.String("base_url", base))
	return d, nil
}

// probe tries the compatible list endpoint, then the native one on 404/403.
func (c *Client) probe(ctx context.Context, base string) (Dialect, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	status, err := c.probeStatus(ctx, base+"/v1/models")
	if err != nil {
		return DialectUndetermined, err
	}
	switch status {
	case http.StatusOK:
		return DialectOpenAI, nil
	case 530:
		return DialectUndetermined, &Error{Kind: KindTunnelDown, Op: "detect", URL: base}
	case http.StatusNotFound, http.StatusForbidden:
	default:
		return DialectUndetermined, &Error{Kind: KindProtocol, Op: "detect", URL: base + "/v1/models", Status: status}
	}

	fallbackStatus, err := c.probeStatus(ctx, base+"/api/tags")
	if err != nil {
		return DialectUndetermined, err
	}
	switch fallbackStatus {
	case http.StatusOK:
		return DialectNative, nil
	case 530:
		return DialectUndetermined, &Error{Kind: KindTunnelDown, Op: "detect", URL: base}
	}
	return DialectUndetermined, &Error{
		Kind:   KindProtocol,
		Op:     "detect",
		URL:    base,
		Status: fallbackStatus,
		Err:    fmt.Errorf("both endpoints failed: /v1/models (%d), /api/tags (%d)", status, fallbackStatus),
	}
}

func (c *Client) probeStatus(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, classifyTransport("detect", url, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	return resp.StatusCode, nil
}

// send performs one HTTP exchange and maps transport and status failures onto the taxonomy.
func (c *Client) send(ctx context.Context, op, method, url string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(op, url, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	if resp.StatusCode == 530 {
		return nil, &Error{Kind: KindTunnelDown, Op: op, URL: url}
	}
	return nil, &Error{Kind: KindProtocol, Op: op, URL: url, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

// open sends a request, retrying timeouts up to MaxRetries times with no delay.
// Only establishing the response is retried; the body belongs to the caller.
func (c *Client) open(ctx context.Context, op, method, url string, body []byte) (*http.Response, error) {
	attempts := c.cfg.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		resp, err := c.send(ctx, op, method, url, body)
		if err == nil {
			return resp, nil
		}
		if !IsTimeout(err) || attempt >= attempts || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("daemon request timed out, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", c.cfg.MaxRetries),
		)
	}
}

// exchange is open plus a full body read, with timeouts during the read retried as well.
func (c *Client) exchange(ctx context.Context, op, method, url string, body []byte) ([]byte, error) {
	attempts := c.cfg.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		resp, err := c.send(ctx, op, method, url, body)
		if err == nil {
			data, rerr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if rerr == nil {
				return data, nil
			}
			err = classifyTransport(op, url, rerr)
		}
		if !IsTimeout(err) || attempt >= attempts || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("daemon request timed out, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", c.cfg.MaxRetries),
		)
	}
}

func (c *Client) postJSON(ctx context.Context, op, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}
	data, err := c.exchange(ctx, op, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindProtocol, Op: op, URL: url, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Generate runs a non-streaming completion.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var out GenerateResponse
	err := c.call(ctx, "generate", func(base string, d Dialect) error {
		if d == DialectOpenAI {
			chat, err := c.chatOpenAI(ctx, base, chatFromGenerate(req))
			if err != nil {
				return err
			}
			out = GenerateResponse{Model: chat.Model, Response: chat.Message.Content, Done: true}
			return nil
		}
		url := base + "/api/generate"
		var reply nativeReply
		body := nativeGenerateBody{Model: req.Model, Prompt: req.Prompt, System: req.System, Images: req.Images, Options: req.Options}
		if err := c.postJSON(ctx, "generate", url, body, &reply); err != nil {
			return err
		}
		if reply.Error != "" {
			return &Error{Kind: KindProtocol, Op: "generate", URL: url, Err: errors.New(reply.Error)}
		}
		if reply.Response == nil {
			return &Error{Kind: KindProtocol, Op: "generate", URL: url, Err: errors.New("response missing \"response\" field")}
		}
		out = GenerateResponse{Model: reply.Model, Response: *reply.Response, Done: reply.Done}
		return nil
	})
	observe("generate", c.Dialect(), err)
	return out, err
}

// Chat runs a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var out ChatResponse
	err := c.call(ctx, "chat", func(base string, d Dialect) error {
		if d == DialectOpenAI {
			resp, err := c.chatOpenAI(ctx, base, req)
			out = resp
			return err
		}
		url := base + "/api/chat"
		var reply nativeReply
		if err := c.postJSON(ctx, "chat", url, nativeChat(req, false), &reply); err != nil {
			return err
		}
		if reply.Error != "" {
			return &Error{Kind: KindProtocol, Op: "chat", URL: url, Err: errors.New(reply.Error)}
		}
		if reply.Message == nil {
			return &Error{Kind: KindProtocol, Op: "chat", URL: url, Err: errors.New("response missing \"message\" field")}
		}
		out = ChatResponse{Model: reply.Model, Message: *reply.Message, Done: reply.Done}
		return nil
	})
	observe("chat", c.Dialect(), err)
	return out, err
}

func (c *Client) chatOpenAI(ctx context.Context, base string, req ChatRequest) (ChatResponse, error) {
	url := base + "/v1/chat/completions"
	var reply openAIChatReply
	if err := c.postJSON(ctx, "chat", url, openAIChat(req, false), &reply); err != nil {
		return ChatResponse{}, err
	}
	if len(reply.Choices) == 0 || reply.Choices[0].Message == nil {
		return ChatResponse{}, &Error{Kind: KindProtocol, Op: "chat", URL: url, Err: errors.New("response has no choices")}
	}
	msg := reply.Choices[0].Message
	role := msg.Role
	if role == "" {
		role = "assistant"
	}
	model := reply.Model
	if model == "" {
		model = req.Model
	}
	return ChatResponse{Model: model, Message: Message{Role: role, Content: msg.Content}, Done: true}, nil
}

// StreamGenerate streams a completion, calling fn for each chunk.
// The final chunk always has Done set.
func (c *Client) StreamGenerate(ctx context.Context, req GenerateRequest, fn func(Chunk) error) error {
	err := c.call(ctx, "generate", func(base string, d Dialect) error {
		if d == DialectOpenAI {
			return c.streamOpenAI(ctx, base, chatFromGenerate(req), fn)
		}
		body := nativeGenerateBody{Model: req.Model, Prompt: req.Prompt, System: req.System, Images: req.Images, Stream: true, Options: req.Options}
		return c.streamNative(ctx, "generate", base+"/api/generate", body, fn)
	})
	observe("stream_generate", c.Dialect(), err)
	return err
}

// StreamChat streams a chat completion, calling fn for each chunk.
// The final chunk always has Done set.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, fn func(Chunk) error) error {
	err := c.call(ctx, "chat", func(base string, d Dialect) error {
		if d == DialectOpenAI {
			return c.streamOpenAI(ctx, base, req, fn)
		}
		return c.streamNative(ctx, "chat", base+"/api/chat", nativeChat(req, true), fn)
	})
	observe("stream_chat", c.Dialect(), err)
	return err
}

func (c *Client) streamNative(ctx context.Context, op, url string, payload any, fn func(Chunk) error) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}
	resp, err := c.open(ctx, op, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := readNativeStream(resp.Body, fn); err != nil {
		return streamError(op, url, err)
	}
	return nil
}

func (c *Client) streamOpenAI(ctx context.Context, base string, req ChatRequest, fn func(Chunk) error) error {
	url := base + "/v1/chat/completions"
	body, err := json.Marshal(openAIChat(req, true))
	if err != nil {
		return fmt.Errorf("chat: marshal request: %w", err)
	}
	resp, err := c.open(ctx, "chat", http.MethodPost, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := readSSEStream(resp.Body, req.Model, fn); err != nil {
		return streamError("chat", url, err)
	}
	return nil
}

// ListModels lists the models installed on the daemon.
func (c *Client) ListModels(ctx context.Context) ([]RemoteModel, error) {
	var out []RemoteModel
	err := c.call(ctx, "list_models", func(base string, d Dialect) error {
		if d == DialectOpenAI {
			url := base + "/v1/models"
			data, err := c.exchange(ctx, "list_models", http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			models, err := decodeOpenAIModels(data)
			if err != nil {
				return &Error{Kind: KindProtocol, Op: "list_models", URL: url, Err: err}
			}
			out = models
			return nil
		}
		url := base + "/api/tags"
		data, err := c.exchange(ctx, "list_models", http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		var tags nativeTags
		if err := json.Unmarshal(data, &tags); err != nil {
			return &Error{Kind: KindProtocol, Op: "list_models", URL: url, Err: fmt.Errorf("decode response: %w", err)}
		}
		out = tags.Models
		return nil
	})
	if out == nil {
		out = []RemoteModel{}
	}
	return out, err
}

func decodeOpenAIModels(data []byte) ([]RemoteModel, error) {
	var list []openAIModel
	if err := json.Unmarshal(data, &list); err != nil {
		var wrapped struct {
			Data []openAIModel `json:"data"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		list = wrapped.Data
	}
	out := make([]RemoteModel, 0, len(list))
	for _, m := range list {
		name := m.ID
		if name == "" {
			name = m.Name
		}
		out = append(out, RemoteModel{Name: name, Model: name})
	}
	return out, nil
}

// Pull downloads a model onto a native daemon, reporting each status line to fn.
func (c *Client) Pull(ctx context.Context, name string, fn func(status string)) error {
	return c.call(ctx, "pull", func(base string, d Dialect) error {
		url := base + "/api/pull"
		if d != DialectNative {
			return &Error{Kind: KindProtocol, Op: "pull", URL: url, Err: errors.New("model pull requires the native dialect")}
		}
		body, err := json.Marshal(map[string]any{"name": name, "stream": true})
		if err != nil {
			return fmt.Errorf("pull: marshal request: %w", err)
		}
		resp, err := c.open(ctx, "pull", http.MethodPost, url, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := readStatusStream(resp.Body, fn); err != nil {
			return streamError("pull", url, err)
		}
		return nil
	})
}

// Forward sends a raw native-dialect request body to path and returns the open response.
// Non-200 replies come back as *Error with the upstream status and body snippet.
func (c *Client) Forward(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var resp *http.Response
	err := c.call(ctx, "forward", func(base string, _ Dialect) error {
		r, err := c.open(ctx, "forward", method, base+path, body)
		resp = r
		return err
	})
	return resp, err
}

// streamError classifies a failure that happened after the response was established.
// Errors returned by the chunk callback pass through untouched; a broken body is a
// protocol failure so the call is not replayed against the fallback mid-stream.
func streamError(op, url string, err error) error {
	var cb *callbackError
	if errors.As(err, &cb) {
		return cb.err
	}
	var ie *Error
	if errors.As(err, &ie) {
		if ie.Op == "" {
			ie.Op = op
		}
		if ie.URL == "" {
			ie.URL = url
		}
		return ie
	}
	classified := classifyTransport(op, url, err)
	if IsTimeout(classified) {
		return classified
	}
	return &Error{Kind: KindProtocol, Op: op, URL: url, Err: fmt.Errorf("stream interrupted: %w", err)}
}

func observe(op string, d Dialect, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if k, ok := KindOf(err); ok {
			outcome = k.String()
		}
	}
	telemetry.DaemonCalls.WithLabelValues(op, string(d), outcome).Inc()
}
