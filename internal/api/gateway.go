// Package api serves the public inference gateway and the worker job API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"workflow-gateway/internal/config"
	"workflow-gateway/internal/inference"
	"workflow-gateway/internal/modelmgr"
	"workflow-gateway/internal/proxy"
	"workflow-gateway/internal/telemetry"
)

const (
	defaultMaxTokens = 2048
	maxMaxTokens     = 32768
)

// ModelService runs catalogue-resolved completions.
type ModelService interface {
	Healthy() bool
	Available() []modelmgr.ModelSpec
	Generate(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResponse, error)
	StreamGenerate(ctx context.Context, req inference.GenerateRequest, fn func(inference.Chunk) error) error
}

// DaemonStatus reports where daemon calls currently go.
type DaemonStatus interface {
	BaseURL() string
	UsingFallback() bool
	Dialect() inference.Dialect
}

// Gateway wires the public inference routes.
type Gateway struct {
	cfg     config.Config
	proxy   *proxy.Proxy
	models  ModelService
	daemon  DaemonStatus
	limiter func(http.Handler) http.Handler
	logger  *slog.Logger
}

// NewGateway constructs the gateway server.
func NewGateway(cfg config.Config, px *proxy.Proxy, models ModelService, daemon DaemonStatus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cfg: cfg, proxy: px, models: models, daemon: daemon, logger: logger}
}

// WithRateLimit applies mw to every authenticated route.
func (g *Gateway) WithRateLimit(mw func(http.Handler) http.Handler) *Gateway {
	g.limiter = mw
	return g
}

// Router builds the HTTP router. Health, metrics and model listings are public.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, requestMetrics)

	r.Get("/health", g.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	// Listings are public; everything in the group below needs the bearer key.
	r.Get("/models", g.proxy.Models)
	r.Get("/api/tags", g.proxy.Models)
	r.Get("/catalogue", g.handleCatalogue)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(g.cfg.GatewayAPIKey))
		if g.limiter != nil {
			r.Use(g.limiter)
		}
		r.Post("/completions", g.handleCompletion)
		r.Post("/stream", g.handleStream)
		r.Post("/chat", g.proxy.ForwardChat)
		r.Post("/api/chat", g.proxy.ForwardChat)
		r.Post("/api/generate", g.proxy.ForwardGenerate)
		r.Post("/chat/completions", g.handleChatCompletion)
	})
	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "workflow-gateway",
		"daemon_healthy": g.models.Healthy(),
		"daemon_url":     g.daemon.BaseURL(),
		"fallback":       g.daemon.UsingFallback(),
		"dialect":        g.daemon.Dialect(),
	})
}

func (g *Gateway) handleCatalogue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": g.models.Available()})
}

type completionRequest struct {
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
	Stream       bool     `json:"stream"`
}

type chatCompletionRequest struct {
	Model       string              `json:"model"`
	Messages    []inference.Message `json:"messages"`
	Temperature *float64            `json:"temperature"`
	MaxTokens   *int                `json:"max_tokens"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionChoice struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   usage              `json:"usage"`
}

type chatChoice struct {
	Index        int               `json:"index"`
	Message      inference.Message `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   usage        `json:"usage"`
}

// samplingOptions validates the request's sampling fields into options.
func samplingOptions(temp *float64, maxTokens *int) (inference.Options, error) {
	opts := inference.Options{Temperature: temp, NumPredict: inference.Int(defaultMaxTokens)}
	if temp != nil && (*temp < 0 || *temp > 2) {
		return opts, fmt.Errorf("temperature must be between 0 and 2")
	}
	if maxTokens != nil {
		if *maxTokens < 1 || *maxTokens > maxMaxTokens {
			return opts, fmt.Errorf("max_tokens must be between 1 and %d", maxMaxTokens)
		}
		opts.NumPredict = maxTokens
	}
	return opts, nil
}

func (g *Gateway) decodeCompletion(w http.ResponseWriter, r *http.Request) (inference.GenerateRequest, bool) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return inference.GenerateRequest{}, false
	}
	if req.Model == "" || strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "model and prompt are required")
		return inference.GenerateRequest{}, false
	}
	opts, err := samplingOptions(req.Temperature, req.MaxTokens)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return inference.GenerateRequest{}, false
	}
	return inference.GenerateRequest{Model: req.Model, Prompt: req.Prompt, System: req.SystemPrompt, Options: opts}, true
}

func (g *Gateway) handleCompletion(w http.ResponseWriter, r *http.Request) {
	req, ok := g.decodeCompletion(w, r)
	if !ok {
		return
	}
	resp, err := g.models.Generate(r.Context(), req)
	if err != nil {
		g.logger.Error("completion failed", slog.String("model", req.Model), slog.String("error", err.Error()))
		proxy.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []completionChoice{{Text: resp.Response}},
	})
}

// handleStream emits each chunk as an SSE data event. Errors after the
// stream opens are sent as a final {"error": ...} event.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := g.decodeCompletion(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	event := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	err := g.models.StreamGenerate(r.Context(), req, func(c inference.Chunk) error {
		return event(c)
	})
	if err != nil {
		g.logger.Error("stream failed", slog.String("model", req.Model), slog.String("error", err.Error()))
		_ = event(map[string]string{"error": err.Error()})
	}
}

func (g *Gateway) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return
	}
	opts, err := samplingOptions(req.Temperature, req.MaxTokens)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := g.proxy.Chat(r.Context(), inference.ChatRequest{Model: req.Model, Messages: req.Messages, Options: opts})
	if err != nil {
		g.logger.Error("chat completion failed", slog.String("model", req.Model), slog.String("error", err.Error()))
		proxy.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      inference.Message{Role: "assistant", Content: resp.Message.Content},
			FinishReason: "stop",
		}},
	})
}
