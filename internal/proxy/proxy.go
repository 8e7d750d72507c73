// Package proxy relays native-dialect requests to the inference daemon,
// translating them when the daemon only speaks the compatible dialect.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"workflow-gateway/internal/inference"
	"workflow-gateway/internal/modelmgr"
)

const maxBodyBytes = 32 << 20

// Daemon is the client surface the proxy drives.
type Daemon interface {
	Detect(ctx context.Context) (inference.Dialect, error)
	ListModels(ctx context.Context) ([]inference.RemoteModel, error)
	Chat(ctx context.Context, req inference.ChatRequest) (inference.ChatResponse, error)
	StreamChat(ctx context.Context, req inference.ChatRequest, fn func(inference.Chunk) error) error
	Generate(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResponse, error)
	StreamGenerate(ctx context.Context, req inference.GenerateRequest, fn func(inference.Chunk) error) error
	Forward(ctx context.Context, method, path string, body []byte) (*http.Response, error)
}

// Proxy serves the native pass-through routes.
type Proxy struct {
	daemon Daemon
	logger *slog.Logger
}

func New(d Daemon, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{daemon: d, logger: logger}
}

// ModelList is the native /api/tags shape, returned for both dialects.
type ModelList struct {
	Models []inference.RemoteModel `json:"models"`
}

// Models writes the installed model list.
func (p *Proxy) Models(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	models, err := p.daemon.ListModels(r.Context())
	if err != nil {
		p.logger.Error("list models", slog.String("error", err.Error()), slog.Duration("elapsed", time.Since(start)))
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ModelList{Models: models})
}

// Chat runs a typed chat completion against the daemon without catalogue resolution.
func (p *Proxy) Chat(ctx context.Context, req inference.ChatRequest) (inference.ChatResponse, error) {
	return p.daemon.Chat(ctx, req)
}

// chatBody is the native /api/chat request.
type chatBody struct {
	Model    string              `json:"model"`
	Messages []inference.Message `json:"messages"`
	Stream   *bool               `json:"stream"`
	Options  inference.Options   `json:"options"`
}

// generateBody is the native /api/generate request.
type generateBody struct {
	Model   string            `json:"model"`
	Prompt  string            `json:"prompt"`
	System  string            `json:"system"`
	Images  []string          `json:"images"`
	Stream  *bool             `json:"stream"`
	Options inference.Options `json:"options"`
}

// ForwardChat relays POST /api/chat.
func (p *Proxy) ForwardChat(w http.ResponseWriter, r *http.Request) {
	body, stream, ok := readBody(w, r)
	if !ok {
		return
	}
	p.forward(w, r, "/api/chat", body, stream, func(ctx context.Context, enc *ndjson) error {
		var in chatBody
		if err := json.Unmarshal(body, &in); err != nil {
			return badRequest(err)
		}
		req := inference.ChatRequest{Model: in.Model, Messages: in.Messages, Options: in.Options}
		if !stream {
			resp, err := p.daemon.Chat(ctx, req)
			if err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, nativeChatLine(resp.Model, resp.Message.Content, true))
			return nil
		}
		return p.daemon.StreamChat(ctx, req, func(c inference.Chunk) error {
			model := c.Model
			if model == "" {
				model = in.Model
			}
			return enc.line(nativeChatLine(model, c.Content, c.Done))
		})
	})
}

// ForwardGenerate relays POST /api/generate.
func (p *Proxy) ForwardGenerate(w http.ResponseWriter, r *http.Request) {
	body, stream, ok := readBody(w, r)
	if !ok {
		return
	}
	p.forward(w, r, "/api/generate", body, stream, func(ctx context.Context, enc *ndjson) error {
		var in generateBody
		if err := json.Unmarshal(body, &in); err != nil {
			return badRequest(err)
		}
		req := inference.GenerateRequest{Model: in.Model, Prompt: in.Prompt, System: in.System, Images: in.Images, Options: in.Options}
		if !stream {
			resp, err := p.daemon.Generate(ctx, req)
			if err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, nativeGenerateLine(resp.Model, resp.Response, true))
			return nil
		}
		return p.daemon.StreamGenerate(ctx, req, func(c inference.Chunk) error {
			model := c.Model
			if model == "" {
				model = in.Model
			}
			return enc.line(nativeGenerateLine(model, c.Content, c.Done))
		})
	})
}

// forward sends body verbatim to a native daemon, or hands it to translate
// when the daemon speaks the compatible dialect.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, path string, body []byte, stream bool,
	translate func(ctx context.Context, enc *ndjson) error) {
	ctx := r.Context()
	start := time.Now()
	log := p.logger.With(slog.String("path", path), slog.Bool("stream", stream))

	dialect, err := p.daemon.Detect(ctx)
	if err != nil {
		log.Error("daemon unreachable", slog.String("error", err.Error()))
		WriteError(w, err)
		return
	}

	if dialect == inference.DialectOpenAI {
		enc := newNDJSON(w)
		if err := translate(ctx, enc); err != nil {
			log.Error("translated call failed", slog.String("error", err.Error()))
			if enc.started {
				_ = enc.line(map[string]string{"error": err.Error()})
				return
			}
			WriteError(w, err)
			return
		}
		log.Info("translated call completed", slog.Duration("elapsed", time.Since(start)))
		return
	}

	resp, err := p.daemon.Forward(ctx, http.MethodPost, path, body)
	if err != nil {
		log.Error("forward failed", slog.String("error", err.Error()), slog.Duration("elapsed", time.Since(start)))
		WriteError(w, err)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if err := copyFlushing(w, resp.Body, stream); err != nil {
		log.Warn("relay interrupted", slog.String("error", err.Error()))
		return
	}
	log.Info("forward completed", slog.Int("status", resp.StatusCode), slog.Duration("elapsed", time.Since(start)))
}

// readBody reads the request and pins "stream" to an explicit value.
// An absent flag means a single JSON reply.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, badRequest(err))
		return nil, false, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		WriteError(w, badRequest(err))
		return nil, false, false
	}
	stream := false
	if v, ok := fields["stream"]; ok {
		if err := json.Unmarshal(v, &stream); err != nil {
			WriteError(w, badRequest(fmt.Errorf("stream must be a boolean")))
			return nil, false, false
		}
		return raw, stream, true
	}
	fields["stream"] = json.RawMessage("false")
	pinned, err := json.Marshal(fields)
	if err != nil {
		WriteError(w, badRequest(err))
		return nil, false, false
	}
	return pinned, false, true
}

func copyFlushing(w http.ResponseWriter, r io.Reader, flush bool) error {
	flusher, canFlush := w.(http.Flusher)
	if !flush || !canFlush {
		_, err := io.Copy(w, r)
		return err
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			flusher.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

type ndjson struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newNDJSON(w http.ResponseWriter) *ndjson {
	f, _ := w.(http.Flusher)
	return &ndjson{w: w, flusher: f}
}

func (n *ndjson) line(v any) error {
	if !n.started {
		n.w.Header().Set("Content-Type", "application/x-ndjson")
		n.w.WriteHeader(http.StatusOK)
		n.started = true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(append(data, '\n')); err != nil {
		return err
	}
	if n.flusher != nil {
		n.flusher.Flush()
	}
	return nil
}

func nativeChatLine(model, content string, done bool) map[string]any {
	return map[string]any{
		"model":      model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"message":    inference.Message{Role: "assistant", Content: content},
		"done":       done,
	}
}

func nativeGenerateLine(model, response string, done bool) map[string]any {
	return map[string]any{
		"model":      model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"response":   response,
		"done":       done,
	}
}

// errBadRequest marks caller mistakes in the request body.
var errBadRequest = errors.New("invalid request body")

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", errBadRequest, err)
}

// StatusFor maps an error onto the HTTP status the gateway reports.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, modelmgr.ErrUnknownModel),
		errors.Is(err, modelmgr.ErrImagesUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var ie *inference.Error
	if !errors.As(err, &ie) {
		return http.StatusInternalServerError
	}
	switch ie.Kind {
	case inference.KindTimeout:
		return http.StatusGatewayTimeout
	case inference.KindUnavailable, inference.KindTunnelDown:
		return http.StatusServiceUnavailable
	case inference.KindProtocol:
		if ie.Status >= 400 && ie.Status != 530 {
			return ie.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// WriteError writes err as {"error": "..."} with the mapped status.
func WriteError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
