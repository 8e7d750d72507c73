// Package modelmgr resolves logical model ids and applies per-model sampling defaults.
package modelmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"workflow-gateway/internal/inference"
)

// ErrUnknownModel is returned when a model is neither a catalogue id nor an engine name.
var ErrUnknownModel = errors.New("model not configured")

// ErrImagesUnsupported is returned when images are sent to a text-only model.
var ErrImagesUnsupported = errors.New("model does not accept images")

// Daemon is the subset of the inference client the manager drives.
type Daemon interface {
	Detect(ctx context.Context) (inference.Dialect, error)
	ListModels(ctx context.Context) ([]inference.RemoteModel, error)
	Pull(ctx context.Context, name string, fn func(status string)) error
	Generate(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResponse, error)
	StreamGenerate(ctx context.Context, req inference.GenerateRequest, fn func(inference.Chunk) error) error
	Chat(ctx context.Context, req inference.ChatRequest) (inference.ChatResponse, error)
	StreamChat(ctx context.Context, req inference.ChatRequest, fn func(inference.Chunk) error) error
}

// Config tunes a Manager.
type Config struct {
	PullMissing       bool
	ImageMaxDimension int
	Logger            *slog.Logger
}

// Manager fronts one daemon with a model catalogue.
type Manager struct {
	daemon Daemon
	models Catalogue
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	healthy   bool
	installed map[string]bool
}

// New builds a manager. Nothing touches the network until Init or the first call.
func New(daemon Daemon, models Catalogue, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(models) == 0 {
		models = DefaultCatalogue()
	}
	return &Manager{daemon: daemon, models: models, cfg: cfg, logger: logger}
}

// Init probes the daemon and, when asked to, pulls catalogue models it lacks.
// A failed probe is logged and swallowed: the manager still serves, and each
// call fails on its own until the daemon is reachable.
func (m *Manager) Init(ctx context.Context) error {
	dialect, err := m.daemon.Detect(ctx)
	if err != nil {
		m.logger.Warn("daemon health check failed; model calls will fail until it is reachable",
			slog.String("error", err.Error()))
		return nil
	}
	m.logger.Info("daemon reachable", slog.String("dialect", string(dialect)))

	remote, err := m.daemon.ListModels(ctx)
	if err != nil {
		m.logger.Warn("list installed models failed", slog.String("error", err.Error()))
		m.setHealth(true, nil)
		return nil
	}
	installed := make(map[string]bool, len(remote))
	for _, r := range remote {
		installed[r.Name] = true
	}
	m.setHealth(true, installed)

	for _, id := range m.models.IDs() {
		spec := m.models[id]
		if installed[spec.Name] {
			continue
		}
		if !m.cfg.PullMissing || dialect != inference.DialectNative {
			m.logger.Warn("configured model not installed", slog.String("model", spec.Name))
			continue
		}
		m.logger.Info("pulling model", slog.String("model", spec.Name))
		err := m.daemon.Pull(ctx, spec.Name, func(status string) {
			m.logger.Debug("pull progress", slog.String("model", spec.Name), slog.String("status", status))
		})
		if err != nil {
			m.logger.Warn("pull failed", slog.String("model", spec.Name), slog.String("error", err.Error()))
			continue
		}
		m.mu.Lock()
		m.installed[spec.Name] = true
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) setHealth(healthy bool, installed map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
	if installed == nil {
		installed = map[string]bool{}
	}
	m.installed = installed
}

// Healthy reports whether the startup probe reached the daemon.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Installed reports whether the daemon listed name at startup.
func (m *Manager) Installed(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.installed[name]
}

// Resolve finds a model by logical id or engine name.
func (m *Manager) Resolve(idOrName string) (ModelSpec, error) {
	if spec, ok := m.models.Resolve(idOrName); ok {
		return spec, nil
	}
	return ModelSpec{}, fmt.Errorf("%w: %q (available: %s)", ErrUnknownModel, idOrName, strings.Join(m.models.IDs(), ", "))
}

// Available lists the catalogue sorted by id.
func (m *Manager) Available() []ModelSpec {
	out := make([]ModelSpec, 0, len(m.models))
	for _, id := range m.models.IDs() {
		out = append(out, m.models[id])
	}
	return out
}

func (m *Manager) prepare(model string, opts inference.Options, images []string) (ModelSpec, inference.Options, []string, error) {
	spec, err := m.Resolve(model)
	if err != nil {
		return ModelSpec{}, opts, nil, err
	}
	if len(images) > 0 {
		if !spec.SupportsImages {
			return ModelSpec{}, opts, nil, fmt.Errorf("%w: %s", ErrImagesUnsupported, spec.Name)
		}
		images, err = inference.PrepareImages(images, m.cfg.ImageMaxDimension)
		if err != nil {
			return ModelSpec{}, opts, nil, err
		}
	}
	opts = opts.WithDefaults(inference.Options{
		Temperature: inference.Float(spec.Temperature),
		TopP:        inference.Float(spec.TopP),
	})
	return spec, opts, images, nil
}

func (m *Manager) chatRequest(req inference.ChatRequest) (inference.ChatRequest, error) {
	spec, opts, images, err := m.prepare(req.Model, req.Options, req.Images)
	if err != nil {
		return req, err
	}
	req.Model, req.Options, req.Images = spec.Name, opts, images
	return req, nil
}

func (m *Manager) generateRequest(req inference.GenerateRequest) (inference.GenerateRequest, error) {
	spec, opts, images, err := m.prepare(req.Model, req.Options, req.Images)
	if err != nil {
		return req, err
	}
	req.Model, req.Options, req.Images = spec.Name, opts, images
	return req, nil
}

// Chat runs a chat completion with the model's defaults applied.
func (m *Manager) Chat(ctx context.Context, req inference.ChatRequest) (inference.ChatResponse, error) {
	req, err := m.chatRequest(req)
	if err != nil {
		return inference.ChatResponse{}, err
	}
	return m.daemon.Chat(ctx, req)
}

// StreamChat streams a chat completion with the model's defaults applied.
func (m *Manager) StreamChat(ctx context.Context, req inference.ChatRequest, fn func(inference.Chunk) error) error {
	req, err := m.chatRequest(req)
	if err != nil {
		return err
	}
	return m.daemon.StreamChat(ctx, req, fn)
}

// Generate runs a completion with the model's defaults applied.
func (m *Manager) Generate(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResponse, error) {
	req, err := m.generateRequest(req)
	if err != nil {
		return inference.GenerateResponse{}, err
	}
	return m.daemon.Generate(ctx, req)
}

// StreamGenerate streams a completion with the model's defaults applied.
func (m *Manager) StreamGenerate(ctx context.Context, req inference.GenerateRequest, fn func(inference.Chunk) error) error {
	req, err := m.generateRequest(req)
	if err != nil {
		return err
	}
	return m.daemon.StreamGenerate(ctx, req, fn)
}
