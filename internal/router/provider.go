package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/af-corp/operator-gateway/internal/captcha"
	"github.com/af-corp/operator-gateway/internal/config"
	"github.com/af-corp/operator-gateway/internal/router/adapters"
	"github.com/af-corp/operator-gateway/internal/session"
	"github.com/af-corp/operator-gateway/internal/telemetry"
	"github.com/af-corp/operator-gateway/internal/transport"
	"github.com/af-corp/operator-gateway/internal/types"
)

// Registry maps provider ids to adapters and their configuration.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapters.Adapter
	configs  map[string]config.ProviderConfig
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]adapters.Adapter),
		configs:  make(map[string]config.ProviderConfig),
	}
}

func (r *Registry) Register(id string, cfg config.ProviderConfig, adapter adapters.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[id] = adapter
	r.configs[id] = cfg
}

// Resolve returns the adapter for id or an unsupported_provider error.
func (r *Registry) Resolve(id string) (adapters.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, types.NewError(types.KindUnsupported, "Unsupported provider")
	}
	return a, nil
}

// Provider returns the configuration the adapter for id was built from.
func (r *Registry) Provider(id string) (config.ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	return cfg, ok
}

// Descriptor is the public view of a provider. It never carries credentials.
type Descriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Family   string `json:"family"`
	Category string `json:"category"`
}

// List returns all registered providers ordered by id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.configs))
	for id, cfg := range r.configs {
		out = append(out, Descriptor{ID: id, Name: cfg.Name, Family: cfg.Family, Category: cfg.Category})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// Replace swaps the contents of r for those of other. It is used on config
// reload so holders of r see the new providers.
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = other.adapters
	r.configs = other.configs
}

// Options are the shared dependencies every adapter is built with.
type Options struct {
	Transport config.TransportConfig
	Sessions  *session.Manager
	Solver    captcha.Solver
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Normalize fills in the family from the category and applies the
// CATEGORY5 defaults.
func Normalize(cfg config.ProviderConfig) config.ProviderConfig {
	cat, ok := types.ParseCategory(cfg.Category)
	if !ok {
		return cfg
	}
	cfg.Category = string(cat)
	if cfg.Family == "" {
		cfg.Family = cat.DefaultFamily()
	}
	if cat == types.Category5 && cfg.EncryptCredentials == nil {
		off := false
		cfg.EncryptCredentials = &off
		cfg.CloudflareChallenge = true
	}
	return cfg
}

// BuildFromConfig builds provider adapters from the providers config.
// Disabled providers are skipped. Invalid entries are left out of the
// registry and reported together in the returned error.
func BuildFromConfig(provCfg *config.ProvidersConfig, opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := NewRegistry()
	var errs []error
	for id, cfg := range provCfg.Providers {
		if cfg.Disabled {
			logger.Info("provider disabled", "provider", id)
			continue
		}
		cfg = Normalize(cfg)
		adapter, err := build(id, cfg, opts)
		if err != nil {
			logger.Error("skipping provider", "provider", id, "error", err)
			errs = append(errs, fmt.Errorf("provider %s: %w", id, err))
			continue
		}
		registry.Register(id, cfg, adapter)
	}
	return registry, errors.Join(errs...)
}

func build(id string, cfg config.ProviderConfig, opts Options) (adapters.Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tc := opts.Transport
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = tc.Timeout
	}
	headers := transport.DefaultHeaders(tc.UserAgent, tc.AcceptLanguage)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	metrics := opts.Metrics
	client, err := transport.New(transport.Options{
		BaseURL:  cfg.BaseURL,
		Timeout:  timeout,
		Headers:  headers,
		MaxConns: cfg.MaxConcurrent,
		RPS:      cfg.RateLimit.RPS,
		Burst:    cfg.RateLimit.Burst,
		Retry: transport.RetryPolicy{
			MaxAttempts: tc.MaxAttempts,
			BaseDelay:   tc.BaseBackoff,
			MaxDelay:    tc.MaxBackoff,
		},
		Hooks: transport.Hooks{
			OnRetry:  func(int, error) { metrics.RecordRetry(id) },
			OnReauth: func() { metrics.RecordReauth(id) },
		},
	})
	if err != nil {
		return nil, err
	}

	deps := adapters.Deps{
		Client:   client,
		Sessions: opts.Sessions,
		Solver:   opts.Solver,
		Logger:   opts.Logger,
	}
	switch cfg.Family {
	case config.FamilyTokenAPI:
		return adapters.NewTokenAPIAdapter(id, cfg, deps)
	case config.FamilyCaptchaToken:
		return adapters.NewCaptchaTokenAdapter(id, cfg, deps), nil
	case config.FamilyPostback:
		return adapters.NewPostbackAdapter(id, cfg, deps)
	case config.FamilySigned:
		return adapters.NewSignedAdapter(id, cfg, deps), nil
	}
	return nil, fmt.Errorf("unknown family %q", cfg.Family)
}
