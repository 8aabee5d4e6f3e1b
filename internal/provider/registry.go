package provider

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/log"
)

// Registry holds the configured adapters keyed by provider id. It is
// assembled once at startup and read-only afterwards, so lookups need
// no locking.
type Registry struct {
	adapters  map[string]Adapter
	defaults  map[string]config.Provider
	defaultID string
}

// NewRegistry builds adapters for every configured provider. The
// configuration must already be validated.
func NewRegistry(cfg *config.Config, logger log.Logger) (*Registry, error) {
	r := &Registry{
		adapters:  make(map[string]Adapter, len(cfg.Providers)),
		defaults:  make(map[string]config.Provider, len(cfg.Providers)),
		defaultID: cfg.DefaultProvider,
	}

	retry := RetryConfig{
		MaxRetries:      cfg.Generation.MaxRetries,
		InitialInterval: cfg.Generation.InitialBackoff,
		MaxInterval:     cfg.Generation.MaxBackoff,
	}

	for id, pc := range cfg.Providers {
		limiter := rate.NewLimiter(rate.Limit(cfg.Generation.RateLimit), cfg.Generation.RateBurst)

		var adapter Adapter
		switch pc.Kind {
		case config.KindOpenAI:
			adapter = NewOpenAI(OpenAIConfig{
				ID:      id,
				BaseURL: pc.BaseURL,
				APIKey:  pc.APIKey(),
				Retry:   retry,
				Limiter: limiter,
				Logger:  logger,
			})
		case config.KindAnthropic:
			adapter = NewAnthropic(AnthropicConfig{
				ID:      id,
				BaseURL: pc.BaseURL,
				APIKey:  pc.APIKey(),
				Retry:   retry,
				Limiter: limiter,
				Logger:  logger,
			})
		default:
			return nil, fmt.Errorf("provider %q: unsupported kind %q", id, pc.Kind)
		}

		r.adapters[id] = adapter
		r.defaults[id] = pc
	}
	return r, nil
}

// Get returns the adapter for the given provider id, or the default
// adapter when id is empty.
func (r *Registry) Get(id string) (Adapter, error) {
	if id == "" {
		id = r.defaultID
	}
	adapter, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return adapter, nil
}

// Defaults returns the configured model defaults for a provider id, or
// the default provider's when id is empty.
func (r *Registry) Defaults(id string) (config.Provider, error) {
	if id == "" {
		id = r.defaultID
	}
	pc, ok := r.defaults[id]
	if !ok {
		return config.Provider{}, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return pc, nil
}

// DefaultID returns the default provider id.
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// IDs returns the configured provider ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
