// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (PARLEY_ prefix, runtime override)
//  2. Config file (~/.parley/config.yaml)
//  3. Default values
//
// Sensitive values (API keys, database passwords) are read from the
// environment only and never written back to the config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingDatabaseURL indicates no database URL was configured.
	ErrMissingDatabaseURL = errors.New("missing database URL")

	// ErrNoProviders indicates no LLM provider was configured.
	ErrNoProviders = errors.New("no providers configured")

	// ErrUnknownDefaultProvider indicates the default provider id is not
	// among the configured providers.
	ErrUnknownDefaultProvider = errors.New("unknown default provider")

	// ErrInvalidProviderKind indicates an unsupported provider kind.
	ErrInvalidProviderKind = errors.New("invalid provider kind")

	// ErrMissingAPIKey indicates a provider's API key env var is unset.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidToolTransport indicates an unsupported tool server
	// transport.
	ErrInvalidToolTransport = errors.New("invalid tool server transport")
)

// Provider kinds understood by the adapter registry.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

// Tool server transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config stores application configuration.
type Config struct {
	// HTTP server
	Addr string `mapstructure:"addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"` // debug|info|warn|error
	LogJSON  bool   `mapstructure:"log_json"`

	// Storage
	DatabaseURL string `mapstructure:"database_url"`

	// LLM providers keyed by provider id. The orchestrator resolves the
	// provider for a request from DefaultProvider unless the request
	// names one explicitly.
	Providers       map[string]Provider `mapstructure:"providers"`
	DefaultProvider string              `mapstructure:"default_provider"`

	// Tool servers (MCP) available to conversations.
	ToolServers []ToolServer `mapstructure:"tool_servers"`

	// Generation tunables.
	Generation Generation `mapstructure:"generation"`
}

// Provider configures one LLM backend.
type Provider struct {
	// Kind selects the adapter implementation: "openai" (any
	// OpenAI-compatible chat-completions endpoint) or "anthropic".
	Kind string `mapstructure:"kind"`

	// BaseURL of the provider API, e.g. "https://api.openai.com/v1".
	BaseURL string `mapstructure:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never lives in the config file.
	APIKeyEnv string `mapstructure:"api_key_env"`

	// Model is the default model id for this provider.
	Model string `mapstructure:"model"`

	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// APIKey resolves the provider's API key from the environment.
func (p Provider) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// ToolServer configures one MCP tool server.
type ToolServer struct {
	ID        string   `mapstructure:"id"`
	Transport string   `mapstructure:"transport"` // "stdio" or "http"
	Command   string   `mapstructure:"command"`   // stdio: executable
	Args      []string `mapstructure:"args"`      // stdio: arguments
	URL       string   `mapstructure:"url"`       // http: endpoint
}

// Generation holds the orchestration tunables. All values have
// conservative defaults; see DefaultGeneration.
type Generation struct {
	// MaxRetries is the number of retries after the first provider
	// attempt for transient failures.
	MaxRetries int `mapstructure:"max_retries"`

	// InitialBackoff and MaxBackoff bound the exponential retry curve.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`

	// ToolLoopCap bounds tool-call round trips in one generation.
	ToolLoopCap int `mapstructure:"tool_loop_cap"`

	// RequestTimeout applies to each provider streaming call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ToolTimeout applies to each tool invocation.
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`

	// RateLimit and RateBurst configure the per-provider limiter.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// DefaultGeneration returns the default orchestration tunables.
func DefaultGeneration() Generation {
	return Generation{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		ToolLoopCap:    8,
		RequestTimeout: 2 * time.Minute,
		ToolTimeout:    30 * time.Second,
		RateLimit:      10,
		RateBurst:      30,
	}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".parley"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No config file is fine; env and defaults apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	gen := DefaultGeneration()

	v.SetDefault("addr", "127.0.0.1:3400")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("default_provider", "openai")
	v.SetDefault("generation.max_retries", gen.MaxRetries)
	v.SetDefault("generation.initial_backoff", gen.InitialBackoff)
	v.SetDefault("generation.max_backoff", gen.MaxBackoff)
	v.SetDefault("generation.tool_loop_cap", gen.ToolLoopCap)
	v.SetDefault("generation.request_timeout", gen.RequestTimeout)
	v.SetDefault("generation.tool_timeout", gen.ToolTimeout)
	v.SetDefault("generation.rate_limit", gen.RateLimit)
	v.SetDefault("generation.rate_burst", gen.RateBurst)
}
