package config

import "fmt"

// Validate checks the configuration for serving. It verifies storage,
// provider and tool server settings; tunables are normalized rather
// than rejected (zero values fall back to defaults at construction).
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}

	if len(c.Providers) == 0 {
		return ErrNoProviders
	}
	if _, ok := c.Providers[c.DefaultProvider]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDefaultProvider, c.DefaultProvider)
	}

	for id, p := range c.Providers {
		if err := p.validate(); err != nil {
			return fmt.Errorf("provider %q: %w", id, err)
		}
	}

	seen := make(map[string]bool, len(c.ToolServers))
	for _, ts := range c.ToolServers {
		if err := ts.validate(); err != nil {
			return fmt.Errorf("tool server %q: %w", ts.ID, err)
		}
		if seen[ts.ID] {
			return fmt.Errorf("tool server %q: duplicate id", ts.ID)
		}
		seen[ts.ID] = true
	}

	return nil
}

func (p Provider) validate() error {
	switch p.Kind {
	case KindOpenAI, KindAnthropic:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProviderKind, p.Kind)
	}
	if p.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if p.Model == "" {
		return fmt.Errorf("model is required")
	}
	if p.APIKeyEnv != "" && p.APIKey() == "" {
		return fmt.Errorf("%w: environment variable %s is unset", ErrMissingAPIKey, p.APIKeyEnv)
	}
	return nil
}

func (ts ToolServer) validate() error {
	if ts.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch ts.Transport {
	case TransportStdio:
		if ts.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case TransportHTTP:
		if ts.URL == "" {
			return fmt.Errorf("url is required for http transport")
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidToolTransport, ts.Transport)
	}
	return nil
}

// Normalize fills zero-valued generation tunables with defaults.
func (g Generation) Normalize() Generation {
	def := DefaultGeneration()
	if g.MaxRetries <= 0 {
		g.MaxRetries = def.MaxRetries
	}
	if g.InitialBackoff <= 0 {
		g.InitialBackoff = def.InitialBackoff
	}
	if g.MaxBackoff <= 0 {
		g.MaxBackoff = def.MaxBackoff
	}
	if g.ToolLoopCap <= 0 {
		g.ToolLoopCap = def.ToolLoopCap
	}
	if g.RequestTimeout <= 0 {
		g.RequestTimeout = def.RequestTimeout
	}
	if g.ToolTimeout <= 0 {
		g.ToolTimeout = def.ToolTimeout
	}
	if g.RateLimit <= 0 {
		g.RateLimit = def.RateLimit
	}
	if g.RateBurst <= 0 {
		g.RateBurst = def.RateBurst
	}
	return g
}
