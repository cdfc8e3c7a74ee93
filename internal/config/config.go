// Package config defines the user-facing configuration grammar for the
// proxy: provider bundles ("configs") with their upstreams, model routing
// rules, auth sources, and the retry policy. It also owns the runtime
// snapshot that the proxy reads on every request.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// UpstreamAuth describes where credentials for one upstream come from.
// Resolution order is inline value, then environment variable, then client
// passthrough. Secrets never appear in logs; only the source does.
type UpstreamAuth struct {
	// AuthToken is an inline bearer token for the Authorization header.
	AuthToken string `yaml:"auth-token,omitempty" json:"-"`

	// AuthTokenEnv names an environment variable holding the bearer token.
	AuthTokenEnv string `yaml:"auth-token-env,omitempty" json:"auth_token_env,omitempty"`

	// APIKey is an inline value for the x-api-key header.
	APIKey string `yaml:"api-key,omitempty" json:"-"`

	// APIKeyEnv names an environment variable holding the x-api-key value.
	APIKeyEnv string `yaml:"api-key-env,omitempty" json:"api_key_env,omitempty"`
}

// ResolveAuthToken returns the bearer token and the source it came from.
// An empty token with source "client-passthrough" means the client's own
// Authorization header should be forwarded untouched.
func (a *UpstreamAuth) ResolveAuthToken() (token, source string) {
	if a.AuthToken != "" {
		return a.AuthToken, "inline"
	}
	if a.AuthTokenEnv != "" {
		if v := os.Getenv(a.AuthTokenEnv); v != "" {
			return v, "env:" + a.AuthTokenEnv
		}
	}
	return "", "client-passthrough"
}

// ResolveAPIKey returns the x-api-key value and its source.
func (a *UpstreamAuth) ResolveAPIKey() (key, source string) {
	if a.APIKey != "" {
		return a.APIKey, "inline"
	}
	if a.APIKeyEnv != "" {
		if v := os.Getenv(a.APIKeyEnv); v != "" {
			return v, "env:" + a.APIKeyEnv
		}
	}
	return "", "client-passthrough"
}

// UpstreamConfig is one remote endpoint inside a provider bundle.
type UpstreamConfig struct {
	// BaseURL is the endpoint root; it may carry a path prefix (e.g. /v1).
	BaseURL string `yaml:"base-url" json:"base_url"`

	// Auth selects the credential source for this upstream.
	Auth UpstreamAuth `yaml:"auth,omitempty" json:"auth,omitempty"`

	// Tags are opaque key/value annotations surfaced in telemetry.
	Tags map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// SupportedModels is a wildcard allowlist; when present, requests whose
	// model does not match any pattern skip this upstream.
	SupportedModels []string `yaml:"supported-models,omitempty" json:"supported_models,omitempty"`

	// ModelMapping rewrites the request model before forwarding
	// (wildcard pattern -> replacement).
	ModelMapping map[string]string `yaml:"model-mapping,omitempty" json:"model_mapping,omitempty"`
}

// ServiceConfig is a named provider bundle: one or more upstreams in
// priority order sharing routing and retry properties.
type ServiceConfig struct {
	Name string `yaml:"-" json:"name"`

	// Alias is an optional display name.
	Alias string `yaml:"alias,omitempty" json:"alias,omitempty"`

	// Enabled gates participation in failover. The active config
	// participates even when disabled.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Level groups configs into priority tiers, 1..10, lower preferred.
	Level int `yaml:"level,omitempty" json:"level"`

	Upstreams []UpstreamConfig `yaml:"upstreams" json:"upstreams"`
}

// ClampedLevel returns the level constrained to the valid 1..10 range.
func (s *ServiceConfig) ClampedLevel() int {
	if s.Level < 1 {
		return 1
	}
	if s.Level > 10 {
		return 10
	}
	return s.Level
}

// ServiceManager holds all provider bundles for one proxied service
// ("codex" or "claude") plus the active marker.
type ServiceManager struct {
	// Active names the preferred config; at most one per service.
	Active string `yaml:"active,omitempty" json:"active,omitempty"`

	Configs map[string]*ServiceConfig `yaml:"configs,omitempty" json:"configs,omitempty"`
}

// ActiveConfig returns the active bundle, or nil when none is set.
func (m *ServiceManager) ActiveConfig() *ServiceConfig {
	if m == nil || m.Active == "" {
		return nil
	}
	return m.Configs[m.Active]
}

// SortedNames returns config names in stable order.
func (m *ServiceManager) SortedNames() []string {
	names := make([]string, 0, len(m.Configs))
	for name := range m.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config is the root of the configuration file.
type Config struct {
	Version int `yaml:"version,omitempty" json:"version,omitempty"`

	Codex  ServiceManager `yaml:"codex,omitempty" json:"codex"`
	Claude ServiceManager `yaml:"claude,omitempty" json:"claude"`

	Retry RetryConfig `yaml:"retry,omitempty" json:"retry"`

	// RequestLog is the JSONL request log path; empty disables it.
	RequestLog string `yaml:"request-log,omitempty" json:"request_log,omitempty"`

	// RetryTraceLog is the per-attempt diagnostic log path; empty disables it.
	RetryTraceLog string `yaml:"retry-trace-log,omitempty" json:"retry_trace_log,omitempty"`

	// FilterRules is the path of the hot-reloaded body-filter rule file.
	FilterRules string `yaml:"filter-rules,omitempty" json:"filter_rules,omitempty"`

	// HTTPDebug enables the http_debug blob on finished requests.
	HTTPDebug bool `yaml:"http-debug,omitempty" json:"http_debug,omitempty"`
}

// Service returns the manager for the named service, defaulting to codex.
func (c *Config) Service(name string) *ServiceManager {
	if name == "claude" {
		return &c.Claude
	}
	return &c.Codex
}

// Parse decodes and normalizes a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func normalize(cfg *Config) {
	normalizeManager(&cfg.Codex)
	normalizeManager(&cfg.Claude)
}

func normalizeManager(m *ServiceManager) {
	for name, svc := range m.Configs {
		if svc == nil {
			delete(m.Configs, name)
			continue
		}
		svc.Name = name
		if svc.Level == 0 {
			svc.Level = 1
		}
		for i := range svc.Upstreams {
			svc.Upstreams[i].BaseURL = strings.TrimSpace(svc.Upstreams[i].BaseURL)
		}
	}
	if m.Active != "" {
		if _, ok := m.Configs[m.Active]; !ok {
			m.Active = ""
		}
	}
}

func validate(cfg *Config) error {
	for _, mgr := range []*ServiceManager{&cfg.Codex, &cfg.Claude} {
		for name, svc := range mgr.Configs {
			for i, up := range svc.Upstreams {
				if up.BaseURL == "" {
					return fmt.Errorf("config %q upstream %d: base-url is required", name, i)
				}
			}
		}
	}
	return nil
}
