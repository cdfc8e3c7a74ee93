package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
version: 1
codex:
  active: primary
  configs:
    primary:
      enabled: true
      level: 1
      upstreams:
        - base-url: https://api.example.com/v1
          auth:
            auth-token-env: EXAMPLE_TOKEN
          supported-models:
            - gpt-5*
          model-mapping:
            gpt-5-codex: gpt-5
    backup:
      enabled: true
      level: 2
      upstreams:
        - base-url: https://backup.example.com
retry:
  profile: cost-primary
  provider:
    max-attempts: 3
`

func TestParse(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	mgr := cfg.Service("codex")
	if mgr.Active != "primary" {
		t.Fatalf("active = %q, want %q", mgr.Active, "primary")
	}
	primary := mgr.Configs["primary"]
	if primary == nil {
		t.Fatalf("configs[primary] = nil")
	}
	if primary.Name != "primary" {
		t.Fatalf("name = %q, want %q (normalized from map key)", primary.Name, "primary")
	}
	if got := primary.Upstreams[0].BaseURL; got != "https://api.example.com/v1" {
		t.Fatalf("base_url = %q", got)
	}
	if backup := mgr.Configs["backup"]; backup.ClampedLevel() != 2 {
		t.Fatalf("backup level = %d, want 2", backup.ClampedLevel())
	}

	resolved := cfg.Retry.Resolve()
	if resolved.Provider.MaxAttempts != 3 {
		t.Fatalf("provider.max_attempts = %d, want 3 (explicit over profile)", resolved.Provider.MaxAttempts)
	}
	if resolved.CooldownBackoffFactor != 2 {
		t.Fatalf("cooldown_backoff_factor = %d, want 2 (cost-primary)", resolved.CooldownBackoffFactor)
	}
}

func TestParse_MissingBaseURL(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("codex:\n  configs:\n    broken:\n      upstreams:\n        - base-url: \"\"\n"))
	if err == nil {
		t.Fatalf("Parse() error = nil, want base-url validation error")
	}
}

func TestParse_ActiveReferencingUnknownConfigCleared(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("codex:\n  active: ghost\n  configs: {}\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Codex.Active != "" {
		t.Fatalf("active = %q, want cleared", cfg.Codex.Active)
	}
}

func TestResolveAuthToken(t *testing.T) {
	auth := &UpstreamAuth{AuthToken: "inline-token"}
	token, source := auth.ResolveAuthToken()
	if token != "inline-token" || source != "inline" {
		t.Fatalf("ResolveAuthToken() = %q/%q, want inline-token/inline", token, source)
	}

	t.Setenv("CODEX_HELPER_TEST_TOKEN", "env-token")
	auth = &UpstreamAuth{AuthTokenEnv: "CODEX_HELPER_TEST_TOKEN"}
	token, source = auth.ResolveAuthToken()
	if token != "env-token" || source != "env:CODEX_HELPER_TEST_TOKEN" {
		t.Fatalf("ResolveAuthToken() = %q/%q, want env-token/env:CODEX_HELPER_TEST_TOKEN", token, source)
	}

	auth = &UpstreamAuth{}
	token, source = auth.ResolveAuthToken()
	if token != "" || source != "client-passthrough" {
		t.Fatalf("ResolveAuthToken() = %q/%q, want empty/client-passthrough", token, source)
	}
}

func TestRuntime_ForceReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rt := NewRuntime(path, initial)

	changed, err := rt.ForceReload()
	if err != nil {
		t.Fatalf("ForceReload() error = %v", err)
	}
	if changed {
		t.Fatalf("ForceReload() changed = true for identical content")
	}

	updated := sampleYAML + "\nclaude: {}\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	changed, err = rt.ForceReload()
	if err != nil {
		t.Fatalf("ForceReload() error = %v", err)
	}
	if !changed {
		t.Fatalf("ForceReload() changed = false after content change")
	}
}

func TestRuntime_ParseFailureKeepsSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rt := NewRuntime(path, initial)

	if err := os.WriteFile(path, []byte("codex: [unclosed"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if _, err := rt.ForceReload(); err == nil {
		t.Fatalf("ForceReload() error = nil, want parse error")
	}
	if rt.Snapshot() != initial {
		t.Fatalf("Snapshot() changed after failed reload")
	}
}
