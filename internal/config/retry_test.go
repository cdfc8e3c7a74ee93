package config

import (
	"reflect"
	"testing"
)

func TestResolve_BalancedDefaults(t *testing.T) {
	t.Parallel()

	got := (&RetryConfig{}).Resolve()

	if got.Upstream.MaxAttempts != 2 {
		t.Fatalf("upstream.max_attempts = %d, want 2", got.Upstream.MaxAttempts)
	}
	if got.Upstream.Strategy != StrategySameUpstream {
		t.Fatalf("upstream.strategy = %q, want %q", got.Upstream.Strategy, StrategySameUpstream)
	}
	if got.Provider.MaxAttempts != 2 {
		t.Fatalf("provider.max_attempts = %d, want 2", got.Provider.MaxAttempts)
	}
	if got.Provider.OnStatus != "401,403,404,408,429,500-599,524" {
		t.Fatalf("provider.on_status = %q", got.Provider.OnStatus)
	}
	if got.NeverOnStatus != "413,415,422" {
		t.Fatalf("never_on_status = %q", got.NeverOnStatus)
	}
	if !reflect.DeepEqual(got.NeverOnClass, []string{"client_error_non_retryable"}) {
		t.Fatalf("never_on_class = %v", got.NeverOnClass)
	}
	if got.CloudflareChallengeCooldownSecs != 300 || got.CloudflareTimeoutCooldownSecs != 60 || got.TransportCooldownSecs != 30 {
		t.Fatalf("cooldowns = %d/%d/%d, want 300/60/30",
			got.CloudflareChallengeCooldownSecs, got.CloudflareTimeoutCooldownSecs, got.TransportCooldownSecs)
	}
}

func TestResolve_ProfileVariants(t *testing.T) {
	t.Parallel()

	same := (&RetryConfig{Profile: ProfileSameUpstream}).Resolve()
	if same.Upstream.MaxAttempts != 3 || same.Provider.MaxAttempts != 1 {
		t.Fatalf("same-upstream attempts = %d/%d, want 3/1", same.Upstream.MaxAttempts, same.Provider.MaxAttempts)
	}

	aggr := (&RetryConfig{Profile: ProfileAggressiveFailover}).Resolve()
	if aggr.Provider.MaxAttempts != 3 {
		t.Fatalf("aggressive-failover provider.max_attempts = %d, want 3", aggr.Provider.MaxAttempts)
	}

	cost := (&RetryConfig{Profile: ProfileCostPrimary}).Resolve()
	if cost.CooldownBackoffFactor != 2 || cost.CooldownBackoffMaxSecs != 900 {
		t.Fatalf("cost-primary backoff = %d/%d, want 2/900", cost.CooldownBackoffFactor, cost.CooldownBackoffMaxSecs)
	}
}

func TestResolve_LegacyFlatFieldsMapToUpstreamLayer(t *testing.T) {
	t.Parallel()

	attempts := 5
	onStatus := "502"
	got := (&RetryConfig{MaxAttempts: &attempts, OnStatus: &onStatus}).Resolve()

	if got.Upstream.MaxAttempts != 5 {
		t.Fatalf("upstream.max_attempts = %d, want 5", got.Upstream.MaxAttempts)
	}
	if got.Upstream.OnStatus != "502" {
		t.Fatalf("upstream.on_status = %q, want %q", got.Upstream.OnStatus, "502")
	}
	if got.Provider.MaxAttempts != 2 {
		t.Fatalf("provider.max_attempts = %d, want 2 (legacy fields must not touch provider layer)", got.Provider.MaxAttempts)
	}
}

func TestResolve_ExplicitUpstreamBlockWinsOverLegacy(t *testing.T) {
	t.Parallel()

	legacy := 7
	explicit := 3
	got := (&RetryConfig{
		MaxAttempts: &legacy,
		Upstream:    &RetryLayerConfig{MaxAttempts: &explicit},
	}).Resolve()

	if got.Upstream.MaxAttempts != 3 {
		t.Fatalf("upstream.max_attempts = %d, want 3", got.Upstream.MaxAttempts)
	}
}

func TestResolve_Clamps(t *testing.T) {
	t.Parallel()

	attempts := 99
	factor := int64(100)
	got := (&RetryConfig{MaxAttempts: &attempts, CooldownBackoffFactor: &factor}).Resolve()

	if got.Upstream.MaxAttempts != 8 {
		t.Fatalf("upstream.max_attempts = %d, want clamp to 8", got.Upstream.MaxAttempts)
	}
	if got.CooldownBackoffFactor != 16 {
		t.Fatalf("cooldown_backoff_factor = %d, want clamp to 16", got.CooldownBackoffFactor)
	}
}

func TestResolve_RoundRobinNormalizesToFailover(t *testing.T) {
	t.Parallel()

	rr := StrategyRoundRobin
	got := (&RetryConfig{Upstream: &RetryLayerConfig{Strategy: &rr}}).Resolve()
	if got.Upstream.Strategy != StrategyFailover {
		t.Fatalf("upstream.strategy = %q, want %q", got.Upstream.Strategy, StrategyFailover)
	}
}
