package config

// Retry policy grammar. A profile pre-fills both layers; explicit fields
// override profile defaults. Legacy flat fields (max-attempts, on-status, ...)
// map onto the upstream layer so older configs keep their "retry the current
// upstream" behavior, unless an explicit upstream block is present.

// RetryProfile names a bundled retry policy.
type RetryProfile string

const (
	ProfileBalanced           RetryProfile = "balanced"
	ProfileSameUpstream       RetryProfile = "same-upstream"
	ProfileAggressiveFailover RetryProfile = "aggressive-failover"
	ProfileCostPrimary        RetryProfile = "cost-primary"
)

// RetryStrategy selects how attempts move between upstreams inside a config.
type RetryStrategy string

const (
	// StrategyFailover rotates to the next candidate on every retry.
	StrategyFailover RetryStrategy = "failover"
	// StrategySameUpstream repeats the current upstream before rotating.
	StrategySameUpstream RetryStrategy = "same_upstream"
	// StrategyRoundRobin is an alias accepted in config files.
	StrategyRoundRobin RetryStrategy = "round_robin"
)

// RetryLayerConfig is the user-facing shape of one retry layer.
type RetryLayerConfig struct {
	MaxAttempts *int           `yaml:"max-attempts,omitempty" json:"max_attempts,omitempty"`
	BackoffMs   *int64         `yaml:"backoff-ms,omitempty" json:"backoff_ms,omitempty"`
	BackoffMax  *int64         `yaml:"backoff-max-ms,omitempty" json:"backoff_max_ms,omitempty"`
	JitterMs    *int64         `yaml:"jitter-ms,omitempty" json:"jitter_ms,omitempty"`
	OnStatus    *string        `yaml:"on-status,omitempty" json:"on_status,omitempty"`
	OnClass     []string       `yaml:"on-class,omitempty" json:"on_class,omitempty"`
	Strategy    *RetryStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
}

// RetryConfig is the `[retry]` block of the configuration file.
type RetryConfig struct {
	Profile RetryProfile `yaml:"profile,omitempty" json:"profile,omitempty"`

	// Legacy flat fields; apply to the upstream layer when no explicit
	// upstream block is configured.
	MaxAttempts *int           `yaml:"max-attempts,omitempty" json:"max_attempts,omitempty"`
	BackoffMs   *int64         `yaml:"backoff-ms,omitempty" json:"backoff_ms,omitempty"`
	BackoffMax  *int64         `yaml:"backoff-max-ms,omitempty" json:"backoff_max_ms,omitempty"`
	JitterMs    *int64         `yaml:"jitter-ms,omitempty" json:"jitter_ms,omitempty"`
	OnStatus    *string        `yaml:"on-status,omitempty" json:"on_status,omitempty"`
	OnClass     []string       `yaml:"on-class,omitempty" json:"on_class,omitempty"`
	Strategy    *RetryStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`

	Upstream *RetryLayerConfig `yaml:"upstream,omitempty" json:"upstream,omitempty"`
	Provider *RetryLayerConfig `yaml:"provider,omitempty" json:"provider,omitempty"`

	// Guardrails: matching status/class suppresses every retry layer.
	NeverOnStatus *string  `yaml:"never-on-status,omitempty" json:"never_on_status,omitempty"`
	NeverOnClass  []string `yaml:"never-on-class,omitempty" json:"never_on_class,omitempty"`

	CloudflareChallengeCooldownSecs *int64 `yaml:"cloudflare-challenge-cooldown-secs,omitempty" json:"cloudflare_challenge_cooldown_secs,omitempty"`
	CloudflareTimeoutCooldownSecs   *int64 `yaml:"cloudflare-timeout-cooldown-secs,omitempty" json:"cloudflare_timeout_cooldown_secs,omitempty"`
	TransportCooldownSecs           *int64 `yaml:"transport-cooldown-secs,omitempty" json:"transport_cooldown_secs,omitempty"`
	CooldownBackoffFactor           *int64 `yaml:"cooldown-backoff-factor,omitempty" json:"cooldown_backoff_factor,omitempty"`
	CooldownBackoffMaxSecs          *int64 `yaml:"cooldown-backoff-max-secs,omitempty" json:"cooldown_backoff_max_secs,omitempty"`
}

// ResolvedRetryLayer is one retry layer after profile and override merging.
type ResolvedRetryLayer struct {
	MaxAttempts int           `json:"max_attempts"`
	BackoffMs   int64         `json:"backoff_ms"`
	BackoffMax  int64         `json:"backoff_max_ms"`
	JitterMs    int64         `json:"jitter_ms"`
	OnStatus    string        `json:"on_status"`
	OnClass     []string      `json:"on_class"`
	Strategy    RetryStrategy `json:"strategy"`
}

// ResolvedRetry is the effective retry policy for one RoutingPlan snapshot.
type ResolvedRetry struct {
	Upstream ResolvedRetryLayer `json:"upstream"`
	Provider ResolvedRetryLayer `json:"provider"`

	NeverOnStatus string   `json:"never_on_status"`
	NeverOnClass  []string `json:"never_on_class"`

	CloudflareChallengeCooldownSecs int64 `json:"cloudflare_challenge_cooldown_secs"`
	CloudflareTimeoutCooldownSecs   int64 `json:"cloudflare_timeout_cooldown_secs"`
	TransportCooldownSecs           int64 `json:"transport_cooldown_secs"`
	CooldownBackoffFactor           int64 `json:"cooldown_backoff_factor"`
	CooldownBackoffMaxSecs          int64 `json:"cooldown_backoff_max_secs"`
}

func profileDefaults(p RetryProfile) ResolvedRetry {
	balanced := ResolvedRetry{
		Upstream: ResolvedRetryLayer{
			MaxAttempts: 2,
			BackoffMs:   200,
			BackoffMax:  2000,
			JitterMs:    100,
			OnStatus:    "429,500-599,524",
			OnClass:     []string{"upstream_transport_error", "cloudflare_timeout", "cloudflare_challenge"},
			Strategy:    StrategySameUpstream,
		},
		Provider: ResolvedRetryLayer{
			MaxAttempts: 2,
			OnStatus:    "401,403,404,408,429,500-599,524",
			OnClass:     []string{"upstream_transport_error"},
			Strategy:    StrategyFailover,
		},
		NeverOnStatus:                   "413,415,422",
		NeverOnClass:                    []string{"client_error_non_retryable"},
		CloudflareChallengeCooldownSecs: 300,
		CloudflareTimeoutCooldownSecs:   60,
		TransportCooldownSecs:           30,
		CooldownBackoffFactor:           1,
		CooldownBackoffMaxSecs:          600,
	}

	switch p {
	case ProfileSameUpstream:
		out := balanced
		out.Upstream.MaxAttempts = 3
		out.Provider.MaxAttempts = 1
		return out
	case ProfileAggressiveFailover:
		out := balanced
		out.Upstream.BackoffMax = 2500
		out.Upstream.JitterMs = 150
		out.Provider.MaxAttempts = 3
		return out
	case ProfileCostPrimary:
		out := balanced
		out.CooldownBackoffFactor = 2
		out.CooldownBackoffMaxSecs = 900
		return out
	default:
		return balanced
	}
}

func applyLayer(dst *ResolvedRetryLayer, src *RetryLayerConfig) {
	if src == nil {
		return
	}
	if src.MaxAttempts != nil {
		dst.MaxAttempts = *src.MaxAttempts
	}
	if src.BackoffMs != nil {
		dst.BackoffMs = *src.BackoffMs
	}
	if src.BackoffMax != nil {
		dst.BackoffMax = *src.BackoffMax
	}
	if src.JitterMs != nil {
		dst.JitterMs = *src.JitterMs
	}
	if src.OnStatus != nil {
		dst.OnStatus = *src.OnStatus
	}
	if src.OnClass != nil {
		dst.OnClass = append([]string(nil), src.OnClass...)
	}
	if src.Strategy != nil {
		dst.Strategy = normalizeStrategy(*src.Strategy)
	}
}

func normalizeStrategy(s RetryStrategy) RetryStrategy {
	switch s {
	case StrategySameUpstream:
		return StrategySameUpstream
	case StrategyRoundRobin, StrategyFailover:
		return StrategyFailover
	default:
		return StrategyFailover
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Resolve merges the profile defaults with explicit overrides into the
// effective policy.
func (r *RetryConfig) Resolve() ResolvedRetry {
	profile := r.Profile
	if profile == "" {
		profile = ProfileBalanced
	}
	out := profileDefaults(profile)

	if r.Upstream == nil {
		applyLayer(&out.Upstream, &RetryLayerConfig{
			MaxAttempts: r.MaxAttempts,
			BackoffMs:   r.BackoffMs,
			BackoffMax:  r.BackoffMax,
			JitterMs:    r.JitterMs,
			OnStatus:    r.OnStatus,
			OnClass:     r.OnClass,
			Strategy:    r.Strategy,
		})
	}
	applyLayer(&out.Upstream, r.Upstream)
	applyLayer(&out.Provider, r.Provider)

	if r.NeverOnStatus != nil {
		out.NeverOnStatus = *r.NeverOnStatus
	}
	if r.NeverOnClass != nil {
		out.NeverOnClass = append([]string(nil), r.NeverOnClass...)
	}
	if r.CloudflareChallengeCooldownSecs != nil {
		out.CloudflareChallengeCooldownSecs = *r.CloudflareChallengeCooldownSecs
	}
	if r.CloudflareTimeoutCooldownSecs != nil {
		out.CloudflareTimeoutCooldownSecs = *r.CloudflareTimeoutCooldownSecs
	}
	if r.TransportCooldownSecs != nil {
		out.TransportCooldownSecs = *r.TransportCooldownSecs
	}
	if r.CooldownBackoffFactor != nil {
		out.CooldownBackoffFactor = *r.CooldownBackoffFactor
	}
	if r.CooldownBackoffMaxSecs != nil {
		out.CooldownBackoffMaxSecs = *r.CooldownBackoffMaxSecs
	}

	out.Upstream.MaxAttempts = clampInt(out.Upstream.MaxAttempts, 1, 8)
	out.Provider.MaxAttempts = clampInt(out.Provider.MaxAttempts, 1, 8)
	out.CooldownBackoffFactor = clampInt64(out.CooldownBackoffFactor, 1, 16)
	out.CooldownBackoffMaxSecs = clampInt64(out.CooldownBackoffMaxSecs, 0, 24*60*60)
	return out
}
