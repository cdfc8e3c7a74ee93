// Package proxy implements the request pipeline: body filtering, planning,
// the two-layer retry engine, and the streaming commit boundary.
package proxy

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Latias94/codex-helper/internal/classify"
	"github.com/Latias94/codex-helper/internal/config"
	"github.com/Latias94/codex-helper/internal/lb"
	"github.com/Latias94/codex-helper/internal/state"
)

// layer names used in retry decisions and trace records.
const (
	layerUpstream = "upstream"
	layerProvider = "provider"
)

type statusRange struct{ lo, hi int }

type layerOptions struct {
	maxAttempts int
	backoffMs   int64
	backoffMax  int64
	jitterMs    int64
	onStatus    []statusRange
	onClass     map[classify.Class]bool
	strategy    config.RetryStrategy
}

// retryPlan is the resolved retry policy compiled for one request.
type retryPlan struct {
	upstream layerOptions
	provider layerOptions

	neverStatus []statusRange
	neverClass  map[classify.Class]bool

	challengeCooldownSecs int64
	cfTimeoutCooldownSecs int64
	transportCooldownSecs int64
	cooldownBackoff       lb.CooldownBackoff
}

// parseStatusRanges reads "429,500-599,524" style specs. Malformed pieces
// are skipped.
func parseStatusRanges(spec string) []statusRange {
	var out []statusRange
	for _, raw := range strings.Split(spec, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(raw, "-"); ok {
			a, errA := strconv.Atoi(strings.TrimSpace(lo))
			b, errB := strconv.Atoi(strings.TrimSpace(hi))
			if errA != nil || errB != nil {
				continue
			}
			if a > b {
				a, b = b, a
			}
			out = append(out, statusRange{lo: a, hi: b})
			continue
		}
		code, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		out = append(out, statusRange{lo: code, hi: code})
	}
	return out
}

func statusMatches(ranges []statusRange, status int) bool {
	for _, r := range ranges {
		if status >= r.lo && status <= r.hi {
			return true
		}
	}
	return false
}

func classSet(classes []string) map[classify.Class]bool {
	out := make(map[classify.Class]bool, len(classes))
	for _, c := range classes {
		out[classify.Class(c)] = true
	}
	return out
}

func compileLayer(l config.ResolvedRetryLayer) layerOptions {
	return layerOptions{
		maxAttempts: l.MaxAttempts,
		backoffMs:   l.BackoffMs,
		backoffMax:  l.BackoffMax,
		jitterMs:    l.JitterMs,
		onStatus:    parseStatusRanges(l.OnStatus),
		onClass:     classSet(l.OnClass),
		strategy:    l.Strategy,
	}
}

func newRetryPlan(r config.ResolvedRetry) retryPlan {
	return retryPlan{
		upstream:              compileLayer(r.Upstream),
		provider:              compileLayer(r.Provider),
		neverStatus:           parseStatusRanges(r.NeverOnStatus),
		neverClass:            classSet(r.NeverOnClass),
		challengeCooldownSecs: r.CloudflareChallengeCooldownSecs,
		cfTimeoutCooldownSecs: r.CloudflareTimeoutCooldownSecs,
		transportCooldownSecs: r.TransportCooldownSecs,
		cooldownBackoff: lb.CooldownBackoff{
			Factor:  r.CooldownBackoffFactor,
			MaxSecs: r.CooldownBackoffMaxSecs,
		},
	}
}

func (p *retryPlan) layer(name string) *layerOptions {
	if name == layerProvider {
		return &p.provider
	}
	return &p.upstream
}

// shouldRetry is the single retry decision function.
//
// Guardrail classes veto everything. A retryable class then wins even when
// the raw status would be vetoed by never_on_status: a Cloudflare challenge
// page may ride on a status the guardrails name, and suppressing its
// recovery was the historical bug this ordering fixes.
func (p *retryPlan) shouldRetry(class classify.Class, status int, layerName string) bool {
	if p.neverClass[class] {
		return false
	}
	opts := p.layer(layerName)
	if class != "" && opts.onClass[class] {
		return true
	}
	if statusMatches(p.neverStatus, status) {
		return false
	}
	return statusMatches(opts.onStatus, status)
}

// guardrailMatch reports whether the outcome hits a never_on_* rule,
// accounting for the class-precedence carve-out above.
func (p *retryPlan) guardrailMatch(class classify.Class, status int) bool {
	if p.neverClass[class] {
		return true
	}
	if class != "" && (p.upstream.onClass[class] || p.provider.onClass[class]) {
		return false
	}
	return statusMatches(p.neverStatus, status)
}

// cooldownSecsFor maps an error class to its penalty. Rate limiting gets no
// cooldown; it relies on per-attempt backoff.
func (p *retryPlan) cooldownSecsFor(class classify.Class) int64 {
	switch class {
	case classify.ClassCloudflareChallenge:
		return p.challengeCooldownSecs
	case classify.ClassCloudflareTimeout:
		return p.cfTimeoutCooldownSecs
	case classify.ClassRateLimited:
		return 0
	default:
		return p.transportCooldownSecs
	}
}

// retryAfterDelay honors an upstream Retry-After: <seconds> header, capped
// at the layer's backoff ceiling.
func retryAfterDelay(opts *layerOptions, header http.Header) (time.Duration, bool) {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	ms := seconds * 1000
	ceiling := opts.backoffMax
	if opts.backoffMs > ceiling {
		ceiling = opts.backoffMs
	}
	if ms > ceiling {
		ms = ceiling
	}
	return time.Duration(ms) * time.Millisecond, true
}

// backoffDelay computes the jittered exponential delay for attemptIndex
// (zero-based within the layer).
func backoffDelay(opts *layerOptions, attemptIndex int) time.Duration {
	if opts.backoffMs == 0 {
		return 0
	}
	shift := attemptIndex
	if shift > 20 {
		shift = 20
	}
	ms := opts.backoffMs << shift
	ceiling := opts.backoffMax
	if opts.backoffMs > ceiling {
		ceiling = opts.backoffMs
	}
	if ms > ceiling {
		ms = ceiling
	}
	if opts.jitterMs > 0 {
		ms += rand.Int63n(opts.jitterMs + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

// sleepRetry waits out the backoff (or Retry-After hint), aborting early
// when the client goes away.
func sleepRetry(ctx context.Context, opts *layerOptions, attemptIndex int, respHeader http.Header) error {
	delay, ok := retryAfterDelay(opts, respHeader)
	if !ok {
		delay = backoffDelay(opts, attemptIndex)
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryInfoForChain summarizes the attempt chain; single-attempt requests
// carry no retry block.
func retryInfoForChain(chain []string, attempts int) *state.RetryInfo {
	if attempts <= 1 {
		return nil
	}
	return &state.RetryInfo{
		Attempts:      attempts,
		UpstreamChain: append([]string(nil), chain...),
	}
}
