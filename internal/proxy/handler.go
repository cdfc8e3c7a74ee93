package proxy

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Latias94/codex-helper/internal/classify"
	"github.com/Latias94/codex-helper/internal/config"
	"github.com/Latias94/codex-helper/internal/filterrules"
	"github.com/Latias94/codex-helper/internal/fingerprint"
	"github.com/Latias94/codex-helper/internal/lb"
	"github.com/Latias94/codex-helper/internal/logging"
	"github.com/Latias94/codex-helper/internal/metrics"
	"github.com/Latias94/codex-helper/internal/routing"
	"github.com/Latias94/codex-helper/internal/state"
)

const (
	defaultMaxBodyBytes  = 10 << 20
	classifyPreviewBytes = 16 << 10
	defaultRequestBudget = 5 * time.Minute
	defaultDialTimeout   = 10 * time.Second
	defaultHeaderTimeout = 2 * time.Minute
)

// Handler proxies one service's traffic through the retry engine.
type Handler struct {
	Service  string
	Runtime  *config.Runtime
	States   *lb.Table
	Store    *state.Store
	Filters  *filterrules.Engine
	Requests *logging.Writer
	Tracer   *logging.Tracer
	Metrics  *metrics.Metrics
	Client   *http.Client

	// MaxBodyBytes bounds the buffered client request body.
	MaxBodyBytes int64

	// RequestBudget bounds the pre-commit attempt phase. Committed streams
	// are never cut off by it.
	RequestBudget time.Duration
}

// NewTransport returns the upstream transport with the proxy's connect and
// header timeouts applied.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: defaultHeaderTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

func (h *Handler) maxBody() int64 {
	if h.MaxBodyBytes > 0 {
		return h.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

func (h *Handler) budget() time.Duration {
	if h.RequestBudget > 0 {
		return h.RequestBudget
	}
	return defaultRequestBudget
}

// attemptOutcome captures one upstream attempt for the decision step.
type attemptOutcome struct {
	status    int
	class     classify.Class
	hint      string
	cfRay     string
	header    http.Header
	body      []byte
	committed bool
	transport bool
	err       error
	headersMs int64
}

// Proxy handles one client request end to end.
func (h *Handler) Proxy(c *gin.Context) {
	start := time.Now()
	r := c.Request

	h.Runtime.MaybeReload()
	cfg := h.Runtime.Snapshot()
	mgr := cfg.Service(h.Service)

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody()+1))
	if err != nil {
		h.finishUnrouted(c, start, state.FinishedRequest{}, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > h.maxBody() {
		h.finishUnrouted(c, start, state.FinishedRequest{}, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	fp := fingerprint.Extract(r.Method, r.URL.Path, r.Header, body)
	h.Store.TouchSession(fp.SessionID)

	effort := fp.Effort
	if override, ok := h.Store.SessionEffort(fp.SessionID); ok {
		body = fingerprint.ApplyEffortOverride(body, override)
		effort = override
	}

	pinned, pinnedSource := h.Store.PinnedConfig(fp.SessionID)
	resolved := cfg.Retry.Resolve()
	plan := newRetryPlan(resolved)
	candidates := routing.Plan(mgr, h.States, routing.Request{
		Model:        fp.Model,
		PinnedConfig: pinned,
	}, resolved, time.Now())

	if len(candidates) == 0 {
		h.finishUnrouted(c, start, state.FinishedRequest{
			SessionID: fp.SessionID, CWD: fp.CWD, Effort: effort,
		}, http.StatusBadGateway, "no active upstream config")
		return
	}

	requestID := h.Store.BeginRequest(state.ActiveRequest{
		Service:   h.Service,
		Method:    r.Method,
		Path:      r.URL.Path,
		SessionID: fp.SessionID,
		CWD:       fp.CWD,
		Model:     fp.Model,
		Effort:    effort,
	})

	h.Tracer.Trace(logging.TraceEvent{
		Event:     "plan",
		Service:   h.Service,
		RequestID: requestID,
		Detail: map[string]any{
			"pinned":        pinned,
			"pinned_source": pinnedSource,
			"candidates":    len(candidates),
			"model":         fp.Model,
		},
	})

	deadline := start.Add(h.budget())

	var (
		chain        []string
		attempts     int
		configsTried = map[string]bool{}
		attemptInCfg int
		lastStatus   int
		lastBody     []byte
		lastHeader   http.Header
		sawAnyStatus bool
	)

	// Skips are diagnostic only; the retry chain records real attempts so
	// its length always matches the attempt count.
	for _, cand := range candidates {
		if cand.Skipped {
			h.Tracer.Trace(logging.TraceEvent{
				Event:       "upstream_skipped",
				Service:     h.Service,
				RequestID:   requestID,
				ConfigName:  cand.ConfigName,
				UpstreamURL: cand.Upstream.BaseURL,
				Reason:      "unsupported_model=" + fp.Model,
			})
		}
	}

	// nextSlot finds the next usable candidate at or after idx. When
	// crossConfig is set it skips the rest of the current config: that jump
	// is the provider-layer failover.
	nextSlot := func(idx int, currentConfig string, crossConfig bool) int {
		for ; idx < len(candidates); idx++ {
			cand := candidates[idx]
			if cand.Skipped {
				continue
			}
			if crossConfig && cand.ConfigName == currentConfig {
				continue
			}
			return idx
		}
		return -1
	}

	idx := nextSlot(0, "", false)
	for idx >= 0 {
		cand := candidates[idx]
		if !configsTried[cand.ConfigName] {
			if len(configsTried) > 0 {
				h.Metrics.FailoversTotal.WithLabelValues(h.Service).Inc()
			}
			configsTried[cand.ConfigName] = true
			attemptInCfg = 0
		}

		if r.Context().Err() != nil {
			h.finishAborted(requestID, start, chain, attempts)
			return
		}
		if time.Now().After(deadline) {
			h.finishBudgetExceeded(c, requestID, start, chain, attempts, sawAnyStatus, lastStatus, lastBody)
			return
		}

		attempts++
		attemptInCfg++

		outcome := h.attempt(c, requestID, start, cand, body, fp.Model, chain, attempts)
		h.Metrics.AttemptsTotal.WithLabelValues(cand.ConfigName, string(outcome.class)).Inc()

		if outcome.committed {
			// The stream relay ran to completion and finished the request.
			h.States.RecordSuccess(cand.ConfigName, cand.UpstreamIndex, time.Duration(outcome.headersMs)*time.Millisecond)
			return
		}

		chain = append(chain, chainEntry(cand, outcome, fp.Model))

		if outcome.class == classify.ClassOK {
			h.States.RecordSuccess(cand.ConfigName, cand.UpstreamIndex, time.Duration(outcome.headersMs)*time.Millisecond)
			h.finishBuffered(c, requestID, start, cand, outcome, chain, attempts)
			return
		}

		if !outcome.transport {
			sawAnyStatus = true
			lastStatus = outcome.status
			lastBody = outcome.body
			lastHeader = outcome.header
		}

		if plan.guardrailMatch(outcome.class, outcome.status) {
			// Guardrails pass the upstream response through untouched and
			// leave the upstream's health alone.
			h.trace(requestID, attempts, layerUpstream, cand, outcome, "stop", "guardrail")
			h.finishPassthrough(c, requestID, start, cand, outcome, chain, attempts)
			return
		}

		// Layer 1: keep going inside the current config while its slots and
		// policy allow. Layer 2: otherwise jump to the next config.
		sameConfigIdx := nextSlot(idx+1, cand.ConfigName, false)
		stayInConfig := sameConfigIdx >= 0 && candidates[sameConfigIdx].ConfigName == cand.ConfigName &&
			plan.shouldRetry(outcome.class, outcome.status, layerUpstream)

		if stayInConfig {
			h.trace(requestID, attempts, layerUpstream, cand, outcome, "retry", "")
			h.applyPenalty(plan, cand, outcome)
			if err := sleepRetry(r.Context(), &plan.upstream, attemptInCfg-1, outcome.header); err != nil {
				h.finishAborted(requestID, start, chain, attempts)
				return
			}
			idx = sameConfigIdx
			continue
		}

		failoverIdx := nextSlot(idx+1, cand.ConfigName, true)
		if failoverIdx >= 0 && plan.shouldRetry(outcome.class, outcome.status, layerProvider) {
			h.trace(requestID, attempts, layerProvider, cand, outcome, "retry", "failover")
			h.applyPenalty(plan, cand, outcome)
			if err := sleepRetry(r.Context(), &plan.provider, len(configsTried)-1, outcome.header); err != nil {
				h.finishAborted(requestID, start, chain, attempts)
				return
			}
			idx = failoverIdx
			continue
		}

		// No layer permits another attempt.
		reason := "not retryable"
		if failoverIdx < 0 {
			reason = "candidates exhausted"
		}
		h.trace(requestID, attempts, layerProvider, cand, outcome, "stop", reason)
		h.applyPenalty(plan, cand, outcome)
		if outcome.transport {
			h.finishError(c, requestID, start, http.StatusBadGateway, chain, attempts, outcome)
			return
		}
		h.finishPassthrough(c, requestID, start, cand, outcome, chain, attempts)
		return
	}

	h.finishExhausted(c, requestID, start, chain, attempts, sawAnyStatus, lastStatus, lastBody, lastHeader)
}

// attempt performs one upstream exchange. A 2xx SSE response commits and
// relays inside this call (outcome.committed); everything else comes back
// buffered for classification.
func (h *Handler) attempt(c *gin.Context, requestID string, start time.Time, cand routing.Candidate, body []byte, model string, chain []string, attempts int) attemptOutcome {
	r := c.Request

	attemptBody := body
	if cand.EffectiveModel != "" && cand.EffectiveModel != model {
		attemptBody = fingerprint.ApplyModelOverride(body, cand.EffectiveModel)
	}
	attemptBody = h.Filters.Apply(attemptBody)

	target, err := buildTargetURL(cand.Upstream.BaseURL, r.URL)
	if err != nil {
		return attemptOutcome{transport: true, class: classify.ClassTransportError, err: err}
	}

	headers, authDebug := upstreamRequestHeaders(r.Header, cand.Upstream)
	h.Store.UpdateRoute(requestID, cand.ConfigName, cand.Upstream.BaseURL)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(attemptBody))
	if err != nil {
		return attemptOutcome{transport: true, class: classify.ClassTransportError, err: err}
	}
	req.Header = headers

	upstreamStart := time.Now()
	resp, err := h.Client.Do(req)
	if err != nil {
		result := classify.Transport(err, http.Header{})
		return attemptOutcome{
			transport: true,
			class:     result.Class,
			hint:      result.Hint,
			err:       err,
			headersMs: time.Since(upstreamStart).Milliseconds(),
		}
	}
	headersMs := time.Since(upstreamStart).Milliseconds()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 &&
		strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		// Commit point: after the first forwarded byte no retry is possible.
		ok := attemptOutcome{status: resp.StatusCode, class: classify.ClassOK, headersMs: headersMs}
		h.relayStream(c, requestID, cand, resp, streamMeta{
			start:     start,
			headersMs: headersMs,
			chain:     append(append([]string(nil), chain...), chainEntry(cand, ok, model)),
			attempts:  attempts,
			auth:      authDebug,
		})
		return attemptOutcome{status: resp.StatusCode, class: classify.ClassOK, committed: true, headersMs: headersMs}
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil && resp.StatusCode < 300 {
		// A 2xx that dies before the body completes never reached the
		// client; it is still retryable transport failure territory.
		result := classify.Transport(readErr, resp.Header)
		return attemptOutcome{
			transport: true,
			class:     result.Class,
			hint:      result.Hint,
			err:       readErr,
			headersMs: headersMs,
		}
	}

	preview := classify.DecodePreview(resp.Header, raw, classifyPreviewBytes)
	result := classify.Response(resp.StatusCode, resp.Header, preview)
	return attemptOutcome{
		status:    resp.StatusCode,
		class:     result.Class,
		hint:      result.Hint,
		cfRay:     result.CFRay,
		header:    resp.Header,
		body:      raw,
		headersMs: headersMs,
	}
}

// applyPenalty updates LB state for a failed attempt.
func (h *Handler) applyPenalty(plan retryPlan, cand routing.Candidate, outcome attemptOutcome) {
	if outcome.transport {
		h.penalize(plan, cand, outcome.class)
		return
	}
	h.penalizeResponse(plan, cand, outcome)
}

func (h *Handler) penalize(plan retryPlan, cand routing.Candidate, class classify.Class) {
	secs := plan.cooldownSecsFor(class)
	if secs <= 0 {
		h.States.RecordFailure(cand.ConfigName, cand.UpstreamIndex, class)
		return
	}
	h.States.Penalize(cand.ConfigName, cand.UpstreamIndex, secs, class, plan.cooldownBackoff)
	h.Metrics.CooldownsTotal.WithLabelValues(cand.ConfigName, string(class)).Inc()
}

func (h *Handler) penalizeResponse(plan retryPlan, cand routing.Candidate, outcome attemptOutcome) {
	switch outcome.class {
	case classify.ClassRateLimited:
		h.States.RecordFailure(cand.ConfigName, cand.UpstreamIndex, outcome.class)
	case classify.ClassCloudflareChallenge, classify.ClassCloudflareTimeout,
		classify.ClassServerError, classify.ClassAuthRouting, classify.ClassTransportError:
		h.penalize(plan, cand, outcome.class)
	default:
		// Unclassified 3xx/4xx stay neutral so client-side mistakes do not
		// poison upstream health.
	}
}

func (h *Handler) trace(requestID string, attempt int, layer string, cand routing.Candidate, outcome attemptOutcome, decision, reason string) {
	h.Tracer.Trace(logging.TraceEvent{
		Event:       "retry_decision",
		Service:     h.Service,
		RequestID:   requestID,
		Attempt:     attempt,
		Layer:       layer,
		ConfigName:  cand.ConfigName,
		UpstreamURL: cand.Upstream.BaseURL,
		StatusCode:  outcome.status,
		ErrorClass:  string(outcome.class),
		Decision:    decision,
		Reason:      reason,
	})
}

func chainEntry(cand routing.Candidate, outcome attemptOutcome, model string) string {
	modelNote := model
	if modelNote == "" {
		modelNote = "-"
	} else if cand.EffectiveModel != "" && cand.EffectiveModel != model {
		modelNote = model + "->" + cand.EffectiveModel
	}
	if outcome.transport {
		errStr := "-"
		if outcome.err != nil {
			errStr = outcome.err.Error()
		}
		return cand.ConfigName + ":" + cand.Upstream.BaseURL +
			" (idx=" + strconv.Itoa(cand.UpstreamIndex) + ") transport_error=" + errStr + " model=" + modelNote
	}
	classNote := "-"
	if outcome.class != "" && outcome.class != classify.ClassOK {
		classNote = string(outcome.class)
	}
	return cand.Upstream.BaseURL + " (idx=" + strconv.Itoa(cand.UpstreamIndex) + ") status=" +
		strconv.Itoa(outcome.status) + " class=" + classNote + " model=" + modelNote
}
