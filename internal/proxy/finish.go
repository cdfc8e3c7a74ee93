package proxy

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Latias94/codex-helper/internal/logging"
	"github.com/Latias94/codex-helper/internal/metrics"
	"github.com/Latias94/codex-helper/internal/routing"
	"github.com/Latias94/codex-helper/internal/state"
	"github.com/Latias94/codex-helper/internal/usage"
)

// statusClientClosed mirrors the conventional 499 used for a client that
// disconnected before a response was produced.
const statusClientClosed = 499

func (h *Handler) debugBlob(cand routing.Candidate, auth *logging.AuthDebug, status int, headersMs int64, preview []byte) *logging.HTTPDebug {
	if !h.Runtime.Snapshot().HTTPDebug {
		return nil
	}
	blob := &logging.HTTPDebug{
		TargetURL:         cand.Upstream.BaseURL,
		UpstreamHeadersMs: &headersMs,
		AuthResolution:    auth,
	}
	if len(preview) > 0 {
		limit := len(preview)
		if limit > 2048 {
			limit = 2048
		}
		blob.ResponsePreview = string(preview[:limit])
	}
	return blob
}

func (h *Handler) emit(fin state.FinishedRequest, debug *logging.HTTPDebug) {
	h.Metrics.RequestsTotal.WithLabelValues(h.Service, metrics.StatusClass(fin.StatusCode)).Inc()
	h.Requests.Log(logging.FromFinished(fin, debug))
}

// finishUnrouted reports a request that failed before any upstream was
// selected (bad body, empty plan).
func (h *Handler) finishUnrouted(c *gin.Context, start time.Time, fin state.FinishedRequest, status int, message string) {
	fin.Service = h.Service
	fin.Method = c.Request.Method
	fin.Path = c.Request.URL.Path
	fin.StatusCode = status
	fin.DurationMs = time.Since(start).Milliseconds()
	fin.EndedAtMs = time.Now().UnixMilli()
	h.emit(fin, nil)

	c.JSON(status, gin.H{"error": gin.H{"type": "proxy_error", "message": message}})
}

// finishAborted records a request whose client disconnected mid-engine.
// Nothing can be written back.
func (h *Handler) finishAborted(requestID string, start time.Time, chain []string, attempts int) {
	fin := h.Store.FinishRequest(requestID, state.FinishedRequest{
		StatusCode: statusClientClosed,
		DurationMs: time.Since(start).Milliseconds(),
		EndedAtMs:  time.Now().UnixMilli(),
		Retry:      retryInfoForChain(chain, attempts),
	})
	h.emit(fin, nil)
	log.WithFields(log.Fields{"service": h.Service, "attempts": attempts}).Debug("client disconnected; aborting retries")
}

// finishBudgetExceeded reports a request that ran out of its overall budget
// before committing: 504 when no upstream ever answered, otherwise the last
// upstream status is surfaced.
func (h *Handler) finishBudgetExceeded(c *gin.Context, requestID string, start time.Time, chain []string, attempts int, sawAnyStatus bool, lastStatus int, lastBody []byte) {
	status := http.StatusGatewayTimeout
	if sawAnyStatus {
		status = http.StatusBadGateway
	}
	fin := h.Store.FinishRequest(requestID, state.FinishedRequest{
		StatusCode: status,
		DurationMs: time.Since(start).Milliseconds(),
		EndedAtMs:  time.Now().UnixMilli(),
		Retry:      retryInfoForChain(chain, attempts),
	})
	h.emit(fin, nil)

	if sawAnyStatus {
		c.JSON(status, gin.H{"error": gin.H{
			"type":            "upstream_unavailable",
			"message":         "request budget exhausted during retries",
			"last_status":     lastStatus,
			"last_body_bytes": len(lastBody),
		}})
		return
	}
	c.JSON(status, gin.H{"error": gin.H{
		"type":    "proxy_timeout",
		"message": "no upstream produced a response within the request budget",
	}})
}

// finishBuffered returns a successful non-streaming response.
func (h *Handler) finishBuffered(c *gin.Context, requestID string, start time.Time, cand routing.Candidate, outcome attemptOutcome, chain []string, attempts int) {
	ttfb := outcome.headersMs
	fin := h.Store.FinishRequest(requestID, state.FinishedRequest{
		StatusCode:  outcome.status,
		DurationMs:  time.Since(start).Milliseconds(),
		TTFBMs:      &ttfb,
		EndedAtMs:   time.Now().UnixMilli(),
		ConfigName:  cand.ConfigName,
		UpstreamURL: cand.Upstream.BaseURL,
		Usage:       usage.FromJSON(outcome.body),
		Retry:       retryInfoForChain(chain, attempts),
	})
	h.emit(fin, h.debugBlob(cand, nil, outcome.status, outcome.headersMs, nil))

	h.writeUpstreamResponse(c, outcome)
}

// finishPassthrough returns a final upstream error response verbatim.
func (h *Handler) finishPassthrough(c *gin.Context, requestID string, start time.Time, cand routing.Candidate, outcome attemptOutcome, chain []string, attempts int) {
	ttfb := outcome.headersMs
	fin := h.Store.FinishRequest(requestID, state.FinishedRequest{
		StatusCode:  outcome.status,
		DurationMs:  time.Since(start).Milliseconds(),
		TTFBMs:      &ttfb,
		EndedAtMs:   time.Now().UnixMilli(),
		ConfigName:  cand.ConfigName,
		UpstreamURL: cand.Upstream.BaseURL,
		Retry:       retryInfoForChain(chain, attempts),
	})
	h.emit(fin, h.debugBlob(cand, nil, outcome.status, outcome.headersMs, outcome.body))

	h.writeUpstreamResponse(c, outcome)
}

func (h *Handler) writeUpstreamResponse(c *gin.Context, outcome attemptOutcome) {
	w := c.Writer
	for name, values := range clientResponseHeaders(outcome.header) {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(outcome.status)
	if len(outcome.body) > 0 {
		_, _ = w.Write(outcome.body)
	}
}

// finishError reports a final transport failure as 502.
func (h *Handler) finishError(c *gin.Context, requestID string, start time.Time, status int, chain []string, attempts int, outcome attemptOutcome) {
	fin := h.Store.FinishRequest(requestID, state.FinishedRequest{
		StatusCode: status,
		DurationMs: time.Since(start).Milliseconds(),
		EndedAtMs:  time.Now().UnixMilli(),
		Retry:      retryInfoForChain(chain, attempts),
	})
	h.emit(fin, nil)

	message := "upstream transport error"
	if outcome.err != nil {
		message = outcome.err.Error()
	}
	c.JSON(status, gin.H{"error": gin.H{
		"type":    "upstream_unavailable",
		"message": message,
		"class":   string(outcome.class),
	}})
}

// finishExhausted reports that every candidate was tried without success.
// The body carries the last upstream status and a short cause tag.
func (h *Handler) finishExhausted(c *gin.Context, requestID string, start time.Time, chain []string, attempts int, sawAnyStatus bool, lastStatus int, lastBody []byte, lastHeader http.Header) {
	fin := h.Store.FinishRequest(requestID, state.FinishedRequest{
		StatusCode: http.StatusBadGateway,
		DurationMs: time.Since(start).Milliseconds(),
		EndedAtMs:  time.Now().UnixMilli(),
		Retry:      retryInfoForChain(chain, attempts),
	})
	h.emit(fin, nil)

	cause := "retry_exhausted"
	if !sawAnyStatus {
		cause = "no_upstream_response"
	}
	resp := gin.H{"error": gin.H{
		"type":    "upstream_unavailable",
		"message": "all upstream candidates exhausted",
		"cause":   cause,
	}}
	if sawAnyStatus {
		resp["error"].(gin.H)["last_status"] = lastStatus
		if len(lastBody) > 0 && len(lastBody) <= 4096 {
			resp["error"].(gin.H)["last_body"] = string(lastBody)
		}
	}
	c.JSON(http.StatusBadGateway, resp)
}
