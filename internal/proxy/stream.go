package proxy

import (
	"bytes"
	"errors"
	"io"
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

type streamMeta struct {
	start     time.Time
	headersMs int64
	chain     []string
	attempts  int
	auth      *logging.AuthDebug
}

const streamChunkSize = 32 << 10

// relayStream forwards a committed 2xx SSE response chunk by chunk. Writing
// the header is the commit: from then on an upstream failure terminates the
// stream with an error event instead of triggering a retry. Usage tokens are
// collected from the event payloads as they pass through.
func (h *Handler) relayStream(c *gin.Context, requestID string, cand routing.Candidate, resp *http.Response, meta streamMeta) {
	defer func() { _ = resp.Body.Close() }()

	w := c.Writer
	for name, values := range clientResponseHeaders(resp.Header) {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	var (
		acc        usage.Accumulator
		lineBuf    []byte
		firstByte  time.Time
		wroteBytes int64
		buf        = make([]byte, streamChunkSize)
		dropErr    error
	)

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if firstByte.IsZero() {
				firstByte = time.Now()
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away mid-stream; stop reading.
				dropErr = werr
				break
			}
			w.Flush()
			wroteBytes += int64(n)

			lineBuf = append(lineBuf, buf[:n]...)
			for {
				idx := bytes.IndexByte(lineBuf, '\n')
				if idx < 0 {
					break
				}
				acc.FeedLine(lineBuf[:idx])
				lineBuf = lineBuf[idx+1:]
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				dropErr = err
				// Surface the break to the client as a terminating event;
				// the response status itself is already committed.
				_, _ = w.Write([]byte("event: error\ndata: {\"error\":{\"type\":\"upstream_disconnected\",\"message\":\"upstream connection lost mid-stream\"}}\n\n"))
				w.Flush()
			}
			break
		}
	}
	if len(lineBuf) > 0 {
		acc.FeedLine(lineBuf)
	}

	duration := time.Since(meta.start)
	var ttfb *int64
	if !firstByte.IsZero() {
		v := firstByte.Sub(meta.start).Milliseconds()
		ttfb = &v
	} else {
		ttfb = &meta.headersMs
	}

	if dropErr != nil {
		log.WithError(dropErr).WithFields(log.Fields{
			"service": h.Service,
			"config":  cand.ConfigName,
			"bytes":   wroteBytes,
		}).Warn("stream ended early after commit")
	}

	fin := h.Store.FinishRequest(requestID, state.FinishedRequest{
		StatusCode:  resp.StatusCode,
		DurationMs:  duration.Milliseconds(),
		TTFBMs:      ttfb,
		EndedAtMs:   time.Now().UnixMilli(),
		ConfigName:  cand.ConfigName,
		UpstreamURL: cand.Upstream.BaseURL,
		Usage:       acc.Result(),
		Retry:       retryInfoForChain(meta.chain, meta.attempts),
	})
	h.Metrics.RequestsTotal.WithLabelValues(h.Service, metrics.StatusClass(resp.StatusCode)).Inc()
	h.Requests.Log(logging.FromFinished(fin, h.debugBlob(cand, meta.auth, resp.StatusCode, meta.headersMs, nil)))
}
