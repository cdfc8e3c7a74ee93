// Package logging writes the append-only request log and the optional
// per-attempt retry trace. Both are JSON-per-line files behind size-based
// rotation; fields are stable and only ever added to.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/Latias94/codex-helper/internal/state"
)

// Entry is one request-log line. Secrets never appear here; auth is
// represented only by its resolution source inside HTTPDebug.
type Entry struct {
	TimestampMs int64            `json:"timestamp_ms"`
	Service     string           `json:"service"`
	Method      string           `json:"method"`
	Path        string           `json:"path"`
	StatusCode  int              `json:"status_code"`
	DurationMs  int64            `json:"duration_ms"`
	TTFBMs      *int64           `json:"ttfb_ms,omitempty"`
	ConfigName  string           `json:"config_name"`
	UpstreamURL string           `json:"upstream_base_url"`
	Usage       *state.Usage     `json:"usage,omitempty"`
	SessionID   string           `json:"session_id,omitempty"`
	CWD         string           `json:"cwd,omitempty"`
	Effort      string           `json:"reasoning_effort,omitempty"`
	Retry       *state.RetryInfo `json:"retry,omitempty"`
	HTTPDebug   *HTTPDebug       `json:"http_debug,omitempty"`
}

// HTTPDebug is the optional diagnostic blob attached when debug is enabled.
type HTTPDebug struct {
	TargetURL         string     `json:"target_url,omitempty"`
	RequestBodyLen    int        `json:"request_body_len,omitempty"`
	UpstreamBodyLen   int        `json:"upstream_request_body_len,omitempty"`
	UpstreamHeadersMs *int64     `json:"upstream_headers_ms,omitempty"`
	ErrorClass        string     `json:"upstream_error_class,omitempty"`
	ErrorHint         string     `json:"upstream_error_hint,omitempty"`
	CFRay             string     `json:"upstream_cf_ray,omitempty"`
	AuthResolution    *AuthDebug `json:"auth_resolution,omitempty"`
	ResponsePreview   string     `json:"upstream_response_body,omitempty"`
	UpstreamError     string     `json:"upstream_error,omitempty"`
}

// AuthDebug names where each credential came from, never its value.
type AuthDebug struct {
	TokenSource  string `json:"token_source,omitempty"`
	APIKeySource string `json:"api_key_source,omitempty"`
}

// FromFinished converts a finished-request record into a log entry.
func FromFinished(fin state.FinishedRequest, debug *HTTPDebug) Entry {
	configName := fin.ConfigName
	if configName == "" {
		configName = "-"
	}
	upstream := fin.UpstreamURL
	if upstream == "" {
		upstream = "-"
	}
	return Entry{
		TimestampMs: fin.EndedAtMs - fin.DurationMs,
		Service:     fin.Service,
		Method:      fin.Method,
		Path:        fin.Path,
		StatusCode:  fin.StatusCode,
		DurationMs:  fin.DurationMs,
		TTFBMs:      fin.TTFBMs,
		ConfigName:  configName,
		UpstreamURL: upstream,
		Usage:       fin.Usage,
		SessionID:   fin.SessionID,
		CWD:         fin.CWD,
		Effort:      fin.Effort,
		Retry:       fin.Retry,
		HTTPDebug:   debug,
	}
}

const sinkDepth = 256

// Writer drains entries from a bounded channel into one rotated file. A
// full channel drops the entry rather than stalling the request path.
type Writer struct {
	ch      chan Entry
	out     io.WriteCloser
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewWriter creates a writer backed by a rotated file at path. An empty
// path discards all entries.
func NewWriter(path string) *Writer {
	w := &Writer{
		ch:   make(chan Entry, sinkDepth),
		done: make(chan struct{}),
	}
	if path != "" {
		w.out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
		}
	}
	return w
}

// Log enqueues one entry. It never blocks the caller.
func (w *Writer) Log(entry Entry) {
	if w.out == nil {
		return
	}
	select {
	case w.ch <- entry:
	default:
		if w.dropped.Add(1)%100 == 1 {
			log.WithField("dropped", w.dropped.Load()).Warn("request log sink saturated; dropping entries")
		}
	}
}

// Dropped reports how many entries were lost to backpressure.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Run drains the sink until ctx is done, then flushes what is queued.
func (w *Writer) Run(ctx context.Context) error {
	if w.out == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	enc := json.NewEncoder(w.out)
	defer w.close()
	for {
		select {
		case entry := <-w.ch:
			if err := enc.Encode(entry); err != nil {
				log.WithError(err).Warn("failed to write request log entry")
			}
		case <-ctx.Done():
			for {
				select {
				case entry := <-w.ch:
					if err := enc.Encode(entry); err != nil {
						log.WithError(err).Warn("failed to flush request log entry")
					}
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (w *Writer) close() {
	w.closeOnce.Do(func() {
		if w.out != nil {
			_ = w.out.Close()
		}
		close(w.done)
	})
}
