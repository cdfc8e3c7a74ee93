package logging

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// TraceEvent is one retry-trace record: what an attempt saw, which layer
// decided, and why a retry did or did not happen.
type TraceEvent struct {
	TimestampMs int64  `json:"timestamp_ms"`
	Event       string `json:"event"`
	Service     string `json:"service,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Layer       string `json:"layer,omitempty"`
	ConfigName  string `json:"config_name,omitempty"`
	UpstreamURL string `json:"upstream_base_url,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	ErrorClass  string `json:"error_class,omitempty"`
	Decision    string `json:"decision,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Detail      any    `json:"detail,omitempty"`
}

// Tracer appends retry-trace events to a rotated JSONL file. A nil or
// disabled tracer is safe to call and does nothing.
type Tracer struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewTracer creates a tracer writing to path; empty disables tracing.
func NewTracer(path string) *Tracer {
	t := &Tracer{}
	if path != "" {
		t.out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
		}
	}
	return t
}

// Enabled reports whether events are being recorded.
func (t *Tracer) Enabled() bool { return t != nil && t.out != nil }

// Trace writes one event. Attempt bookkeeping happens inline on the request
// path, so failures are logged and swallowed.
func (t *Tracer) Trace(ev TraceEvent) {
	if !t.Enabled() {
		return
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Warn("failed to encode retry trace event")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		log.WithError(err).Warn("failed to write retry trace event")
	}
}
