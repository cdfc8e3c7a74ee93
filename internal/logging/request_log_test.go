package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Latias94/codex-helper/internal/state"
)

func TestFromFinished_StableFields(t *testing.T) {
	t.Parallel()

	ttfb := int64(33)
	fin := state.FinishedRequest{
		Service:     "codex",
		Method:      "POST",
		Path:        "/v1/responses",
		StatusCode:  200,
		DurationMs:  120,
		TTFBMs:      &ttfb,
		EndedAtMs:   1_760_000_000_120,
		ConfigName:  "primary",
		UpstreamURL: "https://p1.example.com",
		SessionID:   "sess-1",
		Effort:      "high",
		Usage:       &state.Usage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14},
		Retry:       &state.RetryInfo{Attempts: 2, UpstreamChain: []string{"a", "b"}},
	}

	entry := FromFinished(fin, nil)
	if entry.TimestampMs != 1_760_000_000_000 {
		t.Fatalf("timestamp_ms = %d", entry.TimestampMs)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{
		`"service":"codex"`, `"status_code":200`, `"ttfb_ms":33`,
		`"config_name":"primary"`, `"upstream_base_url":"https://p1.example.com"`,
		`"total_tokens":14`, `"attempts":2`, `"reasoning_effort":"high"`,
	} {
		if !strings.Contains(string(data), field) {
			t.Fatalf("entry json missing %s: %s", field, data)
		}
	}
	if strings.Contains(string(data), "http_debug") {
		t.Fatalf("entry json carries empty http_debug: %s", data)
	}
}

func TestFromFinished_PlaceholdersForUnroutedRequests(t *testing.T) {
	t.Parallel()

	entry := FromFinished(state.FinishedRequest{Service: "codex", StatusCode: 502}, nil)
	if entry.ConfigName != "-" || entry.UpstreamURL != "-" {
		t.Fatalf("placeholders = %q/%q, want -/-", entry.ConfigName, entry.UpstreamURL)
	}
}

func TestWriter_WritesJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "requests.jsonl")
	w := NewWriter(path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	w.Log(FromFinished(state.FinishedRequest{Service: "codex", Method: "POST", Path: "/a", StatusCode: 200}, nil))
	w.Log(FromFinished(state.FinishedRequest{Service: "codex", Method: "POST", Path: "/b", StatusCode: 502}, nil))

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2", len(lines))
	}
	var first Entry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if first.Path != "/a" || first.StatusCode != 200 {
		t.Fatalf("first line = %+v", first)
	}
}

func TestWriter_EmptyPathDiscards(t *testing.T) {
	t.Parallel()

	w := NewWriter("")
	w.Log(Entry{Service: "codex"})
	if w.Dropped() != 0 {
		t.Fatalf("Dropped() = %d, want 0 for disabled writer", w.Dropped())
	}
}

func TestTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer := NewTracer("")
	if tracer.Enabled() {
		t.Fatalf("Enabled() = true for empty path")
	}
	tracer.Trace(TraceEvent{Event: "attempt_select"})
}

func TestTracer_WritesEvents(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trace.jsonl")
	tracer := NewTracer(path)
	tracer.Trace(TraceEvent{Event: "attempt_select", ConfigName: "primary", StatusCode: 502, Decision: "retry"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	if !strings.Contains(string(data), `"event":"attempt_select"`) {
		t.Fatalf("trace line = %s", data)
	}
}
