package state

import (
	"fmt"
	"testing"
)

func TestRequestLifecycle(t *testing.T) {
	t.Parallel()

	s := NewStore()
	id := s.BeginRequest(ActiveRequest{
		Service:   "codex",
		Method:    "POST",
		Path:      "/v1/responses",
		SessionID: "sess-1",
		Model:     "gpt-5",
	})

	if got := s.ListActive(); len(got) != 1 || got[0].ID != id {
		t.Fatalf("ListActive() = %v", got)
	}

	s.UpdateRoute(id, "primary", "https://p1.example.com")
	if got := s.ListActive()[0]; got.ConfigName != "primary" || got.UpstreamURL != "https://p1.example.com" {
		t.Fatalf("route = %q/%q", got.ConfigName, got.UpstreamURL)
	}

	ttfb := int64(42)
	fin := s.FinishRequest(id, FinishedRequest{
		StatusCode: 200,
		DurationMs: 120,
		TTFBMs:     &ttfb,
		Usage:      &Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	})

	if fin.Service != "codex" || fin.Method != "POST" || fin.Path != "/v1/responses" {
		t.Fatalf("finished inherits = %q %q %q", fin.Service, fin.Method, fin.Path)
	}
	if fin.ConfigName != "primary" {
		t.Fatalf("finished config = %q, want primary (from route update)", fin.ConfigName)
	}
	if len(s.ListActive()) != 0 {
		t.Fatalf("active not drained after finish")
	}

	recent := s.RecentFinished(10)
	if len(recent) != 1 || recent[0].StatusCode != 200 {
		t.Fatalf("RecentFinished() = %v", recent)
	}

	stats := s.SessionStatsSnapshot()["sess-1"]
	if stats.Requests != 1 || stats.Failures != 0 || stats.TotalTokens != 15 {
		t.Fatalf("session stats = %+v", stats)
	}
}

func TestRecentFinished_RingCapAndOrder(t *testing.T) {
	t.Parallel()

	s := NewStore()
	for i := 0; i < recentCap+50; i++ {
		id := s.BeginRequest(ActiveRequest{Service: "codex", Method: "POST", Path: fmt.Sprintf("/r/%d", i)})
		s.FinishRequest(id, FinishedRequest{StatusCode: 200})
	}

	recent := s.RecentFinished(recentCap + 100)
	if len(recent) != recentCap {
		t.Fatalf("RecentFinished() len = %d, want %d", len(recent), recentCap)
	}
	if recent[0].Path != fmt.Sprintf("/r/%d", recentCap+49) {
		t.Fatalf("RecentFinished()[0].Path = %q, want newest first", recent[0].Path)
	}
}

func TestSessionOverrides(t *testing.T) {
	t.Parallel()

	s := NewStore()

	s.SetSessionEffort("sess-1", "high")
	if got, ok := s.SessionEffort("sess-1"); !ok || got != "high" {
		t.Fatalf("SessionEffort() = %q/%v", got, ok)
	}

	// Idempotent: setting the same value twice keeps one entry.
	s.SetSessionEffort("sess-1", "high")
	if got := s.ListSessionEfforts(); len(got) != 1 || got["sess-1"] != "high" {
		t.Fatalf("ListSessionEfforts() = %v", got)
	}

	s.ClearSessionEffort("sess-1")
	if _, ok := s.SessionEffort("sess-1"); ok {
		t.Fatalf("SessionEffort() present after clear")
	}

	s.SetSessionConfig("sess-2", "backup")
	if got, ok := s.SessionConfig("sess-2"); !ok || got != "backup" {
		t.Fatalf("SessionConfig() = %q/%v", got, ok)
	}
}

func TestPinnedConfigResolution(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if name, source := s.PinnedConfig("sess-1"); name != "" || source != "" {
		t.Fatalf("PinnedConfig() = %q/%q, want empty", name, source)
	}

	s.SetGlobalConfig("global-cfg")
	if name, source := s.PinnedConfig("sess-1"); name != "global-cfg" || source != "global" {
		t.Fatalf("PinnedConfig() = %q/%q, want global-cfg/global", name, source)
	}

	// Session pin wins over the global pin.
	s.SetSessionConfig("sess-1", "session-cfg")
	if name, source := s.PinnedConfig("sess-1"); name != "session-cfg" || source != "session" {
		t.Fatalf("PinnedConfig() = %q/%q, want session-cfg/session", name, source)
	}

	s.SetGlobalConfig("")
	s.ClearSessionConfig("sess-1")
	if name, _ := s.PinnedConfig("sess-1"); name != "" {
		t.Fatalf("PinnedConfig() = %q, want empty after clears", name)
	}
}

func TestFailureCountsInSessionStats(t *testing.T) {
	t.Parallel()

	s := NewStore()
	id := s.BeginRequest(ActiveRequest{Service: "codex", SessionID: "sess-f"})
	s.FinishRequest(id, FinishedRequest{StatusCode: 502, DurationMs: 10})

	stats := s.SessionStatsSnapshot()["sess-f"]
	if stats.Requests != 1 || stats.Failures != 1 {
		t.Fatalf("session stats = %+v, want one failure", stats)
	}
}
