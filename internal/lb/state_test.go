package lb

import (
	"testing"
	"time"

	"github.com/Latias94/codex-helper/internal/classify"
)

func fixedNowTable(now time.Time) *Table {
	t := NewTable()
	t.now = func() time.Time { return now }
	return t
}

func TestPenalize_SetsCooldownAndFailureCount(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	table := fixedNowTable(now)

	table.Penalize("primary", 0, 30, classify.ClassTransportError, CooldownBackoff{Factor: 1})

	st := table.Get("primary", 0)
	if st.ConsecutiveFailures != 1 {
		t.Fatalf("consecutive_failures = %d, want 1", st.ConsecutiveFailures)
	}
	if want := now.Add(30 * time.Second); !st.CooldownUntil.Equal(want) {
		t.Fatalf("cooldown_until = %v, want %v", st.CooldownUntil, want)
	}
	if st.LastErrorClass != classify.ClassTransportError {
		t.Fatalf("last_error_class = %q", st.LastErrorClass)
	}
}

func TestPenalize_CooldownIsMonotonic(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	table := fixedNowTable(now)

	table.Penalize("primary", 0, 300, classify.ClassCloudflareChallenge, CooldownBackoff{Factor: 1})
	long := table.Get("primary", 0).CooldownUntil

	// A shorter follow-up penalty must not pull the window back.
	table.Penalize("primary", 0, 5, classify.ClassTransportError, CooldownBackoff{Factor: 1})
	if got := table.Get("primary", 0).CooldownUntil; got.Before(long) {
		t.Fatalf("cooldown_until = %v, regressed below %v", got, long)
	}
}

func TestPenalize_MultiplicativeBackoff(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	table := fixedNowTable(now)
	backoff := CooldownBackoff{Factor: 2, MaxSecs: 900}

	table.Penalize("primary", 0, 60, classify.ClassServerError, backoff)
	if want := now.Add(60 * time.Second); !table.Get("primary", 0).CooldownUntil.Equal(want) {
		t.Fatalf("first penalty cooldown = %v, want %v", table.Get("primary", 0).CooldownUntil, want)
	}

	table.Penalize("primary", 0, 60, classify.ClassServerError, backoff)
	if want := now.Add(120 * time.Second); !table.Get("primary", 0).CooldownUntil.Equal(want) {
		t.Fatalf("second penalty cooldown = %v, want %v", table.Get("primary", 0).CooldownUntil, want)
	}

	// Factor growth is capped at MaxSecs.
	for i := 0; i < 10; i++ {
		table.Penalize("primary", 0, 60, classify.ClassServerError, backoff)
	}
	if want := now.Add(900 * time.Second); !table.Get("primary", 0).CooldownUntil.Equal(want) {
		t.Fatalf("capped cooldown = %v, want %v", table.Get("primary", 0).CooldownUntil, want)
	}
}

func TestRecordSuccess_ResetsState(t *testing.T) {
	t.Parallel()

	table := fixedNowTable(time.Now())
	table.Penalize("primary", 1, 300, classify.ClassCloudflareChallenge, CooldownBackoff{Factor: 1})
	table.RecordSuccess("primary", 1, 420*time.Millisecond)

	st := table.Get("primary", 1)
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures = %d, want 0", st.ConsecutiveFailures)
	}
	if !st.CooldownUntil.IsZero() {
		t.Fatalf("cooldown_until = %v, want zero", st.CooldownUntil)
	}
	if st.LastLatencyMs != 420 {
		t.Fatalf("last_latency_ms = %d, want 420", st.LastLatencyMs)
	}
	if !st.Hot(time.Now()) {
		t.Fatalf("Hot() = false after success")
	}
}

func TestSetUsageExhausted(t *testing.T) {
	t.Parallel()

	table := NewTable()
	table.SetUsageExhausted("primary", 0, true)
	if !table.Get("primary", 0).UsageExhausted {
		t.Fatalf("usage_exhausted = false, want true")
	}
	table.SetUsageExhausted("primary", 0, false)
	if table.Get("primary", 0).UsageExhausted {
		t.Fatalf("usage_exhausted = true, want false")
	}
}

func TestSnapshotConfig_IsACopy(t *testing.T) {
	t.Parallel()

	table := NewTable()
	table.RecordFailure("primary", 0, classify.ClassRateLimited)

	snap := table.SnapshotConfig("primary")
	if len(snap) != 1 || snap[0].ConsecutiveFailures != 1 {
		t.Fatalf("snapshot = %v", snap)
	}

	st := snap[0]
	st.ConsecutiveFailures = 99
	if table.Get("primary", 0).ConsecutiveFailures != 1 {
		t.Fatalf("snapshot mutation leaked into table")
	}
}
