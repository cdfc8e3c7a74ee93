// Package lb holds the process-wide load-balancer state: per-upstream
// health keyed by (config name, upstream index). State is created lazily,
// lives for the process, and is never persisted.
package lb

import (
	"sync"
	"time"

	"github.com/Latias94/codex-helper/internal/classify"
)

// UpstreamState is the mutable health record for one (config, upstream).
type UpstreamState struct {
	// CooldownUntil is zero when the upstream is hot. Under consecutive
	// failures it only moves forward in time.
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`

	ConsecutiveFailures int `json:"consecutive_failures"`

	LastErrorClass classify.Class `json:"last_error_class,omitempty"`

	LastLatencyMs int64 `json:"last_latency_ms,omitempty"`

	// UsageExhausted is an advisory flag set by the external usage poller.
	// It demotes the upstream in planning but never disqualifies it.
	UsageExhausted bool `json:"usage_exhausted,omitempty"`
}

// Hot reports whether the upstream is outside any cooldown window at now.
func (s UpstreamState) Hot(now time.Time) bool {
	return s.CooldownUntil.IsZero() || !s.CooldownUntil.After(now)
}

// CooldownBackoff scales repeated penalties: penalty = base * factor^(n-1),
// capped at MaxSecs, where n is the consecutive-failure count.
type CooldownBackoff struct {
	Factor  int64
	MaxSecs int64
}

func (b CooldownBackoff) scale(baseSecs int64, consecutiveFailures int) time.Duration {
	secs := baseSecs
	if b.Factor > 1 {
		for i := 1; i < consecutiveFailures; i++ {
			secs *= b.Factor
			if b.MaxSecs > 0 && secs >= b.MaxSecs {
				secs = b.MaxSecs
				break
			}
		}
	}
	if b.MaxSecs > 0 && secs > b.MaxSecs {
		secs = b.MaxSecs
	}
	return time.Duration(secs) * time.Second
}

type key struct {
	config string
	index  int
}

// Table is the concurrent state map. Locking is striped per config so the
// read-heavy planning path does not serialize across configs.
type Table struct {
	mu     sync.Mutex
	shards map[string]*shard

	// now is swappable for tests.
	now func() time.Time
}

type shard struct {
	mu     sync.RWMutex
	states map[int]*UpstreamState
}

// NewTable creates an empty state table.
func NewTable() *Table {
	return &Table{shards: make(map[string]*shard), now: time.Now}
}

func (t *Table) shard(config string) *shard {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.shards[config]
	if !ok {
		s = &shard{states: make(map[int]*UpstreamState)}
		t.shards[config] = s
	}
	return s
}

func (s *shard) state(index int) *UpstreamState {
	st, ok := s.states[index]
	if !ok {
		st = &UpstreamState{}
		s.states[index] = st
	}
	return st
}

// Get returns a copy of the state for one upstream.
func (t *Table) Get(config string, index int) UpstreamState {
	s := t.shard(config)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[index]; ok {
		return *st
	}
	return UpstreamState{}
}

// SnapshotConfig returns a consistent copy of all known states for one
// config, keyed by upstream index.
func (t *Table) SnapshotConfig(config string) map[int]UpstreamState {
	s := t.shard(config)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]UpstreamState, len(s.states))
	for idx, st := range s.states {
		out[idx] = *st
	}
	return out
}

// Penalize records a failure and extends the cooldown window. The window is
// monotonic: a shorter new penalty never shortens an existing cooldown.
func (t *Table) Penalize(config string, index int, baseSecs int64, class classify.Class, backoff CooldownBackoff) {
	now := t.now()
	s := t.shard(config)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(index)
	st.ConsecutiveFailures++
	st.LastErrorClass = class
	if baseSecs > 0 {
		until := now.Add(backoff.scale(baseSecs, st.ConsecutiveFailures))
		if until.After(st.CooldownUntil) {
			st.CooldownUntil = until
		}
	}
}

// RecordFailure bumps the failure count without adding cooldown. Used for
// rate limiting, which relies on per-attempt backoff instead.
func (t *Table) RecordFailure(config string, index int, class classify.Class) {
	s := t.shard(config)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(index)
	st.ConsecutiveFailures++
	st.LastErrorClass = class
}

// RecordSuccess resets failure tracking and clears any cooldown.
func (t *Table) RecordSuccess(config string, index int, latency time.Duration) {
	s := t.shard(config)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(index)
	st.ConsecutiveFailures = 0
	st.CooldownUntil = time.Time{}
	st.LastErrorClass = ""
	st.LastLatencyMs = latency.Milliseconds()
}

// SetUsageExhausted records the advisory quota flag from the usage poller.
// The proxy core never sets or clears it on its own.
func (t *Table) SetUsageExhausted(config string, index int, exhausted bool) {
	s := t.shard(config)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(index).UsageExhausted = exhausted
}
