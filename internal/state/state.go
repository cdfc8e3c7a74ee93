// Package state tracks the runtime picture of the proxy: in-flight
// requests, the recent finished-request ring, per-session aggregates, and
// the session/global override stores. Everything here is process-lifetime
// only; nothing survives a restart.
package state

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
)

// Usage is the best-effort token accounting parsed from a response.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
	TotalTokens     int64 `json:"total_tokens"`
}

// RetryInfo summarizes a multi-attempt request.
type RetryInfo struct {
	Attempts      int      `json:"attempts"`
	UpstreamChain []string `json:"upstream_chain"`
}

// ActiveRequest is one in-flight client request.
type ActiveRequest struct {
	ID          string `json:"id"`
	Service     string `json:"service"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	SessionID   string `json:"session_id,omitempty"`
	CWD         string `json:"cwd,omitempty"`
	Model       string `json:"model,omitempty"`
	Effort      string `json:"reasoning_effort,omitempty"`
	ConfigName  string `json:"config_name,omitempty"`
	UpstreamURL string `json:"upstream_base_url,omitempty"`
	StartedAtMs int64  `json:"started_at_ms"`
}

// FinishedRequest is the telemetry record emitted once per client request.
type FinishedRequest struct {
	ID          string     `json:"id"`
	Service     string     `json:"service"`
	Method      string     `json:"method"`
	Path        string     `json:"path"`
	StatusCode  int        `json:"status_code"`
	DurationMs  int64      `json:"duration_ms"`
	TTFBMs      *int64     `json:"ttfb_ms,omitempty"`
	EndedAtMs   int64      `json:"ended_at_ms"`
	ConfigName  string     `json:"config_name,omitempty"`
	UpstreamURL string     `json:"upstream_base_url,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	CWD         string     `json:"cwd,omitempty"`
	Effort      string     `json:"reasoning_effort,omitempty"`
	Usage       *Usage     `json:"usage,omitempty"`
	Retry       *RetryInfo `json:"retry,omitempty"`
}

// SessionStats aggregates finished requests per session.
type SessionStats struct {
	Requests        int64 `json:"requests"`
	Failures        int64 `json:"failures"`
	TotalDurationMs int64 `json:"total_duration_ms"`
	TotalTokens     int64 `json:"total_tokens"`
	LastSeenMs      int64 `json:"last_seen_ms"`
}

const (
	recentCap = 200

	overrideTTL     = 12 * time.Hour
	overrideCleanup = 10 * time.Minute

	effortKeyPrefix = "effort:"
	configKeyPrefix = "config:"
)

// Store is the shared runtime state. All methods are safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	active       map[string]*ActiveRequest
	recent       []FinishedRequest
	sessionStats map[string]*SessionStats

	// overrides holds session-scoped effort and config pins with a TTL so
	// abandoned sessions age out.
	overrides    *cache.Cache
	globalMu     sync.RWMutex
	globalPinned string
}

// NewStore creates an empty state store.
func NewStore() *Store {
	return &Store{
		active:       make(map[string]*ActiveRequest),
		sessionStats: make(map[string]*SessionStats),
		overrides:    cache.New(overrideTTL, overrideCleanup),
	}
}

// BeginRequest registers an in-flight request and returns its id.
func (s *Store) BeginRequest(req ActiveRequest) string {
	id := uuid.NewString()
	req.ID = id
	if req.StartedAtMs == 0 {
		req.StartedAtMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	s.active[id] = &req
	s.mu.Unlock()
	return id
}

// UpdateRoute records which upstream the current attempt targets.
func (s *Store) UpdateRoute(id, configName, upstreamURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.active[id]; ok {
		req.ConfigName = configName
		req.UpstreamURL = upstreamURL
	}
}

// FinishRequest retires an in-flight request into the recent ring and the
// session aggregates, then returns the completed record.
func (s *Store) FinishRequest(id string, fin FinishedRequest) FinishedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req, ok := s.active[id]; ok {
		fin.ID = req.ID
		fin.Service = req.Service
		fin.Method = req.Method
		fin.Path = req.Path
		if fin.SessionID == "" {
			fin.SessionID = req.SessionID
		}
		if fin.CWD == "" {
			fin.CWD = req.CWD
		}
		if fin.Effort == "" {
			fin.Effort = req.Effort
		}
		if fin.ConfigName == "" {
			fin.ConfigName = req.ConfigName
		}
		if fin.UpstreamURL == "" {
			fin.UpstreamURL = req.UpstreamURL
		}
		delete(s.active, id)
	}
	if fin.EndedAtMs == 0 {
		fin.EndedAtMs = time.Now().UnixMilli()
	}

	s.recent = append(s.recent, fin)
	if len(s.recent) > recentCap {
		s.recent = append([]FinishedRequest(nil), s.recent[len(s.recent)-recentCap:]...)
	}

	if fin.SessionID != "" {
		stats, ok := s.sessionStats[fin.SessionID]
		if !ok {
			stats = &SessionStats{}
			s.sessionStats[fin.SessionID] = stats
		}
		stats.Requests++
		if fin.StatusCode < 200 || fin.StatusCode >= 300 {
			stats.Failures++
		}
		stats.TotalDurationMs += fin.DurationMs
		if fin.Usage != nil {
			stats.TotalTokens += fin.Usage.TotalTokens
		}
		stats.LastSeenMs = fin.EndedAtMs
	}
	return fin
}

// ListActive returns the in-flight requests ordered by start time.
func (s *Store) ListActive() []ActiveRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveRequest, 0, len(s.active))
	for _, req := range s.active {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAtMs != out[j].StartedAtMs {
			return out[i].StartedAtMs < out[j].StartedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RecentFinished returns up to limit most recent finished requests, newest
// first.
func (s *Store) RecentFinished(limit int) []FinishedRequest {
	if limit < 1 {
		limit = 1
	}
	if limit > recentCap {
		limit = recentCap
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recent)
	if limit > n {
		limit = n
	}
	out := make([]FinishedRequest, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.recent[i])
	}
	return out
}

// SessionStatsSnapshot returns a copy of the per-session aggregates.
func (s *Store) SessionStatsSnapshot() map[string]SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SessionStats, len(s.sessionStats))
	for id, stats := range s.sessionStats {
		out[id] = *stats
	}
	return out
}

// SetSessionEffort pins a reasoning effort for a session. Setting twice with
// the same value is idempotent.
func (s *Store) SetSessionEffort(sessionID, effort string) {
	s.overrides.Set(effortKeyPrefix+sessionID, effort, cache.DefaultExpiration)
}

// ClearSessionEffort removes the effort override for a session.
func (s *Store) ClearSessionEffort(sessionID string) {
	s.overrides.Delete(effortKeyPrefix + sessionID)
}

// SessionEffort returns the effort override for a session, if any.
func (s *Store) SessionEffort(sessionID string) (string, bool) {
	v, ok := s.overrides.Get(effortKeyPrefix + sessionID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// SetSessionConfig pins a session to one config by name.
func (s *Store) SetSessionConfig(sessionID, configName string) {
	s.overrides.Set(configKeyPrefix+sessionID, configName, cache.DefaultExpiration)
}

// ClearSessionConfig removes the config pin for a session.
func (s *Store) ClearSessionConfig(sessionID string) {
	s.overrides.Delete(configKeyPrefix + sessionID)
}

// SessionConfig returns the pinned config for a session, if any.
func (s *Store) SessionConfig(sessionID string) (string, bool) {
	v, ok := s.overrides.Get(configKeyPrefix + sessionID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// TouchSession refreshes the TTL of a session's overrides so an active
// session never loses its pins mid-conversation.
func (s *Store) TouchSession(sessionID string) {
	for _, prefix := range []string{effortKeyPrefix, configKeyPrefix} {
		if v, ok := s.overrides.Get(prefix + sessionID); ok {
			s.overrides.Set(prefix+sessionID, v, cache.DefaultExpiration)
		}
	}
}

// ListSessionEfforts returns all live effort overrides keyed by session id.
func (s *Store) ListSessionEfforts() map[string]string {
	return s.listOverrides(effortKeyPrefix)
}

// ListSessionConfigs returns all live config pins keyed by session id.
func (s *Store) ListSessionConfigs() map[string]string {
	return s.listOverrides(configKeyPrefix)
}

func (s *Store) listOverrides(prefix string) map[string]string {
	out := make(map[string]string)
	for key, item := range s.overrides.Items() {
		if sessionID, ok := strings.CutPrefix(key, prefix); ok {
			out[sessionID] = item.Object.(string)
		}
	}
	return out
}

// SetGlobalConfig pins the whole process to one config name; empty clears.
func (s *Store) SetGlobalConfig(configName string) {
	s.globalMu.Lock()
	s.globalPinned = configName
	s.globalMu.Unlock()
}

// GlobalConfig returns the process-wide pinned config name, empty if unset.
func (s *Store) GlobalConfig() string {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()
	return s.globalPinned
}

// PinnedConfig resolves the effective pin for a session: session override
// first, then the global pin.
func (s *Store) PinnedConfig(sessionID string) (name, source string) {
	if sessionID != "" {
		if pinned, ok := s.SessionConfig(sessionID); ok && pinned != "" {
			return pinned, "session"
		}
	}
	if global := s.GlobalConfig(); global != "" {
		return global, "global"
	}
	return "", ""
}
