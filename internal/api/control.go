// Package api wires the gin router: the loopback control surface under
// /__codex_helper/ and the catch-all proxy route.
package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Latias94/codex-helper/internal/config"
	"github.com/Latias94/codex-helper/internal/fingerprint"
	"github.com/Latias94/codex-helper/internal/lb"
	"github.com/Latias94/codex-helper/internal/metrics"
	"github.com/Latias94/codex-helper/internal/proxy"
	"github.com/Latias94/codex-helper/internal/state"
)

const apiVersion = 1

// Server bundles the control API dependencies.
type Server struct {
	Service string
	Runtime *config.Runtime
	States  *lb.Table
	Store   *state.Store
	Metrics *metrics.Metrics
	Proxy   *proxy.Handler
}

// Router builds the gin engine: control endpoints first, everything else
// proxied.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	root := engine.Group("/__codex_helper")
	v1 := root.Group("/api/v1")

	v1.GET("/capabilities", s.getCapabilities)
	v1.GET("/status/active", s.getActive)
	v1.GET("/status/recent", s.getRecent)
	v1.GET("/status/session-stats", s.getSessionStats)
	v1.GET("/snapshot", s.getSnapshot)
	v1.GET("/configs", s.getConfigs)
	v1.GET("/config/runtime", s.getRuntimeConfig)
	v1.POST("/config/reload", s.postReload)
	v1.GET("/overrides/session/effort", s.getSessionEfforts)
	v1.POST("/overrides/session/effort", s.postSessionEffort)
	v1.GET("/overrides/session/config", s.getSessionConfigs)
	v1.POST("/overrides/session/config", s.postSessionConfig)
	v1.GET("/overrides/global-config", s.getGlobalConfig)
	v1.POST("/overrides/global-config", s.postGlobalConfig)

	// Pre-v1 paths kept for clients that attached before the versioned API.
	root.GET("/status/active", s.getActive)
	root.GET("/status/recent", s.getRecent)
	root.GET("/config/runtime", s.getRuntimeConfig)
	root.POST("/config/reload", s.postReload)
	root.GET("/override/session", s.getSessionEfforts)
	root.POST("/override/session", s.postSessionEffort)

	root.GET("/metrics", gin.WrapH(s.Metrics.Handler()))

	engine.NoRoute(s.Proxy.Proxy)
	return engine
}

func (s *Server) getCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"api_version":  apiVersion,
		"service_name": s.Service,
		"endpoints": []string{
			"/__codex_helper/api/v1/capabilities",
			"/__codex_helper/api/v1/status/active",
			"/__codex_helper/api/v1/status/recent",
			"/__codex_helper/api/v1/status/session-stats",
			"/__codex_helper/api/v1/snapshot",
			"/__codex_helper/api/v1/configs",
			"/__codex_helper/api/v1/config/runtime",
			"/__codex_helper/api/v1/config/reload",
			"/__codex_helper/api/v1/overrides/session/effort",
			"/__codex_helper/api/v1/overrides/session/config",
			"/__codex_helper/api/v1/overrides/global-config",
			"/__codex_helper/metrics",
		},
	})
}

func (s *Server) getActive(c *gin.Context) {
	c.JSON(http.StatusOK, s.Store.ListActive())
}

func (s *Server) getRecent(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
			return
		}
		limit = parsed
	}
	c.JSON(http.StatusOK, s.Store.RecentFinished(limit))
}

func (s *Server) getSessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Store.SessionStatsSnapshot())
}

type configView struct {
	Name    string `json:"name"`
	Alias   string `json:"alias,omitempty"`
	Enabled bool   `json:"enabled"`
	Level   int    `json:"level"`
	Active  bool   `json:"active"`
}

type upstreamView struct {
	BaseURL string           `json:"base_url"`
	State   lb.UpstreamState `json:"state"`
}

func (s *Server) configViews() []configView {
	mgr := s.Runtime.Snapshot().Service(s.Service)
	out := make([]configView, 0, len(mgr.Configs))
	for _, name := range mgr.SortedNames() {
		svc := mgr.Configs[name]
		out = append(out, configView{
			Name:    name,
			Alias:   svc.Alias,
			Enabled: svc.Enabled,
			Level:   svc.ClampedLevel(),
			Active:  mgr.Active == name,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Server) getConfigs(c *gin.Context) {
	c.JSON(http.StatusOK, s.configViews())
}

func (s *Server) getSnapshot(c *gin.Context) {
	mgr := s.Runtime.Snapshot().Service(s.Service)

	configs := make([]gin.H, 0, len(mgr.Configs))
	for _, name := range mgr.SortedNames() {
		svc := mgr.Configs[name]
		states := s.States.SnapshotConfig(name)
		upstreams := make([]upstreamView, 0, len(svc.Upstreams))
		for i, up := range svc.Upstreams {
			upstreams = append(upstreams, upstreamView{BaseURL: up.BaseURL, State: states[i]})
		}
		configs = append(configs, gin.H{
			"name":      name,
			"alias":     svc.Alias,
			"enabled":   svc.Enabled,
			"level":     svc.ClampedLevel(),
			"active":    mgr.Active == name,
			"upstreams": upstreams,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"service":         s.Service,
		"generated_at_ms": time.Now().UnixMilli(),
		"active_requests": s.Store.ListActive(),
		"recent":          s.Store.RecentFinished(20),
		"session_stats":   s.Store.SessionStatsSnapshot(),
		"configs":         configs,
		"overrides": gin.H{
			"global_config":   s.Store.GlobalConfig(),
			"session_configs": s.Store.ListSessionConfigs(),
			"session_efforts": s.Store.ListSessionEfforts(),
		},
	})
}

type runtimeConfigStatus struct {
	ConfigPath    string               `json:"config_path"`
	LoadedAtMs    int64                `json:"loaded_at_ms"`
	SourceMtimeMs int64                `json:"source_mtime_ms,omitempty"`
	Retry         config.ResolvedRetry `json:"retry"`
}

func (s *Server) runtimeStatus() runtimeConfigStatus {
	cfg := s.Runtime.Snapshot()
	status := runtimeConfigStatus{
		ConfigPath: s.Runtime.Path(),
		LoadedAtMs: s.Runtime.LoadedAtMs(),
		Retry:      cfg.Retry.Resolve(),
	}
	if mtime := s.Runtime.SourceMtime(); !mtime.IsZero() {
		status.SourceMtimeMs = mtime.UnixMilli()
	}
	return status
}

func (s *Server) getRuntimeConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.runtimeStatus())
}

func (s *Server) postReload(c *gin.Context) {
	changed, err := s.Runtime.ForceReload()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": changed, "status": s.runtimeStatus()})
}

type sessionEffortRequest struct {
	SessionID string  `json:"session_id"`
	Effort    *string `json:"effort"`
}

func (s *Server) getSessionEfforts(c *gin.Context) {
	c.JSON(http.StatusOK, s.Store.ListSessionEfforts())
}

func (s *Server) postSessionEffort(c *gin.Context) {
	var req sessionEffortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	if req.Effort == nil || *req.Effort == "" || *req.Effort == "cleared" {
		s.Store.ClearSessionEffort(req.SessionID)
		c.Status(http.StatusNoContent)
		return
	}
	if !fingerprint.ValidEffort(*req.Effort) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "effort must be one of low, medium, high, xhigh"})
		return
	}
	s.Store.SetSessionEffort(req.SessionID, *req.Effort)
	c.Status(http.StatusNoContent)
}

type sessionConfigRequest struct {
	SessionID  string  `json:"session_id"`
	ConfigName *string `json:"config_name"`
}

func (s *Server) getSessionConfigs(c *gin.Context) {
	c.JSON(http.StatusOK, s.Store.ListSessionConfigs())
}

func (s *Server) knownConfig(name string) bool {
	mgr := s.Runtime.Snapshot().Service(s.Service)
	_, ok := mgr.Configs[name]
	return ok
}

func (s *Server) postSessionConfig(c *gin.Context) {
	var req sessionConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	if req.ConfigName == nil || *req.ConfigName == "" {
		s.Store.ClearSessionConfig(req.SessionID)
		c.Status(http.StatusNoContent)
		return
	}
	if !s.knownConfig(*req.ConfigName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown config name"})
		return
	}
	s.Store.SetSessionConfig(req.SessionID, *req.ConfigName)
	c.Status(http.StatusNoContent)
}

type globalConfigRequest struct {
	ConfigName *string `json:"config_name"`
}

func (s *Server) getGlobalConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config_name": s.Store.GlobalConfig()})
}

func (s *Server) postGlobalConfig(c *gin.Context) {
	var req globalConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	if req.ConfigName == nil || *req.ConfigName == "" {
		s.Store.SetGlobalConfig("")
		c.Status(http.StatusNoContent)
		return
	}
	if !s.knownConfig(*req.ConfigName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown config name"})
		return
	}
	s.Store.SetGlobalConfig(*req.ConfigName)
	c.Status(http.StatusNoContent)
}
