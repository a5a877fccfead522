package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/auth"
	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/perfmon"
	"github.com/artemis/web-migrate/internal/preset"
	"github.com/artemis/web-migrate/internal/report"
	"github.com/artemis/web-migrate/internal/session"
)

// loadSession resolves the :id path parameter to a snapshot the caller
// may access. Cross-tenant access reads as 404 so session ids cannot be
// probed across tenants.
func (s *Server) loadSession(c *gin.Context) (*session.MigrationSession, bool) {
	sess, err := s.store.Snapshot(c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return nil, false
	}
	if !identityFrom(c).CanAccessTenant(sess.Config.TenantID) {
		respondError(c, http.StatusNotFound, session.ErrNotFound.Error())
		return nil, false
	}
	return sess, true
}

// sessionView prepares a session snapshot for the wire: credential
// material in the embedded config is masked.
func sessionView(sess *session.MigrationSession) *session.MigrationSession {
	sess.Config = sess.Config.Redacted()
	return sess
}

// CreateMigration registers a new pending session from a full config.
func (s *Server) CreateMigration(c *gin.Context) {
	var cfg config.MigrationConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	s.createSession(c, &cfg)
}

// createSession applies tenant ownership, registers the session and
// answers 201. Shared by the direct and the preset creation paths.
func (s *Server) createSession(c *gin.Context, cfg *config.MigrationConfig) {
	id := identityFrom(c)
	if id.Role != auth.RoleAdmin && !id.HasScope(auth.ScopeAdmin) && id.TenantID != "" {
		// Non-admins create sessions in their own tenant only.
		cfg.TenantID = id.TenantID
	}
	if cfg.CreatedBy == "" {
		cfg.CreatedBy = id.Username
	}

	sess, err := s.store.Create(cfg)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	s.log.Info("migration session created",
		zap.String("session_id", sess.ID),
		zap.String("name", cfg.Name),
		zap.String("tenant", cfg.TenantID))

	c.JSON(http.StatusCreated, gin.H{
		"id":         sess.ID,
		"status":     sess.Status,
		"created_at": sess.CreatedAt,
		"steps":      len(sess.Steps),
	})
}

// ListMigrations lists sessions visible to the caller, oldest first.
func (s *Server) ListMigrations(c *gin.Context) {
	id := identityFrom(c)

	var sessions []*session.MigrationSession
	switch {
	case id.Role == auth.RoleAdmin || id.HasScope(auth.ScopeAdmin):
		sessions = s.store.List("")
	case id.TenantID != "":
		sessions = s.store.List(id.TenantID)
	default:
		// Tenantless non-admin callers see only tenantless sessions.
		for _, sess := range s.store.List("") {
			if sess.Config.TenantID == "" {
				sessions = append(sessions, sess)
			}
		}
	}

	out := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, gin.H{
			"id":         sess.ID,
			"name":       sess.Config.Name,
			"status":     sess.Status,
			"tenant_id":  sess.Config.TenantID,
			"created_at": sess.CreatedAt,
			"started_at": sess.StartedAt,
			"ended_at":   sess.EndedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"migrations": out,
		"count":      len(out),
	})
}

// GetMigrationStatus reports the session state plus live tracker metrics.
func (s *Server) GetMigrationStatus(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}

	resp := gin.H{"session": sessionView(sess)}
	if s.tracker != nil {
		if m := s.tracker.SessionMetrics(sess.ID); len(m) > 0 {
			resp["progress"] = m
		}
	}
	c.JSON(http.StatusOK, resp)
}

// StartMigration schedules background execution and returns immediately.
// Progress is polled via the status endpoint or streamed over /ws/events.
func (s *Server) StartMigration(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}
	if s.orchestrator == nil {
		respondError(c, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}

	opts := orchestrator.ExecuteOptions{AutoRollback: true}
	if err := s.orchestrator.StartAsync(sess.ID, opts); err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":      sess.ID,
		"status":  "scheduled",
		"message": "migration scheduled, poll status or subscribe to /ws/events",
	})
}

// CancelMigration requests cooperative cancellation.
func (s *Server) CancelMigration(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}
	if s.orchestrator == nil {
		respondError(c, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}

	if err := s.orchestrator.Cancel(sess.ID); err != nil {
		respondDomainError(c, err)
		return
	}

	snap, err := s.store.Snapshot(sess.ID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     snap.ID,
		"status": snap.Status,
	})
}

// RollbackMigration restores the session's backups synchronously and
// reports the resulting state.
func (s *Server) RollbackMigration(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}
	if s.orchestrator == nil {
		respondError(c, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}

	snap, err := s.orchestrator.Rollback(c.Request.Context(), sess.ID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      snap.ID,
		"status":  snap.Status,
		"backups": len(snap.Backups),
	})
}

// DeleteMigration garbage-collects a terminal session together with its
// tracker and monitor state. Live sessions are a 409.
func (s *Server) DeleteMigration(c *gin.Context) {
	sess, ok := s.loadSession(c)
	if !ok {
		return
	}

	if err := s.store.Delete(sess.ID); err != nil {
		respondDomainError(c, err)
		return
	}
	if s.tracker != nil {
		s.tracker.CleanupSession(sess.ID)
	}
	if s.monitor != nil {
		s.monitor.CleanupSession(sess.ID)
	}

	s.log.Info("migration session deleted", zap.String("session_id", sess.ID))
	c.Status(http.StatusNoContent)
}

// ListPresets lists the catalog entries.
func (s *Server) ListPresets(c *gin.Context) {
	if s.presets == nil {
		c.JSON(http.StatusOK, gin.H{"presets": []preset.Summary{}, "count": 0})
		return
	}

	list := s.presets.List()
	c.JSON(http.StatusOK, gin.H{
		"presets": list,
		"count":   len(list),
	})
}

// presetCreateRequest is the POST /presets/{id}/create-migration body.
type presetCreateRequest struct {
	Overrides map[string]interface{} `json:"overrides"`
}

// CreateMigrationFromPreset materializes a config from a preset template
// plus overrides and registers a session from it.
func (s *Server) CreateMigrationFromPreset(c *gin.Context) {
	if s.presets == nil {
		respondError(c, http.StatusServiceUnavailable, "preset catalog not configured")
		return
	}

	var req presetCreateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	cfg, err := s.presets.CreateMigrationConfig(c.Param("id"), req.Overrides)
	if err != nil {
		if errors.Is(err, preset.ErrNotFound) {
			respondError(c, http.StatusNotFound, err.Error())
			return
		}
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	s.createSession(c, cfg)
}

// ValidateConfig runs pre-phase validation synchronously and returns the
// summary without creating a session.
func (s *Server) ValidateConfig(c *gin.Context) {
	if s.validator == nil {
		respondError(c, http.StatusServiceUnavailable, "validation engine not configured")
		return
	}

	var cfg config.MigrationConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	cfg.ApplyDefaults()

	summary, err := s.validator.Validate(c.Request.Context(), &cfg, orchestrator.PhasePre)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// reportRequest is the POST /migrations/{id}/reports body.
type reportRequest struct {
	Kind   report.Kind   `json:"kind" binding:"required"`
	Format report.Format `json:"format"`
}

// GenerateReport renders a report for the session on demand and returns
// its descriptor. Format defaults to json.
func (s *Server) GenerateReport(c *gin.Context) {
	if s.reports == nil {
		respondError(c, http.StatusServiceUnavailable, "report generator not configured")
		return
	}

	sess, ok := s.loadSession(c)
	if !ok {
		return
	}

	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Format == "" {
		req.Format = report.FormatJSON
	}
	if !req.Kind.Valid() {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("unknown report kind %q", req.Kind))
		return
	}
	if !req.Format.Valid() {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("unknown report format %q", req.Format))
		return
	}
	if req.Kind == report.KindValidation && sess.Validation == nil {
		respondError(c, http.StatusConflict, "session has no validation summary")
		return
	}

	var perf perfmon.Summary
	if s.monitor != nil {
		perf = s.monitor.Summary(sess.ID)
	}

	info, err := s.reports.Generate(req.Kind, sess, perf, req.Format)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// ListReports lists generated report descriptors, newest first.
func (s *Server) ListReports(c *gin.Context) {
	if s.reports == nil {
		c.JSON(http.StatusOK, gin.H{"reports": []report.Info{}, "count": 0})
		return
	}

	list := s.reports.List()
	c.JSON(http.StatusOK, gin.H{
		"reports": list,
		"count":   len(list),
	})
}
