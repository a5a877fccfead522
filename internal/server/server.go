// Package server exposes the migration control plane over HTTP: session
// lifecycle, presets, synchronous validation, reports, token issuance and
// a WebSocket event feed. Handlers stay thin; they translate between the
// wire contract and the collaborators and never touch session state
// directly.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/auth"
	"github.com/artemis/web-migrate/internal/config"
	"github.com/artemis/web-migrate/internal/observability"
	"github.com/artemis/web-migrate/internal/orchestrator"
	"github.com/artemis/web-migrate/internal/perfmon"
	"github.com/artemis/web-migrate/internal/preset"
	"github.com/artemis/web-migrate/internal/progress"
	"github.com/artemis/web-migrate/internal/report"
	"github.com/artemis/web-migrate/internal/session"
)

// Deps bundles the collaborators the HTTP layer fronts. Config, Store and
// Gate are required; endpoints whose collaborator is absent answer 503.
type Deps struct {
	Config       *config.Config
	Store        *session.Store
	Orchestrator *orchestrator.Orchestrator
	Tracker      *progress.Tracker
	Monitor      *perfmon.Monitor
	Validator    orchestrator.ValidationEngine
	Presets      *preset.Catalog
	Reports      *report.Generator
	Gate         *auth.Gate
	Health       *observability.HealthChecker
	Log          *observability.Logger
	Metrics      *observability.Metrics
}

// Server is the HTTP front of the control plane.
type Server struct {
	cfg          *config.Config
	store        *session.Store
	orchestrator *orchestrator.Orchestrator
	tracker      *progress.Tracker
	monitor      *perfmon.Monitor
	validator    orchestrator.ValidationEngine
	presets      *preset.Catalog
	reports      *report.Generator
	gate         *auth.Gate
	health       *observability.HealthChecker
	log          *observability.Logger
	metrics      *observability.Metrics

	hub    *Hub
	router *gin.Engine
	http   *http.Server
	unsubs []func()
}

// NewServer wires the router and the event hub. Gin's mode follows the
// configured log level.
func NewServer(deps Deps) *Server {
	if deps.Config.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log := deps.Log
	if log == nil {
		log = observability.NewNopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	s := &Server{
		cfg:          deps.Config,
		store:        deps.Store,
		orchestrator: deps.Orchestrator,
		tracker:      deps.Tracker,
		monitor:      deps.Monitor,
		validator:    deps.Validator,
		presets:      deps.Presets,
		reports:      deps.Reports,
		gate:         deps.Gate,
		health:       deps.Health,
		log:          log,
		metrics:      metrics,
		hub:          NewHub(deps.Store, log),
	}

	s.attachFeeds()
	s.setupRouter()

	s.http = &http.Server{
		Addr:              deps.Config.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// attachFeeds pipes progress and performance events into the hub.
func (s *Server) attachFeeds() {
	if s.tracker != nil {
		s.unsubs = append(s.unsubs, s.tracker.Subscribe(func(ev progress.Event) {
			s.hub.BroadcastEvent("progress", ev.SessionID, ev)
		}))
	}
	if s.monitor != nil {
		s.unsubs = append(s.unsubs, s.monitor.Subscribe(func(ev perfmon.Event) {
			s.hub.BroadcastEvent("performance", ev.SessionID, ev)
		}))
		s.unsubs = append(s.unsubs, s.monitor.SubscribeAlerts(func(a perfmon.Alert) {
			s.hub.BroadcastEvent("alert", "", a)
		}))
	}
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.corsMiddleware())

	// Probes and metrics stay open; everything else authenticates.
	if s.health != nil {
		r.GET("/health", s.health.HealthHandler())
		r.GET("/ready", s.health.ReadyHandler())
	} else {
		r.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		})
		r.GET("/ready", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		})
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Token issuance is anonymous but rate limited by IP.
	r.POST("/auth/token", s.rateLimitMiddleware(), s.CreateToken)

	authed := r.Group("/", s.authMiddleware(), s.rateLimitMiddleware())
	{
		authed.GET("/auth/me", s.GetMe)

		// Migration lifecycle
		authed.POST("/migrations", s.requireScope(auth.ScopeMigrationsWrite), s.CreateMigration)
		authed.GET("/migrations", s.requireScope(auth.ScopeMigrationsRead), s.ListMigrations)
		authed.GET("/migrations/:id/status", s.requireScope(auth.ScopeMigrationsRead), s.GetMigrationStatus)
		authed.POST("/migrations/:id/start", s.requireScope(auth.ScopeMigrationsWrite), s.StartMigration)
		authed.POST("/migrations/:id/cancel", s.requireScope(auth.ScopeMigrationsWrite), s.CancelMigration)
		authed.POST("/migrations/:id/rollback", s.requireScope(auth.ScopeMigrationsWrite), s.RollbackMigration)
		authed.DELETE("/migrations/:id", s.requireScope(auth.ScopeMigrationsWrite), s.DeleteMigration)

		// Presets and validation
		authed.GET("/presets", s.requireScope(auth.ScopePresetsRead), s.ListPresets)
		authed.POST("/presets/:id/create-migration", s.requireScope(auth.ScopeMigrationsWrite), s.CreateMigrationFromPreset)
		authed.POST("/validate", s.requireScope(auth.ScopeMigrationsRead), s.ValidateConfig)

		// Reports
		authed.POST("/migrations/:id/reports", s.requireScope(auth.ScopeReportsRead), s.GenerateReport)
		authed.GET("/reports", s.requireScope(auth.ScopeReportsRead), s.ListReports)

		// Live event feed
		authed.GET("/ws/events", s.HandleEvents)
	}

	s.router = r
}

// loggingMiddleware logs one line per request, skipping probe spam.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		s.log.InfoRedacted("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// corsMiddleware handles CORS preflight and headers.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Start runs the event hub and serves HTTP until Shutdown or a listener
// error.
func (s *Server) Start() error {
	go s.hub.Run()

	s.log.Info("starting HTTP server",
		zap.String("addr", s.cfg.HTTPAddr),
	)

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, detaches the event feeds and
// drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("stopping HTTP server")
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.hub.Stop()
	return s.http.Shutdown(ctx)
}

// GetRouter returns the gin router; tests drive requests through it.
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
