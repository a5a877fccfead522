package observability

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus is the health state of a component or of the service.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckFunc probes one component. A nil error means healthy.
type HealthCheckFunc func(ctx context.Context) error

// ComponentHealth is the last observed state of one registered component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Critical  bool         `json:"critical"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"last_check"`
}

// probe pairs a check function with its last result.
type probe struct {
	check    HealthCheckFunc
	critical bool
	last     ComponentHealth
}

// checkTimeout bounds a single probe invocation.
const checkTimeout = 5 * time.Second

// HealthChecker runs registered component probes and aggregates them
// into a service status. A failing critical component makes the service
// unhealthy and not ready; a failing non-critical component only
// degrades it, so the control plane keeps serving when an optional
// dependency (such as the native helper) is unavailable.
type HealthChecker struct {
	mu      sync.RWMutex
	probes  map[string]*probe
	started time.Time
}

// NewHealthChecker creates an empty health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		probes:  make(map[string]*probe),
		started: time.Now(),
	}
}

// RegisterCheck registers a non-critical component probe. The component
// starts out healthy until the first run says otherwise.
func (hc *HealthChecker) RegisterCheck(name string, check HealthCheckFunc) {
	hc.register(name, check, false)
}

// RegisterCriticalCheck registers a probe whose failure makes the
// service unhealthy and not ready.
func (hc *HealthChecker) RegisterCriticalCheck(name string, check HealthCheckFunc) {
	hc.register(name, check, true)
}

func (hc *HealthChecker) register(name string, check HealthCheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.probes[name] = &probe{
		check:    check,
		critical: critical,
		last: ComponentHealth{
			Status:    HealthStatusHealthy,
			Critical:  critical,
			LastCheck: time.Now(),
		},
	}
}

// RunChecks probes every registered component once. Probes run outside
// the checker lock so a slow component cannot block health reads.
func (hc *HealthChecker) RunChecks(ctx context.Context) {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.probes))
	checks := make([]HealthCheckFunc, 0, len(hc.probes))
	for name, p := range hc.probes {
		names = append(names, name)
		checks = append(checks, p.check)
	}
	hc.mu.RUnlock()

	for i, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checks[i](probeCtx)
		cancel()

		hc.mu.Lock()
		if p, ok := hc.probes[name]; ok {
			p.last.LastCheck = time.Now()
			if err != nil {
				p.last.Status = HealthStatusUnhealthy
				p.last.Message = err.Error()
			} else {
				p.last.Status = HealthStatusHealthy
				p.last.Message = ""
			}
		}
		hc.mu.Unlock()
	}
}

// StartPeriodicChecks runs all probes immediately and then on every
// tick until the context is cancelled.
func (hc *HealthChecker) StartPeriodicChecks(ctx context.Context, interval time.Duration) {
	hc.RunChecks(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.RunChecks(ctx)
		}
	}
}

// Components returns a snapshot of every component's last observed state.
func (hc *HealthChecker) Components() map[string]ComponentHealth {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make(map[string]ComponentHealth, len(hc.probes))
	for name, p := range hc.probes {
		out[name] = p.last
	}
	return out
}

// Status aggregates component states: unhealthy when any critical
// component fails, degraded when only non-critical ones do.
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := HealthStatusHealthy
	for _, p := range hc.probes {
		if p.last.Status != HealthStatusUnhealthy {
			continue
		}
		if p.critical {
			return HealthStatusUnhealthy
		}
		status = HealthStatusDegraded
	}
	return status
}

// IsReady reports whether every critical component is healthy.
func (hc *HealthChecker) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	for _, p := range hc.probes {
		if p.critical && p.last.Status == HealthStatusUnhealthy {
			return false
		}
	}
	return true
}

// Uptime reports how long the checker (and so the process) has been up.
func (hc *HealthChecker) Uptime() time.Duration {
	return time.Since(hc.started)
}

// FailingComponents lists unhealthy component names, sorted.
func (hc *HealthChecker) FailingComponents() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	var failing []string
	for name, p := range hc.probes {
		if p.last.Status == HealthStatusUnhealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return failing
}

// HealthHandler serves /health: overall status, uptime and per-component
// liveness. Degraded still answers 200 so monitors only page on a
// critical failure.
func (hc *HealthChecker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := hc.Status()
		code := http.StatusOK
		if status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		c.JSON(code, gin.H{
			"status":         status,
			"uptime_seconds": hc.Uptime().Seconds(),
			"components":     hc.Components(),
			"timestamp":      time.Now().UTC(),
		})
	}
}

// ReadyHandler serves /ready for load balancers: 200 only while every
// critical component is healthy.
func (hc *HealthChecker) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !hc.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not_ready",
				"failing":   hc.FailingComponents(),
				"timestamp": time.Now().UTC(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().UTC(),
		})
	}
}
