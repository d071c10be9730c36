// Package health reports the state of the sessions a process runs.
//
// The endpoints follow the usual probe split:
//
//   - /healthz: liveness (the process answers)
//   - /readyz: readiness (every registered session is running)
//   - /health: detailed per-session status
//
// A detailed response looks like:
//
//	{
//	  "status": "degraded",
//	  "checks": {
//	    "accepting@bench": {"status": "healthy", "message": "running"},
//	    "initiating@bench": {"status": "degraded", "message": "connecting"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/piwi3910/nebulardma/internal/session"
)

// DefaultCacheTTL bounds how stale a cached Check result may be.
const DefaultCacheTTL = time.Second

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates every session is running.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates a session is still being set up.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates a session has stopped.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the process.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Target is anything with a session lifecycle.
type Target interface {
	State() session.State
}

// Checker aggregates the state of registered targets.
type Checker struct {
	cacheExpiry  time.Time
	targets      map[string]Target
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a checker caching results for ttl. A ttl of zero
// disables the cache.
func NewChecker(ttl time.Duration) *Checker {
	return &Checker{
		targets:  make(map[string]Target),
		cacheTTL: ttl,
	}
}

// Register adds t under name, replacing any previous target of that name.
func (c *Checker) Register(name string, t Target) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.targets[name] = t
	c.cachedStatus = nil
}

// Check evaluates every target and returns the overall status.
func (c *Checker) Check(_ context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	checks := make(map[string]Check, len(c.targets))
	for name, t := range c.targets {
		checks[name] = CheckState(t.State())
	}

	c.mu.RUnlock()

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	if c.cacheTTL > 0 {
		c.mu.Lock()
		c.cachedStatus = healthStatus
		c.cacheExpiry = time.Now().Add(c.cacheTTL)
		c.mu.Unlock()
	}

	return healthStatus
}

// CheckState maps a session state onto a health check.
func CheckState(st session.State) Check {
	switch st {
	case session.StateRunning:
		return Check{Status: StatusHealthy, Message: st.String()}
	case session.StateStopped:
		return Check{Status: StatusUnhealthy, Message: st.String()}
	default:
		return Check{Status: StatusDegraded, Message: st.String()}
	}
}

// IsReady reports whether every registered target is running. A checker
// with no targets is not ready.
func (c *Checker) IsReady(ctx context.Context) bool {
	status := c.Check(ctx)

	return len(status.Checks) > 0 && status.Status == StatusHealthy
}

// IsLive always holds while the process can answer.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func determineOverallStatus(checks map[string]Check) Status {
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler answers liveness probes.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsLive(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler answers readiness probes.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsReady(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}
}

// DetailedHandler writes the full HealthStatus.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		// degraded still answers 200, the body carries the detail
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(status)
}
