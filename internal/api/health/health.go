// Package health provides liveness and readiness checks for the API server.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status grades a component or the whole server.
type Status string

const (
	StatusHealthy   Status = "healthy"   // fully operational
	StatusDegraded  Status = "degraded"  // serving, with restrictions
	StatusUnhealthy Status = "unhealthy" // not serving
)

// ComponentStatus is one component's grade in the readiness report.
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the readiness report body.
type Response struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// Pinger is the reachability probe of the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DiskReporter reports workspace disk usage against a high-water mark.
type DiskReporter interface {
	Usage() (float64, error)
	Limit() float64
}

// Drainer reports whether the build engine has begun shutting down.
type Drainer interface {
	Draining() bool
}

// Checker aggregates component health for the readiness probe.
type Checker struct {
	pinger    Pinger
	disk      DiskReporter
	engine    Drainer
	startTime time.Time
	version   string
	timeout   time.Duration
	mu        sync.RWMutex
}

// NewChecker creates a new health checker. disk and engine may be nil, in
// which case their components are omitted from the report.
func NewChecker(pinger Pinger, disk DiskReporter, engine Drainer, version string) *Checker {
	return &Checker{
		pinger:    pinger,
		disk:      disk,
		engine:    engine,
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
	}
}

// SetTimeout sets the timeout for health checks.
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Check runs every configured probe and aggregates the report. The
// overall status is the worst component status.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	timeout := c.timeout
	c.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	components := make(map[string]ComponentStatus)
	components["database"] = c.checkDatabase(checkCtx)
	if c.disk != nil {
		components["disk"] = c.checkDisk()
	}
	if c.engine != nil {
		components["engine"] = c.checkEngine()
	}

	return &Response{
		Status:     overall(components),
		Components: components,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
	}
}

// overall folds component grades into one, worst wins.
func overall(components map[string]ComponentStatus) Status {
	result := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			result = StatusDegraded
		}
	}
	return result
}

// checkDatabase verifies the store answers a ping within the deadline.
func (c *Checker) checkDatabase(ctx context.Context) ComponentStatus {
	if c.pinger == nil {
		return ComponentStatus{
			Status:  StatusUnhealthy,
			Message: "database connection not configured",
		}
	}
	if err := c.pinger.Ping(ctx); err != nil {
		return ComponentStatus{
			Status:  StatusUnhealthy,
			Message: "database ping failed: " + err.Error(),
		}
	}
	return ComponentStatus{Status: StatusHealthy, Message: "connected"}
}

// checkDisk reports workspace usage. Crossing the high-water mark only
// degrades readiness: running builds and artifact retrieval keep working
// while new admissions are refused.
func (c *Checker) checkDisk() ComponentStatus {
	usage, err := c.disk.Usage()
	if err != nil {
		return ComponentStatus{
			Status:  StatusDegraded,
			Message: "disk usage unavailable: " + err.Error(),
		}
	}
	msg := fmt.Sprintf("%.0f%% used (high-water %.0f%%)", usage*100, c.disk.Limit()*100)
	if usage >= c.disk.Limit() {
		return ComponentStatus{
			Status:  StatusDegraded,
			Message: msg + ", refusing new builds",
		}
	}
	return ComponentStatus{
		Status:  StatusHealthy,
		Message: msg,
	}
}

// checkEngine fails readiness once the engine starts draining, so load
// balancers stop routing new work here during shutdown.
func (c *Checker) checkEngine() ComponentStatus {
	if c.engine.Draining() {
		return ComponentStatus{
			Status:  StatusUnhealthy,
			Message: "draining",
		}
	}
	return ComponentStatus{
		Status:  StatusHealthy,
		Message: "accepting builds",
	}
}

// LivenessHandler answers the liveness probe. It only proves the process
// is serving requests, so it never consults components.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// Handler returns the readiness probe handler. Degraded still answers
// 200: the server is serving, just refusing new builds.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		code := http.StatusOK
		if response.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(response)
	}
}
