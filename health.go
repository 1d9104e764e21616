package adproxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker provides liveness and readiness probes for the proxy.
// Readiness additionally requires every registered check to pass; the
// usual check is that a filter index has been loaded.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks []namedCheck
}

// ReadinessCheck returns nil if the component is ready, or an error
// describing why it is not.
type ReadinessCheck func() error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// AddCheck registers a named readiness check.
func (h *HealthChecker) AddCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// EngineReady is a readiness check that fails until e has an index.
func EngineReady(e *Engine) ReadinessCheck {
	return func() error {
		if !e.Ready() {
			return errors.New("filter rules not loaded")
		}
		return nil
	}
}

// SetAlive marks the proxy as alive (liveness probe passes).
func (h *HealthChecker) SetAlive(alive bool) { h.alive.Store(alive) }

// SetReady marks the proxy as ready (readiness probe passes).
func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

// IsAlive returns true if the proxy is alive.
func (h *HealthChecker) IsAlive() bool { return h.alive.Load() }

// IsReady reports whether the proxy was marked ready and every check
// passes.
func (h *HealthChecker) IsReady() bool {
	ok, _ := h.runChecks()
	return h.ready.Load() && ok
}

func (h *HealthChecker) runChecks() (bool, map[string]string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ok := true
	results := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.check(); err != nil {
			ok = false
			results[c.name] = err.Error()
		} else {
			results[c.name] = "ok"
		}
	}
	return ok, results
}

// HandleHealthz handles the /healthz liveness probe endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	status := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// HandleReadyz handles the /readyz readiness probe endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	if !h.ready.Load() {
		resp.Status = "not ready"
		resp.Reason = "proxy not yet ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	ok, results := h.runChecks()
	if len(results) > 0 {
		resp.Checks = results
	}
	status := http.StatusOK
	if !ok {
		resp.Status = "not ready"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *HealthChecker) uptime() string {
	return time.Since(h.startTime).Truncate(time.Second).String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
