package contentgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker serves liveness and readiness probes. Readiness requires
// SetReady(true) and every ReadinessCheck to pass.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	ReadinessChecks []ReadinessCheck
}

// ReadinessCheck returns nil when its component is ready.
type ReadinessCheck func() error

// HealthResponse is the JSON body of the probe endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a HealthChecker. Both probes start failing.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// PolicyLoadedCheck is ready once store has finished its first reload
// attempt, whichever source it ended on.
func PolicyLoadedCheck(store *PolicyStore) ReadinessCheck {
	return func() error {
		if !store.Loaded() {
			return errors.New("policy not loaded")
		}
		return nil
	}
}

// PolicyFreshCheck fails when the last reload attempt is older than
// maxAge, which means the reload path has stalled.
func PolicyFreshCheck(store *PolicyStore, maxAge time.Duration) ReadinessCheck {
	return func() error {
		last := store.LastReload()
		if last.IsZero() {
			return errors.New("policy never reloaded")
		}
		if age := time.Since(last); age > maxAge {
			return fmt.Errorf("last policy reload %s ago", age.Truncate(time.Second))
		}
		return nil
	}
}

// SetAlive sets the liveness state.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady sets the readiness state.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive reports the liveness state.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady reports whether the ready flag is set and all checks pass.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

func (h *HealthChecker) failures() []string {
	var out []string
	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

// HandleHealthz serves the /healthz liveness probe.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	code := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// HandleReadyz serves the /readyz readiness probe.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}

	if !h.ready.Load() {
		resp.Status = "not ready"
		resp.Reason = "proxy not yet ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	if failures := h.failures(); len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthChecker) uptime() string {
	return time.Since(h.startTime).Truncate(time.Second).String()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
