package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state. Readiness also reports
// the current system state string so operators can see a degraded instance
// that is still serving.
type HealthChecker struct {
	ready       atomic.Bool
	systemState atomic.Value // string
	startTime   time.Time
}

func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{startTime: time.Now()}
	h.systemState.Store("UNKNOWN")
	return h
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// SetSystemState records the degradation state shown by the readiness probe.
func (h *HealthChecker) SetSystemState(state string) {
	h.systemState.Store(state)
}

func (h *HealthChecker) SystemState() string {
	return h.systemState.Load().(string)
}

// LivenessHandler returns 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 once startup recovery is done, 503 before
// that. A FROZEN system stays ready: it still answers reads and pauses
// trading instead of dropping connections.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "not_ready", http.StatusServiceUnavailable
	if h.ready.Load() {
		status, code = "ready", http.StatusOK
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"system_state": h.SystemState(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
