package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

const (
	// ServiceName identifies this process in logs and health responses
	ServiceName = "transcription-pipeline"
	// ServiceVersion is reported by the health endpoints
	ServiceVersion = "1.0.0"
)

// HealthStatus is the body of /health and /ready
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is the outcome of one readiness check
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// HealthCheckFunc reports whether one dependency is usable.
// It accepts a context so slow dependencies can be bounded.
type HealthCheckFunc func(ctx context.Context) (bool, error)

const readinessTimeout = 5 * time.Second

// HealthCheckHandler answers liveness probes; it never touches dependencies
func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, newHealthStatus("healthy", nil))
	}
}

// ReadinessHandler runs every named check and reports 503 if any fails
func ReadinessHandler(checks map[string]HealthCheckFunc) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name, check := range checks {
		if check != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		deps := make(map[string]DependencyStatus, len(names))
		ready := true
		for _, name := range names {
			dep := runCheck(ctx, checks[name])
			if dep.Status != "healthy" {
				ready = false
			}
			deps[name] = dep
		}

		if !ready {
			writeHealth(w, http.StatusServiceUnavailable, newHealthStatus("not_ready", deps))
			return
		}
		writeHealth(w, http.StatusOK, newHealthStatus("ready", deps))
	}
}

func runCheck(ctx context.Context, check HealthCheckFunc) DependencyStatus {
	start := time.Now()
	ok, err := check(ctx)
	dep := DependencyStatus{Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
	switch {
	case err != nil:
		dep.Status = "unhealthy"
		dep.Message = err.Error()
	case !ok:
		dep.Status = "unhealthy"
	}
	return dep
}

func newHealthStatus(status string, deps map[string]DependencyStatus) HealthStatus {
	return HealthStatus{
		Status:       status,
		Service:      ServiceName,
		Version:      ServiceVersion,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Dependencies: deps,
	}
}

func writeHealth(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
