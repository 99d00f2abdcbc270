// Package health provides the liveness and readiness endpoints served on
// the metrics listener.
//
//   - /healthz — liveness; always 200 while the process can serve HTTP.
//   - /readyz  — readiness; 200 only when every registered [Check] passes
//     (store reachable, TTS server answering, pool loaded).
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map with each named probe's result.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 5 * time.Second

// Check is a named readiness probe. Probe returns nil when the dependency
// is healthy; it must respect context cancellation.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// HTTPCheck probes an HTTP endpoint, passing when it answers with any
// status below 500. Useful for the TTS and recognition servers, whose
// specific response to a bare GET varies.
func HTTPCheck(name, url string) Check {
	return Check{
		Name: name,
		Probe: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("status %d", resp.StatusCode)
			}
			return nil
		},
	}
}

// report is the JSON response body for both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The check list is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	checks []Check
}

// New creates a [Handler] evaluating the given checks, sequentially and in
// order, on every /readyz request.
func New(checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{checks: c}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every check, each under a probeTimeout deadline derived from
// the request context, and answers 503 when any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))
	healthy := true

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Probe(ctx)
		cancel()

		if err != nil {
			results[c.Name] = "fail: " + err.Error()
			healthy = false
		} else {
			results[c.Name] = "ok"
		}
	}

	res := report{Status: "ok", Checks: results}
	status := http.StatusOK
	if !healthy {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
