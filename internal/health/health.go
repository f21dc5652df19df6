// Package health provides the relay's liveness and readiness handlers.
//
//   - /healthz — liveness; a process that can serve HTTP is alive. Reports the
//     live call count so operators can see load at a glance.
//   - /readyz  — readiness; 200 only when every registered [Checker] passes.
//     Parlance registers its call store here when persistence is configured.
//
// Responses are JSON with a top-level "status" ("ok" or "fail"), the active
// call count when wired, and a "checks" map with each checker's result.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check. Probes fire every few
// seconds; a dependency slower than this is not ready.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// can serve a new call and an error describing the failure otherwise.
type Checker struct {
	// Name keys the check in the JSON response (e.g. "database").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for both endpoints.
type result struct {
	Status      string            `json:"status"`
	ActiveCalls *int              `json:"active_calls,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the checker
// list and the call counter are fixed before the server starts.
type Handler struct {
	checkers    []Checker
	activeCalls func() int
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request, sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// ReportActiveCalls wires a live-call counter into both endpoints' responses.
// Call before the server starts serving.
func (h *Handler) ReportActiveCalls(fn func() int) {
	h.activeCalls = fn
}

// Healthz always returns 200. Draining calls does not make the process dead.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok"}
	h.fillActiveCalls(&res)
	writeJSON(w, http.StatusOK, res)
}

// Readyz returns 200 only when every registered [Checker] passes. Each check
// runs under a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	h.fillActiveCalls(&res)
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

func (h *Handler) fillActiveCalls(res *result) {
	if h.activeCalls == nil {
		return
	}
	n := h.activeCalls()
	res.ActiveCalls = &n
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON with the given status code. On encoding failure
// it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
