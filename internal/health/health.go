// Package health exposes the liveness and readiness probes for a CodeCrew
// process.
//
//   - /healthz — liveness; a process that can serve HTTP is alive.
//   - /readyz  — readiness; 200 only when the conversation store answers and
//     at least one model participant can take a turn.
//
// Readiness responses report each probe separately so an operator can tell a
// database outage apart from an exhausted participant roster.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// can serve a turn and an error describing the failure otherwise.
type Checker struct {
	// Name keys the probe in the readiness response (e.g. "store",
	// "participants").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one readiness probe.
type CheckResult struct {
	Status     string `json:"status"` // "ok" or "fail"
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// report is the JSON body of a readiness response.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the /healthz and /readyz endpoints. Safe for concurrent
// use; the checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that runs the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker concurrently, each under its own [checkTimeout],
// and answers 200 only when all of them pass. A slow store probe therefore
// cannot delay the participants probe past the shared deadline.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]CheckResult, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			res := CheckResult{Status: "ok", DurationMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}
			results[i] = res
		}(i, c)
	}
	wg.Wait()

	body := report{Status: "ok", Checks: make(map[string]CheckResult, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		body.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			body.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, body)
}

// Register adds the probe routes to mux.
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
