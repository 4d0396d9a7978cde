// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz runs the
// registered checkers concurrently and answers 503 when any dependency is
// down, with a per-check breakdown in the JSON body. When a session counter
// is installed, both probes also report the number of live connections so an
// operator can tell a ready-but-idle instance from a draining one.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds each readiness check. A hung dependency must not hang
// the probe.
const probeTimeout = 5 * time.Second

// Checker is one named readiness check. Check returns nil when the
// dependency is usable and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the JSON body of both probes.
type report struct {
	Status   string            `json:"status"`
	Sessions *int              `json:"sessions,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// Handler serves the /healthz and /readyz endpoints. The checker list is
// fixed at construction; Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
	sessions func() int
}

// New creates a Handler evaluating the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// WithSessionCount installs fn as the live-session counter. When set, both
// probes report the current count in a "sessions" field.
func (h *Handler) WithSessionCount(fn func() int) *Handler {
	h.sessions = fn
	return h
}

// Register adds both probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe: a process that can serve this request is
// alive, so it always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	rep := report{Status: "ok"}
	h.fillSessions(&rep)
	writeJSON(w, http.StatusOK, rep)
}

// Readyz is the readiness probe. The checkers run concurrently, each with a
// [probeTimeout] deadline derived from the request context; one slow
// dependency delays the answer by at most its own timeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(h.checkers))
	for _, c := range h.checkers {
		go func() {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			results <- outcome{name: c.Name, err: c.Check(ctx)}
		}()
	}

	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for range h.checkers {
		o := <-results
		if o.err != nil {
			rep.Checks[o.name] = "fail: " + o.err.Error()
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			rep.Checks[o.name] = "ok"
		}
	}

	h.fillSessions(&rep)
	writeJSON(w, status, rep)
}

// fillSessions records the live session count when a counter is installed.
func (h *Handler) fillSessions(rep *report) {
	if h.sessions == nil {
		return
	}
	n := h.sessions()
	rep.Sessions = &n
}

// writeJSON encodes v with the given status. On encoding failure it degrades
// to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
