// Package health implements the liveness and readiness endpoints.
//
// /healthz is pure liveness: a process that can answer it is alive, so it
// always returns 200. /readyz evaluates the probes registered at
// construction (the tuner registers the engine state and the capture
// stream) and returns 503 until every one of them passes. Bodies are JSON:
// a top-level status plus one entry per probe.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds one readiness evaluation, shared across all probes.
const probeTimeout = 5 * time.Second

// A Probe is a named readiness condition.
type Probe struct {
	// Name keys the probe's entry in the response body.
	Name string

	// Check reports the dependency's state; nil means ready. It must respect
	// ctx, which carries the evaluation deadline.
	Check func(ctx context.Context) error
}

// Handler serves the two endpoints over a fixed probe set. It is safe for
// concurrent use.
type Handler struct {
	probes []Probe
}

// New creates a handler that evaluates the probes in registration order.
func New(probes ...Probe) *Handler {
	h := &Handler{probes: make([]Probe, len(probes))}
	copy(h.probes, probes)
	return h
}

type probeState struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type response struct {
	Status string                `json:"status"`
	Checks map[string]probeState `json:"checks,omitempty"`
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz evaluates every probe and reports 503 if any fails. All probes run
// even after a failure so the response names every unready dependency.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	res := response{
		Status: "ok",
		Checks: make(map[string]probeState, len(h.probes)),
	}
	code := http.StatusOK
	for _, p := range h.probes {
		if err := p.Check(ctx); err != nil {
			res.Checks[p.Name] = probeState{Error: err.Error()}
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[p.Name] = probeState{OK: true}
	}
	writeJSON(w, code, res)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain 500.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
