package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quindar/pitchline/internal/engine"
	"github.com/quindar/pitchline/internal/health"
	"github.com/quindar/pitchline/internal/observe"
)

// buildHandler assembles the HTTP surface:
//
//	GET /healthz    liveness, always 200
//	GET /readyz     readiness, 200 while the engine is running
//	GET /metrics    Prometheus exposition
//	GET /v1/latest  last published estimate, 204 before the first one
//	GET /v1/stream  websocket push of every published estimate
//
// Everything is wrapped in the tracing and metrics middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	health.New(
		health.Probe{Name: "engine", Check: a.checkEngine},
		health.Probe{Name: "capture", Check: a.checkCapture},
	).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/latest", a.handleLatest)
	mux.HandleFunc("GET /v1/stream", a.handleStream)

	return observe.Middleware(a.metrics)(mux)
}

// checkEngine fails readiness until the engine reaches the running state.
func (a *App) checkEngine(context.Context) error {
	eng, _ := a.currentEngine()
	if state := eng.State(); state != engine.StateRunning {
		return fmt.Errorf("engine is %s", state)
	}
	return nil
}

// checkCapture surfaces the last capture stream fault, if any.
func (a *App) checkCapture(context.Context) error {
	eng, _ := a.currentEngine()
	if err := eng.Err(); err != nil {
		return fmt.Errorf("capture stream: %w", err)
	}
	return nil
}

// handleLatest returns the most recent published estimate as JSON, or
// 204 when nothing has been published yet.
func (a *App) handleLatest(w http.ResponseWriter, r *http.Request) {
	eng, _ := a.currentEngine()
	res, ok := eng.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		observe.Logger(r.Context()).Warn("write latest result", "err", err)
	}
}
