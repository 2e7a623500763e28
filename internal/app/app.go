// Package app wires the pitchline subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds the capture source,
// the analysis engine, and the HTTP surface from configuration, Run
// starts the engine and serves until the context is cancelled, and
// Shutdown tears everything down in order.
//
// Configuration reloads are applied to the running service through
// ApplyConfig: log level and tuning change in place, everything else
// rebuilds the engine behind the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quindar/pitchline/internal/config"
	"github.com/quindar/pitchline/internal/engine"
	"github.com/quindar/pitchline/internal/observe"
	"github.com/quindar/pitchline/pkg/capture"
	"github.com/quindar/pitchline/pkg/pitch"
)

const (
	// engineStopTimeout bounds how long a configuration-triggered
	// restart waits for the previous engine to drain.
	engineStopTimeout = 5 * time.Second

	// httpShutdownTimeout bounds the HTTP server's graceful shutdown
	// once Run's context is cancelled.
	httpShutdownTimeout = 5 * time.Second
)

// errStreamDone unwinds the run group when a finite capture stream ends
// cleanly in a headless run. It never surfaces to Run's caller.
var errStreamDone = errors.New("app: capture stream done")

// App owns the capture source, the pitch engine, and the HTTP surface.
type App struct {
	registry *config.Registry
	metrics  *observe.Metrics

	// levelVar, when injected, lets configuration reloads change log
	// verbosity without a restart.
	levelVar *slog.LevelVar

	// resultW, when injected, receives one formatted line per published
	// result. The CLI points it at stdout.
	resultW io.Writer

	cfgMu sync.RWMutex
	cfg   *config.Config

	// engineMu guards eng and regen. regen is closed whenever eng is
	// replaced so long-lived subscribers know to re-subscribe.
	engineMu sync.RWMutex
	eng      *engine.Engine
	regen    chan struct{}

	handler http.Handler
	httpSrv *http.Server
	watcher *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics sink instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithResultWriter enables the result printer. Every published estimate
// is written to w as one formatted line.
func WithResultWriter(w io.Writer) Option {
	return func(a *App) { a.resultW = w }
}

// WithLevelVar hands the app the level var behind the process logger so
// configuration reloads can adjust verbosity in place.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds the service from cfg. The registry must hold a factory for
// the configured capture backend. The engine is constructed but not
// started; call Run.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if reg == nil {
		return nil, errors.New("app: nil backend registry")
	}

	a := &App{
		registry: reg,
		cfg:      cfg,
		regen:    make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Capture source + engine ───────────────────────────────────────
	src, err := reg.Create(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("app: init capture source: %w", err)
	}
	a.eng, err = a.buildEngine(cfg, src)
	if err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	// The handler always exists so tests and embedders can serve it
	// themselves; the server only exists when an address is configured.
	a.handler = a.buildHandler()
	if cfg.Server.ListenAddr != "" {
		a.httpSrv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.closers = append(a.closers, a.httpSrv.Close)
	}

	return a, nil
}

// WatchConfig starts polling path for edits and applies changes to the
// running service. Call it before Run; the watcher stops on Shutdown.
func (a *App) WatchConfig(path string, opts ...config.WatcherOption) error {
	if a.watcher != nil {
		return errors.New("app: config watcher already running")
	}
	w, err := config.NewWatcher(path, a.ApplyConfig, opts...)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// Handler returns the HTTP surface (health, metrics, latest, stream).
// It is valid even when no listen address is configured.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the engine and blocks until ctx is cancelled, the engine
// faults, or a finite capture stream ends with no HTTP surface to keep
// serving. A cancelled context is a normal exit returned as ctx.Err().
func (a *App) Run(ctx context.Context) error {
	eng, _ := a.currentEngine()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("app: start engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// ── goroutine 1: engine supervisor ──
	g.Go(func() error {
		return a.superviseEngine(gctx)
	})

	if a.httpSrv != nil {
		// ── goroutine 2: HTTP serve ──
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.httpSrv.Addr)
			if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})

		// ── goroutine 3: bounded HTTP shutdown on cancel ──
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http shutdown incomplete", "err", err)
			}
			return nil
		})
	}

	if a.resultW != nil {
		// ── goroutine 4: result printer ──
		g.Go(func() error {
			a.printResults(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errStreamDone) {
		return err
	}
	return ctx.Err()
}

// superviseEngine watches the current engine and decides whether its
// exit ends the service. A fault always does. A clean end of stream
// ends a headless CLI run but keeps the HTTP service alive so the last
// reading stays queryable.
func (a *App) superviseEngine(ctx context.Context) error {
	for {
		eng, regen := a.currentEngine()

		done := make(chan struct{})
		go func() {
			eng.Wait()
			close(done)
		}()

		select {
		case <-ctx.Done():
			return nil
		case <-regen:
			// Replaced by a configuration reload.
			continue
		case <-done:
			if cur, _ := a.currentEngine(); cur != eng {
				continue
			}
			if eng.State() == engine.StateFaulted {
				return fmt.Errorf("app: engine fault: %w", eng.Err())
			}
			if a.httpSrv == nil {
				slog.Info("capture stream finished")
				return errStreamDone
			}
			slog.Info("capture stream finished, serving last result")
			select {
			case <-ctx.Done():
				return nil
			case <-regen:
				continue
			}
		}
	}
}

// printResults copies published estimates to the result writer, one
// line each, re-subscribing whenever the engine is replaced. On exit
// it flushes estimates that were queued before the run ended.
func (a *App) printResults(ctx context.Context) {
	for {
		eng, regen := a.currentEngine()
		results, cancel := eng.Subscribe(0)
	drain:
		for {
			select {
			case <-ctx.Done():
				cancel()
				for r := range results {
					fmt.Fprintln(a.resultW, formatResult(r))
				}
				return
			case <-regen:
				break drain
			case r := <-results:
				fmt.Fprintln(a.resultW, formatResult(r))
			}
		}
		cancel()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the engine and closes everything the app opened. It
// respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is
// returned. Subsequent calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop the engine first so capture backends release devices.
		eng, _ := a.currentEngine()
		if err := eng.Stop(ctx); err != nil {
			slog.Warn("engine stop incomplete", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Configuration reload ────────────────────────────────────────────────────

// ApplyConfig applies the difference between two configurations to the
// running service: log level and tuning change in place, anything else
// rebuilds the engine. A changed listen address cannot be applied at
// runtime and is logged instead.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		if a.levelVar != nil {
			a.levelVar.Set(d.NewLogLevel.SlogLevel())
			slog.Info("log level changed", "level", d.NewLogLevel)
		} else {
			slog.Warn("log level changed but not adjustable at runtime", "level", d.NewLogLevel)
		}
	}

	if d.TuningChanged {
		eng, _ := a.currentEngine()
		if err := eng.SetTuning(new.Tuning.ReferencePitchHz, new.Tuning.ResolveTargets()); err != nil {
			slog.Error("tuning change rejected", "err", err)
		}
	}

	if d.RestartNeeded {
		var sections []string
		for _, reason := range d.RestartReasons {
			if reason == "server.listen_addr" {
				slog.Warn("listen address changed, restart the process to apply")
				continue
			}
			sections = append(sections, reason)
		}
		if len(sections) > 0 {
			slog.Info("configuration change requires an engine restart", "sections", sections)
			if err := a.restartEngine(context.Background(), new); err != nil {
				slog.Error("engine restart failed", "err", err)
			}
		}
	}

	a.cfgMu.Lock()
	a.cfg = new
	a.cfgMu.Unlock()
}

// restartEngine builds a fresh source and engine from cfg, installs
// them, then stops the old engine and starts the new one. Install
// happens first so the HTTP surface never observes a torn-down engine.
func (a *App) restartEngine(ctx context.Context, cfg *config.Config) error {
	src, err := a.registry.Create(cfg.Source)
	if err != nil {
		return fmt.Errorf("create capture source: %w", err)
	}
	eng, err := a.buildEngine(cfg, src)
	if err != nil {
		return err
	}

	a.engineMu.Lock()
	old := a.eng
	oldRegen := a.regen
	a.eng = eng
	a.regen = make(chan struct{})
	a.engineMu.Unlock()
	close(oldRegen)

	// The old engine must release its device before the new one opens it.
	stopCtx, cancel := context.WithTimeout(ctx, engineStopTimeout)
	defer cancel()
	if err := old.Stop(stopCtx); err != nil {
		slog.Warn("previous engine stop incomplete", "err", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start rebuilt engine: %w", err)
	}
	slog.Info("engine restarted", "backend", cfg.Source.Backend)
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// currentEngine returns the live engine and the channel closed when it
// is replaced.
func (a *App) currentEngine() (*engine.Engine, <-chan struct{}) {
	a.engineMu.RLock()
	defer a.engineMu.RUnlock()
	return a.eng, a.regen
}

func (a *App) buildEngine(cfg *config.Config, src capture.Source) (*engine.Engine, error) {
	return engine.New(engineConfig(cfg), src,
		engine.WithMetrics(a.metrics),
		engine.WithSourceLabel(string(cfg.Source.Backend)),
	)
}

// engineConfig maps the YAML schema onto the engine's flat config.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		SampleRate:          cfg.Audio.SampleRate,
		FrameSize:           cfg.Audio.FrameSize,
		Device:              cfg.Source.Device,
		SourceOptions:       streamOptions(cfg.Source.Options),
		RingCapacity:        cfg.Audio.RingCapacity,
		WindowSize:          cfg.Analysis.WindowSize,
		HopSize:             cfg.Analysis.HopSize,
		Harmonics:           cfg.Analysis.Harmonics,
		MinFrequencyHz:      cfg.Analysis.MinFrequencyHz,
		MaxFrequencyHz:      cfg.Analysis.MaxFrequencyHz,
		NoiseFloorDb:        cfg.Analysis.NoiseFloorDb,
		PeakProminence:      cfg.Analysis.PeakProminence,
		WhiteNoiseThreshold: cfg.Analysis.WhiteNoiseThreshold,
		InterferenceHz:      cfg.Analysis.InterferenceHz,
		ReferencePitchHz:    cfg.Tuning.ReferencePitchHz,
		Targets:             cfg.Tuning.ResolveTargets(),
		Stability: pitch.StabilityConfig{
			HistorySize:      cfg.Stability.HistorySize,
			MedianWindow:     cfg.Stability.MedianWindow,
			StableTolerance:  cfg.Stability.StableTolerance,
			OutlierTolerance: cfg.Stability.OutlierTolerance,
			OutlierOverride:  cfg.Stability.OutlierOverride,
		},
	}
}

// streamOptions flattens the free-form YAML options map into the string
// form the capture layer hands to backends.
func streamOptions(opts map[string]any) map[string]string {
	if len(opts) == 0 {
		return nil
	}
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		out[k] = fmt.Sprint(v)
	}
	return out
}
