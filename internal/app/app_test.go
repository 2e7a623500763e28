package app_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quindar/pitchline/internal/app"
	"github.com/quindar/pitchline/internal/config"
	"github.com/quindar/pitchline/pkg/capture"
	"github.com/quindar/pitchline/pkg/capture/mock"
	"github.com/quindar/pitchline/pkg/capture/tone"
)

// testConfig returns a tone-backend config sized so tests finish in
// milliseconds. No listen address: tests serve the handler themselves.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = ""
	cfg.Source.Backend = config.BackendTone
	cfg.Audio.FrameSize = 512
	cfg.Audio.RingCapacity = 64
	cfg.Analysis.WindowSize = 2048
	cfg.Analysis.HopSize = 512
	return cfg
}

// registryFor returns a registry whose tone factory hands out src.
func registryFor(src capture.Source) *config.Registry {
	reg := config.NewRegistry()
	reg.Register(config.BackendTone, func(config.SourceConfig) (capture.Source, error) {
		return src, nil
	})
	return reg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func writeConfigFile(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestNew_BuildsHandler(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig(), registryFor(&mock.Source{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if a.Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := app.New(testConfig(), config.NewRegistry())
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("New() error = %v, want ErrBackendNotRegistered", err)
	}
}

func TestNew_NilArguments(t *testing.T) {
	t.Parallel()

	if _, err := app.New(nil, config.NewRegistry()); err == nil {
		t.Error("New(nil config) did not return an error")
	}
	if _, err := app.New(testConfig(), nil); err == nil {
		t.Error("New(nil registry) did not return an error")
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	// Paced, endless tone: Run must block until the context ends.
	a, err := app.New(testConfig(), registryFor(tone.NewSource()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	// Give Run a moment to set up goroutines.
	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_RunReturnsWhenStreamEnds(t *testing.T) {
	t.Parallel()

	// A finite unpaced tone ends on its own; with no HTTP surface to
	// keep serving, Run returns nil without any cancellation.
	src := tone.NewSource(tone.WithTimescale(0), tone.WithDuration(50*time.Millisecond))
	a, err := app.New(testConfig(), registryFor(src))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after the stream ended")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_PrintsResultsHeadless(t *testing.T) {
	t.Parallel()

	// The CLI path: no HTTP surface, results printed to a writer, a
	// finite stream. Run must print the estimates and then return on
	// its own. The stream is paced so the printer is subscribed well
	// before the first window completes.
	src := tone.NewSource(tone.WithTimescale(4), tone.WithDuration(300*time.Millisecond))
	var out bytes.Buffer
	a, err := app.New(testConfig(), registryFor(src), app.WithResultWriter(&out))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(context.Background())
	}()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after the finite stream ended")
	}

	// Run has returned, so the printer goroutine is gone and the
	// buffer is safe to read.
	printed := out.String()
	if !strings.Contains(printed, "A4") {
		t.Errorf("printed output missing the A4 estimate:\n%s", printed)
	}
	if !strings.Contains(printed, "Hz") {
		t.Errorf("printed output missing a formatted line:\n%s", printed)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_RunSurfacesEngineFault(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	a, err := app.New(testConfig(), registryFor(src))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool { return src.LastSession() != nil },
		"capture session never opened")
	src.LastSession().Fail(capture.ErrStreamInterrupted)

	select {
	case err := <-errCh:
		if !errors.Is(err, capture.ErrStreamInterrupted) {
			t.Fatalf("Run() error = %v, want ErrStreamInterrupted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after the engine faulted")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_ApplyConfigLogLevel(t *testing.T) {
	t.Parallel()

	lv := new(slog.LevelVar)
	cfg := testConfig()
	a, err := app.New(cfg, registryFor(&mock.Source{}), app.WithLevelVar(lv))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	next := testConfig()
	next.Server.LogLevel = config.LogError
	a.ApplyConfig(cfg, next)

	if got := lv.Level(); got != slog.LevelError {
		t.Errorf("level after reload = %v, want %v", got, slog.LevelError)
	}
}

func TestApp_ApplyConfigRestartsEngine(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	var creates atomic.Int32
	reg := config.NewRegistry()
	reg.Register(config.BackendTone, func(config.SourceConfig) (capture.Source, error) {
		creates.Add(1)
		return src, nil
	})

	cfg := testConfig()
	a, err := app.New(cfg, reg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool { return len(src.Sessions()) == 1 },
		"capture session never opened")

	// A ring size change is not hot-applicable, so the engine restarts.
	next := testConfig()
	next.Audio.RingCapacity = 128
	a.ApplyConfig(cfg, next)

	if got := creates.Load(); got != 2 {
		t.Errorf("source factory calls = %d, want 2", got)
	}
	if got := len(src.Sessions()); got != 2 {
		t.Fatalf("capture sessions = %d, want 2", got)
	}
	select {
	case <-src.Sessions()[0].Done():
	default:
		t.Error("first capture session still open after restart")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_WatchConfigReloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := testConfig()
	writeConfigFile(t, path, cfg)

	lv := new(slog.LevelVar)
	a, err := app.New(cfg, registryFor(&mock.Source{}), app.WithLevelVar(lv))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := a.WatchConfig(path, config.WithInterval(10*time.Millisecond)); err != nil {
		t.Fatalf("WatchConfig() error: %v", err)
	}

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	writeConfigFile(t, path, next)

	waitFor(t, 2*time.Second, func() bool { return lv.Level() == slog.LevelDebug },
		"log level change never applied")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_ForwardsSourceOptions(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	cfg := testConfig()
	cfg.Source.Device = "input-3"
	cfg.Source.Options = map[string]any{"gain": 2.5, "channels": 1}

	a, err := app.New(cfg, registryFor(src))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()
	waitFor(t, 2*time.Second, func() bool { return src.LastSession() != nil },
		"capture session never opened")

	opened := src.OpenCalls[0]
	if opened.Device != "input-3" {
		t.Errorf("opened device = %q, want %q", opened.Device, "input-3")
	}
	if got := opened.Options["gain"]; got != "2.5" {
		t.Errorf("gain option = %q, want %q", got, "2.5")
	}
	if got := opened.Options["channels"]; got != "1" {
		t.Errorf("channels option = %q, want %q", got, "1")
	}

	cancel()
	<-errCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownTwice(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig(), registryFor(&mock.Source{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() error: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
