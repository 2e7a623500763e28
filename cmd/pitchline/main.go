// Command pitchline is the real-time pitch estimation service and tuner CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/quindar/pitchline/internal/app"
	"github.com/quindar/pitchline/internal/config"
	"github.com/quindar/pitchline/internal/observe"
	"github.com/quindar/pitchline/pkg/audio"
	"github.com/quindar/pitchline/pkg/capture"
	"github.com/quindar/pitchline/pkg/capture/pcm"
	"github.com/quindar/pitchline/pkg/capture/portaudio"
	"github.com/quindar/pitchline/pkg/capture/tone"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "list available capture devices and exit")
	printResults := flag.Bool("print", false, "print every estimate to stdout (default in headless mode)")
	noWatch := flag.Bool("no-watch", false, "disable configuration hot reload")
	flag.Parse()

	// ── Device listing ────────────────────────────────────────────────────────
	if *listDevices {
		return runListDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pitchline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pitchline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, levelVar := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("pitchline starting",
		"config", *configPath,
		"backend", cfg.Source.Backend,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), "pitchline")
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Capture backend registry ──────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// Headless runs print estimates to stdout; service runs only on -print.
	opts := []app.Option{app.WithLevelVar(levelVar)}
	if *printResults || cfg.Server.ListenAddr == "" {
		opts = append(opts, app.WithResultWriter(os.Stdout))
	}

	application, err := app.New(cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if !*noWatch {
		if err := application.WatchConfig(*configPath); err != nil {
			slog.Error("failed to watch configuration", "err", err)
			return 1
		}
	}

	slog.Info("service ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ──────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the capture backends that ship with pitchline
// into reg. Backend-specific knobs come from the source.options map.
func registerBuiltinBackends(reg *config.Registry) {
	reg.Register(config.BackendPortAudio, func(config.SourceConfig) (capture.Source, error) {
		return portaudio.NewSource(), nil
	})

	reg.Register(config.BackendTone, func(src config.SourceConfig) (capture.Source, error) {
		var opts []tone.Option
		if v, ok := optFloat(src.Options, "frequency"); ok {
			opts = append(opts, tone.WithFrequency(v))
		}
		if v, ok := optFloat(src.Options, "amplitude"); ok {
			opts = append(opts, tone.WithAmplitude(v))
		}
		if v, ok := optInt(src.Options, "harmonics"); ok {
			opts = append(opts, tone.WithHarmonics(v))
		}
		if v, ok := optFloat(src.Options, "noise"); ok {
			opts = append(opts, tone.WithNoise(v))
		}
		if v, ok := optInt(src.Options, "seed"); ok {
			opts = append(opts, tone.WithSeed(int64(v)))
		}
		if v, ok := optFloat(src.Options, "timescale"); ok {
			opts = append(opts, tone.WithTimescale(v))
		}
		if v, ok := optFloat(src.Options, "duration_seconds"); ok {
			opts = append(opts, tone.WithDuration(time.Duration(v*float64(time.Second))))
		}
		return tone.NewSource(opts...), nil
	})

	reg.Register(config.BackendPCM, func(src config.SourceConfig) (capture.Source, error) {
		var opts []pcm.Option
		rate, hasRate := optInt(src.Options, "input_sample_rate")
		channels, hasChannels := optInt(src.Options, "input_channels")
		if hasRate || hasChannels {
			// Zero fields fall back to the session config inside the backend.
			opts = append(opts, pcm.WithInputFormat(audio.Format{
				SampleRate: rate,
				Channels:   channels,
			}))
		}
		return pcm.NewSource(opts...), nil
	})
}

// runListDevices prints every capture device PortAudio can see. The system
// default input is marked with an asterisk.
func runListDevices() int {
	devices, err := portaudio.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pitchline: list devices: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return 0
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %-24s %-40s %d ch @ %.0f Hz\n",
			marker, d.ID, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return 0
}

// ── Startup summary ─────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        pitchline — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	backend := string(cfg.Source.Backend)
	if cfg.Source.Device != "" {
		backend += " / " + cfg.Source.Device
	}
	printField("Backend", backend)
	printField("Audio", fmt.Sprintf("%d Hz / %d-frames", cfg.Audio.SampleRate, cfg.Audio.FrameSize))
	printField("Window", fmt.Sprintf("%d / hop %d", cfg.Analysis.WindowSize, cfg.Analysis.HopSize))
	printField("Tuning", tuningSummary(cfg.Tuning))
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	} else {
		printField("Listen addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s   : %-19s ║\n", label, value)
}

func tuningSummary(t config.TuningConfig) string {
	mode := "chromatic"
	switch {
	case t.Preset != "":
		mode = t.Preset
	case len(t.Targets) > 0:
		mode = fmt.Sprintf("%d targets", len(t.Targets))
	}
	return fmt.Sprintf("%s @ %g Hz", mode, t.ReferencePitchHz)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned level var is handed to
// the app so configuration reloads can change verbosity in place.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level.SlogLevel())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}

// ── Helpers ────────────────────────────────────────────────────────────────────

// optFloat extracts a numeric value from a source options map. YAML numbers
// arrive as int or float64 depending on how they were written.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func optInt(opts map[string]any, key string) (int, bool) {
	v, ok := optFloat(opts, key)
	return int(v), ok
}
