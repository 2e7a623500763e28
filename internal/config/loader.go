package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns the configuration used when fields are absent from
// the YAML document: CD-rate capture, a 4096-sample window with 75% overlap,
// the estimator gates tuned for guitar and voice, and chromatic mapping
// against concert pitch.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Source: SourceConfig{
			Backend: BackendPortAudio,
		},
		Audio: AudioConfig{
			SampleRate:   44100,
			FrameSize:    1024,
			RingCapacity: 16,
		},
		Analysis: AnalysisConfig{
			WindowSize:          4096,
			HopSize:             1024,
			Harmonics:           5,
			MinFrequencyHz:      60,
			MaxFrequencyHz:      1000,
			NoiseFloorDb:        -65,
			PeakProminence:      2.0,
			WhiteNoiseThreshold: 0.2,
			InterferenceHz:      50,
		},
		Tuning: TuningConfig{
			ReferencePitchHz: 440,
		},
		Stability: StabilityConfig{
			HistorySize:      10,
			MedianWindow:     5,
			StableTolerance:  0.01,
			OutlierTolerance: 0.25,
			OutlierOverride:  3,
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Decoding starts from [DefaultConfig], so the document only needs to name
// the fields it changes; an explicit zero still overrides its default
// (e.g., interference_hz: 0 disables the hum notches). Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty document is a valid all-defaults config.
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Suspicious but workable values are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Source
	if cfg.Source.Backend != "" && !cfg.Source.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("source.backend %q is invalid; valid values: portaudio, tone, pcm", cfg.Source.Backend))
	}
	if cfg.Source.Backend == BackendPCM && cfg.Source.Device == "" {
		errs = append(errs, errors.New("source.device is required when backend is pcm (path to the raw PCM file)"))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size must be positive, got %d", cfg.Audio.FrameSize))
	}

	// Analysis
	if cfg.Analysis.WindowSize <= 0 || bits.OnesCount(uint(cfg.Analysis.WindowSize)) != 1 {
		errs = append(errs, fmt.Errorf("analysis.window_size must be a power of two, got %d", cfg.Analysis.WindowSize))
	}
	if cfg.Analysis.HopSize <= 0 {
		errs = append(errs, fmt.Errorf("analysis.hop_size must be positive, got %d", cfg.Analysis.HopSize))
	} else if cfg.Analysis.HopSize > cfg.Analysis.WindowSize {
		errs = append(errs, fmt.Errorf("analysis.hop_size %d exceeds window_size %d", cfg.Analysis.HopSize, cfg.Analysis.WindowSize))
	}
	if cfg.Analysis.Harmonics < 1 {
		errs = append(errs, fmt.Errorf("analysis.harmonics must be at least 1, got %d", cfg.Analysis.Harmonics))
	}
	if cfg.Analysis.MinFrequencyHz <= 0 {
		errs = append(errs, fmt.Errorf("analysis.min_frequency_hz must be positive, got %g", cfg.Analysis.MinFrequencyHz))
	}
	if cfg.Analysis.MaxFrequencyHz <= cfg.Analysis.MinFrequencyHz {
		errs = append(errs, fmt.Errorf("analysis.max_frequency_hz %g must exceed min_frequency_hz %g", cfg.Analysis.MaxFrequencyHz, cfg.Analysis.MinFrequencyHz))
	}
	if cfg.Analysis.PeakProminence < 1 {
		errs = append(errs, fmt.Errorf("analysis.peak_prominence must be at least 1, got %g", cfg.Analysis.PeakProminence))
	}
	if cfg.Analysis.WhiteNoiseThreshold < 0 {
		errs = append(errs, fmt.Errorf("analysis.white_noise_threshold must not be negative, got %g", cfg.Analysis.WhiteNoiseThreshold))
	}
	if cfg.Analysis.InterferenceHz < 0 {
		errs = append(errs, fmt.Errorf("analysis.interference_hz must not be negative, got %g", cfg.Analysis.InterferenceHz))
	}

	// Ring headroom: a consumer stalled for one full window must not lose
	// the window it is about to read.
	if cfg.Audio.FrameSize > 0 && cfg.Analysis.WindowSize > 0 {
		if cfg.Audio.RingCapacity*cfg.Audio.FrameSize < 2*cfg.Analysis.WindowSize {
			errs = append(errs, fmt.Errorf("audio.ring_capacity %d holds fewer than two analysis windows (%d frames of %d samples vs window_size %d)",
				cfg.Audio.RingCapacity, cfg.Audio.RingCapacity, cfg.Audio.FrameSize, cfg.Analysis.WindowSize))
		}
	}

	// Tuning
	if cfg.Tuning.ReferencePitchHz <= 0 {
		errs = append(errs, fmt.Errorf("tuning.reference_pitch_hz must be positive, got %g", cfg.Tuning.ReferencePitchHz))
	}
	if cfg.Tuning.Preset != "" && cfg.Tuning.Preset != PresetGuitarStandard {
		errs = append(errs, fmt.Errorf("tuning.preset %q is unknown; valid values: %s", cfg.Tuning.Preset, PresetGuitarStandard))
	}
	if cfg.Tuning.Preset != "" && len(cfg.Tuning.Targets) > 0 {
		errs = append(errs, errors.New("tuning.preset and tuning.targets are mutually exclusive"))
	}
	targetNamesSeen := make(map[string]int, len(cfg.Tuning.Targets))
	for i, tgt := range cfg.Tuning.Targets {
		prefix := fmt.Sprintf("tuning.targets[%d]", i)
		if tgt.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := targetNamesSeen[tgt.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tuning.targets[%d]", prefix, tgt.Name, prev))
			}
			targetNamesSeen[tgt.Name] = i
		}
		if tgt.FrequencyHz <= 0 {
			errs = append(errs, fmt.Errorf("%s.frequency_hz must be positive, got %g", prefix, tgt.FrequencyHz))
		}
	}

	// Stability
	if cfg.Stability.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("stability.history_size must be at least 1, got %d", cfg.Stability.HistorySize))
	}
	if cfg.Stability.MedianWindow < 1 {
		errs = append(errs, fmt.Errorf("stability.median_window must be at least 1, got %d", cfg.Stability.MedianWindow))
	} else if cfg.Stability.MedianWindow > cfg.Stability.HistorySize {
		errs = append(errs, fmt.Errorf("stability.median_window %d exceeds history_size %d", cfg.Stability.MedianWindow, cfg.Stability.HistorySize))
	}
	if cfg.Stability.StableTolerance <= 0 {
		errs = append(errs, fmt.Errorf("stability.stable_tolerance must be positive, got %g", cfg.Stability.StableTolerance))
	}
	if cfg.Stability.OutlierTolerance <= 0 {
		errs = append(errs, fmt.Errorf("stability.outlier_tolerance must be positive, got %g", cfg.Stability.OutlierTolerance))
	}
	if cfg.Stability.OutlierOverride < 1 {
		errs = append(errs, fmt.Errorf("stability.outlier_override must be at least 1, got %d", cfg.Stability.OutlierOverride))
	}

	// Suspicious but workable values.
	if cfg.Analysis.InterferenceHz > 0 && cfg.Analysis.InterferenceHz != 50 && cfg.Analysis.InterferenceHz != 60 {
		slog.Warn("unusual mains frequency configured for the hum notches",
			"interference_hz", cfg.Analysis.InterferenceHz,
		)
	}
	if cfg.Analysis.NoiseFloorDb >= 0 {
		slog.Warn("analysis.noise_floor_db is at or above full scale; every window will gate as silence",
			"noise_floor_db", cfg.Analysis.NoiseFloorDb,
		)
	}
	if cfg.Audio.SampleRate > 0 && cfg.Analysis.MaxFrequencyHz*float64(cfg.Analysis.Harmonics) > float64(cfg.Audio.SampleRate)/2 {
		slog.Warn("top harmonics exceed Nyquist; the estimator caps the product band",
			"max_frequency_hz", cfg.Analysis.MaxFrequencyHz,
			"harmonics", cfg.Analysis.Harmonics,
			"sample_rate", cfg.Audio.SampleRate,
		)
	}

	return errors.Join(errs...)
}
