// Package config provides the configuration schema, loader, and capture
// backend registry for the pitchline service.
package config

import (
	"log/slog"

	"github.com/quindar/pitchline/pkg/pitch"
)

// LogLevel controls log verbosity for the pitchline service.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l onto the standard library's levels. Unrecognised
// values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Backend selects the audio capture implementation.
type Backend string

const (
	// BackendPortAudio captures from a live input device.
	BackendPortAudio Backend = "portaudio"

	// BackendTone synthesises a fixed-frequency test tone.
	BackendTone Backend = "tone"

	// BackendPCM replays a raw PCM file at capture pace.
	BackendPCM Backend = "pcm"
)

// IsValid reports whether b is a recognised capture backend.
func (b Backend) IsValid() bool {
	switch b {
	case BackendPortAudio, BackendTone, BackendPCM:
		return true
	}
	return false
}

// PresetGuitarStandard names the built-in standard guitar tuning
// (E2 A2 D3 G3 B3 E4).
const PresetGuitarStandard = "guitar-standard"

// Config is the root configuration structure for pitchline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Source    SourceConfig    `yaml:"source"`
	Audio     AudioConfig     `yaml:"audio"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Tuning    TuningConfig    `yaml:"tuning"`
	Stability StabilityConfig `yaml:"stability"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP surface listens on
	// (e.g., ":8080"). Empty disables HTTP entirely; the engine still
	// runs and prints results.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// SourceConfig selects and parameterises the capture backend.
type SourceConfig struct {
	// Backend selects the registered capture implementation.
	Backend Backend `yaml:"backend"`

	// Device is the backend-specific source selector: an input device
	// name for portaudio, a file path for pcm. Empty picks the backend
	// default.
	Device string `yaml:"device"`

	// Options holds backend-specific extras not covered by Device
	// (e.g., "frequency" and "amplitude" for the tone backend).
	Options map[string]any `yaml:"options"`
}

// AudioConfig holds the capture format shared by every backend.
type AudioConfig struct {
	// SampleRate in Hz. The analysis chain assumes this rate throughout.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per captured frame.
	FrameSize int `yaml:"frame_size"`

	// RingCapacity is the frame ring buffer size in frames. Must hold at
	// least two analysis windows so a slow consumer degrades gradually.
	RingCapacity int `yaml:"ring_capacity"`
}

// AnalysisConfig parameterises the spectral pitch estimator.
type AnalysisConfig struct {
	// WindowSize is the analysis window length in samples. Power of two.
	WindowSize int `yaml:"window_size"`

	// HopSize is the window advance per analysis in samples. Must not
	// exceed WindowSize; 1024 against a 4096 window gives 75% overlap.
	HopSize int `yaml:"hop_size"`

	// Harmonics is the number of spectrum copies in the harmonic product.
	Harmonics int `yaml:"harmonics"`

	// MinFrequencyHz and MaxFrequencyHz bound the fundamental search band.
	MinFrequencyHz float64 `yaml:"min_frequency_hz"`
	MaxFrequencyHz float64 `yaml:"max_frequency_hz"`

	// NoiseFloorDb is the dBFS RMS level below which a window counts as
	// silence.
	NoiseFloorDb float64 `yaml:"noise_floor_db"`

	// PeakProminence is the minimum ratio of the product peak over the
	// search band mean for a detection.
	PeakProminence float64 `yaml:"peak_prominence"`

	// WhiteNoiseThreshold controls octave-band noise suppression before
	// the product. Zero disables it.
	WhiteNoiseThreshold float64 `yaml:"white_noise_threshold"`

	// InterferenceHz enables mains-hum notches at this frequency and its
	// second harmonic. Typical values: 50 or 60. Zero disables them.
	InterferenceHz float64 `yaml:"interference_hz"`
}

// TuningConfig selects the note mapping mode.
type TuningConfig struct {
	// ReferencePitchHz is the concert pitch the chromatic scale is built
	// from. 440 unless the player tunes to an alternative reference.
	ReferencePitchHz float64 `yaml:"reference_pitch_hz"`

	// Preset names a built-in target set ("guitar-standard"). Mutually
	// exclusive with Targets.
	Preset string `yaml:"preset"`

	// Targets restricts mapping to an explicit list of tuning targets.
	// Empty (with no preset) means chromatic mapping to the nearest of
	// all twelve semitones.
	Targets []TargetConfig `yaml:"targets"`
}

// TargetConfig is one explicit tuning target.
type TargetConfig struct {
	// Name is the display label (e.g., "E2", "drop-D").
	Name string `yaml:"name"`

	// FrequencyHz is the target's exact frequency.
	FrequencyHz float64 `yaml:"frequency_hz"`
}

// StabilityConfig parameterises the median smoothing applied to raw
// estimates before publication.
type StabilityConfig struct {
	// HistorySize is the number of accepted estimates retained.
	HistorySize int `yaml:"history_size"`

	// MedianWindow is the number of recent estimates the published median
	// and the stability check are computed over.
	MedianWindow int `yaml:"median_window"`

	// StableTolerance is the maximum relative spread around the median
	// for the result to report as stable.
	StableTolerance float64 `yaml:"stable_tolerance"`

	// OutlierTolerance is the relative deviation from the median beyond
	// which a new estimate is rejected instead of accepted.
	OutlierTolerance float64 `yaml:"outlier_tolerance"`

	// OutlierOverride is the number of consecutive rejections after which
	// the filter resets onto the new value (the player changed notes).
	OutlierOverride int `yaml:"outlier_override"`
}

// ResolveTargets translates the tuning section into the mapper's target
// list: the preset's targets, the explicit list, or nil for chromatic
// mapping. Callers must have validated the config first; an unknown preset
// resolves to nil here.
func (t TuningConfig) ResolveTargets() []pitch.TuningTarget {
	if t.Preset == PresetGuitarStandard {
		return pitch.StandardGuitar()
	}
	if len(t.Targets) == 0 {
		return nil
	}
	targets := make([]pitch.TuningTarget, len(t.Targets))
	for i, tc := range t.Targets {
		targets[i] = pitch.TuningTarget{Name: tc.Name, FrequencyHz: tc.FrequencyHz}
	}
	return targets
}
