package dsp

import (
	"errors"
	"fmt"
)

const (
	butterworthQ = 0.7071
	notchQ       = 30.0
)

// PreprocessConfig holds the parameters of a Preprocessor.
type PreprocessConfig struct {
	// SampleRate of the analysis windows in Hz.
	SampleRate int

	// WindowSize is the analysis window length in samples.
	WindowSize int

	// MinFrequencyHz sets the high-pass corner removing rumble below the
	// lowest fundamental of interest.
	MinFrequencyHz float64

	// MaxFrequencyHz is the top of the fundamental search band. The low-pass
	// corner is placed at Harmonics times this value (capped below Nyquist)
	// so the overtones the estimator multiplies together survive.
	MaxFrequencyHz float64

	// Harmonics mirrors the estimator's harmonic count for the low-pass
	// corner placement.
	Harmonics int

	// InterferenceHz enables mains-hum notches at this frequency and its
	// second harmonic. Zero disables them. Typical values: 50 or 60.
	InterferenceHz float64
}

// Validate reports every problem with the config as a joined error.
func (c PreprocessConfig) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.WindowSize < 2 {
		errs = append(errs, fmt.Errorf("window size must be at least 2, got %d", c.WindowSize))
	}
	if c.MinFrequencyHz <= 0 {
		errs = append(errs, fmt.Errorf("min frequency must be positive, got %g", c.MinFrequencyHz))
	}
	if c.MaxFrequencyHz <= c.MinFrequencyHz {
		errs = append(errs, fmt.Errorf("max frequency %g must exceed min frequency %g",
			c.MaxFrequencyHz, c.MinFrequencyHz))
	}
	if c.Harmonics < 1 {
		errs = append(errs, fmt.Errorf("harmonics must be at least 1, got %d", c.Harmonics))
	}
	if c.InterferenceHz < 0 {
		errs = append(errs, fmt.Errorf("interference frequency must not be negative, got %g", c.InterferenceHz))
	}
	return errors.Join(errs...)
}

// Preprocessor conditions analysis windows for the estimator: Hann window,
// band-limiting, then mains-hum notches. Filter state is reset for every
// window, so overlapping windows stay independent.
//
// Not safe for concurrent use.
type Preprocessor struct {
	window  *HannWindow
	filters []*Biquad
}

// NewPreprocessor creates a preprocessor.
func NewPreprocessor(cfg PreprocessConfig) (*Preprocessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("preprocess config: %w", err)
	}

	window, err := NewHannWindow(cfg.WindowSize)
	if err != nil {
		return nil, err
	}

	// Keep overtones up to the harmonic count; never reach Nyquist.
	lowpassHz := min(float64(cfg.Harmonics)*cfg.MaxFrequencyHz, 0.45*float64(cfg.SampleRate))

	filters := []*Biquad{
		NewHighPass(cfg.SampleRate, cfg.MinFrequencyHz, butterworthQ),
		NewLowPass(cfg.SampleRate, lowpassHz, butterworthQ),
	}
	if cfg.InterferenceHz > 0 {
		filters = append(filters,
			NewNotch(cfg.SampleRate, cfg.InterferenceHz, notchQ),
			NewNotch(cfg.SampleRate, 2*cfg.InterferenceHz, notchQ),
		)
	}

	return &Preprocessor{window: window, filters: filters}, nil
}

// Process conditions one analysis window in place.
func (p *Preprocessor) Process(window []float64) error {
	if err := p.window.Apply(window); err != nil {
		return err
	}
	for _, f := range p.filters {
		f.Reset()
		f.ProcessBuffer(window)
	}
	return nil
}
