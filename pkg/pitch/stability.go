package pitch

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// StabilityConfig tunes the Stabilizer.
type StabilityConfig struct {
	// HistorySize is how many accepted estimates are retained.
	HistorySize int

	// MedianWindow is how many of the most recent estimates the median and
	// the stability check consider. Must not exceed HistorySize.
	MedianWindow int

	// StableTolerance is the maximum relative deviation from the median for
	// a reading to count as settled (0.01 means every value within 1%).
	StableTolerance float64

	// OutlierTolerance is the relative deviation from the running median
	// beyond which a new estimate is treated as a transient and held back.
	OutlierTolerance float64

	// OutlierOverride is the number of consecutive outliers after which the
	// history is reseeded from the incoming value. The player moved to
	// another string; following it beats rejection.
	OutlierOverride int
}

// DefaultStabilityConfig returns the smoothing parameters the tuner ships
// with.
func DefaultStabilityConfig() StabilityConfig {
	return StabilityConfig{
		HistorySize:      10,
		MedianWindow:     5,
		StableTolerance:  0.01,
		OutlierTolerance: 0.25,
		OutlierOverride:  3,
	}
}

// Validate reports every problem with the config as a joined error.
func (c StabilityConfig) Validate() error {
	var errs []error
	if c.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("history size must be at least 1, got %d", c.HistorySize))
	}
	if c.MedianWindow < 1 {
		errs = append(errs, fmt.Errorf("median window must be at least 1, got %d", c.MedianWindow))
	}
	if c.HistorySize >= 1 && c.MedianWindow > c.HistorySize {
		errs = append(errs, fmt.Errorf("median window %d exceeds history size %d", c.MedianWindow, c.HistorySize))
	}
	if c.StableTolerance <= 0 {
		errs = append(errs, fmt.Errorf("stable tolerance must be positive, got %g", c.StableTolerance))
	}
	if c.OutlierTolerance <= 0 {
		errs = append(errs, fmt.Errorf("outlier tolerance must be positive, got %g", c.OutlierTolerance))
	}
	if c.OutlierOverride < 1 {
		errs = append(errs, fmt.Errorf("outlier override must be at least 1, got %d", c.OutlierOverride))
	}
	return errors.Join(errs...)
}

// Stabilizer smooths raw frequency estimates with a rolling median and flags
// when the reading has settled. Single-frame spikes from pick attacks or
// noise bursts are held back rather than published; a run of consecutive
// "outliers" is recognized as a genuine note change and reseeds the history.
//
// Not safe for concurrent use; the analysis loop owns it.
type Stabilizer struct {
	cfg      StabilityConfig
	history  []float64
	outliers int

	sorted []float64 // median scratch
}

// NewStabilizer creates a stabilizer.
func NewStabilizer(cfg StabilityConfig) (*Stabilizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stability config: %w", err)
	}
	return &Stabilizer{
		cfg:     cfg,
		history: make([]float64, 0, cfg.HistorySize),
		sorted:  make([]float64, 0, cfg.MedianWindow),
	}, nil
}

// Push feeds one estimate and returns the smoothed frequency and whether
// the reading is stable. Until the median window fills, the raw value is
// returned unsmoothed and unstable. A non-positive frequency clears the
// history, the same as Reset: silence must not be averaged into the next
// note.
func (s *Stabilizer) Push(freqHz float64) (smoothedHz float64, stable bool) {
	if freqHz <= 0 {
		s.Reset()
		return 0, false
	}

	if len(s.history) >= s.cfg.MedianWindow {
		med := s.median()
		if math.Abs(freqHz-med)/med > s.cfg.OutlierTolerance {
			s.outliers++
			if s.outliers >= s.cfg.OutlierOverride {
				s.Reset()
				s.history = append(s.history, freqHz)
				return freqHz, false
			}
			// Hold the previous reading through the transient.
			return med, s.settled(med)
		}
	}
	s.outliers = 0

	s.history = append(s.history, freqHz)
	if len(s.history) > s.cfg.HistorySize {
		s.history = slices.Delete(s.history, 0, 1)
	}
	if len(s.history) < s.cfg.MedianWindow {
		return freqHz, false
	}

	med := s.median()
	return med, s.settled(med)
}

// Reset clears the history, as on silence or a device restart.
func (s *Stabilizer) Reset() {
	s.history = s.history[:0]
	s.outliers = 0
}

// median computes the median of the last MedianWindow values.
func (s *Stabilizer) median() float64 {
	window := s.history[len(s.history)-s.cfg.MedianWindow:]
	s.sorted = append(s.sorted[:0], window...)
	slices.Sort(s.sorted)
	return stat.Quantile(0.5, stat.Empirical, s.sorted, nil)
}

// settled reports whether every value in the median window sits within
// StableTolerance of the median.
func (s *Stabilizer) settled(med float64) bool {
	window := s.history[len(s.history)-s.cfg.MedianWindow:]
	for _, f := range window {
		if math.Abs(f-med)/med > s.cfg.StableTolerance {
			return false
		}
	}
	return true
}
