package dsp

import (
	"fmt"
	"math"
)

// HannWindow holds precomputed Hann coefficients for a fixed analysis size.
// The symmetric form is used: w[i] = 0.5 * (1 - cos(2*pi*i/(N-1))).
type HannWindow struct {
	coeffs []float64
}

// NewHannWindow precomputes a Hann window of the given size.
func NewHannWindow(size int) (*HannWindow, error) {
	if size < 2 {
		return nil, fmt.Errorf("window size must be at least 2, got %d", size)
	}
	w := &HannWindow{coeffs: make([]float64, size)}
	for i := range size {
		w.coeffs[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return w, nil
}

// Size returns the window length.
func (w *HannWindow) Size() int { return len(w.coeffs) }

// Apply multiplies the signal by the window in place.
func (w *HannWindow) Apply(signal []float64) error {
	if len(signal) != len(w.coeffs) {
		return fmt.Errorf("signal length %d does not match window size %d", len(signal), len(w.coeffs))
	}
	for i := range signal {
		signal[i] *= w.coeffs[i]
	}
	return nil
}
