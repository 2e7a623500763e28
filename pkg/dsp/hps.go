// Package dsp implements the signal-processing stages of the pitch pipeline:
// Hann windowing, biquad filtering, power spectra, and harmonic product
// spectrum fundamental-frequency estimation.
//
// The estimator follows the classic HPS recipe: the power spectrum is
// multiplied element-wise with copies of itself downsampled by each harmonic
// factor, which aligns every harmonic's energy onto the fundamental bin. The
// peak of the product is gated against the band average, refined with
// log-domain parabolic interpolation, and scored by how much of the window's
// spectral energy its harmonic series explains.
package dsp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// HPSConfig holds the parameters of an HPSEstimator.
type HPSConfig struct {
	// SampleRate of the analysis windows in Hz.
	SampleRate int

	// WindowSize is the analysis window length in samples.
	WindowSize int

	// Harmonics is the number of spectrum copies multiplied into the product,
	// the fundamental included. 5 resolves guitar and voice well.
	Harmonics int

	// MinFrequencyHz and MaxFrequencyHz bound the fundamental search band.
	// Bins below MinFrequencyHz are also zeroed before the product to keep
	// rumble and hum residue out of it.
	MinFrequencyHz float64
	MaxFrequencyHz float64

	// NoiseFloorDb is the silence gate: windows whose RMS level falls below
	// this dBFS threshold estimate as no pitch.
	NoiseFloorDb float64

	// PeakProminence is the minimum ratio between the product peak and the
	// product's mean over the search band for the peak to count as a pitch.
	PeakProminence float64

	// WhiteNoiseThreshold controls octave-band noise suppression before the
	// product (see SuppressBroadbandNoise). Zero disables it.
	WhiteNoiseThreshold float64
}

// Validate reports every problem with the config as a joined error.
func (c HPSConfig) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.WindowSize < 2 {
		errs = append(errs, fmt.Errorf("window size must be at least 2, got %d", c.WindowSize))
	}
	if c.Harmonics < 1 {
		errs = append(errs, fmt.Errorf("harmonics must be at least 1, got %d", c.Harmonics))
	}
	if c.MinFrequencyHz <= 0 {
		errs = append(errs, fmt.Errorf("min frequency must be positive, got %g", c.MinFrequencyHz))
	}
	if c.MaxFrequencyHz <= c.MinFrequencyHz {
		errs = append(errs, fmt.Errorf("max frequency %g must exceed min frequency %g",
			c.MaxFrequencyHz, c.MinFrequencyHz))
	}
	if c.SampleRate > 0 && c.MaxFrequencyHz > float64(c.SampleRate)/2 {
		errs = append(errs, fmt.Errorf("max frequency %g exceeds Nyquist %g",
			c.MaxFrequencyHz, float64(c.SampleRate)/2))
	}
	if c.PeakProminence < 1 {
		errs = append(errs, fmt.Errorf("peak prominence must be at least 1, got %g", c.PeakProminence))
	}
	if c.WhiteNoiseThreshold < 0 {
		errs = append(errs, fmt.Errorf("white noise threshold must not be negative, got %g", c.WhiteNoiseThreshold))
	}
	return errors.Join(errs...)
}

// HPSEstimator estimates the fundamental frequency of conditioned analysis
// windows. It reuses internal buffers and is not safe for concurrent use;
// the pipeline owns one estimator per analysis goroutine.
type HPSEstimator struct {
	cfg     HPSConfig
	product []float64 // harmonic product scratch
}

// productFloorRatio sets the clamp level for harmonic product factors
// relative to the strongest spectral bin, 60 dB down.
const productFloorRatio = 1e-6

// NewHPSEstimator creates an estimator.
func NewHPSEstimator(cfg HPSConfig) (*HPSEstimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hps config: %w", err)
	}
	return &HPSEstimator{
		cfg:     cfg,
		product: make([]float64, cfg.WindowSize/2+1),
	}, nil
}

// Estimate returns the fundamental frequency in Hz and a confidence in
// [0, 1] for one conditioned analysis window (already windowed and
// filtered). It returns (0, 0) when the window is silent, the spectral peak
// is not prominent enough, or the window length does not match the config.
//
// The frequency, when non-zero, lies within the configured search band up to
// interpolation of half a bin.
func (e *HPSEstimator) Estimate(window []float64) (freqHz, confidence float64) {
	if len(window) != e.cfg.WindowSize {
		return 0, 0
	}

	// Silence gate on the conditioned window level.
	rms := RMS(window)
	if rms == 0 || DBFS(rms) < e.cfg.NoiseFloorDb {
		return 0, 0
	}

	power := PowerSpectrum(window)

	binWidth := float64(e.cfg.SampleRate) / float64(e.cfg.WindowSize)
	minBin := max(int(math.Ceil(e.cfg.MinFrequencyHz/binWidth)), 1)
	maxBin := min(int(e.cfg.MaxFrequencyHz/binWidth), len(power)-2)
	// The product at bin i reads bin i*h; keep the search inside the spectrum.
	maxBin = min(maxBin, (len(power)-1)/e.cfg.Harmonics)
	if minBin > maxBin {
		return 0, 0
	}

	// Hum residue and rumble below the search band corrupt the product.
	for i := 0; i < minBin && i < len(power); i++ {
		power[i] = 0
	}

	SuppressBroadbandNoise(power, e.cfg.SampleRate, e.cfg.WindowSize, e.cfg.WhiteNoiseThreshold)

	var strongest float64
	for _, p := range power[minBin:] {
		if p > strongest {
			strongest = p
		}
	}
	if strongest == 0 {
		return 0, 0
	}
	// Harmonic factors are clamped to a quiet level well under any real
	// partial. Suppression zeroes bins it deems noise, and a zero factor
	// would veto every candidate whose harmonics land on one; reading all
	// such bins as the same quiet level makes neighbouring candidates
	// compete on fundamental energy instead of on leakage residue.
	floor := strongest * productFloorRatio

	// Harmonic product: multiply the spectrum with itself downsampled by
	// every harmonic factor, folding each harmonic onto its fundamental.
	// A candidate with no energy at the fundamental itself stays at zero,
	// which keeps subharmonic ghosts of strong tones out of the running.
	hps := e.product[:maxBin+1]
	copy(hps, power[:maxBin+1])
	for h := 2; h <= e.cfg.Harmonics; h++ {
		for i := minBin; i <= maxBin; i++ {
			v := power[i*h]
			if v < floor {
				v = floor
			}
			hps[i] *= v
		}
	}

	peakBin := minBin
	for i := minBin + 1; i <= maxBin; i++ {
		if hps[i] > hps[peakBin] {
			peakBin = i
		}
	}
	peak := hps[peakBin]
	if peak <= 0 {
		return 0, 0
	}

	// Prominence gate: a real pitch towers over the band average.
	if peak < e.cfg.PeakProminence*stat.Mean(hps[minBin:maxBin+1], nil) {
		return 0, 0
	}

	// Refine the peak on the raw spectrum when the fundamental itself is a
	// local maximum there; fall back to the product otherwise (the spectrum
	// has no usable shape at the fundamental of a missing-fundamental tone).
	refineOn := hps
	if peakBin > 0 && peakBin+1 < len(power) &&
		power[peakBin] > power[peakBin-1] && power[peakBin] > power[peakBin+1] {
		refineOn = power
	}
	offset := parabolicOffset(refineOn, peakBin)

	freqHz = BinFrequency(float64(peakBin)+offset, e.cfg.SampleRate, e.cfg.WindowSize)
	confidence = e.harmonicity(power, freqHz, binWidth)
	return freqHz, confidence
}

// parabolicOffset fits a parabola through the log of the peak bin and its
// neighbours and returns the vertex offset in bins, clamped to [-0.5, 0.5].
// Returns 0 when a neighbour is zero or the peak sits at an edge.
func parabolicOffset(spectrum []float64, bin int) float64 {
	if bin <= 0 || bin+1 >= len(spectrum) {
		return 0
	}
	v1, v2, v3 := spectrum[bin-1], spectrum[bin], spectrum[bin+1]
	if v1 <= 0 || v2 <= 0 || v3 <= 0 {
		return 0
	}
	y1, y2, y3 := math.Log(v1), math.Log(v2), math.Log(v3)
	denom := y1 - 2*y2 + y3
	if denom == 0 {
		return 0
	}
	offset := (y1 - y3) / (2 * denom)
	return math.Max(-0.5, math.Min(0.5, offset))
}

// harmonicity scores how much of the window's spectral energy lies in a
// one-bin neighbourhood of each harmonic of freqHz. Pure tones and plucked
// strings score near 1, broadband noise near 0.
func (e *HPSEstimator) harmonicity(power []float64, freqHz, binWidth float64) float64 {
	var total float64
	for _, p := range power {
		total += p
	}
	if total == 0 {
		return 0
	}

	var harmonic float64
	for h := 1; h <= e.cfg.Harmonics; h++ {
		center := int(math.Round(freqHz * float64(h) / binWidth))
		for bin := center - 1; bin <= center+1; bin++ {
			if bin >= 0 && bin < len(power) {
				harmonic += power[bin]
			}
		}
	}
	if harmonic > total {
		return 1
	}
	return harmonic / total
}
