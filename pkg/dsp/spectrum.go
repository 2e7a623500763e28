package dsp

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/stat"
)

// PowerSpectrum computes the single-sided power spectrum of a real signal:
// len(signal)/2 + 1 bins, bin i covering i*sampleRate/len(signal) Hz.
func PowerSpectrum(signal []float64) []float64 {
	c := fft.FFTReal(signal)
	out := make([]float64, len(signal)/2+1)
	for i := range out {
		re, im := real(c[i]), imag(c[i])
		out[i] = re*re + im*im
	}
	return out
}

// BinFrequency converts a (possibly fractional) bin index to Hz for a
// spectrum computed from windowSize samples at sampleRate.
func BinFrequency(bin float64, sampleRate, windowSize int) float64 {
	return bin * float64(sampleRate) / float64(windowSize)
}

// RMS returns the root mean square of the signal.
func RMS(signal []float64) float64 {
	if len(signal) == 0 {
		return 0
	}
	var sum float64
	for _, x := range signal {
		sum += x * x
	}
	return math.Sqrt(sum / float64(len(signal)))
}

// DBFS converts a linear amplitude in [0, 1] to decibels relative to full
// scale. Zero amplitude maps to -Inf.
func DBFS(amplitude float64) float64 {
	return 20 * math.Log10(amplitude)
}

// octaveBands are the edges of the bands used by SuppressBroadbandNoise,
// in Hz: [50,100), [100,200), ... doubling up to 25.6 kHz.
var octaveBands = []float64{50, 100, 200, 400, 800, 1600, 3200, 6400, 12800, 25600}

// SuppressBroadbandNoise zeroes power-spectrum bins whose level sits at or
// below threshold times the band average, per octave band. A tonal signal
// keeps its peaks while the flat noise floor between them is cleared, which
// stops spurious products in the harmonic product spectrum.
//
// threshold is expressed as a magnitude ratio (the original gate compared
// magnitudes); it is squared internally to apply to power values.
func SuppressBroadbandNoise(power []float64, sampleRate, windowSize int, threshold float64) {
	if threshold <= 0 {
		return
	}
	powerThresh := threshold * threshold
	binWidth := float64(sampleRate) / float64(windowSize)

	for b := 0; b+1 < len(octaveBands); b++ {
		start := int(octaveBands[b] / binWidth)
		end := min(int(octaveBands[b+1]/binWidth), len(power))
		if start >= end {
			continue
		}
		avg := stat.Mean(power[start:end], nil)
		cut := powerThresh * avg
		for i := start; i < end; i++ {
			if power[i] <= cut {
				power[i] = 0
			}
		}
	}
}
