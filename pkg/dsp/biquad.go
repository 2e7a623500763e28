package dsp

import "math"

// Biquad is a second-order IIR filter section in Direct Form II.
// Coefficients follow Robert Bristow-Johnson's "Cookbook formulae for audio
// EQ biquad filter coefficients".
//
// A Biquad carries delay-line state between calls; it is not safe for
// concurrent use. Call Reset between discontinuous audio segments.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	s1, s2 float64 // delay line
}

// NewNotch creates a notch filter centered on centerHz. Higher q narrows the
// stopband; q around 30 removes a mains hum component without touching
// neighbouring musical content.
func NewNotch(sampleRate int, centerHz, q float64) *Biquad {
	cosW0, alpha := cookbookParams(sampleRate, centerHz, q)
	return normalize(1, -2*cosW0, 1, 1+alpha, -2*cosW0, 1-alpha)
}

// NewHighPass creates a high-pass filter with the given corner frequency.
// q of 0.707 gives a Butterworth response.
func NewHighPass(sampleRate int, cornerHz, q float64) *Biquad {
	cosW0, alpha := cookbookParams(sampleRate, cornerHz, q)
	return normalize(
		(1+cosW0)/2, -(1 + cosW0), (1+cosW0)/2,
		1+alpha, -2*cosW0, 1-alpha,
	)
}

// NewLowPass creates a low-pass filter with the given corner frequency.
// q of 0.707 gives a Butterworth response.
func NewLowPass(sampleRate int, cornerHz, q float64) *Biquad {
	cosW0, alpha := cookbookParams(sampleRate, cornerHz, q)
	return normalize(
		(1-cosW0)/2, 1-cosW0, (1-cosW0)/2,
		1+alpha, -2*cosW0, 1-alpha,
	)
}

// cookbookParams computes the shared intermediate values. The normalized
// frequency is clamped just below Nyquist to avoid coefficient blow-up.
func cookbookParams(sampleRate int, freqHz, q float64) (cosW0, alpha float64) {
	w0 := 2 * math.Pi * freqHz / float64(sampleRate)
	if w0 >= math.Pi {
		w0 = math.Pi * 0.99
	}
	cosW0 = math.Cos(w0)
	alpha = math.Sin(w0) / (2 * q)
	return cosW0, alpha
}

func normalize(b0, b1, b2, a0, a1, a2 float64) *Biquad {
	return &Biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: a1 / a0,
		a2: a2 / a0,
	}
}

// Process filters a single sample.
func (f *Biquad) Process(x float64) float64 {
	// w[n] = x[n] - a1*w[n-1] - a2*w[n-2]
	w := x - f.a1*f.s1 - f.a2*f.s2
	// y[n] = b0*w[n] + b1*w[n-1] + b2*w[n-2]
	y := f.b0*w + f.b1*f.s1 + f.b2*f.s2
	f.s2 = f.s1
	f.s1 = w
	return y
}

// ProcessBuffer filters the signal in place.
func (f *Biquad) ProcessBuffer(signal []float64) {
	for i, x := range signal {
		signal[i] = f.Process(x)
	}
}

// Reset clears the delay line.
func (f *Biquad) Reset() {
	f.s1, f.s2 = 0, 0
}
