package dsp_test

import (
	"math"
	"slices"
	"testing"

	"github.com/quindar/pitchline/pkg/dsp"
)

// binSine synthesizes a sine landing exactly on FFT bin k of a size-sample
// window, so its spectrum has no leakage.
func binSine(size, k int, amp float64) []float64 {
	signal := make([]float64, size)
	for i := range signal {
		signal[i] = amp * math.Sin(2*math.Pi*float64(k)*float64(i)/float64(size))
	}
	return signal
}

func TestPowerSpectrumLocatesExactBinTone(t *testing.T) {
	t.Parallel()

	const (
		size = 4096
		bin  = 64
	)
	power := dsp.PowerSpectrum(binSine(size, bin, 1))

	if got, want := len(power), size/2+1; got != want {
		t.Fatalf("len(power) = %d, want %d", got, want)
	}

	peak := 0
	var total float64
	for i, p := range power {
		total += p
		if p > power[peak] {
			peak = i
		}
	}
	if peak != bin {
		t.Fatalf("peak bin = %d, want %d", peak, bin)
	}
	if ratio := power[bin] / total; ratio < 0.99 {
		t.Errorf("peak bin holds %.3f of total power, want > 0.99", ratio)
	}
}

func TestBinFrequency(t *testing.T) {
	t.Parallel()

	if got, want := dsp.BinFrequency(64, 44100, 4096), 689.0625; math.Abs(got-want) > 1e-9 {
		t.Errorf("BinFrequency(64) = %g, want %g", got, want)
	}
	if got := dsp.BinFrequency(0, 44100, 4096); got != 0 {
		t.Errorf("BinFrequency(0) = %g, want 0", got)
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := dsp.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %g, want 0", got)
	}
	if got := dsp.RMS([]float64{2, -2, 2, -2}); got != 2 {
		t.Errorf("RMS = %g, want 2", got)
	}
	// A sine over whole cycles has RMS amplitude/sqrt(2).
	if got, want := dsp.RMS(binSine(4096, 64, 1)), 1/math.Sqrt2; math.Abs(got-want) > 1e-9 {
		t.Errorf("sine RMS = %g, want %g", got, want)
	}
}

func TestDBFS(t *testing.T) {
	t.Parallel()

	if got := dsp.DBFS(1); got != 0 {
		t.Errorf("DBFS(1) = %g, want 0", got)
	}
	if got := dsp.DBFS(0.5); math.Abs(got-(-6.0206)) > 0.001 {
		t.Errorf("DBFS(0.5) = %g, want about -6.02", got)
	}
	if got := dsp.DBFS(0); !math.IsInf(got, -1) {
		t.Errorf("DBFS(0) = %g, want -Inf", got)
	}
}

func TestSuppressBroadbandNoiseClearsFloorKeepsPeaks(t *testing.T) {
	t.Parallel()

	const (
		rate = 44100
		size = 4096
	)
	power := make([]float64, size/2+1)
	// Flat floor around one dominant peak inside the 100-200 Hz band,
	// which spans bins 9 through 17 at this rate and size.
	for i := 9; i <= 17; i++ {
		power[i] = 0.1
	}
	power[12] = 100
	power[2] = 0.05 // below the lowest band, out of reach
	power[30] = 0.1 // lone occupant of its band

	dsp.SuppressBroadbandNoise(power, rate, size, 0.2)

	if power[12] != 100 {
		t.Errorf("peak bin = %g, want untouched 100", power[12])
	}
	for i := 9; i <= 17; i++ {
		if i != 12 && power[i] != 0 {
			t.Errorf("floor bin %d = %g, want 0", i, power[i])
		}
	}
	if power[2] != 0.05 {
		t.Errorf("bin below the banded range = %g, want untouched 0.05", power[2])
	}
	if power[30] != 0.1 {
		t.Errorf("lone band occupant = %g, want untouched 0.1", power[30])
	}
}

func TestSuppressBroadbandNoiseDisabled(t *testing.T) {
	t.Parallel()

	power := []float64{0, 1, 2, 3}
	want := slices.Clone(power)
	dsp.SuppressBroadbandNoise(power, 44100, 8, 0)
	if !slices.Equal(power, want) {
		t.Errorf("threshold 0 modified the spectrum: %v, want %v", power, want)
	}
}
