package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM byte stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Converter normalizes raw little-endian int16 PCM into mono frames at a
// target sample rate. It logs a warning on the first format mismatch and
// validates byte alignment. Create one per stream; not designed for shared
// use across goroutines.
type Converter struct {
	TargetRate     int
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert decodes raw PCM in the given source format into mono int16 samples
// at the target rate. If the source already matches (mono, target rate), the
// decode is the only work done. Conversion order: channel downmix first, then
// resample, so stereo input is never resampled twice.
// Returns nil for misaligned input.
func (c *Converter) Convert(raw []byte, src Format) []int16 {
	stride := 2 * src.Channels
	if stride <= 0 || len(raw)%stride != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM data, dropping frame",
				"bytes", len(raw),
				"sample_rate", src.SampleRate,
				"channels", src.Channels,
			)
		})
		return nil
	}

	samples := DecodeS16LE(raw)

	// Fast path: source matches target.
	if src.Channels == 1 && src.SampleRate == c.TargetRate {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(src.SampleRate, src.Channels),
			"to", formatString(c.TargetRate, 1),
		)
	})

	if src.Channels == 2 {
		samples = StereoToMono(samples)
	}
	if src.SampleRate != c.TargetRate {
		samples = ResampleMono(samples, src.SampleRate, c.TargetRate)
	}
	return samples
}

// DecodeS16LE converts little-endian int16 PCM bytes to samples. The input
// must have even length; a trailing odd byte is ignored.
func DecodeS16LE(raw []byte) []int16 {
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(raw[i*2]) | int16(raw[i*2+1])<<8
	}
	return out
}

// StereoToMono averages L+R per stereo frame to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(samples []int16) []int16 {
	frames := len(samples) / 2
	out := make([]int16, frames)
	for i := range frames {
		avg := (int32(samples[i*2]) + int32(samples[i*2+1])) / 2

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i] = int16(avg)
	}
	return out
}

// ResampleMono resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}

		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Float64FromInt16 normalizes int16 samples into dst as floats in [-1, 1).
// dst needs capacity for len(samples) values; the used prefix is returned.
func Float64FromInt16(dst []float64, samples []int16) []float64 {
	dst = dst[:len(samples)]
	for i, s := range samples {
		dst[i] = float64(s) / 32768
	}
	return dst
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "44100Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
