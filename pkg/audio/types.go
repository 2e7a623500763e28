package audio

import "time"

// Frame represents a single frame of mono PCM flowing through the pipeline.
// It is the unit of transport between a capture source and the analysis loop.
type Frame struct {
	// Samples holds signed 16-bit mono PCM.
	Samples []int16

	// SampleRate in Hz (e.g., 44100 for microphone capture).
	SampleRate int

	// Seq is a monotonically increasing frame counter assigned by the source.
	// Gaps indicate frames dropped before they reached the consumer.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the wall-clock span the frame covers.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Clone returns a deep copy of the frame. Sources reuse their capture buffers,
// so anything holding a frame past the delivery callback must clone it first.
func (f Frame) Clone() Frame {
	out := f
	out.Samples = make([]int16, len(f.Samples))
	copy(out.Samples, f.Samples)
	return out
}
