package engine

import "github.com/quindar/pitchline/pkg/audio"

// windowAssembler buffers normalized samples and carves analysis windows out
// of them, each advanced by the hop. Frames of any size go in; windows of
// exactly windowSize samples come out, overlapping when hopSize < windowSize.
//
// Not safe for concurrent use. The analysis goroutine owns it.
type windowAssembler struct {
	windowSize int
	hopSize    int

	// buf holds pending samples; buf[0] sits at stream position pos.
	buf []float64
	pos uint64

	scratch []float64
}

func newWindowAssembler(windowSize, hopSize int) *windowAssembler {
	return &windowAssembler{
		windowSize: windowSize,
		hopSize:    hopSize,
		buf:        make([]float64, 0, 2*windowSize),
	}
}

// write appends a frame's samples, normalized to [-1, 1).
func (a *windowAssembler) write(samples []int16) {
	if cap(a.scratch) < len(samples) {
		a.scratch = make([]float64, len(samples))
	}
	a.buf = append(a.buf, audio.Float64FromInt16(a.scratch, samples)...)
}

// next fills dst with the oldest complete window and slides forward by the
// hop. pos is the stream position of the window's first sample. It returns
// ok=false when fewer than windowSize samples are buffered; callers loop
// until then, since one large frame can complete several windows.
func (a *windowAssembler) next(dst []float64) (pos uint64, ok bool) {
	if len(a.buf) < a.windowSize {
		return 0, false
	}
	copy(dst, a.buf[:a.windowSize])
	pos = a.pos

	n := copy(a.buf, a.buf[a.hopSize:])
	a.buf = a.buf[:n]
	a.pos += uint64(a.hopSize)
	return pos, true
}

// buffered reports how many samples are waiting for the next window.
func (a *windowAssembler) buffered() int { return len(a.buf) }
