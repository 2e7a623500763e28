// Package mock provides an in-memory mock implementation of [capture.Source]
// for use in unit tests.
//
// The mock records every Open call and hands the test a handle to drive the
// session: push frames, end the stream cleanly, or fault it. It is safe for
// concurrent use.
//
// Example:
//
//	src := &mock.Source{}
//	sess, _ := src.Open(cfg, ring.Push)
//	src.LastSession().DeliverSamples(samples)
//	src.LastSession().Fail(capture.ErrStreamInterrupted)
package mock

import (
	"sync"
	"time"

	"github.com/quindar/pitchline/pkg/audio"
	"github.com/quindar/pitchline/pkg/capture"
)

// Compile-time interface assertion.
var _ capture.Source = (*Source)(nil)

// Source is a mock implementation of [capture.Source].
type Source struct {
	mu sync.Mutex

	// OpenError is returned by [Source.Open] (session is nil when set).
	OpenError error

	// OpenCalls records the config of every Open invocation.
	OpenCalls []capture.StreamConfig

	sessions []*Session
}

// Open implements [capture.Source].
func (s *Source) Open(cfg capture.StreamConfig, deliver capture.FrameFunc) (capture.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, cfg)
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	sess := &Session{
		cfg:     cfg,
		deliver: deliver,
		done:    make(chan struct{}),
	}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

// LastSession returns the most recently opened session, or nil.
func (s *Source) LastSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) == 0 {
		return nil
	}
	return s.sessions[len(s.sessions)-1]
}

// Sessions returns all opened sessions in order.
func (s *Source) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// Session is a test-driven implementation of [capture.Session].
type Session struct {
	cfg     capture.StreamConfig
	deliver capture.FrameFunc
	done    chan struct{}
	endOnce sync.Once

	mu          sync.Mutex
	err         error
	seq         uint64
	sampleIndex uint64

	// CloseCalls counts Close invocations.
	CloseCalls int
}

var _ capture.Session = (*Session)(nil)

// Deliver pushes a frame through the session's FrameFunc on the caller's
// goroutine. Frames delivered after the session ended are discarded.
func (s *Session) Deliver(f audio.Frame) {
	select {
	case <-s.done:
		return
	default:
	}
	s.deliver(f)
}

// DeliverSamples wraps samples in a frame with automatic Seq and Timestamp
// bookkeeping and delivers it.
func (s *Session) DeliverSamples(samples []int16) {
	s.mu.Lock()
	f := audio.Frame{
		Samples:    samples,
		SampleRate: s.cfg.SampleRate,
		Seq:        s.seq,
		Timestamp:  time.Duration(s.sampleIndex) * time.Second / time.Duration(s.cfg.SampleRate),
	}
	s.seq++
	s.sampleIndex += uint64(len(samples))
	s.mu.Unlock()
	s.Deliver(f)
}

// Fail ends the session with the given error, as a device fault would.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.endOnce.Do(func() { close(s.done) })
}

// End finishes the session cleanly, as a finite input reaching EOF would.
func (s *Session) End() {
	s.endOnce.Do(func() { close(s.done) })
}

// Done implements [capture.Session].
func (s *Session) Done() <-chan struct{} { return s.done }

// Err implements [capture.Session].
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [capture.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.endOnce.Do(func() { close(s.done) })
	return nil
}
