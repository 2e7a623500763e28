// Package pcm provides a [capture.Source] that reads raw little-endian int16
// PCM from an io.Reader or a file, framing it for the analysis pipeline.
// A finite input ends the session cleanly; read failures fault it.
package pcm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/quindar/pitchline/pkg/audio"
	"github.com/quindar/pitchline/pkg/capture"
)

// Option configures a Source.
type Option func(*Source)

// WithReader supplies the PCM stream directly instead of opening
// StreamConfig.Device as a file path. The reader is consumed by the first
// session; a second Open fails.
func WithReader(r io.Reader) Option {
	return func(s *Source) { s.reader = r }
}

// WithInputFormat declares the stream's native format when it differs from
// mono at the configured sample rate. Input is downmixed and resampled to
// match the session config.
func WithInputFormat(f audio.Format) Option {
	return func(s *Source) { s.format = f }
}

// Source reads s16le PCM frames from a reader or file.
type Source struct {
	mu     sync.Mutex
	reader io.Reader
	format audio.Format
	used   bool
}

var _ capture.Source = (*Source)(nil)

// NewSource creates a PCM stream source.
func NewSource(opts ...Option) *Source {
	s := &Source{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open starts reading frames. With no WithReader option, StreamConfig.Device
// is opened as a file path. Frames are delivered as fast as the reader
// produces them.
func (s *Source) Open(cfg capture.StreamConfig, deliver capture.FrameFunc) (capture.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	r := s.reader
	if r != nil {
		if s.used {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: reader already consumed by a previous session", capture.ErrDeviceUnavailable)
		}
		s.used = true
	}
	format := s.format
	s.mu.Unlock()

	var closer io.Closer
	if r == nil {
		if cfg.Device == "" {
			return nil, fmt.Errorf("%w: no reader and no file path configured", capture.ErrDeviceUnavailable)
		}
		f, err := os.Open(cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", capture.ErrDeviceUnavailable, cfg.Device, err)
		}
		r = f
		closer = f
	}

	if format.SampleRate == 0 {
		format.SampleRate = cfg.SampleRate
	}
	if format.Channels == 0 {
		format.Channels = 1
	}
	if format.Channels > 2 {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("%w: %d channels", capture.ErrUnsupportedFormat, format.Channels)
	}

	sess := &session{
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		closer: closer,
	}
	go sess.run(cfg, format, r, closer, deliver)
	return sess, nil
}

type session struct {
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// closer is closed together with stop so a read blocked on a pipe
	// cannot keep Close waiting.
	closer io.Closer

	mu  sync.Mutex
	err error
}

var _ capture.Session = (*session)(nil)

func (s *session) run(cfg capture.StreamConfig, format audio.Format, r io.Reader, closer io.Closer, deliver capture.FrameFunc) {
	defer close(s.done)
	if closer != nil {
		defer closer.Close()
	}

	conv := &audio.Converter{TargetRate: cfg.SampleRate}
	// Read enough source samples to yield one output frame after conversion.
	srcFrame := cfg.FrameSize * format.Channels
	if format.SampleRate != cfg.SampleRate {
		srcFrame = int(int64(srcFrame) * int64(format.SampleRate) / int64(cfg.SampleRate))
	}
	raw := make([]byte, srcFrame*2)

	var (
		seq         uint64
		sampleIndex uint64
	)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		n, err := io.ReadFull(r, raw)
		if n > 0 {
			samples := conv.Convert(raw[:n&^1], format)
			if len(samples) > 0 {
				deliver(audio.Frame{
					Samples:    samples,
					SampleRate: cfg.SampleRate,
					Seq:        seq,
					Timestamp:  time.Duration(sampleIndex) * time.Second / time.Duration(cfg.SampleRate),
				})
				seq++
				sampleIndex += uint64(len(samples))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return // input exhausted, clean end
			}
			select {
			case <-s.stop:
				return // the read failed because Close released the input
			default:
			}
			s.setErr(fmt.Errorf("%w: read: %v", capture.ErrStreamInterrupted, err))
			return
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.closer != nil {
			s.closer.Close()
		}
	})
	<-s.done
	return nil
}
