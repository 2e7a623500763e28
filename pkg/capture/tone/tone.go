// Package tone provides a synthetic oscillator [capture.Source].
//
// The generated signal is a fundamental sine plus optional decaying harmonics
// and white noise, which makes it a realistic stand-in for a plucked string
// when exercising the analysis pipeline without a microphone. A timescale
// knob lets tests run the stream faster than real time.
package tone

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/quindar/pitchline/pkg/audio"
	"github.com/quindar/pitchline/pkg/capture"
)

const (
	defaultFrequency = 440.0
	defaultAmplitude = 0.5
)

// Option configures a Source.
type Option func(*Source)

// WithFrequency sets the fundamental frequency in Hz. Default 440.
func WithFrequency(hz float64) Option {
	return func(s *Source) { s.frequency = hz }
}

// WithAmplitude sets the peak amplitude of the fundamental in [0, 1].
// Zero produces digital silence. Default 0.5.
func WithAmplitude(a float64) Option {
	return func(s *Source) { s.amplitude = a }
}

// WithHarmonics mixes in n-1 overtones above the fundamental, each at half
// the amplitude of the one below. Default 1 (pure sine).
func WithHarmonics(n int) Option {
	return func(s *Source) { s.harmonics = n }
}

// WithNoise adds uniform white noise at the given peak amplitude.
func WithNoise(level float64) Option {
	return func(s *Source) { s.noise = level }
}

// WithSeed fixes the noise generator seed for reproducible streams.
func WithSeed(seed int64) Option {
	return func(s *Source) { s.seed = seed }
}

// WithTimescale speeds up delivery: 1 is real time, 10 delivers frames ten
// times faster, 0 or less delivers as fast as the consumer can take them.
func WithTimescale(x float64) Option {
	return func(s *Source) { s.timescale = x }
}

// WithDuration limits the stream to the given span of audio time, after
// which the session ends cleanly. Zero means unlimited.
func WithDuration(d time.Duration) Option {
	return func(s *Source) { s.duration = d }
}

// Source generates frames from a software oscillator.
type Source struct {
	frequency float64
	amplitude float64
	harmonics int
	noise     float64
	seed      int64
	timescale float64
	duration  time.Duration
}

var _ capture.Source = (*Source)(nil)

// NewSource creates an oscillator source. Without options it produces a
// 440 Hz sine at half scale in real time, indefinitely.
func NewSource(opts ...Option) *Source {
	s := &Source{
		frequency: defaultFrequency,
		amplitude: defaultAmplitude,
		harmonics: 1,
		seed:      1,
		timescale: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.harmonics < 1 {
		s.harmonics = 1
	}
	return s
}

// Open starts the generator goroutine. Each session has independent phase
// and noise state.
func (s *Source) Open(cfg capture.StreamConfig, deliver capture.FrameFunc) (capture.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sess := &session{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run(cfg, deliver, sess)
	return sess, nil
}

func (s *Source) run(cfg capture.StreamConfig, deliver capture.FrameFunc, sess *session) {
	defer close(sess.done)

	var (
		rng         = rand.New(rand.NewSource(s.seed))
		buf         = make([]int16, cfg.FrameSize)
		sampleIndex uint64
		seq         uint64
		maxSamples  uint64
	)
	if s.duration > 0 {
		maxSamples = uint64(s.duration.Seconds() * float64(cfg.SampleRate))
	}

	framePeriod := time.Duration(cfg.FrameSize) * time.Second / time.Duration(cfg.SampleRate)
	var pacing *time.Ticker
	if s.timescale > 0 {
		pacing = time.NewTicker(max(time.Duration(float64(framePeriod)/s.timescale), time.Microsecond))
		defer pacing.Stop()
	}

	for {
		// Only whole frames that fit the configured span are delivered.
		if maxSamples > 0 && sampleIndex+uint64(cfg.FrameSize) > maxSamples {
			return // finite stream exhausted, clean end
		}

		for i := range buf {
			t := float64(sampleIndex+uint64(i)) / float64(cfg.SampleRate)
			var sample float64
			amp := s.amplitude
			for h := 1; h <= s.harmonics; h++ {
				sample += amp * math.Sin(2*math.Pi*s.frequency*float64(h)*t)
				amp /= 2
			}
			if s.noise > 0 {
				sample += s.noise * (2*rng.Float64() - 1)
			}
			// Convert to 16-bit PCM, clamped.
			pcm := sample * 32767.0
			if pcm > 32767 {
				pcm = 32767
			} else if pcm < -32768 {
				pcm = -32768
			}
			buf[i] = int16(pcm)
		}

		deliver(audio.Frame{
			Samples:    buf,
			SampleRate: cfg.SampleRate,
			Seq:        seq,
			Timestamp:  time.Duration(sampleIndex) * time.Second / time.Duration(cfg.SampleRate),
		})
		sampleIndex += uint64(cfg.FrameSize)
		seq++

		if pacing == nil {
			select {
			case <-sess.stop:
				return
			default:
			}
			continue
		}
		select {
		case <-sess.stop:
			return
		case <-pacing.C:
		}
	}
}

type session struct {
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ capture.Session = (*session)(nil)

func (s *session) Done() <-chan struct{} { return s.done }

// Err always returns nil: the oscillator cannot fault.
func (s *session) Err() error { return nil }

func (s *session) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
