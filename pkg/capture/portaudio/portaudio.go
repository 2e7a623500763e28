// Package portaudio provides a live microphone [capture.Source] backed by
// PortAudio. Requires the PortAudio C library at build and run time.
package portaudio

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/quindar/pitchline/pkg/audio"
	"github.com/quindar/pitchline/pkg/capture"
)

// Source opens PortAudio input streams.
type Source struct{}

var _ capture.Source = (*Source)(nil)

// NewSource creates a PortAudio source.
func NewSource() *Source { return &Source{} }

// Open initializes PortAudio, resolves the input device, and starts a
// mono int16 blocking-read stream at the configured rate. StreamConfig.Device
// selects a device by exact or case-insensitive substring name match; empty
// selects the system default input.
func (s *Source) Open(cfg capture.StreamConfig, deliver capture.FrameFunc) (capture.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", capture.ErrDeviceUnavailable, err)
	}

	dev, err := resolveDevice(cfg.Device)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if dev.MaxInputChannels < 1 {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %q has no input channels", capture.ErrUnsupportedFormat, dev.Name)
	}

	in := make([]int16, cfg.FrameSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FrameSize,
	}
	stream, err := portaudio.OpenStream(params, in)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: open %q at %d Hz: %v",
			capture.ErrUnsupportedFormat, dev.Name, cfg.SampleRate, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start %q: %v", capture.ErrDeviceUnavailable, dev.Name, err)
	}

	sess := &session{
		stream: stream,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go sess.run(cfg, in, deliver)
	return sess, nil
}

// ListDevices enumerates input-capable devices. The returned IDs are device
// names usable in StreamConfig.Device.
func ListDevices() ([]capture.DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", capture.ErrDeviceUnavailable, err)
	}
	defer portaudio.Terminate()

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate: %v", capture.ErrDeviceUnavailable, err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []capture.DeviceInfo
	for _, d := range devs {
		if d.MaxInputChannels < 1 {
			continue
		}
		out = append(out, capture.DeviceInfo{
			ID:                d.Name,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           def != nil && d == def,
		})
	}
	return out, nil
}

// resolveDevice finds an input device by name. Exact matches win over
// case-insensitive substring matches.
func resolveDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input: %v", capture.ErrDeviceUnavailable, err)
		}
		return dev, nil
	}

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate: %v", capture.ErrDeviceUnavailable, err)
	}
	var partial *portaudio.DeviceInfo
	for _, d := range devs {
		if d.MaxInputChannels < 1 {
			continue
		}
		if d.Name == name {
			return d, nil
		}
		if partial == nil && strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			partial = d
		}
	}
	if partial != nil {
		return partial, nil
	}
	return nil, fmt.Errorf("%w: no input device matching %q", capture.ErrDeviceUnavailable, name)
}

type session struct {
	stream    *portaudio.Stream
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ capture.Session = (*session)(nil)

func (s *session) run(cfg capture.StreamConfig, in []int16, deliver capture.FrameFunc) {
	defer close(s.done)
	defer portaudio.Terminate()
	defer s.stream.Close()

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

		err := s.stream.Read()

		// Close aborts the stream to unblock Read; that error is not a fault.
		select {
		case <-s.stop:
			return
		default:
		}
		if err == portaudio.InputOverflowed {
			// Host buffer overrun. The frame content is still usable and the
			// ring's drop accounting covers sustained overruns.
			err = nil
		}
		if err != nil {
			s.mu.Lock()
			s.err = fmt.Errorf("%w: read: %v", capture.ErrStreamInterrupted, err)
			s.mu.Unlock()
			return
		}

		deliver(audio.Frame{
			Samples:    in,
			SampleRate: cfg.SampleRate,
			Seq:        seq,
			Timestamp:  time.Duration(sampleIndex) * time.Second / time.Duration(cfg.SampleRate),
		})
		seq++
		sampleIndex += uint64(len(in))
	}
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
		s.stream.Abort()
	})
	<-s.done
	return nil
}
