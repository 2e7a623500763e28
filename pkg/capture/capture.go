// Package capture defines the Source interface for audio input backends.
//
// A Source wraps an audio input (a live device, a synthetic oscillator, a PCM
// byte stream) and surfaces it as a push-based session: the backend runs the
// capture loop and hands each frame to a caller-supplied FrameFunc. Sessions
// own their capture goroutine or device callback; the caller owns everything
// downstream.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call Open simultaneously to create independent sessions, subject to the
// backend's device limits.
package capture

import (
	"errors"
	"fmt"

	"github.com/quindar/pitchline/pkg/audio"
)

// Sentinel errors returned (possibly wrapped) by Source and Session
// implementations.
var (
	// ErrDeviceUnavailable indicates the requested input device does not exist
	// or could not be opened.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrUnsupportedFormat indicates the device cannot satisfy the requested
	// sample rate or frame size.
	ErrUnsupportedFormat = errors.New("capture: unsupported stream format")

	// ErrStreamInterrupted indicates a previously healthy stream failed
	// mid-session (device unplugged, backend fault, underlying reader error).
	ErrStreamInterrupted = errors.New("capture: stream interrupted")
)

// StreamConfig holds the parameters for a capture session.
type StreamConfig struct {
	// SampleRate is the capture rate in Hz. Common values: 44100, 48000.
	SampleRate int

	// FrameSize is the number of samples delivered per frame. Together with
	// SampleRate it fixes the frame cadence (e.g. 1024 @ 44100 Hz ≈ 23 ms).
	FrameSize int

	// Device selects a backend-specific input. Empty means the backend's
	// default (default microphone, built-in oscillator settings, stdin).
	Device string

	// Options carries backend-specific extras (tone frequency, file path
	// overrides). Backends ignore keys they do not understand.
	Options map[string]string
}

// Validate reports every problem with the config as a joined error.
func (c StreamConfig) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("frame size must be positive, got %d", c.FrameSize))
	}
	return errors.Join(errs...)
}

// FrameFunc receives captured frames on the backend's capture goroutine or
// device callback.
//
// It must not block and must not retain the frame's sample slice past the
// call: backends reuse their capture buffers. Copy (or [audio.Frame.Clone])
// anything that outlives the callback. Pushing into an [audio.FrameRing]
// satisfies both constraints.
type FrameFunc func(audio.Frame)

// Session represents an active capture stream.
//
// A Session's methods are safe for concurrent use.
type Session interface {
	// Done is closed when the stream ends for any reason: Close was called,
	// the input was exhausted, or the backend faulted.
	Done() <-chan struct{}

	// Err returns the cause of a fault after Done is closed. It returns nil
	// while the stream is live, and nil after a clean end of stream (Close,
	// or a finite input reaching its end). A non-nil result wraps one of the
	// sentinel errors above.
	Err() error

	// Close stops the stream and releases device resources. It is idempotent
	// and safe to call from any goroutine; after the first call, no further
	// FrameFunc invocations occur once Close returns.
	Close() error
}

// Source is the factory for capture sessions. It is the top-level interface
// implemented by each input backend.
type Source interface {
	// Open starts capturing with the given configuration, delivering every
	// frame to deliver in capture order with monotonically increasing Seq.
	//
	// Returns an error if the configuration is invalid or the device cannot
	// be opened; errors wrap the package sentinels where they apply.
	Open(cfg StreamConfig, deliver FrameFunc) (Session, error)
}

// DeviceInfo describes an available audio input device.
type DeviceInfo struct {
	// ID is the backend-specific identifier accepted by StreamConfig.Device.
	ID string

	// Name is the human-readable device name.
	Name string

	// MaxInputChannels is the channel count the device supports.
	MaxInputChannels int

	// DefaultSampleRate is the device's preferred capture rate in Hz.
	DefaultSampleRate float64

	// Default marks the system default input device.
	Default bool
}
