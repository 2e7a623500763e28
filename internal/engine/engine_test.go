package engine_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/quindar/pitchline/internal/engine"
	"github.com/quindar/pitchline/pkg/audio"
	"github.com/quindar/pitchline/pkg/capture"
	"github.com/quindar/pitchline/pkg/capture/mock"
	"github.com/quindar/pitchline/pkg/capture/tone"
	"github.com/quindar/pitchline/pkg/pitch"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// testConfig returns a config the whole pipeline accepts: 44.1 kHz capture
// in 512-sample frames, 4096-sample windows advanced by 1024, chromatic
// mapping at A4 = 440 Hz.
func testConfig() engine.Config {
	return engine.Config{
		SampleRate:          44100,
		FrameSize:           512,
		RingCapacity:        64,
		WindowSize:          4096,
		HopSize:             1024,
		Harmonics:           5,
		MinFrequencyHz:      60,
		MaxFrequencyHz:      1000,
		NoiseFloorDb:        -65,
		PeakProminence:      2.0,
		WhiteNoiseThreshold: 0.2,
		ReferencePitchHz:    440,
		Stability:           pitch.DefaultStabilityConfig(),
	}
}

// sineSamples synthesizes n samples of a half-scale sine at freq Hz.
func sineSamples(freq float64, rate, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / float64(rate)
		out[i] = int16(0.5 * 32767 * math.Sin(2*math.Pi*freq*t))
	}
	return out
}

// recvResult reads one result from ch or fails the test after two seconds.
func recvResult(t *testing.T, ch <-chan pitch.StableResult) pitch.StableResult {
	t.Helper()
	select {
	case r, ok := <-ch:
		if !ok {
			t.Fatal("result channel closed before a result arrived")
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a result")
	}
	return pitch.StableResult{}
}

// recvFrame reads one frame from ch or fails the test after two seconds.
func recvFrame(t *testing.T, ch <-chan audio.Frame) audio.Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("frame channel closed before a frame arrived")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return audio.Frame{}
}

// ─── TestEngine_DetectsPureTone ───────────────────────────────────────────────

// TestEngine_DetectsPureTone runs half a second of synthetic 440 Hz through
// the full pipeline. The ring holds the entire finite stream, so nothing is
// dropped and the run is deterministic: the engine must settle on a stable
// A4 within a hertz and stop cleanly when the oscillator runs out.
func TestEngine_DetectsPureTone(t *testing.T) {
	t.Parallel()

	src := tone.NewSource(
		tone.WithFrequency(440),
		tone.WithTimescale(0),
		tone.WithDuration(500*time.Millisecond),
	)
	e, err := engine.New(testConfig(), src, engine.WithSourceLabel("tone"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Wait()

	if got := e.State(); got != engine.StateStopped {
		t.Errorf("state after finite stream: want %v, got %v", engine.StateStopped, got)
	}
	if err := e.Err(); err != nil {
		t.Errorf("Err after clean end: unexpected error: %v", err)
	}
	if got := e.Dropped(); got != 0 {
		t.Errorf("dropped frames: want 0, got %d", got)
	}

	res, ok := e.Latest()
	if !ok {
		t.Fatal("Latest: no result published for a clean tone")
	}
	if math.Abs(res.FrequencyHz-440) > 1.0 {
		t.Errorf("frequency: want 440 ±1 Hz, got %.2f", res.FrequencyHz)
	}
	if res.Note != "A" || res.Octave != 4 {
		t.Errorf("note: want A4, got %s%d", res.Note, res.Octave)
	}
	if math.Abs(res.CentsOffset) > 5 {
		t.Errorf("cents offset: want within ±5, got %.2f", res.CentsOffset)
	}
	if !res.Stable {
		t.Error("result not stable after half a second of constant pitch")
	}
	if res.Confidence <= 0 {
		t.Errorf("confidence: want positive, got %g", res.Confidence)
	}
}

// ─── TestEngine_SilentStreamPublishesNothing ─────────────────────────────────

// TestEngine_SilentStreamPublishesNothing verifies that digital silence
// never produces a result: every window comes back with zero confidence and
// publication is skipped entirely.
func TestEngine_SilentStreamPublishesNothing(t *testing.T) {
	t.Parallel()

	src := tone.NewSource(
		tone.WithAmplitude(0),
		tone.WithTimescale(0),
		tone.WithDuration(300*time.Millisecond),
	)
	e, err := engine.New(testConfig(), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Wait()

	if _, ok := e.Latest(); ok {
		t.Error("Latest: silence must not publish a result")
	}
	if got := e.State(); got != engine.StateStopped {
		t.Errorf("state: want %v, got %v", engine.StateStopped, got)
	}
}

// ─── TestEngine_SilenceKeepsLastReading ──────────────────────────────────────

// TestEngine_SilenceKeepsLastReading plays one analyzable window of 440 Hz
// followed by silence. The published reading must survive the silent tail:
// a tuner that blanks the moment the string stops ringing is useless.
func TestEngine_SilenceKeepsLastReading(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.WindowSize = 2048
	cfg.HopSize = 2048
	cfg.RingCapacity = 32

	src := &mock.Source{}
	e, err := engine.New(cfg, src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess := src.LastSession()
	sess.DeliverSamples(sineSamples(440, cfg.SampleRate, 2048))
	sess.DeliverSamples(make([]int16, 4096))
	sess.End()
	e.Wait()

	res, ok := e.Latest()
	if !ok {
		t.Fatal("Latest: no result after an analyzable tone window")
	}
	if math.Abs(res.FrequencyHz-440) > 2.0 {
		t.Errorf("frequency: want 440 ±2 Hz, got %.2f", res.FrequencyHz)
	}
	if got := e.State(); got != engine.StateStopped {
		t.Errorf("state after End: want %v, got %v", engine.StateStopped, got)
	}
}

// ─── TestEngine_SubscribeReceivesResults ─────────────────────────────────────

// TestEngine_SubscribeReceivesResults verifies the fan-out path: a
// subscriber sees each published result in order, stamped with the stream
// position of the window that produced it.
func TestEngine_SubscribeReceivesResults(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.WindowSize = 2048
	cfg.HopSize = 512
	cfg.RingCapacity = 32

	src := &mock.Source{}
	e, err := engine.New(cfg, src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, cancel := e.Subscribe(0)
	defer cancel()

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	samples := sineSamples(440, cfg.SampleRate, 4096)
	sess := src.LastSession()
	for off := 0; off < len(samples); off += cfg.FrameSize {
		sess.DeliverSamples(samples[off : off+cfg.FrameSize])
	}

	first := recvResult(t, results)
	if math.Abs(first.FrequencyHz-440) > 2.0 {
		t.Errorf("first result frequency: want 440 ±2 Hz, got %.2f", first.FrequencyHz)
	}
	if first.Note != "A" || first.Octave != 4 {
		t.Errorf("first result note: want A4, got %s%d", first.Note, first.Octave)
	}
	if first.Timestamp != 0 {
		t.Errorf("first result timestamp: want 0, got %v", first.Timestamp)
	}

	second := recvResult(t, results)
	wantTS := time.Duration(cfg.HopSize) * time.Second / time.Duration(cfg.SampleRate)
	if second.Timestamp != wantTS {
		t.Errorf("second result timestamp: want %v, got %v", wantTS, second.Timestamp)
	}
}

// ─── TestEngine_SubscribeCancel ──────────────────────────────────────────────

// TestEngine_SubscribeCancel verifies that cancelling a subscription closes
// the channel and that cancelling twice is safe.
func TestEngine_SubscribeCancel(t *testing.T) {
	t.Parallel()

	e, err := engine.New(testConfig(), &mock.Source{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, cancel := e.Subscribe(0)
	cancel()
	cancel()

	if _, ok := <-results; ok {
		t.Error("subscription channel still open after cancel")
	}
}

// ─── TestEngine_TapFrames ────────────────────────────────────────────────────

// TestEngine_TapFrames verifies that a frame tap sees raw frames as they
// leave the ring, silence included.
func TestEngine_TapFrames(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	e, err := engine.New(testConfig(), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frames, cancel := e.TapFrames(0)
	defer cancel()

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	sess := src.LastSession()
	sess.DeliverSamples(make([]int16, 512))
	sess.DeliverSamples(make([]int16, 512))

	f := recvFrame(t, frames)
	if len(f.Samples) != 512 {
		t.Errorf("tapped frame samples: want 512, got %d", len(f.Samples))
	}
	if f.Seq != 0 {
		t.Errorf("tapped frame seq: want 0, got %d", f.Seq)
	}
	f = recvFrame(t, frames)
	if f.Seq != 1 {
		t.Errorf("second tapped frame seq: want 1, got %d", f.Seq)
	}
}

// ─── TestEngine_FaultAndRestart ──────────────────────────────────────────────

// TestEngine_FaultAndRestart drives the session into a device fault and
// verifies the engine lands in StateFaulted with the cause retained, then
// starts cleanly again on a fresh session.
func TestEngine_FaultAndRestart(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	e, err := engine.New(testConfig(), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.LastSession().Fail(capture.ErrStreamInterrupted)
	e.Wait()

	if got := e.State(); got != engine.StateFaulted {
		t.Fatalf("state after fault: want %v, got %v", engine.StateFaulted, got)
	}
	if !errors.Is(e.Err(), capture.ErrStreamInterrupted) {
		t.Errorf("Err: want ErrStreamInterrupted, got %v", e.Err())
	}

	// Restart from the faulted state.
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start after fault: %v", err)
	}
	if got := e.State(); got != engine.StateRunning {
		t.Errorf("state after restart: want %v, got %v", engine.StateRunning, got)
	}
	if err := e.Err(); err != nil {
		t.Errorf("Err after restart: want nil, got %v", err)
	}
	if got := len(src.Sessions()); got != 2 {
		t.Errorf("sessions opened: want 2, got %d", got)
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// ─── TestEngine_OpenError ────────────────────────────────────────────────────

// TestEngine_OpenError verifies that a failed capture open surfaces from
// Start and leaves the engine stopped, ready for another attempt.
func TestEngine_OpenError(t *testing.T) {
	t.Parallel()

	src := &mock.Source{OpenError: capture.ErrDeviceUnavailable}
	e, err := engine.New(testConfig(), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = e.Start(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("Start: want ErrDeviceUnavailable, got %v", err)
	}
	if got := e.State(); got != engine.StateStopped {
		t.Errorf("state after failed open: want %v, got %v", engine.StateStopped, got)
	}
}

// ─── TestEngine_StartWhileRunning ────────────────────────────────────────────

// TestEngine_StartWhileRunning verifies that a second Start is rejected
// while the first run is live.
func TestEngine_StartWhileRunning(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	e, err := engine.New(testConfig(), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	err = e.Start(context.Background())
	if !errors.Is(err, engine.ErrAlreadyRunning) {
		t.Fatalf("second Start: want ErrAlreadyRunning, got %v", err)
	}
	if !strings.Contains(err.Error(), "cannot start while running") {
		t.Errorf("second Start error: want state complaint, got %q", err)
	}
	if got := len(src.OpenCalls); got != 1 {
		t.Errorf("capture opens: want 1, got %d", got)
	}
}

// ─── TestEngine_StopIdempotent ───────────────────────────────────────────────

// TestEngine_StopIdempotent verifies Stop is a no-op before Start and after
// a previous Stop.
func TestEngine_StopIdempotent(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	e, err := engine.New(testConfig(), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: unexpected error: %v", err)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := range 3 {
		if err := e.Stop(context.Background()); err != nil {
			t.Errorf("Stop call %d: unexpected error: %v", i, err)
		}
	}
	if got := e.State(); got != engine.StateStopped {
		t.Errorf("state: want %v, got %v", engine.StateStopped, got)
	}
	if got := src.LastSession().CloseCalls; got != 1 {
		t.Errorf("session Close calls: want 1, got %d", got)
	}
}

// ─── TestEngine_ForwardsStreamConfig ─────────────────────────────────────────

// TestEngine_ForwardsStreamConfig verifies the capture backend receives the
// stream parameters, device, and passthrough options from the config.
func TestEngine_ForwardsStreamConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Device = "osc-7"
	cfg.SourceOptions = map[string]string{"gain": "2.0"}

	src := &mock.Source{}
	e, err := engine.New(cfg, src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	if len(src.OpenCalls) != 1 {
		t.Fatalf("open calls: want 1, got %d", len(src.OpenCalls))
	}
	got := src.OpenCalls[0]
	if got.SampleRate != cfg.SampleRate || got.FrameSize != cfg.FrameSize {
		t.Errorf("stream config: want %d Hz / %d samples, got %d Hz / %d samples",
			cfg.SampleRate, cfg.FrameSize, got.SampleRate, got.FrameSize)
	}
	if got.Device != "osc-7" {
		t.Errorf("device: want %q, got %q", "osc-7", got.Device)
	}
	if got.Options["gain"] != "2.0" {
		t.Errorf("options: want gain=2.0, got %v", got.Options)
	}
}

// ─── TestEngine_SetTuning ────────────────────────────────────────────────────

// TestEngine_SetTuning verifies tuning hot-swaps: the mapper changes without
// a restart and an invalid swap leaves the old mapper in place.
func TestEngine_SetTuning(t *testing.T) {
	t.Parallel()

	e, err := engine.New(testConfig(), &mock.Source{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ref, targets := e.Tuning()
	if ref != 440 || len(targets) != 0 {
		t.Fatalf("initial tuning: want 440 chromatic, got %g with %d targets", ref, len(targets))
	}

	if err := e.SetTuning(432, pitch.StandardGuitar()); err != nil {
		t.Fatalf("SetTuning: %v", err)
	}
	ref, targets = e.Tuning()
	if ref != 432 {
		t.Errorf("reference after swap: want 432, got %g", ref)
	}
	if len(targets) != 6 {
		t.Errorf("targets after swap: want 6, got %d", len(targets))
	}

	if err := e.SetTuning(0, nil); err == nil {
		t.Fatal("SetTuning(0): want error, got nil")
	}
	ref, _ = e.Tuning()
	if ref != 432 {
		t.Errorf("reference after rejected swap: want 432 unchanged, got %g", ref)
	}
}

// ─── TestNew_InvalidConfig ───────────────────────────────────────────────────

// TestNew_InvalidConfig verifies that New rejects configs the pipeline
// cannot run with, both engine-level and component-level.
func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		mutate   func(*engine.Config)
		wantFrag string
	}{
		{
			name:     "zero sample rate",
			mutate:   func(c *engine.Config) { c.SampleRate = 0 },
			wantFrag: "sample rate",
		},
		{
			name:     "window not a power of two",
			mutate:   func(c *engine.Config) { c.WindowSize = 3000 },
			wantFrag: "power of two",
		},
		{
			name:     "hop exceeds window",
			mutate:   func(c *engine.Config) { c.HopSize = 8192 },
			wantFrag: "exceeds window size",
		},
		{
			name:     "ring too small for two windows",
			mutate:   func(c *engine.Config) { c.RingCapacity = 4 },
			wantFrag: "fewer than two analysis windows",
		},
		{
			name:     "negative min frequency",
			mutate:   func(c *engine.Config) { c.MinFrequencyHz = -1 },
			wantFrag: "min frequency",
		},
		{
			name:     "zero median window",
			mutate:   func(c *engine.Config) { c.Stability.MedianWindow = 0 },
			wantFrag: "median window",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			tc.mutate(&cfg)
			_, err := engine.New(cfg, &mock.Source{})
			if err == nil {
				t.Fatal("New: want error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantFrag) {
				t.Errorf("error %q does not mention %q", err, tc.wantFrag)
			}
		})
	}
}

// ─── TestNew_NilSource ───────────────────────────────────────────────────────

func TestNew_NilSource(t *testing.T) {
	t.Parallel()

	if _, err := engine.New(testConfig(), nil); err == nil {
		t.Fatal("New(nil source): want error, got nil")
	}
}

// ─── TestEngine_OverflowDropsOldest ──────────────────────────────────────────

// TestEngine_OverflowDropsOldest floods the ring far faster than the
// FFT-bound analysis loop can possibly drain it and verifies the overflow
// surfaces in Dropped() while the engine keeps running; delivery must never
// block however far behind analysis falls.
func TestEngine_OverflowDropsOldest(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	e, err := engine.New(testConfig(), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// 10000 frames is ~5000 analysis windows of work arriving within a few
	// milliseconds; a 64-frame ring cannot absorb that without dropping.
	sess := src.LastSession()
	buf := make([]int16, 512)
	for range 10000 {
		sess.DeliverSamples(buf)
	}
	sess.End()
	e.Wait()

	if got := e.Dropped(); got == 0 {
		t.Error("Dropped: want > 0 after sustained overflow, got 0")
	}
	if got := e.State(); got != engine.StateStopped {
		t.Errorf("state: want %v, got %v", engine.StateStopped, got)
	}
}
