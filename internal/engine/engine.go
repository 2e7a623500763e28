// Package engine runs the real-time pitch detection pipeline.
//
// # Architecture
//
// An [Engine] ties capture and analysis together:
//
//  1. A [capture.Source] pushes PCM frames from its delivery callback into
//     a drop-oldest ring, so a stalled analyzer can never block the audio
//     thread.
//  2. The analysis goroutine drains the ring, normalizes the samples, and
//     assembles fixed-size windows advanced by the hop.
//  3. Each window is conditioned by a [dsp.Preprocessor] and searched for
//     a fundamental by a [dsp.HPSEstimator].
//  4. Raw estimates pass through a median [pitch.Stabilizer] and a note
//     [pitch.Mapper]; the resulting [pitch.StableResult] is published
//     atomically and fanned out to subscribers.
//
// The engine owns its goroutines. [Engine.Start] spawns them, [Engine.Stop]
// tears them down bounded by the caller's context, and a capture fault moves
// the engine to [StateFaulted] with the cause available from [Engine.Err].
// A faulted engine may be started again.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quindar/pitchline/internal/observe"
	"github.com/quindar/pitchline/pkg/audio"
	"github.com/quindar/pitchline/pkg/capture"
	"github.com/quindar/pitchline/pkg/dsp"
	"github.com/quindar/pitchline/pkg/pitch"
)

// defaultResultBuffer is the channel depth handed to new subscribers. At a
// typical hop of 1024 samples and 44.1 kHz that is about 16 windows, or a
// third of a second of results, before a slow reader starts losing them.
const defaultResultBuffer = 16

// ErrAlreadyRunning is returned by [Engine.Start] when the engine is not in
// a startable state.
var ErrAlreadyRunning = errors.New("engine already running")

// State describes the engine lifecycle.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config carries everything the pipeline needs to run. All fields are
// required unless noted; [Config.Validate] reports what is wrong.
type Config struct {
	// SampleRate and FrameSize describe the capture stream.
	SampleRate int
	FrameSize  int

	// Device selects a backend-specific input (a device ID, a file path).
	// Optional for backends with a default input.
	Device string

	// SourceOptions is passed through to the capture backend untouched.
	SourceOptions map[string]string

	// RingCapacity is the frame ring size. It must hold at least two full
	// analysis windows so a burst cannot starve the assembler.
	RingCapacity int

	// WindowSize is the FFT length in samples, a power of two. HopSize is
	// the window advance; HopSize < WindowSize overlaps windows.
	WindowSize int
	HopSize    int

	// Harmonics, the frequency band, and the detection thresholds are
	// handed to the spectral estimator. See [dsp.HPSConfig].
	Harmonics           int
	MinFrequencyHz      float64
	MaxFrequencyHz      float64
	NoiseFloorDb        float64
	PeakProminence      float64
	WhiteNoiseThreshold float64

	// InterferenceHz is the mains frequency to notch out, 0 to disable.
	InterferenceHz float64

	// ReferencePitchHz and Targets configure note mapping. Empty Targets
	// means chromatic mapping. See [pitch.NewMapper].
	ReferencePitchHz float64
	Targets          []pitch.TuningTarget

	// Stability configures the median smoother. See [pitch.StabilityConfig].
	Stability pitch.StabilityConfig
}

// Validate checks the engine-level fields. The analysis, mapping, and
// stability fields are validated by their component constructors in [New].
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", c.SampleRate))
	}
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("frame size %d must be positive", c.FrameSize))
	}
	if c.WindowSize <= 0 || bits.OnesCount(uint(c.WindowSize)) != 1 {
		errs = append(errs, fmt.Errorf("window size %d must be a power of two", c.WindowSize))
	}
	if c.HopSize <= 0 {
		errs = append(errs, fmt.Errorf("hop size %d must be positive", c.HopSize))
	} else if c.HopSize > c.WindowSize {
		errs = append(errs, fmt.Errorf("hop size %d exceeds window size %d", c.HopSize, c.WindowSize))
	}
	if c.RingCapacity <= 0 {
		errs = append(errs, fmt.Errorf("ring capacity %d must be positive", c.RingCapacity))
	} else if c.FrameSize > 0 && c.WindowSize > 0 && c.RingCapacity*c.FrameSize < 2*c.WindowSize {
		errs = append(errs, fmt.Errorf("ring capacity %d holds fewer than two analysis windows", c.RingCapacity))
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Option configures optional Engine behavior.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithResultBuffer sets the default channel depth for [Engine.Subscribe]
// and [Engine.TapFrames] when the caller passes buf <= 0.
func WithResultBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.resultBuf = n
		}
	}
}

// WithSourceLabel names the capture backend on the frame metrics, e.g.
// "portaudio" or "tone".
func WithSourceLabel(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.label = name
		}
	}
}

// Engine drives one capture stream through the analysis pipeline and
// publishes its results. All exported methods are safe for concurrent use.
type Engine struct {
	cfg       Config
	source    capture.Source
	log       *slog.Logger
	metrics   *observe.Metrics
	label     string
	resultBuf int

	pre  *dsp.Preprocessor
	hps  *dsp.HPSEstimator
	stab *pitch.Stabilizer

	// mapper is swapped whole by SetTuning; the analysis loop loads it per
	// window. latest is the last published result, nil before the first.
	mapper atomic.Pointer[pitch.Mapper]
	latest atomic.Pointer[pitch.StableResult]

	state atomic.Int32

	// mu guards the per-run fields across lifecycle transitions.
	mu      sync.Mutex
	session capture.Session
	ring    *audio.FrameRing
	cancel  context.CancelFunc
	runErr  error

	subMu   sync.Mutex
	subs    map[uint64]chan pitch.StableResult
	taps    map[uint64]chan audio.Frame
	nextSub uint64

	wg sync.WaitGroup
}

// New builds an engine around the given capture source. It constructs the
// whole pipeline up front, so a config the analyzer cannot run with fails
// here rather than at Start.
func New(cfg Config, source capture.Source, opts ...Option) (*Engine, error) {
	if source == nil {
		return nil, errors.New("engine: capture source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pre, err := dsp.NewPreprocessor(dsp.PreprocessConfig{
		SampleRate:     cfg.SampleRate,
		WindowSize:     cfg.WindowSize,
		MinFrequencyHz: cfg.MinFrequencyHz,
		MaxFrequencyHz: cfg.MaxFrequencyHz,
		Harmonics:      cfg.Harmonics,
		InterferenceHz: cfg.InterferenceHz,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	hps, err := dsp.NewHPSEstimator(dsp.HPSConfig{
		SampleRate:          cfg.SampleRate,
		WindowSize:          cfg.WindowSize,
		Harmonics:           cfg.Harmonics,
		MinFrequencyHz:      cfg.MinFrequencyHz,
		MaxFrequencyHz:      cfg.MaxFrequencyHz,
		NoiseFloorDb:        cfg.NoiseFloorDb,
		PeakProminence:      cfg.PeakProminence,
		WhiteNoiseThreshold: cfg.WhiteNoiseThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	mapper, err := pitch.NewMapper(cfg.ReferencePitchHz, cfg.Targets)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	stab, err := pitch.NewStabilizer(cfg.Stability)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		source:    source,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
		label:     "unknown",
		resultBuf: defaultResultBuffer,
		pre:       pre,
		hps:       hps,
		stab:      stab,
		subs:      make(map[uint64]chan pitch.StableResult),
		taps:      make(map[uint64]chan audio.Frame),
	}
	e.mapper.Store(mapper)
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Start opens the capture stream and spawns the analysis goroutines. It can
// be called from [StateStopped] or, for a restart, from [StateFaulted]. The
// context bounds only the start itself, not the run.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.transition(StateStopped, StateStarting) && !e.transition(StateFaulted, StateStarting) {
		return fmt.Errorf("engine: cannot start while %s: %w", e.State(), ErrAlreadyRunning)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.runErr = nil
	if e.cancel != nil {
		e.cancel() // release the previous run's context
	}
	e.stab.Reset()

	ring := audio.NewFrameRing(e.cfg.RingCapacity)
	sess, err := e.source.Open(capture.StreamConfig{
		SampleRate: e.cfg.SampleRate,
		FrameSize:  e.cfg.FrameSize,
		Device:     e.cfg.Device,
		Options:    e.cfg.SourceOptions,
	}, func(f audio.Frame) {
		// Capture callback: one copy into the ring, nothing else.
		ring.Push(f)
	})
	if err != nil {
		ring.Close()
		e.state.Store(int32(StateStopped))
		return fmt.Errorf("engine: open capture source: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.session = sess
	e.ring = ring
	e.cancel = cancel

	// Stored before the goroutines spawn: a session that ends immediately
	// must still find the Running state it transitions out of.
	e.state.Store(int32(StateRunning))

	e.wg.Add(2)
	go e.analysisLoop(runCtx, ring)
	go e.watchSession(sess, ring)

	e.log.Info("engine started",
		"backend", e.label,
		"sample_rate", e.cfg.SampleRate,
		"window_size", e.cfg.WindowSize,
		"hop_size", e.cfg.HopSize,
	)
	return nil
}

// Stop closes the capture session, flushes the frame ring, and waits for
// the goroutines to exit, bounded by ctx. Stopping an engine that is not
// running is a no-op. The last published result stays readable.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.transition(StateRunning, StateStopping) && !e.transition(StateFaulted, StateStopping) {
		return nil
	}

	e.mu.Lock()
	sess, ring, cancel := e.session, e.ring, e.cancel
	e.session = nil
	e.mu.Unlock()

	var closeErr error
	if sess != nil {
		closeErr = sess.Close()
	}
	var flushed int
	if ring != nil {
		// Discard whatever is still queued; a bounded stop does not owe
		// the caller analysis of the backlog.
		flushed = ring.Flush()
		ring.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		e.state.Store(int32(StateStopped))
		return fmt.Errorf("engine: waiting for analysis shutdown: %w", ctx.Err())
	}
	cancel()

	e.state.Store(int32(StateStopped))
	if ring != nil {
		e.log.Info("engine stopped", "flushed_frames", flushed, "dropped_frames", ring.Dropped())
	} else {
		e.log.Info("engine stopped")
	}
	return closeErr
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Err returns the capture error that faulted the engine, or nil. It is reset
// by the next successful Start.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// Wait blocks until the engine's background goroutines have exited, which
// happens after a Stop, a fault, or a finite source ending. Useful in tests.
func (e *Engine) Wait() { e.wg.Wait() }

// ─── Results ─────────────────────────────────────────────────────────────────

// Latest returns the most recently published result. ok is false until the
// first detected pitch; silence never overwrites the last reading.
func (e *Engine) Latest() (pitch.StableResult, bool) {
	p := e.latest.Load()
	if p == nil {
		return pitch.StableResult{}, false
	}
	return *p, true
}

// Subscribe registers a listener for every published result with a channel
// buffered to buf (or the configured default when buf <= 0). Results are
// dropped for a listener that falls behind rather than stalling the
// pipeline. cancel unregisters and closes the channel and may be called
// more than once.
func (e *Engine) Subscribe(buf int) (results <-chan pitch.StableResult, cancel func()) {
	if buf <= 0 {
		buf = e.resultBuf
	}
	ch := make(chan pitch.StableResult, buf)
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

// TapFrames registers a listener for raw capture frames, delivered from the
// analysis goroutine after they leave the ring. Frames are shared; listeners
// must not modify the samples. Like [Engine.Subscribe], a slow listener
// loses frames instead of blocking analysis.
func (e *Engine) TapFrames(buf int) (frames <-chan audio.Frame, cancel func()) {
	if buf <= 0 {
		buf = e.resultBuf
	}
	ch := make(chan audio.Frame, buf)
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.taps[id] = ch
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.taps[id]; ok {
			delete(e.taps, id)
			close(ch)
		}
	}
}

// SetTuning swaps the note mapper while the engine runs. Analysis in flight
// keeps the old mapper for at most one window.
func (e *Engine) SetTuning(referenceHz float64, targets []pitch.TuningTarget) error {
	m, err := pitch.NewMapper(referenceHz, targets)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.mapper.Store(m)
	e.log.Info("tuning updated", "reference_hz", referenceHz, "targets", len(targets))
	return nil
}

// Tuning returns the active reference pitch and targets.
func (e *Engine) Tuning() (referenceHz float64, targets []pitch.TuningTarget) {
	m := e.mapper.Load()
	return m.ReferenceHz(), m.Targets()
}

// Dropped returns the number of frames the current (or last) run discarded
// because the ring was full.
func (e *Engine) Dropped() uint64 {
	e.mu.Lock()
	ring := e.ring
	e.mu.Unlock()
	if ring == nil {
		return 0
	}
	return ring.Dropped()
}

// ─── Internal: analysis ──────────────────────────────────────────────────────

// analysisLoop drains the ring until it is closed or the run context ends.
func (e *Engine) analysisLoop(ctx context.Context, ring *audio.FrameRing) {
	defer e.wg.Done()

	asm := newWindowAssembler(e.cfg.WindowSize, e.cfg.HopSize)
	window := make([]float64, e.cfg.WindowSize)
	var droppedSeen uint64

	for {
		frame, ok := ring.PopWait(ctx)
		if !ok {
			return
		}
		e.metrics.RecordFrames(ctx, e.label, 1)
		if d := ring.Dropped(); d > droppedSeen {
			e.metrics.RecordDroppedFrames(ctx, int64(d-droppedSeen))
			e.log.Warn("analysis lagging, frames dropped", "dropped", d-droppedSeen, "total", d)
			droppedSeen = d
		}
		e.fanOutFrame(frame)

		asm.write(frame.Samples)
		for {
			pos, ok := asm.next(window)
			if !ok {
				break
			}
			e.analyzeWindow(ctx, window, pos)
		}
	}
}

// analyzeWindow runs one window through the pipeline and publishes the
// result. A window with no detectable pitch resets the stabilizer so stale
// readings cannot smooth into the next note, and publishes nothing.
func (e *Engine) analyzeWindow(ctx context.Context, window []float64, pos uint64) {
	start := time.Now()
	if err := e.pre.Process(window); err != nil {
		e.log.Error("preprocess window", "error", err)
		return
	}
	freq, conf := e.hps.Estimate(window)
	elapsed := time.Since(start).Seconds()

	if conf == 0 {
		e.stab.Reset()
		e.metrics.RecordAnalysis(ctx, false, elapsed, 0)
		return
	}

	smoothed, stable := e.stab.Push(freq)
	result := pitch.StableResult{
		NoteResult:  e.mapper.Load().Map(smoothed),
		FrequencyHz: smoothed,
		Confidence:  conf,
		Stable:      stable,
		Timestamp:   time.Duration(pos) * time.Second / time.Duration(e.cfg.SampleRate),
	}

	e.latest.Store(&result)
	e.fanOutResult(result)
	e.metrics.RecordAnalysis(ctx, true, elapsed, conf)
	e.log.Debug("estimate published",
		"note", result.Note,
		"octave", result.Octave,
		"cents", result.CentsOffset,
		"frequency_hz", result.FrequencyHz,
		"stable", result.Stable,
	)
}

// watchSession waits for the capture session to end. A session error faults
// the engine; a clean end from a finite source stops it. Either way the ring
// is closed so the analysis loop drains what is buffered and exits.
func (e *Engine) watchSession(sess capture.Session, ring *audio.FrameRing) {
	defer e.wg.Done()

	<-sess.Done()
	err := sess.Err()
	ring.Close()

	if err == nil {
		if e.transition(StateRunning, StateStopped) {
			e.log.Info("capture stream ended")
		}
		return
	}

	e.mu.Lock()
	e.runErr = err
	e.mu.Unlock()
	if e.transition(StateRunning, StateFaulted) {
		e.log.Error("capture stream failed", "error", err)
	}
}

// ─── Internal: fan-out ───────────────────────────────────────────────────────

func (e *Engine) fanOutResult(r pitch.StableResult) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

func (e *Engine) fanOutFrame(f audio.Frame) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.taps {
		select {
		case ch <- f:
		default:
		}
	}
}

func (e *Engine) transition(from, to State) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}
