// Package capture implements the pitch-tracking engine: it owns a hardware
// input stream, slices the incoming sample flow into fixed-size analysis
// windows, gates them on RMS level, and turns estimator results into
// [pitch.Event] values.
//
// The engine is a constructible object; create as many as you need, each
// with its own backend, estimator factory, and handler. All exported methods
// are safe for concurrent use; [Engine.Ingest] additionally runs on the audio
// callback goroutine and allocates nothing in steady state.
//
// Windowing follows a fixed overlap discipline: chunks of any size accumulate
// into an internal buffer, and every time at least one full analysis window
// is buffered it is analysed and the buffer advances by the hop (half a
// window by default, i.e. 50% overlap). The result is identical no matter how
// the same samples were split into chunks.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/tonewire/pkg/audio"
	"github.com/MrWong99/tonewire/pkg/estimator"
	"github.com/MrWong99/tonewire/pkg/pitch"
)

const (
	// DefaultAnalysisSize is the analysis window length in samples.
	DefaultAnalysisSize = 2048

	// DefaultNoiseGate is the default linear RMS threshold below which a
	// window is discarded without analysis (about -46 dBFS).
	DefaultNoiseGate = 0.005

	// DefaultConfidenceThreshold seeds the estimator's confidence cutoff.
	DefaultConfidenceThreshold = 0.3

	// DefaultSilenceThresholdDB seeds the estimator's silence floor in dBFS.
	DefaultSilenceThresholdDB = -50

	// minFrequency is the detection floor in Hz. Estimates at or below it
	// are treated as unpitched; pitched instruments do not reach it and
	// detectors are unreliable down there.
	minFrequency = 20
)

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithAnalysisSize sets the analysis window length in samples. The estimator
// factory receives this as the window size. Values < 2 are ignored.
func WithAnalysisSize(n int) Option {
	return func(e *Engine) {
		if n >= 2 {
			e.analysisSize = n
		}
	}
}

// WithHop sets how many samples the window advances between analyses.
// Values outside (0, analysis size] are ignored; the default is half the
// analysis size.
func WithHop(n int) Option {
	return func(e *Engine) {
		e.hop = n
	}
}

// WithStreamConfig sets the input stream request. Channels is forced to mono;
// the device may still deliver a different sample rate, which the engine
// propagates to the estimator factory.
func WithStreamConfig(cfg audio.StreamConfig) Option {
	return func(e *Engine) {
		e.streamCfg = cfg
	}
}

// WithNoiseGate sets the initial linear RMS gate threshold.
func WithNoiseGate(linear float64) Option {
	return func(e *Engine) {
		e.gateBits.Store(math.Float64bits(linear))
	}
}

// WithHandler sets the initial pitch event handler.
func WithHandler(h pitch.Handler) Option {
	return func(e *Engine) {
		e.storeHandler(h)
	}
}

// WithClock overrides the event timestamp source. now must be monotonic and
// is read once per emitted event. Intended for tests.
func WithClock(now func() time.Duration) Option {
	return func(e *Engine) {
		e.clock = now
	}
}

// WithMeterProvider sets the OpenTelemetry provider the engine builds its
// instruments from. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

// Engine is a pitch-tracking capture engine. Zero value is not usable; call
// [New].
type Engine struct {
	backend audio.Backend
	factory estimator.Factory

	analysisSize  int
	hop           int
	streamCfg     audio.StreamConfig
	clock         func() time.Duration
	meterProvider metric.MeterProvider

	// gateBits holds the linear noise-gate threshold as float64 bits.
	// Concurrent writers race benignly: last write wins, readers never see
	// a torn value.
	gateBits atomic.Uint64

	// handler is swapped atomically so Ingest never takes a lock to emit.
	handler atomic.Pointer[pitch.Handler]

	// mu guards lifecycle state and pending thresholds. Ordering: mu before
	// estMu when both are taken.
	mu                sync.Mutex
	running           bool
	stream            audio.InputStream
	session           uuid.UUID
	epoch             time.Time
	sampleRate        int
	pendingConfidence float64
	pendingSilence    float64

	// estMu guards the live estimator, shared between Ingest and control.
	estMu sync.Mutex
	est   estimator.Estimator

	// buf accumulates samples between callbacks. Owned by the audio
	// goroutine while the stream runs; cleared by Stop afterwards.
	buf []float32

	metrics engineMetrics
}

// New creates a capture engine reading from backend and analysing windows
// with estimators built by factory. The engine starts idle; call
// [Engine.Start].
func New(backend audio.Backend, factory estimator.Factory, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("capture: backend must not be nil")
	}
	if factory == nil {
		return nil, errors.New("capture: estimator factory must not be nil")
	}

	e := &Engine{
		backend:           backend,
		factory:           factory,
		analysisSize:      DefaultAnalysisSize,
		streamCfg:         audio.StreamConfig{SampleRate: 44100, Channels: 1},
		pendingConfidence: DefaultConfidenceThreshold,
		pendingSilence:    DefaultSilenceThresholdDB,
	}
	e.gateBits.Store(math.Float64bits(DefaultNoiseGate))
	for _, opt := range opts {
		opt(e)
	}
	if e.hop <= 0 || e.hop > e.analysisSize {
		e.hop = e.analysisSize / 2
	}
	e.streamCfg.Channels = 1
	if e.meterProvider == nil {
		e.meterProvider = otel.GetMeterProvider()
	}
	if err := e.metrics.init(e.meterProvider); err != nil {
		return nil, fmt.Errorf("capture: create instruments: %w", err)
	}
	e.buf = make([]float32, 0, 2*e.analysisSize)
	return e, nil
}

// Start acquires the input stream and begins analysis. The device's actual
// sample rate is read back after the open and handed to the estimator
// factory together with the window size and the currently pending
// thresholds.
//
// Start on a running engine is a no-op returning nil. On failure nothing is
// left half-open: a stream that opened but would not start is closed again.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		slog.Debug("capture engine already running")
		return nil
	}

	stream, err := audio.AcquireInput(e.backend, e.streamCfg, e.Ingest)
	if err != nil {
		return fmt.Errorf("capture: acquire input: %w", err)
	}

	rate := stream.SampleRate()
	if rate <= 0 {
		rate = e.streamCfg.SampleRate
	}

	est, err := e.factory(estimator.Config{
		SampleRate:          rate,
		WindowSize:          e.analysisSize,
		ConfidenceThreshold: e.pendingConfidence,
		SilenceThreshold:    e.pendingSilence,
	})
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("capture: create estimator: %w", err)
	}

	// Session state must be in place before the first callback can fire.
	e.estMu.Lock()
	e.est = est
	e.estMu.Unlock()
	e.sampleRate = rate
	e.session = uuid.New()
	e.epoch = time.Now()

	if err := stream.Start(); err != nil {
		e.estMu.Lock()
		e.est = nil
		e.estMu.Unlock()
		_ = est.Close()
		_ = stream.Close()
		e.sampleRate = 0
		return fmt.Errorf("capture: start stream: %w", err)
	}

	e.stream = stream
	e.running = true

	slog.Info("capture started",
		"backend", e.backend.Name(),
		"sampleRate", rate,
		"window", e.analysisSize,
		"hop", e.hop,
		"session", e.session,
	)
	return nil
}

// Stop halts analysis, releases the stream and estimator, and clears the
// accumulated window so a later Start analyses fresh audio. Stop on an idle
// engine is a no-op returning nil; calling it repeatedly is safe.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}

	var errs []error
	if err := e.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := e.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	e.stream = nil

	e.estMu.Lock()
	est := e.est
	e.est = nil
	e.estMu.Unlock()
	if est != nil {
		if err := est.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	e.buf = e.buf[:0]
	e.running = false
	e.sampleRate = 0

	slog.Info("capture stopped", "session", e.session)
	return errors.Join(errs...)
}

// Running reports whether the engine currently owns a started stream.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SampleRate reports the actual input rate while running, 0 otherwise.
func (e *Engine) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampleRate
}

// Session returns the ID of the current capture session (zero UUID when
// idle).
func (e *Engine) Session() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return uuid.UUID{}
	}
	return e.session
}

// SetNoiseGate replaces the linear RMS gate threshold. Safe from any
// goroutine; concurrent writers are last-write-wins.
func (e *Engine) SetNoiseGate(linear float64) {
	e.gateBits.Store(math.Float64bits(linear))
}

// SetNoiseGateDB replaces the gate threshold, given in dBFS.
func (e *Engine) SetNoiseGateDB(db float64) {
	e.SetNoiseGate(pitch.DBToGain(db))
}

// NoiseGate returns the current linear gate threshold.
func (e *Engine) NoiseGate() float64 {
	return math.Float64frombits(e.gateBits.Load())
}

// SetConfidenceThreshold forwards the estimator confidence cutoff. Called
// before Start (or between sessions) the value is remembered and applied
// when the next estimator is constructed.
func (e *Engine) SetConfidenceThreshold(threshold float64) {
	e.mu.Lock()
	e.pendingConfidence = threshold
	e.mu.Unlock()

	e.estMu.Lock()
	if e.est != nil {
		e.est.SetConfidenceThreshold(threshold)
	}
	e.estMu.Unlock()
}

// SetSilenceThreshold forwards the estimator silence floor in dBFS, with the
// same pending semantics as [Engine.SetConfidenceThreshold].
func (e *Engine) SetSilenceThreshold(dbFS float64) {
	e.mu.Lock()
	e.pendingSilence = dbFS
	e.mu.Unlock()

	e.estMu.Lock()
	if e.est != nil {
		e.est.SetSilenceThreshold(dbFS)
	}
	e.estMu.Unlock()
}

// SetHandler replaces the pitch event handler. A nil handler drops events.
func (e *Engine) SetHandler(h pitch.Handler) {
	e.storeHandler(h)
}

func (e *Engine) storeHandler(h pitch.Handler) {
	if h == nil {
		e.handler.Store(nil)
		return
	}
	e.handler.Store(&h)
}

// Ingest accepts one capture chunk. It is the engine's input callback and
// normally invoked by the stream; tests may call it directly. Chunks may be
// any length, including zero. Steady-state calls allocate nothing.
func (e *Engine) Ingest(chunk []float32) {
	e.buf = append(e.buf, chunk...)
	for len(e.buf) >= e.analysisSize {
		e.analyze(e.buf[:e.analysisSize])
		n := copy(e.buf, e.buf[e.hop:])
		e.buf = e.buf[:n]
	}
}

// analyze runs the gate and estimator over one full window and emits an
// event if a playable note was heard.
func (e *Engine) analyze(window []float32) {
	start := time.Now()
	ctx := context.Background()

	rms := pitch.RMS(window)
	if rms < e.NoiseGate() {
		e.metrics.windowsGated.Add(ctx, 1)
		return
	}
	e.metrics.windowsAnalyzed.Add(ctx, 1)

	handlerPtr := e.handler.Load()

	e.estMu.Lock()
	est := e.est
	if est == nil || handlerPtr == nil {
		e.estMu.Unlock()
		return
	}
	freq, conf := est.Estimate(window)
	e.estMu.Unlock()

	e.metrics.analyzeDuration.Record(ctx, time.Since(start).Seconds())

	if freq <= minFrequency {
		return
	}
	note := pitch.NoteFromFrequency(freq)
	if !note.Valid() {
		return
	}

	e.metrics.events.Add(ctx, 1)

	(*handlerPtr)(pitch.Event{
		Frequency:     freq,
		Confidence:    conf,
		Note:          note,
		CentDeviation: pitch.CentsOff(freq, note),
		Timestamp:     e.now(),
		Session:       e.session,
	})
}

func (e *Engine) now() time.Duration {
	if e.clock != nil {
		return e.clock()
	}
	return time.Since(e.epoch)
}

// engineMetrics holds the engine's OpenTelemetry instruments.
type engineMetrics struct {
	windowsAnalyzed metric.Int64Counter
	windowsGated    metric.Int64Counter
	events          metric.Int64Counter
	analyzeDuration metric.Float64Histogram
}

// analysisBuckets covers the expected per-window analysis cost: tens of
// microseconds up to a few milliseconds.
var analysisBuckets = []float64{
	0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
}

func (m *engineMetrics) init(mp metric.MeterProvider) error {
	meter := mp.Meter("github.com/MrWong99/tonewire/pkg/capture")
	var err error
	if m.windowsAnalyzed, err = meter.Int64Counter("tonewire.capture.windows_analyzed",
		metric.WithDescription("Analysis windows that passed the noise gate."),
	); err != nil {
		return err
	}
	if m.windowsGated, err = meter.Int64Counter("tonewire.capture.windows_gated",
		metric.WithDescription("Analysis windows discarded below the noise gate."),
	); err != nil {
		return err
	}
	if m.events, err = meter.Int64Counter("tonewire.capture.events",
		metric.WithDescription("Pitch events emitted to the handler."),
	); err != nil {
		return err
	}
	if m.analyzeDuration, err = meter.Float64Histogram("tonewire.capture.analyze.duration",
		metric.WithDescription("Wall time spent analysing one window."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(analysisBuckets...),
	); err != nil {
		return err
	}
	return nil
}
