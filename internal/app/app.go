// Package app wires the tonewire subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New constructs and connects the
// engines, Run opens the device streams and blocks until the context is
// cancelled, and Shutdown tears everything down in reverse order.
//
// Pluggable components (backend, estimator factory, bank loader) arrive in a
// Components struct, populated by main.go via the config registry. Tests fill
// it with mocks directly and use functional options for the remaining seams
// (event sink, metrics).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tonewire/internal/bridge"
	"github.com/MrWong99/tonewire/internal/config"
	"github.com/MrWong99/tonewire/internal/health"
	"github.com/MrWong99/tonewire/internal/observe"
	"github.com/MrWong99/tonewire/pkg/audio"
	"github.com/MrWong99/tonewire/pkg/capture"
	"github.com/MrWong99/tonewire/pkg/estimator"
	"github.com/MrWong99/tonewire/pkg/pitch"
	"github.com/MrWong99/tonewire/pkg/soundbank"
	"github.com/MrWong99/tonewire/pkg/soundbank/wavetable"
	"github.com/MrWong99/tonewire/pkg/synth"
)

// Components holds one implementation per pluggable slot. Nil means the slot
// is not configured. Populated by main.go via the config registry.
type Components struct {
	Backend   audio.Backend
	Estimator estimator.Factory
	Loader    soundbank.Loader
}

// App owns the engine lifetimes and the event flow between them.
type App struct {
	cfg   *config.Config
	comps *Components

	metrics   *observe.Metrics
	eventSink pitch.Handler

	// desiredGain is the master gain the config asks for. The synth engine
	// resets to full gain on every successful bank load, so the daemon
	// re-asserts this level after each load it initiates.
	desiredGain float64

	// Subsystems; initialised in New, torn down in Shutdown.
	capture  *capture.Engine
	synth    *synth.Engine
	follower *follower
	bridge   *bridge.Bridge
	httpSrv  *http.Server

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test seams.
type Option func(*App)

// WithEventSink registers an additional consumer for every pitch event. It
// runs on the capture goroutine after the follower and the bridge, so it must
// not block.
func WithEventSink(h pitch.Handler) Option {
	return func(a *App) { a.eventSink = h }
}

// WithMetrics injects a metrics instance instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring the engines together. Both engines are
// constructed unless disabled in cfg; the backend must support the
// capabilities of whatever remains enabled.
//
// New performs all initialisation synchronously: engine construction, the
// initial bank load, bridge and HTTP server assembly. Device streams are not
// opened until Run.
func New(cfg *config.Config, comps *Components, opts ...Option) (*App, error) {
	if comps == nil {
		comps = &Components{}
	}
	a := &App{
		cfg:   cfg,
		comps: comps,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Synthesis engine + initial bank ───────────────────────────────
	if err := a.initSynth(); err != nil {
		return nil, fmt.Errorf("app: init synth: %w", err)
	}

	// ── 2. Capture engine ────────────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 3. Note follower ─────────────────────────────────────────────────
	if a.synth != nil {
		a.follower = newFollower(a.synth, a.metrics)
		a.closers = append(a.closers, a.follower.Stop)
	}

	// ── 4. Event bridge ──────────────────────────────────────────────────
	a.initBridge()

	// ── 5. HTTP endpoint ─────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSynth builds the synthesis engine and loads the initial bank.
func (a *App) initSynth() error {
	if a.cfg.Synth.Disabled {
		slog.Info("synthesis disabled by config")
		return nil
	}
	backend := a.comps.Backend
	if backend == nil {
		return errors.New("no audio backend configured")
	}
	if !backend.CanRender() {
		return fmt.Errorf("backend %q cannot render; set synth.disabled or pick another backend", backend.Name())
	}

	loader := a.comps.Loader
	if loader == nil {
		loader = wavetable.NewLoader()
	}

	opts := []synth.Option{
		synth.WithLoader(loader),
		synth.WithStreamConfig(audio.StreamConfig{
			SampleRate:      a.cfg.Synth.SampleRate,
			FramesPerBuffer: a.cfg.Synth.FramesPerBuffer,
		}),
	}
	if n := a.cfg.Synth.Polyphony; n > 0 {
		opts = append(opts, synth.WithPolyphony(n))
	}
	if n := a.cfg.Synth.Channels; n > 0 {
		opts = append(opts, synth.WithChannels(n))
	}
	a.desiredGain = synth.DefaultGain
	if g := a.cfg.Synth.Gain; g > 0 {
		a.desiredGain = g
		opts = append(opts, synth.WithGain(g))
	}

	eng, err := synth.New(backend, opts...)
	if err != nil {
		return err
	}
	a.synth = eng
	a.closers = append(a.closers, func() error {
		if eng.Running() {
			a.metrics.ActiveStreams.Add(context.Background(), -1,
				metric.WithAttributes(observe.Attr("stream", "synth")))
		}
		return eng.Close()
	})

	return a.loadInitialBank()
}

// loadInitialBank loads the configured bank, or the built-in default when no
// path is set. A daemon without a working bank cannot make sound, so failure
// here is fatal; later reloads keep the previous bank instead.
func (a *App) loadInitialBank() error {
	ctx := context.Background()
	var err error
	if path := a.cfg.Synth.Bank; path != "" {
		err = a.synth.LoadBank(path)
	} else {
		err = a.synth.LoadBankFromMemory(wavetable.DefaultManifest)
	}
	if err != nil {
		a.metrics.RecordBankLoad(ctx, "error")
		return fmt.Errorf("load sound bank: %w", err)
	}
	a.synth.SetGain(a.desiredGain)
	a.metrics.RecordBankLoad(ctx, "ok")
	slog.Info("sound bank loaded", "bank", a.synth.BankName())
	return nil
}

// initCapture builds the capture engine and points it at the event fan-out.
func (a *App) initCapture() error {
	if a.cfg.Capture.Disabled {
		slog.Info("capture disabled by config")
		return nil
	}
	backend := a.comps.Backend
	if backend == nil {
		return errors.New("no audio backend configured")
	}
	if !backend.CanCapture() {
		return fmt.Errorf("backend %q cannot capture; set capture.disabled or pick another backend", backend.Name())
	}

	factory := a.comps.Estimator
	if factory == nil {
		slog.Warn("no estimator configured; windows will be gated but no pitch events emitted")
		factory = nullEstimatorFactory
	}

	opts := []capture.Option{
		capture.WithHandler(a.handleEvent),
		capture.WithStreamConfig(audio.StreamConfig{
			SampleRate:      a.cfg.Capture.SampleRate,
			Channels:        1,
			FramesPerBuffer: a.cfg.Capture.FramesPerBuffer,
		}),
	}
	if n := a.cfg.Capture.AnalysisSize; n > 0 {
		opts = append(opts, capture.WithAnalysisSize(n))
	}
	if n := a.cfg.Capture.Hop; n > 0 {
		opts = append(opts, capture.WithHop(n))
	}
	if db := a.cfg.Capture.NoiseGateDB; db != 0 {
		opts = append(opts, capture.WithNoiseGate(pitch.DBToGain(db)))
	}

	eng, err := capture.New(backend, factory, opts...)
	if err != nil {
		return err
	}
	if c := a.cfg.Capture.ConfidenceThreshold; c != 0 {
		eng.SetConfidenceThreshold(c)
	}
	if db := a.cfg.Capture.SilenceThresholdDB; db != 0 {
		eng.SetSilenceThreshold(db)
	}
	a.capture = eng
	a.closers = append(a.closers, func() error {
		if eng.Running() {
			a.metrics.ActiveStreams.Add(context.Background(), -1,
				metric.WithAttributes(observe.Attr("stream", "capture")))
		}
		return eng.Stop()
	})
	return nil
}

// initBridge creates the WebSocket event bridge when a sink URL is set.
func (a *App) initBridge() {
	url := a.cfg.Bridge.URL
	if url == "" {
		return
	}
	opts := []bridge.Option{bridge.WithMetrics(a.metrics)}
	if n := a.cfg.Bridge.Buffer; n > 0 {
		opts = append(opts, bridge.WithBuffer(n))
	}
	a.bridge = bridge.New(url, opts...)
	a.closers = append(a.closers, func() error {
		a.bridge.Close()
		return nil
	})
}

// initHTTP assembles the health and metrics endpoint when a listen address is
// configured.
func (a *App) initHTTP() {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return
	}

	var checks []health.Checker
	if a.capture != nil {
		checks = append(checks, health.StreamRunning("capture", a.capture.Running))
	}
	if a.synth != nil {
		checks = append(checks,
			health.StreamRunning("synth", a.synth.Running),
			health.BankLoaded(a.synth.BankName),
		)
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// nullEstimator stands in when no estimator is registered. The capture engine
// still gates windows and tracks its metrics; zero-frequency estimates never
// become events.
type nullEstimator struct{}

func (nullEstimator) Estimate([]float32) (float64, float64) { return 0, 0 }
func (nullEstimator) SetConfidenceThreshold(float64)        {}
func (nullEstimator) SetSilenceThreshold(float64)           {}
func (nullEstimator) Close() error                          { return nil }

func nullEstimatorFactory(estimator.Config) (estimator.Estimator, error) {
	return nullEstimator{}, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the device streams and blocks until ctx is cancelled. The bridge
// and the HTTP endpoint run as supervised goroutines; a hard failure of
// either takes the daemon down.
func (a *App) Run(ctx context.Context) error {
	if err := a.startEngines(ctx); err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	if a.bridge != nil {
		// Closing (rather than cancelling) lets the bridge flush its queue
		// into the still-open connection.
		bridgeCtx := context.WithoutCancel(egCtx)
		eg.Go(func() error { return a.bridge.Run(bridgeCtx) })
		eg.Go(func() error {
			<-egCtx.Done()
			a.bridge.Close()
			return nil
		})
	}

	if a.httpSrv != nil {
		eg.Go(func() error {
			err := a.serveHTTP()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		eg.Go(func() error {
			<-egCtx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.httpSrv.Shutdown(sctx)
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		return egCtx.Err()
	})

	slog.Info("tonewire running",
		"capture", a.capture != nil,
		"synth", a.synth != nil,
		"bridge", a.bridge != nil,
		"http", a.httpSrv != nil,
	)
	return eg.Wait()
}

// startEngines opens the device streams. Synth starts first so the follower
// has somewhere to send notes by the time capture events can arrive.
func (a *App) startEngines(ctx context.Context) error {
	if a.synth != nil {
		if err := a.synth.Start(ctx); err != nil {
			return fmt.Errorf("app: start synth: %w", err)
		}
		a.metrics.ActiveStreams.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("stream", "synth")))
	}
	if a.capture != nil {
		if err := a.capture.Start(); err != nil {
			if a.synth != nil {
				_ = a.synth.Stop()
				a.metrics.ActiveStreams.Add(ctx, -1,
					metric.WithAttributes(observe.Attr("stream", "synth")))
			}
			return fmt.Errorf("app: start capture: %w", err)
		}
		a.metrics.ActiveStreams.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("stream", "capture")))
	}
	return nil
}

// serveHTTP starts the listener, with TLS when certificates are configured.
func (a *App) serveHTTP() error {
	if tls := a.cfg.Server.TLS; tls != nil {
		slog.Info("http endpoint listening", "addr", a.httpSrv.Addr, "tls", true)
		return a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	}
	slog.Info("http endpoint listening", "addr", a.httpSrv.Addr, "tls", false)
	return a.httpSrv.ListenAndServe()
}

// handleEvent fans one pitch event out to the follower, the bridge, and the
// configured sink. It runs on the capture goroutine.
func (a *App) handleEvent(ev pitch.Event) {
	if a.follower != nil {
		a.follower.Handle(ev)
	}
	if a.bridge != nil {
		a.bridge.Offer(ev)
	}
	if a.eventSink != nil {
		a.eventSink(ev)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Apply pushes the hot-reloadable fields of a config change into the running
// engines. Fields the diff does not carry need a restart.
func (a *App) Apply(d config.ConfigDiff) {
	if d.Empty() {
		return
	}

	if a.capture != nil {
		if d.NoiseGateChanged {
			if d.NewNoiseGateDB == 0 {
				a.capture.SetNoiseGate(capture.DefaultNoiseGate)
			} else {
				a.capture.SetNoiseGateDB(d.NewNoiseGateDB)
			}
			slog.Info("noise gate updated", "linear", a.capture.NoiseGate())
		}
		if d.ConfidenceChanged {
			c := d.NewConfidence
			if c == 0 {
				c = capture.DefaultConfidenceThreshold
			}
			a.capture.SetConfidenceThreshold(c)
			slog.Info("confidence threshold updated", "value", c)
		}
		if d.SilenceChanged {
			db := d.NewSilenceDB
			if db == 0 {
				db = capture.DefaultSilenceThresholdDB
			}
			a.capture.SetSilenceThreshold(db)
			slog.Info("silence threshold updated", "db", db)
		}
	}

	if a.synth != nil {
		if d.GainChanged {
			g := d.NewGain
			if g == 0 {
				g = synth.DefaultGain
			}
			a.desiredGain = g
			a.synth.SetGain(g)
			slog.Info("master gain updated", "gain", g)
		}
		if d.BankChanged {
			a.reloadBank(d.NewBank)
		}
	}
}

// reloadBank hot-swaps the sound bank. A failing load keeps the previous bank
// sounding.
func (a *App) reloadBank(path string) {
	ctx := context.Background()
	var err error
	if path != "" {
		err = a.synth.LoadBank(path)
	} else {
		err = a.synth.LoadBankFromMemory(wavetable.DefaultManifest)
	}
	if err != nil {
		a.metrics.RecordBankLoad(ctx, "error")
		slog.Warn("bank reload failed; keeping previous bank", "path", path, "err", err)
		return
	}
	a.synth.SetGain(a.desiredGain)
	a.metrics.RecordBankLoad(ctx, "ok")
	slog.Info("sound bank reloaded", "bank", a.synth.BankName())
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the daemon down in reverse-init order: bridge, follower,
// capture, synthesis. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
