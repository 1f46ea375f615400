package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/tonewire/internal/app"
	"github.com/MrWong99/tonewire/internal/config"
	"github.com/MrWong99/tonewire/internal/observe"
	"github.com/MrWong99/tonewire/pkg/audio/stub"
	"github.com/MrWong99/tonewire/pkg/estimator"
	estmock "github.com/MrWong99/tonewire/pkg/estimator/mock"
	"github.com/MrWong99/tonewire/pkg/pitch"
	sbmock "github.com/MrWong99/tonewire/pkg/soundbank/mock"
)

// testConfig returns a config with both engines enabled and no network
// surfaces.
func testConfig() *config.Config {
	return &config.Config{
		Capture: config.CaptureConfig{SampleRate: 44100},
		Synth:   config.SynthConfig{SampleRate: 44100},
	}
}

// testComponents wires a stub backend, a scripted estimator, and a mock bank
// loader around the returned doubles.
func testComponents(backend *stub.Backend, est estimator.Estimator) (*app.Components, *estmock.Factory, *sbmock.Bank) {
	factory := estmock.NewFactory(est)
	bank := &sbmock.Bank{}
	loader := &sbmock.Loader{Bank: bank}
	return &app.Components{
		Backend:   backend,
		Estimator: factory.New,
		Loader:    loader,
	}, factory, bank
}

// testMetrics returns a Metrics instance on a private provider so instruments
// do not leak between parallel tests.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	return m
}

// runApp starts application.Run in the background and returns a stop function
// that cancels it and waits for Run to return.
func runApp(t *testing.T, application *app.App) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return within 5s after cancel")
			return nil
		}
	}
}

// waitInput waits for the capture stream to open and start delivering.
func waitInput(t *testing.T, backend *stub.Backend) *stub.Stream {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ins := backend.Inputs(); len(ins) > 0 && ins[0].Started() {
			return ins[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("capture stream did not start")
	return nil
}

// loudWindow returns n samples well above the default noise gate.
func loudWindow(n int) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = 0.5
	}
	return w
}

// eventCollector is a thread-safe pitch.Handler for assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []pitch.Event
}

func (c *eventCollector) handle(ev pitch.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) all() []pitch.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pitch.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	comps, _, _ := testComponents(stub.New(), &estmock.Estimator{})
	loader := comps.Loader.(*sbmock.Loader)

	application, err := app.New(testConfig(), comps, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}

	// With no bank path configured the built-in default is loaded from memory.
	if got := len(loader.LoadCalls); got != 1 {
		t.Fatalf("load call count = %d, want 1", got)
	}
	if !loader.LoadCalls[0].Memory {
		t.Error("initial bank load used a path, want in-memory default")
	}
}

func TestNew_BankLoadFailure(t *testing.T) {
	t.Parallel()

	comps, _, _ := testComponents(stub.New(), &estmock.Estimator{})
	comps.Loader = &sbmock.Loader{LoadErr: errors.New("corrupt bank")}

	if _, err := app.New(testConfig(), comps, app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("New() succeeded with a failing bank load, want error")
	}
}

func TestNew_DisabledEngines(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Capture.Disabled = true
	cfg.Synth.Disabled = true

	// No backend is needed when both engines are off.
	application, err := app.New(cfg, nil, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	stop := runApp(t, application)
	if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

// renderOnly hides the stub backend's capture capability.
type renderOnly struct{ *stub.Backend }

func (renderOnly) CanCapture() bool { return false }

func TestNew_RejectsNonCaptureBackend(t *testing.T) {
	t.Parallel()

	comps, _, _ := testComponents(stub.New(), &estmock.Estimator{})
	comps.Backend = renderOnly{stub.New()}

	_, err := app.New(testConfig(), comps, app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("New() accepted a render-only backend with capture enabled")
	}
	if !strings.Contains(err.Error(), "cannot capture") {
		t.Errorf("error = %v, want mention of missing capture capability", err)
	}
}

func TestApp_RunPropagatesDeviceRate(t *testing.T) {
	t.Parallel()

	// The device opens at 48 kHz no matter what the config requested.
	backend := stub.New(stub.WithDeviceRate(48000))
	comps, factory, _ := testComponents(backend, &estmock.Estimator{})

	application, err := app.New(testConfig(), comps, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stop := runApp(t, application)
	waitInput(t, backend)

	calls := factory.Calls()
	if len(calls) != 1 {
		t.Fatalf("estimator factory calls = %d, want 1", len(calls))
	}
	if got, want := calls[0].SampleRate, 48000; got != want {
		t.Errorf("estimator sample rate = %d, want %d (the actual device rate)", got, want)
	}
	if got, want := calls[0].WindowSize, 2048; got != want {
		t.Errorf("estimator window size = %d, want %d", got, want)
	}

	if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}
}

func TestApp_EventFlow(t *testing.T) {
	t.Parallel()

	backend := stub.New()
	est := &estmock.Estimator{Freq: 440, Confidence: 0.9}
	comps, _, bank := testComponents(backend, est)

	var sink eventCollector
	application, err := app.New(testConfig(), comps,
		app.WithMetrics(testMetrics(t)),
		app.WithEventSink(sink.handle),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stop := runApp(t, application)
	in := waitInput(t, backend)

	// First window: the note is detected but held back for confirmation.
	// Second window (one hop later): confirmed and dispatched.
	in.Push(loudWindow(2048))
	in.Push(loudWindow(1024))

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("sink events = %d, want 2", len(events))
	}
	for i, ev := range events {
		if ev.Note != 69 {
			t.Errorf("event %d note = %d, want 69 (A4)", i, ev.Note)
		}
		if ev.Frequency != 440 {
			t.Errorf("event %d frequency = %v, want 440", i, ev.Frequency)
		}
	}
	if events[1].Timestamp <= events[0].Timestamp {
		t.Error("timestamps are not monotonic across events")
	}

	voices := bank.NewVoiceCalls
	if len(voices) != 1 {
		t.Fatalf("NewVoice calls = %d, want 1 (one confirmed note)", len(voices))
	}
	if voices[0].Note != 69 {
		t.Errorf("voice note = %d, want 69", voices[0].Note)
	}
	if voices[0].Velocity != 0.8 {
		t.Errorf("voice velocity = %v, want 0.8", voices[0].Velocity)
	}

	if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	backend := stub.New()
	comps, _, bank := testComponents(backend, &estmock.Estimator{})

	application, err := app.New(testConfig(), comps, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stop := runApp(t, application)
	waitInput(t, backend)

	if outs := backend.Outputs(); len(outs) != 1 || !outs[0].Started() {
		t.Fatal("synth output stream is not running")
	}

	if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if !backend.Inputs()[0].Closed() {
		t.Error("capture stream still open after shutdown")
	}
	if !backend.Outputs()[0].Closed() {
		t.Error("synth stream still open after shutdown")
	}
	if bank.CloseCallCount != 1 {
		t.Errorf("bank close count = %d, want 1", bank.CloseCallCount)
	}

	// Shutdown is idempotent.
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_CaptureStartFailureStopsSynth(t *testing.T) {
	t.Parallel()

	// Both the exclusive and the shared input open fail, so capture cannot
	// start; the already-started synth stream must be rolled back.
	backend := stub.New(stub.WithInputFailures(2))
	comps, _, _ := testComponents(backend, &estmock.Estimator{})

	application, err := app.New(testConfig(), comps, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := application.Run(context.Background()); err == nil {
		t.Fatal("Run() succeeded although the capture stream cannot open")
	}

	outs := backend.Outputs()
	if len(outs) != 1 {
		t.Fatalf("output streams = %d, want 1", len(outs))
	}
	if outs[0].Started() {
		t.Error("synth stream left running after capture start failure")
	}
}

func TestApp_NoEstimatorStillRuns(t *testing.T) {
	t.Parallel()

	backend := stub.New()
	comps, _, _ := testComponents(backend, &estmock.Estimator{})
	comps.Estimator = nil

	var sink eventCollector
	application, err := app.New(testConfig(), comps,
		app.WithMetrics(testMetrics(t)),
		app.WithEventSink(sink.handle),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stop := runApp(t, application)
	in := waitInput(t, backend)

	in.Push(loudWindow(2048))
	in.Push(loudWindow(1024))

	if got := sink.all(); len(got) != 0 {
		t.Fatalf("sink events = %d, want 0 without an estimator", len(got))
	}

	if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}
}

func TestApp_ForwardsEventsToBridge(t *testing.T) {
	t.Parallel()

	received := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			received <- string(data)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.Bridge.URL = "ws" + strings.TrimPrefix(srv.URL, "http")

	backend := stub.New()
	est := &estmock.Estimator{Freq: 440, Confidence: 0.9}
	comps, _, _ := testComponents(backend, est)

	application, err := app.New(cfg, comps, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stop := runApp(t, application)
	in := waitInput(t, backend)
	in.Push(loudWindow(2048))

	select {
	case msg := <-received:
		if !strings.Contains(msg, `"type":"pitch"`) {
			t.Errorf("payload missing type marker: %s", msg)
		}
		if !strings.Contains(msg, `"note":69`) {
			t.Errorf("payload missing note: %s", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not deliver the event")
	}

	if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}
}
