// Package stub provides an in-memory [audio.Backend] with no hardware
// behind it.
//
// Streams are clocked manually: tests (and headless deployments that only
// want the control surface) call [Stream.Push] to deliver capture chunks and
// [Stream.Pull] to drain render output. Open failures, exclusive-mode
// rejection, and a device rate that differs from the requested rate can all
// be scripted, so engine-level acquisition and rate-propagation paths are
// testable without a sound card.
package stub

import (
	"errors"
	"sync"

	"github.com/MrWong99/tonewire/pkg/audio"
)

// ErrScriptedFailure is the error returned by opens consumed from the
// scripted failure budget.
var ErrScriptedFailure = errors.New("stub: scripted open failure")

// ErrExclusiveRejected is returned for exclusive-mode opens when the backend
// was built with [WithRejectExclusive].
var ErrExclusiveRejected = errors.New("stub: exclusive mode rejected")

// defaultRate is used when neither the backend nor the open request names a
// sample rate.
const defaultRate = 44100

// Option configures a Backend.
type Option func(*Backend)

// WithDeviceRate pins the "actual" device rate. Streams report this rate
// regardless of what the open requested, mimicking hardware that cannot run
// at the asked-for rate.
func WithDeviceRate(hz int) Option {
	return func(b *Backend) { b.deviceRate = hz }
}

// WithRejectExclusive makes every exclusive-mode open fail, forcing callers
// down their shared-mode fallback path.
func WithRejectExclusive() Option {
	return func(b *Backend) { b.rejectExclusive = true }
}

// WithInputFailures makes the next n input opens fail with
// [ErrScriptedFailure] before opens start succeeding.
func WithInputFailures(n int) Option {
	return func(b *Backend) { b.inputFailures = n }
}

// WithOutputFailures makes the next n output opens fail with
// [ErrScriptedFailure] before opens start succeeding.
func WithOutputFailures(n int) Option {
	return func(b *Backend) { b.outputFailures = n }
}

// WithBrokenStart makes Start fail on every stream the backend opens, for
// exercising open-succeeded-but-start-failed cleanup paths.
func WithBrokenStart() Option {
	return func(b *Backend) { b.brokenStart = true }
}

// Backend is a manually clocked audio backend. It reports both capture and
// render capability.
type Backend struct {
	mu              sync.Mutex
	deviceRate      int
	rejectExclusive bool
	brokenStart     bool
	inputFailures   int
	outputFailures  int
	inputs          []*Stream
	outputs         []*Stream
}

// New returns a Backend with the given options applied.
func New(opts ...Option) *Backend {
	b := &Backend{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "stub" }

// CanCapture implements [audio.Backend].
func (b *Backend) CanCapture() bool { return true }

// CanRender implements [audio.Backend].
func (b *Backend) CanRender() bool { return true }

// OpenInput implements [audio.Backend].
func (b *Backend) OpenInput(cfg audio.StreamConfig, cb audio.InputCallback) (audio.InputStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inputFailures > 0 {
		b.inputFailures--
		return nil, ErrScriptedFailure
	}
	if b.rejectExclusive && cfg.Exclusive {
		return nil, ErrExclusiveRejected
	}
	s := &Stream{rate: b.resolveRate(cfg), channels: channelsOrMono(cfg), inputCB: cb, brokenStart: b.brokenStart}
	b.inputs = append(b.inputs, s)
	return s, nil
}

// OpenOutput implements [audio.Backend].
func (b *Backend) OpenOutput(cfg audio.StreamConfig, cb audio.OutputCallback) (audio.OutputStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outputFailures > 0 {
		b.outputFailures--
		return nil, ErrScriptedFailure
	}
	if b.rejectExclusive && cfg.Exclusive {
		return nil, ErrExclusiveRejected
	}
	s := &Stream{rate: b.resolveRate(cfg), channels: channelsOrStereo(cfg), outputCB: cb, brokenStart: b.brokenStart}
	b.outputs = append(b.outputs, s)
	return s, nil
}

// Inputs returns every input stream opened so far, in order.
func (b *Backend) Inputs() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Stream, len(b.inputs))
	copy(out, b.inputs)
	return out
}

// Outputs returns every output stream opened so far, in order.
func (b *Backend) Outputs() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Stream, len(b.outputs))
	copy(out, b.outputs)
	return out
}

func (b *Backend) resolveRate(cfg audio.StreamConfig) int {
	if b.deviceRate > 0 {
		return b.deviceRate
	}
	if cfg.SampleRate > 0 {
		return cfg.SampleRate
	}
	return defaultRate
}

func channelsOrMono(cfg audio.StreamConfig) int {
	if cfg.Channels > 0 {
		return cfg.Channels
	}
	return 1
}

func channelsOrStereo(cfg audio.StreamConfig) int {
	if cfg.Channels > 0 {
		return cfg.Channels
	}
	return 2
}

// Stream is a manually clocked stub stream. It satisfies both
// [audio.InputStream] and [audio.OutputStream]; only the methods matching
// its direction do anything.
type Stream struct {
	mu          sync.Mutex
	rate        int
	channels    int
	started     bool
	closed      bool
	brokenStart bool
	inputCB     audio.InputCallback
	outputCB    audio.OutputCallback
}

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stub: stream closed")
	}
	if s.brokenStart {
		return errors.New("stub: scripted start failure")
	}
	s.started = true
	return nil
}

// Stop implements [audio.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// Close implements [audio.Stream]. It is safe to call repeatedly.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.closed = true
	return nil
}

// SampleRate implements [audio.Stream].
func (s *Stream) SampleRate() int { return s.rate }

// Started reports whether the stream is currently delivering callbacks.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Push delivers one capture chunk to the input callback, exactly as a device
// would from its audio thread. Chunks pushed while the stream is stopped or
// closed are dropped, matching hardware that only fires callbacks while
// running.
func (s *Stream) Push(chunk []float32) {
	s.mu.Lock()
	cb := s.inputCB
	deliver := s.started && cb != nil
	s.mu.Unlock()
	if deliver {
		cb(chunk)
	}
}

// Pull requests frames of rendered audio through the output callback and
// returns the interleaved buffer. While the stream is stopped the callback
// is not invoked and the buffer comes back silent.
func (s *Stream) Pull(frames int) []float32 {
	buf := make([]float32, frames*s.channels)
	s.mu.Lock()
	cb := s.outputCB
	deliver := s.started && cb != nil
	s.mu.Unlock()
	if deliver {
		cb(buf)
	}
	return buf
}

// Compile-time interface checks.
var (
	_ audio.Backend      = (*Backend)(nil)
	_ audio.InputStream  = (*Stream)(nil)
	_ audio.OutputStream = (*Stream)(nil)
)
