// Package audio defines the interfaces and types for hardware audio stream
// acquisition within tonewire.
//
// The two primary abstractions are:
//
//   - [Backend]: a host audio system (PortAudio, Oto, or an in-memory stub)
//     that can open input and/or output streams.
//   - [Stream]: an open device stream with a Start/Stop/Close lifecycle and
//     a post-open actual sample rate.
//
// Backends are capability-polymorphic: a full-duplex backend reports both
// CanCapture and CanRender, while a playback-only backend reports just
// CanRender. Callers probe capabilities instead of type-asserting, so a
// capture engine can reject a render-only backend with a clear error at
// configuration time rather than a nil stream at runtime.
//
// Implementations of these interfaces are provided by backend-specific
// adapter packages (audio/portaudio, audio/oto, audio/stub). The interfaces
// are intentionally narrow to keep the engines decoupled from device details.
//
// This package lives under pkg/ because external code (third-party backend
// adapters) is expected to implement [Backend].
package audio

// StreamConfig holds the parameters requested when opening a stream. The
// device may not honour every field; read the actual values back from the
// opened [Stream].
type StreamConfig struct {
	// SampleRate is the requested rate in Hz (e.g. 44100, 48000). Zero lets
	// the backend choose the device's native rate.
	SampleRate int

	// Channels is the interleaved channel count: 1 for capture, usually 2
	// for render.
	Channels int

	// FramesPerBuffer is the preferred callback granularity in frames.
	// Zero lets the backend choose. Callbacks may still deliver or request
	// a different number of frames on any given invocation.
	FramesPerBuffer int

	// Exclusive requests a low-latency exclusive-mode stream. Backends
	// without an exclusive path treat this as a hint and may ignore it;
	// backends with one should fail the open rather than silently degrade,
	// so that callers can retry in shared mode.
	Exclusive bool
}

// InputCallback receives captured audio. Chunks are interleaved float32
// samples; their length varies from call to call and is whatever the device
// delivered. The callback runs on the backend's audio goroutine and must not
// block.
type InputCallback func(chunk []float32)

// OutputCallback fills dst with interleaved float32 samples for playback.
// The callback must write every element of dst (write silence explicitly if
// there is nothing to play) and must not block.
type OutputCallback func(dst []float32)

// Stream is an open device stream.
//
// A Stream is not safe for concurrent lifecycle calls; the owning engine
// serializes Start/Stop/Close.
type Stream interface {
	// Start begins callback delivery.
	Start() error

	// Stop halts callback delivery without releasing the device. A stopped
	// stream can be started again.
	Stop() error

	// Close releases the device. Calling Close more than once is safe and
	// returns nil.
	Close() error

	// SampleRate reports the actual rate the device opened at, which may
	// differ from the requested [StreamConfig.SampleRate]. Callers must
	// propagate this value to anything whose math depends on the rate.
	SampleRate() int
}

// InputStream is a capture-direction [Stream].
type InputStream interface {
	Stream
}

// OutputStream is a render-direction [Stream].
type OutputStream interface {
	Stream
}

// Backend is a host audio system capable of opening streams. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend ("portaudio", "oto", "stub") for logs,
	// config and metrics.
	Name() string

	// CanCapture reports whether OpenInput is supported.
	CanCapture() bool

	// CanRender reports whether OpenOutput is supported.
	CanRender() bool

	// OpenInput opens a capture stream delivering chunks to cb. The stream
	// is returned stopped; the caller decides when delivery starts.
	// Backends without capture support return an error unconditionally.
	OpenInput(cfg StreamConfig, cb InputCallback) (InputStream, error)

	// OpenOutput opens a render stream pulling samples through cb. The
	// stream is returned stopped. Backends without render support return an
	// error unconditionally.
	OpenOutput(cfg StreamConfig, cb OutputCallback) (OutputStream, error)
}
