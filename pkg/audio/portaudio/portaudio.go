// Package portaudio adapts the PortAudio host API to the [audio.Backend]
// interface.
//
// This is the full-duplex hardware backend: it can open capture and render
// streams on the default devices. Exclusive-mode requests map to PortAudio's
// low-latency stream parameters and shared-mode requests to the high-latency
// ones, so the acquisition fallback in [audio.AcquireInput] degrades from a
// tight capture path to a safe one on hosts where low latency is refused.
//
// PortAudio keeps process-wide state; the package refcounts
// Initialize/Terminate across all open streams so independent engines can
// share the backend without coordinating shutdown order.
package portaudio

import (
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/tonewire/pkg/audio"
)

// Host-library refcount. PortAudio must be initialized before any stream
// opens and terminated after the last one closes.
var (
	hostMu   sync.Mutex
	hostRefs int
)

func acquireHost() error {
	hostMu.Lock()
	defer hostMu.Unlock()
	if hostRefs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	hostRefs++
	return nil
}

func releaseHost() {
	hostMu.Lock()
	defer hostMu.Unlock()
	if hostRefs == 0 {
		return
	}
	hostRefs--
	if hostRefs == 0 {
		_ = pa.Terminate()
	}
}

// Backend opens streams on the default PortAudio devices.
type Backend struct{}

// New returns the PortAudio backend.
func New() *Backend { return &Backend{} }

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "portaudio" }

// CanCapture implements [audio.Backend].
func (b *Backend) CanCapture() bool { return true }

// CanRender implements [audio.Backend].
func (b *Backend) CanRender() bool { return true }

// OpenInput implements [audio.Backend]. The stream delivers interleaved
// float32 chunks sized by the device, not by cfg.FramesPerBuffer.
func (b *Backend) OpenInput(cfg audio.StreamConfig, cb audio.InputCallback) (audio.InputStream, error) {
	if err := acquireHost(); err != nil {
		return nil, err
	}
	dev, err := pa.DefaultInputDevice()
	if err != nil {
		releaseHost()
		return nil, fmt.Errorf("portaudio: default input device: %w", err)
	}

	params := streamParams(dev, nil, cfg)
	params.Input.Channels = channels(cfg, 1)

	s, err := pa.OpenStream(params, func(in []float32) {
		cb(in)
	})
	if err != nil {
		releaseHost()
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	return newStream(s), nil
}

// OpenOutput implements [audio.Backend]. The callback must fill the whole
// interleaved buffer on every invocation.
func (b *Backend) OpenOutput(cfg audio.StreamConfig, cb audio.OutputCallback) (audio.OutputStream, error) {
	if err := acquireHost(); err != nil {
		return nil, err
	}
	dev, err := pa.DefaultOutputDevice()
	if err != nil {
		releaseHost()
		return nil, fmt.Errorf("portaudio: default output device: %w", err)
	}

	params := streamParams(nil, dev, cfg)
	params.Output.Channels = channels(cfg, 2)

	s, err := pa.OpenStream(params, func(out []float32) {
		cb(out)
	})
	if err != nil {
		releaseHost()
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	return newStream(s), nil
}

// streamParams builds stream parameters for the requested latency class and
// applies the caller's rate and buffer preferences.
func streamParams(in, out *pa.DeviceInfo, cfg audio.StreamConfig) pa.StreamParameters {
	var params pa.StreamParameters
	if cfg.Exclusive {
		params = pa.LowLatencyParameters(in, out)
	} else {
		params = pa.HighLatencyParameters(in, out)
	}
	if cfg.SampleRate > 0 {
		params.SampleRate = float64(cfg.SampleRate)
	}
	if cfg.FramesPerBuffer > 0 {
		params.FramesPerBuffer = cfg.FramesPerBuffer
	}
	return params
}

func channels(cfg audio.StreamConfig, fallback int) int {
	if cfg.Channels > 0 {
		return cfg.Channels
	}
	return fallback
}

// stream wraps *pa.Stream with an idempotent Close that releases the host
// refcount exactly once.
type stream struct {
	pa        *pa.Stream
	rate      int
	closeOnce sync.Once
	closeErr  error
}

func newStream(s *pa.Stream) *stream {
	rate := 0
	if info := s.Info(); info != nil {
		rate = int(info.SampleRate)
	}
	return &stream{pa: s, rate: rate}
}

// Start implements [audio.Stream].
func (s *stream) Start() error {
	if err := s.pa.Start(); err != nil {
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	return nil
}

// Stop implements [audio.Stream].
func (s *stream) Stop() error {
	if err := s.pa.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop stream: %w", err)
	}
	return nil
}

// Close implements [audio.Stream].
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.pa.Close(); err != nil {
			s.closeErr = fmt.Errorf("portaudio: close stream: %w", err)
		}
		releaseHost()
	})
	return s.closeErr
}

// SampleRate implements [audio.Stream], reporting the rate the device
// actually opened at.
func (s *stream) SampleRate() int { return s.rate }

// Compile-time interface checks.
var (
	_ audio.Backend     = (*Backend)(nil)
	_ audio.InputStream = (*stream)(nil)
)
