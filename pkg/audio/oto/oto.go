// Package oto adapts the Oto playback library to the [audio.Backend]
// interface.
//
// This is the render-only backend: it reports CanRender but not CanCapture,
// so a capture engine handed this backend fails fast with a capability error
// instead of a dead stream. Use it on hosts without a working PortAudio
// install, or in render-only deployments.
//
// Oto allows a single context per process, fixed to one sample rate and
// channel count. The first OpenOutput creates that context; later opens must
// ask for the same format or they fail.
package oto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	oto3 "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/tonewire/pkg/audio"
)

// ErrFormatFixed is returned when an open requests a different format than
// the one the process-wide Oto context was created with.
var ErrFormatFixed = errors.New("oto: context format already fixed")

// defaultRate is used when the open request does not name a sample rate.
const defaultRate = 44100

// Process-wide context. Oto supports exactly one.
var (
	ctxMu       sync.Mutex
	ctx         *oto3.Context
	ctxRate     int
	ctxChannels int
)

func sharedContext(rate, channels int, buffer time.Duration) (*oto3.Context, error) {
	ctxMu.Lock()
	defer ctxMu.Unlock()
	if ctx != nil {
		if rate != ctxRate || channels != ctxChannels {
			return nil, fmt.Errorf("%w: have %dHz/%dch, requested %dHz/%dch",
				ErrFormatFixed, ctxRate, ctxChannels, rate, channels)
		}
		return ctx, nil
	}

	c, ready, err := oto3.NewContext(&oto3.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: channels,
		Format:       oto3.FormatFloat32LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("oto: new context: %w", err)
	}
	<-ready

	ctx = c
	ctxRate = rate
	ctxChannels = channels
	return c, nil
}

// Backend opens playback streams through Oto.
type Backend struct{}

// New returns the Oto backend.
func New() *Backend { return &Backend{} }

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "oto" }

// CanCapture implements [audio.Backend]. Oto cannot record.
func (b *Backend) CanCapture() bool { return false }

// CanRender implements [audio.Backend].
func (b *Backend) CanRender() bool { return true }

// OpenInput implements [audio.Backend] and always fails.
func (b *Backend) OpenInput(audio.StreamConfig, audio.InputCallback) (audio.InputStream, error) {
	return nil, errors.New("oto: capture not supported")
}

// OpenOutput implements [audio.Backend]. cfg.Exclusive is a hint Oto cannot
// honour and is ignored.
func (b *Backend) OpenOutput(cfg audio.StreamConfig, cb audio.OutputCallback) (audio.OutputStream, error) {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = defaultRate
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 2
	}
	var buffer time.Duration
	if cfg.FramesPerBuffer > 0 {
		buffer = time.Duration(cfg.FramesPerBuffer) * time.Second / time.Duration(rate)
	}

	c, err := sharedContext(rate, channels, buffer)
	if err != nil {
		return nil, err
	}

	s := &stream{cb: cb, rate: rate}
	s.player = c.NewPlayer(s)
	return s, nil
}

// stream pulls rendered audio through the output callback. Oto drives it as
// an [io.Reader]: every Read fills the byte buffer with float32 LE samples.
type stream struct {
	player *oto3.Player
	cb     audio.OutputCallback
	rate   int

	mu        sync.Mutex
	started   bool
	sampleBuf []float32

	closeOnce sync.Once
	closeErr  error
}

// Read implements [io.Reader] for the Oto player. While the stream is
// stopped it feeds silence so the device clock keeps running without
// consulting the callback.
func (s *stream) Read(p []byte) (int, error) {
	n := len(p) / 4 * 4
	samples := n / 4

	s.mu.Lock()
	if cap(s.sampleBuf) < samples {
		s.sampleBuf = make([]float32, samples)
	}
	buf := s.sampleBuf[:samples]
	started := s.started
	s.mu.Unlock()

	if started && s.cb != nil {
		s.cb(buf)
	} else {
		audio.Silence(buf)
	}
	audio.Float32LE(p, buf)
	return n, nil
}

// Start implements [audio.Stream].
func (s *stream) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.player.Play()
	return nil
}

// Stop implements [audio.Stream]. The player keeps draining silence; only
// callback delivery halts.
func (s *stream) Stop() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

// Close implements [audio.Stream].
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		if err := s.player.Close(); err != nil {
			s.closeErr = fmt.Errorf("oto: close player: %w", err)
		}
	})
	return s.closeErr
}

// SampleRate implements [audio.Stream]. Oto runs at exactly the rate its
// context was created with.
func (s *stream) SampleRate() int { return s.rate }

// Compile-time interface checks.
var (
	_ audio.Backend      = (*Backend)(nil)
	_ audio.OutputStream = (*stream)(nil)
)
