package oto_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/tonewire/pkg/audio"
	"github.com/MrWong99/tonewire/pkg/audio/oto"
)

// Opening a real Oto context needs a sound device (and is one-shot per
// process), so playback paths are exercised via the stub backend's engine
// tests. Here we pin the capability surface that backend selection relies on.

func TestCapabilities(t *testing.T) {
	t.Parallel()
	b := oto.New()
	if got := b.Name(); got != "oto" {
		t.Errorf("Name() = %q, want %q", got, "oto")
	}
	if b.CanCapture() {
		t.Error("CanCapture() = true, want false")
	}
	if !b.CanRender() {
		t.Error("CanRender() = false, want true")
	}
}

func TestOpenInputAlwaysFails(t *testing.T) {
	t.Parallel()
	b := oto.New()
	if _, err := b.OpenInput(audio.StreamConfig{Channels: 1}, nil); err == nil {
		t.Fatal("OpenInput succeeded on a render-only backend")
	}
}

func TestAcquireInputRejectsRenderOnlyBackend(t *testing.T) {
	t.Parallel()
	_, err := audio.AcquireInput(oto.New(), audio.StreamConfig{Channels: 1}, nil)
	if !errors.Is(err, audio.ErrNoCapture) {
		t.Fatalf("AcquireInput error = %v, want ErrNoCapture", err)
	}
}
