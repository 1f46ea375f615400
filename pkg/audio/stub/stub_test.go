package stub_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/tonewire/pkg/audio"
	"github.com/MrWong99/tonewire/pkg/audio/stub"
)

func TestPushDeliversWhileStarted(t *testing.T) {
	t.Parallel()
	b := stub.New()
	var got [][]float32
	st, err := b.OpenInput(audio.StreamConfig{SampleRate: 44100, Channels: 1}, func(chunk []float32) {
		cp := make([]float32, len(chunk))
		copy(cp, chunk)
		got = append(got, cp)
	})
	if err != nil {
		t.Fatalf("OpenInput failed: %v", err)
	}

	in := b.Inputs()[0]
	in.Push([]float32{1, 2}) // before Start: dropped
	if err := st.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	in.Push([]float32{3, 4})
	if err := st.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	in.Push([]float32{5, 6}) // after Stop: dropped

	if len(got) != 1 {
		t.Fatalf("delivered %d chunks, want 1", len(got))
	}
	if got[0][0] != 3 || got[0][1] != 4 {
		t.Errorf("delivered chunk = %v, want [3 4]", got[0])
	}
}

func TestPullInvokesCallback(t *testing.T) {
	t.Parallel()
	b := stub.New()
	st, err := b.OpenOutput(audio.StreamConfig{Channels: 2}, func(dst []float32) {
		for i := range dst {
			dst[i] = 0.5
		}
	})
	if err != nil {
		t.Fatalf("OpenOutput failed: %v", err)
	}
	out := b.Outputs()[0]

	// Stopped: silence, callback not consulted.
	buf := out.Pull(4)
	if len(buf) != 8 {
		t.Fatalf("pulled %d samples, want 8 (4 frames stereo)", len(buf))
	}
	for i, s := range buf {
		if s != 0 {
			t.Fatalf("sample %d = %v before Start, want silence", i, s)
		}
	}

	if err := st.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	buf = out.Pull(4)
	for i, s := range buf {
		if s != 0.5 {
			t.Errorf("sample %d = %v, want 0.5", i, s)
		}
	}
}

func TestDeviceRateOverridesRequest(t *testing.T) {
	t.Parallel()
	b := stub.New(stub.WithDeviceRate(48000))
	st, err := b.OpenInput(audio.StreamConfig{SampleRate: 44100, Channels: 1}, nil)
	if err != nil {
		t.Fatalf("OpenInput failed: %v", err)
	}
	if got := st.SampleRate(); got != 48000 {
		t.Errorf("SampleRate() = %d, want device rate 48000", got)
	}
}

func TestScriptedOpenFailures(t *testing.T) {
	t.Parallel()
	b := stub.New(stub.WithOutputFailures(2))
	for i := 0; i < 2; i++ {
		if _, err := b.OpenOutput(audio.StreamConfig{}, nil); !errors.Is(err, stub.ErrScriptedFailure) {
			t.Fatalf("open %d: error = %v, want ErrScriptedFailure", i+1, err)
		}
	}
	if _, err := b.OpenOutput(audio.StreamConfig{}, nil); err != nil {
		t.Fatalf("open after budget exhausted failed: %v", err)
	}
}

func TestRejectExclusive(t *testing.T) {
	t.Parallel()
	b := stub.New(stub.WithRejectExclusive())
	if _, err := b.OpenInput(audio.StreamConfig{Exclusive: true}, nil); !errors.Is(err, stub.ErrExclusiveRejected) {
		t.Fatalf("exclusive open error = %v, want ErrExclusiveRejected", err)
	}
	if _, err := b.OpenInput(audio.StreamConfig{}, nil); err != nil {
		t.Fatalf("shared open failed: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	b := stub.New()
	st, err := b.OpenInput(audio.StreamConfig{}, nil)
	if err != nil {
		t.Fatalf("OpenInput failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := st.Start(); err == nil {
		t.Error("Start after Close should fail")
	}
}

func TestAcquireInputAgainstStub(t *testing.T) {
	t.Parallel()
	// Exclusive rejection must route AcquireInput down the shared path.
	b := stub.New(stub.WithRejectExclusive(), stub.WithDeviceRate(48000))
	st, err := audio.AcquireInput(b, audio.StreamConfig{SampleRate: 44100, Channels: 1}, nil)
	if err != nil {
		t.Fatalf("AcquireInput failed: %v", err)
	}
	if got := st.SampleRate(); got != 48000 {
		t.Errorf("SampleRate() = %d, want 48000", got)
	}
}
