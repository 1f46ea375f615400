package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/tonewire/pkg/audio"
)

func TestFloat32LERoundTrip(t *testing.T) {
	t.Parallel()
	src := []float32{0, 1, -1, 0.5, -0.25, 1e-6}
	buf := make([]byte, len(src)*4)
	if n := audio.Float32LE(buf, src); n != len(buf) {
		t.Fatalf("Float32LE wrote %d bytes, want %d", n, len(buf))
	}
	got := make([]float32, len(src))
	if n := audio.Float32FromLE(got, buf); n != len(src) {
		t.Fatalf("Float32FromLE wrote %d samples, want %d", n, len(src))
	}
	for i := range src {
		if got[i] != src[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], src[i])
		}
	}
}

func TestFloat32FromLE_IgnoresTrailingBytes(t *testing.T) {
	t.Parallel()
	src := []float32{0.75, -0.125}
	buf := make([]byte, len(src)*4+3)
	audio.Float32LE(buf, src)
	got := make([]float32, 4)
	n := audio.Float32FromLE(got, buf)
	if n != 2 {
		t.Fatalf("got %d samples, want 2", n)
	}
	if got[0] != 0.75 || got[1] != -0.125 {
		t.Errorf("decoded %v, want [0.75 -0.125]", got[:2])
	}
}

func TestSilence(t *testing.T) {
	t.Parallel()
	buf := []float32{1, -1, 0.5, 0.25}
	audio.Silence(buf)
	for i, s := range buf {
		if s != 0 {
			t.Errorf("sample %d: got %v, want 0", i, s)
		}
	}
}

func TestApplyGain(t *testing.T) {
	t.Parallel()
	buf := []float32{1, -1, 0.5}
	audio.ApplyGain(buf, 0.5)
	want := []float32{0.5, -0.5, 0.25}
	for i := range want {
		if math.Abs(float64(buf[i]-want[i])) > 1e-7 {
			t.Errorf("sample %d: got %v, want %v", i, buf[i], want[i])
		}
	}
}

func TestClamp(t *testing.T) {
	t.Parallel()
	buf := []float32{1.5, -2, 0.5, 1, -1}
	audio.Clamp(buf)
	want := []float32{1, -1, 0.5, 1, -1}
	for i := range want {
		if buf[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, buf[i], want[i])
		}
	}
}
