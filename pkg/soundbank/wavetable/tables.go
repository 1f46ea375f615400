package wavetable

import (
	"math"
	"math/rand"
)

// tableSize is the length of one generated wave cycle.
const tableSize = 2048

// waveShape names a generated waveform.
type waveShape string

const (
	waveSine     waveShape = "sine"
	waveTriangle waveShape = "triangle"
	waveSquare   waveShape = "square"
	waveSaw      waveShape = "saw"
	waveNoise    waveShape = "noise"
)

// noiseSeed keeps generated noise tables identical across runs.
const noiseSeed = 0x7e57ab1e

// generateTable builds one cycle of shape. The tables are naive (not
// band-limited), so very high notes alias audibly; acceptable for a
// fallback bank.
func generateTable(shape waveShape) []float32 {
	t := make([]float32, tableSize)
	switch shape {
	case waveSine:
		for i := range t {
			t[i] = float32(math.Sin(2 * math.Pi * float64(i) / tableSize))
		}
	case waveTriangle:
		for i := range t {
			x := float64(i) / tableSize
			t[i] = float32(1 - 4*math.Abs(x-0.5))
		}
	case waveSquare:
		for i := range t {
			if i < tableSize/2 {
				t[i] = 1
			} else {
				t[i] = -1
			}
		}
	case waveSaw:
		for i := range t {
			t[i] = float32(2*float64(i)/tableSize - 1)
		}
	case waveNoise:
		rng := rand.New(rand.NewSource(noiseSeed))
		for i := range t {
			t[i] = float32(rng.Float64()*2 - 1)
		}
	}
	return t
}

func validShape(s waveShape) bool {
	switch s {
	case waveSine, waveTriangle, waveSquare, waveSaw, waveNoise:
		return true
	}
	return false
}

// DefaultManifest is a built-in generated bank used when no bank path is
// configured. Program 128 is a percussive noise hit for the drum channel.
var DefaultManifest = []byte(`name: tonewire default
programs:
  - index: 0
    name: warm sine
    wave: sine
    envelope: {attack_ms: 8, decay_ms: 120, sustain: 0.75, release_ms: 160}
  - index: 1
    name: soft triangle
    wave: triangle
    envelope: {attack_ms: 12, decay_ms: 150, sustain: 0.7, release_ms: 200}
  - index: 2
    name: bright saw
    wave: saw
    gain: 0.6
    envelope: {attack_ms: 4, decay_ms: 90, sustain: 0.65, release_ms: 140}
  - index: 3
    name: hollow square
    wave: square
    gain: 0.5
    envelope: {attack_ms: 6, decay_ms: 100, sustain: 0.6, release_ms: 150}
  - index: 128
    name: noise hit
    wave: noise
    percussive: true
    envelope: {attack_ms: 1, decay_ms: 180, sustain: 0, release_ms: 60}
`)
