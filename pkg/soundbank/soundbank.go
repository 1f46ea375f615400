// Package soundbank defines the interfaces the synthesis engine plays
// through.
//
// A [Bank] is an opaque instrument collection: the engine asks it for voices
// by (program, note, velocity) and mixes whatever audio those voices
// produce. How a bank stores or generates sound (wavetables, samples,
// physical models) is entirely its own business, which keeps the engine
// free of any particular bank format.
//
// Banks come from a [Loader], either off disk or from an in-memory blob.
// Loaders must leave no trace on failure: a load that errors returns the
// engine to exactly the state it was in, so a bad file never costs callers
// the bank they already had.
package soundbank

import (
	"errors"

	"github.com/MrWong99/tonewire/pkg/pitch"
)

// ErrBadBank indicates a bank that could not be loaded, whether unreadable
// or malformed. Loader implementations wrap every load failure in it so
// callers can match the whole class with one sentinel.
var ErrBadBank = errors.New("soundbank: bank not loadable")

// ErrUnknownProgram is returned by [Bank.NewVoice] for program indices the
// bank does not provide.
var ErrUnknownProgram = errors.New("soundbank: unknown program")

// Program describes one selectable instrument in a bank.
type Program struct {
	// Index is the program's selector, unique within its bank. Indices
	// need not be contiguous.
	Index int

	// Name is the human-readable instrument name.
	Name string

	// Percussive marks programs meant for the percussion channel; they
	// ignore note pitch shaping a bank may apply to melodic programs.
	Percussive bool
}

// Voice is one sounding note. Voices are driven from the render path and
// must not block or allocate in Render.
type Voice interface {
	// Render mixes the voice's next frames additively into dst, which is
	// interleaved at the output format last set on the bank. It returns the
	// number of frames produced; 0 means the voice has fully decayed and
	// can be dropped.
	Render(dst []float32) int

	// Release begins the voice's release phase (note off). The voice keeps
	// sounding until its envelope finishes.
	Release()

	// Kill silences the voice immediately, skipping the release phase.
	Kill()
}

// Bank is an opaque instrument collection.
//
// NewVoice and SetOutput are called with the engine's control lock held, so
// implementations need no locking against each other; Render runs on the
// audio goroutine concurrently with neither.
type Bank interface {
	// Name identifies the bank for logs.
	Name() string

	// Programs lists the selectable instruments.
	Programs() []Program

	// NewVoice starts a voice playing note at velocity (0.0–1.0) using the
	// given program. Returns [ErrUnknownProgram] for bad indices.
	NewVoice(program int, note pitch.Note, velocity float64) (Voice, error)

	// SetOutput fixes the sample rate and interleaved channel count that
	// subsequent voices render at.
	SetOutput(sampleRate, channels int)

	// Close releases bank resources. Voices created from the bank are
	// invalid afterwards. Calling Close more than once is safe.
	Close() error
}

// Loader turns external data into a [Bank].
type Loader interface {
	// Load reads a bank from the filesystem.
	Load(path string) (Bank, error)

	// LoadFromMemory parses a bank from an in-memory blob.
	LoadFromMemory(data []byte) (Bank, error)
}
