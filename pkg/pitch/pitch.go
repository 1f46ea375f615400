// Package pitch defines the shared pitch vocabulary used across all tonewire
// packages: MIDI note numbers, frequency↔note conversions, cent deviations,
// and the [Event] type emitted by the capture engine.
//
// All conversions use twelve-tone equal temperament anchored at A4 = 440 Hz
// (MIDI note 69). They are total functions: invalid input maps to [NoteNone]
// or zero rather than panicking, so callers on the audio path never need to
// guard their arguments.
package pitch

import (
	"math"
	"strconv"
)

// Note is a MIDI note number in the range [0, 127], or [NoteNone] when no
// note applies (unpitched or out-of-range input).
type Note int16

// NoteNone is the sentinel for "no detectable note".
const NoteNone Note = -1

// Tuning constants for twelve-tone equal temperament.
const (
	// refFrequency is the frequency of the reference note A4 in Hz.
	refFrequency = 440.0

	// refNote is the MIDI number of A4.
	refNote = 69

	// semitonesPerOctave is the equal-temperament octave division.
	semitonesPerOctave = 12

	// centsPerSemitone subdivides each semitone for deviation reporting.
	centsPerSemitone = 100
)

// noteNames are the pitch classes in chromatic order starting at C.
var noteNames = [semitonesPerOctave]string{
	"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B",
}

// NoteFromFrequency converts a frequency in Hz to the nearest MIDI note.
//
// Frequencies whose nearest note falls outside [0, 127] yield [NoteNone], as
// do non-positive or NaN inputs. Callers feeding detector output should
// additionally reject frequencies at or below the audible floor (20 Hz)
// before conversion; this function does not apply that policy itself.
func NoteFromFrequency(freq float64) Note {
	if !(freq > 0) { // catches NaN as well
		return NoteNone
	}
	n := math.Round(refNote + semitonesPerOctave*math.Log2(freq/refFrequency))
	if n < 0 || n > 127 {
		return NoteNone
	}
	return Note(n)
}

// Valid reports whether n is a playable MIDI note in [0, 127].
func (n Note) Valid() bool {
	return n >= 0 && n <= 127
}

// Frequency returns the equal-temperament frequency of n in Hz.
// [NoteNone] and out-of-range values return 0.
func (n Note) Frequency() float64 {
	if !n.Valid() {
		return 0
	}
	return refFrequency * math.Pow(2, float64(int(n)-refNote)/semitonesPerOctave)
}

// String renders the note in scientific pitch notation ("A4", "C#-1").
// [NoteNone] renders as "none".
func (n Note) String() string {
	if !n.Valid() {
		return "none"
	}
	name := noteNames[int(n)%semitonesPerOctave]
	octave := int(n)/semitonesPerOctave - 1
	return name + strconv.Itoa(octave)
}

// CentsOff returns the signed deviation of freq from the ideal frequency of
// note, in cents. Positive means sharp, negative means flat. A zero result is
// returned when note is [NoteNone] or freq is not a positive number.
func CentsOff(freq float64, note Note) int {
	if !note.Valid() || !(freq > 0) {
		return 0
	}
	expected := note.Frequency()
	return int(math.Round(centsPerSemitone * semitonesPerOctave * math.Log2(freq/expected)))
}
