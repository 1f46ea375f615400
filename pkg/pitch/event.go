package pitch

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single pitch detection result emitted by the capture engine.
// Events only carry playable notes; windows that gate out, fail the
// confidence check, or map outside the MIDI range never produce one.
type Event struct {
	// Frequency is the detected fundamental in Hz.
	Frequency float64 `json:"frequency"`

	// Confidence is the estimator's score for this detection (0.0–1.0).
	Confidence float64 `json:"confidence"`

	// Note is the nearest MIDI note to Frequency.
	Note Note `json:"note"`

	// CentDeviation is how far Frequency sits from Note's ideal frequency,
	// in cents. Positive is sharp, negative is flat.
	CentDeviation int `json:"centDeviation"`

	// Timestamp is monotonic time since the capture session started.
	// Comparable across events of one session, not across sessions.
	Timestamp time.Duration `json:"timestampNs"`

	// Session identifies the capture session that produced this event.
	// A new ID is assigned on every successful engine start.
	Session uuid.UUID `json:"session"`
}

// Handler receives pitch events from a capture engine. Handlers run on the
// audio callback goroutine and must return quickly; anything slow belongs
// behind a buffered hand-off.
type Handler func(Event)
