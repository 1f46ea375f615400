package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tonewire/internal/observe"
	"github.com/MrWong99/tonewire/pkg/pitch"
	"github.com/MrWong99/tonewire/pkg/synth"
)

const (
	// followChannel is the MIDI channel the follower plays on.
	followChannel = 0

	// followVelocity is the fixed velocity for follower notes. Estimator
	// confidence measures detection quality, not loudness, so it does not
	// modulate velocity.
	followVelocity = 0.8

	// silenceTimeout releases the sounding note when no pitch event arrives
	// for this long. At the default hop cadence (~23 ms at 44.1 kHz) this
	// tolerates well over a dozen gated windows before reading them as a rest.
	silenceTimeout = 400 * time.Millisecond
)

// follower turns the capture engine's pitch event stream into monophonic
// note commands on the synthesizer.
//
// A single detection of a new note may be an estimator glitch, so the
// follower switches only after a second consecutive event confirms it.
// Handle runs on the capture goroutine and never blocks: synth note calls
// take the control lock, which the render path only ever try-locks.
type follower struct {
	synth    *synth.Engine
	metrics  *observe.Metrics
	channel  int
	velocity float64
	timeout  time.Duration

	mu        sync.Mutex
	current   pitch.Note // sounding note, NoteNone when silent
	candidate pitch.Note // new note awaiting its confirming second event
	timer     *time.Timer
	stopped   bool
}

func newFollower(s *synth.Engine, m *observe.Metrics) *follower {
	return &follower{
		synth:     s,
		metrics:   m,
		channel:   followChannel,
		velocity:  followVelocity,
		timeout:   silenceTimeout,
		current:   pitch.NoteNone,
		candidate: pitch.NoteNone,
	}
}

// Handle consumes one pitch event. Events always carry a valid note; silence
// shows up as the absence of events and is handled by the timer.
func (f *follower) Handle(ev pitch.Event) {
	start := time.Now()
	ctx := context.Background()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.resetTimerLocked()

	switch ev.Note {
	case f.current:
		// Same note still sounding; discard any half-confirmed switch.
		f.candidate = pitch.NoteNone
		f.metrics.RecordPitchEvent(ctx, "held")
	case f.candidate:
		// Second consecutive detection confirms the switch.
		f.switchToLocked(ev.Note)
		f.metrics.RecordPitchEvent(ctx, "played")
	default:
		f.candidate = ev.Note
		f.metrics.RecordPitchEvent(ctx, "candidate")
	}

	f.metrics.FollowDuration.Record(ctx, time.Since(start).Seconds())
}

// switchToLocked releases the sounding note and starts the new one.
func (f *follower) switchToLocked(note pitch.Note) {
	if f.current.Valid() {
		if err := f.synth.NoteOff(f.channel, f.current); err != nil {
			slog.Warn("follower note-off failed", "note", f.current, "err", err)
		}
	}
	if err := f.synth.NoteOn(f.channel, note, f.velocity); err != nil {
		slog.Warn("follower note-on failed", "note", note, "err", err)
		f.current = pitch.NoteNone
		f.candidate = pitch.NoteNone
		return
	}
	f.current = note
	f.candidate = pitch.NoteNone
	f.metrics.NotesPlayed.Add(context.Background(), 1)
}

// resetTimerLocked arms (or re-arms) the silence timer.
func (f *follower) resetTimerLocked() {
	if f.timer == nil {
		f.timer = time.AfterFunc(f.timeout, f.silence)
		return
	}
	f.timer.Stop()
	f.timer.Reset(f.timeout)
}

// silence runs on the timer goroutine after timeout without events.
func (f *follower) silence() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.candidate = pitch.NoteNone
	if !f.current.Valid() {
		return
	}
	if err := f.synth.NoteOff(f.channel, f.current); err != nil {
		slog.Warn("follower release failed", "note", f.current, "err", err)
	}
	f.current = pitch.NoteNone
}

// Stop releases any sounding note and drops all further events. Safe to call
// repeatedly.
func (f *follower) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil
	}
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
	}
	if f.current.Valid() {
		_ = f.synth.NoteOff(f.channel, f.current)
		f.current = pitch.NoteNone
	}
	return nil
}
