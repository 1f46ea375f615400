// Package midifile routes MIDI messages into a synthesis engine and plays
// back Standard MIDI Files against it.
package midifile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/MrWong99/tonewire/pkg/pitch"
	"github.com/MrWong99/tonewire/pkg/synth"
)

// Control change numbers the router understands.
const (
	ccVolume      = 7
	ccAllNotesOff = 123
)

// Sink is the subset of [synth.Engine] the router drives.
type Sink interface {
	NoteOn(channel int, note pitch.Note, velocity float64) error
	NoteOff(channel int, note pitch.Note) error
	ProgramChange(channel, program int) error
	SetChannelVolume(channel int, v float64)
	AllNotesOff(channel int)
	AllNotesOffAll()
}

var _ Sink = (*synth.Engine)(nil)

// Router translates wire-format MIDI messages into sink operations.
// Velocities and volumes scale from 0..127 into [0, 1].
type Router struct {
	sink Sink
}

// NewRouter returns a router driving sink.
func NewRouter(sink Sink) *Router {
	return &Router{sink: sink}
}

// Handle dispatches one message. Unhandled message kinds are ignored.
// A note-on with velocity zero counts as a note-off, per MIDI convention.
func (r *Router) Handle(msg midi.Message) {
	var ch, key, vel uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		if err := r.sink.NoteOn(int(ch), pitch.Note(key), float64(vel)/127); err != nil {
			slog.Warn("note on rejected", "channel", ch, "key", key, "error", err)
		}
	case msg.GetNoteEnd(&ch, &key):
		if err := r.sink.NoteOff(int(ch), pitch.Note(key)); err != nil {
			slog.Warn("note off rejected", "channel", ch, "key", key, "error", err)
		}
	case msg.GetProgramChange(&ch, &key):
		if err := r.sink.ProgramChange(int(ch), int(key)); err != nil {
			slog.Warn("program change rejected", "channel", ch, "program", key, "error", err)
		}
	case msg.GetControlChange(&ch, &key, &vel):
		switch key {
		case ccVolume:
			r.sink.SetChannelVolume(int(ch), float64(vel)/127)
		case ccAllNotesOff:
			r.sink.AllNotesOff(int(ch))
		}
	}
}

// timedMessage is one playable event with its absolute offset from song
// start.
type timedMessage struct {
	at  time.Duration
	msg midi.Message
}

// Play reads the Standard MIDI File at path and performs it against sink in
// real time, honoring the file's tempo map. It blocks until the song ends
// or ctx is done; on cancellation all notes are silenced before returning
// the context error.
func Play(ctx context.Context, path string, sink Sink) error {
	events, err := readSong(path)
	if err != nil {
		return err
	}
	slog.Info("playing midi file", "path", path, "events", len(events))

	router := NewRouter(sink)
	start := time.Now()
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			sink.AllNotesOffAll()
			return err
		}
		if wait := time.Until(start.Add(ev.at)); wait > 0 {
			select {
			case <-ctx.Done():
				sink.AllNotesOffAll()
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		router.Handle(ev.msg)
	}
	return nil
}

// readSong loads path and flattens all tracks into one chronological event
// list.
func readSong(path string) ([]timedMessage, error) {
	var events []timedMessage
	err := smf.ReadTracks(path).
		Do(func(ev smf.TrackEvent) {
			if !ev.Message.IsPlayable() {
				return
			}
			events = append(events, timedMessage{
				at:  time.Duration(ev.AbsMicroSeconds) * time.Microsecond,
				msg: midi.Message(ev.Message),
			})
		}).
		Error()
	if err != nil {
		return nil, fmt.Errorf("midifile: read %q: %w", path, err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].at < events[j].at })
	return events, nil
}
