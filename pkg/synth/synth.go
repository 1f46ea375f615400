// Package synth implements the polyphonic synthesis engine: a voice table
// played through an opaque [soundbank.Bank], rendered into a hardware output
// stream under a strict never-block discipline.
//
// Control operations (notes, program changes, bank loads) serialize on one
// engine lock. [Engine.Render], the audio callback, only ever try-locks
// it: when a control operation holds the lock at callback time, the engine
// substitutes exactly one buffer of silence instead of waiting. An audio
// dropout is a click; a blocked audio callback is a stutter of unbounded
// length. One consequence worth knowing: [Engine.BatchNoteOn] starts a whole
// chord under a single lock hold, so a concurrent render emits either none
// of its notes or all of them.
//
// Engines are constructible objects; create one per output device.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/tonewire/pkg/audio"
	"github.com/MrWong99/tonewire/pkg/pitch"
	"github.com/MrWong99/tonewire/pkg/soundbank"
)

const (
	// DefaultPolyphony is the voice-table size: the number of
	// simultaneously sounding voices before the oldest is stolen.
	DefaultPolyphony = 64

	// DefaultGain is the master gain an engine starts with. A successful
	// bank load resets the master to 1.0, matching the loudness the bank
	// was authored at.
	DefaultGain = 0.8

	// NumChannels is the fixed MIDI-style channel count.
	NumChannels = 16

	// PercussionChannel is pinned to a bank's percussive program on load.
	PercussionChannel = 9
)

// ErrNoBank is returned by note operations before any bank has loaded.
var ErrNoBank = errors.New("synth: no sound bank loaded")

// ErrNoLoader is returned by bank loads on an engine built without a loader.
var ErrNoLoader = errors.New("synth: no bank loader configured")

// ErrClosed is returned once [Engine.Close] has run.
var ErrClosed = errors.New("synth: engine closed")

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithPolyphony sets the voice-table size. Values < 1 are ignored.
func WithPolyphony(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.polyphony = n
		}
	}
}

// WithChannels sets the interleaved output channel count. Values < 1 are
// ignored; the default is stereo.
func WithChannels(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.channels = n
		}
	}
}

// WithGain sets the initial master gain (clamped to [0, 1]).
func WithGain(g float64) Option {
	return func(e *Engine) {
		e.gain = clamp01(g)
	}
}

// WithLoader sets the loader used by [Engine.LoadBank] and
// [Engine.LoadBankFromMemory].
func WithLoader(l soundbank.Loader) Option {
	return func(e *Engine) {
		e.loader = l
	}
}

// WithStreamConfig sets the output stream request. The device may still
// open at a different rate; the engine reconfigures the bank accordingly.
func WithStreamConfig(cfg audio.StreamConfig) Option {
	return func(e *Engine) {
		e.streamCfg = cfg
	}
}

// WithMeterProvider sets the OpenTelemetry provider the engine builds its
// instruments from. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

// channelState is the per-MIDI-channel control state.
type channelState struct {
	program int
	volume  float64
}

// voiceSlot tracks one sounding voice in the table.
type voiceSlot struct {
	voice   soundbank.Voice
	channel int
	note    pitch.Note
	seq     uint64
	down    bool
}

// Engine is a polyphonic synthesis engine. Zero value is not usable; call
// [New].
type Engine struct {
	backend       audio.Backend
	loader        soundbank.Loader
	polyphony     int
	channels      int
	streamCfg     audio.StreamConfig
	meterProvider metric.MeterProvider

	// mu is the control lock. Render try-locks it and never waits.
	mu         sync.Mutex
	bank       soundbank.Bank
	chans      [NumChannels]channelState
	voices     []voiceSlot
	seq        uint64
	gain       float64
	sampleRate int
	stream     audio.OutputStream
	running    bool
	closed     bool
	scratch    []float32

	metrics engineMetrics
}

// New creates a synthesis engine rendering through backend. The engine
// starts with no bank; note operations fail with [ErrNoBank] until
// [Engine.LoadBank] succeeds.
func New(backend audio.Backend, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("synth: backend must not be nil")
	}
	e := &Engine{
		backend:   backend,
		polyphony: DefaultPolyphony,
		channels:  2,
		gain:      DefaultGain,
		streamCfg: audio.StreamConfig{Channels: 2},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.streamCfg.Channels = e.channels
	e.sampleRate = e.streamCfg.SampleRate
	if e.sampleRate <= 0 {
		e.sampleRate = 44100
	}
	for i := range e.chans {
		e.chans[i] = channelState{program: 0, volume: 1.0}
	}
	e.voices = make([]voiceSlot, 0, e.polyphony)
	e.scratch = make([]float32, 4096*e.channels)
	if e.meterProvider == nil {
		e.meterProvider = otel.GetMeterProvider()
	}
	if err := e.metrics.init(e.meterProvider); err != nil {
		return nil, fmt.Errorf("synth: create instruments: %w", err)
	}
	return e, nil
}

// ─── Lifecycle ───

// Start acquires the output stream and begins rendering. Devices are often
// briefly held by another process, so the open retries a few times; ctx
// bounds that wait. The device's actual sample rate is read back and pushed
// into the loaded bank before the first callback.
//
// Start on a running engine is a no-op returning nil. On failure nothing is
// left half-open.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.running {
		e.mu.Unlock()
		slog.Debug("synth engine already running")
		return nil
	}
	cfg := e.streamCfg
	e.mu.Unlock()

	// Acquisition happens outside the lock: it can wait seconds across
	// retries, and a held lock would starve Render into silence.
	stream, err := audio.AcquireOutput(ctx, e.backend, cfg, e.Render)
	if err != nil {
		return fmt.Errorf("synth: acquire output: %w", err)
	}

	e.mu.Lock()
	if e.closed || e.running {
		e.mu.Unlock()
		_ = stream.Close()
		if e.closed {
			return ErrClosed
		}
		return nil
	}
	rate := stream.SampleRate()
	if rate <= 0 {
		rate = e.sampleRate
	}
	e.sampleRate = rate
	if e.bank != nil {
		e.bank.SetOutput(rate, e.channels)
	}
	e.stream = stream
	e.running = true
	e.mu.Unlock()

	if err := stream.Start(); err != nil {
		e.mu.Lock()
		e.stream = nil
		e.running = false
		e.mu.Unlock()
		_ = stream.Close()
		return fmt.Errorf("synth: start stream: %w", err)
	}

	slog.Info("synth started",
		"backend", e.backend.Name(),
		"sampleRate", rate,
		"channels", e.channels,
		"polyphony", e.polyphony,
	)
	return nil
}

// Stop halts rendering, releases the stream, and drops every voice. The
// loaded bank stays loaded. Stop on an idle engine is a no-op returning nil;
// calling it repeatedly is safe.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if !e.running {
		return nil
	}
	var errs []error
	if err := e.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := e.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	e.stream = nil
	e.running = false
	e.killAllLocked()
	slog.Info("synth stopped")
	return errors.Join(errs...)
}

// Close stops the engine and closes the bank. Safe to call repeatedly.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	err := e.stopLocked()
	if e.bank != nil {
		err = errors.Join(err, e.bank.Close())
		e.bank = nil
	}
	e.closed = true
	return err
}

// Running reports whether the engine currently owns a started stream.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SampleRate reports the rate voices render at.
func (e *Engine) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampleRate
}

// ─── Bank management ───

// LoadBank loads a sound bank from path and swaps it in. The load happens
// before anything is torn down: on failure the engine keeps the previous
// bank fully playable and returns the load error. On success all current
// voices stop, the new bank takes the engine's output format, channel
// programs reset (percussion channel included), and master gain resets to
// 1.0.
func (e *Engine) LoadBank(path string) error {
	if e.loader == nil {
		return ErrNoLoader
	}
	bank, err := e.loader.Load(path)
	if err != nil {
		return fmt.Errorf("synth: load bank %q: %w", path, err)
	}
	return e.installBank(bank, path)
}

// LoadBankFromMemory parses a bank from data and swaps it in, with the same
// keep-previous-on-failure semantics as [Engine.LoadBank].
func (e *Engine) LoadBankFromMemory(data []byte) error {
	if e.loader == nil {
		return ErrNoLoader
	}
	bank, err := e.loader.LoadFromMemory(data)
	if err != nil {
		return fmt.Errorf("synth: load bank from memory: %w", err)
	}
	return e.installBank(bank, "<memory>")
}

func (e *Engine) installBank(bank soundbank.Bank, origin string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = bank.Close()
		return ErrClosed
	}
	old := e.bank
	e.killAllLocked()
	bank.SetOutput(e.sampleRate, e.channels)
	e.bank = bank
	for i := range e.chans {
		e.chans[i].program = 0
	}
	if p := percussiveProgram(bank); p >= 0 {
		e.chans[PercussionChannel].program = p
	}
	e.gain = 1.0
	programs := len(bank.Programs())
	e.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	slog.Info("sound bank loaded",
		"bank", bank.Name(),
		"origin", origin,
		"programs", programs,
	)
	return nil
}

// percussiveProgram returns the index of the bank's first percussive
// program, or -1.
func percussiveProgram(bank soundbank.Bank) int {
	for _, p := range bank.Programs() {
		if p.Percussive {
			return p.Index
		}
	}
	return -1
}

// BankName returns the loaded bank's name, or "" when none is loaded.
func (e *Engine) BankName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bank == nil {
		return ""
	}
	return e.bank.Name()
}

// ─── Note control ───

// NoteOn starts note on channel at velocity (clamped to [0, 1]). A note
// already down on that channel retriggers. When the voice table is full the
// oldest voice is stolen.
func (e *Engine) NoteOn(channel int, note pitch.Note, velocity float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.noteOnLocked(channel, note, velocity)
}

func (e *Engine) noteOnLocked(channel int, note pitch.Note, velocity float64) error {
	if e.closed {
		return ErrClosed
	}
	if e.bank == nil {
		return ErrNoBank
	}
	if !note.Valid() {
		return fmt.Errorf("synth: note %v out of range", note)
	}
	channel = clampChannel(channel)
	velocity = clamp01(velocity)

	// Retrigger: release any voice already holding this note.
	for i := range e.voices {
		if e.voices[i].channel == channel && e.voices[i].note == note && e.voices[i].down {
			e.voices[i].voice.Release()
			e.voices[i].down = false
		}
	}

	if len(e.voices) >= e.polyphony {
		e.stealOldestLocked()
	}

	v, err := e.bank.NewVoice(e.chans[channel].program, note, velocity)
	if err != nil {
		return fmt.Errorf("synth: start voice for %v: %w", note, err)
	}
	e.seq++
	e.voices = append(e.voices, voiceSlot{
		voice:   v,
		channel: channel,
		note:    note,
		seq:     e.seq,
		down:    true,
	})
	e.metrics.notesOn.Add(context.Background(), 1)
	return nil
}

// stealOldestLocked kills the lowest-seq voice and removes its slot.
func (e *Engine) stealOldestLocked() {
	if len(e.voices) == 0 {
		return
	}
	oldest := 0
	for i := range e.voices {
		if e.voices[i].seq < e.voices[oldest].seq {
			oldest = i
		}
	}
	e.voices[oldest].voice.Kill()
	e.voices = append(e.voices[:oldest], e.voices[oldest+1:]...)
	e.metrics.voicesStolen.Add(context.Background(), 1)
}

// NoteOff releases note on channel. Releasing a note that is not sounding
// is a no-op.
func (e *Engine) NoteOff(channel int, note pitch.Note) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.bank == nil {
		return ErrNoBank
	}
	channel = clampChannel(channel)
	for i := range e.voices {
		if e.voices[i].channel == channel && e.voices[i].note == note && e.voices[i].down {
			e.voices[i].voice.Release()
			e.voices[i].down = false
			e.metrics.notesOff.Add(context.Background(), 1)
		}
	}
	return nil
}

// BatchNoteOn starts all notes on channel under one lock hold, so a
// concurrent [Engine.Render] emits either none of them or all of them. If
// any note fails to start, the ones already started by this call are killed
// again and the error is returned; the chord is all-or-nothing.
func (e *Engine) BatchNoteOn(channel int, notes []pitch.Note, velocity float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	startSeq := e.seq
	for _, n := range notes {
		if err := e.noteOnLocked(channel, n, velocity); err != nil {
			e.rollbackSinceLocked(startSeq)
			return fmt.Errorf("synth: batch note on: %w", err)
		}
	}
	return nil
}

// rollbackSinceLocked kills every voice started after the given sequence
// point.
func (e *Engine) rollbackSinceLocked(seq uint64) {
	live := e.voices[:0]
	for _, slot := range e.voices {
		if slot.seq > seq {
			slot.voice.Kill()
			continue
		}
		live = append(live, slot)
	}
	e.voices = live
}

// AllNotesOff releases every sounding note on channel.
func (e *Engine) AllNotesOff(channel int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	channel = clampChannel(channel)
	for i := range e.voices {
		if e.voices[i].channel == channel && e.voices[i].down {
			e.voices[i].voice.Release()
			e.voices[i].down = false
		}
	}
}

// AllNotesOffAll releases every sounding note on every channel.
func (e *Engine) AllNotesOffAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.voices {
		if e.voices[i].down {
			e.voices[i].voice.Release()
			e.voices[i].down = false
		}
	}
}

// killAllLocked silences and drops every voice immediately.
func (e *Engine) killAllLocked() {
	for i := range e.voices {
		e.voices[i].voice.Kill()
	}
	e.voices = e.voices[:0]
}

// ─── Channel control ───

// ProgramChange selects the program used by future notes on channel. The
// index is validated lazily: an unknown program surfaces as an error from
// the next NoteOn.
func (e *Engine) ProgramChange(channel, program int) error {
	if program < 0 {
		return fmt.Errorf("synth: negative program %d", program)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.chans[clampChannel(channel)].program = program
	return nil
}

// SetChannelVolume scales all voices on channel (clamped to [0, 1]).
// Takes effect on the next rendered buffer, including for already-sounding
// notes.
func (e *Engine) SetChannelVolume(channel int, v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chans[clampChannel(channel)].volume = clamp01(v)
}

// SetGain sets the master gain (clamped to [0, 1]).
func (e *Engine) SetGain(g float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gain = clamp01(g)
}

// Gain returns the current master gain.
func (e *Engine) Gain() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gain
}

// SetOutput reconfigures the render format. Normally Start does this with
// the device's actual rate; call it directly only in pull-driven setups
// without a device stream.
func (e *Engine) SetOutput(sampleRate, channels int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sampleRate > 0 {
		e.sampleRate = sampleRate
	}
	if channels > 0 {
		e.channels = channels
	}
	if e.bank != nil {
		e.bank.SetOutput(e.sampleRate, e.channels)
	}
}

// ─── Render path ───

// Render fills dst with the next interleaved buffer. It never blocks: when
// a control operation holds the engine lock, dst is filled with exactly
// len(dst) samples of silence and the contention counter bumps. Finished
// voices are reaped as they report completion.
//
// Render is the engine's output callback; tests may call it directly.
func (e *Engine) Render(dst []float32) {
	if !e.mu.TryLock() {
		audio.Silence(dst)
		e.metrics.contention.Add(context.Background(), 1)
		return
	}
	defer e.mu.Unlock()

	start := time.Now()
	defer func() {
		ctx := context.Background()
		e.metrics.renders.Add(ctx, 1)
		e.metrics.renderDuration.Record(ctx, time.Since(start).Seconds())
	}()
	audio.Silence(dst)

	if e.bank == nil || len(e.voices) == 0 {
		return
	}

	if len(e.scratch) < len(dst) {
		e.scratch = make([]float32, len(dst))
	}
	scratch := e.scratch[:len(dst)]

	live := e.voices[:0]
	for _, slot := range e.voices {
		audio.Silence(scratch)
		if slot.voice.Render(scratch) == 0 {
			continue
		}
		vol := float32(e.chans[slot.channel].volume)
		for i, s := range scratch {
			dst[i] += s * vol
		}
		live = append(live, slot)
	}
	e.voices = live

	audio.ApplyGain(dst, float32(e.gain))
	audio.Clamp(dst)
}

// ActiveVoices reports the number of slots currently in the voice table.
func (e *Engine) ActiveVoices() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.voices)
}

// ─── Helpers ───

func clampChannel(ch int) int {
	if ch < 0 {
		return 0
	}
	if ch >= NumChannels {
		return NumChannels - 1
	}
	return ch
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// engineMetrics holds the engine's OpenTelemetry instruments.
type engineMetrics struct {
	renders        metric.Int64Counter
	contention     metric.Int64Counter
	notesOn        metric.Int64Counter
	notesOff       metric.Int64Counter
	voicesStolen   metric.Int64Counter
	renderDuration metric.Float64Histogram
}

// renderBuckets covers expected per-buffer render cost.
var renderBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
}

func (m *engineMetrics) init(mp metric.MeterProvider) error {
	meter := mp.Meter("github.com/MrWong99/tonewire/pkg/synth")
	var err error
	if m.renders, err = meter.Int64Counter("tonewire.synth.renders",
		metric.WithDescription("Render callbacks that acquired the control lock."),
	); err != nil {
		return err
	}
	if m.contention, err = meter.Int64Counter("tonewire.synth.render_contention",
		metric.WithDescription("Render callbacks that substituted silence because the control lock was held."),
	); err != nil {
		return err
	}
	if m.notesOn, err = meter.Int64Counter("tonewire.synth.notes_on",
		metric.WithDescription("Voices started by note-on operations."),
	); err != nil {
		return err
	}
	if m.notesOff, err = meter.Int64Counter("tonewire.synth.notes_off",
		metric.WithDescription("Voices released by note-off operations."),
	); err != nil {
		return err
	}
	if m.voicesStolen, err = meter.Int64Counter("tonewire.synth.voices_stolen",
		metric.WithDescription("Voices killed to make room when the table was full."),
	); err != nil {
		return err
	}
	if m.renderDuration, err = meter.Float64Histogram("tonewire.synth.render.duration",
		metric.WithDescription("Wall time spent mixing one output buffer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(renderBuckets...),
	); err != nil {
		return err
	}
	return nil
}
