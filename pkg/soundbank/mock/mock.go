// Package mock provides test doubles for the soundbank package interfaces.
//
// Use Loader to script load successes and failures, Bank to hand out
// scripted voices and record every engine call, and Voice to produce a
// constant sample value whose presence (or absence) in rendered output is
// easy to assert on.
package mock

import (
	"sync"

	"github.com/MrWong99/tonewire/pkg/pitch"
	"github.com/MrWong99/tonewire/pkg/soundbank"
)

// LoadCall records one Loader invocation.
type LoadCall struct {
	// Path is the path given to Load; empty for LoadFromMemory.
	Path string

	// Memory is true for LoadFromMemory calls.
	Memory bool
}

// Loader is a mock implementation of soundbank.Loader.
type Loader struct {
	mu sync.Mutex

	// Bank is returned by successful loads. If nil, a fresh default Bank is
	// returned per load.
	Bank soundbank.Bank

	// LoadErr, if non-nil, is returned by every load.
	LoadErr error

	// LoadCalls records every load in order.
	LoadCalls []LoadCall
}

// Load records the call and returns Bank, LoadErr.
func (l *Loader) Load(path string) (soundbank.Bank, error) {
	return l.load(LoadCall{Path: path})
}

// LoadFromMemory records the call and returns Bank, LoadErr.
func (l *Loader) LoadFromMemory(data []byte) (soundbank.Bank, error) {
	return l.load(LoadCall{Memory: true})
}

func (l *Loader) load(call LoadCall) (soundbank.Bank, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LoadCalls = append(l.LoadCalls, call)
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	if l.Bank != nil {
		return l.Bank, nil
	}
	return &Bank{}, nil
}

// NewVoiceCall records one Bank.NewVoice invocation.
type NewVoiceCall struct {
	Program  int
	Note     pitch.Note
	Velocity float64
}

// OutputCall records one Bank.SetOutput invocation.
type OutputCall struct {
	SampleRate int
	Channels   int
}

// Bank is a mock implementation of soundbank.Bank.
type Bank struct {
	mu sync.Mutex

	// BankName is returned by Name. Defaults to "mock".
	BankName string

	// ProgramList is returned by Programs.
	ProgramList []soundbank.Program

	// NewVoiceErr, if non-nil, is returned by every NewVoice call.
	NewVoiceErr error

	// Level is the constant sample value voices mix into output.
	// Defaults to 0.25 so rendered audio is distinguishable from silence.
	Level float32

	// VoiceFrames is how many frames each voice produces before reporting
	// itself finished. 0 means voices last forever until released/killed.
	VoiceFrames int

	// --- Call records ---

	// NewVoiceCalls records every NewVoice in order.
	NewVoiceCalls []NewVoiceCall

	// OutputCalls records every SetOutput in order.
	OutputCalls []OutputCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// Voices holds every voice handed out, in creation order.
	Voices []*Voice
}

// Name returns BankName or "mock".
func (b *Bank) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.BankName == "" {
		return "mock"
	}
	return b.BankName
}

// Programs returns ProgramList.
func (b *Bank) Programs() []soundbank.Program {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]soundbank.Program, len(b.ProgramList))
	copy(out, b.ProgramList)
	return out
}

// NewVoice records the call and returns a scripted voice (or NewVoiceErr).
func (b *Bank) NewVoice(program int, note pitch.Note, velocity float64) (soundbank.Voice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.NewVoiceCalls = append(b.NewVoiceCalls, NewVoiceCall{Program: program, Note: note, Velocity: velocity})
	if b.NewVoiceErr != nil {
		return nil, b.NewVoiceErr
	}
	level := b.Level
	if level == 0 {
		level = 0.25
	}
	v := &Voice{
		Note:       note,
		Program:    program,
		level:      level,
		limited:    b.VoiceFrames > 0,
		framesLeft: b.VoiceFrames,
		channels:   b.channelsLocked(),
	}
	b.Voices = append(b.Voices, v)
	return v, nil
}

// SetOutput records the call.
func (b *Bank) SetOutput(sampleRate, channels int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OutputCalls = append(b.OutputCalls, OutputCall{SampleRate: sampleRate, Channels: channels})
}

// channelsLocked returns the channel count of the latest SetOutput, or 2.
func (b *Bank) channelsLocked() int {
	if n := len(b.OutputCalls); n > 0 && b.OutputCalls[n-1].Channels > 0 {
		return b.OutputCalls[n-1].Channels
	}
	return 2
}

// Close records the call and returns nil.
func (b *Bank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCallCount++
	return nil
}

// Voice is a mock implementation of soundbank.Voice. It mixes a constant
// level into every sample until released, killed, or its frame budget runs
// out.
type Voice struct {
	mu sync.Mutex

	// Note and Program echo the NewVoice arguments for assertions.
	Note    pitch.Note
	Program int

	// RenderCalls counts Render invocations.
	RenderCalls int

	// Released and Killed record lifecycle calls.
	Released bool
	Killed   bool

	level      float32
	limited    bool
	framesLeft int
	channels   int
}

// Render mixes the voice's level into dst. A released or killed voice (or
// one past its frame budget) produces nothing and reports 0.
func (v *Voice) Render(dst []float32) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.RenderCalls++
	if v.Released || v.Killed {
		return 0
	}
	frames := len(dst) / v.channels
	if v.limited {
		if v.framesLeft <= 0 {
			return 0
		}
		if v.framesLeft < frames {
			frames = v.framesLeft
		}
		v.framesLeft -= frames
	}
	for i := range dst[:frames*v.channels] {
		dst[i] += v.level
	}
	return frames
}

// Release marks the voice released.
func (v *Voice) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Released = true
}

// Kill marks the voice killed.
func (v *Voice) Kill() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Killed = true
}

// Compile-time interface checks.
var (
	_ soundbank.Loader = (*Loader)(nil)
	_ soundbank.Bank   = (*Bank)(nil)
	_ soundbank.Voice  = (*Voice)(nil)
)
