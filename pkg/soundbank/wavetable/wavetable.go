// Package wavetable implements a small sample-playback sound bank. A bank
// is a set of programs, each backed by either a generated single-cycle
// wave or a mono-downmixed WAV sample, played back with linear
// interpolation, per-program ADSR envelopes, and phase-increment pitch
// shifting.
//
// Banks load from a directory carrying a bank.yaml manifest (WAV paths
// resolve relative to it) or from an in-memory manifest, which may only
// use generated waves. [DefaultManifest] is a ready-made generated bank.
package wavetable

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/wav"
	"github.com/oov/audio/resampler"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/tonewire/pkg/pitch"
	"github.com/MrWong99/tonewire/pkg/soundbank"
)

// manifestName is the file looked up when loading from a directory.
const manifestName = "bank.yaml"

// resampleQuality is the oov sinc filter quality (0 fastest, 10 best).
const resampleQuality = 10

const (
	defaultRate     = 44100
	defaultChannels = 2
	defaultRoot     = 69
)

type envelopeManifest struct {
	AttackMS  float64  `yaml:"attack_ms"`
	DecayMS   float64  `yaml:"decay_ms"`
	Sustain   *float64 `yaml:"sustain"`
	ReleaseMS float64  `yaml:"release_ms"`
}

type programManifest struct {
	Index      int               `yaml:"index"`
	Name       string            `yaml:"name"`
	Wave       string            `yaml:"wave"`
	File       string            `yaml:"file"`
	RootNote   *int              `yaml:"root_note"`
	Loop       bool              `yaml:"loop"`
	Percussive bool              `yaml:"percussive"`
	Gain       *float64          `yaml:"gain"`
	Envelope   *envelopeManifest `yaml:"envelope"`
}

type manifest struct {
	Name     string            `yaml:"name"`
	Programs []programManifest `yaml:"programs"`
}

func parseManifest(data []byte) (*manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, m.validate()
}

func (m *manifest) validate() error {
	var errs []error
	if len(m.Programs) == 0 {
		errs = append(errs, errors.New("manifest has no programs"))
	}
	seen := make(map[int]bool, len(m.Programs))
	for i, p := range m.Programs {
		if p.Index < 0 {
			errs = append(errs, fmt.Errorf("program %d: negative index %d", i, p.Index))
		}
		if seen[p.Index] {
			errs = append(errs, fmt.Errorf("program %d: duplicate index %d", i, p.Index))
		}
		seen[p.Index] = true
		switch {
		case p.Wave == "" && p.File == "":
			errs = append(errs, fmt.Errorf("program %d: needs wave or file", i))
		case p.Wave != "" && p.File != "":
			errs = append(errs, fmt.Errorf("program %d: wave and file are mutually exclusive", i))
		case p.Wave != "" && !validShape(waveShape(p.Wave)):
			errs = append(errs, fmt.Errorf("program %d: unknown wave %q", i, p.Wave))
		}
		if p.RootNote != nil && !pitch.Note(*p.RootNote).Valid() {
			errs = append(errs, fmt.Errorf("program %d: root note %d out of range", i, *p.RootNote))
		}
		if p.Gain != nil && (*p.Gain <= 0 || *p.Gain > 4) {
			errs = append(errs, fmt.Errorf("program %d: gain %v outside (0, 4]", i, *p.Gain))
		}
		if env := p.Envelope; env != nil {
			if env.AttackMS < 0 || env.DecayMS < 0 || env.ReleaseMS < 0 {
				errs = append(errs, fmt.Errorf("program %d: negative envelope time", i))
			}
			if env.Sustain != nil && (*env.Sustain < 0 || *env.Sustain > 1) {
				errs = append(errs, fmt.Errorf("program %d: sustain %v outside [0, 1]", i, *env.Sustain))
			}
		}
	}
	return errors.Join(errs...)
}

// program is one playable entry of a bank.
type program struct {
	meta     soundbank.Program
	gain     float32
	env      envelope
	rootFreq float64
	loop     bool

	// Generated programs keep a single rate-independent cycle.
	shape waveShape
	cycle []float32

	// File programs keep source data at the file's rate and derive a
	// playback table per output rate.
	source  []float32
	srcRate int
	table   []float32
	atRate  int
}

func buildProgram(pm programManifest, dir string) (*program, error) {
	p := &program{
		meta: soundbank.Program{
			Index:      pm.Index,
			Name:       pm.Name,
			Percussive: pm.Percussive,
		},
		gain:     1,
		env:      defaultEnvelope,
		rootFreq: pitch.Note(defaultRoot).Frequency(),
		loop:     pm.Loop,
	}
	if p.meta.Name == "" {
		p.meta.Name = fmt.Sprintf("program %d", pm.Index)
	}
	if pm.Gain != nil {
		p.gain = float32(*pm.Gain)
	}
	if pm.RootNote != nil {
		p.rootFreq = pitch.Note(*pm.RootNote).Frequency()
	}
	if env := pm.Envelope; env != nil {
		p.env = envelope{
			attack:  env.AttackMS / 1000,
			decay:   env.DecayMS / 1000,
			sustain: 0.8,
			release: env.ReleaseMS / 1000,
		}
		if env.Sustain != nil {
			p.env.sustain = *env.Sustain
		}
	}
	if pm.Wave != "" {
		p.shape = waveShape(pm.Wave)
		p.cycle = generateTable(p.shape)
		p.loop = true
		return p, nil
	}
	data, rate, err := decodeWAV(filepath.Join(dir, pm.File))
	if err != nil {
		return nil, fmt.Errorf("program %d: %s: %w", pm.Index, pm.File, err)
	}
	p.source = data
	p.srcRate = rate
	return p, nil
}

// retune prepares the playback table for rate.
func (p *program) retune(rate int) {
	if p.cycle != nil || p.atRate == rate {
		return
	}
	p.table = resampleMono(p.source, p.srcRate, rate)
	p.atRate = rate
}

// Bank is a wavetable sound bank. The synthesis engine serializes NewVoice
// and SetOutput under its control lock and never overlaps them with voice
// rendering, so the bank itself holds no locks.
type Bank struct {
	name     string
	programs []*program
	byIndex  map[int]*program
	rate     int
	channels int
}

var _ soundbank.Bank = (*Bank)(nil)

func newBank(m *manifest, dir string) (*Bank, error) {
	b := &Bank{
		name:     m.Name,
		byIndex:  make(map[int]*program, len(m.Programs)),
		rate:     defaultRate,
		channels: defaultChannels,
	}
	if b.name == "" {
		b.name = "untitled"
	}
	var errs []error
	for _, pm := range m.Programs {
		p, err := buildProgram(pm, dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.programs = append(b.programs, p)
		b.byIndex[p.meta.Index] = p
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	for _, p := range b.programs {
		p.retune(b.rate)
	}
	return b, nil
}

// Name returns the manifest's bank name.
func (b *Bank) Name() string { return b.name }

// Programs lists the bank's programs in manifest order.
func (b *Bank) Programs() []soundbank.Program {
	out := make([]soundbank.Program, len(b.programs))
	for i, p := range b.programs {
		out[i] = p.meta
	}
	return out
}

// SetOutput fixes the render format. File-backed programs are resampled to
// the new rate here, off the render path.
func (b *Bank) SetOutput(sampleRate, channels int) {
	if sampleRate > 0 {
		b.rate = sampleRate
	}
	if channels > 0 {
		b.channels = channels
	}
	for _, p := range b.programs {
		p.retune(b.rate)
	}
}

// NewVoice starts a voice for program at note. Velocity scales linearly
// into the voice gain.
func (b *Bank) NewVoice(programIdx int, note pitch.Note, velocity float64) (soundbank.Voice, error) {
	p, ok := b.byIndex[programIdx]
	if !ok {
		return nil, fmt.Errorf("%w: %d", soundbank.ErrUnknownProgram, programIdx)
	}
	freq := note.Frequency()
	v := &voice{
		gain:     p.gain * float32(velocity),
		channels: b.channels,
		env:      newEnvRunner(p.env, b.rate),
	}
	if p.cycle != nil {
		v.table = p.cycle
		v.loop = true
		v.inc = freq * tableSize / float64(b.rate)
	} else {
		v.table = p.table
		v.loop = p.loop
		v.inc = freq / p.rootFreq
	}
	return v, nil
}

// Close drops sample data. The bank must not be used afterwards.
func (b *Bank) Close() error {
	b.programs = nil
	b.byIndex = nil
	return nil
}

// Loader loads wavetable banks.
type Loader struct{}

var _ soundbank.Loader = (*Loader)(nil)

// NewLoader returns a bank loader.
func NewLoader() *Loader { return &Loader{} }

// Load reads a bank from path: either a directory containing bank.yaml or
// a manifest file itself. On any error the returned bank is nil and
// nothing is retained.
func (l *Loader) Load(path string) (soundbank.Bank, error) {
	manifestPath := path
	if info, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", soundbank.ErrBadBank, err)
	} else if info.IsDir() {
		manifestPath = filepath.Join(path, manifestName)
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", soundbank.ErrBadBank, err)
	}
	m, err := parseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", soundbank.ErrBadBank, manifestPath, err)
	}
	b, err := newBank(m, filepath.Dir(manifestPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", soundbank.ErrBadBank, manifestPath, err)
	}
	return b, nil
}

// LoadFromMemory parses data as a manifest. Memory banks cannot reference
// sample files; only generated waves are allowed.
func (l *Loader) LoadFromMemory(data []byte) (soundbank.Bank, error) {
	m, err := parseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", soundbank.ErrBadBank, err)
	}
	for i, pm := range m.Programs {
		if pm.File != "" {
			return nil, fmt.Errorf("%w: program %d: file references need a bank directory", soundbank.ErrBadBank, i)
		}
	}
	b, err := newBank(m, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", soundbank.ErrBadBank, err)
	}
	return b, nil
}

// decodeWAV reads a WAV file as normalized mono samples at its native
// rate. Multi-channel files downmix by averaging.
func decodeWAV(path string) (data []float32, rate int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, 0, errors.New("decode wav: empty file")
	}
	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}

	var toFloat func(int) float32
	switch dec.BitDepth {
	case 8:
		toFloat = func(v int) float32 { return float32(v-128) / 128 }
	case 16:
		toFloat = func(v int) float32 { return float32(v) / 32768 }
	case 24:
		toFloat = func(v int) float32 { return float32(v) / 8388608 }
	case 32:
		toFloat = func(v int) float32 { return float32(v) / 2147483648 }
	default:
		return nil, 0, fmt.Errorf("decode wav: unsupported bit depth %d", dec.BitDepth)
	}

	frames := len(buf.Data) / channels
	data = make([]float32, frames)
	for fi := 0; fi < frames; fi++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += toFloat(buf.Data[fi*channels+c])
		}
		data[fi] = sum / float32(channels)
	}
	return data, buf.Format.SampleRate, nil
}

// resampleMono converts src from one rate to another. The sinc filter's
// delay is flushed with silence and the result trimmed, so the output
// duration matches the input's.
func resampleMono(src []float32, from, to int) []float32 {
	if from == to || len(src) == 0 || from <= 0 || to <= 0 {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}
	target := len(src) * to / from
	r := resampler.New(1, from, to, resampleQuality)
	out := make([]float32, 0, target+64)
	dst := make([]float32, 4096)
	for pos := 0; pos < len(src); {
		read, written := r.ProcessFloat32(0, src[pos:], dst)
		if read == 0 && written == 0 {
			break
		}
		pos += read
		out = append(out, dst[:written]...)
	}
	silence := make([]float32, 512)
	for i := 0; i < 8 && len(out) < target; i++ {
		_, written := r.ProcessFloat32(0, silence, dst)
		if written == 0 {
			break
		}
		out = append(out, dst[:written]...)
	}
	if len(out) > target {
		out = out[:target]
	}
	return out
}
