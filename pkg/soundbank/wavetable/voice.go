package wavetable

// envelope holds ADSR parameters in seconds (sustain is a level).
type envelope struct {
	attack  float64
	decay   float64
	sustain float64
	release float64
}

// defaultEnvelope is used by programs without an envelope entry.
var defaultEnvelope = envelope{
	attack:  0.005,
	decay:   0.050,
	sustain: 0.8,
	release: 0.150,
}

// sustainFloor is the level below which a sustained stage counts as
// finished, turning zero-sustain programs into one-shots.
const sustainFloor = 0.001

type envStage int

const (
	stageAttack envStage = iota
	stageDecay
	stageSustain
	stageRelease
	stageDone
)

// envRunner advances an ADSR envelope one frame at a time.
type envRunner struct {
	stage       envStage
	level       float64
	sustain     float64
	attackStep  float64
	decayStep   float64
	releaseStep float64
	releaseSec  float64
	rate        float64
}

func newEnvRunner(env envelope, sampleRate int) envRunner {
	r := envRunner{
		stage:      stageAttack,
		sustain:    env.sustain,
		releaseSec: env.release,
		rate:       float64(sampleRate),
	}
	if env.attack <= 0 {
		r.level = 1
		r.stage = stageDecay
	} else {
		r.attackStep = 1 / (env.attack * r.rate)
	}
	if env.decay <= 0 {
		r.decayStep = 1
	} else {
		r.decayStep = (1 - env.sustain) / (env.decay * r.rate)
	}
	return r
}

// next returns the envelope level for one frame, and false once the
// envelope has finished.
func (r *envRunner) next() (float64, bool) {
	switch r.stage {
	case stageAttack:
		r.level += r.attackStep
		if r.level >= 1 {
			r.level = 1
			r.stage = stageDecay
		}
	case stageDecay:
		r.level -= r.decayStep
		if r.level <= r.sustain {
			r.level = r.sustain
			r.stage = stageSustain
		}
	case stageSustain:
		if r.level < sustainFloor {
			r.stage = stageDone
			return 0, false
		}
	case stageRelease:
		r.level -= r.releaseStep
		if r.level <= 0 {
			r.level = 0
			r.stage = stageDone
			return 0, false
		}
	case stageDone:
		return 0, false
	}
	return r.level, true
}

// enterRelease fades out linearly from the current level.
func (r *envRunner) enterRelease() {
	if r.stage == stageDone || r.stage == stageRelease {
		return
	}
	if r.releaseSec <= 0 || r.level <= 0 {
		r.stage = stageDone
		return
	}
	r.releaseStep = r.level / (r.releaseSec * r.rate)
	r.stage = stageRelease
}

// voice plays one program's table at a fixed phase increment.
type voice struct {
	table    []float32
	inc      float64
	pos      float64
	loop     bool
	gain     float32
	channels int
	env      envRunner
	done     bool
}

// Render mixes the voice into dst and reports frames produced; 0 means the
// voice has finished.
func (v *voice) Render(dst []float32) int {
	if v.done || len(v.table) == 0 || v.channels <= 0 {
		return 0
	}
	frames := len(dst) / v.channels
	n := float64(len(v.table))
	for f := 0; f < frames; f++ {
		level, ok := v.env.next()
		if !ok {
			v.done = true
			return f
		}
		s := v.interpolate() * float32(level) * v.gain
		base := f * v.channels
		for c := 0; c < v.channels; c++ {
			dst[base+c] += s
		}
		v.pos += v.inc
		if v.loop {
			for v.pos >= n {
				v.pos -= n
			}
		} else if v.pos >= n-1 {
			v.done = true
			return f + 1
		}
	}
	return frames
}

// interpolate reads the table at the current position with linear
// interpolation.
func (v *voice) interpolate() float32 {
	i := int(v.pos)
	frac := float32(v.pos - float64(i))
	a := v.table[i]
	b := v.table[(i+1)%len(v.table)]
	return a + (b-a)*frac
}

// Release lets the note fade out over the program's release time.
func (v *voice) Release() {
	v.env.enterRelease()
}

// Kill silences the voice immediately.
func (v *voice) Kill() {
	v.done = true
	v.env.stage = stageDone
}
