package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (backend, stream geometry, polyphony) needs a daemon restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Capture thresholds. All three apply to a running engine without
	// touching the stream.
	NoiseGateChanged  bool
	NewNoiseGateDB    float64
	ConfidenceChanged bool
	NewConfidence     float64
	SilenceChanged    bool
	NewSilenceDB      float64

	// Synth master gain.
	GainChanged bool
	NewGain     float64

	// Bank path. A changed bank is hot-swapped through LoadBank, which
	// keeps the old bank when the new one fails to load.
	BankChanged bool
	NewBank     string
}

// Empty reports whether the diff contains no hot-reloadable changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.NoiseGateChanged && !d.ConfidenceChanged &&
		!d.SilenceChanged && !d.GainChanged && !d.BankChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Capture.NoiseGateDB != new.Capture.NoiseGateDB {
		d.NoiseGateChanged = true
		d.NewNoiseGateDB = new.Capture.NoiseGateDB
	}
	if old.Capture.ConfidenceThreshold != new.Capture.ConfidenceThreshold {
		d.ConfidenceChanged = true
		d.NewConfidence = new.Capture.ConfidenceThreshold
	}
	if old.Capture.SilenceThresholdDB != new.Capture.SilenceThresholdDB {
		d.SilenceChanged = true
		d.NewSilenceDB = new.Capture.SilenceThresholdDB
	}

	if old.Synth.Gain != new.Synth.Gain {
		d.GainChanged = true
		d.NewGain = new.Synth.Gain
	}
	if old.Synth.Bank != new.Synth.Bank {
		d.BankChanged = true
		d.NewBank = new.Synth.Bank
	}

	return d
}
