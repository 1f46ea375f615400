package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidComponentNames lists the component implementations that ship with
// tonewire, per component kind. Used by [Validate] to warn about unrecognised
// names. Estimator names are deliberately absent: estimators always come from
// external registrations, so any name is plausible.
var ValidComponentNames = map[string][]string{
	"backend": {"portaudio", "oto", "stub"},
	"loader":  {"wavetable"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Component name validation; warn for unknown names.
	validateComponentName("backend", cfg.Backend.Name)
	validateComponentName("loader", cfg.Synth.Loader.Name)

	// Engine availability warnings
	if cfg.Capture.Disabled && cfg.Synth.Disabled {
		slog.Warn("both capture and synth are disabled; the daemon will only serve metrics")
	}
	if !cfg.Capture.Disabled && cfg.Capture.Estimator.Name == "" {
		slog.Warn("capture.estimator is not configured; windows will be gated but no pitch events will be emitted")
	}

	// Capture
	errs = append(errs, validateRate("capture.sample_rate", cfg.Capture.SampleRate)...)
	if cfg.Capture.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("capture.frames_per_buffer %d must not be negative", cfg.Capture.FramesPerBuffer))
	}
	analysis := cfg.Capture.AnalysisSize
	if analysis != 0 && (analysis < 64 || analysis > 1<<16) {
		errs = append(errs, fmt.Errorf("capture.analysis_size %d is out of range [64, 65536]", analysis))
	}
	if analysis == 0 {
		analysis = 2048
	}
	if hop := cfg.Capture.Hop; hop != 0 {
		if hop < 0 {
			errs = append(errs, fmt.Errorf("capture.hop %d must be positive", hop))
		} else if hop > analysis {
			errs = append(errs, fmt.Errorf("capture.hop %d exceeds the analysis window of %d samples", hop, analysis))
		}
	}
	errs = append(errs, validateDBFS("capture.noise_gate_db", cfg.Capture.NoiseGateDB)...)
	errs = append(errs, validateDBFS("capture.silence_threshold_db", cfg.Capture.SilenceThresholdDB)...)
	if c := cfg.Capture.ConfidenceThreshold; c < 0 || c > 1 {
		errs = append(errs, fmt.Errorf("capture.confidence_threshold %.2f is out of range [0.0, 1.0]", c))
	}

	// Synth
	errs = append(errs, validateRate("synth.sample_rate", cfg.Synth.SampleRate)...)
	if cfg.Synth.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("synth.frames_per_buffer %d must not be negative", cfg.Synth.FramesPerBuffer))
	}
	if ch := cfg.Synth.Channels; ch != 0 && (ch < 1 || ch > 8) {
		errs = append(errs, fmt.Errorf("synth.channels %d is out of range [1, 8]", ch))
	}
	if p := cfg.Synth.Polyphony; p != 0 && (p < 1 || p > 1024) {
		errs = append(errs, fmt.Errorf("synth.polyphony %d is out of range [1, 1024]", p))
	}
	if g := cfg.Synth.Gain; g != 0 && (g < 0 || g > 1) {
		errs = append(errs, fmt.Errorf("synth.gain %.2f is out of range (0.0, 1.0]", g))
	}

	// Bridge
	if url := cfg.Bridge.URL; url != "" {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			errs = append(errs, fmt.Errorf("bridge.url %q must start with ws:// or wss://", url))
		}
	}
	if cfg.Bridge.Buffer < 0 {
		errs = append(errs, fmt.Errorf("bridge.buffer %d must not be negative", cfg.Bridge.Buffer))
	}

	return errors.Join(errs...)
}

// validateRate checks an optional sample rate field against the range of
// rates real devices open at.
func validateRate(field string, rate int) []error {
	if rate == 0 {
		return nil
	}
	if rate < 8000 || rate > 192000 {
		return []error{fmt.Errorf("%s %d is out of range [8000, 192000]", field, rate)}
	}
	return nil
}

// validateDBFS checks an optional dBFS threshold field. Zero means unset;
// a meaningful full-scale threshold is always negative.
func validateDBFS(field string, db float64) []error {
	if db == 0 {
		return nil
	}
	if db < -120 || db > 0 {
		return []error{fmt.Errorf("%s %.1f is out of range [-120, 0)", field, db)}
	}
	return nil
}

// validateComponentName logs a warning if name is non-empty and not found in
// the [ValidComponentNames] list for the given kind.
func validateComponentName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidComponentNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown component name; may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
