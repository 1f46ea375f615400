package config_test

import (
	"testing"

	"github.com/MrWong99/tonewire/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo},
		Capture: config.CaptureConfig{NoiseGateDB: -46, ConfidenceThreshold: 0.85},
		Synth:   config.SynthConfig{Gain: 0.8, Bank: "/banks/default"},
	}
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_CaptureThresholdsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Capture: config.CaptureConfig{NoiseGateDB: -46, ConfidenceThreshold: 0.85, SilenceThresholdDB: -50},
	}
	new := &config.Config{
		Capture: config.CaptureConfig{NoiseGateDB: -40, ConfidenceThreshold: 0.9, SilenceThresholdDB: -55},
	}

	d := config.Diff(old, new)
	if !d.NoiseGateChanged || d.NewNoiseGateDB != -40 {
		t.Errorf("noise gate diff: got changed=%v value=%.1f, want -40", d.NoiseGateChanged, d.NewNoiseGateDB)
	}
	if !d.ConfidenceChanged || d.NewConfidence != 0.9 {
		t.Errorf("confidence diff: got changed=%v value=%.2f, want 0.9", d.ConfidenceChanged, d.NewConfidence)
	}
	if !d.SilenceChanged || d.NewSilenceDB != -55 {
		t.Errorf("silence diff: got changed=%v value=%.1f, want -55", d.SilenceChanged, d.NewSilenceDB)
	}
}

func TestDiff_SynthGainChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Synth: config.SynthConfig{Gain: 0.8}}
	new := &config.Config{Synth: config.SynthConfig{Gain: 0.5}}

	d := config.Diff(old, new)
	if !d.GainChanged {
		t.Error("expected GainChanged=true")
	}
	if d.NewGain != 0.5 {
		t.Errorf("expected NewGain=0.5, got %.2f", d.NewGain)
	}
}

func TestDiff_BankChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Synth: config.SynthConfig{Bank: "/banks/piano"}}
	new := &config.Config{Synth: config.SynthConfig{Bank: "/banks/strings"}}

	d := config.Diff(old, new)
	if !d.BankChanged {
		t.Error("expected BankChanged=true")
	}
	if d.NewBank != "/banks/strings" {
		t.Errorf("expected NewBank=/banks/strings, got %q", d.NewBank)
	}
}

func TestDiff_IgnoresRestartOnlyFields(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Backend: config.ComponentEntry{Name: "portaudio"},
		Capture: config.CaptureConfig{SampleRate: 44100, AnalysisSize: 2048},
		Synth:   config.SynthConfig{Polyphony: 64, Channels: 2},
	}
	new := &config.Config{
		Backend: config.ComponentEntry{Name: "stub"},
		Capture: config.CaptureConfig{SampleRate: 48000, AnalysisSize: 4096},
		Synth:   config.SynthConfig{Polyphony: 32, Channels: 1},
	}

	d := config.Diff(old, new)
	if !d.Empty() {
		t.Errorf("restart-only fields should not appear in the diff, got %+v", d)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Synth:  config.SynthConfig{Gain: 0.8},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		Synth:  config.SynthConfig{Gain: 1.0},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.GainChanged {
		t.Error("expected GainChanged=true")
	}
	if d.Empty() {
		t.Error("diff with changes should not report Empty")
	}
}
