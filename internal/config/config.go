// Package config provides the configuration schema, loader, and component
// registry for the tonewire daemon.
package config

// LogLevel controls log verbosity for the tonewire daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler the daemon logs through.
type LogFormat string

const (
	// LogText emits human-readable key=value lines.
	LogText LogFormat = "text"

	// LogJSON emits one JSON object per log record.
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Config is the root configuration structure for tonewire.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Backend ComponentEntry `yaml:"backend"`
	Capture CaptureConfig  `yaml:"capture"`
	Synth   SynthConfig    `yaml:"synth"`
	Bridge  BridgeConfig   `yaml:"bridge"`
}

// ServerConfig holds network and logging settings for the daemon's
// metrics/health HTTP endpoint.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output. Empty means text.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ComponentEntry is the common configuration block shared by all pluggable
// components: the audio backend, the pitch estimator, and the sound bank
// loader. The Name field is used to look up the constructor in the [Registry].
type ComponentEntry struct {
	// Name selects the registered implementation (e.g., "portaudio", "stub").
	Name string `yaml:"name"`

	// Options holds implementation-specific configuration values. Values may
	// be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// CaptureConfig tunes the pitch-tracking side of the daemon.
//
// Zero values mean "use the engine default"; [Validate] only range-checks
// fields that are explicitly set.
type CaptureConfig struct {
	// Disabled turns the capture engine off. Use this with render-only
	// backends such as "oto".
	Disabled bool `yaml:"disabled"`

	// SampleRate is the requested input rate in Hz. Zero lets the device
	// choose; the actual rate is read back after the stream opens.
	SampleRate int `yaml:"sample_rate"`

	// FramesPerBuffer is the preferred input callback granularity in frames.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// AnalysisSize is the analysis window length in samples. Default 2048.
	AnalysisSize int `yaml:"analysis_size"`

	// Hop is how many samples the window advances between analyses.
	// Default AnalysisSize/2. Must not exceed AnalysisSize.
	Hop int `yaml:"hop"`

	// NoiseGateDB is the RMS gate in dBFS; windows quieter than this are
	// discarded without running the estimator. Default -46 dBFS.
	NoiseGateDB float64 `yaml:"noise_gate_db"`

	// ConfidenceThreshold is the minimum estimator confidence, range
	// [0.0, 1.0], for a detection to become a pitch event.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// SilenceThresholdDB is the silence floor in dBFS forwarded to the
	// estimator.
	SilenceThresholdDB float64 `yaml:"silence_threshold_db"`

	// Estimator selects the pitch estimator implementation. Estimators are
	// registered by external packages; with no estimator configured the
	// engine still gates windows but emits no events.
	Estimator ComponentEntry `yaml:"estimator"`
}

// SynthConfig tunes the synthesis side of the daemon.
type SynthConfig struct {
	// Disabled turns the synthesis engine off. Use this with capture-only
	// setups.
	Disabled bool `yaml:"disabled"`

	// SampleRate is the requested output rate in Hz. Zero lets the device
	// choose.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the interleaved output channel count. Default 2.
	Channels int `yaml:"channels"`

	// FramesPerBuffer is the preferred render callback granularity in frames.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// Polyphony is the maximum number of simultaneously sounding voices.
	// Default 64.
	Polyphony int `yaml:"polyphony"`

	// Gain is the initial master gain, range (0.0, 1.0]. Default 0.8.
	Gain float64 `yaml:"gain"`

	// Bank is the path to a sound bank file or directory. Empty loads the
	// loader's built-in default bank.
	Bank string `yaml:"bank"`

	// Loader selects the sound bank loader implementation. Empty defaults
	// to "wavetable".
	Loader ComponentEntry `yaml:"loader"`
}

// BridgeConfig connects the daemon to a remote pitch-event sink.
type BridgeConfig struct {
	// URL is the WebSocket endpoint events are forwarded to
	// (e.g., "ws://localhost:7070/events"). Empty disables the bridge.
	URL string `yaml:"url"`

	// Buffer is the event hand-off buffer size. When the sink cannot keep
	// up the oldest buffered event is dropped. Default 64.
	Buffer int `yaml:"buffer"`
}
