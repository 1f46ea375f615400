// Package estimator defines the Estimator interface for fundamental-frequency
// detection backends.
//
// An estimator wraps a pitch-detection algorithm (YIN, autocorrelation, a
// neural model, or anything else that can score a window of samples) and
// surfaces it as a stateful per-session object. The capture engine treats
// estimators as opaque: it hands over fixed-size analysis windows and consumes
// (frequency, confidence) pairs, and never depends on how those numbers were
// produced.
//
// Estimators are created through a [Factory] after the input stream is open,
// because the stream's actual sample rate can differ from the requested one
// and detection math is rate-dependent. Thresholds adjusted on the capture
// engine before that point are carried into [Config] so no setting is lost.
//
// A single Estimator is driven from one goroutine (the audio callback);
// implementations do not need internal locking unless they document otherwise.
package estimator

// Config holds the parameters an estimator is constructed with.
type Config struct {
	// SampleRate is the audio sample rate in Hz of every window passed to
	// Estimate. This is the stream's actual rate, read back after open.
	SampleRate int

	// WindowSize is the exact length, in samples, of each analysis window.
	// Estimate is never called with any other length.
	WindowSize int

	// ConfidenceThreshold is the initial confidence cutoff, range [0.0, 1.0].
	// Detections the algorithm does not trust at this level are reported as
	// unpitched (zero frequency) rather than passed through.
	ConfidenceThreshold float64

	// SilenceThreshold is the initial silence floor in dBFS (e.g. -50).
	// Windows quieter than this should yield a zero-frequency result.
	SilenceThreshold float64
}

// Estimator analyses fixed-size windows of mono float32 audio and reports the
// fundamental frequency it hears.
type Estimator interface {
	// Estimate returns the detected fundamental frequency in Hz and a
	// confidence score in [0.0, 1.0] for one analysis window. A frequency of
	// 0 means no pitch was found. The window length always equals the
	// WindowSize the estimator was configured with.
	//
	// Estimate runs on the audio callback goroutine and must not block.
	Estimate(window []float32) (freq float64, confidence float64)

	// SetConfidenceThreshold replaces the confidence cutoff at runtime.
	SetConfidenceThreshold(threshold float64)

	// SetSilenceThreshold replaces the silence floor (dBFS) at runtime.
	SetSilenceThreshold(dbFS float64)

	// Close releases any resources held by the estimator. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Factory constructs an Estimator for a concrete stream configuration. The
// capture engine invokes it on every successful start, and again whenever the
// stream is reacquired with a different sample rate.
type Factory func(cfg Config) (Estimator, error)
