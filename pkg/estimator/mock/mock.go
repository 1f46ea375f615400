// Package mock provides test doubles for the estimator package interfaces.
//
// Use Factory to verify that estimators are constructed with the expected
// Config (actual sample rate, window size, pending thresholds). Use Estimator
// to inject (frequency, confidence) responses and inspect the windows that
// were analysed.
//
// Example:
//
//	est := &mock.Estimator{Freq: 440, Confidence: 0.95}
//	f := mock.NewFactory(est)
//	eng := capture.New(backend, f.New)
package mock

import (
	"sync"

	"github.com/MrWong99/tonewire/pkg/estimator"
)

// Factory is a mock implementation of [estimator.Factory] (via its New
// method) that records every construction request.
type Factory struct {
	mu sync.Mutex

	// Est is the Estimator returned by New. If nil, New returns a fresh
	// default Estimator.
	Est estimator.Estimator

	// NewErr, if non-nil, is returned as the error from New.
	NewErr error

	// NewCalls records the Config of every New invocation in order.
	NewCalls []estimator.Config
}

// NewFactory returns a Factory that always yields est.
func NewFactory(est estimator.Estimator) *Factory {
	return &Factory{Est: est}
}

// New records the call and returns Est, NewErr.
func (f *Factory) New(cfg estimator.Config) (estimator.Estimator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NewCalls = append(f.NewCalls, cfg)
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	if f.Est != nil {
		return f.Est, nil
	}
	return &Estimator{}, nil
}

// Calls returns a copy of the recorded construction configs. Thread-safe.
func (f *Factory) Calls() []estimator.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]estimator.Config, len(f.NewCalls))
	copy(out, f.NewCalls)
	return out
}

// EstimateCall records a single invocation of Estimator.Estimate.
type EstimateCall struct {
	// Window is a copy of the samples passed to Estimate.
	Window []float32
}

// Estimator is a mock implementation of estimator.Estimator.
//
// By default every Estimate call returns (Freq, Confidence). For per-call
// scripting, fill Script; entries are consumed one per call and the last
// entry repeats once the script is exhausted.
type Estimator struct {
	mu sync.Mutex

	// Freq is the frequency returned by Estimate when Script is empty.
	Freq float64

	// Confidence is the confidence returned alongside Freq.
	Confidence float64

	// Script, when non-empty, supplies per-call results in order.
	Script []EstimateResult

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// EstimateCalls records every call to Estimate in order.
	EstimateCalls []EstimateCall

	// ConfidenceThresholds records every SetConfidenceThreshold value.
	ConfidenceThresholds []float64

	// SilenceThresholds records every SetSilenceThreshold value.
	SilenceThresholds []float64

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	script int
}

// EstimateResult is one scripted response.
type EstimateResult struct {
	Freq       float64
	Confidence float64
}

// Estimate records the call and returns the next scripted (or fixed) result.
func (e *Estimator) Estimate(window []float32) (float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]float32, len(window))
	copy(cp, window)
	e.EstimateCalls = append(e.EstimateCalls, EstimateCall{Window: cp})
	if len(e.Script) == 0 {
		return e.Freq, e.Confidence
	}
	r := e.Script[min(e.script, len(e.Script)-1)]
	e.script++
	return r.Freq, r.Confidence
}

// SetConfidenceThreshold records the value.
func (e *Estimator) SetConfidenceThreshold(threshold float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ConfidenceThresholds = append(e.ConfidenceThresholds, threshold)
}

// SetSilenceThreshold records the value.
func (e *Estimator) SetSilenceThreshold(dbFS float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SilenceThresholds = append(e.SilenceThresholds, dbFS)
}

// Close records the call and returns CloseErr.
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return e.CloseErr
}

// Windows returns the lengths of every analysed window. Thread-safe.
func (e *Estimator) Windows() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.EstimateCalls))
	for i, c := range e.EstimateCalls {
		out[i] = len(c.Window)
	}
	return out
}

// Reset clears all recorded calls and rewinds the script. Thread-safe.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.EstimateCalls = nil
	e.ConfidenceThresholds = nil
	e.SilenceThresholds = nil
	e.CloseCallCount = 0
	e.script = 0
}

// Ensure mocks satisfy the estimator interfaces at compile time.
var _ estimator.Estimator = (*Estimator)(nil)
var _ estimator.Factory = (*Factory)(nil).New
