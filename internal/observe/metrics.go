// Package observe provides application-wide observability primitives for
// Tonewire: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. The capture and synthesis
// engines create their own instruments from the injected meter provider;
// this package carries the application-level ones. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Tonewire
// application metrics.
const meterName = "github.com/MrWong99/tonewire"

// Metrics holds the application-level OpenTelemetry metric instruments.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FollowDuration tracks the time from a pitch event arriving to the
	// matching synthesizer dispatch.
	FollowDuration metric.Float64Histogram

	// PitchEvents counts pitch events consumed by the note follower. Use
	// with attribute:
	//   attribute.String("status", "played"|"held"|"candidate")
	PitchEvents metric.Int64Counter

	// NotesPlayed counts notes the follower started on the synthesizer.
	NotesPlayed metric.Int64Counter

	// BankLoads counts sound bank load attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	BankLoads metric.Int64Counter

	// BridgeMessages counts event-bridge publishes. Use with attribute:
	//   attribute.String("status", "sent"|"dropped")
	BridgeMessages metric.Int64Counter

	// BridgeReconnects counts bridge reconnection attempts.
	BridgeReconnects metric.Int64Counter

	// ActiveStreams tracks the number of open audio device streams.
	ActiveStreams metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// followBuckets defines histogram bucket boundaries (in seconds) for the
// event-to-dispatch path, which runs on the audio callback.
var followBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FollowDuration, err = m.Float64Histogram("tonewire.follow.duration",
		metric.WithDescription("Latency from pitch event to synthesizer dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(followBuckets...),
	); err != nil {
		return nil, err
	}

	if met.PitchEvents, err = m.Int64Counter("tonewire.app.pitch_events",
		metric.WithDescription("Pitch events consumed by the note follower, by status."),
	); err != nil {
		return nil, err
	}
	if met.NotesPlayed, err = m.Int64Counter("tonewire.app.notes_played",
		metric.WithDescription("Notes the follower started on the synthesizer."),
	); err != nil {
		return nil, err
	}
	if met.BankLoads, err = m.Int64Counter("tonewire.app.bank_loads",
		metric.WithDescription("Sound bank load attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.BridgeMessages, err = m.Int64Counter("tonewire.bridge.messages",
		metric.WithDescription("Event bridge publishes by status."),
	); err != nil {
		return nil, err
	}
	if met.BridgeReconnects, err = m.Int64Counter("tonewire.bridge.reconnects",
		metric.WithDescription("Event bridge reconnection attempts."),
	); err != nil {
		return nil, err
	}

	if met.ActiveStreams, err = m.Int64UpDownCounter("tonewire.active_streams",
		metric.WithDescription("Number of open audio device streams."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("tonewire.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPitchEvent records one consumed pitch event with its follower
// outcome.
func (m *Metrics) RecordPitchEvent(ctx context.Context, status string) {
	m.PitchEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordBankLoad records a sound bank load attempt.
func (m *Metrics) RecordBankLoad(ctx context.Context, status string) {
	m.BankLoads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordBridgeMessage records one bridge publish outcome.
func (m *Metrics) RecordBridgeMessage(ctx context.Context, status string) {
	m.BridgeMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
