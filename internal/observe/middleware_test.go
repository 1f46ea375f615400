package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// wrap builds the middleware around inner with test-local metrics and a
// test-local global tracer, returning the wrapped handler and both sinks.
func wrap(t *testing.T, inner http.Handler) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := installTestTracer(t)
	return Middleware(m)(inner), reader, exp
}

var hexID = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestMiddlewareTagsResponseWithTraceID(t *testing.T) {
	var inCtx string
	handler, _, _ := wrap(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inCtx = CorrelationID(r.Context())
		_, _ = w.Write([]byte("ok")) // implicit 200, no WriteHeader call
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if !hexID.MatchString(inCtx) {
		t.Fatalf("handler saw correlation ID %q, want 32 hex chars", inCtx)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inCtx {
		t.Errorf("X-Correlation-ID = %q, want handler's %q", got, inCtx)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareAdoptsIncomingTraceparent(t *testing.T) {
	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

	var inCtx string
	handler, _, _ := wrap(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inCtx = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/events", nil)
	req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if inCtx != upstream {
		t.Errorf("handler correlation ID = %q, want upstream trace %q", inCtx, upstream)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want %q", got, upstream)
	}
}

func TestMiddlewareRecordsRequestMetric(t *testing.T) {
	handler, reader, _ := wrap(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/metrics", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "tonewire.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("request duration has no histogram points")
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	var method, path string
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			method = kv.Value.AsString()
		case "path":
			path = kv.Value.AsString()
		}
	}
	if method != "GET" || path != "/metrics" {
		t.Errorf("attributes method=%q path=%q, want GET /metrics", method, path)
	}
}

func TestMiddlewareSpanCarriesStatusCode(t *testing.T) {
	handler, _, exp := wrap(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "capture stalled", http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /readyz")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 503 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=503")
	}
}
