package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/tonewire/internal/health"
)

// report mirrors the JSON body of the probe endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// probe serves one GET against h and decodes the JSON body.
func probe(t *testing.T, h http.HandlerFunc, target string) (*httptest.ResponseRecorder, report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", target, nil))

	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode probe body: %v", err)
	}
	return rec, rep
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()
	// Liveness must stay green even when readiness would fail.
	h := health.New(health.Checker{
		Name:  "capture",
		Check: func(context.Context) error { return errors.New("stream gone") },
	})

	rec, rep := probe(t, h.Healthz, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("liveness status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rep.Status != "ok" {
		t.Errorf("body status = %q, want %q", rep.Status, "ok")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyzReportsEveryCheck(t *testing.T) {
	t.Parallel()
	h := health.New(
		health.Checker{Name: "capture", Check: func(context.Context) error { return nil }},
		health.Checker{Name: "synth", Check: func(context.Context) error {
			return errors.New("output device lost")
		}},
		health.Checker{Name: "soundbank", Check: func(context.Context) error { return nil }},
	)

	rec, rep := probe(t, h.Readyz, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rep.Status != "fail" {
		t.Errorf("body status = %q, want %q", rep.Status, "fail")
	}
	want := map[string]string{
		"capture":   "ok",
		"synth":     "fail: output device lost",
		"soundbank": "ok",
	}
	for name, val := range want {
		if rep.Checks[name] != val {
			t.Errorf("check %s = %q, want %q", name, rep.Checks[name], val)
		}
	}
}

func TestReadyzReadyWithNoCheckers(t *testing.T) {
	t.Parallel()
	rec, rep := probe(t, health.New().Readyz, "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("readiness status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rep.Status != "ok" {
		t.Errorf("body status = %q, want %q", rep.Status, "ok")
	}
}

func TestReadyzChecksRunUnderDeadline(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{Name: "bounded", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("check ran without a deadline")
		}
		return nil
	}})

	rec, _ := probe(t, h.Readyz, "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("readiness status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyzPropagatesRequestCancellation(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegisterRoutes(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	health.New().Register(mux)

	tests := []struct {
		method, path string
		want         int
	}{
		{"GET", "/healthz", http.StatusOK},
		{"GET", "/readyz", http.StatusOK},
		{"POST", "/healthz", http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestStreamRunningChecker(t *testing.T) {
	t.Parallel()
	running := false
	c := health.StreamRunning("capture", func() bool { return running })

	if err := c.Check(context.Background()); err == nil {
		t.Error("check passed while stream not running")
	}
	running = true
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("check failed while running: %v", err)
	}
	if c.Name != "capture" {
		t.Errorf("checker name = %q, want %q", c.Name, "capture")
	}
}

func TestBankLoadedChecker(t *testing.T) {
	t.Parallel()
	name := ""
	c := health.BankLoaded(func() string { return name })

	if err := c.Check(context.Background()); err == nil {
		t.Error("check passed with no bank loaded")
	}
	name = "default"
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("check failed with bank loaded: %v", err)
	}
}
