// Package health exposes the probe endpoints of the tonewired daemon.
//
// Liveness (/healthz) answers 200 whenever the HTTP server itself is up.
// Readiness (/readyz) additionally requires every registered [Checker] to
// pass, so a daemon whose audio streams died or that never managed to load
// a sound bank drops out of rotation without exiting.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// A Checker reports whether one dependency of the daemon is usable.
type Checker struct {
	// Name keys the check's entry in the readiness report, e.g. "capture"
	// or "soundbank".
	Name string

	// Check returns nil when the dependency is usable. Implementations must
	// honor ctx; every readiness request runs each check under its own
	// deadline.
	Check func(ctx context.Context) error
}

// probeReport is the JSON body of both probes. Checks is keyed by checker
// name and holds either "ok" or "fail: <reason>".
type probeReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction, so a Handler needs no locking.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] over the given checkers. Readiness evaluates them
// in order and reports every result, not just the first failure.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Healthz implements the liveness probe. It answers 200 unconditionally:
// if this handler runs at all, the process is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, probeReport{Status: "ok"})
}

// Readyz implements the readiness probe. Every checker runs on each request;
// any failure turns the report into a 503 while still listing the checks
// that passed.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	report := probeReport{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	code := http.StatusOK

	for _, c := range h.checkers {
		if err := runCheck(r.Context(), c); err != nil {
			report.Checks[c.Name] = "fail: " + err.Error()
			report.Status = "fail"
			code = http.StatusServiceUnavailable
		} else {
			report.Checks[c.Name] = "ok"
		}
	}

	respond(w, code, report)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func runCheck(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.Check(ctx)
}

// respond marshals the report before touching the ResponseWriter so an
// encoding failure can still produce a clean 500.
func respond(w http.ResponseWriter, code int, report probeReport) {
	body, err := json.Marshal(report)
	if err != nil {
		http.Error(w, "health: encode report", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// StreamRunning returns a checker that fails while the named engine has no
// running device stream. The running func is typically an engine's Running
// method.
func StreamRunning(name string, running func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !running() {
				return fmt.Errorf("%s stream not running", name)
			}
			return nil
		},
	}
}

// BankLoaded returns a checker that fails until the synthesizer reports a
// loaded sound bank.
func BankLoaded(bankName func() string) Checker {
	return Checker{
		Name: "soundbank",
		Check: func(context.Context) error {
			if bankName() == "" {
				return errors.New("no sound bank loaded")
			}
			return nil
		},
	}
}
