package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a ping function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// ReadinessChecks holds the dependency checkers for the readiness endpoint.
type ReadinessChecks struct {
	// DefinitionsLoaded always runs; a nil func counts as not loaded.
	DefinitionsLoaded func() bool

	// Optional, only run if non-nil.
	Store HealthChecker
	Lock  HealthChecker
}

const checkTimeout = 2 * time.Second

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// HandleHealth answers liveness probes with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady answers readiness probes. The service is ready once types are
// loaded and the configured store and lock backends answer a ping. Checks
// run concurrently, each within checkTimeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := checks.named()
		results := make([]CheckResult, len(named))

		var g errgroup.Group
		for i, nc := range named {
			g.Go(func() error {
				results[i] = runCheck(r.Context(), nc.checker)
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(named))}
		status := http.StatusOK
		for i, nc := range named {
			resp.Checks[nc.name] = results[i]
			if results[i].Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

// named lists the checks to run. The definitions check always runs; a nil
// DefinitionsLoaded counts as nothing loaded.
func (c ReadinessChecks) named() []namedCheck {
	out := []namedCheck{{name: "definitions", checker: HealthCheckFunc(func(context.Context) error {
		if c.DefinitionsLoaded == nil || !c.DefinitionsLoaded() {
			return errNoDefinitions
		}
		return nil
	})}}
	if c.Store != nil {
		out = append(out, namedCheck{name: "store", checker: c.Store})
	}
	if c.Lock != nil {
		out = append(out, namedCheck{name: "lock", checker: c.Lock})
	}
	return out
}

var errNoDefinitions = errors.New("no application types loaded")

// runCheck runs one check under checkTimeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}
