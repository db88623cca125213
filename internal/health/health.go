// Package health serves the liveness and readiness probes of a callflow node.
//
// GET /healthz answers 200 while the process can serve HTTP and reports
// uptime. GET /readyz decides whether the carrier's load balancer should send
// this node new calls: it answers 503 while draining or when a required
// [Checker] fails. Optional checkers (provider circuits, for instance) only
// downgrade the status to "degraded"; a node whose STT vendor is failing over
// can still take calls.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each checker within a /readyz request.
const checkTimeout = 3 * time.Second

// Probe statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
	StatusDraining = "draining"
)

// Checker is one readiness condition.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional failures report degraded instead of failing the probe.
	Optional bool
}

// CheckResult is the outcome of one checker in a [Report].
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Millis   int64  `json:"duration_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status        string                 `json:"status"`
	UptimeSeconds int64                  `json:"uptime_seconds,omitempty"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. Checkers may be added at any time.
type Handler struct {
	started  time.Time
	draining atomic.Bool

	mu       sync.RWMutex
	checkers []Checker
}

// New returns a handler evaluating checkers on every /readyz.
func New(checkers ...Checker) *Handler {
	return &Handler{started: time.Now(), checkers: append([]Checker(nil), checkers...)}
}

// Add registers more checkers.
func (h *Handler) Add(checkers ...Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, checkers...)
	h.mu.Unlock()
}

// SetDraining flips /readyz to 503 "draining" without running checkers.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{
		Status:        StatusOK,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeReport(w, http.StatusServiceUnavailable, Report{Status: StatusDraining})
		return
	}
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

// Evaluate runs all checkers concurrently and folds their results: any
// required failure fails the report, any optional failure degrades it.
func (h *Handler) Evaluate(ctx context.Context) Report {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(checkers))}
	for i, c := range checkers {
		res := results[i]
		rep.Checks[c.Name] = res
		switch {
		case res.Status == StatusOK:
		case c.Optional:
			if rep.Status == StatusOK {
				rep.Status = StatusDegraded
			}
		default:
			rep.Status = StatusFail
		}
	}
	return rep
}

func run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: StatusOK, Optional: c.Optional, Millis: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusFail
		res.Error = err.Error()
	}
	return res
}

func writeReport(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
