// Package health serves the liveness and readiness endpoints of a lingo
// process.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// [Checker] concurrently and answers 200 only when all of them pass. Its
// [Report] names the latest voice session, so a failing check points at the
// session it describes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lingo/internal/observe"
)

// defaultTimeout bounds a single check.
const defaultTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name is the key of the check in [Report.Checks], e.g. "ffmpeg".
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

// Report is the JSON body of both endpoints.
type Report struct {
	Status  string               `json:"status"`
	Session *observe.SessionInfo `json:"session,omitempty"`
	Checks  map[string]string    `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == "ok" }

// Option configures a [Handler].
type Option func(*Handler)

// WithSession adds the session that current reports to every readiness
// report.
func WithSession(current func() (observe.SessionInfo, bool)) Option {
	return func(h *Handler) { h.session = current }
}

// WithTimeout overrides the per-check deadline. Non-positive values are
// ignored.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	session  func() (observe.SessionInfo, bool)
	timeout  time.Duration
}

// New returns a Handler evaluating checkers on every readiness request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Check runs all checkers concurrently, each under its own deadline, and
// collects the report. Failed checks are logged at warn.
func (h *Handler) Check(ctx context.Context) Report {
	results := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			results[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	if h.session != nil {
		if s, ok := h.session(); ok {
			rep.Session = &s
			ctx = observe.WithSession(ctx, s)
		}
	}
	var failed []string
	for i, c := range h.checkers {
		if err := results[i]; err != nil {
			rep.Checks[c.Name] = "fail: " + err.Error()
			rep.Status = "fail"
			failed = append(failed, c.Name)
			continue
		}
		rep.Checks[c.Name] = "ok"
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		observe.Logger(ctx).Warn("health: not ready", "failed", failed)
	}
	return rep
}

// Healthz is the liveness endpoint.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz is the readiness endpoint: 200 with the report when every check
// passes, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register adds both routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observe.Logger(context.Background()).Debug("health: encode response", "err", err)
	}
}
