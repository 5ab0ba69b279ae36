// Package health serves the liveness and readiness probes of speechmux.
//
// /healthz answers 200 while the process can serve HTTP. /readyz answers 200
// only when every registered [Checker] passes, typically "the client holds a
// live connection to the platform". Bodies are JSON:
//
//	{"status":"ok","checks":{"connection":"ok"}}
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speechmux/internal/resilience"
)

const checkTimeout = 5 * time.Second

// ErrNotConnected is reported by [Connected] while no connection is live.
var ErrNotConnected = errors.New("health: not connected")

// Checker is one named readiness check.
type Checker struct {
	// Name keys the check in the response.
	Name string

	// Check returns nil when healthy. It must respect ctx.
	Check func(ctx context.Context) error
}

// Connector is implemented by speech.Client and runner.Runner.
type Connector interface {
	Connected() bool
}

// Connected returns a checker that fails while c has no live connection.
func Connected(name string, c Connector) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !c.Connected() {
			return ErrNotConnected
		}
		return nil
	}}
}

// BreakerStates is implemented by [resilience.FailoverDialer].
type BreakerStates interface {
	States() map[string]resilience.State
}

// AnyClosed returns a checker that fails when every endpoint breaker of d is
// open, meaning the next dial has nothing to try.
func AnyClosed(name string, d BreakerStates) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		states := d.States()
		for _, s := range states {
			if s != resilience.StateOpen {
				return nil
			}
		}
		return fmt.Errorf("health: all %d endpoints open", len(states))
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each bounded by a five second
// deadline, and answers 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res, status := result{Status: "ok", Checks: checks}, http.StatusOK
	if failed {
		res.Status, status = "fail", http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
