// Package diagnostics provides the small local HTTP surface C11 exposes
// for operators: liveness/readiness and a hand-rolled Prometheus text
// exposition of per-actor counters. Grounded on the teacher's router
// construction style (internal/api/router.go: chi.NewRouter + chi
// middleware + go-chi/cors), trimmed to the three routes this runtime
// actually needs — there is no public REST API here, spec.md §1
// ("it does not implement the cloud's REST API").
package diagnostics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Counters is a concurrency-safe set of named monotonic counters, exposed
// in Prometheus text format. bridge.Engine, operations.Registry and
// children.Coordinator each hold one via SetCounters and increment their
// own named counters (forwards, operation transitions, decode errors,
// timeouts); nothing else in the runtime reads these directly, so a small
// hand-rolled map is enough — see DESIGN.md for why the full
// prometheus/client_golang dependency was judged disproportionate here.
type Counters struct {
	mu     sync.Mutex
	values map[string]float64
}

// NewCounters returns an empty counter set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]float64)}
}

// Inc increments name by 1.
func (c *Counters) Inc(name string) { c.Add(name, 1) }

// Add increments name by delta.
func (c *Counters) Add(name string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] += delta
}

func (c *Counters) snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// HealthFunc reports whether the runtime considers itself ready, e.g. the
// bridge's remote session is currently connected.
type HealthFunc func() (ready bool, detail string)

// NewRouter builds the diagnostics HTTP handler: /healthz for liveness,
// /readyz for readiness (backed by ready), /metrics for counters. Any
// mount funcs are called with the underlying chi.Router so callers can
// attach additional route groups (e.g. internal/filetransfer) onto the
// same listener instead of standing up a second HTTP server.
func NewRouter(ready HealthFunc, counters *Counters, version string, mounts ...func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "up", "version": version})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ok, detail := true, ""
		if ready != nil {
			ok, detail = ready()
		}
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{"ready": ok, "detail": detail})
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		values := counters.snapshot()
		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "tedge_agent_%s %g\n", name, values[name])
		}
	})

	for _, mount := range mounts {
		mount(r)
	}

	return r
}

// NewHTTPServer wraps handler in an *http.Server bound to addr with the
// teacher's timeout conventions (cmd/server/main.go).
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
