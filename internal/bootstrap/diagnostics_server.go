package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tedge-io/tedge-agent/internal/diagnostics"
)

// shutdownGrace bounds how long C11 waits for in-flight MQTT publishes and
// the diagnostics HTTP server to drain on shutdown.
const shutdownGrace = 5 * time.Second

// diagnosticsServer adapts diagnostics.NewHTTPServer to the actor
// interface: Run starts listening and blocks until ctx is canceled, then
// shuts the server down within shutdownGrace. Readiness is reported as
// "the primary cloud bridge is currently connected" (the flag is cleared
// again when the session is lost), the same signal
// operators care about when checking whether the gateway is actually
// forwarding (spec.md §4.11).
type diagnosticsServer struct {
	srv *http.Server
}

func newDiagnosticsServer(addr string, counters *diagnostics.Counters, version string, ready diagnostics.HealthFunc, mount func(chi.Router)) *diagnosticsServer {
	handler := diagnostics.NewRouter(ready, counters, version, mount)
	return &diagnosticsServer{srv: diagnostics.NewHTTPServer(addr, handler)}
}

func (d *diagnosticsServer) Name() string { return "diagnostics" }

func (d *diagnosticsServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := d.srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("diagnostics: server shutdown did not complete cleanly")
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
