// Package viewer serves the local HTTP control surface: status, control,
// event and log streams, the journal and metrics.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/ledlink/internal/logging"
	"github.com/petervdpas/ledlink/internal/metrics"
	"github.com/petervdpas/ledlink/internal/viewer/routes"
)

type Viewer struct {
	Control routes.Control
	Journal routes.Journal // nil when the journal is disabled
	Logs    *logging.LogBuffer
	Config  func() any
	Logger  zerolog.Logger
}

// Handler builds the full route table.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		Control: v.Control,
		Journal: v.Journal,
		Metrics: metrics.Handler(),
		Config:  v.Config,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	return noCache(mux)
}

// Start serves on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	log := v.Logger.With().Str("component", "viewer").Logger()
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(v),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info().Str("addr", "http://"+addr).Msg("control surface listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
