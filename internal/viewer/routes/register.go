// internal/viewer/routes/register.go
package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/petervdpas/ledlink/internal/device"
	"github.com/petervdpas/ledlink/internal/session"
	"github.com/petervdpas/ledlink/internal/storage"
)

// ErrUnknownChannel is returned by Control for a player that is not
// configured.
var ErrUnknownChannel = errors.New("unknown channel")

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Status is what GET /api/status reports.
type Status struct {
	Link     device.Status  `json:"link"`
	Simulate bool           `json:"simulate"`
	Envelope bool           `json:"json_envelope"`
	Channels []session.Info `json:"channels"`
}

// FeedEvent is one item on GET /api/events. Type is "device",
// "transition", "command" or "config".
type FeedEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Control is the runtime as seen by the HTTP surface.
type Control interface {
	Status() Status
	Connect() error
	Disconnect()
	PlayerEvent(player int, ev session.Event) (session.Info, error)
	SendRaw(text string) bool
	Subscribe(fn func(FeedEvent)) (cancel func())
}

type Journal interface {
	Recent(ctx context.Context, limit int, kind string) ([]storage.Entry, error)
}

type Deps struct {
	Control Control
	Journal Journal      // nil when the journal is disabled
	Logs    Logs         // nil disables /api/logs
	Metrics http.Handler // nil disables /metrics
	Config  func() any   // running configuration, nil disables /api/config
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerControlRoutes(mux, d)
	registerEventRoutes(mux, d)
	registerJournalRoutes(mux, d)

	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}
	if d.Config != nil {
		handleGet(mux, "/api/config", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.Config())
		})
	}
}
