package routes

import (
	"fmt"
	"net/http"

	"github.com/petervdpas/ledlink/internal/logging"
)

// GET /api/events: SSE of device events and channel transitions. Each
// connection holds its own subscription; slow readers lose events rather
// than stall the runtime.
func registerEventRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch := make(chan FeedEvent, 64)
		cancel := d.Control.Subscribe(func(ev FeedEvent) {
			select {
			case ch <- ev:
			default:
			}
		})
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				logging.WriteSSE(w, ev.Type, ev.Data)
				flusher.Flush()
			}
		}
	})
}
