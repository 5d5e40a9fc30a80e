package routes

import (
	"net/http"

	"github.com/petervdpas/ledlink/internal/storage"
)

// Read-only history endpoints.
//
//	GET /api/logs              buffered log lines
//	GET /api/logs/stream       SSE tail of new log lines
//	GET /api/journal?limit=N&kind=K
func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
	mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
}

func registerJournalRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/journal", func(w http.ResponseWriter, r *http.Request) {
		if d.Journal == nil {
			http.Error(w, "journal disabled", http.StatusNotFound)
			return
		}
		limit, err := queryInt(r, "limit", 100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		entries, err := d.Journal.Recent(r.Context(), limit, r.URL.Query().Get("kind"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []storage.Entry{}
		}
		writeJSON(w, entries)
	})
}
