package routes

import (
	"errors"
	"net/http"
	"strings"

	"github.com/petervdpas/ledlink/internal/session"
)

// Runtime control.
//
//	GET  /api/status
//	POST /api/connect
//	POST /api/disconnect
//	POST /api/player       {"player":1,"action":"play"}
//	POST /api/device/send  {"text":"on1"}
func registerControlRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Control.Status())
	})

	handlePost(mux, "/api/connect", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := d.Control.Connect(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"status": "connecting", "link": d.Control.Status().Link})
	})

	handlePost(mux, "/api/disconnect", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		d.Control.Disconnect()
		writeJSON(w, map[string]any{"status": "disconnected", "link": d.Control.Status().Link})
	})

	handlePost(mux, "/api/player", func(w http.ResponseWriter, r *http.Request, req struct {
		Player int    `json:"player"`
		Action string `json:"action"`
	}) {
		ev, ok := session.ParseEvent(strings.TrimSpace(req.Action))
		if !ok {
			http.Error(w, "unknown action "+req.Action, http.StatusBadRequest)
			return
		}
		info, err := d.Control.PlayerEvent(req.Player, ev)
		if errors.Is(err, ErrUnknownChannel) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, info)
	})

	handlePost(mux, "/api/device/send", func(w http.ResponseWriter, r *http.Request, req struct {
		Text string `json:"text"`
	}) {
		if strings.TrimSpace(req.Text) == "" {
			http.Error(w, "missing text", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]bool{"sent": d.Control.SendRaw(req.Text)})
	})
}
