// internal/viewer/routes/helpers.go

package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
)

const maxBody = 64 << 10

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes an optional JSON body into T before calling fn. An
// empty body leaves T at its zero value.
func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			return
		}
		fn(w, r, req)
	})
}

// decodeJSON writes a 400 for malformed bodies. io.EOF (no body) is
// returned without writing so callers can treat it as empty.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// queryInt parses a non-negative integer query parameter, returning def
// when it is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
