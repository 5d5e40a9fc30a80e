package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 2 * time.Second

// Server exposes a Device over HTTP the way the firmware does:
//
//	GET  /ws                 WebSocket command link
//	POST /button?n=1&long=0  inject a button press
//	POST /mute?on=1          stop answering (including pongs)
//	GET  /state              slots as JSON
type Server struct {
	dev *Device
	log zerolog.Logger
	mux *http.ServeMux
}

func NewServer(dev *Device, logger zerolog.Logger) *Server {
	s := &Server{
		dev: dev,
		log: logger.With().Str("component", "simulator-http").Logger(),
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/button", s.handleButton)
	s.mux.HandleFunc("/mute", s.handleMute)
	s.mux.HandleFunc("/state", s.handleState)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("device simulator listening")

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

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var wmu sync.Mutex
	write := func(text string) {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			s.log.Debug().Err(err).Msg("write failed")
		}
	}

	conn.SetPingHandler(func(data string) error {
		if s.dev.Muted() {
			return nil
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	detach := s.dev.Attach(write)
	defer detach()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("runtime connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Info().Str("remote", r.RemoteAddr).Err(err).Msg("runtime disconnected")
			return
		}
		if reply, ok := s.dev.Handle(string(data)); ok {
			write(reply)
		}
	}
}

func (s *Server) handleButton(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil {
		http.Error(w, "n must be 1 or 2", http.StatusBadRequest)
		return
	}
	long := false
	if v := r.URL.Query().Get("long"); v != "" {
		if long, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "long must be a boolean", http.StatusBadRequest)
			return
		}
	}
	delivered, err := s.dev.Press(n, long)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "delivered": delivered})
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	on := true
	if v := r.URL.Query().Get("on"); v != "" {
		var err error
		if on, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "on must be a boolean", http.StatusBadRequest)
			return
		}
	}
	s.dev.SetMuted(on)
	writeJSON(w, map[string]any{"ok": true, "muted": on})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{"muted": s.dev.Muted(), "slots": s.dev.Slots()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
