package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/ledlink/internal/util"
)

type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Component string    `json:"component,omitempty"`
	Msg       string    `json:"msg"`
	Line      string    `json:"line"`
}

// LogBuffer keeps the most recent log lines and fans them out to
// subscribers. It is an io.Writer for zerolog's JSON output; lines that are
// not JSON are kept verbatim.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)

	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}

		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)

		if strings.TrimSpace(line) == "" {
			continue
		}

		e := parseLine(line)
		b.entries.Push(e)
		b.broadcastLocked(e)
	}

	return len(p), nil
}

func parseLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line, Line: line}

	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return e
	}
	if v, ok := fields[zerolog.MessageFieldName].(string); ok {
		e.Msg = v
	}
	if v, ok := fields[zerolog.LevelFieldName].(string); ok {
		e.Level = v
	}
	if v, ok := fields["component"].(string); ok {
		e.Component = v
	}
	if v, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(zerolog.TimeFieldFormat, v); err == nil {
			e.TS = ts
		}
	}
	return e
}

func (b *LogBuffer) broadcastLocked(e LogEntry) {
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

// Tail returns the newest n entries.
func (b *LogBuffer) Tail(n int) []LogEntry {
	return b.entries.Last(n)
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs?tail=N
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := b.Snapshot()
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "tail must be a non-negative integer", http.StatusBadRequest)
			return
		}
		entries = b.Tail(n)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(entries)
}

// GET /api/logs/stream  (Server-Sent Events) - tail only (no snapshot)
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			WriteSSE(w, "log", e)
			flusher.Flush()
		}
	}
}

// WriteSSE writes v as one server-sent event.
func WriteSSE(w http.ResponseWriter, event string, v any) {
	b, _ := json.Marshal(v)
	_, _ = w.Write([]byte("event: " + event + "\n"))
	_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
}
