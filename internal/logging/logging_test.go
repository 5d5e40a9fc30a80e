package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/ledlink/internal/config"
)

func TestNewRespectsLevelAndCopiesToExtra(t *testing.T) {
	var out bytes.Buffer
	buf := NewLogBuffer(10)
	log := NewWithOutput(config.Log{Level: "warn"}, &out, buf)

	log.Info().Msg("hidden")
	log.Warn().Str("component", "device").Msg("shown")

	entries := buf.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0].Msg)
	assert.Equal(t, "warn", entries[0].Level)
	assert.Equal(t, "device", entries[0].Component)
	assert.Contains(t, out.String(), `"message":"shown"`)
	assert.NotContains(t, out.String(), "hidden")
}

func TestPrettyOutputStillFeedsJSONToBuffer(t *testing.T) {
	var out bytes.Buffer
	buf := NewLogBuffer(10)
	log := NewWithOutput(config.Log{Level: "debug", Pretty: true}, &out, buf)

	log.Debug().Msg("hello")
	assert.NotContains(t, out.String(), `"message"`)
	assert.Contains(t, out.String(), "hello")
	require.Len(t, buf.Snapshot(), 1)
	assert.Equal(t, "debug", buf.Snapshot()[0].Level)
}

func TestBufferJoinsPartialWrites(t *testing.T) {
	buf := NewLogBuffer(2)
	_, _ = buf.Write([]byte("plain "))
	assert.Empty(t, buf.Snapshot())
	_, _ = buf.Write([]byte("line\n\n"))
	_, _ = buf.Write([]byte("two\nthree\n"))

	entries := buf.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Msg)
	assert.Equal(t, "three", entries[1].Line)
	assert.Equal(t, []LogEntry{entries[1]}, buf.Tail(1))
}

func TestSubscribeReceivesNewLines(t *testing.T) {
	buf := NewLogBuffer(10)
	ch, cancel := buf.Subscribe()
	_, _ = buf.Write([]byte(`{"level":"info","message":"x"}` + "\n"))

	select {
	case e := <-ch:
		assert.Equal(t, "x", e.Msg)
	case <-time.After(time.Second):
		t.Fatal("no entry")
	}
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

func TestServeLogsJSON(t *testing.T) {
	buf := NewLogBuffer(10)
	for _, m := range []string{"a", "b", "c"} {
		_, _ = buf.Write([]byte(m + "\n"))
	}

	rec := httptest.NewRecorder()
	buf.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?tail=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Msg)

	rec = httptest.NewRecorder()
	buf.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?tail=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	buf.ServeLogsJSON(rec, httptest.NewRequest(http.MethodPost, "/api/logs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeLogsSSETails(t *testing.T) {
	buf := NewLogBuffer(10)
	srv := httptest.NewServer(http.HandlerFunc(buf.ServeLogsSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	// The handler subscribes after flushing headers; keep writing until a
	// line arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				_, _ = buf.Write([]byte(`{"message":"tick"}` + "\n"))
			}
		}
	}()

	sc := bufio.NewScanner(resp.Body)
	var data string
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "data: ") {
			data = strings.TrimPrefix(sc.Text(), "data: ")
			break
		}
	}
	require.NotEmpty(t, data)
	var e LogEntry
	require.NoError(t, json.Unmarshal([]byte(data), &e))
	assert.Equal(t, "tick", e.Msg)
}
