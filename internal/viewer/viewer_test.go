package viewer

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/ledlink/internal/device"
	"github.com/petervdpas/ledlink/internal/logging"
	"github.com/petervdpas/ledlink/internal/metrics"
	"github.com/petervdpas/ledlink/internal/session"
	"github.com/petervdpas/ledlink/internal/viewer/routes"
)

type idleControl struct{}

func (idleControl) Status() routes.Status {
	return routes.Status{Link: device.Status{State: device.Disconnected}}
}
func (idleControl) Connect() error { return nil }
func (idleControl) Disconnect()    {}
func (idleControl) PlayerEvent(int, session.Event) (session.Info, error) {
	return session.Info{}, routes.ErrUnknownChannel
}
func (idleControl) SendRaw(string) bool                  { return false }
func (idleControl) Subscribe(func(routes.FeedEvent)) func() { return func() {} }

func TestHandlerServesAPIAndMetrics(t *testing.T) {
	logs := logging.NewLogBuffer(10)
	_, _ = logs.Write([]byte(`{"level":"info","message":"booted"}` + "\n"))
	metrics.ConnectAttemptsTotal.Inc()

	srv := httptest.NewServer(Handler(Viewer{Control: idleControl{}, Logs: logs}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")

	resp, err = http.Get(srv.URL + "/api/logs")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "booted")

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "ledlink_connect_attempts_total")
}

func TestHandlerWithoutLogs(t *testing.T) {
	srv := httptest.NewServer(Handler(Viewer{Control: idleControl{}}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/logs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
