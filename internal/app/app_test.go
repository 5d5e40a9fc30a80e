package app

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/ledlink/internal/config"
	"github.com/petervdpas/ledlink/internal/device"
	"github.com/petervdpas/ledlink/internal/session"
	"github.com/petervdpas/ledlink/internal/simulator"
	"github.com/petervdpas/ledlink/internal/storage"
	"github.com/petervdpas/ledlink/internal/viewer/routes"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Device.Simulate = true
	cfg.Channels.IDs = []int{1, 2}
	cfg.Connection = config.Connection{
		HeartbeatIntervalMs:  20,
		ConnectionTimeoutMs:  500,
		ReconnectDelayMs:     20,
		MaxReconnectAttempts: 5,
		AutoReconnect:        true,
		MonitorIntervalMs:    10,
	}
	cfg.Progress.SampleIntervalMs = 10
	cfg.Progress.MinIntervalMs = 10
	cfg.Viewer.HTTPAddr = ""
	cfg.Storage.JournalPath = "data/journal.db"
	return cfg
}

type started struct {
	rt     *Runtime
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, opt Options) *started {
	t.Helper()
	rt, err := New(opt)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s := &started{rt: rt, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
		}
	})
	return s
}

func (s *started) stop(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func slotMode(dev *simulator.Device, player int) simulator.Mode {
	s, _ := dev.Slot(player)
	return s.Mode
}

func TestRuntimeAgainstSimulator(t *testing.T) {
	dir := t.TempDir()
	s := start(t, Options{Dir: dir, Cfg: testConfig(), Logger: zerolog.Nop()})
	rt := s.rt
	dev := rt.Simulator()

	var mu sync.Mutex
	var feed []routes.FeedEvent
	cancelFeed := rt.Subscribe(func(ev routes.FeedEvent) {
		mu.Lock()
		feed = append(feed, ev)
		mu.Unlock()
	})
	defer cancelFeed()

	require.Eventually(t, func() bool {
		return slotMode(dev, 1) == simulator.ModeReady && slotMode(dev, 2) == simulator.ModeReady
	}, 3*time.Second, 5*time.Millisecond)

	// A short press on the device toggles the channel into Playing.
	_, err := dev.Press(1, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s1, _ := rt.Session(1)
		return s1.State() == session.Playing && slotMode(dev, 1) == simulator.ModePlaying
	}, 3*time.Second, 5*time.Millisecond)

	info, err := rt.PlayerEvent(1, session.EventPause)
	require.NoError(t, err)
	assert.Equal(t, session.Paused, info.State)
	require.Eventually(t, func() bool { return slotMode(dev, 1) == simulator.ModePaused }, 3*time.Second, 5*time.Millisecond)

	_, err = rt.PlayerEvent(3, session.EventPlay)
	assert.ErrorIs(t, err, routes.ErrUnknownChannel)

	st := rt.Status()
	assert.Equal(t, device.Open, st.Link.State)
	assert.True(t, st.Simulate)
	require.Len(t, st.Channels, 2)
	assert.Equal(t, session.Ready, st.Channels[1].State)

	mu.Lock()
	var types []string
	for _, ev := range feed {
		types = append(types, ev.Type)
	}
	mu.Unlock()
	assert.Contains(t, types, "transition")
	assert.Contains(t, types, "device")

	s.stop(t)

	db, err := storage.Open(filepath.Join(dir, "data", "journal.db"))
	require.NoError(t, err)
	defer db.Close()
	sent, err := db.Recent(context.Background(), 100, storage.KindSent)
	require.NoError(t, err)
	var payloads []string
	for _, e := range sent {
		payloads = append(payloads, e.Payload)
	}
	assert.Contains(t, payloads, "on1")
	assert.Contains(t, payloads, "play1")
	assert.Contains(t, payloads, "pause1")

	trs, err := db.Recent(context.Background(), 100, storage.KindTransition)
	require.NoError(t, err)
	assert.NotEmpty(t, trs)
	assert.NotEmpty(t, trs[0].ConnID)
}

func TestDisconnectAndManualConnect(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.JournalPath = ""
	s := start(t, Options{Cfg: cfg, Logger: zerolog.Nop()})
	rt := s.rt

	require.Eventually(t, func() bool { return rt.Status().Link.State == device.Open }, 3*time.Second, 5*time.Millisecond)
	first := rt.Status().Link.ConnID

	rt.Disconnect()
	assert.Equal(t, device.Disconnected, rt.Status().Link.State)
	assert.False(t, rt.SendRaw("on1"))

	require.NoError(t, rt.Connect())
	require.Eventually(t, func() bool { return rt.Status().Link.State == device.Open }, 3*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, first, rt.Status().Link.ConnID)
	assert.True(t, rt.SendRaw("led2:40"))

	s.stop(t)
}

func TestConfigEditSwitchesEnvelope(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ledlink.json")
	cfg := testConfig()
	cfg.Channels.IDs = []int{1}
	cfg.Storage.JournalPath = ""
	require.NoError(t, config.Save(cfgPath, cfg))

	s := start(t, Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg, Logger: zerolog.Nop()})
	dev := s.rt.Simulator()
	require.Eventually(t, func() bool { return slotMode(dev, 1) == simulator.ModeReady }, 3*time.Second, 5*time.Millisecond)

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	cfg.Device.JSONEnvelope = true
	require.NoError(t, config.Save(cfgPath, cfg))

	require.Eventually(t, func() bool {
		return slices.Contains(dev.Received(), `{"player":1,"message":"on1"}`)
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, s.rt.Status().Envelope)

	s.stop(t)
}

// unreachableFile is a config file that points at a real endpoint nobody
// listens on.
func unreachableFile(t *testing.T) (string, config.Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledlink.json")
	cfg := testConfig()
	cfg.Channels.IDs = []int{1}
	cfg.Storage.JournalPath = ""
	cfg.Device.Simulate = false
	cfg.Device.Host = "127.0.0.1"
	cfg.Device.Port = 1
	require.NoError(t, config.Save(path, cfg))
	return path, cfg
}

func configEvents(rt *Runtime) <-chan map[string]bool {
	ch := make(chan map[string]bool, 8)
	rt.Subscribe(func(ev routes.FeedEvent) {
		if ev.Type != "config" {
			return
		}
		select {
		case ch <- ev.Data.(map[string]bool):
		default:
		}
	})
	return ch
}

func nextConfigEvent(t *testing.T, ch <-chan map[string]bool) map[string]bool {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("config edit was not applied")
		return nil
	}
}

func TestOverrideSurvivesConfigEdits(t *testing.T) {
	path, fileCfg := unreachableFile(t)
	s := start(t, Options{
		Dir:      filepath.Dir(path),
		CfgPath:  path,
		Cfg:      fileCfg,
		Override: func(c *config.Config) { c.Device.Simulate = true },
		Logger:   zerolog.Nop(),
	})
	rt := s.rt
	edits := configEvents(rt)

	require.Eventually(t, func() bool { return rt.Status().Link.State == device.Open }, 3*time.Second, 5*time.Millisecond)
	first := rt.Status().Link.ConnID
	time.Sleep(100 * time.Millisecond)

	fileCfg.Progress.MinDeltaPercent = 5
	require.NoError(t, config.Save(path, fileCfg))
	assert.Equal(t, map[string]bool{"reconnect": false, "restart": true}, nextConfigEvent(t, edits))

	st := rt.Status()
	assert.True(t, st.Simulate)
	assert.Equal(t, device.Open, st.Link.State)
	assert.Equal(t, first, st.Link.ConnID)
	assert.Contains(t, st.Link.Endpoint, "simulator")

	// A device edit still applies, with the override kept on top.
	fileCfg.Device.JSONEnvelope = true
	require.NoError(t, config.Save(path, fileCfg))
	assert.Equal(t, map[string]bool{"reconnect": true, "restart": false}, nextConfigEvent(t, edits))

	require.Eventually(t, func() bool {
		return slices.Contains(rt.Simulator().Received(), `{"player":1,"message":"on1"}`)
	}, 5*time.Second, 10*time.Millisecond)
	st = rt.Status()
	assert.True(t, st.Simulate)
	assert.True(t, st.Envelope)

	s.stop(t)
}

func TestUnrelatedEditKeepsInMemoryDeviceSettings(t *testing.T) {
	path, fileCfg := unreachableFile(t)
	running := fileCfg
	running.Device.Simulate = true

	s := start(t, Options{Dir: filepath.Dir(path), CfgPath: path, Cfg: running, Logger: zerolog.Nop()})
	rt := s.rt
	edits := configEvents(rt)

	require.Eventually(t, func() bool { return rt.Status().Link.State == device.Open }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	fileCfg.Progress.MinDeltaPercent = 7
	require.NoError(t, config.Save(path, fileCfg))
	assert.False(t, nextConfigEvent(t, edits)["reconnect"])

	assert.True(t, rt.Status().Simulate)
	assert.Equal(t, device.Open, rt.Status().Link.State)

	s.stop(t)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Channels.IDs = []int{1, 1}
	_, err := New(Options{Cfg: cfg, Logger: zerolog.Nop()})
	assert.ErrorContains(t, err, "channels.ids")
}
