package device

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/ledlink/internal/dispatch"
)

var testEndpoint = Endpoint{Host: "device.local", Port: 80, Path: "/ws"}

// fakeConn is a scripted link. Inbound payloads are pushed on in.
type fakeConn struct {
	in        chan string
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  []string
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan string, 128), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (string, error) {
	select {
	case s, ok := <-c.in:
		if !ok {
			return "", io.EOF
		}
		return s, nil
	case <-c.closed:
		return "", errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, text)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// pongConn answers every ping immediately.
type pongConn struct {
	*fakeConn
	pings  atomic.Int32
	onPong func()
}

func (c *pongConn) Ping() error {
	c.pings.Add(1)
	if c.onPong != nil {
		c.onPong()
	}
	return nil
}

func (c *pongConn) SetPongHandler(fn func()) { c.onPong = fn }

// scriptDialer hands out results in order, then repeats the last one.
type scriptDialer struct {
	mu      sync.Mutex
	results []func() (Conn, error)
	dials   int
	urls    []string
}

func (d *scriptDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	i := d.dials
	d.dials++
	d.urls = append(d.urls, url)
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	next := d.results[i]
	d.mu.Unlock()
	return next()
}

func (d *scriptDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func failDial() (Conn, error) { return nil, errors.New("connection refused") }

func connDial(c Conn) func() (Conn, error) {
	return func() (Conn, error) { return c, nil }
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) of(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestManager(t *testing.T, opts Options) (*Manager, *recorder) {
	t.Helper()
	q := dispatch.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = q.Run(ctx) }()

	opts.Queue = q
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	m := New(opts)
	rec := &recorder{}
	m.Subscribe(rec.add)

	t.Cleanup(func() {
		m.Close()
		cancel()
	})
	return m, rec
}

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func TestConnectOpensLink(t *testing.T) {
	conn := newFakeConn()
	d := &scriptDialer{results: []func() (Conn, error){connDial(conn)}}
	m, rec := newTestManager(t, Options{Dialer: d, AutoReconnect: true})

	m.Connect(testEndpoint)

	require.Eventually(t, func() bool { return rec.count(EventConnected) == 1 }, waitFor, tick)
	assert.Equal(t, Open, m.State())

	st := m.Status()
	assert.Equal(t, "ws://device.local:80/ws", st.Endpoint)
	assert.NotEmpty(t, st.ConnID)
	assert.Equal(t, st.ConnID, rec.of(EventConnected)[0].ConnID)
	assert.Equal(t, []string{"ws://device.local:80/ws"}, d.urls)
}

func TestConnectWhileConnectingIsNoop(t *testing.T) {
	release := make(chan struct{})
	conn := newFakeConn()
	d := &scriptDialer{results: []func() (Conn, error){func() (Conn, error) {
		<-release
		return conn, nil
	}}}
	m, rec := newTestManager(t, Options{Dialer: d})

	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return d.count() == 1 }, waitFor, tick)
	assert.Equal(t, Connecting, m.State())

	m.Connect(testEndpoint)
	m.Connect(testEndpoint)
	close(release)

	require.Eventually(t, func() bool { return m.State() == Open }, waitFor, tick)
	m.Connect(testEndpoint)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, 1, rec.count(EventConnected))
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	m, rec := newTestManager(t, Options{Dialer: &scriptDialer{results: []func() (Conn, error){failDial}}})

	assert.False(t, m.Send("on1"))
	require.Eventually(t, func() bool { return rec.count(EventSendFailed) == 1 }, waitFor, tick)

	ev := rec.of(EventSendFailed)[0]
	assert.Equal(t, "on1", ev.Payload)
	assert.ErrorIs(t, ev.Err, ErrSend)
}

func TestSendWritesPayload(t *testing.T) {
	conn := newFakeConn()
	m, rec := newTestManager(t, Options{Dialer: &scriptDialer{results: []func() (Conn, error){connDial(conn)}}})
	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return m.State() == Open }, waitFor, tick)

	assert.True(t, m.Send("play1"))
	assert.True(t, m.Send("led1:5"))

	assert.Equal(t, []string{"play1", "led1:5"}, conn.sent())
	require.Eventually(t, func() bool { return rec.count(EventSent) == 2 }, waitFor, tick)
}

func TestInboundMessagesKeepArrivalOrder(t *testing.T) {
	conn := newFakeConn()
	m, rec := newTestManager(t, Options{Dialer: &scriptDialer{results: []func() (Conn, error){connDial(conn)}}})
	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return m.State() == Open }, waitFor, tick)

	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		p := "led1:" + string(rune('0'+i%10))
		want = append(want, p)
		conn.in <- p
	}

	require.Eventually(t, func() bool { return rec.count(EventMessage) == 50 }, waitFor, tick)
	got := make([]string, 0, 50)
	for _, ev := range rec.of(EventMessage) {
		got = append(got, ev.Payload)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, EventConnected, rec.types()[0])
}

func TestReconnectStopsAfterMaxAttempts(t *testing.T) {
	d := &scriptDialer{results: []func() (Conn, error){failDial}}
	m, rec := newTestManager(t, Options{
		Dialer:               d,
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Millisecond,
	})

	m.Connect(testEndpoint)

	require.Eventually(t, func() bool { return rec.count(EventReconnectExhausted) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 4, d.count(), "initial attempt plus three reconnects")
	assert.Equal(t, 3, rec.count(EventReconnectScheduled))
	assert.Equal(t, 4, rec.count(EventError))
	assert.Equal(t, 1, rec.count(EventReconnectExhausted))
	assert.Equal(t, Disconnected, m.State())
	assert.True(t, m.Status().Exhausted)

	ev := rec.of(EventReconnectExhausted)[0]
	assert.ErrorIs(t, ev.Err, ErrReconnectExhausted)
	for _, e := range rec.of(EventError) {
		assert.ErrorIs(t, e.Err, ErrConnect)
	}

	// A manual connect restores the full budget.
	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return rec.count(EventReconnectExhausted) == 2 }, waitFor, tick)
	assert.Equal(t, 8, d.count())
	assert.Equal(t, 6, rec.count(EventReconnectScheduled))
}

func TestReconnectResetsBudgetOnSuccess(t *testing.T) {
	conn := newFakeConn()
	d := &scriptDialer{results: []func() (Conn, error){failDial, failDial, connDial(conn)}}
	m, rec := newTestManager(t, Options{
		Dialer:               d,
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Millisecond,
	})

	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return m.State() == Open }, waitFor, tick)

	assert.Equal(t, 3, d.count())
	assert.Equal(t, 2, rec.count(EventReconnectScheduled))
	assert.Equal(t, 0, m.Status().Attempts)
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	d := &scriptDialer{results: []func() (Conn, error){failDial}}
	m, rec := newTestManager(t, Options{Dialer: d, ReconnectDelay: time.Millisecond})

	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return rec.count(EventError) == 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, d.count())
	assert.Equal(t, 0, rec.count(EventReconnectScheduled))
	assert.Equal(t, Disconnected, m.State())
}

func TestSilenceTimesOutAndReconnects(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &scriptDialer{results: []func() (Conn, error){connDial(first), connDial(second)}}
	m, rec := newTestManager(t, Options{
		Dialer:            d,
		AutoReconnect:     true,
		ConnectionTimeout: 40 * time.Millisecond,
		MonitorInterval:   5 * time.Millisecond,
		ReconnectDelay:    5 * time.Millisecond,
	})

	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return rec.count(EventTimeout) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return rec.count(EventConnected) == 2 }, waitFor, tick)

	assert.True(t, first.isClosed())
	assert.GreaterOrEqual(t, rec.count(EventDisconnected), 1)

	dis := rec.of(EventDisconnected)[0]
	assert.ErrorIs(t, dis.Err, ErrTimeout)

	types := rec.types()
	ti := indexOf(types, EventTimeout)
	di := indexOf(types, EventDisconnected)
	si := indexOf(types, EventReconnectScheduled)
	require.True(t, ti >= 0 && di >= 0 && si >= 0)
	assert.Less(t, ti, di)
	assert.Less(t, di, si)
}

func TestInboundTrafficPreventsTimeout(t *testing.T) {
	conn := newFakeConn()
	m, rec := newTestManager(t, Options{
		Dialer:            &scriptDialer{results: []func() (Conn, error){connDial(conn)}},
		ConnectionTimeout: 60 * time.Millisecond,
		MonitorInterval:   5 * time.Millisecond,
	})
	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return m.State() == Open }, waitFor, tick)

	for i := 0; i < 12; i++ {
		conn.in <- `{"player":1,"status":"heartbeat"}`
		time.Sleep(15 * time.Millisecond)
	}
	assert.Equal(t, Open, m.State())
	assert.Equal(t, 0, rec.count(EventTimeout))
}

func TestPongsCountAsInbound(t *testing.T) {
	conn := &pongConn{fakeConn: newFakeConn()}
	m, rec := newTestManager(t, Options{
		Dialer:            &scriptDialer{results: []func() (Conn, error){connDial(conn)}},
		HeartbeatInterval: 10 * time.Millisecond,
		ConnectionTimeout: 50 * time.Millisecond,
		MonitorInterval:   5 * time.Millisecond,
		Heartbeats:        []string{`{"player":1,"status":"heartbeat"}`},
	})
	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return m.State() == Open }, waitFor, tick)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, Open, m.State())
	assert.Equal(t, 0, rec.count(EventTimeout))
	assert.Greater(t, int(conn.pings.Load()), 5)
	assert.Contains(t, conn.sent(), `{"player":1,"status":"heartbeat"}`)
}

func TestHeartbeatsWrittenInOrder(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(t, Options{
		Dialer:            &scriptDialer{results: []func() (Conn, error){connDial(conn)}},
		HeartbeatInterval: 10 * time.Millisecond,
		Heartbeats:        []string{"hb1", "hb2"},
	})
	m.Connect(testEndpoint)

	require.Eventually(t, func() bool { return len(conn.sent()) >= 4 }, waitFor, tick)
	sent := conn.sent()
	assert.Equal(t, []string{"hb1", "hb2", "hb1", "hb2"}, sent[:4])
}

func TestLinkTimersStopBeforeDisconnected(t *testing.T) {
	clk := clock.NewMock()
	conn := newFakeConn()
	m, rec := newTestManager(t, Options{
		Dialer:            &scriptDialer{results: []func() (Conn, error){connDial(conn)}},
		Clock:             clk,
		HeartbeatInterval: time.Second,
		ConnectionTimeout: 10 * time.Second,
		MonitorInterval:   time.Second,
		Heartbeats:        []string{"hb1"},
	})
	m.Connect(testEndpoint)
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return len(conn.sent()) > 0
	}, waitFor, tick)

	close(conn.in)
	require.Eventually(t, func() bool { return rec.count(EventDisconnected) == 1 }, waitFor, tick)
	n := len(conn.sent())

	clk.Add(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.sent(), n)
	assert.Equal(t, 0, rec.count(EventTimeout))
	assert.Equal(t, Disconnected, m.State())
}

func TestRemoteCloseSchedulesReconnect(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &scriptDialer{results: []func() (Conn, error){connDial(first), connDial(second)}}
	m, rec := newTestManager(t, Options{Dialer: d, AutoReconnect: true, ReconnectDelay: 5 * time.Millisecond})

	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return m.State() == Open }, waitFor, tick)
	close(first.in)

	require.Eventually(t, func() bool { return rec.count(EventConnected) == 2 }, waitFor, tick)
	dis := rec.of(EventDisconnected)
	require.Len(t, dis, 1)
	assert.ErrorIs(t, dis[0].Err, ErrConnect)
	assert.NotEqual(t, rec.of(EventConnected)[0].ConnID, rec.of(EventConnected)[1].ConnID)
}

func TestWriteErrorTearsLinkDown(t *testing.T) {
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	m, rec := newTestManager(t, Options{Dialer: &scriptDialer{results: []func() (Conn, error){connDial(conn)}}})
	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return m.State() == Open }, waitFor, tick)

	assert.False(t, m.Send("play1"))
	require.Eventually(t, func() bool { return m.State() == Disconnected }, waitFor, tick)
	require.Eventually(t, func() bool { return rec.count(EventDisconnected) == 1 }, waitFor, tick)

	assert.ErrorIs(t, rec.of(EventDisconnected)[0].Err, ErrSend)
	assert.Equal(t, 1, rec.count(EventSendFailed))
}

func TestCloseIsDeterministic(t *testing.T) {
	conn := newFakeConn()
	d := &scriptDialer{results: []func() (Conn, error){connDial(conn)}}
	m, rec := newTestManager(t, Options{Dialer: d, AutoReconnect: true, ReconnectDelay: time.Millisecond})
	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return m.State() == Open }, waitFor, tick)

	m.Close()
	assert.Equal(t, Disconnected, m.State())
	assert.True(t, conn.isClosed())
	assert.False(t, m.Send("on1"))

	m.Close()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, rec.count(EventDisconnected))
	assert.NoError(t, rec.of(EventDisconnected)[0].Err)
	assert.Equal(t, 0, rec.count(EventReconnectScheduled))
	assert.Equal(t, 1, d.count())
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	d := &scriptDialer{results: []func() (Conn, error){failDial}}
	m, rec := newTestManager(t, Options{Dialer: d, AutoReconnect: true, ReconnectDelay: 30 * time.Millisecond})

	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return rec.count(EventReconnectScheduled) == 1 }, waitFor, tick)
	m.Close()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.False(t, m.Status().Pending)
}

func TestConcurrentSendAndClose(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(t, Options{Dialer: &scriptDialer{results: []func() (Conn, error){connDial(conn)}}})
	m.Connect(testEndpoint)
	require.Eventually(t, func() bool { return m.State() == Open }, waitFor, tick)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.Send("led1:1")
			}
		}()
	}
	m.Close()
	wg.Wait()

	assert.Equal(t, Disconnected, m.State())
	assert.False(t, m.Send("led1:2"))
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "ws://10.0.0.7:81/ws", Endpoint{Host: "10.0.0.7", Port: 81}.URL())
	assert.Equal(t, "ws://host:80/led", Endpoint{Host: "host", Port: 80, Path: "led"}.URL())
	assert.Error(t, Endpoint{Port: 80}.Validate())
	assert.Error(t, Endpoint{Host: "x", Port: 70000}.Validate())
}

func TestEventJSONCarriesError(t *testing.T) {
	b, err := json.Marshal(Event{Type: EventError, ConnID: "c", Err: ErrTimeout})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","conn_id":"c","at":"0001-01-01T00:00:00Z","error":"timeout"}`, string(b))
}

func indexOf(types []EventType, typ EventType) int {
	for i, t := range types {
		if t == typ {
			return i
		}
	}
	return -1
}
