package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petervdpas/ledlink/internal/dispatch"
	"github.com/petervdpas/ledlink/internal/metrics"
)

const (
	DefaultHeartbeatInterval    = 5 * time.Second
	DefaultConnectionTimeout    = 10 * time.Second
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultMonitorInterval      = time.Second
)

// Options configure a Manager. Zero values take the defaults above.
type Options struct {
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	AutoReconnect        bool
	MonitorInterval      time.Duration

	// Heartbeats are written on every heartbeat tick, in order.
	Heartbeats []string

	Dialer Dialer
	Queue  *dispatch.Queue
	Clock  clock.Clock
	Logger zerolog.Logger
}

// Manager owns the device link. At most one live connection exists at a
// time. Subscribers are called on the dispatch queue, never concurrently.
type Manager struct {
	opts  Options
	log   zerolog.Logger
	clk   clock.Clock
	queue *dispatch.Queue

	mu          sync.Mutex
	state       State
	endpoint    Endpoint
	link        *link
	attempts    int
	exhausted   bool
	manual      bool // Close was called; no automatic reconnects
	dialGen     uint64
	dialCancel  context.CancelFunc
	retry       *clock.Timer
	retryGen    uint64
	lastInbound time.Time

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates a Manager. It does not connect.
func New(opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = DefaultMonitorInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Queue == nil {
		opts.Queue = dispatch.New()
	}
	if opts.Dialer == nil {
		opts.Dialer = &WSDialer{}
	}
	return &Manager{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "device").Logger(),
		clk:   opts.Clock,
		queue: opts.Queue,
		subs:  make(map[int]func(Event)),
	}
}

// Queue returns the dispatch queue events are delivered on.
func (m *Manager) Queue() *dispatch.Queue { return m.queue }

// Subscribe registers fn for every future event. Handlers run on the
// dispatch queue in registration order.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = m.clk.Now()
	}
	m.queue.Post(func() {
		m.subMu.RLock()
		ids := make([]int, 0, len(m.subs))
		for id := range m.subs {
			ids = append(ids, id)
		}
		m.subMu.RUnlock()
		slices.Sort(ids)

		for _, id := range ids {
			m.subMu.RLock()
			fn, ok := m.subs[id]
			m.subMu.RUnlock()
			if ok {
				fn(ev)
			}
		}
	})
}

// State returns the current link state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot for status pages.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:       m.state,
		Attempts:    m.attempts,
		Exhausted:   m.exhausted,
		Pending:     m.retry != nil,
		LastInbound: m.lastInbound,
	}
	if m.endpoint.Host != "" {
		st.Endpoint = m.endpoint.URL()
	}
	if m.link != nil {
		st.ConnID = m.link.id
		st.LastInbound = m.link.lastIn()
	}
	return st
}

// Connect opens the link to ep in the background. It is a no-op while a
// link is Connecting, Open or Closing. Otherwise it is a manual connect: the
// reconnect budget is reset and any pending reconnect is replaced.
func (m *Manager) Connect(ep Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Disconnected {
		m.log.Debug().Str("state", m.state.String()).Msg("connect ignored")
		return
	}

	m.cancelRetryLocked()
	m.manual = false
	m.attempts = 0
	m.exhausted = false
	m.endpoint = ep
	m.startDialLocked()
}

func (m *Manager) startDialLocked() {
	m.state = Connecting
	m.dialGen++
	gen := m.dialGen
	ep := m.endpoint

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectionTimeout)
	m.dialCancel = cancel

	metrics.ConnectAttemptsTotal.Inc()
	m.log.Info().Str("url", ep.URL()).Int("attempt", m.attempts).Msg("connecting")
	go m.dial(ctx, cancel, gen, ep)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, ep Endpoint) {
	var (
		conn Conn
		err  error
	)
	if err = ep.Validate(); err == nil {
		conn, err = m.opts.Dialer.Dial(ctx, ep.URL())
	}
	cancel()

	m.mu.Lock()
	if gen != m.dialGen || m.state != Connecting {
		// Superseded by Close.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		m.state = Disconnected
		err = fmt.Errorf("%w: %s: %v", ErrConnect, ep.URL(), err)
		metrics.ConnectFailuresTotal.Inc()
		m.log.Warn().Err(err).Msg("connect failed")
		m.emit(Event{Type: EventError, Err: err})
		m.mu.Unlock()
		m.scheduleReconnect()
		return
	}

	now := m.clk.Now()
	l := newLink(conn, uuid.NewString(), now)
	m.link = l
	m.state = Open
	m.attempts = 0
	m.exhausted = false
	m.lastInbound = now
	metrics.LinkOpen.Set(1)
	m.log.Info().Str("conn_id", l.id).Str("url", ep.URL()).Msg("connected")
	m.emit(Event{Type: EventConnected, ConnID: l.id})
	m.mu.Unlock()

	if p, ok := conn.(Pinger); ok {
		p.SetPongHandler(func() { l.touch(m.clk.Now()) })
	}
	go m.serve(l)
}

// scheduleReconnect arms one delayed dial. A request while one is pending
// is a no-op. Running out of budget emits reconnect_exhausted once.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opts.AutoReconnect || m.manual || m.retry != nil || m.state != Disconnected {
		return
	}
	if m.attempts >= m.opts.MaxReconnectAttempts {
		if !m.exhausted {
			m.exhausted = true
			metrics.ReconnectExhaustedTotal.Inc()
			m.log.Error().Int("attempts", m.attempts).Msg("reconnect attempts exhausted")
			m.emit(Event{Type: EventReconnectExhausted, Attempt: m.attempts, Err: ErrReconnectExhausted})
		}
		return
	}

	m.attempts++
	m.retryGen++
	gen := m.retryGen
	metrics.ReconnectsScheduledTotal.Inc()
	m.log.Warn().Int("attempt", m.attempts).Dur("delay", m.opts.ReconnectDelay).Msg("reconnect scheduled")
	m.emit(Event{Type: EventReconnectScheduled, Attempt: m.attempts})
	m.retry = m.clk.AfterFunc(m.opts.ReconnectDelay, func() { m.fireRetry(gen) })
}

func (m *Manager) fireRetry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.retryGen || m.retry == nil {
		return
	}
	m.retry = nil
	if m.state != Disconnected || m.manual {
		return
	}
	m.startDialLocked()
}

func (m *Manager) cancelRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.retryGen++
}

// Send writes text to the device. It reports false, without blocking on
// reconnection, when the link is not Open or the write fails.
func (m *Manager) Send(text string) bool {
	m.mu.Lock()
	l := m.link
	st := m.state
	m.mu.Unlock()

	if l == nil || st != Open {
		metrics.MessagesSentTotal.WithLabelValues(metrics.ResultDropped).Inc()
		m.log.Debug().Str("payload", text).Str("state", st.String()).Msg("send dropped")
		m.emit(Event{Type: EventSendFailed, Payload: text, Err: fmt.Errorf("%w: link is %s", ErrSend, st)})
		return false
	}
	return m.sendOn(l, text)
}

func (m *Manager) sendOn(l *link, text string) bool {
	err := l.write(text)
	switch {
	case err == errLinkClosed:
		metrics.MessagesSentTotal.WithLabelValues(metrics.ResultDropped).Inc()
		m.emit(Event{Type: EventSendFailed, ConnID: l.id, Payload: text, Err: fmt.Errorf("%w: link closed", ErrSend)})
		return false
	case err != nil:
		err = fmt.Errorf("%w: %v", ErrSend, err)
		metrics.MessagesSentTotal.WithLabelValues(metrics.ResultError).Inc()
		m.log.Error().Err(err).Str("conn_id", l.id).Msg("write failed")
		m.emit(Event{Type: EventSendFailed, ConnID: l.id, Payload: text, Err: err})
		m.emit(Event{Type: EventError, ConnID: l.id, Err: err})
		l.failWith(err)
		return false
	}
	metrics.MessagesSentTotal.WithLabelValues(metrics.ResultOK).Inc()
	m.log.Debug().Str("conn_id", l.id).Str("payload", text).Msg("sent")
	m.emit(Event{Type: EventSent, ConnID: l.id, Payload: text})
	return true
}

// Close tears the link down and waits until its goroutines have exited.
// Automatic reconnects stay off until the next Connect.
func (m *Manager) Close() {
	m.mu.Lock()
	m.manual = true
	m.cancelRetryLocked()

	switch m.state {
	case Connecting:
		if m.dialCancel != nil {
			m.dialCancel()
			m.dialCancel = nil
		}
		m.dialGen++
		m.state = Disconnected
		m.mu.Unlock()
		return
	case Open:
		l := m.link
		m.state = Closing
		m.mu.Unlock()
		l.stop()
		<-l.done
		return
	case Closing:
		l := m.link
		m.mu.Unlock()
		if l != nil {
			<-l.done
		}
		return
	}
	m.mu.Unlock()
}

// serve is the per-connection loop. It owns the heartbeat and monitor
// tickers and is the only place that tears a link down.
func (m *Manager) serve(l *link) {
	defer close(l.done)

	readErr := make(chan error, 1)
	go m.readLoop(l, readErr)

	hb := m.clk.Ticker(m.opts.HeartbeatInterval)
	mon := m.clk.Ticker(m.opts.MonitorInterval)

	var cause error
loop:
	for {
		select {
		case <-l.quit:
			break loop
		case err := <-readErr:
			cause = fmt.Errorf("%w: read: %v", ErrConnect, err)
			m.emit(Event{Type: EventError, ConnID: l.id, Err: cause})
			break loop
		case err := <-l.fail:
			cause = err
			break loop
		case <-hb.C:
			m.heartbeat(l)
		case <-mon.C:
			silent := m.clk.Now().Sub(l.lastIn())
			if silent > m.opts.ConnectionTimeout {
				cause = fmt.Errorf("%w: no inbound traffic for %s", ErrTimeout, silent.Round(time.Millisecond))
				metrics.TimeoutsTotal.Inc()
				m.log.Warn().Str("conn_id", l.id).Dur("silent", silent).Msg("connection timed out")
				m.emit(Event{Type: EventTimeout, ConnID: l.id, Err: cause})
				break loop
			}
		}
	}

	hb.Stop()
	mon.Stop()
	l.shutdown()
	<-l.readDone

	m.mu.Lock()
	if m.link == l {
		m.link = nil
	}
	m.lastInbound = l.lastIn()
	m.state = Disconnected
	metrics.LinkOpen.Set(0)
	ev := m.log.Info().Str("conn_id", l.id)
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("disconnected")
	m.emit(Event{Type: EventDisconnected, ConnID: l.id, Err: cause})
	m.mu.Unlock()

	if cause != nil {
		m.scheduleReconnect()
	}
}

func (m *Manager) readLoop(l *link, errc chan<- error) {
	defer close(l.readDone)
	for {
		text, err := l.conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		l.touch(m.clk.Now())
		metrics.MessagesReceivedTotal.Inc()
		m.emit(Event{Type: EventMessage, ConnID: l.id, Payload: text})
	}
}

func (m *Manager) heartbeat(l *link) {
	for _, hb := range m.opts.Heartbeats {
		if !m.sendOn(l, hb) {
			return
		}
	}
	if err := l.ping(); err != nil && err != errLinkClosed {
		err = fmt.Errorf("%w: ping: %v", ErrSend, err)
		m.emit(Event{Type: EventError, ConnID: l.id, Err: err})
		l.failWith(err)
	}
}

// link is one live connection.
type link struct {
	conn Conn
	id   string

	sendMu sync.Mutex
	closed bool

	lastInbound atomic.Int64 // unix nanos

	quit     chan struct{}
	quitOnce sync.Once
	fail     chan error
	done     chan struct{}
	readDone chan struct{}
}

var errLinkClosed = errors.New("link closed")

func newLink(conn Conn, id string, now time.Time) *link {
	l := &link{
		conn:     conn,
		id:       id,
		quit:     make(chan struct{}),
		fail:     make(chan error, 1),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	l.touch(now)
	return l
}

func (l *link) touch(t time.Time) { l.lastInbound.Store(t.UnixNano()) }

func (l *link) lastIn() time.Time { return time.Unix(0, l.lastInbound.Load()) }

func (l *link) write(text string) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if l.closed {
		return errLinkClosed
	}
	return l.conn.WriteMessage(text)
}

func (l *link) ping() error {
	p, ok := l.conn.(Pinger)
	if !ok {
		return nil
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if l.closed {
		return errLinkClosed
	}
	return p.Ping()
}

func (l *link) failWith(err error) {
	select {
	case l.fail <- err:
	default:
	}
}

func (l *link) stop() {
	l.quitOnce.Do(func() { close(l.quit) })
}

// shutdown makes later writes fail and closes the transport. Writes in
// flight finish first.
func (l *link) shutdown() {
	l.sendMu.Lock()
	l.closed = true
	l.sendMu.Unlock()
	_ = l.conn.Close()
}

