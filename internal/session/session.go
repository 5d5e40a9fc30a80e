// Package session is the per-channel state machine. It turns lifecycle
// signals and routed device commands into outbound wire commands and calls
// on the channel's playback target.
package session

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/petervdpas/ledlink/internal/metrics"
	"github.com/petervdpas/ledlink/internal/playback"
	"github.com/petervdpas/ledlink/internal/proto"
)

// State of one channel.
type State int

const (
	Disconnected State = iota
	Ready
	Playing
	Paused
	HeadsetOff
	SignalLost
)

var stateNames = [...]string{"disconnected", "ready", "playing", "paused", "headset_off", "signal_lost"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event is an input to the state machine.
type Event int

const (
	EventReady Event = iota + 1
	EventPlay
	EventPause
	EventStop
	EventToggle
	EventReset
	EventFocusLost
	EventFocusGained
	EventHeadsetRemoved
	EventHeadsetOn
	EventComplete
)

var eventNames = map[Event]string{
	EventReady:          "ready",
	EventPlay:           "play",
	EventPause:          "pause",
	EventStop:           "stop",
	EventToggle:         "toggle",
	EventReset:          "reset",
	EventFocusLost:      "focus-lost",
	EventFocusGained:    "focus-gained",
	EventHeadsetRemoved: "headset-off",
	EventHeadsetOn:      "headset-on",
	EventComplete:       "complete",
}

func (e Event) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return "event(" + strconv.Itoa(int(e)) + ")"
}

// ParseEvent maps an action name such as "focus-lost" to its Event.
func ParseEvent(name string) (Event, bool) {
	for e, s := range eventNames {
		if s == name {
			return e, true
		}
	}
	return 0, false
}

// Sender delivers an encoded command. It reports false when the command
// could not be written.
type Sender interface {
	Send(text string) bool
}

// Transition records one state change and what it sent.
type Transition struct {
	Player int       `json:"player"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Event  string    `json:"event"`
	Sent   []string  `json:"sent,omitempty"`
	At     time.Time `json:"at"`
}

const (
	DefaultMinProgressInterval = 3 * time.Second
	DefaultMinProgressDelta    = 1
)

type Options struct {
	Player int
	Target playback.Target
	Sender Sender
	Codec  proto.Codec
	Clock  clock.Clock
	Logger zerolog.Logger

	MinProgressInterval time.Duration
	MinProgressDelta    int

	// OnTransition is called after every state change, outside the lock.
	OnTransition func(Transition)
}

// resume is what a channel had going when it lost focus or its headset.
type resume struct {
	wasPlaying bool
	position   time.Duration
}

// Session is one channel. All methods are safe for concurrent use, but the
// runtime calls them from the dispatch loop only.
type Session struct {
	id     int
	target playback.Target
	sender Sender
	codec  proto.Codec
	clk    clock.Clock
	log    zerolog.Logger
	onTr   func(Transition)

	minInterval time.Duration
	minDelta    int

	mu             sync.Mutex
	state          State
	last           Event
	progress       int
	lastProgressAt time.Time
	saved          *resume
}

func New(opts Options) (*Session, error) {
	if !proto.ValidPlayer(opts.Player) {
		return nil, fmt.Errorf("session: player must be 1 or 2, got %d", opts.Player)
	}
	if opts.Target == nil {
		return nil, fmt.Errorf("session %d: playback target is required", opts.Player)
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("session %d: sender is required", opts.Player)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MinProgressInterval <= 0 {
		opts.MinProgressInterval = DefaultMinProgressInterval
	}
	if opts.MinProgressDelta <= 0 {
		opts.MinProgressDelta = DefaultMinProgressDelta
	}
	return &Session{
		id:          opts.Player,
		target:      opts.Target,
		sender:      opts.Sender,
		codec:       opts.Codec,
		clk:         opts.Clock,
		log:         opts.Logger.With().Str("component", "session").Int("player", opts.Player).Logger(),
		onTr:        opts.OnTransition,
		minInterval: opts.MinProgressInterval,
		minDelta:    opts.MinProgressDelta,
	}, nil
}

func (s *Session) PlayerID() int { return s.id }

// SetCodec switches the wire form used for every later send.
func (s *Session) SetCodec(c proto.Codec) {
	s.mu.Lock()
	s.codec = c
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info is a point-in-time view of a channel.
type Info struct {
	Player         int           `json:"player"`
	State          State         `json:"state"`
	Progress       int           `json:"progress"`
	LastProgressAt time.Time     `json:"last_progress_at,omitempty"`
	Position       time.Duration `json:"position_ns"`
	Resume         bool          `json:"resume_pending"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Player:         s.id,
		State:          s.state,
		Progress:       s.progress,
		LastProgressAt: s.lastProgressAt,
		Position:       s.target.Position(),
		Resume:         s.saved != nil,
	}
}

// Channel actions used by the router.

func (s *Session) Play()   { s.Handle(EventPlay) }
func (s *Session) Pause()  { s.Handle(EventPause) }
func (s *Session) Stop()   { s.Handle(EventStop) }
func (s *Session) Toggle() { s.Handle(EventToggle) }
func (s *Session) Reset()  { s.Handle(EventReset) }

// Lifecycle signals from the host.

func (s *Session) FocusLost()      { s.Handle(EventFocusLost) }
func (s *Session) FocusGained()    { s.Handle(EventFocusGained) }
func (s *Session) HeadsetRemoved() { s.Handle(EventHeadsetRemoved) }
func (s *Session) HeadsetOn()      { s.Handle(EventHeadsetOn) }

// Handle applies ev and returns the resulting state.
func (s *Session) Handle(ev Event) State {
	s.mu.Lock()
	tr, changed := s.apply(ev, true)
	st := s.state
	s.mu.Unlock()

	if changed {
		s.report(tr)
	}
	return st
}

// apply runs one transition. drive is false when the player itself caused
// the event, so the target is not called back.
func (s *Session) apply(ev Event, drive bool) (Transition, bool) {
	from := s.state

	switch ev {
	case EventToggle:
		switch from {
		case Playing:
			ev = EventPause
		case Ready, Paused:
			ev = EventPlay
		default:
			s.log.Debug().Str("state", from.String()).Msg("toggle ignored")
			return Transition{}, false
		}
	case EventReset:
		ev = EventStop
	}

	to, ok := s.next(from, ev)
	if !ok {
		s.log.Debug().Str("state", from.String()).Str("event", ev.String()).Msg("event ignored")
		return Transition{}, false
	}
	if ev == s.last && to == from {
		s.log.Debug().Str("event", ev.String()).Msg("duplicate event dropped")
		return Transition{}, false
	}

	var out []proto.Command
	switch ev {
	case EventReady:
		s.saved = nil
		out = append(out, proto.Ready(s.id))

	case EventPlay:
		if drive {
			s.target.Play()
		}
		out = append(out, proto.Play(s.id))

	case EventPause:
		s.target.Pause()
		out = append(out, proto.Pause(s.id))

	case EventComplete:
		s.target.Pause()
		if s.progress != 100 {
			// The last throttled value may be short of a full strip.
			s.progress = 100
			s.lastProgressAt = s.clk.Now()
			out = append(out, proto.Progress(s.id, 100))
		}
		out = append(out, proto.Pause(s.id))

	case EventStop:
		s.saved = nil
		if drive {
			s.target.Stop()
			s.target.Seek(0)
		}
		out = append(out, proto.Stop(s.id))

	case EventFocusLost, EventHeadsetRemoved:
		if s.saved == nil {
			s.saved = &resume{wasPlaying: from == Playing, position: s.target.Position()}
		}
		if from == Playing {
			s.target.Pause()
		}
		// Both loss states look the same on the strip.
		if from != SignalLost && from != HeadsetOff {
			out = append(out, proto.SignalLost(s.id))
		}

	case EventFocusGained, EventHeadsetOn:
		saved := s.saved
		s.saved = nil
		if saved != nil && saved.wasPlaying {
			s.target.Seek(saved.position)
			s.target.Play()
			out = append(out, proto.Play(s.id))
			to = Playing
		} else {
			out = append(out, proto.Ready(s.id))
			to = Ready
		}
	}

	if to == Playing && from != Playing {
		s.progress = 0
	}
	s.state = to
	s.last = ev

	sent := s.sendAll(out)
	metrics.TransitionsTotal.WithLabelValues(strconv.Itoa(s.id), to.String()).Inc()
	return Transition{
		Player: s.id,
		From:   from,
		To:     to,
		Event:  ev.String(),
		Sent:   sent,
		At:     s.clk.Now(),
	}, true
}

// next is the transition table. FocusGained and HeadsetOn resolve their
// final state in apply.
func (s *Session) next(from State, ev Event) (State, bool) {
	switch ev {
	case EventReady, EventStop:
		return Ready, true
	case EventPlay:
		if from == Ready || from == Paused {
			return Playing, true
		}
	case EventPause, EventComplete:
		if from == Playing {
			return Paused, true
		}
	case EventFocusLost:
		return SignalLost, true
	case EventHeadsetRemoved:
		return HeadsetOff, true
	case EventFocusGained, EventHeadsetOn:
		if from == SignalLost || from == HeadsetOff {
			return from, true
		}
	}
	return from, false
}

func (s *Session) sendAll(cmds []proto.Command) []string {
	sent := make([]string, 0, len(cmds))
	for _, c := range cmds {
		text, err := s.codec.Encode(c)
		if err != nil {
			s.log.Error().Err(err).Str("command", c.String()).Msg("encode failed")
			continue
		}
		if !s.sender.Send(text) {
			s.log.Debug().Str("payload", text).Msg("not delivered")
		}
		sent = append(sent, text)
	}
	return sent
}

func (s *Session) report(tr Transition) {
	s.log.Info().
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Str("event", tr.Event).
		Strs("sent", tr.Sent).
		Msg("transition")
	if s.onTr != nil {
		s.onTr(tr)
	}
}

// ReportProgress sends led{id}:{pct} when the channel is Playing, the value
// moved by at least the minimum delta, and the minimum interval has passed
// since the last progress send. It reports whether a command was issued;
// delivery is best effort.
func (s *Session) ReportProgress(pct int, now time.Time) bool {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Playing {
		return false
	}
	if abs(pct-s.progress) < s.minDelta {
		return false
	}
	if !s.lastProgressAt.IsZero() && now.Sub(s.lastProgressAt) < s.minInterval {
		return false
	}

	text, err := s.codec.Encode(proto.Progress(s.id, pct))
	if err != nil {
		s.log.Error().Err(err).Msg("encode progress failed")
		return false
	}
	s.progress = pct
	s.lastProgressAt = now
	ok := s.sender.Send(text)

	player := strconv.Itoa(s.id)
	metrics.ProgressSentTotal.WithLabelValues(player).Inc()
	metrics.ProgressPercent.WithLabelValues(player).Set(float64(pct))
	s.log.Debug().Int("percent", pct).Bool("delivered", ok).Msg("progress")
	return true
}

// Complete is the 100% signal: a Playing channel shows a full strip, pauses
// and stays paused until something explicitly plays it again.
func (s *Session) Complete() { s.Handle(EventComplete) }

// Attach is called whenever the device link opens. A channel that never
// announced itself becomes Ready; any other channel repeats the command for
// its current state so the device matches after a reconnect.
func (s *Session) Attach() {
	s.mu.Lock()
	if s.state == Disconnected {
		tr, changed := s.apply(EventReady, true)
		s.mu.Unlock()
		if changed {
			s.report(tr)
		}
		return
	}

	var c proto.Command
	switch s.state {
	case Ready:
		c = proto.Ready(s.id)
	case Playing:
		c = proto.Play(s.id)
	case Paused:
		c = proto.Pause(s.id)
	default:
		c = proto.SignalLost(s.id)
	}
	sent := s.sendAll([]proto.Command{c})
	st := s.state
	s.mu.Unlock()

	s.log.Info().Str("state", st.String()).Strs("sent", sent).Msg("resynced")
}

// HandlePlayback reacts to the channel's player. Statuses are mirrored to
// the device; a player that starts on its own moves the channel to Playing
// and one that ends completes it.
func (s *Session) HandlePlayback(n playback.Notification) {
	var status string
	switch n {
	case playback.Prepared:
		status = proto.StatusLoaded
	case playback.Started:
		status = proto.StatusPlaying
	case playback.Ended:
		status = proto.StatusStopped
	default:
		return
	}

	s.mu.Lock()
	s.sendAll([]proto.Command{proto.Status(s.id, status)})

	var (
		tr      Transition
		changed bool
	)
	switch n {
	case playback.Started:
		if s.state == Ready || s.state == Paused {
			tr, changed = s.apply(EventPlay, false)
		}
	case playback.Ended:
		tr, changed = s.apply(EventComplete, false)
	}
	s.mu.Unlock()

	if changed {
		s.report(tr)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
