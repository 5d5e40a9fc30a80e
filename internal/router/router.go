// Package router decodes inbound device payloads and hands each command to
// the channel it targets.
package router

import (
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/petervdpas/ledlink/internal/metrics"
	"github.com/petervdpas/ledlink/internal/proto"
)

// Channel is the per-player action surface a routed command lands on.
type Channel interface {
	PlayerID() int
	Play()
	Pause()
	Stop()
	Toggle()
	Reset()
}

// Router dispatches one inbound payload at a time. A payload handed to
// Handle while another is being dispatched (for example from inside a
// channel action) is queued and runs after the current one completes.
type Router struct {
	log zerolog.Logger

	mu          sync.Mutex
	channels    map[int]Channel
	ids         []int
	onMessage   func(cmd proto.Command, raw string)
	dispatching bool
	pending     []string
}

func New(logger zerolog.Logger) *Router {
	return &Router{
		log:      logger.With().Str("component", "router").Logger(),
		channels: make(map[int]Channel),
	}
}

// Register adds a channel under its player id.
func (r *Router) Register(ch Channel) error {
	id := ch.PlayerID()
	if !proto.ValidPlayer(id) {
		return fmt.Errorf("router: player must be 1 or 2, got %d", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[id]; ok {
		return fmt.Errorf("router: player %d already registered", id)
	}
	r.channels[id] = ch
	r.ids = append(r.ids, id)
	slices.Sort(r.ids)
	return nil
}

// OnMessage sets the observer for commands that carry no channel action,
// such as statuses, progress echoes and unknown command words.
func (r *Router) OnMessage(fn func(cmd proto.Command, raw string)) {
	r.mu.Lock()
	r.onMessage = fn
	r.mu.Unlock()
}

// Handle routes raw. Payloads that cannot be decoded are logged and
// dropped.
func (r *Router) Handle(raw string) {
	r.mu.Lock()
	if r.dispatching {
		r.pending = append(r.pending, raw)
		r.mu.Unlock()
		return
	}
	r.dispatching = true
	r.mu.Unlock()

	next := raw
	for {
		r.dispatch(next)

		r.mu.Lock()
		if len(r.pending) == 0 {
			r.dispatching = false
			r.mu.Unlock()
			return
		}
		next = r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
	}
}

func (r *Router) dispatch(raw string) {
	cmd, err := proto.Decode(raw)
	if err != nil {
		metrics.DecodeErrorsTotal.Inc()
		r.log.Warn().Err(err).Msg("inbound payload dropped")
		return
	}

	act := actionFor(cmd.Kind)
	if act == nil {
		r.observe(cmd, raw)
		return
	}

	targets := r.targets(cmd)
	if len(targets) == 0 {
		metrics.RoutedTotal.WithLabelValues(cmd.Kind.String(), "none").Inc()
		r.log.Warn().Int("player", cmd.Player).Str("command", cmd.Kind.String()).Msg("no channel for player")
		return
	}

	target := "broadcast"
	if !cmd.IsBroadcast() {
		target = strconv.Itoa(cmd.Player)
	}
	metrics.RoutedTotal.WithLabelValues(cmd.Kind.String(), target).Inc()
	r.log.Debug().Str("command", cmd.Kind.String()).Str("target", target).Msg("routing")

	for _, ch := range targets {
		act(ch)
	}
}

func (r *Router) targets(cmd proto.Command) []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.IsBroadcast() {
		out := make([]Channel, 0, len(r.ids))
		for _, id := range r.ids {
			out = append(out, r.channels[id])
		}
		return out
	}
	if ch, ok := r.channels[cmd.Player]; ok {
		return []Channel{ch}
	}
	return nil
}

func (r *Router) observe(cmd proto.Command, raw string) {
	metrics.RoutedTotal.WithLabelValues(cmd.Kind.String(), "observer").Inc()
	r.mu.Lock()
	fn := r.onMessage
	r.mu.Unlock()
	if fn != nil {
		fn(cmd, raw)
	}
}

func actionFor(k proto.Kind) func(Channel) {
	switch k {
	case proto.KindPlay:
		return Channel.Play
	case proto.KindPause:
		return Channel.Pause
	case proto.KindStop:
		return Channel.Stop
	case proto.KindToggle:
		return Channel.Toggle
	case proto.KindReset:
		return Channel.Reset
	}
	return nil
}
