package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/petervdpas/ledlink/internal/config"
	"github.com/petervdpas/ledlink/internal/device"
	"github.com/petervdpas/ledlink/internal/dispatch"
	"github.com/petervdpas/ledlink/internal/playback"
	"github.com/petervdpas/ledlink/internal/progress"
	"github.com/petervdpas/ledlink/internal/proto"
	"github.com/petervdpas/ledlink/internal/router"
	"github.com/petervdpas/ledlink/internal/session"
	"github.com/petervdpas/ledlink/internal/simulator"
	"github.com/petervdpas/ledlink/internal/storage"
	"github.com/petervdpas/ledlink/internal/viewer/routes"
)

// simulatorHost is the endpoint host used when the device is simulated.
const simulatorHost = "simulator"

var errStopped = errors.New("runtime stopped")

// Runtime is the running system. Channel state only changes on the
// dispatch loop; HTTP callers hop onto it through onQueue.
type Runtime struct {
	opt   Options
	log   zerolog.Logger
	clk   clock.Clock
	queue *dispatch.Queue

	dev      *device.Manager
	router   *router.Router
	reporter *progress.Reporter
	simDev   *simulator.Device
	journal  *storage.DB
	recorder *storage.Recorder

	ids      []int
	sessions map[int]*session.Session
	players  map[int]*playback.Sim
	loaded   map[int]bool // dispatch loop only

	cfgMu sync.RWMutex
	cfg   config.Config

	fileCfg config.Config // last file contents before Override, dispatch loop only

	subMu   sync.RWMutex
	subs    map[int]func(routes.FeedEvent)
	nextSub int

	stopped chan struct{}
}

// Simulator is the in-process firmware used when device.simulate is set.
func (rt *Runtime) Simulator() *simulator.Device { return rt.simDev }

// Session returns the channel for player id.
func (rt *Runtime) Session(id int) (*session.Session, bool) {
	s, ok := rt.sessions[id]
	return s, ok
}

func (rt *Runtime) config() config.Config {
	rt.cfgMu.RLock()
	defer rt.cfgMu.RUnlock()
	return rt.cfg
}

func (rt *Runtime) endpoint(cfg config.Config) device.Endpoint {
	ep := device.Endpoint{Host: cfg.Device.Host, Port: cfg.Device.Port, Path: cfg.Device.Path}
	if cfg.Device.Simulate {
		ep.Host = simulatorHost
	}
	return ep
}

// dial picks the link for the current config, so toggling simulate only
// needs a reconnect.
func (rt *Runtime) dial(ctx context.Context, url string) (device.Conn, error) {
	if rt.config().Device.Simulate {
		return (&simulator.PipeDialer{Device: rt.simDev}).Dial(ctx, url)
	}
	return (&device.WSDialer{}).Dial(ctx, url)
}

// onQueue runs fn on the dispatch loop and waits for it.
func (rt *Runtime) onQueue(fn func()) error {
	done := make(chan struct{})
	if !rt.queue.Post(func() { fn(); close(done) }) {
		return errStopped
	}
	select {
	case <-done:
		return nil
	case <-rt.stopped:
		return errStopped
	}
}

// ── routes.Control

func (rt *Runtime) Status() routes.Status {
	cfg := rt.config()
	st := routes.Status{
		Link:     rt.dev.Status(),
		Simulate: cfg.Device.Simulate,
		Envelope: cfg.Device.JSONEnvelope,
	}
	for _, id := range rt.ids {
		st.Channels = append(st.Channels, rt.sessions[id].Info())
	}
	return st
}

// Connect is a manual connect to the configured endpoint. It resets the
// reconnect budget.
func (rt *Runtime) Connect() error {
	ep := rt.endpoint(rt.config())
	if err := ep.Validate(); err != nil {
		return err
	}
	rt.dev.Connect(ep)
	return nil
}

func (rt *Runtime) Disconnect() {
	rt.dev.Close()
}

func (rt *Runtime) PlayerEvent(player int, ev session.Event) (session.Info, error) {
	s, ok := rt.sessions[player]
	if !ok {
		return session.Info{}, fmt.Errorf("%w: player %d", routes.ErrUnknownChannel, player)
	}
	if err := rt.onQueue(func() { s.Handle(ev) }); err != nil {
		return session.Info{}, err
	}
	return s.Info(), nil
}

func (rt *Runtime) SendRaw(text string) bool {
	return rt.dev.Send(text)
}

// Subscribe registers fn for the event feed. fn runs on the dispatch loop
// and must not block.
func (rt *Runtime) Subscribe(fn func(routes.FeedEvent)) (cancel func()) {
	rt.subMu.Lock()
	id := rt.nextSub
	rt.nextSub++
	rt.subs[id] = fn
	rt.subMu.Unlock()

	return func() {
		rt.subMu.Lock()
		delete(rt.subs, id)
		rt.subMu.Unlock()
	}
}

func (rt *Runtime) publish(typ string, data any) {
	rt.subMu.RLock()
	ids := make([]int, 0, len(rt.subs))
	for id := range rt.subs {
		ids = append(ids, id)
	}
	rt.subMu.RUnlock()
	slices.Sort(ids)

	ev := routes.FeedEvent{Type: typ, Data: data}
	for _, id := range ids {
		rt.subMu.RLock()
		fn, ok := rt.subs[id]
		rt.subMu.RUnlock()
		if ok {
			fn(ev)
		}
	}
}

func (rt *Runtime) record(e storage.Entry) {
	if rt.recorder != nil {
		rt.recorder.Record(e)
	}
}

// ── dispatch loop handlers

func (rt *Runtime) onDeviceEvent(ev device.Event) {
	switch ev.Type {
	case device.EventConnected:
		rt.record(storage.Entry{At: ev.At, ConnID: ev.ConnID, Kind: storage.KindLink, Detail: string(ev.Type)})
		for _, id := range rt.ids {
			rt.sessions[id].Attach()
		}
		for _, id := range rt.ids {
			if !rt.loaded[id] {
				rt.loaded[id] = true
				rt.players[id].Load()
			}
		}
	case device.EventMessage:
		rt.record(storage.Entry{At: ev.At, ConnID: ev.ConnID, Kind: storage.KindReceived, Payload: ev.Payload})
		rt.router.Handle(ev.Payload)
	case device.EventSent:
		rt.record(storage.Entry{At: ev.At, ConnID: ev.ConnID, Kind: storage.KindSent, Player: playerOf(ev.Payload), Payload: ev.Payload})
	case device.EventSendFailed:
		// Dropped sends are visible on the feed and in metrics only.
	default:
		detail := string(ev.Type)
		if t := ev.ErrorText(); t != "" {
			detail += ": " + t
		}
		if ev.Attempt > 0 {
			detail += " (attempt " + strconv.Itoa(ev.Attempt) + ")"
		}
		rt.record(storage.Entry{At: ev.At, ConnID: ev.ConnID, Kind: storage.KindLink, Detail: detail})
	}
	rt.publish("device", ev)
}

func (rt *Runtime) onTransition(tr session.Transition) {
	rt.record(storage.Entry{
		At:      tr.At,
		ConnID:  rt.dev.Status().ConnID,
		Kind:    storage.KindTransition,
		Player:  tr.Player,
		Payload: strings.Join(tr.Sent, " "),
		Detail:  tr.From.String() + "->" + tr.To.String() + " (" + tr.Event + ")",
	})
	rt.publish("transition", tr)
}

func (rt *Runtime) onCommand(cmd proto.Command, raw string) {
	rt.log.Debug().Str("command", cmd.String()).Str("raw", raw).Msg("device message")
	rt.publish("command", map[string]any{"command": cmd.String(), "raw": raw})
}

// applyConfig reacts to an edited config file. Edits are compared with the
// previous file contents, not the running config, so overrides survive
// unrelated edits. Device changes take effect through a reconnect;
// everything else waits for a restart.
func (rt *Runtime) applyConfig(next config.Config) {
	prevFile := rt.fileCfg
	rt.fileCfg = next

	restart := prevFile.RestartRequired(next)
	if restart {
		rt.log.Warn().Msg("config changed outside the device section; restart to apply")
	}
	if !prevFile.ReconnectRequired(next) {
		rt.publish("config", map[string]bool{"reconnect": false, "restart": restart})
		return
	}

	if rt.opt.Override != nil {
		rt.opt.Override(&next)
	}
	rt.cfgMu.Lock()
	prev := rt.cfg
	rt.cfg.Device = next.Device
	rt.cfgMu.Unlock()

	reconnect := prev.Device != next.Device
	rt.publish("config", map[string]bool{"reconnect": reconnect, "restart": restart})
	if !reconnect {
		return
	}

	codec := proto.Codec{Envelope: next.Device.JSONEnvelope}
	for _, id := range rt.ids {
		rt.sessions[id].SetCodec(codec)
	}

	ep := rt.endpoint(next)
	rt.log.Info().Str("endpoint", ep.URL()).Bool("json_envelope", next.Device.JSONEnvelope).Msg("device settings changed, reconnecting")
	rt.dev.Close()
	if err := ep.Validate(); err != nil {
		rt.log.Error().Err(err).Msg("new endpoint refused")
		return
	}
	rt.dev.Connect(ep)
}

// playerOf extracts the player a sent payload addressed, 0 when none.
func playerOf(payload string) int {
	cmd, err := proto.Decode(payload)
	if err != nil {
		return 0
	}
	return cmd.Player
}

