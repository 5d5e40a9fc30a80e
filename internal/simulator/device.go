// Package simulator emulates the LED controller firmware so the runtime
// can be exercised without hardware: in process through PipeDialer, or over
// the network through Server.
package simulator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/petervdpas/ledlink/internal/proto"
)

// LEDsPerPlayer is the strip segment each player owns.
const LEDsPerPlayer = 8

// Mode is what a player slot is showing.
type Mode string

const (
	ModeOff        Mode = "off"
	ModeReady      Mode = "ready"
	ModePlaying    Mode = "playing"
	ModePaused     Mode = "paused"
	ModeSignalLost Mode = "signal_lost"
)

// Slot is one player's segment of the strip.
type Slot struct {
	Player   int  `json:"player"`
	Mode     Mode `json:"mode"`
	Progress int  `json:"progress"`
	Lit      int  `json:"lit"`
}

// Device is the firmware state machine. It is safe for concurrent use.
type Device struct {
	log zerolog.Logger

	mu       sync.Mutex
	slots    [2]Slot
	muted    bool
	received []string
	peers    map[int]func(string)
	nextPeer int
}

func NewDevice(logger zerolog.Logger) *Device {
	return &Device{
		log: logger.With().Str("component", "simulator").Logger(),
		slots: [2]Slot{
			{Player: proto.Player1, Mode: ModeOff},
			{Player: proto.Player2, Mode: ModeOff},
		},
		peers: make(map[int]func(string)),
	}
}

// Attach registers a connected client. Device-originated messages such as
// button presses are delivered through send.
func (d *Device) Attach(send func(string)) (detach func()) {
	d.mu.Lock()
	id := d.nextPeer
	d.nextPeer++
	d.peers[id] = send
	d.mu.Unlock()

	d.log.Info().Int("peer", id).Msg("client attached")
	return func() {
		d.mu.Lock()
		delete(d.peers, id)
		d.mu.Unlock()
		d.log.Info().Int("peer", id).Msg("client detached")
	}
}

// SetMuted makes the device drop all traffic silently, as a hung
// controller would.
func (d *Device) SetMuted(on bool) {
	d.mu.Lock()
	d.muted = on
	d.mu.Unlock()
	d.log.Info().Bool("muted", on).Msg("mute changed")
}

func (d *Device) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

// Slots returns both player segments.
func (d *Device) Slots() []Slot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return []Slot{d.slots[0], d.slots[1]}
}

// Slot returns one player's segment.
func (d *Device) Slot(player int) (Slot, bool) {
	if !proto.ValidPlayer(player) {
		return Slot{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slots[player-1], true
}

// Received returns every payload the device accepted, in order.
func (d *Device) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

// Handle applies one inbound payload. A heartbeat is acknowledged with a
// reply; nothing else is.
func (d *Device) Handle(raw string) (reply string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.muted {
		return "", false
	}

	cmd, err := proto.Decode(raw)
	if err != nil {
		d.log.Warn().Err(err).Msg("ignored payload")
		return "", false
	}
	d.received = append(d.received, raw)

	players := []int{cmd.Player}
	if cmd.IsBroadcast() {
		players = []int{proto.Player1, proto.Player2}
	}

	for _, p := range players {
		if !proto.ValidPlayer(p) {
			d.log.Warn().Int("player", p).Msg("no such player")
			return "", false
		}
		s := &d.slots[p-1]
		switch cmd.Kind {
		case proto.KindReady, proto.KindStop:
			s.Mode = ModeReady
			s.setProgress(0)
		case proto.KindPlay:
			s.Mode = ModePlaying
		case proto.KindPause:
			s.Mode = ModePaused
		case proto.KindSignalLost:
			s.Mode = ModeSignalLost
		case proto.KindProgress:
			s.Mode = ModePlaying
			s.setProgress(cmd.Percent)
		case proto.KindStatus:
			switch cmd.Status {
			case proto.StatusHeartbeat:
				reply, ok = statusReply(p, proto.StatusHeartbeat), true
			case proto.StatusReady, proto.StatusStopped:
				s.Mode = ModeReady
				s.setProgress(0)
			case proto.StatusPlaying:
				s.Mode = ModePlaying
			case proto.StatusPaused:
				s.Mode = ModePaused
			}
		}
	}

	d.log.Debug().Str("command", cmd.String()).Msg("applied")
	return reply, ok
}

// Press emits the button token for player n, as a short or long press.
// It reports whether any client was attached to receive it.
func (d *Device) Press(n int, long bool) (bool, error) {
	if !proto.ValidPlayer(n) {
		return false, fmt.Errorf("button must be 1 or 2, got %d", n)
	}
	kind := "short"
	if long {
		kind = "long"
	}
	token := fmt.Sprintf("button%d_%s_press", n, kind)
	b, err := json.Marshal(struct {
		Command string `json:"command"`
		Player  int    `json:"player"`
	}{token, n})
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	if d.muted {
		d.mu.Unlock()
		return false, nil
	}
	peers := make([]func(string), 0, len(d.peers))
	for _, send := range d.peers {
		peers = append(peers, send)
	}
	d.mu.Unlock()

	d.log.Info().Str("token", token).Int("clients", len(peers)).Msg("button pressed")
	for _, send := range peers {
		send(string(b))
	}
	return len(peers) > 0, nil
}

func (s *Slot) setProgress(p int) {
	s.Progress = p
	s.Lit = p * LEDsPerPlayer / 100
}

func statusReply(player int, status string) string {
	text, err := proto.Encode(proto.Status(player, status))
	if err != nil {
		return ""
	}
	return text
}
