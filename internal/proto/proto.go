// Package proto is the wire codec between player channels and the LED
// controller. It is pure: no I/O, no state.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Broadcast is the player id of a command that targets every channel.
const Broadcast = 0

// Player ids multiplexed over one device link.
const (
	Player1 = 1
	Player2 = 2
)

// Kind is the semantic meaning of a command, independent of its wire form.
type Kind int

const (
	KindUnknown Kind = iota
	KindReady
	KindPlay
	KindPause
	KindStop
	KindSignalLost
	KindProgress
	KindStatus
	KindToggle // button short press
	KindReset  // button long press
	KindOther  // recognised shape, unknown command word
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindReady:      "ready",
	KindPlay:       "play",
	KindPause:      "pause",
	KindStop:       "stop",
	KindSignalLost: "signal_lost",
	KindProgress:   "progress",
	KindStatus:     "status",
	KindToggle:     "toggle",
	KindReset:      "reset",
	KindOther:      "other",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Status values carried by {"player":N,"status":S} messages.
const (
	StatusReady     = "ready"
	StatusHeartbeat = "heartbeat"
	StatusPlaying   = "playing"
	StatusPaused    = "paused"
	StatusStopped   = "stopped"
	StatusLoaded    = "loaded"
)

// ErrDecode marks an inbound payload that could not be understood.
var ErrDecode = errors.New("decode")

// Command is one wire message in either direction.
//
// Player is 1 or 2, or Broadcast. Percent is only meaningful for
// KindProgress, Status for KindStatus, and Word for KindOther.
type Command struct {
	Kind    Kind
	Player  int
	Percent int
	Status  string
	Word    string
}

// IsBroadcast reports whether the command applies to every channel.
func (c Command) IsBroadcast() bool { return c.Player == Broadcast }

func (c Command) String() string {
	switch c.Kind {
	case KindProgress:
		return fmt.Sprintf("%s(p%d,%d%%)", c.Kind, c.Player, c.Percent)
	case KindStatus:
		return fmt.Sprintf("%s(p%d,%s)", c.Kind, c.Player, c.Status)
	case KindOther:
		return fmt.Sprintf("%s(p%d,%q)", c.Kind, c.Player, c.Word)
	}
	return fmt.Sprintf("%s(p%d)", c.Kind, c.Player)
}

// Constructors for outbound commands.

func Ready(player int) Command      { return Command{Kind: KindReady, Player: player} }
func Play(player int) Command       { return Command{Kind: KindPlay, Player: player} }
func Pause(player int) Command      { return Command{Kind: KindPause, Player: player} }
func Stop(player int) Command       { return Command{Kind: KindStop, Player: player} }
func SignalLost(player int) Command { return Command{Kind: KindSignalLost, Player: player} }

func Progress(player, percent int) Command {
	return Command{Kind: KindProgress, Player: player, Percent: percent}
}

func Status(player int, status string) Command {
	return Command{Kind: KindStatus, Player: player, Status: status}
}

func Heartbeat(player int) Command { return Status(player, StatusHeartbeat) }

// ValidPlayer reports whether id names a real channel.
func ValidPlayer(id int) bool { return id == Player1 || id == Player2 }

// Codec encodes outbound commands. The zero value emits bare text commands.
type Codec struct {
	// Envelope wraps text commands as {"player":N,"message":"..."} for
	// firmware builds that only parse JSON.
	Envelope bool
}

// Encode renders c with the default (bare text) codec.
func Encode(c Command) (string, error) { return Codec{}.Encode(c) }

// Encode renders c in wire form. Stop maps to on{N}: stopping returns the
// device to its ready (green) state.
func (cd Codec) Encode(c Command) (string, error) {
	if !ValidPlayer(c.Player) {
		return "", fmt.Errorf("encode %s: player must be 1 or 2", c.Kind)
	}

	var text string
	switch c.Kind {
	case KindReady, KindStop:
		text = "on" + strconv.Itoa(c.Player)
	case KindPlay:
		text = "play" + strconv.Itoa(c.Player)
	case KindPause:
		text = "pause" + strconv.Itoa(c.Player)
	case KindSignalLost:
		text = "signal_lost" + strconv.Itoa(c.Player)
	case KindProgress:
		text = fmt.Sprintf("led%d:%d", c.Player, clampPercent(c.Percent))
	case KindStatus:
		if c.Status == "" {
			return "", errors.New("encode status: empty status")
		}
		b, err := json.Marshal(statusMsg{Player: c.Player, Status: c.Status})
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("encode: %s is not an outbound command", c.Kind)
	}

	if cd.Envelope {
		b, err := json.Marshal(envelopeMsg{Player: c.Player, Message: text})
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return text, nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

type statusMsg struct {
	Player int    `json:"player"`
	Status string `json:"status"`
}

type envelopeMsg struct {
	Player  int    `json:"player"`
	Message string `json:"message"`
}

// inboundMsg is the union of every JSON shape the device or a peer sends.
type inboundMsg struct {
	Command *string `json:"command"`
	Player  *int    `json:"player"`
	Status  *string `json:"status"`
	Message *string `json:"message"`
}

// Decode parses an inbound payload. It never panics; any payload it cannot
// understand yields an error wrapping ErrDecode.
func Decode(raw string) (Command, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Command{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if strings.HasPrefix(s, "{") {
		return decodeJSON(s)
	}
	return decodeText(s)
}

func decodeJSON(s string) (Command, error) {
	var m inboundMsg
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	player := Broadcast
	if m.Player != nil {
		player = *m.Player
	}

	switch {
	case m.Command != nil:
		word := strings.ToLower(strings.TrimSpace(*m.Command))
		if word == "" {
			return Command{}, fmt.Errorf("%w: empty command", ErrDecode)
		}
		// Firmware builds that send "play1"/"button2_long_press" inside the
		// command field carry their own player marker.
		if c, err := decodeText(word); err == nil {
			if c.Player == Broadcast {
				c.Player = player
			}
			return c, nil
		}
		return Command{Kind: KindOther, Player: player, Word: word}, nil

	case m.Message != nil:
		c, err := decodeText(strings.TrimSpace(*m.Message))
		if err != nil {
			return Command{}, err
		}
		if c.Player == Broadcast {
			c.Player = player
		}
		return c, nil

	case m.Status != nil:
		return Command{Kind: KindStatus, Player: player, Status: *m.Status}, nil
	}

	return Command{}, fmt.Errorf("%w: json without command, message or status", ErrDecode)
}

var buttonTokens = []struct {
	token  string
	player int
	kind   Kind
}{
	{"button1_short_press", Player1, KindToggle},
	{"button1_long_press", Player1, KindReset},
	{"button2_short_press", Player2, KindToggle},
	{"button2_long_press", Player2, KindReset},
}

// Keyword order matters: it mirrors the device's own precedence.
var textKeywords = []struct {
	word string
	kind Kind
}{
	{"signal_lost", KindSignalLost},
	{"play", KindPlay},
	{"pause", KindPause},
	{"stop", KindStop},
}

func decodeText(s string) (Command, error) {
	lower := strings.ToLower(s)

	for _, b := range buttonTokens {
		if strings.Contains(lower, b.token) {
			return Command{Kind: b.kind, Player: b.player}, nil
		}
	}

	if c, ok := decodeProgress(lower); ok {
		return c, nil
	}

	for _, kw := range textKeywords {
		if i := strings.Index(lower, kw.word); i >= 0 {
			return Command{Kind: kw.kind, Player: playerMarker(lower[i+len(kw.word):])}, nil
		}
	}

	if strings.HasPrefix(lower, "on") {
		if p := playerMarker(lower[2:]); ValidPlayer(p) && len(lower) == 3 {
			return Command{Kind: KindReady, Player: p}, nil
		}
	}

	return Command{}, fmt.Errorf("%w: unrecognized token %q", ErrDecode, truncate(s, 64))
}

// decodeProgress parses led{N}:{P}.
func decodeProgress(s string) (Command, bool) {
	if !strings.HasPrefix(s, "led") {
		return Command{}, false
	}
	rest := s[3:]
	colon := strings.IndexByte(rest, ':')
	if colon <= 0 {
		return Command{}, false
	}
	player, err := strconv.Atoi(rest[:colon])
	if err != nil || !ValidPlayer(player) {
		return Command{}, false
	}
	pct, err := strconv.Atoi(strings.TrimSpace(rest[colon+1:]))
	if err != nil || pct < 0 || pct > 100 {
		return Command{}, false
	}
	return Progress(player, pct), true
}

// playerMarker reads the digit directly following a keyword. Digits other
// than 1 and 2 are kept so the router can drop them instead of broadcasting.
func playerMarker(tail string) int {
	if tail == "" || tail[0] < '0' || tail[0] > '9' {
		return Broadcast
	}
	return int(tail[0] - '0')
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
