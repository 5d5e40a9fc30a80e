// Package device owns the single WebSocket link to the LED controller:
// dialing, heartbeats, silence detection and reconnection. Everything it
// observes is reported as an Event on the dispatch queue.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// State of the link.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EventType names what happened on the link.
type EventType string

const (
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
	EventMessage            EventType = "message"
	EventSent               EventType = "sent"
	EventSendFailed         EventType = "send_failed"
	EventError              EventType = "error"
	EventTimeout            EventType = "timeout"
	EventReconnectScheduled EventType = "reconnect_scheduled"
	EventReconnectExhausted EventType = "reconnect_exhausted"
)

// Event is one observation from the Manager. Payload is set for message,
// sent and send_failed events. Attempt is set for reconnect events.
type Event struct {
	Type    EventType `json:"type"`
	ConnID  string    `json:"conn_id,omitempty"`
	Payload string    `json:"payload,omitempty"`
	Err     error     `json:"-"`
	Attempt int       `json:"attempt,omitempty"`
	At      time.Time `json:"at"`
}

// ErrorText is Err as a string, empty when there is no error.
func (e Event) ErrorText() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// MarshalJSON adds Err as an "error" string.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(e), e.ErrorText()})
}

// Error taxonomy. Decode failures live in proto.ErrDecode.
var (
	ErrConnect            = errors.New("connect")
	ErrSend               = errors.New("send")
	ErrTimeout            = errors.New("timeout")
	ErrReconnectExhausted = errors.New("reconnect exhausted")
)

// Conn is an open, message-oriented link. ReadMessage must return an error
// once Close has been called.
type Conn interface {
	ReadMessage() (string, error)
	WriteMessage(text string) error
	Close() error
}

// Pinger is implemented by links that support transport-level liveness
// probes. A pong counts as inbound traffic.
type Pinger interface {
	Ping() error
	SetPongHandler(fn func())
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a plain function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// Endpoint is where the controller listens.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Path string `json:"path"`
}

// URL renders ws://host:port/path.
func (e Endpoint) URL() string {
	path := e.Path
	if path == "" {
		path = "/ws"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	return "ws://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) + path
}

func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: empty host", ErrConnect)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("%w: port must be 1..65535", ErrConnect)
	}
	return nil
}

// Status is a point-in-time view of the Manager.
type Status struct {
	State       State     `json:"state"`
	Endpoint    string    `json:"endpoint"`
	ConnID      string    `json:"conn_id,omitempty"`
	Attempts    int       `json:"reconnect_attempts"`
	Exhausted   bool      `json:"reconnect_exhausted"`
	Pending     bool      `json:"reconnect_pending"`
	LastInbound time.Time `json:"last_inbound,omitempty"`
}
