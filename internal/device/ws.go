package device

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait       = 2 * time.Second
	maxMessageBytes = 4096
)

// WSDialer dials the controller over gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	hs := d.HandshakeTimeout
	if hs <= 0 {
		hs = 5 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: hs,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(maxMessageBytes)
	return &WSConn{ws: ws}, nil
}

// WSConn adapts a gorilla connection to Conn and Pinger. Writes are
// serialised by the Manager.
type WSConn struct {
	ws *websocket.Conn
}

// NewWSConn wraps an already established connection.
func NewWSConn(ws *websocket.Conn) *WSConn { return &WSConn{ws: ws} }

func (c *WSConn) ReadMessage() (string, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (c *WSConn) WriteMessage(text string) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *WSConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *WSConn) SetPongHandler(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// Close sends a close frame best effort and drops the connection.
func (c *WSConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.ws.Close()
}
