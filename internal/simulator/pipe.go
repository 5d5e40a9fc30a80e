package simulator

import (
	"context"
	"errors"
	"sync"

	"github.com/petervdpas/ledlink/internal/device"
)

var errPipeClosed = errors.New("pipe closed")

// PipeDialer connects the runtime to a Device in memory.
type PipeDialer struct {
	Device *Device
}

func (p *PipeDialer) Dial(ctx context.Context, url string) (device.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &pipeConn{
		dev:    p.Device,
		in:     make(chan string, 256),
		closed: make(chan struct{}),
	}
	c.detach = p.Device.Attach(c.deliver)
	return c, nil
}

// pipeConn is the client end of an in-memory link.
type pipeConn struct {
	dev    *Device
	in     chan string
	closed chan struct{}
	once   sync.Once
	detach func()
}

func (c *pipeConn) ReadMessage() (string, error) {
	select {
	case s := <-c.in:
		return s, nil
	case <-c.closed:
		return "", errPipeClosed
	}
}

func (c *pipeConn) WriteMessage(text string) error {
	select {
	case <-c.closed:
		return errPipeClosed
	default:
	}
	if reply, ok := c.dev.Handle(text); ok {
		c.deliver(reply)
	}
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.detach()
	})
	return nil
}

func (c *pipeConn) deliver(text string) {
	select {
	case c.in <- text:
	case <-c.closed:
	}
}
