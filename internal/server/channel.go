package server

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

const defaultSendBuffer = 32

var (
	errChannelClosed  = errors.New("channel closed")
	errSendBufferFull = errors.New("send buffer full")
)

// wsChannel adapts a websocket connection to the registry Channel contract.
// Writes go through a buffered queue drained by a single writer goroutine,
// so Send never blocks on a peer that stopped reading: a full buffer closes
// the channel and reports failure instead.
type wsChannel struct {
	writeFn   func(v any) error
	closeConn func() error

	out  chan any
	done chan struct{}
	once sync.Once
}

func newWSChannel(conn *websocket.Conn, buffer int) *wsChannel {
	return newBufferedChannel(conn.WriteJSON, conn.Close, buffer)
}

func newBufferedChannel(write func(v any) error, closeConn func() error, buffer int) *wsChannel {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	c := &wsChannel{
		writeFn:   write,
		closeConn: closeConn,
		out:       make(chan any, buffer),
		done:      make(chan struct{}),
	}
	go c.writer()
	return c
}

func (c *wsChannel) writer() {
	for {
		select {
		case <-c.done:
			return
		case v := <-c.out:
			if err := c.writeFn(v); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// Send enqueues without blocking. A full buffer means the peer fell behind
// its read loop; the channel is shut down so the registry unbinds it.
func (c *wsChannel) Send(v any) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	select {
	case c.out <- v:
		return nil
	default:
		c.shutdown()
		return errSendBufferFull
	}
}

// shutdown stops the writer goroutine and closes the underlying connection,
// which unblocks the connection's read loop.
func (c *wsChannel) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.closeConn()
	})
}
