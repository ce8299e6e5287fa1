package socket

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/onnwee/readalong/internal/presence"
)

// Client is one attached websocket connection.
type Client struct {
	conn  *websocket.Conn
	id    presence.Identity
	codec Codec
	send  chan []byte

	mu     sync.Mutex
	closed bool
	code   int
	reason string
}

func newClient(conn *websocket.Conn, id presence.Identity, codec Codec, buffer int) *Client {
	return &Client{
		conn:  conn,
		id:    id,
		codec: codec,
		send:  make(chan []byte, buffer),
	}
}

// enqueue queues one encoded frame. A full queue closes the client.
func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.closeLocked(websocket.ClosePolicyViolation, "slow consumer")
		return ErrSlowConsumer
	}
}

// close stops the write pump after it drains queued frames. Only the first call has effect.
func (c *Client) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *Client) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.code = code
	c.reason = reason
	close(c.send)
}

func (c *Client) closeReason() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}
