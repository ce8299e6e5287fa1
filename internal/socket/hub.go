package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/readalong/internal/presence"
)

// Delivery errors returned by Hub.Send.
var (
	ErrUnknownConnection = errors.New("connection not attached to hub")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrSlowConsumer      = errors.New("outbound queue full")
)

// Default connection timings and limits.
const (
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultMaxMessageSize = 16 * 1024
	DefaultSendBuffer     = 64
)

// Relay is the presence relay as seen from a connection.
type Relay interface {
	Handle(ctx context.Context, id presence.Identity, in presence.Inbound) error
	RejectFrame(ctx context.Context, id presence.Identity, err error)
	Heartbeat(connectionID string)
	Disconnect(ctx context.Context, connectionID string)
}

// HubConfig configures a Hub.
type HubConfig struct {
	// Logger for connection lifecycle. Defaults to slog.Default().
	Logger *slog.Logger
	// Metrics for connection counts. Optional.
	Metrics *Metrics
	// WriteWait bounds a single frame write.
	WriteWait time.Duration
	// PongWait is how long a connection may stay silent before it is considered dead.
	// Pings are sent at 9/10 of this interval.
	PongWait time.Duration
	// MaxMessageSize is the largest inbound frame accepted, in bytes.
	MaxMessageSize int64
	// SendBuffer is the per-connection outbound queue length. A connection whose queue
	// is full is closed rather than having events dropped.
	SendBuffer int
	// Now stamps the connected event. Defaults to time.Now.
	Now func() time.Time
}

// Hub tracks attached websocket connections and delivers presence envelopes to them.
// Hub implements presence.Dispatcher.
type Hub struct {
	config HubConfig

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates an empty hub.
func NewHub(config HubConfig) *Hub {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.WriteWait <= 0 {
		config.WriteWait = DefaultWriteWait
	}
	if config.PongWait <= 0 {
		config.PongWait = DefaultPongWait
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultSendBuffer
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Hub{
		config:  config,
		clients: make(map[string]*Client),
	}
}

// Send encodes env for the connection's negotiated codec and queues it.
// Send never blocks on network I/O.
func (h *Hub) Send(connectionID string, env presence.Envelope) error {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	data, err := c.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Event, err)
	}
	if err := c.enqueue(data); err != nil {
		if errors.Is(err, ErrSlowConsumer) {
			h.config.Metrics.IncSlowConsumers()
			h.config.Logger.Warn("closing slow websocket consumer",
				"connection_id", connectionID,
				"queue", h.config.SendBuffer)
		}
		return err
	}
	return nil
}

// Len returns the number of attached connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every attached connection with a going-away close frame.
// Serve calls for those connections return once their pumps finish.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// Serve attaches conn to the hub under id and pumps frames between it and relay until the
// connection ends. The participant, if it joined a room, is disconnected before Serve returns.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, id presence.Identity, relay Relay) {
	c := newClient(conn, id, CodecFor(conn.Subprotocol()), h.config.SendBuffer)
	if !h.attach(c) {
		h.config.Logger.WarnContext(ctx, "duplicate websocket connection id",
			"connection_id", id.ConnectionID)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate connection"),
			time.Now().Add(h.config.WriteWait))
		_ = conn.Close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(c)
	}()

	_ = h.Send(id.ConnectionID, presence.Envelope{
		Event:     presence.EventConnected,
		Data:      presence.Connected{ConnectionID: id.ConnectionID},
		Timestamp: h.config.Now().UTC(),
	})

	h.readPump(ctx, c, relay)

	h.detach(c)
	relay.Disconnect(ctx, id.ConnectionID)
	c.close(websocket.CloseNormalClosure, "")
	<-writerDone
}

func (h *Hub) attach(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.clients[c.id.ConnectionID]; exists {
		return false
	}
	h.clients[c.id.ConnectionID] = c
	h.config.Metrics.SetConnections(len(h.clients))
	return true
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id.ConnectionID] == c {
		delete(h.clients, c.id.ConnectionID)
	}
	h.config.Metrics.SetConnections(len(h.clients))
}

func (h *Hub) pingPeriod() time.Duration {
	return h.config.PongWait * 9 / 10
}

// readPump is the only reader of c.conn. Events are handed to the relay in arrival order.
func (h *Hub) readPump(ctx context.Context, c *Client, relay Relay) {
	c.conn.SetReadLimit(h.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		relay.Heartbeat(c.id.ConnectionID)
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.config.Logger.WarnContext(ctx, "websocket connection closed unexpectedly",
					"connection_id", c.id.ConnectionID,
					"error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))

		in, err := c.codec.Decode(data)
		if err != nil {
			relay.RejectFrame(ctx, c.id, err)
			continue
		}
		_ = relay.Handle(ctx, c.id, in)
	}
}

// writePump is the only writer of c.conn. It exits when the send queue is closed or a
// write fails, closing the underlying connection so readPump unblocks.
func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(h.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if !ok {
				code, reason := c.closeReason()
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := c.conn.WriteMessage(c.codec.MessageType(), data); err != nil {
				h.config.Logger.Debug("websocket write failed",
					"connection_id", c.id.ConnectionID,
					"error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
