// Package registry tracks live WebSocket connections: per-IP admission
// counts, the userId-to-connection binding, and heartbeat liveness
// (spec.md §4.2).
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// outboxSize bounds the per-connection write queue. Producers (Matcher,
// Relay, SessionController) enqueue immutable, already-encoded frames and
// never block on network I/O themselves (spec.md §5: "No operation may hold
// a lock while performing network I/O to a peer").
const outboxSize = 64

// Conn wraps a coder/websocket connection with a single serialized writer
// goroutine, grounded on the teacher pack's spitfire4040-chat-server
// Client.send pattern: a bounded channel drained by one writer so a slow
// peer never blocks whoever is producing frames for it.
type Conn struct {
	ws   *websocket.Conn
	ip   string
	send chan []byte

	lastActivity atomic.Int64 // unix nanoseconds
	closeOnce    sync.Once
	closed       chan struct{}
}

// NewConn wraps ws and starts its writer goroutine. Callers must call
// ReadLoop-equivalent logic themselves and eventually Close the connection.
func NewConn(ws *websocket.Conn, ip string) *Conn {
	c := &Conn{
		ws:     ws,
		ip:     ip,
		send:   make(chan []byte, outboxSize),
		closed: make(chan struct{}),
	}
	c.Touch()
	go c.writeLoop()
	return c
}

// NewLoopbackConn returns a Conn with no backing socket, for tests that
// need to bind a real userId in the registry and observe what gets
// enqueued for it without dialing an actual WebSocket. The returned channel
// receives every frame a caller enqueues, in order.
func NewLoopbackConn(ip string) (*Conn, <-chan []byte) {
	c := &Conn{
		ip:     ip,
		send:   make(chan []byte, outboxSize),
		closed: make(chan struct{}),
	}
	c.Touch()
	return c, c.send
}

// IP returns the remote address this connection was admitted under.
func (c *Conn) IP() string { return c.ip }

// Touch refreshes the liveness deadline. Called on every inbound frame and
// every pong.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor returns how long it has been since the last inbound activity.
func (c *Conn) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// Enqueue queues an already-encoded JSON frame for delivery. Non-blocking:
// if the outbox is full the frame is dropped and a warning is logged rather
// than stalling the producer — a stuck peer must never block matchmaking or
// relay for everyone else.
func (c *Conn) Enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		slog.Warn("connection outbox full, dropping frame", "ip", c.ip)
	}
}

// EnqueueJSON marshals v and enqueues it.
func (c *Conn) EnqueueJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Enqueue(data)
	return nil
}

func (c *Conn) writeLoop() {
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Ping sends a transport-level ping; the registry's heartbeat sweep uses
// this rather than a data frame so it never competes with the FIFO outbox.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Read blocks for the next inbound frame.
func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.ws.Read(ctx)
}

// Close closes the underlying socket and stops the writer goroutine. Safe
// to call more than once.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close(code, reason)
	})
	return err
}
