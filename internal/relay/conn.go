// Package relay routes call-signaling messages between the live connections
// of two peers. It holds no transport code: the WebSocket layer feeds frames
// in and drains outbound messages from each Conn.
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ringlink/proto"
)

// outBufferSize bounds the per-connection outbound queue. A consumer that
// falls this far behind is dropped rather than allowed to stall the relay.
const outBufferSize = 64

// Conn is one live transport connection as the relay sees it. The transport
// layer writes inbound frames through the Router and runs a single writer
// goroutine draining Out.
type Conn struct {
	socketID string

	mu     sync.Mutex
	userID string

	out       chan proto.Message
	done      chan struct{}
	closeOnce sync.Once

	lastSeen atomic.Int64
}

// NewConn creates a connection handle with a fresh socket id.
func NewConn() *Conn {
	c := &Conn{
		socketID: uuid.New().String(),
		out:      make(chan proto.Message, outBufferSize),
		done:     make(chan struct{}),
	}
	c.Touch()
	return c
}

// SocketID returns the ephemeral id assigned at accept time.
func (c *Conn) SocketID() string {
	return c.socketID
}

// UserID returns the user id this connection registered under, or "" before
// registration.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) setUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// Send queues msg for delivery. Returns false if the connection is closed or
// its buffer is full; a full buffer closes the connection, since the reader
// on the other end is not keeping up.
func (c *Conn) Send(msg proto.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- msg:
		return true
	default:
		c.Close()
		return false
	}
}

// Out is the outbound queue drained by the transport writer goroutine.
func (c *Conn) Out() <-chan proto.Message {
	return c.out
}

// Done is closed when the connection is being torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection for teardown. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Touch records inbound traffic for liveness accounting.
func (c *Conn) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the most recent inbound frame.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}
