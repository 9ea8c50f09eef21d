package engine

import (
	"sync"

	"drawtogether-server/core"
)

// Connection tracks one live transport session: its room assignment and
// the outbound stroke stream consumed by the transport layer.
type Connection struct {
	id string

	mu     sync.Mutex
	room   string
	outbox chan core.StrokeSegment
	closed bool
}

func newConnection(id string, depth int) *Connection {
	return &Connection{
		id:     id,
		outbox: make(chan core.StrokeSegment, depth),
	}
}

// ID returns the transport session id this record was created for.
func (c *Connection) ID() string {
	return c.id
}

// Room returns the key of the room this connection is attached to, or ""
// when it has not joined one.
func (c *Connection) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Connection) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

// push enqueues a segment without ever blocking the caller. It reports
// false when the outbox is full or the connection is already closed.
func (c *Connection) push(seg core.StrokeSegment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.outbox <- seg:
		return true
	default:
		return false
	}
}

// close closes the outbox exactly once so the consumer's range loop ends.
// Late pushes after close are rejected, not a panic.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
}
