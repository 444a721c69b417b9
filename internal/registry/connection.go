package registry

import "sync"

// Connection is the process-local state of one live transport session. The
// set of joined rooms is owned by the Registry and only changes under its lock.
type Connection struct {
	ID     string
	UserID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	rooms map[string]struct{}
}

// NewConnection creates a connection with an outbound buffer of the given size.
func NewConnection(id, userID string, buffer int) *Connection {
	if buffer < 1 {
		buffer = 1
	}
	return &Connection{
		ID:     id,
		UserID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

// Send queues data for the writer without blocking. A connection whose buffer
// is full is closed, so one slow client cannot stall relay delivery.
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.Close()
		return false
	}
}

// Outbound is drained by the transport writer.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
