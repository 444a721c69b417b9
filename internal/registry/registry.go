// Package registry tracks the connections hosted by this process and the rooms
// they have joined. Rooms exist only while they have at least one local member;
// there is no cross-process membership record.
package registry

import (
	"errors"
	"slices"
	"sync"
)

var (
	ErrAlreadyInRoom = errors.New("already in room")
	ErrNotInRoom     = errors.New("not in room")
	ErrNotAttached   = errors.New("connection not attached")
)

// Registry maps rooms to local connections. A connection is in a room's member
// set iff the room is in the connection's joined set.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[string]map[*Connection]struct{}
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		rooms: make(map[string]map[*Connection]struct{}),
	}
}

// Attach makes the connection visible to process-wide delivery.
func (r *Registry) Attach(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c
}

// Detach removes the connection from every room it joined and from the
// registry. It returns the rooms that were left.
func (r *Registry) Detach(c *Connection) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		r.removeLocked(c, roomID)
		left = append(left, roomID)
	}
	delete(r.conns, c.ID)

	slices.Sort(left)
	return left
}

// Join adds the connection to a room, creating the room on first join.
func (r *Registry) Join(c *Connection, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; !ok {
		return ErrNotAttached
	}
	if _, ok := c.rooms[roomID]; ok {
		return ErrAlreadyInRoom
	}

	members := r.rooms[roomID]
	if members == nil {
		members = make(map[*Connection]struct{})
		r.rooms[roomID] = members
	}
	members[c] = struct{}{}
	c.rooms[roomID] = struct{}{}
	return nil
}

// Leave removes the connection from a room, destroying the room if it is now
// empty.
func (r *Registry) Leave(c *Connection, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := c.rooms[roomID]; !ok {
		return ErrNotInRoom
	}
	r.removeLocked(c, roomID)
	return nil
}

func (r *Registry) removeLocked(c *Connection, roomID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	delete(c.rooms, roomID)
}

// InRoom reports whether the connection has joined the room.
func (r *Registry) InRoom(c *Connection, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := c.rooms[roomID]
	return ok
}

// Members returns a snapshot of the local members of a room. It is nil when
// the room does not exist on this process.
func (r *Registry) Members(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// HasRoom reports whether the room currently exists on this process.
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomID]
	return ok
}

// Connections returns a snapshot of every attached connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Counts returns the number of attached connections and live rooms.
func (r *Registry) Counts() (connections, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns), len(r.rooms)
}
