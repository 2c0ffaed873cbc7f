// Package edge implements the Edge Server: the websocket-facing
// process that accepts client connections, validates and forwards
// their messages to the Queue Fabric, and rebroadcasts messages the
// Bus Bridge delivers back to locally registered connections.
package edge

import (
	"sort"
	"sync"

	"github.com/gorilla/websocket"
)

// conn is one registered websocket connection.
type conn struct {
	ws     *websocket.Conn
	roomID int
	mu     sync.Mutex // serializes writes to ws, which is not safe for concurrent writers
}

func (c *conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

// Registry tracks the two maps described by the Connection model: a
// 1:1 socket→room index and a 1:N room→sockets index. Reads
// (broadcast iteration) must never block on writes (open/close), so
// each room's member set is held as a copy-on-write snapshot: writers
// allocate a new slice under the lock, readers take a reference to the
// current slice under a read lock and iterate it lock-free.
type Registry struct {
	mu     sync.RWMutex
	byConn map[*conn]int   // conn -> roomID, for Close's own lookup
	byRoom map[int][]*conn // roomID -> snapshot slice of member conns
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[*conn]int),
		byRoom: make(map[int][]*conn),
	}
}

// register adds c to roomID's member set.
func (r *Registry) register(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[c] = c.roomID
	members := r.byRoom[c.roomID]
	next := make([]*conn, len(members)+1)
	copy(next, members)
	next[len(members)] = c
	r.byRoom[c.roomID] = next
}

// deregister removes c from its room's member set. Idempotent: a
// second call for an already-removed conn is a no-op.
func (r *Registry) deregister(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.byConn[c]
	if !ok {
		return
	}
	delete(r.byConn, c)
	members := r.byRoom[roomID]
	next := make([]*conn, 0, len(members))
	for _, m := range members {
		if m != c {
			next = append(next, m)
		}
	}
	if len(next) == 0 {
		delete(r.byRoom, roomID)
		return
	}
	r.byRoom[roomID] = next
}

// snapshot returns the current member slice for roomID without
// copying — callers must not mutate it. Safe to call concurrently with
// register/deregister: snapshot always observes either the state
// before or after a mutation, never a partially-built one.
func (r *Registry) snapshot(roomID int) []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRoom[roomID]
}

// RoomSizes returns the current member count of every non-empty room,
// for the health/status HTTP surface.
func (r *Registry) RoomSizes() map[int]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sizes := make(map[int]int, len(r.byRoom))
	for room, members := range r.byRoom {
		sizes[room] = len(members)
	}
	return sizes
}

// ConnectionCount returns the total number of registered connections
// across all rooms.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// sortedRooms is a small helper used by the HTTP snapshot handler to
// produce deterministic output.
func sortedRooms(sizes map[int]int) []int {
	rooms := make([]int, 0, len(sizes))
	for room := range sizes {
		rooms = append(rooms, room)
	}
	sort.Ints(rooms)
	return rooms
}

// Deliver implements bus.Deliverer: it is called by the Bus Bridge
// subscriber for every message on chatroom:{roomID}, and fans it out to
// every locally registered connection in that room. A write failure on
// one connection is ignored and does not affect delivery to the others.
func (r *Registry) Deliver(roomID int, payload []byte) {
	members := r.snapshot(roomID)
	for _, c := range members {
		// Best-effort: WriteMessage failures are surfaced to the
		// connection's own read loop via the next read error, so we
		// don't need to act on them here.
		_ = c.writeMessage(websocket.TextMessage, payload)
	}
}
