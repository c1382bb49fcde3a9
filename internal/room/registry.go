// Package room pairs one farmer and one expert per room and relays their
// session negotiation.
package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/krishimitra/signalbridge/internal/metrics"
	"github.com/krishimitra/signalbridge/internal/registry"
)

// Registry maps room identifiers to live rooms. Operations on different
// rooms proceed in parallel; operations on one room are serialized by that
// room's goroutine.
type Registry struct {
	notifier Notifier
	idle     time.Duration
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	rooms  map[string]*Room
	byConn map[registry.ID]*Room
}

// NewRegistry creates an empty room registry. idle bounds how long a room
// that never seated anyone is kept. m may be nil.
func NewRegistry(n Notifier, idle time.Duration, m *metrics.Metrics) *Registry {
	if idle <= 0 {
		idle = time.Minute
	}
	return &Registry{
		notifier: n,
		idle:     idle,
		metrics:  m,
		rooms:    make(map[string]*Room),
		byConn:   make(map[registry.ID]*Room),
	}
}

// Join seats conn in roomID under role, creating the room on first use.
// The second, opposite-role join activates the room and both occupants are
// sent ready.
func (g *Registry) Join(roomID string, conn registry.ID, role Role, name, mode string) error {
	if role != RoleFarmer && role != RoleExpert {
		return ErrInvalidRole
	}
	o := Occupant{Conn: conn, Role: role, Name: name}
	for {
		r := g.getOrCreate(roomID)
		var err error
		if r.exec(func() { err = r.join(o, mode) }) {
			return err
		}
	}
}

// Relay forwards raw to the other occupant of roomID. Envelopes for rooms
// that are missing or not active return ErrUnknownRoom and are not queued.
func (g *Registry) Relay(roomID string, sender registry.ID, raw []byte) error {
	r := g.lookup(roomID)
	if r == nil {
		return ErrUnknownRoom
	}
	var err error
	if !r.exec(func() { err = r.relay(sender, raw) }) {
		return ErrUnknownRoom
	}
	return err
}

// End is a voluntary termination by conn. Unknown rooms and non-occupants
// are ignored.
func (g *Registry) End(roomID string, conn registry.ID) {
	r := g.lookup(roomID)
	if r == nil {
		return
	}
	r.exec(func() { r.depart(conn, LeaveEnded) })
}

// Disconnect removes conn from whichever room holds it and notifies the
// remaining occupant. It is safe to call repeatedly.
func (g *Registry) Disconnect(conn registry.ID) {
	for {
		r := g.roomOf(conn)
		if r == nil {
			return
		}
		if r.exec(func() { r.depart(conn, LeaveDisconnected) }) {
			return
		}
		g.unbind(conn, r)
	}
}

// Lookup returns a snapshot of roomID.
func (g *Registry) Lookup(roomID string) (Snapshot, bool) {
	r := g.lookup(roomID)
	if r == nil {
		return Snapshot{}, false
	}
	var s Snapshot
	if !r.exec(func() { s = r.snapshot() }) {
		return Snapshot{}, false
	}
	return s, true
}

// RoomOf returns the id of the room conn is seated in.
func (g *Registry) RoomOf(conn registry.ID) (string, bool) {
	r := g.roomOf(conn)
	if r == nil {
		return "", false
	}
	return r.id, true
}

// Len returns the number of live rooms.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

func (g *Registry) lookup(roomID string) *Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[roomID]
}

func (g *Registry) getOrCreate(roomID string) *Room {
	g.mu.Lock()
	r, ok := g.rooms[roomID]
	if !ok {
		r = newRoom(roomID, g)
		g.rooms[roomID] = r
		go r.run(g.idle)
	}
	n := len(g.rooms)
	g.mu.Unlock()

	if !ok {
		slog.Debug("room created", "room_id", roomID)
		if g.metrics != nil {
			g.metrics.ActiveRooms.Set(float64(n))
		}
	}
	return r
}

// remove deletes roomID only if it still maps to r.
func (g *Registry) remove(roomID string, r *Room) {
	g.mu.Lock()
	if g.rooms[roomID] == r {
		delete(g.rooms, roomID)
	}
	n := len(g.rooms)
	g.mu.Unlock()

	slog.Debug("room removed", "room_id", roomID)
	if g.metrics != nil {
		g.metrics.ActiveRooms.Set(float64(n))
	}
}

func (g *Registry) roomOf(conn registry.ID) *Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byConn[conn]
}

func (g *Registry) bind(conn registry.ID, r *Room) {
	g.mu.Lock()
	g.byConn[conn] = r
	g.mu.Unlock()
}

// unbind clears conn's binding only if it points at r.
func (g *Registry) unbind(conn registry.ID, r *Room) {
	g.mu.Lock()
	if g.byConn[conn] == r {
		delete(g.byConn, conn)
	}
	g.mu.Unlock()
}
