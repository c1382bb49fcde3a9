package room

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/krishimitra/signalbridge/internal/registry"
)

// LeaveReason tells the remaining occupant why the room ended.
type LeaveReason string

const (
	LeaveEnded        LeaveReason = "ended"
	LeaveDisconnected LeaveReason = "disconnected"
)

// ReadyInfo is delivered to each occupant when a room becomes active.
type ReadyInfo struct {
	Initiator bool
	PeerRole  Role
	PeerName  string
	Mode      string
}

// Notifier delivers room events to connections. Implementations must not
// block on network I/O and must not call back into the room registry.
type Notifier interface {
	Ready(conn registry.ID, roomID string, info ReadyInfo) error
	PeerLeft(conn registry.ID, roomID string, reason LeaveReason) error
	Forward(conn registry.ID, raw []byte) error
	Alive(conn registry.ID) bool
}

// Snapshot is a point-in-time view of a room.
type Snapshot struct {
	ID     string
	State  State
	Mode   string
	Farmer registry.ID
	Expert registry.ID
}

// Room owns one Session. All access to the session runs on the room's own
// goroutine, one operation at a time.
type Room struct {
	id      string
	reg     *Registry
	session *Session

	ops  chan func()
	done chan struct{}
}

func newRoom(id string, reg *Registry) *Room {
	return &Room{
		id:      id,
		reg:     reg,
		session: NewSession(),
		ops:     make(chan func()),
		done:    make(chan struct{}),
	}
}

// run processes operations until the room empties. A room that never seats
// anyone is reclaimed after idle.
func (r *Room) run(idle time.Duration) {
	defer close(r.done)

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case op := <-r.ops:
			op()
			if r.session.Len() == 0 {
				r.shutdown()
				return
			}
		case <-timer.C:
			if r.session.Len() == 0 {
				slog.Debug("reclaiming idle room", "room_id", r.id)
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) shutdown() {
	r.reg.remove(r.id, r)
}

// exec runs fn on the room goroutine and waits for it. It returns false if
// the room has already shut down; the caller must look the room up again.
func (r *Room) exec(fn func()) bool {
	finished := make(chan struct{})
	select {
	case r.ops <- func() { fn(); close(finished) }:
	case <-r.done:
		return false
	}
	<-finished
	return true
}

func (r *Room) transition(to State) {
	if m := r.reg.metrics; m != nil {
		m.RoomTransitions.WithLabelValues(string(to)).Inc()
	}
	slog.Debug("room transition", "room_id", r.id, "state", string(to))
}

// join runs on the room goroutine.
func (r *Room) join(o Occupant, mode string) error {
	if bound := r.reg.roomOf(o.Conn); bound != nil && bound != r {
		return fmt.Errorf("%w: bound to room %s", ErrAlreadyJoined, bound.id)
	}

	res, err := r.session.Join(o, mode)
	if err != nil || res.Noop {
		return err
	}
	r.reg.bind(o.Conn, r)

	// The connection may have dropped after its join was read. Its disconnect
	// event either saw the binding above or ran before it; in the second case
	// nobody else will clean up.
	if !r.reg.notifier.Alive(o.Conn) {
		r.session.Depart(o.Conn)
		r.reg.unbind(o.Conn, r)
		r.transition(StateEmpty)
		return fmt.Errorf("%w: connection closed during join", registry.ErrConnectionNotFound)
	}

	slog.Info("joined room", "room_id", r.id, "conn_id", o.Conn, "role", string(o.Role))
	if !res.Paired {
		r.transition(StateWaiting)
		return nil
	}

	r.transition(StateActive)
	farmer, _ := r.session.Occupant(RoleFarmer)
	expert, _ := r.session.Occupant(RoleExpert)
	slog.Info("room active", "room_id", r.id, "farmer", farmer.Conn, "expert", expert.Conn, "mode", r.session.Mode())

	for _, pair := range [][2]Occupant{{farmer, expert}, {expert, farmer}} {
		self, peer := pair[0], pair[1]
		info := ReadyInfo{
			Initiator: self.Role == r.session.Initiator(),
			PeerRole:  peer.Role,
			PeerName:  peer.Name,
			Mode:      r.session.Mode(),
		}
		if err := r.reg.notifier.Ready(self.Conn, r.id, info); err != nil {
			slog.Debug("ready delivery failed", "room_id", r.id, "conn_id", self.Conn, "error", err)
			r.depart(self.Conn, LeaveDisconnected)
			return nil
		}
	}
	return nil
}

// depart runs on the room goroutine. It returns false if conn is not seated.
func (r *Room) depart(conn registry.ID, reason LeaveReason) bool {
	res, ok := r.session.Depart(conn)
	if !ok {
		return false
	}
	r.reg.unbind(conn, r)
	slog.Info("left room", "room_id", r.id, "conn_id", conn, "role", string(res.Left.Role), "reason", string(reason))

	if res.From != StateActive {
		r.transition(StateEmpty)
		return true
	}

	r.transition(StateEnded)
	if res.Remaining != nil {
		r.reg.unbind(res.Remaining.Conn, r)
		if err := r.reg.notifier.PeerLeft(res.Remaining.Conn, r.id, reason); err != nil {
			slog.Debug("peer-left delivery failed", "room_id", r.id, "conn_id", res.Remaining.Conn, "error", err)
		}
	}
	return true
}

// relay runs on the room goroutine.
func (r *Room) relay(sender registry.ID, raw []byte) error {
	if r.session.State() != StateActive {
		return fmt.Errorf("%w: %s is %s", ErrUnknownRoom, r.id, r.session.State())
	}
	peer, ok := r.session.Peer(sender)
	if !ok {
		return ErrNotOccupant
	}
	if err := r.reg.notifier.Forward(peer.Conn, raw); err != nil {
		r.depart(peer.Conn, LeaveDisconnected)
		return fmt.Errorf("forward to %s: %w", peer.Conn, err)
	}
	return nil
}

func (r *Room) snapshot() Snapshot {
	s := Snapshot{ID: r.id, State: r.session.State(), Mode: r.session.Mode()}
	if o, ok := r.session.Occupant(RoleFarmer); ok {
		s.Farmer = o.Conn
	}
	if o, ok := r.session.Occupant(RoleExpert); ok {
		s.Expert = o.Conn
	}
	return s
}
