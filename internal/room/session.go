package room

import (
	"errors"
	"fmt"
	"strings"

	"github.com/krishimitra/signalbridge/internal/registry"
)

var (
	ErrRoomFull      = errors.New("room full")
	ErrUnknownRoom   = errors.New("unknown room")
	ErrNotOccupant   = errors.New("not an occupant of this room")
	ErrAlreadyJoined = errors.New("connection already joined a room")
	ErrInvalidRole   = errors.New("invalid role")
)

// Role is the side a connection plays in a room.
type Role string

const (
	RoleFarmer Role = "farmer"
	RoleExpert Role = "expert"
)

// ParseRole accepts "farmer" or "expert" case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleFarmer:
		return RoleFarmer, nil
	case RoleExpert:
		return RoleExpert, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleFarmer {
		return RoleExpert
	}
	return RoleFarmer
}

func (r Role) slot() int {
	if r == RoleFarmer {
		return 0
	}
	return 1
}

// State is a room's position in its lifecycle.
type State string

const (
	StateEmpty   State = "empty"
	StateWaiting State = "waiting-for-peer"
	StateActive  State = "active"
	StateEnded   State = "ended"
)

// DefaultMode is used when the first joiner does not name one.
const DefaultMode = "video"

// Occupant is a back-reference to a connection seated in a room.
type Occupant struct {
	Conn registry.ID
	Role Role
	Name string
}

// Session is the per-room state machine. It is not safe for concurrent use;
// the owning Room serializes access.
type Session struct {
	seats [2]*Occupant
	state State
	mode  string
}

// NewSession returns a session in StateEmpty.
func NewSession() *Session {
	return &Session{state: StateEmpty}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Mode returns the consultation mode recorded by the first joiner.
func (s *Session) Mode() string { return s.mode }

// Len returns the number of seated occupants.
func (s *Session) Len() int {
	n := 0
	for _, o := range s.seats {
		if o != nil {
			n++
		}
	}
	return n
}

// Initiator is the role instructed to produce the first offer. It is fixed
// so that simultaneous joins can never both initiate.
func (s *Session) Initiator() Role { return RoleFarmer }

// Occupant returns the occupant seated in role, if any.
func (s *Session) Occupant(role Role) (Occupant, bool) {
	o := s.seats[role.slot()]
	if o == nil {
		return Occupant{}, false
	}
	return *o, true
}

// RoleOf returns the role conn occupies.
func (s *Session) RoleOf(conn registry.ID) (Role, bool) {
	for _, o := range s.seats {
		if o != nil && o.Conn == conn {
			return o.Role, true
		}
	}
	return "", false
}

// Peer returns the occupant opposite conn.
func (s *Session) Peer(conn registry.ID) (Occupant, bool) {
	role, ok := s.RoleOf(conn)
	if !ok {
		return Occupant{}, false
	}
	return s.Occupant(role.Other())
}

// JoinResult describes the effect of a successful Join.
type JoinResult struct {
	// Noop is set when conn was already seated in the same role.
	Noop bool
	// Paired is set when this join moved the room to StateActive.
	Paired bool
}

// Join seats o. A role that is already taken yields ErrRoomFull and leaves
// the session untouched.
func (s *Session) Join(o Occupant, mode string) (JoinResult, error) {
	if s.state == StateEnded {
		return JoinResult{}, ErrUnknownRoom
	}
	if role, ok := s.RoleOf(o.Conn); ok {
		if role == o.Role {
			return JoinResult{Noop: true}, nil
		}
		return JoinResult{}, fmt.Errorf("%w: seated as %s", ErrAlreadyJoined, role)
	}
	if s.seats[o.Role.slot()] != nil {
		return JoinResult{}, fmt.Errorf("%w: %s seat taken", ErrRoomFull, o.Role)
	}

	seated := o
	s.seats[o.Role.slot()] = &seated
	if s.mode == "" {
		s.mode = mode
		if s.mode == "" {
			s.mode = DefaultMode
		}
	}

	if s.Len() == 2 {
		s.state = StateActive
		return JoinResult{Paired: true}, nil
	}
	s.state = StateWaiting
	return JoinResult{}, nil
}

// DepartResult describes the effect of a Depart.
type DepartResult struct {
	Left Occupant
	// Remaining is the occupant that must be told its peer left. Nil unless
	// the room was active.
	Remaining *Occupant
	// From is the state before the departure.
	From State
}

// Depart removes conn. From an active room this ends the session and clears
// both seats; from a waiting room it returns to empty. Returns false if conn
// is not seated.
func (s *Session) Depart(conn registry.ID) (DepartResult, bool) {
	role, ok := s.RoleOf(conn)
	if !ok {
		return DepartResult{}, false
	}

	res := DepartResult{Left: *s.seats[role.slot()], From: s.state}
	s.seats[role.slot()] = nil

	switch s.state {
	case StateActive:
		if other := s.seats[role.Other().slot()]; other != nil {
			remaining := *other
			res.Remaining = &remaining
		}
		s.seats = [2]*Occupant{}
		s.state = StateEnded
	default:
		s.state = StateEmpty
		s.mode = ""
	}
	return res, true
}
