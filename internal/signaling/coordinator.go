// Package signaling dispatches client envelopes into the request ledger and
// the room registry, and delivers room events back to clients.
package signaling

import (
	"log/slog"
	"time"

	"github.com/krishimitra/signalbridge/internal/ledger"
	"github.com/krishimitra/signalbridge/internal/metrics"
	"github.com/krishimitra/signalbridge/internal/protocol"
	"github.com/krishimitra/signalbridge/internal/registry"
	"github.com/krishimitra/signalbridge/internal/room"
	"github.com/pion/webrtc/v2"
)

// Options configures a Coordinator.
type Options struct {
	ICEServers      []webrtc.ICEServer
	MaxIssueLength  int
	RoomIdleTimeout time.Duration
	Metrics         *metrics.Metrics // nil disables metrics
}

// Coordinator owns the room registry and wires it to the connection
// registry and the request ledger.
type Coordinator struct {
	conns      *registry.Registry
	rooms      *room.Registry
	ledger     *ledger.Ledger
	opts       Options
	iceServers []protocol.ICEServer
	metrics    *metrics.Metrics
}

// New creates a Coordinator and subscribes it to disconnect events from
// conns.
func New(conns *registry.Registry, l *ledger.Ledger, opts Options) *Coordinator {
	c := &Coordinator{
		conns:      conns,
		ledger:     l,
		opts:       opts,
		iceServers: protocol.ICEServersFrom(opts.ICEServers),
		metrics:    opts.Metrics,
	}
	c.rooms = room.NewRegistry(c, opts.RoomIdleTimeout, opts.Metrics)
	conns.OnDisconnect(c.supervise)
	return c
}

// Rooms exposes the room registry for status reporting.
func (c *Coordinator) Rooms() *room.Registry { return c.rooms }

// Ready implements room.Notifier.
func (c *Coordinator) Ready(conn registry.ID, roomID string, info room.ReadyInfo) error {
	return c.send(conn, protocol.KindReady, roomID, protocol.ReadyPayload{
		Initiator:  info.Initiator,
		PeerRole:   string(info.PeerRole),
		PeerName:   info.PeerName,
		Mode:       info.Mode,
		ICEServers: c.iceServers,
	})
}

// PeerLeft implements room.Notifier.
func (c *Coordinator) PeerLeft(conn registry.ID, roomID string, reason room.LeaveReason) error {
	return c.send(conn, protocol.KindPeerLeft, roomID, protocol.PeerLeftPayload{Reason: string(reason)})
}

// Forward implements room.Notifier. raw is delivered byte for byte.
func (c *Coordinator) Forward(conn registry.ID, raw []byte) error {
	return c.conns.Send(conn, raw)
}

// Alive implements room.Notifier.
func (c *Coordinator) Alive(conn registry.ID) bool {
	return c.conns.Alive(conn)
}

func (c *Coordinator) send(conn registry.ID, kind protocol.Kind, roomID string, payload any) error {
	msg, err := protocol.Encode(kind, roomID, payload)
	if err != nil {
		return err
	}
	return c.conns.Send(conn, msg)
}

// reply sends a response to conn. A failed reply means conn is going away
// and its disconnect event handles the rest.
func (c *Coordinator) reply(conn registry.ID, kind protocol.Kind, roomID string, payload any) {
	if err := c.send(conn, kind, roomID, payload); err != nil {
		slog.Debug("reply not delivered", "conn_id", conn, "kind", string(kind), "error", err)
	}
}

func (c *Coordinator) replyError(conn registry.ID, roomID, code, message string) {
	if c.metrics != nil {
		c.metrics.ErrorsTotal.WithLabelValues(code).Inc()
	}
	c.reply(conn, protocol.KindError, roomID, protocol.ErrorPayload{Code: code, Message: message})
}
