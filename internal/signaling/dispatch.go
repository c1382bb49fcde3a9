package signaling

import (
	"errors"
	"log/slog"

	"github.com/krishimitra/signalbridge/internal/ledger"
	"github.com/krishimitra/signalbridge/internal/protocol"
	"github.com/krishimitra/signalbridge/internal/registry"
	"github.com/krishimitra/signalbridge/internal/room"
)

type requestPayload struct {
	Request ledger.Request `json:"request"`
}

type pendingRequestsPayload struct {
	Requests []ledger.Request `json:"requests"`
}

// Handle processes one inbound frame from conn. Frames from one connection
// must be handled sequentially; that is what keeps relayed envelopes in
// order.
func (c *Coordinator) Handle(conn registry.ID, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.drop("invalid_envelope")
		c.replyError(conn, "", protocol.CodeInvalidEnvelope, err.Error())
		return
	}

	switch {
	case env.Kind.Relayed():
		c.relay(conn, env, raw)
	case env.Kind == protocol.KindJoin:
		c.join(conn, env)
	case env.Kind == protocol.KindEnd:
		slog.Debug("end requested", "conn_id", conn, "room_id", env.RoomID)
		c.rooms.End(env.RoomID, conn)
	case env.Kind == protocol.KindSubmitRequest:
		c.submitRequest(conn, env)
	case env.Kind == protocol.KindResolveRequest:
		c.resolveRequest(conn, env)
	case env.Kind == protocol.KindListRequests:
		c.reply(conn, protocol.KindPendingRequests, "", pendingRequestsPayload{Requests: c.ledger.ListPending()})
	default:
		c.replyError(conn, env.RoomID, protocol.CodeUnknownKind, "unknown kind "+string(env.Kind))
	}
}

func (c *Coordinator) join(conn registry.ID, env protocol.Envelope) {
	var p protocol.JoinPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		c.replyError(conn, env.RoomID, protocol.CodeInvalidEnvelope, err.Error())
		return
	}
	roomID := env.RoomID
	if roomID == "" {
		roomID = p.RoomID
	}
	if roomID == "" {
		c.replyError(conn, "", protocol.CodeInvalidEnvelope, "join requires roomId")
		return
	}
	role, err := room.ParseRole(p.Role)
	if err != nil {
		c.replyError(conn, roomID, protocol.CodeInvalidRole, err.Error())
		return
	}
	mode := ""
	if p.Mode != "" {
		kind, err := ledger.ParseKind(p.Mode)
		if err != nil {
			c.replyError(conn, roomID, protocol.CodeInvalidEnvelope, "mode must be chat or video")
			return
		}
		mode = string(kind)
	}

	err = c.rooms.Join(roomID, conn, role, p.Name, mode)
	switch {
	case err == nil:
	case errors.Is(err, room.ErrRoomFull):
		slog.Info("join rejected, room full", "conn_id", conn, "room_id", roomID, "role", string(role))
		c.reply(conn, protocol.KindRoomFull, roomID, nil)
	case errors.Is(err, room.ErrAlreadyJoined):
		c.replyError(conn, roomID, protocol.CodeAlreadyJoined, err.Error())
	case errors.Is(err, registry.ErrConnectionNotFound):
		// conn dropped mid-join; nothing to tell it.
	default:
		slog.Error("join failed", "conn_id", conn, "room_id", roomID, "error", err)
		c.replyError(conn, roomID, protocol.CodeInternal, "join failed")
	}
}

// relay forwards raw unchanged. Envelopes that cannot be delivered are
// dropped without telling the sender; a peer that vanished mid-send has
// already ended the room and the sender got peer-left.
func (c *Coordinator) relay(conn registry.ID, env protocol.Envelope, raw []byte) {
	err := c.rooms.Relay(env.RoomID, conn, raw)
	switch {
	case err == nil:
		if c.metrics != nil {
			c.metrics.EnvelopesRelayed.WithLabelValues(string(env.Kind)).Inc()
		}
	case errors.Is(err, room.ErrUnknownRoom):
		slog.Debug("dropped envelope for inactive room", "conn_id", conn, "room_id", env.RoomID, "kind", string(env.Kind))
		c.drop("room_not_active")
	case errors.Is(err, room.ErrNotOccupant):
		slog.Debug("dropped envelope from non-occupant", "conn_id", conn, "room_id", env.RoomID, "kind", string(env.Kind))
		c.drop("not_occupant")
	default:
		slog.Debug("dropped envelope, peer gone", "conn_id", conn, "room_id", env.RoomID, "kind", string(env.Kind), "error", err)
		c.drop("peer_gone")
	}
}

func (c *Coordinator) drop(reason string) {
	if c.metrics != nil {
		c.metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
	}
}

func (c *Coordinator) submitRequest(conn registry.ID, env protocol.Envelope) {
	var p protocol.SubmitRequestPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		c.replyError(conn, "", protocol.CodeInvalidEnvelope, err.Error())
		return
	}
	kind, err := ledger.ParseKind(p.Kind)
	if err != nil {
		c.replyError(conn, "", protocol.CodeInvalidRequest, err.Error())
		return
	}
	if err := ledger.Validate(p.Issue, p.RoomID, c.opts.MaxIssueLength); err != nil {
		c.replyError(conn, "", protocol.CodeInvalidRequest, err.Error())
		return
	}

	req := c.ledger.Submit(kind, p.RequesterName, p.Issue, p.RoomID)
	c.reply(conn, protocol.KindRequestSubmitted, "", requestPayload{Request: req})
}

func (c *Coordinator) resolveRequest(conn registry.ID, env protocol.Envelope) {
	var p protocol.ResolveRequestPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		c.replyError(conn, "", protocol.CodeInvalidEnvelope, err.Error())
		return
	}
	decision, err := ledger.ParseDecision(p.Decision)
	if err != nil {
		c.replyError(conn, "", protocol.CodeInvalidRequest, err.Error())
		return
	}

	req, err := c.ledger.Resolve(p.RequestID, decision)
	switch {
	case err == nil:
		c.reply(conn, protocol.KindRequestResolved, "", requestPayload{Request: req})
	case errors.Is(err, ledger.ErrAlreadyResolved):
		c.replyError(conn, "", protocol.CodeAlreadyResolved, err.Error())
	case errors.Is(err, ledger.ErrRequestNotFound):
		c.replyError(conn, "", protocol.CodeRequestNotFound, err.Error())
	default:
		c.replyError(conn, "", protocol.CodeInvalidRequest, err.Error())
	}
}
