// Package protocol defines the JSON envelope exchanged with signaling clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v2"
)

// ErrInvalidEnvelope is returned when an inbound frame cannot be decoded.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Kind tags every envelope.
type Kind string

// Inbound kinds.
const (
	KindJoin           Kind = "join"
	KindOffer          Kind = "offer"
	KindAnswer         Kind = "answer"
	KindCandidate      Kind = "candidate"
	KindChat           Kind = "chat"
	KindMediaState     Kind = "media-state"
	KindEnd            Kind = "end"
	KindSubmitRequest  Kind = "submit-request"
	KindResolveRequest Kind = "resolve-request"
	KindListRequests   Kind = "list-requests"
)

// Outbound kinds.
const (
	KindReady            Kind = "ready"
	KindPeerLeft         Kind = "peer-left"
	KindRoomFull         Kind = "room-full"
	KindError            Kind = "error"
	KindRequestSubmitted Kind = "request-submitted"
	KindRequestResolved  Kind = "request-resolved"
	KindPendingRequests  Kind = "pending-requests"
)

// Relayed reports whether envelopes of this kind are forwarded verbatim to
// the other room occupant.
func (k Kind) Relayed() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindChat, KindMediaState:
		return true
	}
	return false
}

// Envelope is the wire frame. Payload stays raw so relayed kinds are never
// reinterpreted.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses one inbound frame. Room-scoped kinds other than join must
// name a room.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrInvalidEnvelope)
	}
	if (env.Kind.Relayed() || env.Kind == KindEnd) && env.RoomID == "" {
		return Envelope{}, fmt.Errorf("%w: %s requires roomId", ErrInvalidEnvelope, env.Kind)
	}
	return env, nil
}

// Encode builds an outbound frame with payload marshaled as JSON.
func Encode(kind Kind, roomID string, payload any) ([]byte, error) {
	env := Envelope{Kind: kind, RoomID: roomID}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

// DecodePayload unmarshals an envelope payload into v.
func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidEnvelope, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, env.Kind, err)
	}
	return nil
}

// JoinPayload is sent by a client entering a room. RoomID may be given here
// or on the envelope.
type JoinPayload struct {
	RoomID string `json:"roomId,omitempty"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// ReadyPayload tells each occupant the room is paired. Only the farmer side
// receives Initiator=true.
type ReadyPayload struct {
	Initiator  bool        `json:"initiator"`
	PeerRole   string      `json:"peerRole"`
	PeerName   string      `json:"peerName,omitempty"`
	Mode       string      `json:"mode"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`
}

// ICEServer is one entry of the RTCIceServer list a browser passes to
// RTCPeerConnection.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEServersFrom converts pion server definitions to the client shape.
// Only password credentials are carried.
func ICEServersFrom(servers []webrtc.ICEServer) []ICEServer {
	out := make([]ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := ICEServer{
			URLs:     append([]string(nil), s.URLs...),
			Username: s.Username,
		}
		if c, ok := s.Credential.(string); ok {
			srv.Credential = c
		}
		out = append(out, srv)
	}
	return out
}

// Peer-left reasons.
const (
	ReasonEnded        = "ended"
	ReasonDisconnected = "disconnected"
)

// PeerLeftPayload is sent to the remaining occupant when a room ends.
type PeerLeftPayload struct {
	Reason string `json:"reason"`
}

// Error codes carried in ErrorPayload.
const (
	CodeInvalidEnvelope = "invalid-envelope"
	CodeUnknownKind     = "unknown-kind"
	CodeInvalidRole     = "invalid-role"
	CodeAlreadyJoined   = "already-joined"
	CodeAlreadyResolved = "already-resolved"
	CodeRequestNotFound = "request-not-found"
	CodeInvalidRequest  = "invalid-request"
	CodeInternal        = "internal"
)

// ErrorPayload reports a rejected client action.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitRequestPayload asks for an expert consultation.
type SubmitRequestPayload struct {
	Kind          string `json:"kind"`
	RequesterName string `json:"requesterName"`
	Issue         string `json:"issue"`
	RoomID        string `json:"roomId"`
}

// ResolveRequestPayload carries an expert's decision.
type ResolveRequestPayload struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}
