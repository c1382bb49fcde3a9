package registry

import (
	"context"

	"github.com/coder/websocket"
)

// WebSocketTransport writes text frames to a coder/websocket connection.
type WebSocketTransport struct {
	Conn *websocket.Conn
}

func (w WebSocketTransport) Write(ctx context.Context, msg []byte) error {
	return w.Conn.Write(ctx, websocket.MessageText, msg)
}

func (w WebSocketTransport) Close(reason CloseReason) error {
	return w.Conn.Close(closeStatus(reason), string(reason))
}

func closeStatus(reason CloseReason) websocket.StatusCode {
	switch reason {
	case CloseShutdown:
		return websocket.StatusGoingAway
	case CloseSlowConsumer:
		return websocket.StatusPolicyViolation
	case CloseWriteFailed:
		return websocket.StatusInternalError
	default:
		return websocket.StatusNormalClosure
	}
}
