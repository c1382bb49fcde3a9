package signaling

import (
	"log/slog"

	"github.com/krishimitra/signalbridge/internal/registry"
)

// supervise runs for every connection leaving the registry. If the
// connection was seated in a room, the room ends and the remaining occupant
// is told its peer left.
func (c *Coordinator) supervise(conn registry.ID) {
	roomID, ok := c.rooms.RoomOf(conn)
	if !ok {
		return
	}
	slog.Debug("supervising disconnect", "conn_id", conn, "room_id", roomID)
	c.rooms.Disconnect(conn)
}
