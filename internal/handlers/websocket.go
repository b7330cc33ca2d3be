package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-rooms/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HandleSignaling upgrades a websocket connection and joins it to a room.
// The room may be given by id or code. Capacity is checked before the
// upgrade so a full room is answered with 409.
func (srv *Server) HandleSignaling(c *gin.Context) {
	roomIdentifier := c.Param("roomId")
	if roomIdentifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}
	displayName := c.Query("displayName")

	roomID, limit, err := srv.admission(c, roomIdentifier)
	if errors.Is(err, models.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		srv.logger.Error().Err(err).Str("room", roomIdentifier).Msg("failed to resolve room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve room"})
		return
	}

	if err := srv.hub.Admit(roomID, limit); err != nil {
		srv.logger.Info().Err(err).Str("roomID", roomID).Msg("join rejected")
		c.JSON(http.StatusConflict, gin.H{"error": "Room is full"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		srv.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}
	srv.hub.Serve(conn, roomID, displayName, limit)
}

// admission resolves the room and its capacity. Rooms registered through the
// API use their own limit; ad-hoc rooms use the relay default.
func (srv *Server) admission(c *gin.Context, identifier string) (string, int, error) {
	if srv.rooms == nil {
		return identifier, srv.relay.MaxRoomParticipants, nil
	}

	room, err := srv.rooms.GetRoom(c.Request.Context(), identifier)
	switch {
	case errors.Is(err, models.ErrRoomNotFound):
		if srv.relay.RequireRooms {
			return "", 0, err
		}
		return identifier, srv.relay.MaxRoomParticipants, nil
	case err != nil:
		return "", 0, err
	}
	return room.ID, room.MaxParticipants, nil
}
