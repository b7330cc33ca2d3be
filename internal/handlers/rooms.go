package handlers

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/redis"
)

const (
	codeChars        = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
	maxCodeAttempts  = 5
	defaultRoomLimit = 8
)

var errCodeSpace = errors.New("could not allocate a unique room code")

// CreateRoom registers a room and returns its id and shareable code.
func (srv *Server) CreateRoom(c *gin.Context) {
	var req models.CreateRoomRequest
	// An empty body takes the defaults.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Default capacity if not specified
	if req.MaxParticipants == 0 {
		req.MaxParticipants = srv.relay.MaxRoomParticipants
		if req.MaxParticipants == 0 {
			req.MaxParticipants = defaultRoomLimit
		}
	}

	ctx := c.Request.Context()
	roomCode, err := srv.uniqueCode(c)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to allocate room code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	room := models.RoomMetadata{
		ID:              uuid.New().String(),
		Code:            roomCode,
		CreatedAt:       time.Now().UTC(),
		MaxParticipants: req.MaxParticipants,
	}
	if err := srv.rooms.SaveRoom(ctx, room); err != nil {
		srv.logger.Error().Err(err).Msg("failed to store room in Redis")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	srv.logger.Info().
		Str("roomID", room.ID).
		Str("code", room.Code).
		Int("maxParticipants", room.MaxParticipants).
		Msg("room created")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

func (srv *Server) uniqueCode(c *gin.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := generateRoomCode()
		taken, err := srv.rooms.CodeTaken(c.Request.Context(), code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", errCodeSpace
}

// GetRoom gets room information by code or ID, with the live participant
// count.
func (srv *Server) GetRoom(c *gin.Context) {
	room, err := srv.rooms.GetRoom(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, models.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// DeleteRoom removes a room's metadata. Connected participants stay in the
// relay until they leave.
func (srv *Server) DeleteRoom(c *gin.Context) {
	ctx := c.Request.Context()
	room, err := srv.rooms.GetRoom(ctx, c.Param("roomId"))
	if errors.Is(err, models.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	if err := srv.rooms.DeleteRoom(ctx, *room); err != nil {
		srv.logger.Error().Err(err).Str("roomID", room.ID).Msg("failed to delete room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	srv.logger.Info().Str("roomID", room.ID).Msg("room deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// ListParticipants returns the relay's participants for a room in join
// order.
func (srv *Server) ListParticipants(c *gin.Context) {
	roomID, err := srv.resolve(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve room"})
		return
	}
	participants, err := srv.hub.Registry().ListParticipants(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if participants == nil {
		participants = []models.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "participants": participants})
}

// resolve maps the roomId path parameter to a room id when a room store is
// configured.
func (srv *Server) resolve(c *gin.Context) (string, error) {
	identifier := c.Param("roomId")
	if srv.rooms == nil {
		return identifier, nil
	}
	return srv.rooms.ResolveRoomID(c.Request.Context(), identifier)
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, redis.RoomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
