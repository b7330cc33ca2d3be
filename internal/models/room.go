package models

import (
	"errors"
	"time"
)

var (
	ErrEmptyPayload = errors.New("empty payload")
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
)

// Participant is one connected identity within a room.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Precedes orders participants by join time, then id. The preceding side of
// a pair initiates negotiation.
func (p Participant) Precedes(other Participant) bool {
	if !p.JoinedAt.Equal(other.JoinedAt) {
		return p.JoinedAt.Before(other.JoinedAt)
	}
	return p.ID < other.ID
}

// ChatMessage is held in session memory only.
type ChatMessage struct {
	ID              string    `json:"id"`
	From            string    `json:"from"`
	FromDisplayName string    `json:"fromDisplayName"`
	Body            string    `json:"body"`
	Timestamp       time.Time `json:"timestamp"`
}

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"` // Short, shareable room code (e.g., "ABCD23")
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"omitempty,min=2,max=64"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// HealthResponse is served by the relay health endpoint.
type HealthResponse struct {
	Status          string `json:"status"`
	RoomCount       int    `json:"roomCount"`
	ConnectionCount int64  `json:"connectionCount"`
}
