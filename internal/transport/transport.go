// Package transport defines the room-scoped signaling channel used by a
// conference session. Variants live in subpackages: wsrelay talks to the
// relay server, redischannel uses Redis Pub/Sub, loopback is an in-process
// test double.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/webrtc-rooms/internal/models"
)

// Status is the connection state of a transport.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// StatusChange is delivered whenever the transport status changes. Err is set
// for failures.
type StatusChange struct {
	Status Status
	Err    error
}

// Handle describes a successful join.
type Handle struct {
	Self         models.Participant
	Participants []models.Participant // already present, ordered by join time
}

// Transport is a bidirectional signaling channel scoped to one room.
type Transport interface {
	// Connect joins roomID. The participant id is assigned by the transport.
	Connect(ctx context.Context, roomID, displayName string) (Handle, error)
	// Send delivers env; envelopes from one sender arrive in send order.
	Send(ctx context.Context, env models.SignalEnvelope) error
	// Receive yields inbound envelopes addressed to the local participant.
	// A participants envelope after Connect signals a resync following a
	// reconnect.
	Receive() <-chan models.SignalEnvelope
	// Status yields status changes, including delivery failures.
	Status() <-chan StatusChange
	// Disconnect announces leave and releases the connection. Idempotent.
	Disconnect() error
}

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrClosed           = errors.New("transport closed")
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
)

// SignalingConnectionError reports that the transport could not connect or
// lost its channel.
type SignalingConnectionError struct {
	Op     string
	RoomID string
	Err    error
}

func (e *SignalingConnectionError) Error() string {
	return fmt.Sprintf("signaling %s room %q: %v", e.Op, e.RoomID, e.Err)
}

func (e *SignalingConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err as a SignalingConnectionError.
func NewConnectionError(op, roomID string, err error) *SignalingConnectionError {
	return &SignalingConnectionError{Op: op, RoomID: roomID, Err: err}
}

// Notify delivers a status change without blocking. When the buffer is full
// the oldest pending change is discarded so the latest state always lands.
func Notify(ch chan StatusChange, change StatusChange) {
	for {
		select {
		case ch <- change:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
