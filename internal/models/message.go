package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeJoin         SignalType = "join"
	SignalTypeLeave        SignalType = "leave"
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeCandidate    SignalType = "ice-candidate"
	SignalTypeChat         SignalType = "chat"
	SignalTypeParticipants SignalType = "participants"
	SignalTypeError        SignalType = "error"
)

// Relayable reports whether clients may send this type through a relay.
func (t SignalType) Relayable() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate, SignalTypeChat:
		return true
	}
	return false
}

// SignalEnvelope represents a WebRTC signaling message.
// Payload is opaque to transports and registries.
type SignalEnvelope struct {
	Type      SignalType      `json:"type" msgpack:"type"`
	From      string          `json:"from,omitempty" msgpack:"from,omitempty"`
	To        string          `json:"to,omitempty" msgpack:"to,omitempty"`
	RoomID    string          `json:"roomId" msgpack:"roomId"`
	Payload   json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp" msgpack:"timestamp"`
}

// IsBroadcast reports whether the envelope has no explicit recipient.
func (e SignalEnvelope) IsBroadcast() bool {
	return e.To == ""
}

// AddressedTo reports whether a participant should process the envelope.
func (e SignalEnvelope) AddressedTo(id string) bool {
	return e.From != id && (e.To == "" || e.To == id)
}

// Decode unmarshals the payload into v.
func (e SignalEnvelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope from %q: %w", e.Type, e.From, ErrEmptyPayload)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s envelope from %q: %w", e.Type, e.From, err)
	}
	return nil
}

// NewEnvelope builds an envelope with a JSON encoded payload.
func NewEnvelope(t SignalType, roomID, from, to string, payload any) (SignalEnvelope, error) {
	env := SignalEnvelope{
		Type:      t,
		From:      from,
		To:        to,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
	}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalEnvelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// ParticipantsPayload is delivered to a joiner with the current room snapshot.
type ParticipantsPayload struct {
	Self         Participant   `json:"self"`
	Participants []Participant `json:"participants"`
}

// ChatPayload is the body of a chat envelope.
type ChatPayload struct {
	ID              string `json:"id"`
	FromDisplayName string `json:"fromDisplayName"`
	Body            string `json:"body"`
}

// ErrorPayload carries a relay-side rejection.
type ErrorPayload struct {
	Error string `json:"error"`
}
