package models

import (
	"errors"
	"testing"
	"time"
)

func TestEnvelopeAddressedTo(t *testing.T) {
	tests := []struct {
		name string
		env  SignalEnvelope
		id   string
		want bool
	}{
		{"broadcast from other", SignalEnvelope{From: "a"}, "b", true},
		{"broadcast from self", SignalEnvelope{From: "b"}, "b", false},
		{"unicast to self", SignalEnvelope{From: "a", To: "b"}, "b", true},
		{"unicast to other", SignalEnvelope{From: "a", To: "c"}, "b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.AddressedTo(tt.id); got != tt.want {
				t.Errorf("AddressedTo(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestNewEnvelopeDecode(t *testing.T) {
	env, err := NewEnvelope(SignalTypeChat, "standup", "a", "", ChatPayload{ID: "1", Body: "hello"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	var chat ChatPayload
	if err := env.Decode(&chat); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if chat.Body != "hello" {
		t.Errorf("body = %q, want hello", chat.Body)
	}

	empty := SignalEnvelope{Type: SignalTypeOffer, From: "a"}
	if err := empty.Decode(&chat); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Decode(empty) = %v, want ErrEmptyPayload", err)
	}
}

func TestParticipantPrecedes(t *testing.T) {
	now := time.Now()
	a := Participant{ID: "zz", JoinedAt: now}
	b := Participant{ID: "aa", JoinedAt: now.Add(time.Millisecond)}
	if !a.Precedes(b) || b.Precedes(a) {
		t.Error("earlier join must precede regardless of id")
	}

	c := Participant{ID: "aa", JoinedAt: now}
	if !c.Precedes(a) || a.Precedes(c) {
		t.Error("equal join times must fall back to id order")
	}
}

func TestSignalTypeRelayable(t *testing.T) {
	for _, st := range []SignalType{SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate, SignalTypeChat} {
		if !st.Relayable() {
			t.Errorf("%s should be relayable", st)
		}
	}
	for _, st := range []SignalType{SignalTypeJoin, SignalTypeLeave, SignalTypeParticipants, SignalTypeError, "bogus"} {
		if st.Relayable() {
			t.Errorf("%s should not be relayable", st)
		}
	}
}
