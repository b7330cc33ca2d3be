package peer

import (
	"fmt"

	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Description is the payload of offer and answer envelopes. Session is the
// sender's connection generation; a new value means the sender replaced its
// connection and the receiver must start over too.
type Description struct {
	Type    webrtc.SDPType `json:"type"`
	SDP     string         `json:"sdp"`
	Session uint32         `json:"session"`
}

func (d Description) session() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: d.Type, SDP: d.SDP}
}

// Candidate is the payload of ice-candidate envelopes.
type Candidate struct {
	webrtc.ICECandidateInit
	Session uint32 `json:"session"`
}

// decodeDescription reads and validates an inbound description.
func decodeDescription(env models.SignalEnvelope, want webrtc.SDPType) (Description, error) {
	var d Description
	if err := env.Decode(&d); err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if d.Type != want {
		return d, fmt.Errorf("%w: description type %s, want %s", ErrMalformedPayload, d.Type, want)
	}
	if err := validateSDP(d.SDP); err != nil {
		return d, err
	}
	return d, nil
}

func validateSDP(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty sdp", ErrMalformedPayload)
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func decodeCandidate(env models.SignalEnvelope) (Candidate, error) {
	var c Candidate
	if err := env.Decode(&c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if c.Candidate == "" {
		return c, fmt.Errorf("%w: empty candidate", ErrMalformedPayload)
	}
	return c, nil
}
