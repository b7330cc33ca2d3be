package peer

import (
	"errors"
	"fmt"
)

var (
	ErrWrongSignalingState = errors.New("wrong signaling state")
	ErrMalformedPayload    = errors.New("malformed signaling payload")
	ErrLinkClosed          = errors.New("peer link closed")
	ErrManagerClosed       = errors.New("peer manager closed")
	ErrNoVideoSender       = errors.New("no outgoing video track")
)

// NegotiationError reports a failed offer, answer or candidate exchange with
// one remote participant. It never ends the session.
type NegotiationError struct {
	Op       string
	RemoteID string
	Err      error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s with %s: %v", e.Op, e.RemoteID, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func negotiationError(op, remoteID string, err error) *NegotiationError {
	return &NegotiationError{Op: op, RemoteID: remoteID, Err: err}
}
