package peer

import (
	"github.com/pion/webrtc/v4"
)

// Conn is the part of a WebRTC peer connection a Link drives.
type Conn interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	// AttachTracks adds the outgoing tracks. Called once, before the first
	// description is created.
	AttachTracks([]webrtc.TrackLocal) error
	// ReplaceVideoTrack swaps the outgoing video track without renegotiation.
	ReplaceVideoTrack(webrtc.TrackLocal) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(RemoteTrack))

	Close() error
}

// RemoteTrack is an incoming media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Factory creates connections for new or restarted links.
type Factory interface {
	NewConn() (Conn, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() (Conn, error)

func (f FactoryFunc) NewConn() (Conn, error) {
	return f()
}

// TrackSource supplies the current outgoing tracks. The media controller
// implements it; links only read from it.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

// RemoteStream groups the tracks received from one remote participant.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

func (s *RemoteStream) track(kind webrtc.RTPCodecType) RemoteTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *RemoteStream) Audio() RemoteTrack { return s.track(webrtc.RTPCodecTypeAudio) }
func (s *RemoteStream) Video() RemoteTrack { return s.track(webrtc.RTPCodecTypeVideo) }
