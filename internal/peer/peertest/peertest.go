// Package peertest provides an in-memory peer.Conn. Connections created by
// one Network find each other through the descriptions they exchange and
// "connect" once both sides hold a stable offer/answer pair and a candidate.
package peertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mossy-p/webrtc-rooms/internal/peer"
	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed     = errors.New("fake connection closed")
	ErrWrongState = errors.New("fake connection in wrong signaling state")
)

const connAttr = "a=x-fake-conn:"

type Network struct {
	mu    sync.Mutex
	conns []*Conn
	byID  map[string]*Conn
}

func NewNetwork() *Network {
	return &Network{byID: make(map[string]*Conn)}
}

var _ peer.Factory = (*Network)(nil)

func (n *Network) NewConn() (peer.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &Conn{
		net:   n,
		seq:   len(n.conns) + 1,
		id:    fmt.Sprintf("c%d", len(n.conns)+1),
		state: webrtc.SignalingStateStable,
	}
	n.conns = append(n.conns, c)
	n.byID[c.id] = c
	return c, nil
}

// Conns returns every connection created so far, in creation order.
func (n *Network) Conns() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Conn(nil), n.conns...)
}

// Open returns the connections that are not closed.
func (n *Network) Open() []*Conn {
	var out []*Conn
	for _, c := range n.Conns() {
		if !c.Closed() {
			out = append(out, c)
		}
	}
	return out
}

func (n *Network) lookup(id string) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.byID[id]
}

// Conn is a fake peer connection.
type Conn struct {
	net *Network
	seq int
	id  string

	mu          sync.Mutex
	state       webrtc.SignalingState
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	remoteConn  string
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	video       webrtc.TrackLocal
	offers      int
	connected   bool
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(peer.RemoteTrack)
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) sdp(version int) string {
	return strings.Join([]string{
		"v=0",
		fmt.Sprintf("o=- %d %d IN IP4 127.0.0.1", 4000+c.seq, version),
		"s=-",
		"t=0 0",
		connAttr + c.id,
		"",
	}, "\r\n")
}

func (c *Conn) CreateOffer(bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: c.sdp(c.offers)}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, ErrWrongState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: c.sdp(c.offers + 1)}, nil
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && c.state == webrtc.SignalingStateStable:
		c.state = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveRemoteOffer:
		c.state = webrtc.SignalingStateStable
	default:
		c.mu.Unlock()
		return fmt.Errorf("set local %s in %s: %w", desc.Type, c.state, ErrWrongState)
	}
	c.local = &desc
	cb := c.onCandidate
	candidate := webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:1 1 udp 2130706431 127.0.0.1 %d typ host", 5000+c.seq),
	}
	c.mu.Unlock()

	if cb != nil {
		go cb(candidate)
	}
	c.maybeConnect()
	return nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && c.state == webrtc.SignalingStateStable:
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveLocalOffer:
		c.state = webrtc.SignalingStateStable
	default:
		c.mu.Unlock()
		return fmt.Errorf("set remote %s in %s: %w", desc.Type, c.state, ErrWrongState)
	}
	c.remote = &desc
	for _, line := range strings.Split(desc.SDP, "\r\n") {
		if strings.HasPrefix(line, connAttr) {
			c.remoteConn = strings.TrimPrefix(line, connAttr)
		}
	}
	c.mu.Unlock()

	c.maybeConnect()
	return nil
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.remote == nil {
		c.mu.Unlock()
		return errors.New("fake: remote description not set")
	}
	c.candidates = append(c.candidates, candidate)
	c.mu.Unlock()

	c.maybeConnect()
	return nil
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) AttachTracks(tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, tracks...)
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			c.video = t
		}
	}
	return nil
}

func (c *Conn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.video == nil {
		return peer.ErrNoVideoSender
	}
	c.video = track
	return nil
}

// Candidates returns the remote candidates applied so far, in order.
func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

// VideoTrack is the track currently sent as video.
func (c *Conn) VideoTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video
}

func (c *Conn) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = f
	c.mu.Unlock()
}

func (c *Conn) OnTrack(f func(peer.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = f
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Remote returns the connection on the other side, once known.
func (c *Conn) Remote() *Conn {
	c.mu.Lock()
	id := c.remoteConn
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	return c.net.lookup(id)
}

// SetConnectionState fires a connection state change, e.g. to simulate a
// network failure.
func (c *Conn) SetConnectionState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	if s != webrtc.PeerConnectionStateConnected {
		c.connected = false
	}
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		go cb(s)
	}
}

func (c *Conn) maybeConnect() {
	c.mu.Lock()
	ready := !c.closed && !c.connected &&
		c.state == webrtc.SignalingStateStable &&
		c.local != nil && c.remote != nil && len(c.candidates) > 0
	if !ready {
		c.mu.Unlock()
		return
	}
	c.connected = true
	remoteID := c.remoteConn
	onState, onTrack := c.onState, c.onTrack
	c.mu.Unlock()

	var tracks []peer.RemoteTrack
	if remote := c.net.lookup(remoteID); remote != nil {
		remote.mu.Lock()
		for _, t := range remote.tracks {
			tracks = append(tracks, &RemoteTrack{sender: remote, id: t.ID(), streamID: t.StreamID(), kind: t.Kind()})
		}
		remote.mu.Unlock()
	}

	go func() {
		if onTrack != nil {
			for _, t := range tracks {
				onTrack(t)
			}
		}
		if onState != nil {
			onState(webrtc.PeerConnectionStateConnected)
		}
	}()
}

// RemoteTrack is a received track. Source reports which local track the
// sender is currently feeding into it.
type RemoteTrack struct {
	sender   *Conn
	id       string
	streamID string
	kind     webrtc.RTPCodecType
}

func (t *RemoteTrack) ID() string                { return t.id }
func (t *RemoteTrack) StreamID() string          { return t.streamID }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *RemoteTrack) Source() webrtc.TrackLocal {
	if t.kind == webrtc.RTPCodecTypeVideo {
		return t.sender.VideoTrack()
	}
	return nil
}
