package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// State of a Link.
type State string

const (
	StateNew          State = "new"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Connected reports whether media is flowing. A reconnecting link is not.
func (s State) Connected() bool {
	return s == StateConnected
}

// Link is the negotiated connection with one remote participant. All methods
// run on the manager's loop.
//
// Roles follow join order: the participant that joined first offers, the
// other one is polite and yields when both offer at once. A link survives
// connection replacement; every replacement bumps session, which travels with
// descriptions and candidates so the remote side can tell a fresh start from
// a renegotiation.
type Link struct {
	m      *Manager
	remote models.Participant
	polite bool
	logger zerolog.Logger

	state         State
	conn          Conn
	session       uint32
	remoteSession uint32
	remoteSet     bool
	descSent      bool
	pending       []Candidate
	held          []webrtc.ICECandidateInit
	restarts      int
	stream        *RemoteStream

	timer    *time.Timer
	timerSeq int
}

func newLink(m *Manager, remote models.Participant) *Link {
	l := &Link{
		m:      m,
		remote: remote,
		state:  StateNew,
		logger: m.logger.With().Str("remoteID", remote.ID).Logger(),
	}
	l.setRole()
	return l
}

// setRole recomputes politeness. A remote without a join time is one we only
// know from its offer, so it is treated as the initiator.
func (l *Link) setRole() {
	l.polite = l.remote.JoinedAt.IsZero() || l.remote.Precedes(l.m.self)
}

// open creates a fresh connection for the next session.
func (l *Link) open() error {
	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			l.logger.Debug().Err(err).Msg("failed to close replaced connection")
		}
	}

	conn, err := l.m.opts.Factory.NewConn()
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	if l.m.opts.Tracks != nil {
		if err := conn.AttachTracks(l.m.opts.Tracks.Tracks()); err != nil {
			conn.Close()
			return fmt.Errorf("attach tracks: %w", err)
		}
	}

	l.session++
	l.conn = conn
	l.remoteSet = false
	l.descSent = false
	l.held = nil
	l.stream = nil

	session := l.session
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		l.m.post(func() { l.localCandidate(session, c) })
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.m.post(func() { l.connectionState(session, s) })
	})
	conn.OnTrack(func(t RemoteTrack) {
		l.m.post(func() { l.remoteTrack(session, t) })
	})
	return nil
}

func (l *Link) closed() bool {
	return l.state == StateClosed
}

func (l *Link) setState(s State) {
	if l.state == s {
		return
	}
	l.logger.Debug().Str("from", string(l.state)).Str("to", string(s)).Msg("link state")
	l.state = s
	l.m.emit(l.event())
}

func (l *Link) event() Event {
	ev := Event{RemoteID: l.remote.ID, State: l.state}
	if l.stream != nil {
		ev.Stream = &RemoteStream{
			ID:     l.stream.ID,
			Tracks: append([]RemoteTrack(nil), l.stream.Tracks...),
		}
	}
	return ev
}

// offer sends a description for the current session. With iceRestart the
// existing session is kept and only transport credentials change.
func (l *Link) offer(iceRestart bool) error {
	desc, err := l.conn.CreateOffer(iceRestart)
	if err != nil {
		return negotiationError("create offer", l.remote.ID, err)
	}
	if err := l.conn.SetLocalDescription(desc); err != nil {
		return negotiationError("set local offer", l.remote.ID, err)
	}
	if l.state == StateNew {
		l.setState(StateNegotiating)
	}
	if err := l.sendDescription(desc); err != nil {
		return err
	}
	l.armTimeout()
	l.logger.Debug().Bool("iceRestart", iceRestart).Uint32("session", l.session).Msg("sent offer")
	return nil
}

func (l *Link) handleOffer(env models.SignalEnvelope) error {
	d, err := decodeDescription(env, webrtc.SDPTypeOffer)
	if err != nil {
		return negotiationError("offer", l.remote.ID, err)
	}

	glare := l.conn != nil && l.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer
	switch {
	case glare && !l.polite:
		l.logger.Debug().Msg("ignoring colliding offer")
		return nil
	case l.conn == nil, glare, l.remoteSet && d.Session != l.remoteSession:
		if err := l.open(); err != nil {
			return negotiationError("offer", l.remote.ID, err)
		}
	}

	if err := l.conn.SetRemoteDescription(d.session()); err != nil {
		return negotiationError("set remote offer", l.remote.ID, err)
	}
	l.remoteSet = true
	l.remoteSession = d.Session
	l.flushPending()

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		return negotiationError("create answer", l.remote.ID, err)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		return negotiationError("set local answer", l.remote.ID, err)
	}
	if l.state == StateNew {
		l.setState(StateNegotiating)
	}
	if err := l.sendDescription(answer); err != nil {
		return err
	}
	if !l.state.Connected() {
		l.armTimeout()
	}
	l.logger.Debug().Uint32("session", l.session).Uint32("remoteSession", d.Session).Msg("sent answer")
	return nil
}

func (l *Link) handleAnswer(env models.SignalEnvelope) error {
	if l.conn == nil || l.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return negotiationError("answer", l.remote.ID, ErrWrongSignalingState)
	}
	d, err := decodeDescription(env, webrtc.SDPTypeAnswer)
	if err != nil {
		return negotiationError("answer", l.remote.ID, err)
	}
	if err := l.conn.SetRemoteDescription(d.session()); err != nil {
		return negotiationError("set remote answer", l.remote.ID, err)
	}
	l.remoteSet = true
	l.remoteSession = d.Session
	l.flushPending()
	return nil
}

// handleCandidate applies a remote candidate, or queues it until the
// description of its session has been accepted.
func (l *Link) handleCandidate(env models.SignalEnvelope) {
	c, err := decodeCandidate(env)
	if err != nil {
		l.logger.Warn().Err(err).Msg("dropping candidate")
		return
	}
	if c.Session < l.remoteSession {
		l.logger.Trace().Uint32("session", c.Session).Msg("dropping candidate from previous session")
		return
	}
	if !l.remoteSet || c.Session != l.remoteSession {
		l.pending = append(l.pending, c)
		return
	}
	l.addCandidate(c)
}

func (l *Link) flushPending() {
	var keep []Candidate
	for _, c := range l.pending {
		switch {
		case c.Session == l.remoteSession:
			l.addCandidate(c)
		case c.Session > l.remoteSession:
			keep = append(keep, c)
		}
	}
	l.pending = keep
}

func (l *Link) addCandidate(c Candidate) {
	if err := l.conn.AddICECandidate(c.ICECandidateInit); err != nil {
		l.logger.Warn().Err(err).Msg("failed to add remote candidate")
	}
}

func (l *Link) sendDescription(desc webrtc.SessionDescription) error {
	typ := models.SignalTypeOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		typ = models.SignalTypeAnswer
	}
	err := l.m.send(typ, l.remote.ID, Description{Type: desc.Type, SDP: desc.SDP, Session: l.session})
	if err != nil {
		return negotiationError("send "+string(typ), l.remote.ID, err)
	}
	l.descSent = true
	for _, c := range l.held {
		l.sendCandidate(c)
	}
	l.held = nil
	return nil
}

func (l *Link) localCandidate(session uint32, c webrtc.ICECandidateInit) {
	if l.closed() || session != l.session {
		return
	}
	if !l.descSent {
		l.held = append(l.held, c)
		return
	}
	l.sendCandidate(c)
}

func (l *Link) sendCandidate(c webrtc.ICECandidateInit) {
	if err := l.m.send(models.SignalTypeCandidate, l.remote.ID, Candidate{ICECandidateInit: c, Session: l.session}); err != nil {
		l.logger.Warn().Err(err).Msg("failed to send candidate")
	}
}

func (l *Link) connectionState(session uint32, s webrtc.PeerConnectionState) {
	if l.closed() || session != l.session {
		return
	}
	l.logger.Debug().Str("state", s.String()).Msg("connection state")

	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.stopTimer()
		l.restarts = 0
		l.setState(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		if l.state == StateConnected {
			l.setState(StateReconnecting)
			l.armGrace()
		}
	case webrtc.PeerConnectionStateFailed:
		l.restart(errors.New("connection failed"))
	}
}

func (l *Link) remoteTrack(session uint32, t RemoteTrack) {
	if l.closed() || session != l.session {
		return
	}
	if l.stream == nil {
		l.stream = &RemoteStream{ID: t.StreamID()}
	}
	l.stream.Tracks = append(l.stream.Tracks, t)
	l.logger.Debug().Str("kind", t.Kind().String()).Str("trackID", t.ID()).Msg("remote track")
	l.m.emit(l.event())
}

// restart replaces the connection and offers a new session. After too many
// attempts the link gives up and closes.
func (l *Link) restart(cause error) {
	if l.closed() {
		return
	}
	l.restarts++
	if l.restarts > l.m.opts.MaxRestarts {
		l.logger.Warn().Err(cause).Int("restarts", l.restarts-1).Msg("giving up on peer")
		l.m.drop(l)
		return
	}
	l.logger.Info().Err(cause).Int("attempt", l.restarts).Msg("restarting peer connection")

	if err := l.open(); err != nil {
		l.logger.Error().Err(err).Msg("failed to reopen peer connection")
		l.m.drop(l)
		return
	}
	l.setState(StateNegotiating)
	if err := l.offer(false); err != nil {
		l.logger.Warn().Err(err).Msg("restart offer failed")
		l.armTimeout()
	}
}

// armTimeout bounds how long a link may stay unconnected. A polite link that
// never received an offer initiates itself; otherwise the link restarts.
func (l *Link) armTimeout() {
	l.arm(l.m.opts.NegotiationTimeout, func() {
		switch {
		case l.state.Connected():
		case l.state == StateNew:
			l.logger.Debug().Msg("no offer received, initiating")
			if err := l.start(); err != nil {
				l.restart(err)
			}
		default:
			l.restart(errors.New("negotiation timed out"))
		}
	})
}

// armGrace waits for a disconnected link to recover before the initiating
// side restarts ICE.
func (l *Link) armGrace() {
	l.arm(l.m.opts.ReconnectGrace, func() {
		if l.state != StateReconnecting {
			return
		}
		if l.polite {
			l.armTimeout()
			return
		}
		if err := l.offer(true); err != nil {
			l.restart(err)
		}
	})
}

func (l *Link) arm(d time.Duration, fn func()) {
	l.stopTimer()
	seq := l.timerSeq
	l.timer = time.AfterFunc(d, func() {
		l.m.post(func() {
			if l.closed() || seq != l.timerSeq {
				return
			}
			fn()
		})
	})
}

func (l *Link) stopTimer() {
	l.timerSeq++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// start opens the first connection and offers.
func (l *Link) start() error {
	if l.conn == nil {
		if err := l.open(); err != nil {
			return err
		}
	}
	return l.offer(false)
}

// close releases the connection. The caller emits the closed event.
func (l *Link) close() error {
	if l.closed() {
		return nil
	}
	l.state = StateClosed
	l.stopTimer()
	l.pending = nil
	l.held = nil
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}
