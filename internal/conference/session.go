// Package conference is the single entry point a UI drives to take part in a
// room: it owns local media, the signaling transport and every peer link of
// one participant, and exposes their combined state as a snapshot.
package conference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-rooms/internal/mailbox"
	"github.com/mossy-p/webrtc-rooms/internal/media"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/peer"
	"github.com/mossy-p/webrtc-rooms/internal/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidOptions = errors.New("room id and display name are required")
	ErrLeft           = errors.New("session has left the room")
	ErrEmptyMessage   = errors.New("chat message is empty")
)

// Options are the room join parameters supplied by the application.
type Options struct {
	RoomID      string
	DisplayName string
	Constraints media.Constraints
}

// Deps are the collaborators a session runs on.
type Deps struct {
	Transport   transport.Transport
	Media       *media.Controller
	ConnFactory peer.Factory
	Logger      *zerolog.Logger

	NegotiationTimeout time.Duration
	ReconnectGrace     time.Duration
	MaxRestarts        int
}

// Participant is a remote member of the room as the UI sees it. A
// participant without a Stream is present but its media has not arrived.
type Participant struct {
	ID        string
	Name      string
	JoinedAt  time.Time
	Stream    *peer.RemoteStream
	Link      peer.State
	Connected bool
}

// State is a point-in-time view of the session.
type State struct {
	RoomID           string
	Self             models.Participant
	LocalStream      *media.Stream
	Participants     []Participant
	IsConnected      bool
	IsAudioEnabled   bool
	IsVideoEnabled   bool
	IsScreenSharing  bool
	ConnectionStatus transport.Status
	LastError        error
	ChatMessages     []models.ChatMessage
}

// Session is one participant's presence in one room.
type Session struct {
	opts      Options
	transport transport.Transport
	media     *media.Controller
	manager   *peer.Manager
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ops    *mailbox.Mailbox[func()]
	done   chan struct{}

	mu      sync.RWMutex
	state   State
	changes chan struct{}

	// owned by the loop
	departed map[string]bool

	leaveOnce sync.Once
	leaveErr  error
}

// Join acquires local media, connects to the room and starts negotiating
// with everyone already present. A media failure is returned before the
// transport is touched.
func Join(ctx context.Context, opts Options, deps Deps) (*Session, error) {
	if opts.RoomID == "" || opts.DisplayName == "" {
		return nil, ErrInvalidOptions
	}
	if deps.Transport == nil || deps.Media == nil || deps.ConnFactory == nil {
		return nil, errors.New("conference: transport, media and connection factory are required")
	}

	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	logger = logger.With().Str("component", "conference").Str("roomID", opts.RoomID).Logger()

	stream, err := deps.Media.Acquire(ctx, opts.Constraints)
	if err != nil {
		logger.Error().Err(err).Msg("failed to acquire local media")
		return nil, err
	}

	handle, err := deps.Transport.Connect(ctx, opts.RoomID, opts.DisplayName)
	if err != nil {
		if releaseErr := deps.Media.Release(); releaseErr != nil {
			logger.Warn().Err(releaseErr).Msg("failed to release local media")
		}
		var connErr *transport.SignalingConnectionError
		if !errors.As(err, &connErr) {
			err = transport.NewConnectionError("connect", opts.RoomID, err)
		}
		logger.Error().Err(err).Msg("failed to connect to room")
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:      opts,
		transport: deps.Transport,
		media:     deps.Media,
		logger:    logger.With().Str("peerID", handle.Self.ID).Logger(),
		ctx:       sessionCtx,
		cancel:    cancel,
		ops:       mailbox.New[func()](),
		done:      make(chan struct{}),
		changes:   make(chan struct{}, 1),
		departed:  make(map[string]bool),
	}
	s.manager = peer.NewManager(handle.Self, peer.Options{
		RoomID:             opts.RoomID,
		Factory:            deps.ConnFactory,
		Tracks:             deps.Media,
		Sender:             deps.Transport,
		NegotiationTimeout: deps.NegotiationTimeout,
		ReconnectGrace:     deps.ReconnectGrace,
		MaxRestarts:        deps.MaxRestarts,
		Logger:             &s.logger,
	})

	s.state = State{
		RoomID:           opts.RoomID,
		Self:             handle.Self,
		LocalStream:      stream,
		IsConnected:      true,
		ConnectionStatus: transport.StatusConnected,
	}
	s.refreshMedia()
	s.resetParticipants(handle.Participants)

	deps.Media.OnVideoTrackChange(s.videoTrackChanged)

	go s.run()
	s.logger.Info().Int("participants", len(handle.Participants)).Msg("joined room")
	return s, nil
}

// Changes signals that the snapshot may have changed. Notifications are
// coalesced; the channel is closed after Leave.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	st.Participants = append([]Participant(nil), s.state.Participants...)
	st.ChatMessages = append([]models.ChatMessage(nil), s.state.ChatMessages...)
	return st
}

// Self is the local participant as assigned by the transport.
func (s *Session) Self() models.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Self
}

// Links exposes the underlying peer links for diagnostics.
func (s *Session) Links() []peer.LinkInfo {
	return s.manager.Links()
}

func (s *Session) update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// call runs fn on the event loop and waits for it.
func (s *Session) call(fn func()) error {
	finished := make(chan struct{})
	if !s.ops.Put(func() { fn(); close(finished) }) {
		return ErrLeft
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrLeft
	}
}

func (s *Session) run() {
	defer close(s.done)

	inbox := s.transport.Receive()
	status := s.transport.Status()
	events := s.manager.Events()
	ops := s.ops.Out()

	for {
		select {
		case <-s.ctx.Done():
			return

		case fn, ok := <-ops:
			if !ok {
				return
			}
			fn()

		case env, ok := <-inbox:
			if !ok {
				inbox = nil
				continue
			}
			s.handleEnvelope(env)

		case change, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			s.handleStatus(change)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handlePeerEvent(ev)
		}
	}
}

func (s *Session) handleEnvelope(env models.SignalEnvelope) {
	switch env.Type {
	case models.SignalTypeJoin:
		var p models.Participant
		if err := env.Decode(&p); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed join")
			return
		}
		if p.ID == "" {
			p.ID = env.From
		}
		delete(s.departed, p.ID)
		s.addParticipant(p)
		s.manager.Discover(p)

	case models.SignalTypeLeave:
		s.departed[env.From] = true
		s.removeParticipant(env.From)
		s.manager.Remove(env.From)

	case models.SignalTypeParticipants:
		var snapshot models.ParticipantsPayload
		if err := env.Decode(&snapshot); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed participants snapshot")
			return
		}
		s.resync(snapshot)

	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		s.manager.Handle(env)

	case models.SignalTypeChat:
		var chat models.ChatPayload
		if err := env.Decode(&chat); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed chat message")
			return
		}
		s.appendChat(models.ChatMessage{
			ID:              chat.ID,
			From:            env.From,
			FromDisplayName: chat.FromDisplayName,
			Body:            chat.Body,
			Timestamp:       env.Timestamp,
		})

	case models.SignalTypeError:
		var payload models.ErrorPayload
		env.Decode(&payload)
		s.logger.Warn().Str("error", payload.Error).Msg("relay rejected a message")

	default:
		s.logger.Debug().Str("type", string(env.Type)).Msg("ignoring unknown envelope")
	}
}

// resync replaces the room view after the transport rejoined under a new
// participant id.
func (s *Session) resync(snapshot models.ParticipantsPayload) {
	if snapshot.Self.ID == s.Self().ID {
		s.reconcile(snapshot.Participants)
		return
	}
	s.logger.Info().
		Str("newPeerID", snapshot.Self.ID).
		Int("participants", len(snapshot.Participants)).
		Msg("resyncing after reconnect")
	s.manager.Rebind(snapshot.Self)
	s.update(func(st *State) { st.Self = snapshot.Self })
	s.resetParticipants(snapshot.Participants)
}

// reconcile brings the roster in line with present after signaling recovered
// under the same identity. Links to participants still present are kept.
func (s *Session) reconcile(present []models.Participant) {
	s.logger.Info().Int("participants", len(present)).Msg("reconciling participants after signaling recovery")

	seen := make(map[string]bool, len(present))
	for _, p := range present {
		seen[p.ID] = true
		delete(s.departed, p.ID)
		s.addParticipant(p)
		s.manager.Discover(p)
	}
	for _, p := range s.Snapshot().Participants {
		if !seen[p.ID] {
			s.departed[p.ID] = true
			s.removeParticipant(p.ID)
			s.manager.Remove(p.ID)
		}
	}
}

func (s *Session) resetParticipants(present []models.Participant) {
	participants := make([]Participant, 0, len(present))
	for _, p := range present {
		participants = append(participants, Participant{
			ID:       p.ID,
			Name:     p.DisplayName,
			JoinedAt: p.JoinedAt,
			Link:     peer.StateNew,
		})
	}
	sortParticipants(participants)
	s.update(func(st *State) { st.Participants = participants })

	for _, p := range present {
		s.manager.Discover(p)
	}
}

func (s *Session) addParticipant(p models.Participant) {
	if p.ID == s.Self().ID {
		return
	}
	s.update(func(st *State) {
		for i := range st.Participants {
			if st.Participants[i].ID == p.ID {
				st.Participants[i].Name = p.DisplayName
				st.Participants[i].JoinedAt = p.JoinedAt
				sortParticipants(st.Participants)
				return
			}
		}
		st.Participants = append(st.Participants, Participant{
			ID:       p.ID,
			Name:     p.DisplayName,
			JoinedAt: p.JoinedAt,
			Link:     peer.StateNew,
		})
		sortParticipants(st.Participants)
	})
	s.logger.Debug().Str("remoteID", p.ID).Str("displayName", p.DisplayName).Msg("participant joined")
}

func (s *Session) removeParticipant(id string) {
	s.update(func(st *State) {
		for i := range st.Participants {
			if st.Participants[i].ID == id {
				st.Participants = append(st.Participants[:i:i], st.Participants[i+1:]...)
				return
			}
		}
	})
	s.logger.Debug().Str("remoteID", id).Msg("participant left")
}

func sortParticipants(ps []Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		a := models.Participant{ID: ps[i].ID, JoinedAt: ps[i].JoinedAt}
		b := models.Participant{ID: ps[j].ID, JoinedAt: ps[j].JoinedAt}
		return a.Precedes(b)
	})
}

func (s *Session) handlePeerEvent(ev peer.Event) {
	s.update(func(st *State) {
		for i := range st.Participants {
			p := &st.Participants[i]
			if p.ID != ev.RemoteID {
				continue
			}
			p.Link = ev.State
			p.Connected = ev.State.Connected()
			if ev.Stream != nil {
				p.Stream = ev.Stream
			} else if ev.State == peer.StateClosed {
				p.Stream = nil
			}
			return
		}
		// An offer from someone we have not heard join yet.
		if ev.State != peer.StateClosed && !s.departed[ev.RemoteID] {
			st.Participants = append(st.Participants, Participant{
				ID:        ev.RemoteID,
				Stream:    ev.Stream,
				Link:      ev.State,
				Connected: ev.State.Connected(),
			})
			sortParticipants(st.Participants)
		}
	})
}

// handleStatus mirrors the transport status. Reconnecting is reported as
// connecting.
func (s *Session) handleStatus(change transport.StatusChange) {
	status := change.Status
	if status == transport.StatusReconnecting {
		status = transport.StatusConnecting
	}
	s.update(func(st *State) {
		st.ConnectionStatus = status
		st.IsConnected = status == transport.StatusConnected
		if change.Err != nil {
			st.LastError = change.Err
		}
	})

	event := s.logger.Info()
	if change.Err != nil {
		event = s.logger.Error().Err(change.Err)
	}
	event.Str("status", string(change.Status)).Msg("signaling status changed")
}

func (s *Session) appendChat(msg models.ChatMessage) {
	s.update(func(st *State) { st.ChatMessages = append(st.ChatMessages, msg) })
}

func (s *Session) refreshMedia() {
	audio, video, sharing := s.media.AudioEnabled(), s.media.VideoEnabled(), s.media.ScreenSharing()
	s.update(func(st *State) {
		st.IsAudioEnabled = audio
		st.IsVideoEnabled = video
		st.IsScreenSharing = sharing
	})
}

func (s *Session) videoTrackChanged(track webrtc.TrackLocal) {
	if s.ctx.Err() != nil {
		return
	}
	if track != nil {
		if err := s.manager.ReplaceVideoTrack(track); err != nil && !errors.Is(err, peer.ErrManagerClosed) {
			s.logger.Warn().Err(err).Msg("failed to replace outgoing video")
		}
	}
	s.ops.Put(s.refreshMedia)
}

// ToggleAudio mutes or unmutes the microphone and returns the new state.
func (s *Session) ToggleAudio() (bool, error) {
	if s.ctx.Err() != nil {
		return false, ErrLeft
	}
	on := s.media.ToggleAudio()
	return on, s.call(s.refreshMedia)
}

// ToggleVideo turns the camera on or off and returns the new state.
func (s *Session) ToggleVideo() (bool, error) {
	if s.ctx.Err() != nil {
		return false, ErrLeft
	}
	on := s.media.ToggleVideo()
	return on, s.call(s.refreshMedia)
}

// ToggleScreenShare starts sharing the screen, or reverts to the camera
// when already sharing. A failed start leaves the camera in place and
// returns a media.ScreenShareError.
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	if s.ctx.Err() != nil {
		return false, ErrLeft
	}
	if s.media.ScreenSharing() {
		err := s.media.StopScreenShare()
		s.call(s.refreshMedia)
		return false, err
	}
	if _, err := s.media.StartScreenShare(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("screen share failed")
		return false, err
	}
	return true, s.call(s.refreshMedia)
}

// SendChatMessage broadcasts body to the room and records it locally.
func (s *Session) SendChatMessage(ctx context.Context, body string) (models.ChatMessage, error) {
	if s.ctx.Err() != nil {
		return models.ChatMessage{}, ErrLeft
	}
	if body == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}

	self := s.Self()
	payload := models.ChatPayload{
		ID:              uuid.New().String(),
		FromDisplayName: self.DisplayName,
		Body:            body,
	}
	env, err := models.NewEnvelope(models.SignalTypeChat, s.opts.RoomID, self.ID, "", payload)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if err := s.transport.Send(ctx, env); err != nil {
		return models.ChatMessage{}, fmt.Errorf("send chat message: %w", err)
	}

	msg := models.ChatMessage{
		ID:              payload.ID,
		From:            self.ID,
		FromDisplayName: self.DisplayName,
		Body:            body,
		Timestamp:       env.Timestamp,
	}
	if err := s.call(func() { s.appendChat(msg) }); err != nil {
		return models.ChatMessage{}, err
	}
	return msg, nil
}

// Leave closes every peer link, releases local media and disconnects the
// transport. All three steps run even when an earlier one fails; their
// errors are joined. Safe to call more than once.
func (s *Session) Leave() error {
	s.leaveOnce.Do(func() {
		s.cancel()
		s.ops.Close()
		<-s.done

		var errs []error
		if err := s.manager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer links: %w", err))
		}
		if err := s.media.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release media: %w", err))
		}
		if err := s.transport.Disconnect(); err != nil {
			errs = append(errs, transport.NewConnectionError("disconnect", s.opts.RoomID, err))
		}
		s.leaveErr = errors.Join(errs...)

		s.update(func(st *State) {
			st.IsConnected = false
			st.ConnectionStatus = transport.StatusDisconnected
			st.IsAudioEnabled = false
			st.IsVideoEnabled = false
			st.IsScreenSharing = false
			st.LocalStream = nil
			for i := range st.Participants {
				st.Participants[i].Connected = false
				st.Participants[i].Link = peer.StateClosed
			}
		})
		close(s.changes)

		if s.leaveErr != nil {
			s.logger.Warn().Err(s.leaveErr).Msg("left room with errors")
		} else {
			s.logger.Info().Msg("left room")
		}
	})
	return s.leaveErr
}
