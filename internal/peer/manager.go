// Package peer negotiates one WebRTC connection per remote participant over
// the room's signaling transport.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-rooms/internal/mailbox"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultNegotiationTimeout = 10 * time.Second
	defaultReconnectGrace     = 3 * time.Second
	defaultMaxRestarts        = 3
	sendTimeout               = 5 * time.Second
)

// Sender delivers signaling envelopes. transport.Transport satisfies it.
type Sender interface {
	Send(ctx context.Context, env models.SignalEnvelope) error
}

type Options struct {
	RoomID  string
	Factory Factory
	Tracks  TrackSource
	Sender  Sender

	NegotiationTimeout time.Duration
	ReconnectGrace     time.Duration
	MaxRestarts        int

	Logger *zerolog.Logger
}

// Event reports a change on one link.
type Event struct {
	RemoteID string
	State    State
	Stream   *RemoteStream
}

// LinkInfo is a read-only view of a link.
type LinkInfo struct {
	RemoteID  string
	State     State
	Initiator bool
	Session   uint32
}

// Manager owns every Link of a session. Its operations are executed in order
// on a single goroutine; connection callbacks are funneled onto it too.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ops    *mailbox.Mailbox[func()]
	events *mailbox.Mailbox[Event]
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	// owned by the loop
	self  models.Participant
	links map[string]*Link
}

func NewManager(self models.Participant, opts Options) *Manager {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = defaultNegotiationTimeout
	}
	if opts.ReconnectGrace <= 0 {
		opts.ReconnectGrace = defaultReconnectGrace
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = defaultMaxRestarts
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:   opts,
		logger: logger.With().Str("component", "peer").Str("roomID", opts.RoomID).Logger(),
		ctx:    ctx,
		cancel: cancel,
		ops:    mailbox.New[func()](),
		events: mailbox.New[Event](),
		done:   make(chan struct{}),
		self:   self,
		links:  make(map[string]*Link),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for fn := range m.ops.Out() {
		fn()
	}
}

// Events yields link changes until the manager is closed.
func (m *Manager) Events() <-chan Event {
	return m.events.Out()
}

func (m *Manager) post(fn func()) bool {
	return m.ops.Put(fn)
}

// call runs fn on the loop and waits for it.
func (m *Manager) call(fn func()) error {
	finished := make(chan struct{})
	if !m.post(func() { fn(); close(finished) }) {
		return ErrManagerClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrManagerClosed
	}
}

func (m *Manager) emit(ev Event) {
	if m.ctx.Err() != nil {
		return
	}
	m.events.Put(ev)
}

func (m *Manager) send(typ models.SignalType, to string, payload any) error {
	env, err := models.NewEnvelope(typ, m.opts.RoomID, m.self.ID, to, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(m.ctx, sendTimeout)
	defer cancel()
	return m.opts.Sender.Send(ctx, env)
}

// Discover records a remote participant. The participant that joined first
// offers right away; the other side waits for that offer.
func (m *Manager) Discover(p models.Participant) {
	m.post(func() {
		if p.ID == "" || p.ID == m.self.ID {
			return
		}
		if l, ok := m.links[p.ID]; ok {
			if !p.JoinedAt.IsZero() {
				l.remote = p
				l.setRole()
			}
			return
		}

		l := newLink(m, p)
		m.links[p.ID] = l
		m.emit(l.event())

		if l.polite {
			l.logger.Debug().Msg("waiting for offer")
			l.armTimeout()
			return
		}
		if err := l.start(); err != nil {
			m.failed(l, err)
		}
	})
}

// Handle processes an inbound offer, answer or candidate.
func (m *Manager) Handle(env models.SignalEnvelope) {
	m.post(func() {
		if !env.AddressedTo(m.self.ID) {
			return
		}
		l, ok := m.links[env.From]

		switch env.Type {
		case models.SignalTypeOffer:
			if !ok {
				l = newLink(m, models.Participant{ID: env.From})
				m.links[env.From] = l
				m.emit(l.event())
			}
			if err := l.handleOffer(env); err != nil {
				m.failed(l, err)
			}

		case models.SignalTypeAnswer:
			if !ok {
				m.logger.Debug().Str("remoteID", env.From).Msg("answer for unknown peer")
				return
			}
			if err := l.handleAnswer(env); err != nil {
				m.failed(l, err)
			}

		case models.SignalTypeCandidate:
			if !ok {
				m.logger.Debug().Str("remoteID", env.From).Msg("candidate for unknown peer")
				return
			}
			l.handleCandidate(env)
		}
	})
}

// failed recovers a link from a negotiation error. A stale answer is
// discarded; anything else restarts the link.
func (m *Manager) failed(l *Link, err error) {
	if errors.Is(err, ErrWrongSignalingState) {
		l.logger.Warn().Err(err).Msg("discarding out-of-order description")
		return
	}
	l.restart(err)
}

// Remove closes the link with id, typically after it left the room.
func (m *Manager) Remove(id string) {
	m.post(func() {
		if l, ok := m.links[id]; ok {
			m.drop(l)
		}
	})
}

func (m *Manager) drop(l *Link) {
	if err := l.close(); err != nil {
		l.logger.Debug().Err(err).Msg("failed to close connection")
	}
	if m.links[l.remote.ID] == l {
		delete(m.links, l.remote.ID)
	}
	m.emit(l.event())
}

// Rebind closes every link and continues as self. Used when the transport
// reconnects under a new participant id.
func (m *Manager) Rebind(self models.Participant) {
	m.post(func() {
		for _, l := range m.links {
			m.drop(l)
		}
		m.self = self
	})
}

// ReplaceVideoTrack swaps the outgoing video track on every open connection.
func (m *Manager) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	var errs []error
	err := m.call(func() {
		for id, l := range m.links {
			if l.conn == nil || l.closed() {
				continue
			}
			if err := l.conn.ReplaceVideoTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("replace video track for %s: %w", id, err))
			}
		}
	})
	if err != nil {
		return err
	}
	return errors.Join(errs...)
}

// Links returns the current links ordered by remote id.
func (m *Manager) Links() []LinkInfo {
	var out []LinkInfo
	m.call(func() {
		for id, l := range m.links {
			out = append(out, LinkInfo{
				RemoteID:  id,
				State:     l.state,
				Initiator: !l.polite,
				Session:   l.session,
			})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// Close cancels negotiation and closes every link. Events raised afterwards
// are discarded. Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()

		var conns []Conn
		m.call(func() {
			for id, l := range m.links {
				if l.conn != nil && !l.closed() {
					conns = append(conns, l.conn)
				}
				l.conn = nil
				l.close()
				delete(m.links, id)
			}
		})

		var g errgroup.Group
		for _, c := range conns {
			g.Go(c.Close)
		}
		m.closeErr = g.Wait()

		m.ops.Close()
		m.events.Close()
		<-m.done
	})
	return m.closeErr
}
