// Package loopback is an in-process signaling transport for tests. Every
// transport created from one Bus shares a room registry, the way browser tabs
// on one machine would share local storage. It is never a deployment option.
package loopback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-rooms/internal/mailbox"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/registry"
	"github.com/mossy-p/webrtc-rooms/internal/transport"
)

var ErrUnknownPeer = errors.New("unknown peer")

// Bus connects loopback transports.
type Bus struct {
	registry *registry.Memory

	mu      sync.Mutex
	members map[string]*Transport
	last    time.Time
}

func NewBus() *Bus {
	return &Bus{
		registry: registry.NewMemory(),
		members:  make(map[string]*Transport),
	}
}

// Registry exposes the shared registry for assertions.
func (b *Bus) Registry() *registry.Memory {
	return b.registry
}

// Transport returns a new, unconnected transport on the bus.
func (b *Bus) Transport() *Transport {
	return &Transport{
		bus:    b,
		status: make(chan transport.StatusChange, 16),
	}
}

// Drop simulates the channel of participant id failing: it is removed from
// the room and its transport reports an error.
func (b *Bus) Drop(id string) {
	b.mu.Lock()
	t, ok := b.members[id]
	b.mu.Unlock()
	if !ok {
		return
	}
	t.leave()
	transport.Notify(t.status, transport.StatusChange{
		Status: transport.StatusError,
		Err:    transport.NewConnectionError("receive", t.roomID, errors.New("channel dropped")),
	})
}

// now returns strictly increasing join times so ordering is deterministic.
func (b *Bus) now() time.Time {
	t := time.Now().UTC()
	if !t.After(b.last) {
		t = b.last.Add(time.Microsecond)
	}
	b.last = t
	return t
}

// deliver must be called with b.mu held.
func (b *Bus) deliver(roomID string, env models.SignalEnvelope, excludeID string) {
	members, _ := b.registry.ListParticipants(context.Background(), roomID)
	for _, p := range members {
		if p.ID == excludeID {
			continue
		}
		if t, ok := b.members[p.ID]; ok {
			t.inbox.Put(env)
		}
	}
}

// Transport is one participant's endpoint on a Bus.
type Transport struct {
	bus    *Bus
	status chan transport.StatusChange

	mu     sync.Mutex
	self   models.Participant
	roomID string
	inbox  *mailbox.Mailbox[models.SignalEnvelope]
	closed bool
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Connect(ctx context.Context, roomID, displayName string) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return transport.Handle{}, transport.NewConnectionError("connect", roomID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inbox != nil {
		return transport.Handle{}, transport.NewConnectionError("connect", roomID, errors.New("already connected"))
	}

	transport.Notify(t.status, transport.StatusChange{Status: transport.StatusConnecting})

	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	t.self = models.Participant{ID: uuid.New().String(), DisplayName: displayName, JoinedAt: b.now()}
	t.roomID = roomID
	t.inbox = mailbox.New[models.SignalEnvelope]()

	b.registry.AddParticipant(ctx, roomID, t.self)
	members, _ := b.registry.ListParticipants(ctx, roomID)
	others := make([]models.Participant, 0, len(members))
	for _, p := range members {
		if p.ID != t.self.ID {
			others = append(others, p)
		}
	}
	b.members[t.self.ID] = t

	if joined, err := models.NewEnvelope(models.SignalTypeJoin, roomID, t.self.ID, "", t.self); err == nil {
		b.deliver(roomID, joined, t.self.ID)
	}

	transport.Notify(t.status, transport.StatusChange{Status: transport.StatusConnected})
	return transport.Handle{Self: t.self, Participants: others}, nil
}

func (t *Transport) Send(_ context.Context, env models.SignalEnvelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inbox == nil || t.closed {
		return transport.ErrNotConnected
	}

	env.From = t.self.ID
	env.RoomID = t.roomID
	env.Timestamp = time.Now().UTC()

	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if env.To == "" {
		b.deliver(t.roomID, env, t.self.ID)
		return nil
	}
	target, ok := b.members[env.To]
	if !ok || target.roomID != t.roomID {
		return ErrUnknownPeer
	}
	target.inbox.Put(env)
	return nil
}

// Receive returns nil before Connect.
func (t *Transport) Receive() <-chan models.SignalEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inbox == nil {
		return nil
	}
	return t.inbox.Out()
}

func (t *Transport) Status() <-chan transport.StatusChange {
	return t.status
}

// Self returns the participant assigned by Connect.
func (t *Transport) Self() models.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

func (t *Transport) Disconnect() error {
	if t.leave() {
		transport.Notify(t.status, transport.StatusChange{Status: transport.StatusDisconnected})
	}
	return nil
}

func (t *Transport) leave() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inbox == nil || t.closed {
		return false
	}
	t.closed = true

	b := t.bus
	b.mu.Lock()
	delete(b.members, t.self.ID)
	_, empty, _ := b.registry.RemoveParticipant(context.Background(), t.roomID, t.self.ID)
	if !empty {
		if left, err := models.NewEnvelope(models.SignalTypeLeave, t.roomID, t.self.ID, "", nil); err == nil {
			b.deliver(t.roomID, left, t.self.ID)
		}
	}
	b.mu.Unlock()

	t.inbox.Close()
	return true
}
