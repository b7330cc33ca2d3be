// Package relay is the server side of the websocket signaling transport. It
// assigns participant ids, keeps the room registry, and fans envelopes out to
// room members through bounded per-connection queues.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-rooms/config"
	"github.com/mossy-p/webrtc-rooms/internal/logging"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/registry"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const mirrorTimeout = 2 * time.Second

// Mirror receives a copy of relay membership, e.g. the Redis peer set used
// for room capacity checks.
type Mirror interface {
	AddPeer(ctx context.Context, roomID, peerID string) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
}

// Hub owns the room registry and every live connection.
type Hub struct {
	opts     config.RelayConfig
	registry *registry.Memory
	mirror   Mirror
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	locksMu   sync.Mutex
	roomLocks map[string]*roomLock

	connections   atomic.Int64
	rejected      atomic.Int64
	slowConsumers atomic.Int64
}

// roomLock serializes membership changes of one room. refs counts holders
// and waiters so the entry can be dropped when nobody needs it.
type roomLock struct {
	sync.Mutex
	refs int
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Rooms         int
	Connections   int64
	Rejected      int64
	SlowConsumers int64
}

// NewHub creates a hub. mirror may be nil.
func NewHub(opts config.RelayConfig, mirror Mirror, logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		opts:      opts,
		registry:  registry.NewMemory(),
		mirror:    mirror,
		logger:    logging.Component(logger, "relay"),
		clients:   make(map[string]*Client),
		roomLocks: make(map[string]*roomLock),
	}
}

// Registry exposes the hub's room registry for read-only queries.
func (h *Hub) Registry() *registry.Memory {
	return h.registry
}

func (h *Hub) Stats() Stats {
	return Stats{
		Rooms:         h.registry.RoomCount(),
		Connections:   h.connections.Load(),
		Rejected:      h.rejected.Load(),
		SlowConsumers: h.slowConsumers.Load(),
	}
}

// lockRoom acquires the membership lock of roomID and returns its release.
func (h *Hub) lockRoom(roomID string) func() {
	h.locksMu.Lock()
	l, ok := h.roomLocks[roomID]
	if !ok {
		l = &roomLock{}
		h.roomLocks[roomID] = l
	}
	l.refs++
	h.locksMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		h.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.roomLocks, roomID)
		}
		h.locksMu.Unlock()
	}
}

// Admit checks room capacity before a connection is upgraded. limit <= 0
// means unlimited. Serve checks again under the room lock.
func (h *Hub) Admit(roomID string, limit int) error {
	if err := h.checkCapacity(roomID, limit); err != nil {
		h.rejected.Inc()
		return err
	}
	return nil
}

func (h *Hub) checkCapacity(roomID string, limit int) error {
	if limit <= 0 {
		return nil
	}
	list, _ := h.registry.ListParticipants(context.Background(), roomID)
	if len(list) >= limit {
		return fmt.Errorf("%w: %d/%d participants", models.ErrRoomFull, len(list), limit)
	}
	return nil
}

// Serve registers an upgraded connection in roomID and starts its pumps.
// A room that filled up since Admit gets an error envelope and a close frame
// instead, and the connection is closed.
//
// Registration, the joiner's snapshot and the join broadcast happen under the
// room lock, so concurrent joiners always learn of each other. The join
// broadcast is queued before the read pump starts, so every member sees
// presence before any signal from the joiner.
func (h *Hub) Serve(conn *websocket.Conn, roomID, displayName string, limit int) (*Client, error) {
	self := models.Participant{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		JoinedAt:    time.Now().UTC(),
	}

	unlock := h.lockRoom(roomID)
	defer unlock()

	if err := h.checkCapacity(roomID, limit); err != nil {
		h.rejected.Inc()
		h.turnAway(conn, roomID, err)
		return nil, err
	}

	client := newClient(h, conn, self, roomID)

	ctx := context.Background()
	h.registry.AddParticipant(ctx, roomID, self)
	members, _ := h.registry.ListParticipants(ctx, roomID)

	others := make([]models.Participant, 0, len(members))
	for _, p := range members {
		if p.ID != self.ID {
			others = append(others, p)
		}
	}

	snapshot, err := models.NewEnvelope(models.SignalTypeParticipants, roomID, "", self.ID, models.ParticipantsPayload{
		Self:         self,
		Participants: others,
	})
	if err == nil {
		client.enqueueMessage(snapshot)
	}

	h.mu.Lock()
	h.clients[self.ID] = client
	h.mu.Unlock()
	h.connections.Inc()
	h.mirrorAdd(roomID, self.ID)

	client.logger.Info().
		Str("displayName", displayName).
		Int("participants", len(members)).
		Msg("peer joined room")

	joined, err := models.NewEnvelope(models.SignalTypeJoin, roomID, self.ID, "", self)
	if err == nil {
		h.broadcast(roomID, joined, self.ID)
	}

	go client.writePump()
	go client.readPump()
	return client, nil
}

// turnAway answers a connection that cannot join with an error envelope and
// a close frame.
func (h *Hub) turnAway(conn *websocket.Conn, roomID string, reason error) {
	defer conn.Close()
	h.logger.Info().Err(reason).Str("roomID", roomID).Msg("join rejected after upgrade")

	conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
	if msg, err := models.NewEnvelope(models.SignalTypeError, roomID, "", "", models.ErrorPayload{Error: reason.Error()}); err == nil {
		conn.WriteJSON(msg)
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room is full"))
}

// route stamps an inbound envelope with its authoritative sender, room and
// time, then forwards it.
func (h *Hub) route(from *Client, msg models.SignalEnvelope) {
	msg.From = from.ID
	msg.RoomID = from.RoomID
	msg.Timestamp = time.Now().UTC()

	if !msg.Type.Relayable() {
		from.logger.Debug().Str("type", string(msg.Type)).Msg("unsupported message type")
		from.reject(fmt.Sprintf("unsupported signal type %q", msg.Type))
		return
	}

	// Forward to specific peer if "to" is specified
	if msg.To != "" {
		if !h.sendTo(msg, msg.To) {
			from.reject(fmt.Sprintf("target peer %s not found", msg.To))
		}
		return
	}
	h.broadcast(from.RoomID, msg, from.ID)
}

func (h *Hub) lookup(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *Hub) sendTo(msg models.SignalEnvelope, targetID string) bool {
	target, ok := h.lookup(targetID)
	if !ok || target.RoomID != msg.RoomID {
		h.logger.Debug().
			Str("roomID", msg.RoomID).
			Str("target", targetID).
			Msg("target peer not found")
		return false
	}
	return target.enqueueMessage(msg)
}

// broadcast sends msg to every room member except excludeID. It never
// blocks on an individual connection.
func (h *Hub) broadcast(roomID string, msg models.SignalEnvelope, excludeID string) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal message")
		return 0
	}

	members, _ := h.registry.ListParticipants(context.Background(), roomID)
	sent := 0
	for _, p := range members {
		if p.ID == excludeID {
			continue
		}
		if c, ok := h.lookup(p.ID); ok && c.enqueue(data) {
			sent++
		}
	}
	return sent
}

// leave runs once per connection, when its read pump exits.
func (h *Hub) leave(c *Client) {
	unlock := h.lockRoom(c.RoomID)
	defer unlock()

	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if !ok {
		return
	}

	_, empty, _ := h.registry.RemoveParticipant(context.Background(), c.RoomID, c.ID)
	c.closeSend()
	h.connections.Dec()
	h.mirrorRemove(c.RoomID, c.ID)

	if empty {
		c.logger.Debug().Msg("removed empty room")
	} else if left, err := models.NewEnvelope(models.SignalTypeLeave, c.RoomID, c.ID, "", nil); err == nil {
		h.broadcast(c.RoomID, left, c.ID)
	}
	c.logger.Info().Msg("peer left room")
}

// Shutdown closes every connection's send queue; the write pumps send a
// close frame and the read pumps clean up.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeSend()
	}
}

func (h *Hub) mirrorAdd(roomID, peerID string) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := h.mirror.AddPeer(ctx, roomID, peerID); err != nil {
		h.logger.Warn().Err(err).Str("roomID", roomID).Msg("failed to mirror peer")
	}
}

func (h *Hub) mirrorRemove(roomID, peerID string) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := h.mirror.RemovePeer(ctx, roomID, peerID); err != nil {
		h.logger.Warn().Err(err).Str("roomID", roomID).Msg("failed to remove mirrored peer")
	}
}
