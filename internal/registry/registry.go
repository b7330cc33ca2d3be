// Package registry tracks which participants are connected to which rooms.
//
// Rooms are created implicitly by the first AddParticipant and discarded when
// the last participant is removed. Callers never touch the participant
// collections directly.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/mossy-p/webrtc-rooms/internal/models"
)

// Store is the room registry contract shared by the in-memory and Redis
// implementations.
type Store interface {
	// AddParticipant inserts p, or updates it when the id is already tracked.
	// added is false for an update.
	AddParticipant(ctx context.Context, roomID string, p models.Participant) (added bool, err error)
	// RemoveParticipant reports whether id was present and whether the room is
	// now empty.
	RemoveParticipant(ctx context.Context, roomID, id string) (removed, empty bool, err error)
	// ListParticipants returns the room members ordered by join time.
	ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error)
	IsEmpty(ctx context.Context, roomID string) (bool, error)
}

type room struct {
	mu           sync.RWMutex
	participants map[string]models.Participant
}

// Memory is the in-process registry owned by a relay or a loopback bus.
type Memory struct {
	mu    sync.Mutex
	rooms map[string]*room
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]*room)}
}

func (m *Memory) lookup(roomID string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID]
}

func (m *Memory) AddParticipant(_ context.Context, roomID string, p models.Participant) (bool, error) {
	// Registry then room, the same order RemoveParticipant uses to discard.
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		r = &room{participants: make(map[string]models.Participant)}
		m.rooms[roomID] = r
	}
	r.mu.Lock()
	m.mu.Unlock()
	defer r.mu.Unlock()

	prev, exists := r.participants[p.ID]
	if exists && p.JoinedAt.IsZero() {
		p.JoinedAt = prev.JoinedAt
	}
	r.participants[p.ID] = p
	return !exists, nil
}

func (m *Memory) RemoveParticipant(_ context.Context, roomID, id string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false, true, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	_, removed := r.participants[id]
	delete(r.participants, id)
	empty := len(r.participants) == 0
	if empty {
		delete(m.rooms, roomID)
	}
	return removed, empty, nil
}

func (m *Memory) ListParticipants(_ context.Context, roomID string) ([]models.Participant, error) {
	r := m.lookup(roomID)
	if r == nil {
		return []models.Participant{}, nil
	}

	r.mu.RLock()
	out := make([]models.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	r.mu.RUnlock()

	SortParticipants(out)
	return out, nil
}

func (m *Memory) IsEmpty(ctx context.Context, roomID string) (bool, error) {
	list, err := m.ListParticipants(ctx, roomID)
	return len(list) == 0, err
}

// Has reports whether id is currently in the room.
func (m *Memory) Has(roomID, id string) bool {
	r := m.lookup(roomID)
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.participants[id]
	return ok
}

// RoomCount returns the number of non-empty rooms.
func (m *Memory) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// ParticipantCount returns the number of participants across all rooms.
func (m *Memory) ParticipantCount() int {
	m.mu.Lock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	total := 0
	for _, r := range rooms {
		r.mu.RLock()
		total += len(r.participants)
		r.mu.RUnlock()
	}
	return total
}

// Rooms returns the ids of all live rooms, sorted.
func (m *Memory) Rooms() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// SortParticipants orders participants by join time, then id.
func SortParticipants(ps []models.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].Precedes(ps[j])
	})
}
