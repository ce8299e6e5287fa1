package presence

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Registry is the authoritative in-memory set of participants.
// Every operation is atomic with respect to every other; callers receive copies and
// never hold references into registry state.
type Registry struct {
	mu           sync.Mutex
	participants map[string]*entry // connectionID -> entry
	seq          uint64
	rooms        map[string]*roomState
	now          func() time.Time
}

// roomState tracks a room's size and the change counter value of its last
// register or remove. Versions never repeat, even after a room empties.
type roomState struct {
	members int
	version uint64
}

type entry struct {
	p   Participant
	seq uint64 // registration order
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source used for activity timestamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		participants: make(map[string]*entry),
		rooms:        make(map[string]*roomState),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a participant to roomID.
// Returns ErrDuplicateConnection if connectionID is already registered.
func (r *Registry) Register(id Identity, displayName, roomID, roleHint string) (Participant, error) {
	if strings.TrimSpace(id.ConnectionID) == "" {
		return Participant{}, fmt.Errorf("%w: connection id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(roomID) == "" {
		return Participant{}, fmt.Errorf("%w: room id is required", ErrInvalidPayload)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[id.ConnectionID]; exists {
		return Participant{}, ErrDuplicateConnection
	}

	now := r.now()
	r.seq++
	e := &entry{
		p: Participant{
			ConnectionID:   id.ConnectionID,
			DisplayName:    displayName,
			RoomID:         roomID,
			RoleHint:       roleHint,
			UserID:         id.UserID,
			Status:         StatusActive,
			JoinedAt:       now,
			LastActivityAt: now,
		},
		seq: r.seq,
	}
	r.participants[id.ConnectionID] = e
	r.roomJoined(roomID)
	return e.p, nil
}

// MembersOf returns the participants in roomID in registration order.
func (r *Registry) MembersOf(roomID string) []Participant {
	members, _ := r.Roster(roomID)
	return members
}

// Roster returns the members of roomID together with the room's version, read under
// one lock. The version grows with every register or remove in the room, so a larger
// version is always the newer roster. An empty room has version 0.
func (r *Registry) Roster(roomID string) ([]Participant, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []*entry
	for _, e := range r.participants {
		if e.p.RoomID == roomID {
			entries = append(entries, e)
		}
	}
	return sortedParticipants(entries), r.versionLocked(roomID)
}

// Version returns the current version of roomID, or 0 when the room is empty.
func (r *Registry) Version(roomID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.versionLocked(roomID)
}

func (r *Registry) versionLocked(roomID string) uint64 {
	if room, ok := r.rooms[roomID]; ok {
		return room.version
	}
	return 0
}

func (r *Registry) roomJoined(roomID string) {
	room, ok := r.rooms[roomID]
	if !ok {
		room = &roomState{}
		r.rooms[roomID] = room
	}
	room.members++
	room.version = r.seq
}

func (r *Registry) roomLeft(roomID string) {
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	room.members--
	if room.members <= 0 {
		delete(r.rooms, roomID)
		return
	}
	r.seq++
	room.version = r.seq
}

// Get returns the participant registered under connectionID.
func (r *Registry) Get(connectionID string) (Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.participants[connectionID]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return e.p, nil
}

// Touch records activity for connectionID and, when status is non-empty, updates its status.
func (r *Registry) Touch(connectionID string, status Status) (Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.participants[connectionID]
	if !ok {
		return Participant{}, ErrNotFound
	}
	e.p.LastActivityAt = r.now()
	if status != "" {
		e.p.Status = status
	}
	return e.p, nil
}

// Remove deletes connectionID and returns the removed record.
// Removing an absent connection returns ErrNotFound and changes nothing.
func (r *Registry) Remove(connectionID string) (Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.participants[connectionID]
	if !ok {
		return Participant{}, ErrNotFound
	}
	delete(r.participants, connectionID)
	r.roomLeft(e.p.RoomID)
	return e.p, nil
}

// RemoveStale removes every participant whose last activity is before cutoff and returns
// them in registration order. Selection and removal happen under one lock acquisition.
func (r *Registry) RemoveStale(cutoff time.Time) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*entry
	for id, e := range r.participants {
		if e.p.LastActivityAt.Before(cutoff) {
			stale = append(stale, e)
			delete(r.participants, id)
			r.roomLeft(e.p.RoomID)
		}
	}
	return sortedParticipants(stale)
}

// Rooms summarizes every room that currently has at least one member, ordered by room id.
func (r *Registry) Rooms() []RoomSummary {
	r.mu.Lock()
	rooms := make([]RoomSummary, 0, len(r.rooms))
	for id, room := range r.rooms {
		rooms = append(rooms, RoomSummary{RoomID: id, Members: room.members})
	}
	r.mu.Unlock()

	slices.SortFunc(rooms, func(a, b RoomSummary) int {
		return strings.Compare(a.RoomID, b.RoomID)
	})
	return rooms
}

// Len returns the number of registered participants.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

func sortedParticipants(entries []*entry) []Participant {
	slices.SortFunc(entries, func(a, b *entry) int {
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]Participant, len(entries))
	for i, e := range entries {
		out[i] = e.p
	}
	return out
}
