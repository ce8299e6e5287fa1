// Package presence tracks who is connected to which live testing room and relays
// room-scoped events between them.
package presence

import "time"

// Status is the advisory, client-reported state of a participant.
type Status string

// Known participant statuses.
const (
	StatusActive Status = "active"
	StatusTyping Status = "typing"
	StatusIdle   Status = "idle"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTyping, StatusIdle:
		return true
	}
	return false
}

// Participant is one connected, room-joined session actor.
type Participant struct {
	ConnectionID   string    `json:"connectionId"`
	DisplayName    string    `json:"displayName"`
	RoomID         string    `json:"roomId"`
	RoleHint       string    `json:"roleHint,omitempty"` // client supplied, never verified
	UserID         string    `json:"userId,omitempty"`   // identity attached by the transport
	Status         Status    `json:"status"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Identity is what the transport layer knows about a connection before it joins.
type Identity struct {
	ConnectionID string
	UserID       string
	Role         string
}

// RoomSummary describes an active room.
type RoomSummary struct {
	RoomID  string `json:"roomId"`
	Members int    `json:"members"`
}
