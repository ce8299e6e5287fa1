package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/onnwee/readalong/internal/presence"
)

// RoomListResponse is the body of GET /rooms.
type RoomListResponse struct {
	Rooms []presence.RoomSummary `json:"rooms"`
}

// RoomMembersResponse is the body of GET /rooms/{id}/members. Members use the same
// view as the websocket roster, and Version matches its roomMembership version.
type RoomMembersResponse struct {
	RoomID  string            `json:"roomId"`
	Version uint64            `json:"version"`
	Members []presence.Member `json:"members"`
}

// RoomHandlers serves read-only snapshots of the presence registry so a dashboard
// can rehydrate its roster after a reload.
type RoomHandlers struct {
	registry *presence.Registry
}

// NewRoomHandlers creates a new RoomHandlers instance.
func NewRoomHandlers(registry *presence.Registry) *RoomHandlers {
	return &RoomHandlers{registry: registry}
}

// ListRooms handles GET /rooms - lists rooms with at least one participant.
func (h *RoomHandlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorCode(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, r.Context(), http.StatusOK, RoomListResponse{Rooms: h.registry.Rooms()})
}

// GetMembers handles GET /rooms/{id}/members - returns the room roster in join order.
// An unknown room yields an empty roster.
func (h *RoomHandlers) GetMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorCode(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	roomID, ok := roomIDFromPath(r.URL.EscapedPath())
	if !ok {
		writeErrorCode(w, r, ErrCodeNotFound, "The requested resource was not found")
		return
	}

	members, version := h.registry.Roster(roomID)
	writeJSON(w, r.Context(), http.StatusOK, RoomMembersResponse{
		RoomID:  roomID,
		Version: version,
		Members: presence.ToMembers(members),
	})
}

// roomIDFromPath extracts {id} from an escaped /rooms/{id}/members path. Room ids
// containing a slash are addressed with it escaped as %2F.
func roomIDFromPath(escaped string) (string, bool) {
	parts := strings.Split(strings.TrimPrefix(escaped, "/rooms/"), "/")
	if len(parts) != 2 || parts[1] != "members" {
		return "", false
	}
	roomID, err := url.PathUnescape(parts[0])
	if err != nil || strings.TrimSpace(roomID) == "" {
		return "", false
	}
	return roomID, true
}
