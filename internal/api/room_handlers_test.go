package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/readalong/internal/presence"
)

func newTestRegistry(t *testing.T) *presence.Registry {
	t.Helper()
	reg := presence.NewRegistry()
	joins := []struct {
		conn, user, name, room string
	}{
		{"c1", "teacher-1", "Ms. Ortiz", "class-5"},
		{"c2", "student-2", "Sam", "class-5"},
		{"c3", "teacher-4", "Mr. Lee", "class-2"},
		{"c4", "student-9", "Ada", "grade-3/am"},
	}
	for _, j := range joins {
		if _, err := reg.Register(presence.Identity{ConnectionID: j.conn, UserID: j.user}, j.name, j.room, ""); err != nil {
			t.Fatalf("Register(%s) error = %v", j.conn, err)
		}
	}
	return reg
}

func TestRoomHandlers_ListRooms(t *testing.T) {
	h := NewRoomHandlers(newTestRegistry(t))

	w := httptest.NewRecorder()
	h.ListRooms(w, httptest.NewRequest(http.MethodGet, "/rooms", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp RoomListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := []presence.RoomSummary{{RoomID: "class-2", Members: 1}, {RoomID: "class-5", Members: 2}, {RoomID: "grade-3/am", Members: 1}}
	if len(resp.Rooms) != len(want) {
		t.Fatalf("expected %d rooms, got %+v", len(want), resp.Rooms)
	}
	for i := range want {
		if resp.Rooms[i] != want[i] {
			t.Errorf("room %d = %+v, want %+v", i, resp.Rooms[i], want[i])
		}
	}
}

func TestRoomHandlers_ListRooms_Empty(t *testing.T) {
	h := NewRoomHandlers(presence.NewRegistry())

	w := httptest.NewRecorder()
	h.ListRooms(w, httptest.NewRequest(http.MethodGet, "/rooms", nil))

	if body := w.Body.String(); body != "{\"rooms\":[]}\n" {
		t.Errorf("expected empty rooms array, got %s", body)
	}
}

func TestRoomHandlers_GetMembers(t *testing.T) {
	h := NewRoomHandlers(newTestRegistry(t))

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantNames  []string
	}{
		{name: "join order", method: http.MethodGet, path: "/rooms/class-5/members", wantStatus: http.StatusOK, wantNames: []string{"Ms. Ortiz", "Sam"}},
		{name: "single member", method: http.MethodGet, path: "/rooms/class-2/members", wantStatus: http.StatusOK, wantNames: []string{"Mr. Lee"}},
		{name: "empty room", method: http.MethodGet, path: "/rooms/class-9/members", wantStatus: http.StatusOK, wantNames: []string{}},
		{name: "escaped slash in id", method: http.MethodGet, path: "/rooms/grade-3%2Fam/members", wantStatus: http.StatusOK, wantNames: []string{"Ada"}},
		{name: "unescaped slash in id", method: http.MethodGet, path: "/rooms/grade-3/am/members", wantStatus: http.StatusNotFound},
		{name: "missing id", method: http.MethodGet, path: "/rooms//members", wantStatus: http.StatusNotFound},
		{name: "unknown subresource", method: http.MethodGet, path: "/rooms/class-5/words", wantStatus: http.StatusNotFound},
		{name: "wrong method", method: http.MethodPost, path: "/rooms/class-5/members", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.GetMembers(w, httptest.NewRequest(tt.method, tt.path, nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp RoomMembersResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Members == nil {
				t.Fatal("expected members array, got null")
			}
			if len(resp.Members) != len(tt.wantNames) {
				t.Fatalf("expected %d members, got %+v", len(tt.wantNames), resp.Members)
			}
			for i, name := range tt.wantNames {
				if resp.Members[i].DisplayName != name {
					t.Errorf("member %d = %q, want %q", i, resp.Members[i].DisplayName, name)
				}
			}
		})
	}
}

func TestRoomHandlers_GetMembers_RosterView(t *testing.T) {
	reg := newTestRegistry(t)
	h := NewRoomHandlers(reg)

	w := httptest.NewRecorder()
	h.GetMembers(w, httptest.NewRequest(http.MethodGet, "/rooms/class-5/members", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, field := range []string{"userId", "lastActivityAt", "student-2", "teacher-1"} {
		if strings.Contains(body, field) {
			t.Errorf("roster exposes %q: %s", field, body)
		}
	}

	var resp RoomMembersResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RoomID != "class-5" || resp.Members[0].ConnectionID != "c1" {
		t.Errorf("unexpected roster %+v", resp)
	}
	if want := reg.Version("class-5"); resp.Version != want || want == 0 {
		t.Errorf("version = %d, want %d", resp.Version, want)
	}
}
