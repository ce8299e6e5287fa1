package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/onnwee/readalong/internal/presence"
)

type testServer struct {
	*httptest.Server
	hub      *Hub
	registry *presence.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(HubConfig{Logger: logger})
	registry := presence.NewRegistry()
	relay := presence.NewRelay(registry, hub, presence.RelayConfig{Logger: logger})

	upgrader := websocket.Upgrader{
		Subprotocols: Subprotocols(),
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	var seq atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		id := presence.Identity{ConnectionID: fmt.Sprintf("conn-%d", seq.Add(1))}
		hub.Serve(r.Context(), conn, id, relay)
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hub: hub, registry: registry}
}

func (s *testServer) dial(t *testing.T, subprotocols ...string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: subprotocols}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(s.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() returned error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("WriteJSON(%s) returned error: %v", event, err)
	}
}

// expect reads frames until one named event arrives and decodes its data into v.
func expect(t *testing.T, conn *websocket.Conn, event string, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event != event {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(f.Data, v); err != nil {
				t.Fatalf("decoding %s data: %v", event, err)
			}
		}
		return
	}
}

func TestHub_ClassroomScenarioOverWebSocket(t *testing.T) {
	srv := newTestServer(t)

	teacher := srv.dial(t)
	var connected presence.Connected
	expect(t, teacher, presence.EventConnected, &connected)
	if connected.ConnectionID == "" {
		t.Fatal("connected event carried no connection id")
	}

	send(t, teacher, presence.EventJoin, presence.JoinPayload{DisplayName: "Ms. Ortiz", RoomID: "class-5", RoleHint: "teacher"})
	expect(t, teacher, presence.EventRoomMembership, nil)

	student := srv.dial(t)
	expect(t, student, presence.EventConnected, nil)
	send(t, student, presence.EventJoin, presence.JoinPayload{DisplayName: "Sam", RoomID: "class-5"})

	var roster presence.RoomMembership
	expect(t, teacher, presence.EventRoomMembership, &roster)
	if len(roster.Members) != 2 || roster.Members[0].DisplayName != "Ms. Ortiz" || roster.Members[1].DisplayName != "Sam" {
		t.Fatalf("unexpected roster %+v", roster.Members)
	}

	send(t, student, presence.EventMessage, presence.MessagePayload{RoomID: "class-5", DisplayName: "Sam", Message: "hello"})
	for name, conn := range map[string]*websocket.Conn{"teacher": teacher, "student": student} {
		var msg presence.MessageReceived
		expect(t, conn, presence.EventMessageReceived, &msg)
		if msg.DisplayName != "Sam" || msg.Body != "hello" {
			t.Errorf("%s: unexpected message %+v", name, msg)
		}
	}

	_ = student.Close()

	var departed presence.ParticipantDeparted
	expect(t, teacher, presence.EventParticipantDeparted, &departed)
	if departed.DisplayName != "Sam" || departed.RoomID != "class-5" || departed.Reason != presence.ReasonDisconnect {
		t.Errorf("unexpected departure %+v", departed)
	}

	members := srv.registry.MembersOf("class-5")
	if len(members) != 1 || members[0].DisplayName != "Ms. Ortiz" {
		t.Errorf("expected only Ms. Ortiz to remain, got %+v", members)
	}
}

func TestHub_MalformedFrameIsAcknowledged(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)
	expect(t, conn, presence.EventConnected, nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage() returned error: %v", err)
	}
	var ack presence.ErrorAck
	expect(t, conn, presence.EventError, &ack)
	if ack.Code != presence.CodeInvalidPayload {
		t.Errorf("expected invalid_payload, got %q", ack.Code)
	}

	// The connection survives a bad frame.
	send(t, conn, presence.EventJoin, presence.JoinPayload{DisplayName: "Sam", RoomID: "R1"})
	expect(t, conn, presence.EventRoomMembership, nil)
}

func TestHub_CBORSubprotocol(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t, SubprotocolCBOR)
	if conn.Subprotocol() != SubprotocolCBOR {
		t.Fatalf("expected negotiated subprotocol %s, got %q", SubprotocolCBOR, conn.Subprotocol())
	}

	readCBOR := func(event string) map[any]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("waiting for %s: %v", event, err)
			}
			if typ != websocket.BinaryMessage {
				t.Fatalf("expected binary frame, got type %d", typ)
			}
			var f struct {
				Event string      `cbor:"event"`
				Data  map[any]any `cbor:"data"`
			}
			if err := cbor.Unmarshal(data, &f); err != nil {
				t.Fatalf("cbor.Unmarshal() returned error: %v", err)
			}
			if f.Event == event {
				return f.Data
			}
		}
	}

	readCBOR(presence.EventConnected)

	raw, err := cbor.Marshal(map[string]any{
		"event": presence.EventJoin,
		"data":  map[string]any{"displayName": "Sam", "roomId": "R1"},
	})
	if err != nil {
		t.Fatalf("cbor.Marshal() returned error: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("WriteMessage() returned error: %v", err)
	}

	roster := readCBOR(presence.EventRoomMembership)
	if roster["roomId"] != "R1" {
		t.Errorf("unexpected roster %v", roster)
	}
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)
	expect(t, conn, presence.EventConnected, nil)
	send(t, conn, presence.EventJoin, presence.JoinPayload{DisplayName: "Sam", RoomID: "R1"})
	expect(t, conn, presence.EventRoomMembership, nil)

	srv.hub.Shutdown()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Errorf("expected going-away close, got %v", err)
			}
			break
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.registry.Len() != 0 || srv.hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection was not cleaned up after shutdown")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_SendToUnknownConnection(t *testing.T) {
	hub := NewHub(HubConfig{})
	err := hub.Send("nobody", presence.Envelope{Event: presence.EventMessageReceived})
	if !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestClient_FullQueueClosesClient(t *testing.T) {
	c := newClient(nil, presence.Identity{ConnectionID: "slow"}, jsonCodec, 2)

	for i := 0; i < 2; i++ {
		if err := c.enqueue([]byte("x")); err != nil {
			t.Fatalf("enqueue %d returned error: %v", i, err)
		}
	}
	if err := c.enqueue([]byte("x")); !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}
	if err := c.enqueue([]byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed after close, got %v", err)
	}

	code, reason := c.closeReason()
	if code != websocket.ClosePolicyViolation || reason != "slow consumer" {
		t.Errorf("unexpected close reason %d %q", code, reason)
	}

	// Frames queued before the close are still drained.
	drained := 0
	for range c.send {
		drained++
	}
	if drained != 2 {
		t.Errorf("expected 2 queued frames, got %d", drained)
	}
}
