package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/readalong/internal/tracing"
)

// Dispatcher hands an outbound event to one connection.
// Implementations must not block on network I/O; Send is called for every recipient of
// a fan-out in sequence, after the registry lock has been released.
type Dispatcher interface {
	Send(connectionID string, env Envelope) error
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	// Logger for relay activity. Defaults to slog.Default().
	Logger *slog.Logger
	// Metrics for relay activity. Optional.
	Metrics *Metrics
	// Now stamps outbound envelopes. Defaults to time.Now.
	Now func() time.Time
}

// Relay validates inbound events and fans them out to the sender's room.
type Relay struct {
	registry   *Registry
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
}

// NewRelay creates a relay over registry that delivers through dispatcher.
func NewRelay(registry *Registry, dispatcher Dispatcher, config RelayConfig) *Relay {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Relay{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     config.Logger,
		metrics:    config.Metrics,
		now:        config.Now,
	}
}

// Registry returns the registry the relay operates on.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Handle processes one inbound event from the connection described by id.
// A returned error is terminal to this event only; it has already been acknowledged
// to the sender and nothing was broadcast.
func (r *Relay) Handle(ctx context.Context, id Identity, in Inbound) (err error) {
	var roomID string
	if in.Event != EventJoin {
		// Any inbound event counts as activity, even one that is later rejected.
		if p, touchErr := r.registry.Touch(id.ConnectionID, ""); touchErr == nil {
			roomID = p.RoomID
		}
	}
	ctx, endSpan := tracing.StartEventSpan(ctx, in.Event, roomID)
	defer func() { endSpan(err) }()

	if err = r.handle(ctx, id, in); err != nil {
		r.reject(ctx, id, in.Event, err)
		return err
	}
	r.metrics.IncEventsRelayed(in.Event)
	return nil
}

func (r *Relay) handle(ctx context.Context, id Identity, in Inbound) error {
	switch in.Event {
	case EventJoin:
		return r.join(ctx, id, in)
	case EventLeave:
		return r.leave(ctx, id, in)
	case EventMessage:
		return r.message(ctx, id, in)
	case EventStatusUpdate:
		return r.statusUpdate(ctx, id, in)
	case EventTypingStart:
		return r.typing(ctx, id, in, true)
	case EventTypingStop:
		return r.typing(ctx, id, in, false)
	case EventWordDelivered:
		return r.wordDelivered(ctx, id, in)
	case EventResponseSubmitted:
		return r.responseSubmitted(ctx, id, in)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, in.Event)
	}
}

// RejectFrame acknowledges an inbound frame the transport could not decode into an event.
func (r *Relay) RejectFrame(ctx context.Context, id Identity, err error) {
	_, _ = r.registry.Touch(id.ConnectionID, "")
	r.reject(ctx, id, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err))
}

// Heartbeat records transport-level liveness (for example a pong) for a connection.
// Connections that have not joined are ignored.
func (r *Relay) Heartbeat(connectionID string) {
	_, _ = r.registry.Touch(connectionID, "")
}

// Disconnect removes the connection's participant, if any, and notifies its room.
// Calling Disconnect for an unknown or already removed connection is a no-op.
func (r *Relay) Disconnect(ctx context.Context, connectionID string) {
	p, err := r.registry.Remove(connectionID)
	if err != nil {
		r.logger.DebugContext(ctx, "disconnect for unregistered connection",
			"connection_id", connectionID)
		return
	}
	r.announceDeparture(ctx, p, ReasonDisconnect)
}

func (r *Relay) join(ctx context.Context, id Identity, in Inbound) error {
	var payload JoinPayload
	if err := decodePayload(in, &payload); err != nil {
		return err
	}

	if current, err := r.registry.Get(id.ConnectionID); err == nil {
		if current.RoomID == payload.RoomID {
			r.rejoin(ctx, current)
			return nil
		}
		// A participant belongs to one room at a time; joining elsewhere moves it.
		if prev, err := r.registry.Remove(id.ConnectionID); err == nil {
			r.announceDeparture(ctx, prev, ReasonSwitchedRoom)
		}
	}

	p, err := r.registry.Register(id, payload.DisplayName, payload.RoomID, payload.RoleHint)
	if err != nil {
		return err
	}
	if id.Role != "" && payload.RoleHint != "" && id.Role != payload.RoleHint {
		r.logger.DebugContext(ctx, "role hint differs from authenticated role",
			"connection_id", id.ConnectionID,
			"role_hint", payload.RoleHint,
			"role", id.Role)
	}

	r.metrics.IncJoins()
	r.metrics.SetActive(r.registry.Len())
	r.logger.InfoContext(ctx, "participant joined room",
		"connection_id", p.ConnectionID,
		"room_id", p.RoomID,
		"display_name", p.DisplayName)

	r.broadcastMembership(ctx, p.RoomID)
	return nil
}

// rejoin answers a repeated join for the sender's current room with the current
// roster, sent to the sender only. Membership does not change.
func (r *Relay) rejoin(ctx context.Context, p Participant) {
	_, _ = r.registry.Touch(p.ConnectionID, "")
	r.logger.DebugContext(ctx, "participant rejoined current room",
		"connection_id", p.ConnectionID,
		"room_id", p.RoomID)

	members, version := r.registry.Roster(p.RoomID)
	r.deliver(ctx, []Participant{p}, "", r.envelope(EventRoomMembership, RoomMembership{
		RoomID:  p.RoomID,
		Version: version,
		Members: ToMembers(members),
	}))
}

func (r *Relay) leave(ctx context.Context, id Identity, in Inbound) error {
	var payload LeavePayload
	if err := decodePayload(in, &payload); err != nil {
		return err
	}
	if _, err := r.member(id, payload.RoomID); err != nil {
		return err
	}
	p, err := r.registry.Remove(id.ConnectionID)
	if err != nil {
		return err
	}
	r.announceDeparture(ctx, p, ReasonLeft)
	return nil
}

func (r *Relay) message(ctx context.Context, id Identity, in Inbound) error {
	var payload MessagePayload
	if err := decodePayload(in, &payload); err != nil {
		return err
	}
	if _, err := r.member(id, payload.RoomID); err != nil {
		return err
	}
	r.broadcast(ctx, payload.RoomID, "", EventMessageReceived, MessageReceived{
		RoomID:       payload.RoomID,
		ConnectionID: id.ConnectionID,
		DisplayName:  payload.DisplayName,
		Body:         payload.Text(),
	})
	return nil
}

func (r *Relay) statusUpdate(ctx context.Context, id Identity, in Inbound) error {
	var payload StatusPayload
	if err := decodePayload(in, &payload); err != nil {
		return err
	}
	if _, err := r.member(id, payload.RoomID); err != nil {
		return err
	}
	p, err := r.registry.Touch(id.ConnectionID, payload.Status)
	if err != nil {
		return err
	}
	r.broadcast(ctx, payload.RoomID, id.ConnectionID, EventStatusChanged, StatusChanged{
		RoomID:       payload.RoomID,
		ConnectionID: id.ConnectionID,
		DisplayName:  p.DisplayName,
		Status:       p.Status,
	})
	return nil
}

func (r *Relay) typing(ctx context.Context, id Identity, in Inbound, isTyping bool) error {
	var payload TypingPayload
	if err := decodePayload(in, &payload); err != nil {
		return err
	}
	if _, err := r.member(id, payload.RoomID); err != nil {
		return err
	}
	status := StatusActive
	if isTyping {
		status = StatusTyping
	}
	if _, err := r.registry.Touch(id.ConnectionID, status); err != nil {
		return err
	}
	r.broadcast(ctx, payload.RoomID, id.ConnectionID, EventTypingChanged, TypingChanged{
		RoomID:       payload.RoomID,
		ConnectionID: id.ConnectionID,
		Username:     payload.DisplayName,
		IsTyping:     isTyping,
	})
	return nil
}

func (r *Relay) wordDelivered(ctx context.Context, id Identity, in Inbound) error {
	var payload WordPayload
	if err := decodePayload(in, &payload); err != nil {
		return err
	}
	if _, err := r.member(id, payload.RoomID); err != nil {
		return err
	}
	r.broadcast(ctx, payload.RoomID, "", EventWordDelivered, WordDelivered{
		RoomID:       payload.RoomID,
		ConnectionID: id.ConnectionID,
		DisplayName:  payload.DisplayName,
		Word:         payload.Word,
		Index:        payload.Index,
	})
	return nil
}

func (r *Relay) responseSubmitted(ctx context.Context, id Identity, in Inbound) error {
	var payload ResponsePayload
	if err := decodePayload(in, &payload); err != nil {
		return err
	}
	if _, err := r.member(id, payload.RoomID); err != nil {
		return err
	}
	r.broadcast(ctx, payload.RoomID, "", EventResponseReceived, ResponseReceived{
		RoomID:       payload.RoomID,
		ConnectionID: id.ConnectionID,
		DisplayName:  payload.DisplayName,
		Word:         payload.Word,
		Response:     payload.Response,
		Correct:      payload.Correct,
	})
	return nil
}

// member returns the sender's participant record if it is registered in roomID.
func (r *Relay) member(id Identity, roomID string) (Participant, error) {
	p, err := r.registry.Get(id.ConnectionID)
	if err != nil {
		return Participant{}, err
	}
	if p.RoomID != roomID {
		return Participant{}, fmt.Errorf("%w: not a member of room %q", ErrInvalidPayload, roomID)
	}
	return p, nil
}

// announceDeparture tells the remaining members of p's former room that p is gone and
// sends them the updated roster.
func (r *Relay) announceDeparture(ctx context.Context, p Participant, reason string) {
	r.metrics.IncDepartures(reason)
	r.metrics.SetActive(r.registry.Len())
	r.logger.InfoContext(ctx, "participant left room",
		"connection_id", p.ConnectionID,
		"room_id", p.RoomID,
		"display_name", p.DisplayName,
		"reason", reason)

	r.broadcast(ctx, p.RoomID, "", EventParticipantDeparted, ParticipantDeparted{
		ConnectionID: p.ConnectionID,
		DisplayName:  p.DisplayName,
		RoomID:       p.RoomID,
		Reason:       reason,
	})
	r.broadcastMembership(ctx, p.RoomID)
}

// broadcastMembership sends the room's roster to every member, then resends while the
// room version moved during delivery. The newest roster is the last one each member receives.
func (r *Relay) broadcastMembership(ctx context.Context, roomID string) {
	members, version := r.registry.Roster(roomID)
	for len(members) > 0 {
		r.deliver(ctx, members, "", r.envelope(EventRoomMembership, RoomMembership{
			RoomID:  roomID,
			Version: version,
			Members: ToMembers(members),
		}))
		if r.registry.Version(roomID) == version {
			return
		}
		members, version = r.registry.Roster(roomID)
	}
}

// broadcast sends data to every member of roomID except the connection named by exclude.
// Pass an empty exclude for include-sender delivery.
func (r *Relay) broadcast(ctx context.Context, roomID, exclude, event string, data any) {
	r.deliver(ctx, r.registry.MembersOf(roomID), exclude, r.envelope(event, data))
}

func (r *Relay) deliver(ctx context.Context, recipients []Participant, exclude string, env Envelope) {
	for _, m := range recipients {
		if m.ConnectionID == exclude {
			continue
		}
		if err := r.dispatcher.Send(m.ConnectionID, env); err != nil {
			r.metrics.IncDeliveryErrors()
			r.logger.WarnContext(ctx, "failed to deliver event",
				"event", env.Event,
				"connection_id", m.ConnectionID,
				"error", err)
		}
	}
}

// reject acknowledges a failed event to its sender only.
func (r *Relay) reject(ctx context.Context, id Identity, event string, err error) {
	code := ErrorCode(err)
	r.metrics.IncEventsRejected(code)

	switch {
	case errors.Is(err, ErrDuplicateConnection):
		r.logger.WarnContext(ctx, "duplicate registration rejected",
			"connection_id", id.ConnectionID, "event", event)
	case errors.Is(err, ErrNotFound):
		r.logger.DebugContext(ctx, "event from unregistered connection ignored",
			"connection_id", id.ConnectionID, "event", event)
	default:
		r.logger.DebugContext(ctx, "inbound event rejected",
			"connection_id", id.ConnectionID, "event", event, "error", err)
	}

	ack := r.envelope(EventError, ErrorAck{Event: event, Code: code, Message: err.Error()})
	if sendErr := r.dispatcher.Send(id.ConnectionID, ack); sendErr != nil {
		r.logger.DebugContext(ctx, "failed to acknowledge rejected event",
			"connection_id", id.ConnectionID, "error", sendErr)
	}
}

func (r *Relay) envelope(event string, data any) Envelope {
	return Envelope{Event: event, Data: data, Timestamp: r.now().UTC()}
}
