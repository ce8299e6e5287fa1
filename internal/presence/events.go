package presence

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Inbound event names (client -> relay).
const (
	EventJoin              = "join"
	EventLeave             = "leave"
	EventMessage           = "message"
	EventStatusUpdate      = "statusUpdate"
	EventTypingStart       = "typingStart"
	EventTypingStop        = "typingStop"
	EventWordDelivered     = "wordDelivered"
	EventResponseSubmitted = "responseSubmitted"
)

// Outbound event names (relay -> clients). wordDelivered is relayed under its inbound name.
const (
	EventConnected           = "connected"
	EventRoomMembership      = "roomMembership"
	EventMessageReceived     = "messageReceived"
	EventStatusChanged       = "statusChanged"
	EventTypingChanged       = "typingChanged"
	EventParticipantDeparted = "participantDeparted"
	EventResponseReceived    = "responseReceived"
	EventError               = "error"
)

// Departure reasons carried by participantDeparted.
const (
	ReasonDisconnect   = "disconnect"
	ReasonLeft         = "left"
	ReasonTimeout      = "timeout"
	ReasonSwitchedRoom = "switched_room"
)

// Inbound is one decoded client event. Decode unmarshals the event data into v using
// whatever wire encoding the connection negotiated.
type Inbound struct {
	Event  string
	Decode func(v any) error
}

// Envelope is one outbound event.
type Envelope struct {
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JoinPayload is the data of a join event.
type JoinPayload struct {
	DisplayName string `json:"displayName" validate:"notblank,max=64"`
	RoomID      string `json:"roomId" validate:"notblank,max=128"`
	RoleHint    string `json:"roleHint" validate:"max=32"`
}

// LeavePayload is the data of a leave event.
type LeavePayload struct {
	RoomID string `json:"roomId" validate:"notblank"`
}

// MessagePayload is the data of a message event. Older clients send the text as body.
type MessagePayload struct {
	RoomID      string `json:"roomId" validate:"notblank"`
	DisplayName string `json:"displayName" validate:"notblank"`
	Message     string `json:"message" validate:"max=2000"`
	Body        string `json:"body" validate:"max=2000"`
}

// Text returns the message text regardless of which field carried it.
func (p MessagePayload) Text() string {
	if strings.TrimSpace(p.Message) != "" {
		return p.Message
	}
	return p.Body
}

// StatusPayload is the data of a statusUpdate event.
type StatusPayload struct {
	RoomID string `json:"roomId" validate:"notblank"`
	Status Status `json:"status" validate:"required,oneof=active typing idle"`
}

// TypingPayload is the data of typingStart and typingStop events.
type TypingPayload struct {
	RoomID      string `json:"roomId" validate:"notblank"`
	DisplayName string `json:"displayName" validate:"notblank"`
}

// WordPayload is the data of a wordDelivered event sent by the test giver.
type WordPayload struct {
	RoomID      string `json:"roomId" validate:"notblank"`
	DisplayName string `json:"displayName" validate:"notblank"`
	Word        string `json:"word" validate:"notblank,max=64"`
	Index       int    `json:"index" validate:"gte=0"`
}

// ResponsePayload is the data of a responseSubmitted event sent by the test taker.
type ResponsePayload struct {
	RoomID      string `json:"roomId" validate:"notblank"`
	DisplayName string `json:"displayName" validate:"notblank"`
	Word        string `json:"word" validate:"notblank,max=64"`
	Response    string `json:"response" validate:"max=256"`
	Correct     *bool  `json:"correct,omitempty"`
}

// Member is the roster view of a participant.
type Member struct {
	ConnectionID string    `json:"connectionId"`
	DisplayName  string    `json:"displayName"`
	RoleHint     string    `json:"roleHint,omitempty"`
	Status       Status    `json:"status"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// RoomMembership is the full roster of a room. Clients keep the roster with the
// highest version and drop any that arrive with a lower one.
type RoomMembership struct {
	RoomID  string   `json:"roomId"`
	Version uint64   `json:"version"`
	Members []Member `json:"members"`
}

// MessageReceived is a chat message relayed to the whole room.
type MessageReceived struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	Body         string `json:"body"`
}

// StatusChanged announces a participant status change.
type StatusChanged struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	Status       Status `json:"status"`
}

// TypingChanged announces a participant starting or stopping typing.
type TypingChanged struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	Username     string `json:"username"`
	IsTyping     bool   `json:"isTyping"`
}

// ParticipantDeparted announces that a participant left the room.
type ParticipantDeparted struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	RoomID       string `json:"roomId"`
	Reason       string `json:"reason"`
}

// WordDelivered is a test word relayed to the whole room.
type WordDelivered struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	Word         string `json:"word"`
	Index        int    `json:"index"`
}

// ResponseReceived is a test response relayed to the whole room.
type ResponseReceived struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	Word         string `json:"word"`
	Response     string `json:"response"`
	Correct      *bool  `json:"correct,omitempty"`
}

// ErrorAck is sent only to the connection whose event was rejected.
type ErrorAck struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Connected is sent once to a connection after the transport accepts it.
type Connected struct {
	ConnectionID string `json:"connectionId"`
}

// validate is safe for concurrent use.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// notblank rejects empty and whitespace-only strings.
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// decodePayload decodes the inbound data into v and validates it.
// Every failure is reported as ErrInvalidPayload.
func decodePayload(in Inbound, v any) error {
	if in.Decode == nil {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := in.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrInvalidPayload, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if m, ok := v.(*MessagePayload); ok && strings.TrimSpace(m.Text()) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidPayload)
	}
	return nil
}

// ToMembers returns the roster view of ps.
func ToMembers(ps []Participant) []Member {
	members := make([]Member, len(ps))
	for i, p := range ps {
		members[i] = Member{
			ConnectionID: p.ConnectionID,
			DisplayName:  p.DisplayName,
			RoleHint:     p.RoleHint,
			Status:       p.Status,
			JoinedAt:     p.JoinedAt,
		}
	}
	return members
}
