package presence

import (
	"errors"
	"fmt"
)

// Errors returned by registry and relay operations. All of them are terminal to the
// single operation or inbound event that produced them.
var (
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrNotFound            = errors.New("connection not registered")
	ErrDuplicateConnection = errors.New("connection already registered")

	// ErrUnknownEvent is an ErrInvalidPayload for event names the relay does not handle.
	ErrUnknownEvent = fmt.Errorf("%w: unknown event", ErrInvalidPayload)
)

// Error codes sent back to the originating connection in an error acknowledgment.
const (
	CodeInvalidPayload      = "invalid_payload"
	CodeNotJoined           = "not_joined"
	CodeDuplicateConnection = "duplicate_connection"
	CodeInternal            = "internal_error"
)

// ErrorCode maps a relay error to the code reported to the sender.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, ErrNotFound):
		return CodeNotJoined
	case errors.Is(err, ErrDuplicateConnection):
		return CodeDuplicateConnection
	default:
		return CodeInternal
	}
}
