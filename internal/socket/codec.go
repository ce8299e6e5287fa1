// Package socket carries presence events over WebSocket connections.
package socket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/onnwee/readalong/internal/presence"
)

// Subprotocols a client may request during the handshake. Clients that request none get JSON.
const (
	SubprotocolJSON = "readalong.json"
	SubprotocolCBOR = "readalong.cbor"
)

// Frame decoding errors.
var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrMissingEvent = errors.New("frame has no event name")
	ErrInvalidFrame = errors.New("invalid frame")
)

// Codec converts between wire frames and presence events.
type Codec interface {
	// Name is the subprotocol the codec serves.
	Name() string
	// MessageType is the websocket frame type used for outbound frames.
	MessageType() int
	Encode(env presence.Envelope) ([]byte, error)
	Decode(data []byte) (presence.Inbound, error)
}

// CodecFor returns the codec for a negotiated subprotocol.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return cborCodec
	}
	return jsonCodec
}

// Subprotocols lists the subprotocols offered to the websocket upgrader, in preference order.
func Subprotocols() []string {
	return []string{SubprotocolCBOR, SubprotocolJSON}
}

var (
	jsonCodec Codec = jsonFrameCodec{}
	cborCodec Codec = newCBORFrameCodec()
)

type jsonFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type jsonFrameCodec struct{}

func (jsonFrameCodec) Name() string     { return SubprotocolJSON }
func (jsonFrameCodec) MessageType() int { return websocket.TextMessage }

func (jsonFrameCodec) Encode(env presence.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonFrameCodec) Decode(data []byte) (presence.Inbound, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return presence.Inbound{}, ErrEmptyFrame
	}
	var frame jsonFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return presence.Inbound{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if frame.Event == "" {
		return presence.Inbound{}, ErrMissingEvent
	}

	in := presence.Inbound{Event: frame.Event}
	if len(frame.Data) > 0 {
		raw := frame.Data
		in.Decode = func(v any) error {
			return json.Unmarshal(raw, v)
		}
	}
	return in, nil
}

type cborFrame struct {
	Event string          `cbor:"event"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
}

type cborFrameCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORFrameCodec() cborFrameCodec {
	// Timestamps go out as RFC 3339 text so both encodings carry the same value.
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("socket: invalid CBOR encode options: %v", err))
	}
	dec, err := cbor.DecOptions{
		MapKeyByteString: cbor.MapKeyByteStringAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("socket: invalid CBOR decode options: %v", err))
	}
	return cborFrameCodec{enc: enc, dec: dec}
}

func (cborFrameCodec) Name() string     { return SubprotocolCBOR }
func (cborFrameCodec) MessageType() int { return websocket.BinaryMessage }

func (c cborFrameCodec) Encode(env presence.Envelope) ([]byte, error) {
	return c.enc.Marshal(env)
}

func (c cborFrameCodec) Decode(data []byte) (presence.Inbound, error) {
	if len(data) == 0 {
		return presence.Inbound{}, ErrEmptyFrame
	}
	var frame cborFrame
	if err := c.dec.Unmarshal(data, &frame); err != nil {
		return presence.Inbound{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if frame.Event == "" {
		return presence.Inbound{}, ErrMissingEvent
	}

	in := presence.Inbound{Event: frame.Event}
	if len(frame.Data) > 0 {
		raw := frame.Data
		in.Decode = func(v any) error {
			return c.dec.Unmarshal(raw, v)
		}
	}
	return in, nil
}
