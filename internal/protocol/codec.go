package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Action is the verb of an envelope exchanged with the relay.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionPublish     Action = "publish"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionSubscribe, ActionUnsubscribe, ActionPublish:
		return true
	}
	return false
}

// Envelope wraps an event with the channel it travels on.
type Envelope struct {
	Action  Action `json:"action"`
	Channel string `json:"channel"`
	Event   *Event `json:"event,omitempty"`
}

// EncodeJSON encodes an envelope for text transports.
func EncodeJSON(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeJSON decodes an envelope produced by EncodeJSON.
func DecodeJSON(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// encMode uses Core Deterministic Encoding so identical events produce
// identical bytes on every node.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// ot.OpType travels as its name, matching the JSON form.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeCBOR encodes an event for binary transports.
func EncodeCBOR(evt Event) ([]byte, error) {
	return encMode.Marshal(evt)
}

// DecodeCBOR decodes an event produced by EncodeCBOR.
func DecodeCBOR(data []byte) (Event, error) {
	var evt Event
	if err := decMode.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}
