// Package codec serializes messages for the wire. Payloads travel as UTF-8
// JSON; type identity is carried next to the body as a plain name string
// (stream record key, or the Type field of the queue Event envelope), never
// as a language-level schema.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/madcok-co/relay/core/pkg/contracts"
)

// Encode serializes a payload to its wire form.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %T: %w", v, err)
	}
	return data, nil
}

// Decode deserializes a wire body into dest.
func Decode(data []byte, dest any) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("codec: decode %T: %w", dest, err)
	}
	return nil
}

// DecodeEnvelope deserializes a queue-transport body carrying an Event
// envelope. The inner payload stays serialized; its type is resolved from
// the envelope's Type field.
func DecodeEnvelope(data []byte) (*contracts.Event, error) {
	var e contracts.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("codec: decode envelope: %w", err)
	}
	return &e, nil
}
