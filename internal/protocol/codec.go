package protocol

import (
	"encoding/json"
	"fmt"
)

// JSONCodec packs argument lists as a JSON array. Nested maps, slices
// and scalars round-trip structurally; numbers decode as float64.
type JSONCodec struct{}

// Pack encodes args as one JSON array.
func (JSONCodec) Pack(args ...any) ([]byte, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("codec: pack: %w", err)
	}
	return data, nil
}

// Unpack decodes a JSON array back into an argument list. An empty
// payload unpacks to no arguments.
func (JSONCodec) Unpack(payload []byte) ([]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, fmt.Errorf("codec: unpack: %w", err)
	}
	return args, nil
}

// RawCodec passes []byte and string arguments through untouched,
// concatenated into one payload.
// It backs the text and socket wire types where the payload is opaque.
type RawCodec struct{}

// Pack concatenates byte-slice and string arguments.
func (RawCodec) Pack(args ...any) ([]byte, error) {
	var out []byte
	for _, a := range args {
		switch v := a.(type) {
		case []byte:
			out = append(out, v...)
		case string:
			out = append(out, v...)
		default:
			return nil, fmt.Errorf("codec: raw pack: unsupported %T", a)
		}
	}
	return out, nil
}

// Unpack returns the payload as a single argument.
func (RawCodec) Unpack(payload []byte) ([]any, error) {
	return []any{payload}, nil
}
