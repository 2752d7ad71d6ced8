package codec

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errEmptyFrame = errors.New("codec: empty frame")

// JSONCodec encodes JSON-RPC messages as compact JSON text.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode rejects empty frames and keeps numbers intact so relayed
// params survive unchanged.
func (c *JSONCodec) Decode(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errEmptyFrame
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *JSONCodec) Name() string {
	return "json"
}
