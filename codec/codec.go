// Package codec turns messages into the text frames carried by a transport.
package codec

// Codec encodes and decodes wire messages.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string // websocket subprotocol name
}

// Default is the codec every endpoint speaks unless configured otherwise.
var Default Codec = &JSONCodec{}
