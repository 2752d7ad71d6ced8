// Package message defines the JSON-RPC 2.0 messages exchanged over every transport.
//
// Two shapes travel on the wire: plain Request/Response pairs (control channel),
// and relay envelopes on the service channel, where the outer request's params
// carry a complete inner request:
//
//	{"jsonrpc":"2.0","id":12,"method":"Controller.1.relay",
//	 "params":{"context":<opaque>,"request":{"jsonrpc":"2.0","id":7,"method":"Controller.1.relay.Svc.Ping.1","params":{}}}}
//
// The answer mirrors that shape:
//
//	{"jsonrpc":"2.0","id":12,"result":{"context":<opaque>,"response":{"jsonrpc":"2.0","id":7,"result":{...}}}}
package message

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version spoken by this module.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes, plus the generic server error used for
// every handler-level failure.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Request is a JSON-RPC request. A nil ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response. Exactly one of Result and Error is sent.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error object of a failed response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// RelayParams is the payload of an outer envelope.
type RelayParams struct {
	Context json.RawMessage `json:"context,omitempty"` // echoed back unchanged
	Request json.RawMessage `json:"request"`
}

// RelayResult is the payload of an outer response.
type RelayResult struct {
	Context  json.RawMessage  `json:"context,omitempty"`
	Response *RelayedResponse `json:"response"`
}

// RelayedRequest is the inner request of an envelope. Its id was minted by
// the remote client, so any JSON id (number, string, null) is kept
// verbatim and echoed back.
type RelayedRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RelayedResponse answers a RelayedRequest with its raw id.
type RelayedResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRelayedResponse returns an empty response shell answering id.
func NewRelayedResponse(id json.RawMessage) *RelayedResponse {
	return &RelayedResponse{JSONRPC: Version, ID: id}
}

// SetResult stores v as the response result and clears any error.
func (r *RelayedResponse) SetResult(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	r.Result = raw
	r.Error = nil
	return nil
}

// SetError stores an error object and clears any result.
func (r *RelayedResponse) SetError(code int, msg string) {
	r.Result = nil
	r.Error = &Error{Code: code, Message: msg}
}

// MarshalJSON sends a missing id as null and keeps "result" for
// successful responses.
func (r RelayedResponse) MarshalJSON() ([]byte, error) {
	type alias RelayedResponse
	if len(r.ID) == 0 {
		r.ID = json.RawMessage("null")
	}
	if r.Error == nil && len(r.Result) == 0 {
		r.Result = json.RawMessage("null")
	}
	if r.JSONRPC == "" {
		r.JSONRPC = Version
	}
	return json.Marshal(alias(r))
}

// NewRequest builds a request with the given id. params may be nil, a
// json.RawMessage or any value encoding/json accepts.
func NewRequest(id uint64, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a request without id.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse returns an empty response shell answering id.
func NewResponse(id *uint64) *Response {
	return &Response{JSONRPC: Version, ID: id}
}

// SetResult stores v as the response result and clears any error.
func (r *Response) SetResult(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	r.Result = raw
	r.Error = nil
	return nil
}

// SetError stores an error object and clears any result.
func (r *Response) SetError(code int, msg string) {
	r.Result = nil
	r.Error = &Error{Code: code, Message: msg}
}

// MarshalJSON keeps "result" on the wire for successful responses even when
// the handler returned nothing.
func (r Response) MarshalJSON() ([]byte, error) {
	type alias Response
	if r.Error == nil && len(r.Result) == 0 {
		r.Result = json.RawMessage("null")
	}
	if r.JSONRPC == "" {
		r.JSONRPC = Version
	}
	return json.Marshal(alias(r))
}

// Truthy reports whether the result is present and not null, false, 0 or "".
func (r *Response) Truthy() bool {
	if r == nil || r.Error != nil || len(r.Result) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(r.Result, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// Envelope is used to sniff an incoming message before deciding its kind.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// IsResponse reports whether the sniffed message is a response.
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && e.ID != nil
}

// Response returns the response view of a sniffed message.
func (e *Envelope) Response() *Response {
	return &Response{JSONRPC: e.JSONRPC, ID: e.ID, Result: e.Result, Error: e.Error}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		return raw, nil
	}
}
