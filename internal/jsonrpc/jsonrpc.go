// Package jsonrpc defines the JSON-RPC 2.0 wire types and the server's
// error code space. The framing itself lives in internal/transport; this
// package only knows about message shapes.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted or emitted.
const Version = "2.0"

// Request is an incoming JSON-RPC request or notification. A nil ID
// marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is an outgoing JSON-RPC response. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ID is a JSON-RPC id: a string or a number. Other JSON types are
// rejected at unmarshal time.
type ID struct {
	Str   string
	Num   int64
	IsStr bool
}

// MarshalJSON implements json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsStr {
		return json.Marshal(id.Str)
	}
	return json.Marshal(id.Num)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		id.Str, id.IsStr = s, true
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		id.Num, id.IsStr = n, false
		return nil
	}
	return fmt.Errorf("invalid id type: %s", string(data))
}

func (id ID) String() string {
	if id.IsStr {
		return id.Str
	}
	return fmt.Sprintf("%d", id.Num)
}

// StringID builds a string-typed id.
func StringID(s string) *ID { return &ID{Str: s, IsStr: true} }

// NumberID builds a number-typed id.
func NumberID(n int64) *ID { return &ID{Num: n} }

// NewResponse wraps a marshaled result for id.
func NewResponse(id *ID, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse wraps an error object for id.
func NewErrorResponse(id *ID, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: rpcErr}
}
