// Package message defines the values exchanged by the Stratum RPC protocol.
//
// A Request or Response lives for one round trip: it is built by the protocol engine
// (or by a caller), serialized, and dropped. Nothing in this package does I/O.
//
//   - Request:  Method is set, at most one of Args / Kwargs carries parameters.
//     A Request without an ID is one-way: no reply is produced or awaited.
//   - Response: exactly one of Result (success) or Error (failure) is meaningful.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is the opaque request identifier. It holds the raw JSON text of an integer or a
// string; the zero value means the identifier is absent.
type ID struct {
	raw json.RawMessage
}

// IntID returns an integer identifier.
func IntID(n int64) ID {
	return ID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// StringID returns a string identifier.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// IsZero reports whether the identifier is absent.
func (id ID) IsZero() bool {
	return len(id.raw) == 0
}

// Equal compares identifiers by their wire form, so IntID(1) equals an id decoded from `1`.
func (id ID) Equal(other ID) bool {
	return bytes.Equal(id.raw, other.raw)
}

// Int64 returns the identifier as an integer when it is one.
func (id ID) Int64() (int64, bool) {
	if id.IsZero() || id.raw[0] == '"' {
		return 0, false
	}
	n, err := strconv.ParseInt(string(id.raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// String returns the wire form of the identifier, or "<none>" when absent.
func (id ID) String() string {
	if id.IsZero() {
		return "<none>"
	}
	return string(id.raw)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON accepts a JSON number, a JSON string, or null (absent).
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		id.raw = nil
		return nil
	}
	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
	default:
		return fmt.Errorf("id must be a number or a string, got %s", data)
	}
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Request is a single method call.
type Request struct {
	ID     ID
	Method string
	Args   []any          // Positional parameters; wire-decoded values are json.RawMessage
	Kwargs map[string]any // Keyword parameters; wire-decoded values are json.RawMessage
}

// NewRequest builds a request, rejecting one that carries both positional and keyword
// parameters.
func NewRequest(id ID, method string, args []any, kwargs map[string]any) (*Request, error) {
	if len(args) > 0 && len(kwargs) > 0 {
		return nil, InvalidRequest("does not support args and kwargs at the same time")
	}
	return &Request{ID: id, Method: method, Args: args, Kwargs: kwargs}, nil
}

// IsOneWay reports whether the request expects no reply.
func (r *Request) IsOneWay() bool {
	return r.ID.IsZero()
}

// Response is the outcome of a Request. Error is nil on success.
type Response struct {
	ID     ID
	Result any
	Error  *Error
}

// IsSuccess reports whether the response carries a result rather than an error.
func (r *Response) IsSuccess() bool {
	return r.Error == nil
}

// DecodeResult decodes the result into v, the way the result would decode straight off
// the wire.
func (r *Response) DecodeResult(v any) error {
	if r.Error != nil {
		return r.Error
	}
	var data []byte
	switch res := r.Result.(type) {
	case json.RawMessage:
		data = res
	case nil:
		data = []byte("null")
	default:
		var err error
		if data, err = json.Marshal(res); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, v)
}
