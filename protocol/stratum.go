// Package protocol implements the Stratum flavour of JSON-RPC.
//
// The engine turns a method call into a self-contained JSON payload and back, and turns
// a reply payload into a typed success or error Response. It adds no framing bytes;
// delimiting payloads on a byte stream is the codec package's job.
//
// Wire shapes:
//
//	request:  {"id": 1, "method": "mining.subscribe", "params": [...] | {...}}
//	success:  {"id": 1, "result": <any>, "error": null}
//	error:    {"id": 1, "result": null, "error": [<code>, "<message>", null]}
//
// Batches (a JSON array of requests) are rejected.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"stratum-rpc/message"
)

var (
	allowedRequestKeys = map[string]bool{"id": true, "method": true, "params": true}
	allowedReplyKeys   = map[string]bool{"id": true, "result": true, "error": true}
)

// Stratum is the protocol engine. Its only state is the request id counter, which is
// atomic so one engine can serve many goroutines issuing client calls.
type Stratum struct {
	lastID atomic.Int64
}

func NewStratum() *Stratum {
	return &Stratum{}
}

// nextID returns 1, 2, 3, ... for the lifetime of the engine.
func (p *Stratum) nextID() message.ID {
	return message.IntID(p.lastID.Add(1))
}

// CreateRequest builds a request with a fresh id, or with no id when oneWay is set.
func (p *Stratum) CreateRequest(method string, args []any, kwargs map[string]any, oneWay bool) (*message.Request, error) {
	if len(args) > 0 && len(kwargs) > 0 {
		return nil, message.InvalidRequest("does not support args and kwargs at the same time")
	}
	var id message.ID
	if !oneWay {
		id = p.nextID()
	}
	return message.NewRequest(id, method, args, kwargs)
}

type wireRequest struct {
	ID     *message.ID `json:"id,omitempty"`
	Method string      `json:"method"`
	Params any         `json:"params,omitempty"`
}

// SerializeRequest encodes req. params is omitted when neither args nor kwargs were
// supplied, id is omitted for one-way requests.
func (p *Stratum) SerializeRequest(req *message.Request) ([]byte, error) {
	w := wireRequest{Method: req.Method}
	if !req.ID.IsZero() {
		id := req.ID
		w.ID = &id
	}
	switch {
	case len(req.Args) > 0 && len(req.Kwargs) > 0:
		return nil, message.InvalidRequest("does not support args and kwargs at the same time")
	case len(req.Args) > 0:
		w.Params = req.Args
	case len(req.Kwargs) > 0:
		w.Params = req.Kwargs
	}
	return json.Marshal(w)
}

// ParseRequest decodes a request payload.
//
// On a schema violation the returned request is non-nil and carries whatever id could
// be recovered, so the caller can still send an error reply.
func (p *Stratum) ParseRequest(data []byte) (*message.Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return nil, message.ErrParse
	}
	switch data[0] {
	case '[':
		return nil, message.InvalidRequest("batch request is not supported by stratum")
	case '{':
	default:
		return nil, fmt.Errorf("%w: request must be an object", message.ErrInvalidRequest)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, message.ErrParse
	}

	req := &message.Request{}
	if raw, ok := fields["id"]; ok {
		if err := req.ID.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", message.ErrInvalidRequest, err)
		}
	}

	for k := range fields {
		if !allowedRequestKeys[k] {
			return req, fmt.Errorf("%w: key not allowed: %s", message.ErrInvalidRequest, k)
		}
	}

	rawMethod, ok := fields["method"]
	if !ok {
		return req, fmt.Errorf("%w: missing method", message.ErrInvalidRequest)
	}
	if err := json.Unmarshal(rawMethod, &req.Method); err != nil || isNull(rawMethod) {
		return req, fmt.Errorf("%w: method must be a string", message.ErrInvalidParams)
	}
	if req.Method == "" {
		return req, fmt.Errorf("%w: empty method", message.ErrInvalidRequest)
	}

	rawParams, ok := fields["params"]
	if !ok || isNull(rawParams) {
		return req, nil
	}
	switch bytes.TrimSpace(rawParams)[0] {
	case '[':
		var args []json.RawMessage
		if err := json.Unmarshal(rawParams, &args); err != nil {
			return req, fmt.Errorf("%w: %v", message.ErrInvalidParams, err)
		}
		req.Args = make([]any, len(args))
		for i, a := range args {
			req.Args[i] = a
		}
	case '{':
		var kwargs map[string]json.RawMessage
		if err := json.Unmarshal(rawParams, &kwargs); err != nil {
			return req, fmt.Errorf("%w: %v", message.ErrInvalidParams, err)
		}
		req.Kwargs = make(map[string]any, len(kwargs))
		for k, v := range kwargs {
			req.Kwargs[k] = v
		}
	default:
		return req, fmt.Errorf("%w: params must be a list or an object", message.ErrInvalidParams)
	}
	return req, nil
}

type wireResponse struct {
	ID     message.ID `json:"id"`
	Result any        `json:"result"`
	Error  any        `json:"error"`
}

// ParseReply decodes a reply payload into a success or error Response.
func (p *Stratum) ParseReply(data []byte) (*message.Response, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrInvalidReply, err)
	}

	for k := range fields {
		if !allowedReplyKeys[k] {
			return nil, fmt.Errorf("%w: key not allowed: %s", message.ErrInvalidReply, k)
		}
	}

	resp := &message.Response{}
	if raw, ok := fields["id"]; ok {
		if err := resp.ID.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", message.ErrInvalidReply, err)
		}
	}
	if resp.ID.IsZero() {
		return nil, message.ErrMissingID
	}

	if raw, ok := fields["error"]; ok && !isNull(raw) {
		var triple []json.RawMessage
		if err := json.Unmarshal(raw, &triple); err != nil || len(triple) != 3 {
			return nil, fmt.Errorf("%w: error must be [code, message, traceback]", message.ErrInvalidReply)
		}
		var code int
		if err := json.Unmarshal(triple[0], &code); err != nil {
			return nil, fmt.Errorf("%w: error code: %v", message.ErrInvalidReply, err)
		}
		var msg string
		if err := json.Unmarshal(triple[1], &msg); err != nil {
			msg = string(triple[1])
		}
		resp.Error = message.NewError(code, msg)
		return resp, nil
	}

	if raw, ok := fields["result"]; ok && !isNull(raw) {
		resp.Result = raw
	}
	return resp, nil
}

// Respond builds a success response, or nil for a one-way request.
func (p *Stratum) Respond(req *message.Request, result any) *message.Response {
	if req.IsOneWay() {
		return nil
	}
	return &message.Response{ID: req.ID, Result: result}
}

// ErrorRespond builds an error response resolved through message.Resolve, or nil for a
// one-way request.
func (p *Stratum) ErrorRespond(req *message.Request, err error) *message.Response {
	if req.IsOneWay() {
		return nil
	}
	code, msg := message.Resolve(err)
	return &message.Response{ID: req.ID, Error: message.NewError(code, msg)}
}

// SerializeResponse encodes resp with all three reply keys present.
func (p *Stratum) SerializeResponse(resp *message.Response) ([]byte, error) {
	w := wireResponse{ID: resp.ID}
	if resp.Error != nil {
		w.Error = []any{resp.Error.Code, resp.Error.Message, nil}
	} else {
		w.Result = resp.Result
	}
	return json.Marshal(w)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
