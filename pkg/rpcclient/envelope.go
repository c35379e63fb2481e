package rpcclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

const jsonRPCVersion = "2.0"

// request is the JSON-RPC 2.0 envelope sent for every Call.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newRequest(method string, params any) request {
	if isNil(params) {
		params = nil
	}
	return request{
		JSONRPC: jsonRPCVersion,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}
}

// isNil also reports true for a nil map, slice or pointer held in an
// interface, which omitempty would otherwise encode as null.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

type errorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// classify turns an HTTP status and body into the call's result. Endpoints
// that answer with a bare payload instead of a {"result": ...} wrapper have the
// whole body returned.
func classify(status int, body []byte) (json.RawMessage, error) {
	if status < 200 || status > 299 {
		return nil, &HTTPError{Code: status, Message: string(body)}
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("failed to decode response body: invalid JSON")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		// Arrays and scalars are bare payloads.
		return json.RawMessage(body), nil
	}

	if raw, ok := fields["error"]; ok && !isNull(raw) {
		var obj errorObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, &RPCError{Message: string(raw)}
		}
		return nil, &RPCError{Code: obj.Code, Message: obj.Message, Data: obj.Data}
	}
	if result, ok := fields["result"]; ok {
		return result, nil
	}
	return json.RawMessage(body), nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
