package rpcclient

import (
	"encoding/json"
	"fmt"

	"github.com/eagraf/digestrpc/internal/serializer"
	"github.com/eagraf/digestrpc/pkg/digest"
	"github.com/eagraf/digestrpc/pkg/transport"
)

type (
	// TransportError is a connection-level failure. It is never retried.
	TransportError = transport.TransportError
	// AuthChallengeError is a missing or malformed challenge on a rejection.
	AuthChallengeError = digest.AuthChallengeError
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = serializer.ErrClosed

// HTTPError is a non-2xx response, after any Digest retry. Message holds the
// raw response body.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.Code, e.Message)
}

// RPCError is an error object returned by the remote procedure, with the code
// and message exactly as the server sent them.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
