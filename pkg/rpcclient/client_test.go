package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/eagraf/digestrpc/internal/digesttest"
	"github.com/eagraf/digestrpc/pkg/digest"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// rpcHandler answers JSON-RPC requests with respond's output as the body.
func rpcHandler(t *testing.T, respond func(req rpcRequest) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respond(req)))
	})
}

func newDigestClient(t *testing.T, server *digesttest.Server, opts ...Option) *Client {
	opts = append([]Option{WithCredentials(digesttest.DefaultUsername, digesttest.DefaultPassword)}, opts...)
	client, err := New(server.URL, opts...)
	require.NoError(t, err)
	return client
}

func TestCallGetBlockCount(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	server := digesttest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "getblockcount", req.Method)
		_, err := uuid.Parse(req.ID)
		assert.NoError(t, err)
		assert.Empty(t, req.Params)
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"count":144188,"status":"OK"}}`, req.ID)
	}))
	defer server.Close()

	client := newDigestClient(t, server)
	defer client.Close()

	result, err := client.Call(context.Background(), "getblockcount", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"count":144188,"status":"OK"}`, string(result))

	// One challenge, one retry.
	require.Equal(t, 2, server.Requests())
	require.Equal(t, 1, server.Rejections())
}

func TestCallInto(t *testing.T) {
	server := digesttest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		return `{"result":{"count":144188,"status":"OK"}}`
	}))
	defer server.Close()

	client := newDigestClient(t, server)
	defer client.Close()

	type blockCount struct {
		Count  uint64 `json:"count"`
		Status string `json:"status"`
	}
	out, err := CallInto[blockCount](context.Background(), client, "getblockcount", nil)
	require.NoError(t, err)
	require.Equal(t, blockCount{Count: 144188, Status: "OK"}, out)
}

func TestCallSendsParams(t *testing.T) {
	server := digesttest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		assert.JSONEq(t, `{"height":912345}`, string(req.Params))
		return `{"result":{"status":"OK"}}`
	}))
	defer server.Close()

	client := newDigestClient(t, server)
	defer client.Close()

	_, err := client.Call(context.Background(), "getblockheaderbyheight", map[string]any{"height": 912345})
	require.NoError(t, err)
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	var inFlight, maxInFlight int32
	server := digesttest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		return `{"result":"ok"}`
	}))
	defer server.Close()

	client := newDigestClient(t, server)
	defer client.Close()

	const calls = 20
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < calls; i++ {
		g.Go(func() error {
			_, err := client.Call(ctx, "get_info", nil)
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	require.Len(t, server.Authorized(), calls)

	counts := server.NonceCounts()
	for i := 1; i < len(counts); i++ {
		prev, err := digest.ParseNonceCount(counts[i-1])
		require.NoError(t, err)
		cur, err := digest.ParseNonceCount(counts[i])
		require.NoError(t, err)
		require.Equal(t, prev+1, cur, "nonce count reused, reordered or skipped: %v", counts)
	}
}

func TestCallOmitsTypedNilParams(t *testing.T) {
	var sawParams atomic.Int32
	server := digesttest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if _, ok := fields["params"]; ok {
			sawParams.Add(1)
		}
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer server.Close()

	client := newDigestClient(t, server)
	defer client.Close()

	var nilStruct *struct{ Height int }
	for _, params := range []any{nil, map[string]any(nil), []any(nil), nilStruct} {
		_, err := client.Call(context.Background(), "get_info", params)
		require.NoError(t, err)
	}
	require.Equal(t, int32(0), sawParams.Load())
}

func TestNewRequestParams(t *testing.T) {
	testCases := []struct {
		name   string
		params any
		want   string
	}{
		{"nil", nil, ""},
		{"nil map", map[string]any(nil), ""},
		{"nil slice", []int(nil), ""},
		{"nil pointer", (*struct{})(nil), ""},
		{"empty map", map[string]any{}, `{}`},
		{"empty slice", []int{}, `[]`},
		{"value", map[string]int{"height": 1}, `{"height":1}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body, err := json.Marshal(newRequest("get_info", tc.params))
			require.NoError(t, err)

			var fields map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(body, &fields))
			params, ok := fields["params"]
			if tc.want == "" {
				assert.False(t, ok, "params sent as %s", params)
				return
			}
			require.True(t, ok)
			assert.JSONEq(t, tc.want, string(params))
		})
	}
}

func TestCallSecondRejectionIsHTTPError(t *testing.T) {
	server := digesttest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		return `{"result":"unreachable"}`
	}))
	defer server.Close()
	server.SetRejectAll(true)

	registry := prometheus.NewRegistry()
	client := newDigestClient(t, server, WithMetrics(registry))
	defer client.Close()

	_, err := client.Call(context.Background(), "get_info", nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusUnauthorized, httpErr.Code)
	require.Equal(t, 2, server.Requests())

	require.Equal(t, float64(1), testutil.ToFloat64(client.metrics.Calls.WithLabelValues("get_info", "http_error")))
}

func TestCallRPCError(t *testing.T) {
	server := digesttest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		return `{"jsonrpc":"2.0","id":"1","error":{"code":-32601,"message":"Method not found"}}`
	}))
	defer server.Close()

	client := newDigestClient(t, server)
	defer client.Close()

	_, err := client.Call(context.Background(), "no_such_method", nil)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, -32601, rpcErr.Code)
	require.Equal(t, "Method not found", rpcErr.Message)
}

func TestCallHTTPError(t *testing.T) {
	server := digesttest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := newDigestClient(t, server)
	defer client.Close()

	_, err := client.Call(context.Background(), "get_info", nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusInternalServerError, httpErr.Code)
	require.Equal(t, "boom", httpErr.Message)
}

func TestCallBarePayload(t *testing.T) {
	server := digesttest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		return `{"height":1234,"status":"OK"}`
	}))
	defer server.Close()

	client := newDigestClient(t, server)
	defer client.Close()

	result, err := client.Call(context.Background(), "getheight", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"height":1234,"status":"OK"}`, string(result))
}

func TestCallPath(t *testing.T) {
	var bodies []string
	server := digesttest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, r.URL.Path+" "+string(b))
		_, _ = w.Write([]byte(`{"height":99,"status":"OK"}`))
	}))
	defer server.Close()

	client := newDigestClient(t, server)
	defer client.Close()

	result, err := client.CallPath(context.Background(), "get_height", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"height":99,"status":"OK"}`, string(result))

	_, err = client.CallPath(context.Background(), "/is_key_image_spent", map[string]any{"key_images": []string{"aa"}})
	require.NoError(t, err)

	_, err = client.CallPath(context.Background(), "get_height", map[string]any(nil))
	require.NoError(t, err)

	require.Equal(t, []string{
		"/get_height ",
		`/is_key_image_spent {"key_images":["aa"]}`,
		"/get_height ",
	}, bodies)
}

func TestCallWithoutCredentials(t *testing.T) {
	server := httptest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		return `{"result":true}`
	}))
	defer server.Close()

	client, err := New(server.URL, WithRPCPath("rpc"))
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	require.Equal(t, "true", string(result))
}

func TestCallTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := New(url)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "ping", nil)
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
}

func TestResetNonces(t *testing.T) {
	server := digesttest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		return `{"result":{}}`
	}))
	defer server.Close()

	client := newDigestClient(t, server)
	defer client.Close()

	ctx := context.Background()
	_, err := client.Call(ctx, "get_info", nil)
	require.NoError(t, err)

	require.NoError(t, client.ResetNonces(ctx))
	server.RotateNonce()

	_, err = client.Call(ctx, "get_info", nil)
	require.NoError(t, err)

	// The count restarts at 1 after the reset.
	require.Equal(t, []string{"00000001", "00000001", "00000002"}, server.NonceCounts())
}

func TestSetTLSVerification(t *testing.T) {
	server := httptest.NewTLSServer(rpcHandler(t, func(req rpcRequest) string {
		return `{"result":"secure"}`
	}))
	defer server.Close()

	client, err := New(server.URL)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	_, err = client.Call(ctx, "ping", nil)
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))

	require.NoError(t, client.SetTLSVerification(ctx, false))
	result, err := client.Call(ctx, "ping", nil)
	require.NoError(t, err)
	require.Equal(t, `"secure"`, string(result))
}

func TestSetTLSVerificationLeavesSharedTransport(t *testing.T) {
	server := httptest.NewTLSServer(rpcHandler(t, func(req rpcRequest) string {
		return `{"result":"secure"}`
	}))
	defer server.Close()

	shared := http.DefaultTransport.(*http.Transport)
	caller := &http.Client{Transport: shared}
	client, err := New(server.URL, WithHTTPClient(caller))
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.SetTLSVerification(ctx, false))
	result, err := client.Call(ctx, "ping", nil)
	require.NoError(t, err)
	require.Equal(t, `"secure"`, string(result))

	require.Same(t, shared, caller.Transport)
	if shared.TLSClientConfig != nil {
		require.False(t, shared.TLSClientConfig.InsecureSkipVerify)
	}

	// The caller's client still rejects the self-signed certificate.
	resp, err := caller.Get(server.URL)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
}

func TestCallAfterClose(t *testing.T) {
	client, err := New("http://127.0.0.1:1")
	require.NoError(t, err)
	client.Close()

	_, err = client.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	require.Error(t, err)
	_, err = New("http://")
	require.Error(t, err)
	_, err = New("http://localhost", WithCredentials("", "secret"))
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		result  string
		errType any
	}{
		{"result", 200, `{"result":{"a":1}}`, `{"a":1}`, nil},
		{"null error", 200, `{"result":2,"error":null}`, `2`, nil},
		{"bare object", 200, `{"a":1}`, `{"a":1}`, nil},
		{"bare array", 200, `[1,2]`, `[1,2]`, nil},
		{"rpc error", 200, `{"error":{"code":-1,"message":"x"}}`, "", &RPCError{}},
		{"not found", 404, `missing`, "", &HTTPError{}},
		{"created", 201, `{"result":true}`, `true`, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := classify(tc.status, []byte(tc.body))
			switch tc.errType.(type) {
			case *RPCError:
				var target *RPCError
				require.True(t, errors.As(err, &target))
			case *HTTPError:
				var target *HTTPError
				require.True(t, errors.As(err, &target))
				require.Equal(t, tc.body, target.Message)
			default:
				require.NoError(t, err)
				require.JSONEq(t, tc.result, string(result))
			}
		})
	}

	_, err := classify(200, []byte("not json"))
	require.Error(t, err)
}
