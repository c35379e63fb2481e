// Package rpcclient issues JSON-RPC calls against an endpoint guarded by
// Digest authentication. Calls made through one Client are sent one at a time,
// in order, so the Digest nonce count is never reused.
package rpcclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eagraf/digestrpc/internal/metrics"
	"github.com/eagraf/digestrpc/internal/serializer"
	"github.com/eagraf/digestrpc/pkg/digest"
	"github.com/eagraf/digestrpc/pkg/transport"
	"github.com/eagraf/digestrpc/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultRPCPath = "/json_rpc"
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 64 << 20
)

type options struct {
	credentials  *digest.Credentials
	nonceOpts    []digest.NonceOption
	httpClient   *http.Client
	logger       *zerolog.Logger
	registry     prometheus.Registerer
	rateLimit    rate.Limit
	rateBurst    int
	rpcPath      string
	timeout      time.Duration
	insecureSkip bool
}

type Option func(*options)

// WithCredentials enables Digest authentication.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.credentials = &digest.Credentials{Username: username, Password: password}
	}
}

// WithHTTPClient replaces the client's own *http.Client. The client is copied,
// so c itself and its transport are never modified. SetTLSVerification only
// works when c uses an *http.Transport.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics registers the client's collectors with registry.
func WithMetrics(registry prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithRateLimit caps how fast calls are started.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.rateLimit = limit
		o.rateBurst = burst
	}
}

func WithRPCPath(path string) Option {
	return func(o *options) {
		o.rpcPath = path
	}
}

// WithTimeout bounds each HTTP round trip. It has no effect with
// WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithTLSVerification sets whether server certificates are verified initially.
func WithTLSVerification(enabled bool) Option {
	return func(o *options) {
		o.insecureSkip = !enabled
	}
}

// WithNonceCount starts the Digest nonce count at nc.
func WithNonceCount(nc uint32) Option {
	return func(o *options) {
		o.nonceOpts = append(o.nonceOpts, digest.WithNonceCount(nc))
	}
}

// WithCnonce fixes the Digest client nonce until the next ResetNonces.
func WithCnonce(cnonce string) Option {
	return func(o *options) {
		o.nonceOpts = append(o.nonceOpts, digest.WithCnonce(cnonce))
	}
}

// Client is safe for concurrent use. Close it to stop its worker.
type Client struct {
	baseURL *url.URL
	rpcURL  string

	httpClient    *http.Client
	httpTransport *http.Transport
	ownTransport  bool
	transport     *transport.DigestTransport
	session       *digest.Session

	queue   *serializer.Serializer
	metrics *metrics.Metrics
	logger  *zerolog.Logger
}

// New creates a client for the endpoint at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	o := &options{
		logger:  &log.Logger,
		rpcPath: DefaultRPCPath,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = &log.Logger
	}

	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("base url has no host")
	}

	c := &Client{
		baseURL: u,
		rpcURL:  u.String() + "/" + strings.TrimLeft(o.rpcPath, "/"),
		logger:  o.logger,
	}

	if o.httpClient != nil {
		hc := *o.httpClient
		c.httpClient = &hc
		if t, ok := hc.Transport.(*http.Transport); ok {
			c.httpTransport = t
		}
	} else {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: o.insecureSkip} // #nosec G402
		c.httpTransport = t
		c.ownTransport = true
		c.httpClient = &http.Client{Transport: t, Timeout: o.timeout}
	}

	if o.credentials != nil {
		c.session, err = digest.NewSession(*o.credentials, o.nonceOpts...)
		if err != nil {
			return nil, err
		}
	}

	if o.registry != nil {
		c.metrics = metrics.New(o.registry)
	}
	c.transport = transport.NewDigestTransport(c.httpClient,
		transport.WithLogger(c.logger),
		transport.WithMetrics(c.metrics),
	)
	c.queue = serializer.New(
		serializer.WithRateLimit(o.rateLimit, o.rateBurst),
		serializer.WithDepthGauge(c.metrics.Depth()),
		serializer.WithLogger(c.logger),
	)
	return c, nil
}

// Call invokes a JSON-RPC method. params may be nil, a map, a struct or a
// slice. The returned value is the response's result, or the whole body for
// endpoints that do not wrap their payload.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(newRequest(method, params))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return c.post(ctx, method, c.rpcURL, body)
}

// CallPath POSTs params as JSON to <base>/<command>, for endpoints outside the
// JSON-RPC interface. A nil params, typed or not, sends no body.
func (c *Client) CallPath(ctx context.Context, command string, params any) (json.RawMessage, error) {
	var body []byte
	if !isNil(params) {
		var err error
		body, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}
	target := c.baseURL.String() + "/" + strings.TrimLeft(command, "/")
	return c.post(ctx, command, target, body)
}

// CallInto calls method and decodes the result into T.
func CallInto[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var out T
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, name, target string, body []byte) (json.RawMessage, error) {
	start := time.Now()
	result, err := serializer.Submit(ctx, c.queue, func(ctx context.Context) (json.RawMessage, error) {
		return c.exchange(ctx, target, body)
	})
	c.metrics.RecordCall(name, outcome(err), time.Since(start))
	if err != nil {
		c.logger.Debug().Err(err).Str("method", name).Msg("call failed")
	}
	return result, err
}

// exchange runs on the serializer's worker.
func (c *Client) exchange(ctx context.Context, target string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.transport.Exchange(req, c.session)
	if err != nil {
		return nil, err
	}
	defer util.DrainAndClose(resp.Body)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: req.URL.Redacted(), Err: err}
	}
	return classify(resp.StatusCode, data)
}

// ResetNonces restarts the Digest nonce count at 00000001 with a fresh client
// nonce. It waits for every call queued before it.
func (c *Client) ResetNonces(ctx context.Context) error {
	_, err := serializer.Submit(ctx, c.queue, func(context.Context) (struct{}, error) {
		if c.session != nil {
			c.session.Reset()
		}
		return struct{}{}, nil
	})
	return err
}

// SetTLSVerification turns server certificate verification on or off for
// calls queued after it. The change is made on a copy of the current
// transport, which then replaces it; a transport passed in with WithHTTPClient
// is left untouched.
func (c *Client) SetTLSVerification(ctx context.Context, enabled bool) error {
	if c.httpTransport == nil {
		return errors.New("tls verification can only be changed on an *http.Transport")
	}
	_, err := serializer.Submit(ctx, c.queue, func(context.Context) (struct{}, error) {
		t := c.httpTransport.Clone()
		cfg := &tls.Config{}
		if t.TLSClientConfig != nil {
			cfg = t.TLSClientConfig.Clone()
		}
		cfg.InsecureSkipVerify = !enabled // #nosec G402
		t.TLSClientConfig = cfg

		old, owned := c.httpTransport, c.ownTransport
		c.httpClient.Transport = t
		c.httpTransport = t
		c.ownTransport = true
		if owned {
			old.CloseIdleConnections()
		}
		c.logger.Info().Bool("enabled", enabled).Msg("tls verification changed")
		return struct{}{}, nil
	})
	return err
}

// Close waits for queued calls to finish and stops the worker. Calls made
// after Close fail with ErrClosed.
func (c *Client) Close() {
	c.queue.Close()
	if c.httpTransport != nil && c.ownTransport {
		c.httpTransport.CloseIdleConnections()
	}
}

func outcome(err error) string {
	var (
		httpErr      *HTTPError
		rpcErr       *RPCError
		transportErr *TransportError
		challengeErr *AuthChallengeError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &httpErr):
		return "http_error"
	case errors.As(err, &rpcErr):
		return "rpc_error"
	case errors.As(err, &transportErr):
		return "transport_error"
	case errors.As(err, &challengeErr):
		return "challenge_error"
	default:
		return "error"
	}
}
