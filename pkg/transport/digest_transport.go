package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/eagraf/digestrpc/internal/metrics"
	"github.com/eagraf/digestrpc/pkg/digest"
	"github.com/eagraf/digestrpc/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Doer sends a single HTTP request. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransportError is a connection-level failure: refused connection, timeout,
// TLS error. It is never retried.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DigestTransport attaches Digest credentials to outgoing requests and resends
// a request once when the server rejects it with a fresh challenge.
type DigestTransport struct {
	client  Doer
	logger  *zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*DigestTransport)

func WithLogger(logger *zerolog.Logger) Option {
	return func(t *DigestTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *DigestTransport) {
		t.metrics = m
	}
}

// NewDigestTransport wraps client, or http.DefaultClient when client is nil.
func NewDigestTransport(client Doer, opts ...Option) *DigestTransport {
	if client == nil {
		client = http.DefaultClient
	}
	t := &DigestTransport{
		client: client,
		logger: &log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// exchange is one logical request and its retry state. It is never shared
// between calls.
type exchange struct {
	req     *http.Request
	body    []byte
	retried bool
}

func newExchange(req *http.Request) (*exchange, error) {
	ex := &exchange{req: req}
	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		ex.body = body
	}
	return ex, nil
}

// request returns a copy of the original request with a fresh body reader.
func (ex *exchange) request() *http.Request {
	req := ex.req.Clone(ex.req.Context())
	if ex.body == nil {
		req.Body = nil
		req.GetBody = nil
		req.ContentLength = 0
		return req
	}
	body := ex.body
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return req
}

// Exchange sends req, authenticating it with session. A nil session sends the
// request unauthenticated and returns whatever the server answers.
//
// The session must not be used concurrently with Exchange.
func (t *DigestTransport) Exchange(req *http.Request, session *digest.Session) (*http.Response, error) {
	ex, err := newExchange(req)
	if err != nil {
		return nil, err
	}

	for {
		resp, err := t.send(ex, session)
		if err != nil {
			return nil, err
		}
		if session == nil {
			return resp, nil
		}

		header := challengeHeader(resp.Header)
		var observeErr error
		if header != "" {
			observeErr = session.Observe(header)
		}

		if resp.StatusCode != http.StatusUnauthorized || ex.retried {
			if observeErr != nil {
				t.metrics.RecordChallengeError()
				t.logger.Warn().Err(observeErr).Int("status", resp.StatusCode).Msg("ignoring malformed digest challenge")
			}
			return resp, nil
		}

		// Answering a rejection needs the challenge from this response.
		util.DrainAndClose(resp.Body, func(err error) {
			t.logger.Debug().Err(err).Msg("failed to drain rejected response")
		})
		if header == "" {
			observeErr = &digest.AuthChallengeError{Err: digest.ErrMissingChallenge}
		}
		if observeErr != nil {
			t.metrics.RecordChallengeError()
			return nil, observeErr
		}

		ex.retried = true
		t.metrics.RecordRetry()
		t.logger.Debug().
			Str("method", ex.req.Method).
			Str("uri", ex.req.URL.RequestURI()).
			Msg("resending request after digest challenge")
	}
}

func (t *DigestTransport) send(ex *exchange, session *digest.Session) (*http.Response, error) {
	req := ex.request()
	uri := req.URL.RequestURI()

	credentialed := false
	var nc string
	if session != nil {
		header, ok, err := session.Authorize(req.Method, uri)
		if err != nil {
			return nil, fmt.Errorf("failed to compute digest credential: %w", err)
		}
		if ok {
			req.Header.Set("Authorization", header)
			credentialed = true
			nc, _ = session.NonceCount()
		}
	}

	resp, err := t.client.Do(req)
	if credentialed {
		// The count was spent once the request left, whatever the outcome.
		session.Advance()
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	t.metrics.RecordRoundTrip(status, err)
	t.logger.Debug().
		Str("method", req.Method).
		Str("uri", uri).
		Bool("credentialed", credentialed).
		Str("nc", nc).
		Bool("retry", ex.retried).
		Int("status", status).
		Err(err).
		Msg("digest round trip")

	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: req.URL.Redacted(), Err: err}
	}
	return resp, nil
}

// challengeHeader picks the Digest challenge out of possibly several
// WWW-Authenticate headers.
func challengeHeader(h http.Header) string {
	values := h.Values("WWW-Authenticate")
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), "digest") {
			return v
		}
	}
	if len(values) > 0 {
		return values[0]
	}
	return ""
}
