// Package digesttest provides an httptest server guarded by Digest
// authentication, for exercising clients end to end.
package digesttest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/eagraf/digestrpc/pkg/digest"
	"github.com/google/uuid"
)

const (
	DefaultRealm    = "rpc@digesttest"
	DefaultUsername = "Mufasa"
	DefaultPassword = "Circle of Life"
)

// Server checks every request's Digest credential, including nonce count
// replay, before passing it to the wrapped handler. Rejections carry a fresh
// challenge.
type Server struct {
	*httptest.Server

	Realm    string
	Username string
	Password string

	mu      sync.Mutex
	handler http.Handler
	nonce   string
	opaque  string
	lastNC  uint32

	challengeOnSuccess bool
	rejectAll          bool

	requests    int
	rejections  int
	nonceCounts []string
	authorized  []string
}

func NewServer(handler http.Handler) *Server {
	s := &Server{
		Realm:    DefaultRealm,
		Username: DefaultUsername,
		Password: DefaultPassword,
		handler:  handler,
		nonce:    newNonce(),
		opaque:   newNonce(),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func newNonce() string {
	return uuid.NewString()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	ok := !s.rejectAll && s.verify(r)
	if !ok {
		s.rejections++
		w.Header().Set("WWW-Authenticate", s.challenge())
		s.mu.Unlock()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.challengeOnSuccess {
		w.Header().Set("WWW-Authenticate", s.challenge())
	}
	handler := s.handler
	s.mu.Unlock()

	handler.ServeHTTP(w, r)
}

// verify must be called with mu held.
func (s *Server) verify(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if header == "" {
		return false
	}
	cred, err := digest.ParseCredential(header)
	if err != nil {
		return false
	}
	s.nonceCounts = append(s.nonceCounts, cred.NC)

	if cred.Username != s.Username || cred.Realm != s.Realm || cred.Nonce != s.nonce {
		return false
	}
	if cred.URI != r.URL.RequestURI() || cred.Qop != "auth" {
		return false
	}
	nc, err := digest.ParseNonceCount(cred.NC)
	if err != nil || nc <= s.lastNC {
		return false
	}
	expected, err := digest.ComputeResponse(r.Method, cred.URI, &digest.Challenge{
		Realm:     s.Realm,
		Nonce:     s.nonce,
		Qop:       cred.Qop,
		Algorithm: cred.Algorithm,
	}, s.Username, s.Password, cred.NC, cred.Cnonce)
	if err != nil || expected != cred.Response {
		return false
	}
	s.lastNC = nc
	s.authorized = append(s.authorized, cred.NC)
	return true
}

func (s *Server) challenge() string {
	return fmt.Sprintf(`Digest realm="%s", nonce="%s", qop="auth", algorithm=MD5, opaque="%s"`, s.Realm, s.nonce, s.opaque)
}

// RotateNonce invalidates the current server nonce, so the client's next
// preemptive credential is rejected.
func (s *Server) RotateNonce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce = newNonce()
	s.lastNC = 0
}

func (s *Server) SetRejectAll(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = reject
}

// SetChallengeOnSuccess adds the current challenge to accepted responses.
func (s *Server) SetChallengeOnSuccess(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challengeOnSuccess = enabled
}

// Requests returns the number of HTTP requests received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) Rejections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejections
}

// NonceCounts returns the nc of every request that carried a credential, in
// arrival order.
func (s *Server) NonceCounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.nonceCounts...)
}

// Authorized returns the nc of every accepted request.
func (s *Server) Authorized() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authorized...)
}
