package digest

import "errors"

// Credentials are the username and password used for every exchange of a
// client. They never change after construction.
type Credentials struct {
	Username string
	Password string
}

// Session is the Digest authentication state of one client: credentials, the
// nonce clock and the last challenge the server sent. A Session must only be
// used by one goroutine at a time.
type Session struct {
	creds     Credentials
	clock     *NonceClock
	challenge *Challenge
}

func NewSession(creds Credentials, opts ...NonceOption) (*Session, error) {
	if creds.Username == "" {
		return nil, errors.New("digest session requires a username")
	}
	return &Session{
		creds: creds,
		clock: NewNonceClock(opts...),
	}, nil
}

// Authorize renders an Authorization header for the request from the last
// known challenge, even if the server may since have rotated its nonce. ok is
// false when no challenge has been seen yet.
func (s *Session) Authorize(method, uri string) (header string, ok bool, err error) {
	if s.challenge == nil {
		return "", false, nil
	}
	nc, cnonce := s.clock.Current()
	response, err := ComputeResponse(method, uri, s.challenge, s.creds.Username, s.creds.Password, nc, cnonce)
	if err != nil {
		return "", false, err
	}
	cred := Credential{
		Username:  s.creds.Username,
		Realm:     s.challenge.Realm,
		Nonce:     s.challenge.Nonce,
		URI:       uri,
		Cnonce:    cnonce,
		NC:        nc,
		Algorithm: s.challenge.Algorithm,
		Response:  response,
		Qop:       s.challenge.Qop,
		Opaque:    s.challenge.Opaque,
	}
	return cred.Render(), true, nil
}

// Observe parses a WWW-Authenticate header and makes it the current
// challenge. On error the previous challenge is kept.
func (s *Session) Observe(header string) error {
	c, err := ParseChallenge(header)
	if err != nil {
		return err
	}
	s.challenge = c
	return nil
}

func (s *Session) Challenge() *Challenge {
	return s.challenge
}

func (s *Session) NonceCount() (nc string, cnonce string) {
	return s.clock.Current()
}

func (s *Session) Advance() string {
	return s.clock.Advance()
}

// Reset restarts the nonce count and draws a new cnonce. The last challenge is
// kept so the next request can still authenticate preemptively.
func (s *Session) Reset() {
	s.clock.Reset()
}
