package digest

import (
	"errors"
	"fmt"
)

var (
	ErrMissingChallenge     = errors.New("missing Digest challenge")
	ErrUnsupportedAlgorithm = errors.New("unsupported Digest algorithm")
	ErrUnsupportedQop       = errors.New("unsupported Digest qop")
)

// AuthChallengeError reports a WWW-Authenticate header that was required but
// was missing, malformed, or asked for something this client cannot answer.
type AuthChallengeError struct {
	Header string
	Err    error
}

func (e *AuthChallengeError) Error() string {
	if e.Header == "" {
		return fmt.Sprintf("digest challenge: %v", e.Err)
	}
	return fmt.Sprintf("digest challenge %q: %v", e.Header, e.Err)
}

func (e *AuthChallengeError) Unwrap() error {
	return e.Err
}

func challengeError(header string, err error) error {
	return &AuthChallengeError{Header: header, Err: err}
}
