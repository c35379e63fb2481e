package digest

import (
	"errors"
	"fmt"
	"strings"
)

const (
	scheme           = "Digest"
	defaultAlgorithm = "MD5"
	qopAuth          = "auth"
)

// Challenge is the parsed content of a `WWW-Authenticate: Digest ...` header.
type Challenge struct {
	Realm     string
	Nonce     string
	Qop       string
	Opaque    string
	Algorithm string
	Stale     bool
}

// ParseChallenge parses a WWW-Authenticate header value. Parameter values may
// be quoted strings or bare tokens; unknown parameters are ignored.
func ParseChallenge(header string) (*Challenge, error) {
	if strings.TrimSpace(header) == "" {
		return nil, challengeError("", ErrMissingChallenge)
	}
	start := schemeIndex(header)
	if start < 0 {
		return nil, challengeError(header, errors.New("not a Digest challenge"))
	}

	params, err := parseParams(header[start+len(scheme):])
	if err != nil {
		return nil, challengeError(header, err)
	}

	c := &Challenge{
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		Opaque:    params["opaque"],
		Algorithm: params["algorithm"],
		Stale:     strings.EqualFold(params["stale"], "true"),
	}
	if _, ok := params["realm"]; !ok {
		return nil, challengeError(header, errors.New("missing realm"))
	}
	if c.Nonce == "" {
		return nil, challengeError(header, errors.New("missing nonce"))
	}
	if c.Algorithm == "" {
		c.Algorithm = defaultAlgorithm
	}
	if _, _, err := lookupAlgorithm(c.Algorithm); err != nil {
		return nil, challengeError(header, err)
	}
	c.Qop, err = selectQop(params["qop"])
	if err != nil {
		return nil, challengeError(header, err)
	}
	return c, nil
}

// schemeIndex finds the Digest scheme token, which may follow other
// challenges in the same header.
func schemeIndex(header string) int {
	lower := strings.ToLower(header)
	needle := strings.ToLower(scheme)
	for offset := 0; ; {
		i := strings.Index(lower[offset:], needle)
		if i < 0 {
			return -1
		}
		i += offset
		end := i + len(needle)
		before := i == 0 || lower[i-1] == ' ' || lower[i-1] == ','
		after := end == len(lower) || lower[end] == ' ' || lower[end] == '\t'
		if before && after {
			return i
		}
		offset = end
	}
}

func parseParams(s string) (map[string]string, error) {
	params := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == ',') {
			i++
		}
		if i == len(s) {
			break
		}

		keyStart := i
		for i < len(s) && s[i] != '=' && s[i] != ',' {
			i++
		}
		key := strings.ToLower(strings.TrimSpace(s[keyStart:i]))
		if strings.ContainsAny(key, " \t") {
			// Start of another challenge.
			break
		}
		if i == len(s) || s[i] == ',' {
			continue
		}
		i++ // '='
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}

		var value string
		if i < len(s) && s[i] == '"' {
			var b strings.Builder
			i++
			closed := false
			for i < len(s) {
				ch := s[i]
				if ch == '\\' && i+1 < len(s) {
					b.WriteByte(s[i+1])
					i += 2
					continue
				}
				if ch == '"' {
					closed = true
					i++
					break
				}
				b.WriteByte(ch)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted value for %q", key)
			}
			value = b.String()
		} else {
			valueStart := i
			for i < len(s) && s[i] != ',' {
				i++
			}
			value = strings.TrimSpace(s[valueStart:i])
		}
		if key != "" {
			params[key] = value
		}
	}
	return params, nil
}

// selectQop picks "auth" out of the server's qop options. An absent qop means
// the legacy RFC 2069 exchange.
func selectQop(offered string) (string, error) {
	if strings.TrimSpace(offered) == "" {
		return "", nil
	}
	for _, opt := range strings.Split(offered, ",") {
		if strings.EqualFold(strings.TrimSpace(opt), qopAuth) {
			return qopAuth, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedQop, offered)
}

// Credential holds the fields of an `Authorization: Digest ...` header.
type Credential struct {
	Username  string
	Realm     string
	Nonce     string
	URI       string
	Cnonce    string
	NC        string
	Algorithm string
	Response  string
	Qop       string
	Opaque    string
}

// ParseCredential parses an `Authorization: Digest ...` header value, the
// inverse of Render.
func ParseCredential(header string) (*Credential, error) {
	start := schemeIndex(header)
	if start < 0 {
		return nil, errors.New("not a Digest credential")
	}
	params, err := parseParams(header[start+len(scheme):])
	if err != nil {
		return nil, err
	}
	c := &Credential{
		Username:  params["username"],
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		URI:       params["uri"],
		Cnonce:    params["cnonce"],
		NC:        params["nc"],
		Algorithm: params["algorithm"],
		Response:  params["response"],
		Qop:       params["qop"],
		Opaque:    params["opaque"],
	}
	if c.Username == "" || c.Nonce == "" || c.Response == "" {
		return nil, errors.New("digest credential is missing username, nonce or response")
	}
	return c, nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Render produces the Authorization header value. nc, algorithm and qop are
// bare tokens, everything else is a quoted string.
func (c Credential) Render() string {
	parts := []string{
		quoted("username", c.Username),
		quoted("realm", c.Realm),
		quoted("nonce", c.Nonce),
		quoted("uri", c.URI),
	}
	if c.Qop != "" {
		parts = append(parts, quoted("cnonce", c.Cnonce), token("nc", c.NC))
	}
	if c.Algorithm != "" {
		parts = append(parts, token("algorithm", c.Algorithm))
	}
	parts = append(parts, quoted("response", c.Response))
	if c.Qop != "" {
		parts = append(parts, token("qop", c.Qop))
	}
	if c.Opaque != "" {
		parts = append(parts, quoted("opaque", c.Opaque))
	}
	return scheme + " " + strings.Join(parts, ", ")
}

func quoted(key, value string) string {
	return key + `="` + quoteEscaper.Replace(value) + `"`
}

func token(key, value string) string {
	return key + "=" + value
}
