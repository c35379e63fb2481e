package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"sync"
)

const sessSuffix = "-SESS"

var (
	algorithmsMu sync.RWMutex
	algorithms   = map[string]func() hash.Hash{
		"MD5":         md5.New,
		"SHA-256":     sha256.New,
		"SHA-512-256": sha512.New512_256,
	}
)

// RegisterAlgorithm makes a hash function available under an RFC 7616
// algorithm name. The "-sess" variant of the name is supported automatically.
func RegisterAlgorithm(name string, fn func() hash.Hash) {
	algorithmsMu.Lock()
	defer algorithmsMu.Unlock()
	algorithms[strings.ToUpper(name)] = fn
}

func lookupAlgorithm(name string) (func() hash.Hash, bool, error) {
	upper := strings.ToUpper(name)
	if upper == "" {
		upper = defaultAlgorithm
	}
	sess := strings.HasSuffix(upper, sessSuffix)
	upper = strings.TrimSuffix(upper, sessSuffix)

	algorithmsMu.RLock()
	fn, ok := algorithms[upper]
	algorithmsMu.RUnlock()
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return fn, sess, nil
}

// ComputeResponse computes the Digest "response" value (RFC 7616 §3.4.1):
//
//	HA1      = H(username ":" realm ":" password)
//	HA2      = H(method ":" uri)
//	response = H(HA1 ":" nonce ":" nc ":" cnonce ":" qop ":" HA2)
//
// When the challenge has no qop the RFC 2069 form H(HA1 ":" nonce ":" HA2)
// is used instead.
func ComputeResponse(method, uri string, challenge *Challenge, username, password, nc, cnonce string) (string, error) {
	if challenge == nil {
		return "", ErrMissingChallenge
	}
	newHash, sess, err := lookupAlgorithm(challenge.Algorithm)
	if err != nil {
		return "", err
	}
	h := func(parts ...string) string {
		hh := newHash()
		hh.Write([]byte(strings.Join(parts, ":")))
		return hex.EncodeToString(hh.Sum(nil))
	}

	ha1 := h(username, challenge.Realm, password)
	if sess {
		ha1 = h(ha1, challenge.Nonce, cnonce)
	}
	ha2 := h(method, uri)

	if challenge.Qop == "" {
		return h(ha1, challenge.Nonce, ha2), nil
	}
	return h(ha1, challenge.Nonce, nc, cnonce, challenge.Qop, ha2), nil
}
