package digest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
)

const (
	initialNonceCount = 1
	maxNonceCount     = 0xffffffff
)

// NonceClock holds the nonce count (nc) and client nonce (cnonce) sent with
// every Digest credential. It does no locking; callers must guarantee a single
// writer.
type NonceClock struct {
	nc     uint32
	cnonce string
}

type NonceOption func(*NonceClock)

// WithNonceCount sets the starting count. Zero is not a valid nonce count and
// is treated as 1.
func WithNonceCount(nc uint32) NonceOption {
	return func(c *NonceClock) {
		if nc == 0 {
			nc = initialNonceCount
		}
		c.nc = nc
	}
}

func WithCnonce(cnonce string) NonceOption {
	return func(c *NonceClock) {
		if cnonce != "" {
			c.cnonce = cnonce
		}
	}
}

func NewNonceClock(opts ...NonceOption) *NonceClock {
	c := &NonceClock{nc: initialNonceCount}
	for _, opt := range opts {
		opt(c)
	}
	if c.cnonce == "" {
		c.cnonce = generateCnonce()
	}
	return c
}

// Current returns the nonce count formatted as 8 lowercase hex digits, and the
// client nonce.
func (c *NonceClock) Current() (string, string) {
	return formatNonceCount(c.nc), c.cnonce
}

// Advance moves the count forward by one, wrapping from ffffffff back to
// 00000001, and returns the new value.
func (c *NonceClock) Advance() string {
	if c.nc == maxNonceCount {
		c.nc = initialNonceCount
	} else {
		c.nc++
	}
	return formatNonceCount(c.nc)
}

// Reset restarts the count at 00000001 with a freshly generated cnonce.
func (c *NonceClock) Reset() {
	c.nc = initialNonceCount
	c.cnonce = generateCnonce()
}

// ParseNonceCount parses an 8 hex digit nonce count such as "0000000a".
func ParseNonceCount(nc string) (uint32, error) {
	if len(nc) != 8 {
		return 0, fmt.Errorf("nonce count %q must be 8 hex digits", nc)
	}
	n, err := strconv.ParseUint(nc, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse nonce count %q: %w", nc, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("nonce count must not be 00000000")
	}
	return uint32(n), nil
}

func formatNonceCount(nc uint32) string {
	return fmt.Sprintf("%08x", nc)
}

func generateCnonce() string {
	b := make([]byte, 16)
	// crypto/rand.Read never returns an error.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
