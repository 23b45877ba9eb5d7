package auth

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/icholy/digest"

	"rcs-ims-core/pkg/errors"
)

// DigestContext holds the credentials and the last challenge of one
// authentication realm. The nonce count increases on every use of the same
// nonce and restarts when a new nonce is received.
type DigestContext struct {
	mu sync.Mutex

	username string
	password string

	challenge *digest.Challenge
	nc        int

	// cnonce overrides the generated client nonce when set
	cnonce func() string
}

// NewDigestContext creates a context for the given credentials
func NewDigestContext(username, password string) *DigestContext {
	return &DigestContext{
		username: username,
		password: password,
	}
}

// UpdateChallenge parses a WWW-Authenticate or Proxy-Authenticate value
func (c *DigestContext) UpdateChallenge(header string) error {
	header = strings.TrimSpace(header)
	if !digest.IsDigest(header) {
		return errors.Wrap(errors.ErrAuthentication, "unsupported authentication scheme", map[string]interface{}{
			"challenge": header,
		})
	}

	chal, err := digest.ParseChallenge(header)
	if err != nil {
		return errors.Wrap(errors.ErrAuthentication, err.Error())
	}
	for i, qop := range chal.QOP {
		chal.QOP[i] = strings.TrimSpace(qop)
	}
	if !digest.CanDigest(chal) {
		return errors.Wrap(errors.ErrAuthentication, "unsupported digest algorithm or qop", map[string]interface{}{
			"algorithm": chal.Algorithm,
			"qop":       strings.Join(chal.QOP, ","),
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.challenge == nil || c.challenge.Nonce != chal.Nonce {
		c.nc = 0
	}
	c.challenge = chal
	return nil
}

// HasChallenge reports whether a challenge has been received
func (c *DigestContext) HasChallenge() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challenge != nil
}

// Realm returns the realm of the last challenge
func (c *DigestContext) Realm() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.challenge == nil {
		return ""
	}
	return c.challenge.Realm
}

// NonceCount returns the last nonce count used
func (c *DigestContext) NonceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// Authorize computes the credentials of a request. body is only hashed when
// the challenge requires qop=auth-int.
func (c *DigestContext) Authorize(method, uri string, body []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.challenge == nil {
		return "", errors.Wrap(errors.ErrAuthentication, "no challenge received")
	}
	c.nc++

	opts := digest.Options{
		Method:   method,
		URI:      uri,
		Count:    c.nc,
		Username: c.username,
		Password: c.password,
		GetBody: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		},
	}
	if c.cnonce != nil {
		opts.Cnonce = c.cnonce()
	}

	cred, err := digest.Digest(c.challenge, opts)
	if err != nil {
		return "", errors.Wrap(errors.ErrAuthentication, err.Error())
	}
	return cred.String(), nil
}
