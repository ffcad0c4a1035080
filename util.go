package cloudsig

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"net/url"
	"strings"
	"time"
)

var (
	ErrSigning               = errors.New("request could not be signed")
	ErrUnreplayableBody      = errors.New("request body cannot be replayed")
	ErrInvalidSecret         = errors.New("invalid secret key")
	ErrMissingCredentials    = errors.New("missing credentials")
	ErrUnsupportedPlacement  = errors.New("unsupported signature placement")
	ErrTransient             = errors.New("transient failure")
	ErrSignatureDoesNotMatch = errors.New("signature does not match")
	ErrExhausted             = errors.New("retry budget exhausted")
	ErrTooManyRedirects      = errors.New("redirect budget exhausted")
	ErrCanceled              = errors.New("operation canceled")
	ErrNoResponse            = errors.New("transport returned no response")
)

type nestedError struct {
	outer error
	inner error
}

func (e nestedError) Error() string {
	return e.outer.Error() + ": " + e.inner.Error()
}

func (e nestedError) Is(target error) bool {
	return errors.Is(e.outer, target)
}

func (e nestedError) Unwrap() error {
	return e.inner
}

// nestError returns an error that matches outer with errors.Is and
// unwraps to the formatted inner error.
func nestError(outer error, format string, a ...any) error {
	return nestedError{
		outer: outer,
		inner: fmt.Errorf(format, a...),
	}
}

// uriEncode percent-encodes everything except the RFC 3986 unreserved
// characters. Slashes are kept when keepSlash is set.
func uriEncode(s string, keepSlash bool) string {
	const upperhex = "0123456789ABCDEF"

	b := new(strings.Builder)
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
			b.WriteByte(c)
		case c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && keepSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		}
	}
	return b.String()
}

// hashBuilder feeds everything written to it into a hash. Sum does not
// reset the state, so more data can be appended afterwards.
type hashBuilder struct {
	h hash.Hash
}

func newHashBuilder(h func() hash.Hash) *hashBuilder {
	return &hashBuilder{h: h()}
}

func (b *hashBuilder) Write(p []byte) (int, error) {
	return b.h.Write(p)
}

func (b *hashBuilder) WriteByte(c byte) error {
	_, err := b.h.Write([]byte{c})
	return err
}

func (b *hashBuilder) WriteString(s string) (int, error) {
	return io.WriteString(b.h, s)
}

func (b *hashBuilder) Sum() []byte {
	return b.h.Sum(nil)
}

// clockOffset returns how far the server clock is ahead of now.
func clockOffset(now func() time.Time, server time.Time) time.Duration {
	return server.Sub(now())
}

// parseQuery parses the raw query of u. Unlike url.URL.Query it fails on
// pairs it cannot decode instead of dropping them.
func parseQuery(u *url.URL) (url.Values, error) {
	return parseParams(u.RawQuery)
}

func parseParams(raw string) (url.Values, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, nestError(ErrSigning, "malformed query: %w", err)
	}
	return values, nil
}

// collapseSpaces trims s and replaces runs of spaces with a single one.
func collapseSpaces(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "  ") {
		return s
	}
	return strings.Join(strings.Fields(s), " ")
}
