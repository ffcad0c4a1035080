package cloudsig

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

const (
	headerXMsDate    = "X-Ms-Date"
	headerXMsVersion = "X-Ms-Version"

	xMsHeaderPrefix = "x-ms-"

	defaultAzureVersion = "2009-09-19"
)

type SharedKeyLiteOptions struct {
	// Account is the storage account name. Credentials.Identity is used
	// when empty.
	Account string
	// Version is sent in x-ms-version unless the request sets it.
	Version string
}

// SharedKeyLite implements the Shared Key Lite authorization of Azure
// Storage blob and queue services.
type SharedKeyLite struct {
	opts SharedKeyLiteOptions
}

func NewSharedKeyLite(opts SharedKeyLiteOptions) *SharedKeyLite {
	if opts.Version == "" {
		opts.Version = defaultAzureVersion
	}
	return &SharedKeyLite{opts: opts}
}

func (s *SharedKeyLite) Name() string {
	return "sharedkeylite"
}

func (s *SharedKeyLite) account(creds Credentials) string {
	if s.opts.Account != "" {
		return s.opts.Account
	}
	return creds.Identity
}

func (s *SharedKeyLite) Prepare(r *http.Request, _ *Payload, creds Credentials, t time.Time) error {
	if _, err := base64.StdEncoding.DecodeString(creds.Secret); err != nil {
		return nestError(ErrInvalidSecret, "secret is not base64: %w", err)
	}

	r.Header.Del(headerAuthorization)
	r.Header.Set(headerXMsDate, RFC1123.Format(t))
	if r.Header.Get(headerXMsVersion) == "" {
		r.Header.Set(headerXMsVersion, s.opts.Version)
	}
	// StringToSign reads the account back from here. Attach fills in the
	// signature.
	r.Header.Set(headerAuthorization, "SharedKeyLite "+s.account(creds)+":")

	return nil
}

func (s *SharedKeyLite) StringToSign(r *http.Request, _ *Payload) (string, error) {
	account, ok := s.accountFromHeader(r)
	if !ok {
		return "", nestError(ErrSigning, "request was not prepared for %s", s.Name())
	}
	query, err := parseQuery(r.URL)
	if err != nil {
		return "", err
	}

	b := new(strings.Builder)

	b.WriteString(r.Method)
	b.WriteByte(lf)
	b.WriteString(r.Header.Get(headerContentMD5))
	b.WriteByte(lf)
	b.WriteString(r.Header.Get(headerContentType))
	b.WriteByte(lf)
	b.WriteString(r.Header.Get(headerDate))
	b.WriteByte(lf)

	writeCanonicalPrefixedHeaders(b, r.Header, xMsHeaderPrefix)

	b.WriteByte('/')
	b.WriteString(account)
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)
	if comp, ok := query["comp"]; ok {
		b.WriteString("?comp=")
		b.WriteString(strings.Join(comp, ","))
	}

	return b.String(), nil
}

func (s *SharedKeyLite) accountFromHeader(r *http.Request) (string, bool) {
	v, ok := strings.CutPrefix(r.Header.Get(headerAuthorization), "SharedKeyLite ")
	if !ok {
		return "", false
	}
	account, _, ok := strings.Cut(v, ":")
	return account, ok && account != ""
}

func (s *SharedKeyLite) Signature(creds Credentials, _ *http.Request, stringToSign string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(creds.Secret)
	if err != nil {
		return "", nestError(ErrInvalidSecret, "secret is not base64: %w", err)
	}
	return hmacSHA256Base64(key, stringToSign), nil
}

func (s *SharedKeyLite) Attach(r *http.Request, creds Credentials, signature string) {
	r.Header.Set(headerAuthorization, "SharedKeyLite "+s.account(creds)+":"+signature)
}
