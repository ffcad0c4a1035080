package cloudsig

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Placement selects where a scheme puts the signature.
type Placement int

const (
	// PlaceHeader puts the signature in the Authorization header.
	PlaceHeader Placement = iota
	// PlaceQuery puts the signature in query (or form) parameters, as
	// used by presigned URLs and query APIs.
	PlaceQuery
)

func (p Placement) String() string {
	switch p {
	case PlaceHeader:
		return "header"
	case PlaceQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Scheme is one provider's signing protocol. Implementations must be
// safe for concurrent use and must derive StringToSign only from the
// request they are given.
type Scheme interface {
	Name() string
	// Prepare stamps the signing time and any other fields that take
	// part in the signature.
	Prepare(r *http.Request, p *Payload, creds Credentials, t time.Time) error
	StringToSign(r *http.Request, p *Payload) (string, error)
	Signature(creds Credentials, r *http.Request, stringToSign string) (string, error)
	Attach(r *http.Request, creds Credentials, signature string)
}

// checksummer is implemented by schemes that need extra payload digests.
type checksummer interface {
	checksum() ChecksumAlgorithm
}

type SigningResult struct {
	StringToSign string
	Signature    string
}

type Signer struct {
	scheme   Scheme
	provider CredentialsProvider
	log      *zap.Logger

	now func() time.Time
}

type SignerOption func(*Signer)

func WithSignerLogger(log *zap.Logger) SignerOption {
	return func(s *Signer) {
		if log != nil {
			s.log = log
		}
	}
}

func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSigner(scheme Scheme, provider CredentialsProvider, opts ...SignerOption) *Signer {
	s := &Signer{
		scheme:   scheme,
		provider: provider,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Signer) Scheme() Scheme {
	return s.scheme
}

func (s *Signer) credentials(ctx context.Context) (Credentials, error) {
	creds, err := s.provider.Retrieve(ctx)
	if err != nil {
		return Credentials{}, nestError(ErrSigning, "retrieving credentials failed: %w", err)
	}
	if !creds.valid() {
		return Credentials{}, nestError(ErrSigning, "%w", ErrMissingCredentials)
	}
	return creds, nil
}

func (s *Signer) payload(r *http.Request) *Payload {
	if c, ok := s.scheme.(checksummer); ok {
		return newPayload(r, c.checksum())
	}
	return newPayload(r)
}

func signingError(err error) error {
	if errors.Is(err, ErrSigning) {
		return err
	}
	return nestError(ErrSigning, "%w", err)
}

// Sign returns a signed copy of r. The input request is not modified.
func (s *Signer) Sign(ctx context.Context, r *http.Request) (*http.Request, SigningResult, error) {
	return s.signAt(ctx, r, 0)
}

// signAt signs with the clock shifted by offset, which is how an
// operation compensates for a skewed local clock.
func (s *Signer) signAt(ctx context.Context, r *http.Request, offset time.Duration) (*http.Request, SigningResult, error) {
	creds, err := s.credentials(ctx)
	if err != nil {
		return nil, SigningResult{}, err
	}

	signed := r.Clone(ctx)
	if r.Body != nil && r.Body != http.NoBody {
		if r.GetBody == nil {
			return nil, SigningResult{}, nestError(ErrSigning, "%w", ErrUnreplayableBody)
		}
		body, err := r.GetBody()
		if err != nil {
			return nil, SigningResult{}, nestError(ErrSigning, "%w: %w", ErrUnreplayableBody, err)
		}
		signed.Body = body
	}

	p := s.payload(signed)

	if err = s.scheme.Prepare(signed, p, creds, s.now().Add(offset)); err != nil {
		return nil, SigningResult{}, signingError(err)
	}

	// Prepare may have replaced the body.
	p = s.payload(signed)

	stringToSign, err := s.scheme.StringToSign(signed, p)
	if err != nil {
		return nil, SigningResult{}, signingError(err)
	}

	signature, err := s.scheme.Signature(creds, signed, stringToSign)
	if err != nil {
		return nil, SigningResult{}, signingError(err)
	}

	s.scheme.Attach(signed, creds, signature)

	s.log.Debug("signed request",
		zap.String("scheme", s.scheme.Name()),
		zap.String("method", signed.Method),
		zap.String("host", requestHost(signed)),
		zap.String("path", signed.URL.EscapedPath()),
		zap.Object("credentials", creds),
		zap.String("string_to_sign", stringToSign),
	)

	return signed, SigningResult{StringToSign: stringToSign, Signature: signature}, nil
}

// CreateStringToSign returns the canonical string for a request that has
// already been prepared (or signed) by this signer's scheme.
func (s *Signer) CreateStringToSign(r *http.Request) (string, error) {
	stringToSign, err := s.scheme.StringToSign(r, s.payload(r))
	if err != nil {
		return "", signingError(err)
	}
	return stringToSign, nil
}

// SignString computes the signature of stringToSign. Some schemes derive
// the key from fields of r, such as the signing date.
func (s *Signer) SignString(ctx context.Context, r *http.Request, stringToSign string) (string, error) {
	creds, err := s.credentials(ctx)
	if err != nil {
		return "", err
	}
	signature, err := s.scheme.Signature(creds, r, stringToSign)
	if err != nil {
		return "", signingError(err)
	}
	return signature, nil
}

// Diagnose re-derives the string-to-sign and the signature from a request
// exactly as it was sent, so they can be compared with what the server
// expected.
func (s *Signer) Diagnose(ctx context.Context, signed *http.Request) (SigningResult, error) {
	stringToSign, err := s.CreateStringToSign(signed)
	if err != nil {
		return SigningResult{}, err
	}
	signature, err := s.SignString(ctx, signed, stringToSign)
	if err != nil {
		return SigningResult{}, err
	}
	return SigningResult{StringToSign: stringToSign, Signature: signature}, nil
}

func requestHost(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	return r.URL.Host
}
