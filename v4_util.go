package cloudsig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	signatureV4DecodedLength = 32
	signatureV4EncodedLength = 64

	emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

var ErrSignatureMalformed = errors.New("signature malformed")

type signingAlgorithm int

const (
	algorithmHMACSHA256 signingAlgorithm = iota
)

func (a signingAlgorithm) String() string {
	switch a {
	case algorithmHMACSHA256:
		return "HMAC-SHA256"
	default:
		return ""
	}
}

type signingAlgorithmSuffix int

const (
	algorithmSuffixNone signingAlgorithmSuffix = iota
	algorithmSuffixPayload
	algorithmSuffixTrailer
)

func (s signingAlgorithmSuffix) String() string {
	switch s {
	case algorithmSuffixPayload:
		return "-PAYLOAD"
	case algorithmSuffixTrailer:
		return "-TRAILER"
	default:
		return ""
	}
}

type signatureV4 []byte

func newSignatureV4FromEncoded(b []byte) (signatureV4, error) {
	if len(b) != signatureV4EncodedLength {
		return nil, ErrSignatureMalformed
	}

	s := make(signatureV4, signatureV4DecodedLength)

	n, err := hex.Decode(s, b)
	if err != nil {
		return nil, ErrSignatureMalformed
	}

	if n != signatureV4DecodedLength {
		return nil, ErrSignatureMalformed
	}

	return s, nil
}

func (s signatureV4) String() string {
	return hex.EncodeToString(s)
}

func sha256Hash(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	return h.Sum(nil)
}

func hmacSHA256(key []byte, s string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(s))
	return h.Sum(nil)
}

func signingKeyHMACSHA256(key, date, region, service string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+key), date)
	dateRegionKey := hmacSHA256(dateKey, region)
	dateRegionServiceKey := hmacSHA256(dateRegionKey, service)
	return hmacSHA256(dateRegionServiceKey, "aws4_request")
}

type scope struct {
	date    string
	region  string
	service string
}

func newScope(t time.Time, region, service string) scope {
	return scope{
		date:    t.UTC().Format(shortDateFormat),
		region:  region,
		service: service,
	}
}

func (s scope) String() string {
	return s.date + "/" + s.region + "/" + s.service + "/aws4_request"
}

type signatureData struct {
	algorithm       signingAlgorithm
	algorithmSuffix signingAlgorithmSuffix
	dateTime        string
	scope           scope
	previous        signatureV4
	digest          []byte
}

func (data signatureData) stringToSign() string {
	b := new(strings.Builder)

	b.WriteString("AWS4-")
	b.WriteString(data.algorithm.String())
	b.WriteString(data.algorithmSuffix.String())
	b.WriteByte(lf)
	b.WriteString(data.dateTime)
	b.WriteByte(lf)
	b.WriteString(data.scope.String())
	b.WriteByte(lf)

	if data.algorithmSuffix != algorithmSuffixNone {
		b.WriteString(data.previous.String())
		b.WriteByte(lf)
	}
	if data.algorithmSuffix == algorithmSuffixPayload {
		b.WriteString(emptySHA256)
		b.WriteByte(lf)
	}

	b.WriteString(hex.EncodeToString(data.digest))

	return b.String()
}

func signV4(stringToSign string, s scope, secretAccessKey string) signatureV4 {
	key := signingKeyHMACSHA256(secretAccessKey, s.date, s.region, s.service)
	return hmacSHA256(key, stringToSign)
}

func calculateSignature(data signatureData, secretAccessKey string) signatureV4 {
	return signV4(data.stringToSign(), data.scope, secretAccessKey)
}

// ChunkSigner produces the chained signatures of an aws-chunked
// (STREAMING-AWS4-HMAC-SHA256-PAYLOAD) upload. Each chunk signature covers
// the previous one, starting from the seed signature of the request.
type ChunkSigner struct {
	secret   string
	dateTime string
	scope    scope
	previous signatureV4
}

// NewChunkSigner starts a chain from the hex seed signature of a request
// signed at t.
func NewChunkSigner(creds Credentials, region, service string, t time.Time, seed string) (*ChunkSigner, error) {
	previous, err := newSignatureV4FromEncoded([]byte(seed))
	if err != nil {
		return nil, nestError(ErrSigning, "invalid seed signature: %w", err)
	}
	return &ChunkSigner{
		secret:   creds.Secret,
		dateTime: ISO8601Basic.Format(t),
		scope:    newScope(t, region, service),
		previous: previous,
	}, nil
}

func (c *ChunkSigner) next(suffix signingAlgorithmSuffix, data []byte) string {
	signature := calculateSignature(signatureData{
		algorithm:       algorithmHMACSHA256,
		algorithmSuffix: suffix,
		dateTime:        c.dateTime,
		scope:           c.scope,
		previous:        c.previous,
		digest:          sha256Hash(data),
	}, c.secret)
	c.previous = signature
	return signature.String()
}

// Next returns the signature of the next chunk. The final, empty chunk
// is signed with Next(nil).
func (c *ChunkSigner) Next(chunk []byte) string {
	return c.next(algorithmSuffixPayload, chunk)
}

// Trailer returns the signature of the trailing headers, which must be
// given exactly as sent, each line terminated by "\n".
func (c *ChunkSigner) Trailer(trailer []byte) string {
	return c.next(algorithmSuffixTrailer, trailer)
}
