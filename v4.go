package cloudsig

import (
	"crypto/sha256"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	v4SigningAlgorithm = "AWS4-HMAC-SHA256"

	headerXAmzContentSha256 = "X-Amz-Content-Sha256"

	queryXAmzAlgorithm     = "X-Amz-Algorithm"
	queryXAmzCredential    = "X-Amz-Credential"
	queryXAmzDate          = "X-Amz-Date"
	queryXAmzExpires       = "X-Amz-Expires"
	queryXAmzSecurityToken = "X-Amz-Security-Token"
	queryXAmzSignedHeaders = "X-Amz-SignedHeaders"
	queryXAmzSignature     = "X-Amz-Signature"

	unsignedPayload = "UNSIGNED-PAYLOAD"

	maxPresignExpires = 7 * 24 * time.Hour
)

// SignedHeaderRule decides whether a header takes part in a SigV4
// signature. It is called with lowercase header names.
type SignedHeaderRule interface {
	IsSigned(name string) bool
}

// AllowList signs only the listed headers and those with one of the
// listed prefixes (entries ending in "-").
type AllowList []string

func (l AllowList) IsSigned(name string) bool {
	for _, e := range l {
		if name == e || (strings.HasSuffix(e, "-") && strings.HasPrefix(name, e)) {
			return true
		}
	}
	return false
}

// DenyList signs every header that is not listed.
type DenyList []string

func (l DenyList) IsSigned(name string) bool {
	return !slices.Contains(l, name)
}

// DefaultSignedHeaders leaves out headers that proxies and HTTP clients
// are known to add or rewrite.
var DefaultSignedHeaders = DenyList{
	"authorization",
	"connection",
	"expect",
	"user-agent",
	"x-amzn-trace-id",
	"transfer-encoding",
}

type V4Options struct {
	Region  string
	Service string

	Placement Placement
	// Expires is the validity of query-signed (presigned) requests.
	Expires time.Duration

	SignedHeaders SignedHeaderRule

	// UnsignedPayload signs UNSIGNED-PAYLOAD instead of the body hash.
	UnsignedPayload bool
	// AddPayloadHashHeader sends the payload hash in X-Amz-Content-Sha256.
	// Amazon S3 requires it.
	AddPayloadHashHeader bool
	// DisableDoublePathEscape escapes the path once. Amazon S3 requires it.
	DisableDoublePathEscape bool

	Checksum ChecksumAlgorithm
}

// V4 implements AWS Signature Version 4 with HMAC-SHA256.
type V4 struct {
	opts V4Options
}

func NewV4(opts V4Options) *V4 {
	if opts.SignedHeaders == nil {
		opts.SignedHeaders = DefaultSignedHeaders
	}
	if opts.Expires <= 0 {
		opts.Expires = 15 * time.Minute
	}
	if opts.Expires > maxPresignExpires {
		opts.Expires = maxPresignExpires
	}
	return &V4{opts: opts}
}

// NewV4S3 returns the SigV4 variant used by Amazon S3.
func NewV4S3(region string) *V4 {
	return NewV4(V4Options{
		Region:                  region,
		Service:                 "s3",
		AddPayloadHashHeader:    true,
		DisableDoublePathEscape: true,
	})
}

func (v4 *V4) Name() string {
	return "aws4"
}

func (v4 *V4) checksum() ChecksumAlgorithm {
	return v4.opts.Checksum
}

func (v4 *V4) payloadHash(r *http.Request, p *Payload) (string, error) {
	if h := r.Header.Get(headerXAmzContentSha256); h != "" {
		return h, nil
	}
	if v4.opts.UnsignedPayload || (v4.opts.Placement == PlaceQuery && v4.opts.AddPayloadHashHeader) {
		return unsignedPayload, nil
	}
	return p.SHA256Hex()
}

func (v4 *V4) Prepare(r *http.Request, p *Payload, creds Credentials, t time.Time) error {
	if err := setChecksumHeaders(r, p, false, v4.opts.Checksum); err != nil {
		return err
	}

	dateTime := ISO8601Basic.Format(t)

	switch v4.opts.Placement {
	case PlaceHeader:
		r.Header.Del(headerAuthorization)
		r.Header.Set(headerXAmzDate, dateTime)
		if creds.SessionToken != "" {
			r.Header.Set(headerXAmzSecurityToken, creds.SessionToken)
		}
		if v4.opts.AddPayloadHashHeader {
			hash, err := v4.payloadHash(r, p)
			if err != nil {
				return err
			}
			r.Header.Set(headerXAmzContentSha256, hash)
		}
	case PlaceQuery:
		query, err := parseQuery(r.URL)
		if err != nil {
			return err
		}
		query.Del(queryXAmzSignature)
		query.Set(queryXAmzAlgorithm, v4SigningAlgorithm)
		query.Set(queryXAmzCredential, creds.Identity+"/"+newScope(t, v4.opts.Region, v4.opts.Service).String())
		query.Set(queryXAmzDate, dateTime)
		query.Set(queryXAmzExpires, strconv.FormatInt(int64(v4.opts.Expires/time.Second), 10))
		query.Set(queryXAmzSignedHeaders, strings.Join(v4.signedHeaders(r.Header), ";"))
		if creds.SessionToken != "" {
			query.Set(queryXAmzSecurityToken, creds.SessionToken)
		}
		r.URL.RawQuery = canonicalQuery(query)
	default:
		return ErrUnsupportedPlacement
	}

	return nil
}

// signedHeaders returns the sorted, lowercase names of the signed
// headers. Host is always signed.
func (v4 *V4) signedHeaders(header http.Header) []string {
	names := []string{"host"}
	for key := range header {
		k := strings.ToLower(key)
		if k == "host" || !v4.opts.SignedHeaders.IsSigned(k) {
			continue
		}
		if !slices.Contains(names, k) {
			names = append(names, k)
		}
	}
	slices.Sort(names)
	return names
}

func (v4 *V4) canonicalURI(u *url.URL) string {
	path := u.Path
	if path == "" {
		return "/"
	}
	if v4.opts.DisableDoublePathEscape {
		return uriEncode(path, true)
	}
	return uriEncode(uriEncode(path, true), true)
}

// canonicalQuery sorts the parameters by name, then value, and encodes
// both with the SigV4 rules.
func canonicalQuery(query url.Values) string {
	b := new(strings.Builder)
	for _, k := range slices.Sorted(maps.Keys(query)) {
		values := slices.Clone(query[k])
		slices.Sort(values)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(uriEncode(k, false))
			b.WriteByte('=')
			b.WriteString(uriEncode(v, false))
		}
	}
	return b.String()
}

func (v4 *V4) signingTime(r *http.Request) (time.Time, error) {
	raw := r.Header.Get(headerXAmzDate)
	if v4.opts.Placement == PlaceQuery {
		query, err := parseQuery(r.URL)
		if err != nil {
			return time.Time{}, err
		}
		raw = query.Get(queryXAmzDate)
	}
	t, err := time.Parse(string(ISO8601Basic), raw)
	if err != nil {
		return time.Time{}, nestError(ErrSigning, "the %s value is not a valid timestamp: %w", headerXAmzDate, err)
	}
	return t, nil
}

func (v4 *V4) StringToSign(r *http.Request, p *Payload) (string, error) {
	t, err := v4.signingTime(r)
	if err != nil {
		return "", err
	}

	hash, err := v4.payloadHash(r, p)
	if err != nil {
		return "", err
	}

	query, err := parseQuery(r.URL)
	if err != nil {
		return "", err
	}

	var signed []string
	if v4.opts.Placement == PlaceQuery {
		signed = strings.Split(query.Get(queryXAmzSignedHeaders), ";")
	} else {
		signed = v4.signedHeaders(r.Header)
	}

	query.Del(queryXAmzSignature)

	b := newHashBuilder(sha256.New)

	b.WriteString(r.Method)
	b.WriteByte(lf)
	b.WriteString(v4.canonicalURI(r.URL))
	b.WriteByte(lf)
	b.WriteString(canonicalQuery(query))
	b.WriteByte(lf)
	for _, name := range signed {
		b.WriteString(name)
		b.WriteByte(':')
		if name == "host" {
			b.WriteString(stripDefaultPort(requestHost(r), r.URL.Scheme))
		} else {
			values := r.Header.Values(name)
			for i, v := range values {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteString(collapseSpaces(v))
			}
		}
		b.WriteByte(lf)
	}
	b.WriteByte(lf)
	b.WriteString(strings.Join(signed, ";"))
	b.WriteByte(lf)
	b.WriteString(hash)

	data := signatureData{
		algorithm: algorithmHMACSHA256,
		dateTime:  ISO8601Basic.Format(t),
		scope:     newScope(t, v4.opts.Region, v4.opts.Service),
		digest:    b.Sum(),
	}

	return data.stringToSign(), nil
}

func (v4 *V4) Signature(creds Credentials, r *http.Request, stringToSign string) (string, error) {
	t, err := v4.signingTime(r)
	if err != nil {
		return "", err
	}
	return signV4(stringToSign, newScope(t, v4.opts.Region, v4.opts.Service), creds.Secret).String(), nil
}

func (v4 *V4) Attach(r *http.Request, creds Credentials, signature string) {
	if v4.opts.Placement == PlaceQuery {
		r.URL.RawQuery += "&" + queryXAmzSignature + "=" + signature
		return
	}

	t, _ := v4.signingTime(r)

	b := new(strings.Builder)
	b.WriteString(v4SigningAlgorithm)
	b.WriteString(" Credential=")
	b.WriteString(creds.Identity)
	b.WriteByte('/')
	b.WriteString(newScope(t, v4.opts.Region, v4.opts.Service).String())
	b.WriteString(", SignedHeaders=")
	b.WriteString(strings.Join(v4.signedHeaders(r.Header), ";"))
	b.WriteString(", Signature=")
	b.WriteString(signature)

	r.Header.Set(headerAuthorization, b.String())
}
