package cloudsig

import (
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	headerAuthorization     = "Authorization"
	headerContentMD5        = "Content-MD5"
	headerContentType       = "Content-Type"
	headerDate              = "Date"
	headerXAmzDate          = "X-Amz-Date"
	headerXAmzSecurityToken = "X-Amz-Security-Token"

	xAmzHeaderPrefix = "x-amz-"

	queryAWSAccessKeyId = "AWSAccessKeyId"
	queryExpires        = "Expires"
	querySignature      = "Signature"

	lf = '\n'
)

// s3SubResources lists the query parameters that are part of the signed
// resource. The value tells whether the parameter value is URI-encoded.
var s3SubResources = map[string]bool{
	"acl":                          true,
	"cors":                         true,
	"delete":                       true,
	"lifecycle":                    true,
	"location":                     true,
	"logging":                      true,
	"notification":                 true,
	"partNumber":                   true,
	"policy":                       true,
	"requestPayment":               true,
	"restore":                      true,
	"tagging":                      true,
	"torrent":                      true,
	"uploadId":                     true,
	"uploads":                      true,
	"versionId":                    true,
	"versioning":                   true,
	"versions":                     true,
	"website":                      true,
	"response-content-type":        false,
	"response-content-language":    false,
	"response-expires":             false,
	"response-cache-control":       false,
	"response-content-disposition": false,
	"response-content-encoding":    false,
}

type S3V2Options struct {
	// Endpoints are the service hosts (e.g. "s3.amazonaws.com"). A request
	// to a subdomain of an endpoint is virtual-hosted, any other host is
	// treated as a CNAME for a bucket. Without endpoints all requests are
	// path-style.
	Endpoints []string

	Placement Placement
	// Expires is the validity of query-signed requests.
	Expires time.Duration

	DateCodec     DateCodec
	AddContentMD5 bool
	Checksum      ChecksumAlgorithm
}

// S3V2 implements the S3 REST authentication (signature version 2).
type S3V2 struct {
	opts S3V2Options
}

func NewS3V2(opts S3V2Options) *S3V2 {
	if opts.DateCodec == nil {
		opts.DateCodec = RFC1123
	}
	if opts.Expires <= 0 {
		opts.Expires = 15 * time.Minute
	}
	return &S3V2{opts: opts}
}

func (v2 *S3V2) Name() string {
	return "s3v2"
}

func (v2 *S3V2) checksum() ChecksumAlgorithm {
	return v2.opts.Checksum
}

func (v2 *S3V2) Prepare(r *http.Request, p *Payload, creds Credentials, t time.Time) error {
	if err := setChecksumHeaders(r, p, v2.opts.AddContentMD5, v2.opts.Checksum); err != nil {
		return err
	}

	if creds.SessionToken != "" {
		r.Header.Set(headerXAmzSecurityToken, creds.SessionToken)
	}

	switch v2.opts.Placement {
	case PlaceHeader:
		r.Header.Set(headerDate, v2.opts.DateCodec.Format(t))
	case PlaceQuery:
		query, err := parseQuery(r.URL)
		if err != nil {
			return err
		}
		query.Del(querySignature)
		query.Set(queryAWSAccessKeyId, creds.Identity)
		query.Set(queryExpires, strconv.FormatInt(t.Add(v2.opts.Expires).Unix(), 10))
		r.URL.RawQuery = query.Encode()
	default:
		return ErrUnsupportedPlacement
	}

	return nil
}

// bucket returns the bucket named by the request host, if any.
func (v2 *S3V2) bucket(host string) string {
	if len(v2.opts.Endpoints) == 0 {
		return ""
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	for _, e := range v2.opts.Endpoints {
		e = strings.ToLower(e)
		if host == e {
			return ""
		}
		if b, ok := strings.CutSuffix(host, "."+e); ok {
			return b
		}
	}

	return host
}

func (v2 *S3V2) dateElement(r *http.Request, query url.Values) string {
	if v2.opts.Placement == PlaceQuery {
		return query.Get(queryExpires)
	}
	if r.Header.Get(headerXAmzDate) != "" {
		return ""
	}
	return r.Header.Get(headerDate)
}

func (v2 *S3V2) StringToSign(r *http.Request, _ *Payload) (string, error) {
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
	b.WriteString(v2.dateElement(r, query))
	b.WriteByte(lf)

	writeCanonicalPrefixedHeaders(b, r.Header, xAmzHeaderPrefix)

	if bucket := v2.bucket(requestHost(r)); bucket != "" {
		b.WriteByte('/')
		b.WriteString(bucket)
	}
	// NOTE(amwolff): RawPath is deliberately not used, EscapedPath only
	// returns it when it is a valid encoding of Path.
	b.WriteString(r.URL.EscapedPath())

	params := slices.Sorted(maps.Keys(query))

	first := true
	for _, p := range params {
		encode, ok := s3SubResources[p]
		if !ok {
			continue
		}
		for _, v := range query[p] {
			if first {
				b.WriteByte('?')
				first = false
			} else {
				b.WriteByte('&')
			}
			b.WriteString(p)
			if v != "" {
				b.WriteByte('=')
				if encode {
					b.WriteString(uriEncode(v, false))
				} else {
					b.WriteString(v)
				}
			}
		}
	}

	return b.String(), nil
}

func (v2 *S3V2) Signature(creds Credentials, _ *http.Request, stringToSign string) (string, error) {
	return calculateSignatureV2(stringToSign, creds.Secret).String(), nil
}

func (v2 *S3V2) Attach(r *http.Request, creds Credentials, signature string) {
	if v2.opts.Placement == PlaceQuery {
		// Prepare already rewrote RawQuery with Encode.
		query, _ := url.ParseQuery(r.URL.RawQuery)
		query.Set(querySignature, signature)
		r.URL.RawQuery = query.Encode()
		return
	}
	r.Header.Set(headerAuthorization, "AWS "+creds.Identity+":"+signature)
}

// writeCanonicalPrefixedHeaders writes the headers starting with prefix,
// lowercased and sorted, one "name:v1,v2" line each.
func writeCanonicalPrefixedHeaders(b *strings.Builder, header http.Header, prefix string) {
	values := make(map[string][]string)
	for key, vs := range header {
		if k := strings.ToLower(key); strings.HasPrefix(k, prefix) {
			values[k] = append(values[k], vs...)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(values)) {
		b.WriteString(key)
		b.WriteByte(':')
		for i, v := range values[key] {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(collapseSpaces(v))
		}
		b.WriteByte(lf)
	}
}

// stripDefaultPort removes the port from host when it is the default
// one for the URL scheme.
func stripDefaultPort(host, scheme string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (port == "80" && scheme == "http") || (port == "443" && scheme == "https") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}
