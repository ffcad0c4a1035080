package cloudsig

import (
	"bytes"
	"io"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

const (
	querySignatureMethod  = "SignatureMethod"
	querySignatureVersion = "SignatureVersion"
	queryTimestamp        = "Timestamp"
	queryVersion          = "Version"
	querySecurityToken    = "SecurityToken"

	formContentType = "application/x-www-form-urlencoded"
)

type QueryV2Options struct {
	// Version is the API version sent when the request does not set one.
	Version string
	// DateCodec renders the Timestamp parameter. Some services only accept
	// timestamps without fractional seconds.
	DateCodec DateCodec
}

// QueryV2 implements signature version 2 of the AWS query APIs (EC2, SQS,
// ELB and friends). Parameters travel in the query of GET requests and in
// the form-encoded body of POST requests.
type QueryV2 struct {
	opts QueryV2Options
}

func NewQueryV2(opts QueryV2Options) *QueryV2 {
	if opts.DateCodec == nil {
		opts.DateCodec = ISO8601Seconds
	}
	return &QueryV2{opts: opts}
}

func (q *QueryV2) Name() string {
	return "query2"
}

func isForm(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	ct, _, err := mime.ParseMediaType(r.Header.Get(headerContentType))
	return err == nil && ct == formContentType
}

func (q *QueryV2) params(r *http.Request) (url.Values, error) {
	if !isForm(r) {
		return parseQuery(r.URL)
	}
	if r.Body == nil || r.Body == http.NoBody {
		return url.Values{}, nil
	}
	if r.GetBody == nil {
		return nil, ErrUnreplayableBody
	}
	body, err := r.GetBody()
	if err != nil {
		return nil, nestError(ErrUnreplayableBody, "%w", err)
	}
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, nestError(ErrUnreplayableBody, "reading form failed: %w", err)
	}
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, nestError(ErrSigning, "malformed form body: %w", err)
	}
	return values, nil
}

func setFormBody(r *http.Request, form string) {
	data := []byte(form)
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	r.ContentLength = int64(len(data))
}

func (q *QueryV2) Prepare(r *http.Request, _ *Payload, creds Credentials, t time.Time) error {
	params, err := q.params(r)
	if err != nil {
		return err
	}

	params.Del(querySignature)
	params.Set(queryAWSAccessKeyId, creds.Identity)
	params.Set(querySignatureMethod, "HmacSHA256")
	params.Set(querySignatureVersion, "2")
	params.Set(queryTimestamp, q.opts.DateCodec.Format(t))
	if q.opts.Version != "" && params.Get(queryVersion) == "" {
		params.Set(queryVersion, q.opts.Version)
	}
	if creds.SessionToken != "" {
		params.Set(querySecurityToken, creds.SessionToken)
	}

	if isForm(r) {
		setFormBody(r, canonicalQuery(params))
	} else {
		r.URL.RawQuery = canonicalQuery(params)
	}

	return nil
}

func (q *QueryV2) StringToSign(r *http.Request, _ *Payload) (string, error) {
	params, err := q.params(r)
	if err != nil {
		return "", err
	}
	params.Del(querySignature)

	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	b := new(strings.Builder)

	b.WriteString(r.Method)
	b.WriteByte(lf)
	b.WriteString(strings.ToLower(stripDefaultPort(requestHost(r), r.URL.Scheme)))
	b.WriteByte(lf)
	b.WriteString(path)
	b.WriteByte(lf)
	for i, k := range slices.Sorted(maps.Keys(params)) {
		for j, v := range params[k] {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(uriEncode(k, false))
			b.WriteByte('=')
			b.WriteString(uriEncode(v, false))
		}
	}

	return b.String(), nil
}

func (q *QueryV2) Signature(creds Credentials, _ *http.Request, stringToSign string) (string, error) {
	return hmacSHA256Base64([]byte(creds.Secret), stringToSign), nil
}

func (q *QueryV2) Attach(r *http.Request, _ Credentials, signature string) {
	param := "&" + querySignature + "=" + uriEncode(signature, false)

	if !isForm(r) {
		r.URL.RawQuery += param
		return
	}

	// GetBody was installed by Prepare and reads from memory.
	body, err := r.GetBody()
	if err != nil {
		return
	}
	raw, _ := io.ReadAll(body)
	setFormBody(r, string(raw)+param)
}
