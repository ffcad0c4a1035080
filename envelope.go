package cloudsig

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorEnvelope is the decoded error body of a provider response.
type ErrorEnvelope struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	HostID     string
	// Endpoint is where S3 wants a misrouted bucket request to go.
	Endpoint string
	// ServerStringToSign is the string-to-sign the server computed, when
	// the provider returns it.
	ServerStringToSign string

	// StringToSign and Signature are what this client computed for the
	// rejected request. They are set only for signature mismatches.
	StringToSign string
	Signature    string
}

func (e *ErrorEnvelope) String() string {
	b := new(strings.Builder)
	b.WriteString(strconv.Itoa(e.StatusCode))
	if e.Code != "" {
		b.WriteByte(' ')
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.RequestID != "" {
		b.WriteString(" (request id ")
		b.WriteString(e.RequestID)
		b.WriteByte(')')
	}
	if e.StringToSign != "" {
		fmt.Fprintf(b, "; client string-to-sign %q, signature %s", e.StringToSign, e.Signature)
	}
	if e.ServerStringToSign != "" {
		fmt.Fprintf(b, "; server string-to-sign %q", e.ServerStringToSign)
	}
	return b.String()
}

type xmlErrorBody struct {
	Type      string `xml:"Type"`
	Code      string `xml:"Code"`
	Message   string `xml:"Message"`
	RequestID string `xml:"RequestId"`
	HostID    string `xml:"HostId"`
	Endpoint  string `xml:"Endpoint"`

	StringToSign string `xml:"StringToSign"`
	// Azure puts the server string-to-sign in here.
	AuthenticationErrorDetail string `xml:"AuthenticationErrorDetail"`
}

// xmlErrorDocument covers the S3 and Azure <Error> root, the EC2
// <Response><Errors><Error> shape and the query APIs' <ErrorResponse>.
type xmlErrorDocument struct {
	XMLName xml.Name

	Code                      string `xml:"Code"`
	Message                   string `xml:"Message"`
	RequestID                 string `xml:"RequestId"`
	HostID                    string `xml:"HostId"`
	Endpoint                  string `xml:"Endpoint"`
	StringToSign              string `xml:"StringToSign"`
	AuthenticationErrorDetail string `xml:"AuthenticationErrorDetail"`

	Errors   []xmlErrorBody `xml:"Errors>Error"`
	Error    *xmlErrorBody  `xml:"Error"`
	EC2ReqID string         `xml:"RequestID"`
}

func (d *xmlErrorDocument) body() xmlErrorBody {
	switch {
	case d.Error != nil:
		return *d.Error
	case len(d.Errors) > 0:
		return d.Errors[0]
	default:
		return xmlErrorBody{
			Code:                      d.Code,
			Message:                   d.Message,
			RequestID:                 d.RequestID,
			HostID:                    d.HostID,
			Endpoint:                  d.Endpoint,
			StringToSign:              d.StringToSign,
			AuthenticationErrorDetail: d.AuthenticationErrorDetail,
		}
	}
}

func decodeXMLEnvelope(env *ErrorEnvelope, data []byte) bool {
	var doc xmlErrorDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return false
	}

	body := doc.body()
	env.Code = strings.TrimSpace(body.Code)
	env.Message = strings.TrimSpace(body.Message)
	env.HostID = body.HostID
	env.Endpoint = strings.TrimSpace(body.Endpoint)

	env.ServerStringToSign = body.StringToSign
	if env.ServerStringToSign == "" {
		env.ServerStringToSign = serverStringToSignFromDetail(body.AuthenticationErrorDetail)
	}

	for _, id := range []string{body.RequestID, doc.RequestID, doc.EC2ReqID} {
		if id != "" {
			env.RequestID = id
			break
		}
	}

	return env.Code != "" || env.Message != ""
}

// serverStringToSignFromDetail extracts the quoted string from Azure's
// "The MAC signature found in the HTTP request '...' is not the same as
// any computed signature. Server used following string to sign: '...'."
func serverStringToSignFromDetail(detail string) string {
	const marker = "string to sign: '"
	_, rest, ok := strings.Cut(detail, marker)
	if !ok {
		return ""
	}
	i := strings.LastIndex(rest, "'")
	if i < 0 {
		return ""
	}
	return rest[:i]
}

func jsonString(raw jsoniter.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n jsoniter.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func fromJSONObject(env *ErrorEnvelope, obj map[string]jsoniter.RawMessage) bool {
	for _, k := range []string{"code", "Code", "__type"} {
		if v, ok := obj[k]; ok {
			env.Code = jsonString(v)
			break
		}
	}
	// "__type" may be namespaced: "com.amazonaws.sqs#QueueDoesNotExist".
	if _, code, ok := strings.Cut(env.Code, "#"); ok {
		env.Code = code
	}
	for _, k := range []string{"message", "Message", "error_description", "details"} {
		if v, ok := obj[k]; ok {
			env.Message = jsonString(v)
			break
		}
	}
	for _, k := range []string{"requestId", "RequestId", "request_id"} {
		if v, ok := obj[k]; ok {
			env.RequestID = jsonString(v)
			break
		}
	}
	return env.Code != "" || env.Message != ""
}

func decodeJSONEnvelope(env *ErrorEnvelope, data []byte) bool {
	var obj map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	if fromJSONObject(env, obj) {
		return true
	}
	// OpenStack wraps the fault in an object named after its kind:
	// {"itemNotFound": {"code": 404, "message": "..."}}.
	if len(obj) == 1 {
		for kind, raw := range obj {
			var inner map[string]jsoniter.RawMessage
			if err := json.Unmarshal(raw, &inner); err != nil {
				return false
			}
			fromJSONObject(env, inner)
			env.Code = kind
			return true
		}
	}
	return false
}

var requestIDHeaders = []string{
	"X-Amz-Request-Id",
	"X-Amzn-Requestid",
	"X-Ms-Request-Id",
}

// DecodeErrorEnvelope decodes a provider error body. It never fails: a
// body that cannot be decoded (or a HEAD response without one) yields an
// envelope synthesized from the status line.
func DecodeErrorEnvelope(resp *http.Response, body []byte) *ErrorEnvelope {
	env := &ErrorEnvelope{StatusCode: resp.StatusCode}

	// Azure prefixes its XML with a byte order mark.
	data := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	decoded := false
	if len(data) > 0 {
		switch data[0] {
		case '<':
			decoded = decodeXMLEnvelope(env, data)
		case '{':
			decoded = decodeJSONEnvelope(env, data)
		}
	}

	if !decoded {
		env.Code = strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "")
		env.Message = http.StatusText(resp.StatusCode)
		if len(data) > 0 && len(data) <= 256 && data[0] != '<' && data[0] != '{' {
			env.Message = string(data)
		}
	}

	if env.RequestID == "" {
		for _, h := range requestIDHeaders {
			if v := resp.Header.Get(h); v != "" {
				env.RequestID = v
				break
			}
		}
	}
	if env.HostID == "" {
		env.HostID = resp.Header.Get("X-Amz-Id-2")
	}

	return env
}

// ResponseError is a response the operation could not succeed with.
type ResponseError struct {
	Method   string
	URL      string
	Envelope *ErrorEnvelope

	// kind is the sentinel the response was classified as, if any.
	kind error
}

func (e *ResponseError) Error() string {
	return e.Method + " " + e.URL + ": " + e.Envelope.String()
}

func (e *ResponseError) Unwrap() error {
	return e.kind
}

func newResponseError(r *http.Request, env *ErrorEnvelope, kind error) *ResponseError {
	return &ResponseError{
		Method:   r.Method,
		URL:      redactedURL(r.URL),
		Envelope: env,
		kind:     kind,
	}
}

// ExhaustedError reports an operation that ran out of failure or redirect
// budget. It matches ErrExhausted or ErrTooManyRedirects and unwraps to
// the last failure.
type ExhaustedError struct {
	Failures  int
	Redirects int
	Last      error

	reason error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s after %d failures and %d redirects", e.reason, e.Failures, e.Redirects)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *ExhaustedError) Is(target error) bool {
	return e.reason == target
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}
