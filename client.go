package cloudsig

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const (
	maxErrorBody = 1 << 20
	maxDrain     = 4 << 10
)

// Doer sends a single HTTP request. *http.Client satisfies it; it must
// not follow redirects on its own.
type Doer interface {
	Do(r *http.Request) (*http.Response, error)
}

// Client signs and sends requests and carries each operation through
// retries and redirects. It is safe for concurrent use.
type Client struct {
	signer  *Signer
	policy  *Policy
	doer    Doer
	log     *zap.Logger
	metrics *Metrics
}

var _ http.RoundTripper = (*Client)(nil)

type ClientOption func(*Client)

func WithDoer(d Doer) ClientOption {
	return func(c *Client) {
		if d != nil {
			c.doer = d
		}
	}
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

func newDefaultDoer() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewClient returns a client that signs with signer and retries as policy
// says. A nil policy means DefaultPolicy.
func NewClient(signer *Signer, policy *Policy, opts ...ClientOption) *Client {
	if policy == nil {
		policy = DefaultPolicy()
	}
	c := &Client{
		signer: signer,
		policy: policy,
		doer:   newDefaultDoer(),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type bodyReadCloser struct {
	io.Reader
	io.Closer
}

// readEnvelope decodes the error body of resp and puts the bytes it read
// back in front of the body.
func readEnvelope(resp *http.Response) *ErrorEnvelope {
	if resp.Body == nil || resp.Body == http.NoBody {
		return DecodeErrorEnvelope(resp, nil)
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body = bodyReadCloser{
		Reader: io.MultiReader(bytes.NewReader(data), resp.Body),
		Closer: resp.Body,
	}
	return DecodeErrorEnvelope(resp, data)
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// redactedURL drops the query, which may carry signatures and tokens.
func redactedURL(u *url.URL) string {
	v := *u
	v.RawQuery = ""
	return v.Redacted()
}

// Do runs one operation: it signs r, sends it and resends it while the
// policy asks for it. r is never modified.
//
// When the operation fails after receiving a response, that response is
// returned along with the error, with its body still readable.
func (c *Client) Do(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	scheme := c.signer.Scheme().Name()

	state := NewRetryState(c.policy)
	state.now = c.signer.now

	log := c.log.With(
		zap.String("scheme", scheme),
		zap.String("method", r.Method),
	)

	finish := func() {
		c.metrics.recordOperation(state.State)
		log.Debug("operation finished",
			zap.Stringer("state", state.State),
			zap.Int("attempts", state.Attempts),
			zap.Int("failures", state.Failures),
			zap.Int("redirects", state.Redirects),
		)
	}
	defer finish()

	current := r
	for {
		if err := ctx.Err(); err != nil {
			state.State = StateCanceled
			return nil, nestError(ErrCanceled, "%w", err)
		}

		signed, _, err := c.signer.signAt(ctx, current, state.ClockOffset)
		if err != nil {
			state.State = StateFailed
			return nil, err
		}
		c.metrics.recordSigned(scheme)

		state.Attempts++
		c.metrics.recordAttempt(scheme)

		resp, err := c.doer.Do(signed)
		if err == nil && resp == nil {
			err = ErrNoResponse
		}

		var env *ErrorEnvelope
		if err == nil && isErrorStatus(resp.StatusCode) {
			env = readEnvelope(resp)
		}

		d := c.policy.Decide(state, current, resp, env, err)

		fields := []zap.Field{
			zap.String("url", redactedURL(current.URL)),
			zap.Int("attempt", state.Attempts),
			zap.Stringer("action", d.Action),
			zap.String("reason", d.Reason),
		}
		if resp != nil {
			fields = append(fields, zap.Int("status", resp.StatusCode))
		}
		if env != nil {
			fields = append(fields, zap.String("code", env.Code), zap.String("request_id", env.RequestID))
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}

		switch d.Action {
		case ActionSucceed:
			log.Debug("exchange succeeded", fields...)
			return resp, nil

		case ActionResend:
			log.Debug("resending", append(fields, zap.Duration("delay", d.Delay))...)
			c.metrics.recordRetry(d.Reason, d.Delay)
			discard(resp)
			if err := wait(ctx, d.Delay); err != nil {
				state.State = StateCanceled
				return nil, nestError(ErrCanceled, "%w", err)
			}

		case ActionRedirect:
			log.Debug("following redirect", append(fields, zap.String("target", redactedURL(d.Target)))...)
			c.metrics.recordRedirect()
			discard(resp)
			next := current.Clone(ctx)
			next.URL = d.Target
			next.Host = ""
			current = next

		default:
			if errors.Is(d.Err, ErrSignatureDoesNotMatch) && env != nil {
				c.diagnose(ctx, log, signed, env)
			}
			log.Warn("giving up", append(fields, zap.NamedError("cause", d.Err))...)
			return resp, d.Err
		}
	}
}

// diagnose attaches the client side of a rejected signature to env.
func (c *Client) diagnose(ctx context.Context, log *zap.Logger, signed *http.Request, env *ErrorEnvelope) {
	result, err := c.signer.Diagnose(ctx, signed)
	if err != nil {
		log.Warn("re-signing for diagnostics failed", zap.Error(err))
		return
	}
	env.StringToSign = result.StringToSign
	env.Signature = result.Signature
}

func isErrorStatus(status int) bool {
	return status >= 300 && status != http.StatusNotModified
}

// RoundTrip implements http.RoundTripper. Unlike Do, it reports a
// response the operation failed with as a response, not as an error.
// The request body is always closed; attempts read it through GetBody.
func (c *Client) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Body != nil {
		defer func() { _ = r.Body.Close() }()
	}
	resp, err := c.Do(r)
	if resp != nil {
		return resp, nil
	}
	return nil, err
}
