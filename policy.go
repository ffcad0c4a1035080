package cloudsig

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// State is where an operation is in its attempt lifecycle.
type State int

const (
	StateAttempting State = iota
	StateRetrying
	StateRedirecting
	StateExhausted
	StateSucceeded
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateRetrying:
		return "retrying"
	case StateRedirecting:
		return "redirecting"
	case StateExhausted:
		return "exhausted"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further attempt follows.
func (s State) Terminal() bool {
	return s == StateExhausted || s == StateSucceeded || s == StateFailed || s == StateCanceled
}

type Action int

const (
	ActionSucceed Action = iota
	ActionResend
	ActionRedirect
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionSucceed:
		return "succeed"
	case ActionResend:
		return "resend"
	case ActionRedirect:
		return "redirect"
	case ActionGiveUp:
		return "give up"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one exchange.
type Decision struct {
	Action Action
	// Target is the rewritten URL of a redirect.
	Target *url.URL
	// Delay is how long to wait before resending.
	Delay time.Duration
	// Err is set when the operation gives up.
	Err error
	// Reason is a short label for logs and metrics.
	Reason string
}

// RetryState holds the counters of one logical operation. It is not safe
// for concurrent use and must not be shared between operations.
type RetryState struct {
	State     State
	Attempts  int
	Redirects int
	Failures  int
	// ClockOffset is added to the local clock when signing, after the
	// server reported that the local clock is skewed.
	ClockOffset time.Duration

	backoff backoff.BackOff
	now     func() time.Time
}

func NewRetryState(p *Policy) *RetryState {
	s := &RetryState{
		State: StateAttempting,
		now:   time.Now,
	}
	if p.NewBackOff != nil {
		s.backoff = p.NewBackOff()
	}
	if s.backoff == nil {
		s.backoff = &backoff.ZeroBackOff{}
	}
	s.backoff.Reset()
	return s
}

// Policy configures the retry and redirect behavior. The zero value makes
// no retries and follows no redirects; DefaultPolicy is the usual
// starting point.
type Policy struct {
	MaxRedirects int
	MaxFailures  int

	// NewBackOff returns the backoff of a new operation.
	NewBackOff func() backoff.BackOff
	// MaxRetryAfter caps the delay a server may ask for with Retry-After.
	MaxRetryAfter time.Duration

	// Replayable reports whether a request with the method may be resent
	// to a redirect target.
	Replayable func(method string) bool
	// SyntheticSuccess reports whether a redirect response to the method
	// means the operation already took effect.
	SyntheticSuccess func(method string, status int) bool

	// TransientCodes are error codes retried like server errors.
	TransientCodes []string
	// SkewCodes are transient codes caused by a skewed local clock.
	SkewCodes []string
	// MismatchCodes are error codes of a rejected signature.
	MismatchCodes []string

	// IsTransientError classifies transport errors.
	IsTransientError func(error) bool
}

var (
	DefaultTransientCodes = []string{
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"SlowDown",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError",
		"ServerBusy",
		"OperationTimedOut",
		"PriorRequestNotComplete",
	}
	DefaultSkewCodes = []string{
		"RequestTimeTooSkewed",
		"RequestExpired",
		"RequestInTheFuture",
	}
	DefaultMismatchCodes = []string{
		"SignatureDoesNotMatch",
		"AuthenticationFailed",
	}
)

// DeleteRedirectSuccess treats a 301, 302, 303, 307 or 308 in response to
// DELETE as the object being already gone.
func DeleteRedirectSuccess(method string, status int) bool {
	return method == http.MethodDelete && completedRedirect(status)
}

// ReplayableExceptDelete allows every method but DELETE to follow
// redirects.
func ReplayableExceptDelete(method string) bool {
	return method != http.MethodDelete
}

// AnyTransportError treats every transport error other than cancellation
// as transient.
func AnyTransportError(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func DefaultPolicy() *Policy {
	return &Policy{
		MaxRedirects: 5,
		MaxFailures:  5,
		NewBackOff: func() backoff.BackOff {
			return NewExponentialBackOff(50*time.Millisecond, 10*time.Second)
		},
		MaxRetryAfter:    time.Minute,
		Replayable:       ReplayableExceptDelete,
		SyntheticSuccess: DeleteRedirectSuccess,
		TransientCodes:   DefaultTransientCodes,
		SkewCodes:        DefaultSkewCodes,
		MismatchCodes:    DefaultMismatchCodes,
		IsTransientError: AnyTransportError,
	}
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400 && status != http.StatusNotModified
}

// completedRedirect reports the redirects a server may send after it
// already carried out the request.
func completedRedirect(status int) bool {
	return followable(status) || status == http.StatusSeeOther
}

func followable(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func (p *Policy) isTransientCode(code string) bool {
	return slices.Contains(p.TransientCodes, code) || slices.Contains(p.SkewCodes, code)
}

func (p *Policy) exhausted(s *RetryState, reason, last error) Decision {
	s.State = StateExhausted
	return Decision{
		Action: ActionGiveUp,
		Err: &ExhaustedError{
			Failures:  s.Failures,
			Redirects: s.Redirects,
			Last:      last,
			reason:    reason,
		},
		Reason: "exhausted",
	}
}

func (p *Policy) canceled(s *RetryState, err error) Decision {
	s.State = StateCanceled
	return Decision{Action: ActionGiveUp, Err: nestError(ErrCanceled, "%w", err), Reason: "canceled"}
}

func (p *Policy) failed(s *RetryState, err error, reason string) Decision {
	s.State = StateFailed
	return Decision{Action: ActionGiveUp, Err: err, Reason: reason}
}

func (p *Policy) succeeded(s *RetryState, reason string) Decision {
	s.State = StateSucceeded
	return Decision{Action: ActionSucceed, Reason: reason}
}

// retry counts a transient failure and schedules the resend, unless the
// failure budget or the backoff ran out.
func (p *Policy) retry(s *RetryState, resp *http.Response, last error, reason string) Decision {
	s.Failures++
	if s.Failures >= p.MaxFailures {
		return p.exhausted(s, ErrExhausted, last)
	}

	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		return p.exhausted(s, ErrExhausted, last)
	}
	if after, ok := p.retryAfter(s, resp); ok && after > delay {
		delay = after
	}

	s.State = StateRetrying
	return Decision{Action: ActionResend, Delay: delay, Reason: reason}
}

func (p *Policy) retryAfter(s *RetryState, resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := parseTimeWithFormats(v, httpTimeFormats); err == nil {
		d = t.Sub(s.now())
	} else {
		return 0, false
	}

	if d < 0 {
		d = 0
	}
	if p.MaxRetryAfter > 0 && d > p.MaxRetryAfter {
		d = p.MaxRetryAfter
	}
	return d, true
}

// redirectTarget resolves the next location of a redirect from the
// Location header or, for S3, the <Endpoint> of the error body.
func redirectTarget(r *http.Request, resp *http.Response, env *ErrorEnvelope) (*url.URL, bool) {
	if loc := resp.Header.Get("Location"); loc != "" {
		u, err := r.URL.Parse(loc)
		if err != nil {
			return nil, false
		}
		return u, true
	}
	if env != nil && env.Endpoint != "" {
		u := *r.URL
		u.Host = env.Endpoint
		if _, port, err := net.SplitHostPort(r.URL.Host); err == nil {
			u.Host = net.JoinHostPort(env.Endpoint, port)
		}
		return &u, true
	}
	return nil, false
}

// Decide classifies a finished exchange of r and advances s. Exactly one
// of resp and err should be set; a nil response without an error counts as
// a transport error. env is the decoded body of an error response.
func (p *Policy) Decide(s *RetryState, r *http.Request, resp *http.Response, env *ErrorEnvelope, err error) Decision {
	if err == nil && resp == nil {
		err = ErrNoResponse
	}
	if err != nil {
		return p.decideError(s, r, err)
	}

	status := resp.StatusCode

	if status < 300 || status == http.StatusNotModified {
		return p.succeeded(s, "ok")
	}
	if env == nil {
		env = DecodeErrorEnvelope(resp, nil)
	}
	if status < 400 {
		return p.decideRedirect(s, r, resp, env)
	}

	code := env.Code

	switch {
	case slices.Contains(p.MismatchCodes, code):
		return p.failed(s, newResponseError(r, env, ErrSignatureDoesNotMatch), "signature mismatch")
	case slices.Contains(p.SkewCodes, code):
		if t, err := parseTimeWithFormats(resp.Header.Get("Date"), httpTimeFormats); err == nil {
			s.ClockOffset = clockOffset(s.now, t)
		}
		return p.retry(s, resp, newResponseError(r, env, ErrTransient), "clock skew")
	case status >= 500 || status == http.StatusTooManyRequests || p.isTransientCode(code):
		return p.retry(s, resp, newResponseError(r, env, ErrTransient), "status "+strconv.Itoa(status))
	default:
		return p.failed(s, newResponseError(r, env, nil), "status "+strconv.Itoa(status))
	}
}

func (p *Policy) decideError(s *RetryState, r *http.Request, err error) Decision {
	if ctxErr := r.Context().Err(); ctxErr != nil {
		return p.canceled(s, ctxErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return p.canceled(s, err)
	}
	if p.IsTransientError != nil && p.IsTransientError(err) {
		return p.retry(s, nil, nestError(ErrTransient, "%w", err), "transport")
	}
	return p.failed(s, err, "transport")
}

func (p *Policy) decideRedirect(s *RetryState, r *http.Request, resp *http.Response, env *ErrorEnvelope) Decision {
	status := resp.StatusCode

	if p.SyntheticSuccess != nil && p.SyntheticSuccess(r.Method, status) {
		return p.succeeded(s, "redirect as success")
	}

	if !followable(status) || p.Replayable == nil || !p.Replayable(r.Method) {
		return p.succeeded(s, "redirect surfaced")
	}

	target, ok := redirectTarget(r, resp, env)
	if !ok {
		return p.succeeded(s, "redirect surfaced")
	}

	s.Redirects++
	if s.Redirects > p.MaxRedirects {
		return p.exhausted(s, ErrTooManyRedirects, newResponseError(r, env, nil))
	}

	s.State = StateRedirecting
	return Decision{Action: ActionRedirect, Target: target, Reason: "redirect"}
}
