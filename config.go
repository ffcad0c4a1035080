package cloudsig

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gopkg.in/yaml.v2"
)

// Config describes a provider's signing and retry setup, as loaded from
// YAML.
type Config struct {
	Scheme      string            `yaml:"scheme"`
	Signing     SigningConfig     `yaml:"signing"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Retry       RetryConfig       `yaml:"retry"`
}

type SigningConfig struct {
	Placement  string        `yaml:"placement"`
	Expires    time.Duration `yaml:"expires"`
	DateFormat string        `yaml:"dateFormat"`
	Checksum   string        `yaml:"checksum"`

	// aws4
	Region           string   `yaml:"region"`
	Service          string   `yaml:"service"`
	UnsignedPayload  bool     `yaml:"unsignedPayload"`
	PayloadHash      bool     `yaml:"payloadHashHeader"`
	SinglePathEscape bool     `yaml:"singlePathEscape"`
	SignedHeaders    []string `yaml:"signedHeaders"`
	UnsignedHeaders  []string `yaml:"unsignedHeaders"`

	// s3v2
	Endpoints  []string `yaml:"endpoints"`
	ContentMD5 bool     `yaml:"contentMD5"`

	// query2, sharedkeylite
	Version string `yaml:"version"`
	Account string `yaml:"account"`
}

type CredentialsConfig struct {
	IdentityEnv     string `yaml:"identityEnv"`
	SecretEnv       string `yaml:"secretEnv"`
	SessionTokenEnv string `yaml:"sessionTokenEnv"`
}

type RetryConfig struct {
	MaxRedirects  *int          `yaml:"maxRedirects"`
	MaxFailures   *int          `yaml:"maxFailures"`
	MaxRetryAfter time.Duration `yaml:"maxRetryAfter"`
	Backoff       BackoffConfig `yaml:"backoff"`

	TransientCodes []string `yaml:"transientCodes"`
	SkewCodes      []string `yaml:"skewCodes"`
	MismatchCodes  []string `yaml:"mismatchCodes"`

	// SyntheticSuccess lists the redirect responses that mean the
	// operation already took effect. Defaults to DELETE with any redirect.
	SyntheticSuccess []SyntheticSuccessRule `yaml:"syntheticSuccess"`
}

type BackoffConfig struct {
	// Shape is one of exponential, constant, linear or none.
	Shape   string        `yaml:"shape"`
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Step    time.Duration `yaml:"step"`
	// Limit stops resending after that many delays when positive.
	Limit int `yaml:"limit"`
}

type SyntheticSuccessRule struct {
	Method string `yaml:"method"`
	// Status lists the matching redirect codes. Empty matches 301, 302,
	// 303, 307 and 308.
	Status []int `yaml:"status"`
}

func (r SyntheticSuccessRule) matches(method string, status int) bool {
	if !strings.EqualFold(r.Method, method) {
		return false
	}
	if len(r.Status) == 0 {
		return completedRedirect(status)
	}
	return isRedirect(status) && slices.Contains(r.Status, status)
}

// LoadConfig decodes and validates a YAML config.
func LoadConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config failed: %w", err)
	}

	var c Config
	if err = yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("decoding config failed: %w", err)
	}

	if err = c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	c, err := LoadConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func parsePlacement(s string) (Placement, error) {
	switch strings.ToLower(s) {
	case "", "header":
		return PlaceHeader, nil
	case "query":
		return PlaceQuery, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedPlacement, s)
	}
}

func parseDateFormat(s string) DateCodec {
	switch strings.ToLower(s) {
	case "":
		return nil
	case "rfc1123":
		return RFC1123
	case "iso8601":
		return ISO8601Basic
	case "iso8601-seconds":
		return ISO8601Seconds
	case "iso8601-millis":
		return ISO8601Millis
	default:
		return LayoutCodec(s)
	}
}

// Validate reports every problem of the config at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Scheme {
	case "aws4":
		if c.Signing.Region == "" || c.Signing.Service == "" {
			errs = append(errs, errors.New("aws4 needs signing.region and signing.service"))
		}
		if len(c.Signing.SignedHeaders) > 0 && len(c.Signing.UnsignedHeaders) > 0 {
			errs = append(errs, errors.New("signing.signedHeaders and signing.unsignedHeaders are exclusive"))
		}
	case "s3v2", "query2", "sharedkeylite":
	case "":
		errs = append(errs, errors.New("scheme is required"))
	default:
		errs = append(errs, fmt.Errorf("unknown scheme %q", c.Scheme))
	}

	if _, err := parsePlacement(c.Signing.Placement); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseChecksumAlgorithm(c.Signing.Checksum); err != nil {
		errs = append(errs, err)
	}
	if c.Credentials.IdentityEnv == "" || c.Credentials.SecretEnv == "" {
		errs = append(errs, errors.New("credentials.identityEnv and credentials.secretEnv are required"))
	}

	if v := c.Retry.MaxRedirects; v != nil && *v < 0 {
		errs = append(errs, errors.New("retry.maxRedirects must not be negative"))
	}
	if v := c.Retry.MaxFailures; v != nil && *v < 0 {
		errs = append(errs, errors.New("retry.maxFailures must not be negative"))
	}
	switch c.Retry.Backoff.Shape {
	case "", "exponential", "constant", "linear", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown backoff shape %q", c.Retry.Backoff.Shape))
	}
	for _, rule := range c.Retry.SyntheticSuccess {
		if rule.Method == "" {
			errs = append(errs, errors.New("retry.syntheticSuccess entries need a method"))
		}
	}

	return errors.Join(errs...)
}

// NewScheme builds the configured signing scheme.
func (c *Config) NewScheme() (Scheme, error) {
	placement, err := parsePlacement(c.Signing.Placement)
	if err != nil {
		return nil, err
	}
	checksum, err := ParseChecksumAlgorithm(c.Signing.Checksum)
	if err != nil {
		return nil, err
	}

	switch c.Scheme {
	case "aws4":
		opts := V4Options{
			Region:                  c.Signing.Region,
			Service:                 c.Signing.Service,
			Placement:               placement,
			Expires:                 c.Signing.Expires,
			UnsignedPayload:         c.Signing.UnsignedPayload,
			AddPayloadHashHeader:    c.Signing.PayloadHash,
			DisableDoublePathEscape: c.Signing.SinglePathEscape,
			Checksum:                checksum,
		}
		if len(c.Signing.SignedHeaders) > 0 {
			opts.SignedHeaders = AllowList(lower(c.Signing.SignedHeaders))
		} else if len(c.Signing.UnsignedHeaders) > 0 {
			opts.SignedHeaders = append(slices.Clone(DefaultSignedHeaders), lower(c.Signing.UnsignedHeaders)...)
		}
		return NewV4(opts), nil
	case "s3v2":
		return NewS3V2(S3V2Options{
			Endpoints:     c.Signing.Endpoints,
			Placement:     placement,
			Expires:       c.Signing.Expires,
			DateCodec:     parseDateFormat(c.Signing.DateFormat),
			AddContentMD5: c.Signing.ContentMD5,
			Checksum:      checksum,
		}), nil
	case "query2":
		return NewQueryV2(QueryV2Options{
			Version:   c.Signing.Version,
			DateCodec: parseDateFormat(c.Signing.DateFormat),
		}), nil
	case "sharedkeylite":
		return NewSharedKeyLite(SharedKeyLiteOptions{
			Account: c.Signing.Account,
			Version: c.Signing.Version,
		}), nil
	default:
		return nil, fmt.Errorf("unknown scheme %q", c.Scheme)
	}
}

func lower(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}
	return out
}

func (c *Config) newBackOff() func() backoff.BackOff {
	b := c.Retry.Backoff

	initial := b.Initial
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	maxInterval := b.Max
	if maxInterval <= 0 {
		maxInterval = 10 * time.Second
	}

	return func() backoff.BackOff {
		var bo backoff.BackOff
		switch b.Shape {
		case "constant":
			bo = NewConstantBackOff(initial)
		case "linear":
			step := b.Step
			if step <= 0 {
				step = initial
			}
			bo = NewLinearBackOff(initial, step, maxInterval)
		case "none":
			bo = &backoff.ZeroBackOff{}
		default:
			bo = NewExponentialBackOff(initial, maxInterval)
		}
		if b.Limit > 0 {
			bo = WithLimit(bo, b.Limit)
		}
		return bo
	}
}

// NewPolicy builds the retry policy, starting from DefaultPolicy.
func (c *Config) NewPolicy() *Policy {
	p := DefaultPolicy()

	if v := c.Retry.MaxRedirects; v != nil {
		p.MaxRedirects = *v
	}
	if v := c.Retry.MaxFailures; v != nil {
		p.MaxFailures = *v
	}
	if c.Retry.MaxRetryAfter > 0 {
		p.MaxRetryAfter = c.Retry.MaxRetryAfter
	}
	p.NewBackOff = c.newBackOff()

	if len(c.Retry.TransientCodes) > 0 {
		p.TransientCodes = c.Retry.TransientCodes
	}
	if len(c.Retry.SkewCodes) > 0 {
		p.SkewCodes = c.Retry.SkewCodes
	}
	if len(c.Retry.MismatchCodes) > 0 {
		p.MismatchCodes = c.Retry.MismatchCodes
	}

	if rules := c.Retry.SyntheticSuccess; len(rules) > 0 {
		p.SyntheticSuccess = func(method string, status int) bool {
			for _, r := range rules {
				if r.matches(method, status) {
					return true
				}
			}
			return false
		}
		p.Replayable = func(method string) bool {
			for _, r := range rules {
				if strings.EqualFold(r.Method, method) {
					return false
				}
			}
			return true
		}
	}

	return p
}

// NewCredentialsProvider reads the configured environment variables.
func (c *Config) NewCredentialsProvider() CredentialsProvider {
	return EnvCredentials{
		IdentityVar:     c.Credentials.IdentityEnv,
		SecretVar:       c.Credentials.SecretEnv,
		SessionTokenVar: c.Credentials.SessionTokenEnv,
	}
}

// NewSigner wires the scheme and credentials of the config.
func (c *Config) NewSigner(opts ...SignerOption) (*Signer, error) {
	scheme, err := c.NewScheme()
	if err != nil {
		return nil, err
	}
	return NewSigner(scheme, c.NewCredentialsProvider(), opts...), nil
}

// NewClient wires signer, policy and options of the config.
func (c *Config) NewClient(signerOpts []SignerOption, opts ...ClientOption) (*Client, error) {
	signer, err := c.NewSigner(signerOpts...)
	if err != nil {
		return nil, err
	}
	return NewClient(signer, c.NewPolicy(), opts...), nil
}
