package cloudsig

import (
	"context"
	"os"

	"go.uber.org/zap/zapcore"
)

// Credentials identify the caller to the provider. The secret never
// leaves the signer: String, GoString and the zap encoding only render
// the identity.
type Credentials struct {
	Identity     string
	Secret       string
	SessionToken string
}

func (c Credentials) String() string {
	return c.Identity
}

func (c Credentials) GoString() string {
	return "cloudsig.Credentials{Identity:" + c.Identity + "}"
}

func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("identity", c.Identity)
	enc.AddBool("session", c.SessionToken != "")
	return nil
}

func (c Credentials) valid() bool {
	return c.Identity != "" && c.Secret != ""
}

type CredentialsProvider interface {
	Retrieve(ctx context.Context) (Credentials, error)
}

type StaticCredentials Credentials

func (s StaticCredentials) Retrieve(context.Context) (Credentials, error) {
	c := Credentials(s)
	if !c.valid() {
		return Credentials{}, ErrMissingCredentials
	}
	return c, nil
}

// EnvCredentials reads credentials from the named environment variables
// on every call, so rotated values are picked up without a restart.
type EnvCredentials struct {
	IdentityVar     string
	SecretVar       string
	SessionTokenVar string
}

func (e EnvCredentials) Retrieve(context.Context) (Credentials, error) {
	c := Credentials{
		Identity: os.Getenv(e.IdentityVar),
		Secret:   os.Getenv(e.SecretVar),
	}
	if e.SessionTokenVar != "" {
		c.SessionToken = os.Getenv(e.SessionTokenVar)
	}
	if !c.valid() {
		return Credentials{}, nestError(
			ErrMissingCredentials,
			"%s or %s is not set", e.IdentityVar, e.SecretVar,
		)
	}
	return c, nil
}
