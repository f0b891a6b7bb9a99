// Package credential supplies the token and identity sent in the auth
// handshake. Providers are consulted on every connect attempt so a token
// refreshed mid-session is picked up on the next reconnect.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when a provider yields an empty token.
	ErrNoToken = errors.New("credential has no token")

	// ErrExpired is returned when a JWT credential is past its exp claim.
	ErrExpired = errors.New("credential expired")

	// ErrUnavailable marks a credential source that could not be reached.
	// The credential itself was not rejected and a later attempt may succeed.
	ErrUnavailable = errors.New("credential source unavailable")
)

// IsTransient reports whether err came from a credential source that was
// temporarily unreachable rather than from a rejected or unusable credential.
func IsTransient(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var epErr *EndpointError
	return errors.As(err, &epErr) && epErr.IsRetryable()
}

// Credential is an opaque token plus an identity reference.
type Credential struct {
	Token    string `json:"token"`
	Identity string `json:"identity,omitempty"`
}

// Validate checks that the credential can be sent.
func (c Credential) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return ErrNoToken
	}
	return nil
}

// ExpiresAt returns the exp claim when the token is a JWT. The signature is
// not verified; only the backend can do that.
func (c Credential) ExpiresAt() (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Expired reports whether the token carries an exp claim at or before now.
// Opaque tokens never expire locally.
func (c Credential) Expired(now time.Time) bool {
	exp, ok := c.ExpiresAt()
	return ok && !now.Before(exp)
}

// Subject returns the JWT sub claim, or empty for opaque tokens.
func (c Credential) Subject() string {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}

// Provider yields a fresh credential on demand.
type Provider interface {
	Credential(ctx context.Context) (Credential, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Credential, error)

// Credential implements Provider.
func (f ProviderFunc) Credential(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// Invalidator is implemented by providers that cache credentials. The
// Connection Manager calls Invalidate after the backend rejects a token.
type Invalidator interface {
	Invalidate()
}

// Static returns a provider that always yields the same credential.
func Static(token, identity string) Provider {
	return ProviderFunc(func(context.Context) (Credential, error) {
		return Credential{Token: token, Identity: identity}, nil
	})
}

// Resolve fetches a credential and checks it is usable at now.
// Errors for which IsTransient is true mean the source was unreachable;
// every other error means no usable credential exists.
func Resolve(ctx context.Context, p Provider, now time.Time) (Credential, error) {
	if p == nil {
		return Credential{}, errors.New("no credential provider")
	}
	cred, err := p.Credential(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("fetch credential: %w", err)
	}
	if err := cred.Validate(); err != nil {
		return Credential{}, err
	}
	if cred.Expired(now) {
		exp, _ := cred.ExpiresAt()
		return Credential{}, fmt.Errorf("%w at %s", ErrExpired, exp.Format(time.RFC3339))
	}
	if cred.Identity == "" {
		cred.Identity = cred.Subject()
	}
	return cred, nil
}

// WithIdentity fills identity into credentials that do not name one.
// Invalidate is forwarded to p when p supports it.
func WithIdentity(p Provider, identity string) Provider {
	return &identityProvider{p: p, identity: identity}
}

type identityProvider struct {
	p        Provider
	identity string
}

// Credential implements Provider.
func (ip *identityProvider) Credential(ctx context.Context) (Credential, error) {
	c, err := ip.p.Credential(ctx)
	if err == nil && c.Identity == "" {
		c.Identity = ip.identity
	}
	return c, err
}

// Invalidate implements Invalidator.
func (ip *identityProvider) Invalidate() {
	if inv, ok := ip.p.(Invalidator); ok {
		inv.Invalidate()
	}
}
