package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrEmptySecret  = errors.New("auth: signing secret is empty")
)

// Verifier turns a bearer token into a principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// HMACVerifier verifies HS256 tokens signed with a shared secret. The subject
// claim is the caller's name.
type HMACVerifier struct {
	secret []byte
	parser *jwt.Parser
}

type HMACOption func(*hmacConfig)

type hmacConfig struct {
	leeway time.Duration
	now    func() time.Time
}

// WithLeeway allows for clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) HMACOption {
	return func(c *hmacConfig) { c.leeway = d }
}

// WithClock overrides time.Now for exp/nbf checks, for tests.
func WithClock(now func() time.Time) HMACOption {
	return func(c *hmacConfig) { c.now = now }
}

func NewHMACVerifier(secret []byte, opts ...HMACOption) (*HMACVerifier, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	c := hmacConfig{leeway: 30 * time.Second}
	for _, o := range opts {
		o(&c)
	}
	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.leeway),
	}
	if c.now != nil {
		popts = append(popts, jwt.WithTimeFunc(c.now))
	}
	return &HMACVerifier{
		secret: secret,
		parser: jwt.NewParser(popts...),
	}, nil
}

func (v *HMACVerifier) Verify(_ context.Context, token string) (Principal, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Principal{Name: claims.Subject, Authenticated: true}, nil
}
