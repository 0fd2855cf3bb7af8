// Package auth verifies the bearer tokens presented on every "required"
// endpoint (spec §6). Token issuance is out of scope (spec Non-goals):
// this package only validates tokens minted elsewhere against the
// configured signing key.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidConfig mirrors the teacher auth module's sentinel for a
// malformed configuration.
var ErrInvalidConfig = errors.New("invalid auth configuration")

// ErrMissingToken and ErrInvalidToken are returned by Authenticate.
var (
	ErrMissingToken = errors.New("authorization token required")
	ErrInvalidToken = errors.New("authorization token invalid")
)

// Principal is the authenticated identity the httpapi handlers act as.
type Principal struct {
	Subject string
	Groups  []string
}

// Authenticator verifies a bearer token and returns the Principal it
// identifies.
type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (Principal, error)
}

// claims is the JWT claim shape this service expects: a subject and a
// "groups" custom claim carrying the principal's user_groups membership.
type claims struct {
	Groups []string `json:"groups"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256/HS384/HS512-signed bearer tokens against
// a single shared secret, the same library (golang-jwt/jwt/v5) and claims
// shape the teacher's auth module configuration anticipates.
type JWTAuthenticator struct {
	secretKey []byte
	issuer    string
	algorithm string
}

// NewJWTAuthenticator constructs a JWTAuthenticator. algorithm must name a
// jwt.SigningMethodHMAC variant (HS256, HS384 or HS512); issuer, if
// non-empty, is verified against the token's "iss" claim.
func NewJWTAuthenticator(secretKey, issuer, algorithm string) (*JWTAuthenticator, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("%w: secret key required", ErrInvalidConfig)
	}
	if algorithm == "" {
		algorithm = "HS256"
	}
	if _, ok := jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidConfig, algorithm)
	}
	return &JWTAuthenticator{secretKey: []byte(secretKey), issuer: issuer, algorithm: algorithm}, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, bearerToken string) (Principal, error) {
	if bearerToken == "" {
		return Principal{}, ErrMissingToken
	}

	var parsed claims
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{a.algorithm})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	_, err := jwt.ParseWithClaims(bearerToken, &parsed, func(t *jwt.Token) (interface{}, error) {
		return a.secretKey, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, err := parsed.GetSubject()
	if err != nil || subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}

	return Principal{Subject: subject, Groups: parsed.Groups}, nil
}
