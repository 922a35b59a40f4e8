package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken means the request carried no bearer token.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken wraps every signature, claim or expiry failure.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrForbidden means the caller may not act for the requested user.
	ErrForbidden = errors.New("auth: forbidden")
)

// Claims are the bearer token claims. Subject is the user id for the
// self-service role and the operator or service name otherwise.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens against a shared secret and the
// configured issuer and audience.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

type verifierOptions struct {
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*verifierOptions)

// WithIssuer requires the iss claim to equal issuer. Empty disables the check.
func WithIssuer(issuer string) VerifierOption {
	return func(o *verifierOptions) { o.issuer = strings.TrimSpace(issuer) }
}

// WithAudience requires aud to contain audience. Empty disables the check.
func WithAudience(audience string) VerifierOption {
	return func(o *verifierOptions) { o.audience = strings.TrimSpace(audience) }
}

// WithLeeway tolerates clock skew on exp, nbf and iat.
func WithLeeway(leeway time.Duration) VerifierOption {
	return func(o *verifierOptions) {
		if leeway > 0 {
			o.leeway = leeway
		}
	}
}

// WithNow overrides the clock used for expiry checks.
func WithNow(now func() time.Time) VerifierOption {
	return func(o *verifierOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewVerifier builds a verifier for secret.
func NewVerifier(secret []byte, opts ...VerifierOption) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}
	o := verifierOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(o.leeway),
		jwt.WithTimeFunc(o.now),
	}
	if o.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(o.issuer))
	}
	if o.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(o.audience))
	}
	return &Verifier{secret: secret, parser: jwt.NewParser(parserOpts...)}, nil
}

// Verify validates tokenString and returns its claims with Role normalized.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role, ok := NormalizeRole(claims.Role)
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	claims.Role = string(role)
	return claims, nil
}
