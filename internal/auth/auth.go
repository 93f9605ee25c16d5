// Package auth resolves the authenticated owner identity for HTTP requests.
//
// The persistence layer trusts the owner ID it is handed; this package is
// where that ID is established, so every request passes through exactly one
// verification path before touching any session data.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for token verification failures.
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier extracts the authenticated owner ID from a request. An error
// means the request carries no valid identity and must be rejected.
type Verifier interface {
	OwnerID(r *http.Request) (string, error)
}

// JWTVerifier validates HS256 bearer tokens issued by the account service.
// The token's subject claim is the owner ID.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for HS256 tokens signed with secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret is required")
	}
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// OwnerID validates the Authorization bearer token and returns its subject.
func (v *JWTVerifier) OwnerID(r *http.Request) (string, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return "", err
	}

	token, err := v.parser.ParseWithClaims(raw, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) {
			return v.secret, nil
		})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// bearerToken pulls the raw token out of the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrMissingToken)
	}
	return token, nil
}

// StaticVerifier maps any request to a fixed owner ID. Test use only.
type StaticVerifier struct {
	Owner string
}

func (v StaticVerifier) OwnerID(*http.Request) (string, error) {
	if v.Owner == "" {
		return "", ErrMissingToken
	}
	return v.Owner, nil
}
