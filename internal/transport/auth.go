package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("missing or invalid credentials")

// Authenticator extracts the principal of an upgrade request. With a secret
// it requires an HS256 bearer token whose principal_id (or sub) claim names
// the principal. Without one it trusts the X-Principal-Id header, which is
// only suitable behind an authenticating proxy or in development.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Principal(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		principal := r.Header.Get("X-Principal-Id")
		if principal == "" {
			principal = r.URL.Query().Get("principal")
		}
		if principal == "" {
			return "", ErrUnauthenticated
		}
		return principal, nil
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		// Browsers cannot set headers on WebSocket upgrades.
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return "", ErrUnauthenticated
	}
	return a.parse(token)
}

func (a *Authenticator) parse(token string) (string, error) {
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.Parse(token, func(*gojwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims := parsed.Claims.(gojwt.MapClaims)
	if principal, ok := claims["principal_id"].(string); ok && principal != "" {
		return principal, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("%w: token names no principal", ErrUnauthenticated)
}

// Sign issues a token for principalID.
func Sign(secret, principalID string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{"principal_id": principalID, "sub": principalID})
	return token.SignedString([]byte(secret))
}
